package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"slices"
	"sync"

	"github.com/redis/go-redis/v9"

	"taskcollab/api/internal/protocol"
)

// Redis fans session messages out through Redis pub/sub so participants
// connected to different API nodes see the same stream. Each node publishes
// over a single connection, which keeps per-sender order.
type Redis struct {
	client *redis.Client
	prefix string

	mu           sync.Mutex
	subs         map[*redis.PubSub]struct{}
	disconnected []func(error)
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{
		client: client,
		prefix: "collab:session:",
		subs:   make(map[*redis.PubSub]struct{}),
	}
}

func (r *Redis) channel(sessionID string) string {
	return r.prefix + sessionID
}

func (r *Redis) Send(ctx context.Context, sessionID string, msg protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel(sessionID), data).Err(); err != nil {
		err = fmt.Errorf("publish message: %w", err)
		r.notifyDisconnect(err)
		return err
	}
	return nil
}

// OnMessage subscribes to sessionID. The subscription is confirmed before
// OnMessage returns, so messages published afterwards are not missed.
func (r *Redis) OnMessage(sessionID string, handler Handler) func() {
	ctx := context.Background()
	pubsub := r.client.Subscribe(ctx, r.channel(sessionID))
	if _, err := pubsub.Receive(ctx); err != nil {
		log.Printf("transport: subscribe %s: %v", sessionID, err)
		r.notifyDisconnect(fmt.Errorf("subscribe: %w", err))
	}

	r.mu.Lock()
	r.subs[pubsub] = struct{}{}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for raw := range pubsub.Channel() {
			var msg protocol.Message
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				log.Printf("transport: dropping malformed message on %s: %v", raw.Channel, err)
				continue
			}
			handler(msg)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, pubsub)
			r.mu.Unlock()
			_ = pubsub.Close()
			<-done
		})
	}
}

func (r *Redis) OnDisconnect(handler func(error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected = append(r.disconnected, handler)
}

func (r *Redis) notifyDisconnect(err error) {
	r.mu.Lock()
	handlers := slices.Clone(r.disconnected)
	r.mu.Unlock()
	for _, handler := range handlers {
		handler(err)
	}
}

// Close ends every subscription; the Redis client stays open.
func (r *Redis) Close() error {
	r.mu.Lock()
	subs := make([]*redis.PubSub, 0, len(r.subs))
	for pubsub := range r.subs {
		subs = append(subs, pubsub)
	}
	r.subs = make(map[*redis.PubSub]struct{})
	r.mu.Unlock()

	for _, pubsub := range subs {
		_ = pubsub.Close()
	}
	return nil
}
