package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"taskcollab/api/internal/protocol"
)

func newMessage(t *testing.T, sessionID string, offset int) protocol.Message {
	t.Helper()
	msg, err := protocol.NewMessage(sessionID, protocol.TypeCursor, "alice", protocol.CursorPayload{Field: "title", Offset: offset}, time.Now())
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}
	return msg
}

func TestLocalDeliversInOrderPerSession(t *testing.T) {
	bus := NewLocal()
	var got []int
	cancel := bus.OnMessage("ses-1", func(msg protocol.Message) {
		var payload protocol.CursorPayload
		if err := msg.Decode(&payload); err != nil {
			t.Errorf("decode failed: %v", err)
			return
		}
		got = append(got, payload.Offset)
	})
	other := 0
	bus.OnMessage("ses-2", func(protocol.Message) { other++ })

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := bus.Send(ctx, "ses-1", newMessage(t, "ses-1", i)); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}
	if len(got) != 3 || got[0] != 0 || got[2] != 2 {
		t.Fatalf("unexpected delivery order: %v", got)
	}
	if other != 0 {
		t.Fatalf("expected no cross-session delivery, got %d", other)
	}

	cancel()
	if bus.Subscribers("ses-1") != 0 {
		t.Fatal("expected handler removed")
	}
	_ = bus.Send(ctx, "ses-1", newMessage(t, "ses-1", 9))
	if len(got) != 3 {
		t.Fatalf("expected no delivery after cancel, got %v", got)
	}
}

func TestLocalDisconnectAndClose(t *testing.T) {
	bus := NewLocal()
	var reported error
	bus.OnDisconnect(func(err error) { reported = err })

	bus.Disconnect(errors.New("link down"))
	if reported == nil || reported.Error() != "link down" {
		t.Fatalf("expected disconnect reported, got %v", reported)
	}

	_ = bus.Close()
	if err := bus.Send(context.Background(), "ses-1", newMessage(t, "ses-1", 0)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestRedisPublishSubscribe(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	bus := NewRedis(client)
	defer bus.Close()

	var (
		mu  sync.Mutex
		got []int
	)
	received := make(chan struct{}, 8)
	cancel := bus.OnMessage("ses-1", func(msg protocol.Message) {
		var payload protocol.CursorPayload
		if err := msg.Decode(&payload); err != nil {
			t.Errorf("decode failed: %v", err)
			return
		}
		mu.Lock()
		got = append(got, payload.Offset)
		mu.Unlock()
		received <- struct{}{}
	})
	defer cancel()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := bus.Send(ctx, "ses-1", newMessage(t, "ses-1", i)); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}

	for i := 0; i < 3; i++ {
		select {
		case <-received:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for i, offset := range got {
		if offset != i {
			t.Fatalf("expected in-order delivery, got %v", got)
		}
	}
}

func TestRedisSendFailureReportsDisconnect(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr(), MaxRetries: -1})
	defer client.Close()

	bus := NewRedis(client)
	var reported error
	bus.OnDisconnect(func(err error) { reported = err })

	s.Close()
	if err := bus.Send(context.Background(), "ses-1", newMessage(t, "ses-1", 0)); err == nil {
		t.Fatal("expected publish to fail with redis down")
	}
	if reported == nil {
		t.Fatal("expected disconnect handler to run")
	}
}
