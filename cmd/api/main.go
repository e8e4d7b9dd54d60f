package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"taskcollab/api/internal/app"
	"taskcollab/api/internal/config"
	"taskcollab/api/internal/hub"
	"taskcollab/api/internal/locks"
	"taskcollab/api/internal/presence"
	"taskcollab/api/internal/store"
	"taskcollab/api/internal/transport"
)

func main() {
	cfg := config.Load()
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}
	tasks := store.NewPostgresStore(db)

	opts := hub.Options{
		Store:         tasks,
		Presence:      presence.NewTracker(presence.Options{IdleAfter: cfg.IdleAfter, OfflineAfter: cfg.OfflineAfter()}),
		Window:        cfg.TransformWindow,
		SessionIdle:   cfg.SessionIdle,
		TeardownGrace: cfg.TeardownGrace,
		SweepInterval: cfg.SweepInterval,
	}

	var checks map[string]app.Check
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for locks, task ownership, presence and fan-out as node %s", cfg.NodeID)
		lockStore, err := locks.NewRedisStore(cfg.RedisURL, cfg.SessionIdle)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer lockStore.Close()

		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis url invalid: %v", err)
		}
		client := redis.NewClient(redisOpts)
		defer client.Close()

		bus := transport.NewRedis(client)
		defer bus.Close()

		opts.Locks = lockStore
		// One node is the authority for a task at a time.
		opts.Owners = lockStore.Namespace("owner:task:", 6*cfg.SweepInterval)
		opts.NodeID = cfg.NodeID
		opts.Transport = bus
		opts.Mirror = presence.NewRedisStore(client, cfg.IdleAfter, cfg.OfflineAfter())
		checks = map[string]app.Check{"redis": lockStore.Ping}
	} else {
		log.Printf("Using in-process locks, presence and fan-out")
		opts.Locks = locks.NewMemoryStore()
		opts.Transport = transport.NewLocal()
	}

	editing := hub.New(opts)
	go func() {
		if err := editing.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("hub sweep stopped: %v", err)
		}
	}()

	service := app.New(cfg, tasks, editing)
	for name, check := range checks {
		service.AddCheck(name, check)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Task collaboration API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// Closing the sessions first ends the websocket streams, which Shutdown
	// does not track.
	if err := editing.Close(shutdownCtx); err != nil {
		log.Printf("session teardown error: %v", err)
	}
	stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
