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

	"plansync/internal/app"
	"plansync/internal/broadcast"
	"plansync/internal/config"
	"plansync/internal/history"
	"plansync/internal/schema"
	"plansync/internal/store"
)

func main() {
	cfg := config.Load()
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	var (
		documentStore store.DocumentStore
		redisClient   *redis.Client
	)
	switch cfg.Store {
	case config.StorePostgres:
		pgStore, err := store.OpenPostgresStore(ctx, cfg.DatabaseURL, cfg.MigrationsDir)
		if err != nil {
			log.Fatalf("database setup failed: %v", err)
		}
		defer pgStore.DB().Close()
		documentStore = pgStore
	case config.StoreRedis:
		if strings.TrimSpace(cfg.RedisURL) == "" {
			log.Fatalf("PLANSYNC_STORE=redis requires REDIS_URL")
		}
		redisStore, err := store.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisStore.Close()
		documentStore = redisStore
		redisClient = redisStore.Client()
	case config.StoreMemory:
		log.Printf("WARNING: using in-memory store, documents are lost on restart")
		documentStore = store.NewMemoryStore()
	default:
		log.Fatalf("unknown PLANSYNC_STORE %q", cfg.Store)
	}

	registry, err := schema.LoadRegistry(cfg.SchemaFile)
	if err != nil {
		log.Fatalf("schema load failed: %v", err)
	}

	opts := []app.Option{}
	if strings.TrimSpace(cfg.HistoryDir) != "" {
		if err := os.MkdirAll(cfg.HistoryDir, 0o755); err != nil {
			log.Fatalf("failed to create history dir: %v", err)
		}
		opts = append(opts, app.WithHistory(history.New(cfg.HistoryDir)))
	}

	hub := broadcast.NewHub(cfg.CORSOrigin)
	defer hub.Close()

	// Any configured Redis doubles as the relay between API instances.
	if redisClient == nil && strings.TrimSpace(cfg.RedisURL) != "" {
		options, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("invalid REDIS_URL: %v", err)
		}
		redisClient = redis.NewClient(options)
		defer redisClient.Close()
	}
	if redisClient != nil {
		relay := broadcast.NewRedisRelay(redisClient, hub)
		if _, err := relay.Listen(ctx); err != nil {
			log.Fatalf("broadcast relay failed: %v", err)
		}
		log.Printf("Relaying live updates through Redis")
		opts = append(opts, app.WithPublisher(relay))
	} else {
		opts = append(opts, app.WithPublisher(hub))
	}

	service := app.New(documentStore, registry, opts...)
	httpServer := app.NewHTTPServer(service, hub, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// No WriteTimeout: it would cut long-lived WebSocket subscriptions.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("plansync API listening on %s (store=%s, verticals=%s)", cfg.Addr, cfg.Store, strings.Join(registry.Names(), ","))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	stop()
}
