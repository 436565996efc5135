package main

import (
	"context"
	"crypto/ed25519"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/moltdm/moltdm/internal/config"
	"github.com/moltdm/moltdm/internal/relay"
	"github.com/moltdm/moltdm/internal/reqauth"
	"github.com/moltdm/moltdm/internal/store"
)

func main() {
	cfg := config.Load()

	log.Printf("Starting MoltDM relay: %s", cfg.ServerID)

	var st store.Store
	var err error
	switch cfg.StorageBackend {
	case store.BackendPostgres:
		st, err = store.NewPostgresStore(cfg.PostgresURL)
	case store.BackendSQLite:
		st, err = store.NewSQLiteStore(cfg.SQLitePath)
	default:
		st = store.NewMemoryStore()
	}
	if err != nil {
		log.Fatalf("Failed to initialize storage backend %q: %v", cfg.StorageBackend, err)
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisURL})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			log.Printf("Warning: Redis unavailable at %s, rate limiting falls back to in-memory: %v", cfg.RedisURL, err)
			redisClient = nil
		}
	}

	verifier, err := reqauth.NewVerifier(identityKeyLookup(st))
	if err != nil {
		log.Fatalf("Failed to initialize request verifier: %v", err)
	}

	server := relay.NewServer(st, verifier, cfg, redisClient)

	go func() {
		if err := server.Start(); err != nil {
			log.Fatalf("Relay server error: %v", err)
		}
	}()
	log.Printf("Relay listening on port %s", cfg.ServerPort)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Printf("Received signal %v - starting graceful shutdown", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Warning: relay shutdown error: %v", err)
	}

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			log.Printf("Warning: failed to close Redis: %v", err)
		}
	}
	if closer, ok := st.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			log.Printf("Warning: failed to close storage backend: %v", err)
		}
	}

	log.Println("Relay stopped gracefully")
}

// identityKeyLookup adapts the store's published identity records into
// the verifier's lookup shape.
func identityKeyLookup(st store.Store) reqauth.IdentityKeyLookup {
	return func(moltbotID string) (ed25519.PublicKey, bool) {
		rec, ok, err := st.GetIdentity(moltbotID)
		if err != nil || !ok {
			return nil, false
		}
		return ed25519.PublicKey(rec.IdentityPublicKey), true
	}
}
