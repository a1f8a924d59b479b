package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/fatih/color"
	"github.com/redis/go-redis/v9"

	"github.com/neurowrite/collab/auth"
	"github.com/neurowrite/collab/ot"
	"github.com/neurowrite/collab/server"
	"github.com/neurowrite/collab/store"
)

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	addr := flag.String("addr", ":8080", "HTTP listen address")
	redisAddr := flag.String("redis-addr", envDefault("REDIS_ADDR", ""), "Redis address for document persistence")
	firestoreProject := flag.String("firestore-project", envDefault("FIRESTORE_PROJECT", ""), "GCP project for Firestore persistence")
	sessionCap := flag.Int("session-cap", 32, "maximum participants per session")
	grace := flag.Duration("grace", 30*time.Second, "empty-session grace period before teardown")
	compactThreshold := flag.Int("compact-threshold", 512, "op log length that triggers compaction")
	flushInterval := flag.Duration("flush-interval", 2*time.Second, "write-behind cache flush interval")
	authTokens := flag.String("auth-tokens", os.Getenv("AUTH_TOKENS"), "comma-separated token=user:name pairs (empty for open access)")
	flag.Parse()

	ctx := context.Background()

	backing, backendName := selectBacking(ctx, *firestoreProject, *redisAddr)
	cached := store.NewCachedStore(backing, *flushInterval)

	authenticator := buildAuthenticator(*authTokens)

	cfg := server.Config{
		SessionCap:       *sessionCap,
		GracePeriod:      *grace,
		CompactThreshold: *compactThreshold,
	}

	hub := server.NewHub(cached, authenticator, &ot.JupiterEngine{}, cfg)
	go hub.Run()

	relay := server.NewSignalRelay()
	handler := server.NewHandler(hub, relay, authenticator, cached)

	srv := &http.Server{
		Addr:         *addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	color.Cyan("neurowrite collaboration server")
	color.Green("  listening on %s", *addr)
	color.Green("  persistence: %s (flush every %s)", backendName, *flushInterval)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	case sig := <-sigCh:
		log.Printf("received %s, shutting down", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	hub.Shutdown()
	cached.Close()
	log.Printf("shutdown complete")
}

// selectBacking picks the persistence backend: Firestore when a project is
// configured, then Redis, then in-process memory.
func selectBacking(ctx context.Context, firestoreProject, redisAddr string) (store.DocumentStore, string) {
	if firestoreProject != "" {
		client, err := firestore.NewClient(ctx, firestoreProject)
		if err != nil {
			log.Fatalf("firestore: %v", err)
		}
		return store.NewFirestoreStore(client), "firestore (" + firestoreProject + ")"
	}
	if redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Printf("redis ping: %v (continuing, saves retry on a backoff)", err)
		}
		return store.NewRedisStore(rdb), "redis (" + redisAddr + ")"
	}
	return store.NewMemoryStore(), "memory"
}

// buildAuthenticator parses "token=user:name" pairs into a registry; with no
// pairs configured the server accepts any non-empty token.
func buildAuthenticator(entries string) auth.Authenticator {
	if entries == "" {
		return auth.Open{}
	}
	palette := []string{"#e74c3c", "#3498db", "#2ecc71", "#f39c12", "#9b59b6", "#1abc9c"}
	reg := auth.NewTokenRegistry()
	for i, pair := range strings.Split(entries, ",") {
		token, rest, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || token == "" {
			log.Fatalf("malformed auth token entry %q", pair)
		}
		userID, name, _ := strings.Cut(rest, ":")
		if name == "" {
			name = userID
		}
		reg.Register(token, auth.Identity{UserID: userID, Name: name, Color: palette[i%len(palette)]})
	}
	return reg
}
