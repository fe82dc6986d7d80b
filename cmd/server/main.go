package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ignite/mailhub/internal/api"
	"github.com/ignite/mailhub/internal/auth"
	"github.com/ignite/mailhub/internal/checker"
	"github.com/ignite/mailhub/internal/code"
	"github.com/ignite/mailhub/internal/config"
	"github.com/ignite/mailhub/internal/graph"
	"github.com/ignite/mailhub/internal/imapfetch"
	"github.com/ignite/mailhub/internal/live"
	"github.com/ignite/mailhub/internal/notify"
	"github.com/ignite/mailhub/internal/pkg/distlock"
	"github.com/ignite/mailhub/internal/platform"
	"github.com/ignite/mailhub/internal/store"
	"github.com/ignite/mailhub/internal/subscription"
	"github.com/ignite/mailhub/internal/vault"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if os.Getenv("DATABASE_URL") != "" {
		log.Println("[config] DATABASE_URL env override active")
	}

	v, err := vault.NewFromConfig(cfg.Auth.EncryptionKey, cfg.Auth.JWTSecret)
	if err != nil {
		log.Fatalf("Failed to init credential vault: %v", err)
	}

	st, err := store.Open(cfg.Database, v)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()
	log.Printf("Store ready (driver=%s)", cfg.Database.Driver)

	// Locks stay in-process unless Redis is configured; with Redis, check
	// exclusion holds across instances.
	var locker distlock.Locker
	if cfg.Redis.Enabled() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			log.Fatalf("Redis unreachable at %s: %v", cfg.Redis.Addr, err)
		}
		locker = distlock.New(rdb, 10*time.Minute)
		log.Printf("Redis locks enabled (%s)", cfg.Redis.Addr)
	} else {
		locker = distlock.NewMemoryLocker()
	}

	authManager := auth.NewManager(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL())
	graphClient := graph.NewClient(cfg.Graph)
	fetcher := imapfetch.New(30 * time.Second)
	classifier := platform.New(st)
	hub := live.NewHub()

	chk := checker.New(st, graphClient, fetcher, classifier, hub, locker,
		cfg.Checker.Workers, cfg.Checker.Timeout())
	waiter := code.New(st)

	var subManager *subscription.Manager
	var router *notify.Router
	if cfg.Graph.WebhookURL != "" {
		subManager = subscription.New(st, graphClient, cfg.Graph.WebhookURL,
			time.Duration(cfg.Subscription.RenewBeforeHours)*time.Hour,
			cfg.Subscription.RenewInterval())
		if err := subManager.Start(); err != nil {
			log.Fatalf("Failed to start subscription renewal: %v", err)
		}
		router = notify.New(st, chk)
		log.Printf("Graph webhooks enabled (%s)", cfg.Graph.WebhookURL)

		go func() {
			res, err := subManager.EnsureAll(context.Background())
			if err != nil {
				log.Printf("[Main] initial subscription sweep failed: %v", err)
				return
			}
			log.Printf("[Main] subscription sweep: %d created, %d skipped, %d failed",
				res.Created, res.Skipped, res.Failed)
		}()
	} else {
		log.Println("GRAPH_WEBHOOK_URL not set; realtime push disabled, pull checks only")
	}

	handlers := api.NewHandlers(st, authManager, chk, subManager, router, waiter, classifier, hub)
	server := api.NewServer(cfg.Server, handlers)

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		addr := cfg.Server.Addr()
		log.Printf("Starting server on %s", addr)
		if err := server.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-done
	log.Println("Shutting down...")

	if subManager != nil {
		subManager.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	log.Println("Server stopped")
}
