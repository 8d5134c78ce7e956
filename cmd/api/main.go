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

	"github.com/IBM/sarama"

	"cowrite/api/internal/app"
	"cowrite/api/internal/collab"
	"cowrite/api/internal/config"
	"cowrite/api/internal/lock"
	"cowrite/api/internal/presence"
	"cowrite/api/internal/relay"
	"cowrite/api/internal/search"
	"cowrite/api/internal/snapshot"
	"cowrite/api/internal/store"
	"cowrite/api/internal/ws"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	if err := os.MkdirAll(cfg.SnapshotsDir, 0o755); err != nil {
		log.Fatalf("failed to create snapshots dir: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	snapshots := snapshot.New(cfg.SnapshotsDir)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts)

	var lockManager lock.Manager
	var redisLocks *lock.RedisManager
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for document locks")
		redisLocks, err = lock.NewRedisManager(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisLocks.Close()
		lockManager = redisLocks
	} else {
		log.Printf("Using in-memory document locks")
		lockManager = lock.NewMemoryManager()
	}

	tracker := presence.NewTracker()
	hub := ws.NewHub()

	fanout := collab.Fanout{hub}
	if len(cfg.KafkaBrokers) > 0 {
		saramaCfg := sarama.NewConfig()
		saramaCfg.Producer.Return.Successes = true
		producer, err := sarama.NewSyncProducer(cfg.KafkaBrokers, saramaCfg)
		if err != nil {
			log.Fatalf("kafka connection failed: %v", err)
		}
		dispatcher := relay.NewDispatcher(producer, cfg.KafkaTopic, relay.Options{})
		defer dispatcher.Close()
		defer producer.Close()
		fanout = append(fanout, dispatcher)
		log.Printf("Relaying collaboration events to Kafka topic %q", cfg.KafkaTopic)
	}

	coordinator := collab.New(dataStore, dataStore, lockManager, tracker, fanout)
	service := app.New(cfg, dataStore, coordinator, searchService, snapshots)
	if redisLocks != nil {
		service.SetLockPing(redisLocks.Ping)
	}

	if err := service.Reindex(ctx); err != nil {
		log.Printf("WARNING: search reindex error (will retry on next restart): %v", err)
	}

	// Idle participants are swept on a timer so abandoned connections
	// do not linger in the presence list.
	reapDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(cfg.ReapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if removed := service.ReapIdle(); removed > 0 {
					log.Printf("reaped %d idle participants", removed)
				}
			case <-reapDone:
				return
			}
		}
	}()
	defer close(reapDone)

	wsOpts := ws.Options{DefaultLockTTL: cfg.DefaultLockTTL, MaxLockTTL: cfg.MaxLockTTL}
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, hub, wsOpts)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Cowrite API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
