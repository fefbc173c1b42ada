package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"computed-field-engine/internal/config"
	"computed-field-engine/internal/executor"
	"computed-field-engine/internal/outbox"
	"computed-field-engine/internal/queue"
	"computed-field-engine/internal/store"
	"computed-field-engine/internal/telemetry"
	"computed-field-engine/internal/worker"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.NewPg(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	repo := outbox.NewPg(st.Pool())
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	nudge := queue.NewNudge(redisClient, "")
	exec := executor.New(st, repo, cfg)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	w := worker.New(cfg, repo, exec, nudge)
	log.Printf("worker started batch=%d poll=%s stale_after=%s", cfg.ClaimBatchSize, cfg.WorkerPollInterval, cfg.StaleRunningAfter)
	if err := w.Run(ctx); err != nil {
		log.Printf("worker stopped: %v", err)
	}
}
