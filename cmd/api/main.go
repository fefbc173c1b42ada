package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/redis/go-redis/v9"

	api "computed-field-engine/internal/api"
	"computed-field-engine/internal/config"
	"computed-field-engine/internal/executor"
	"computed-field-engine/internal/graph"
	"computed-field-engine/internal/outbox"
	"computed-field-engine/internal/queue"
	"computed-field-engine/internal/ratelimit"
	"computed-field-engine/internal/store"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
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

	fields, err := st.AllFields(ctx)
	if err != nil {
		log.Fatalf("load fields: %v", err)
	}
	g, err := graph.Load(fields)
	if err != nil {
		log.Fatalf("build dependency graph: %v", err)
	}

	repo := outbox.NewPg(st.Pool())
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.New(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	nudge := queue.NewNudge(redisClient, "")
	exec := executor.New(st, repo, cfg)

	server := api.New(cfg, st, repo, g, exec, limiter, nudge)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("api listening on :%s mode=%s sync_max_level=%d", cfg.HTTPPort, cfg.ComputeMode, cfg.SyncMaxLevel)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
