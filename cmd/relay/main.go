package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	zlog "github.com/rs/zerolog/log"

	"eventrelay/internal/application/dlq"
	"eventrelay/internal/application/notify"
	"eventrelay/internal/config"
	"eventrelay/internal/infrastructure/messaging/redisstream"
	"eventrelay/internal/infrastructure/postgres"
	"eventrelay/internal/infrastructure/redis"
	"eventrelay/internal/logger"
	"eventrelay/internal/security"
	"eventrelay/internal/transport/http/handlers"
	authmw "eventrelay/internal/transport/http/middleware"
	"eventrelay/internal/transport/http/router"
)

func main() {
	logger.Init()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	// 1) Infrastructure
	db, err := postgres.Open(cfg.DBDSN)
	if err != nil {
		zlog.Fatal().Err(err).Msg("db open failed")
	}
	defer db.Close()

	rds, err := redis.New(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	if err != nil {
		zlog.Fatal().Err(err).Msg("redis connect failed")
	}
	defer rds.Close()

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "relay"
	}

	// 2) Application
	producer := redisstream.NewProducer(rds, cfg.RoutingStrict, cfg.Topics)
	worker := postgres.NewOutboxWorker(db, producer, cfg.Outbox, hostname)

	dlqStore := postgres.NewDLQStore(db)
	dlqMgr := dlq.NewManager(dlqStore, producer, cfg.DLQ)

	registry := notify.NewRegistry(cfg.Session)
	notifier := notify.NewNotifier(rds, registry, cfg.Session, cfg.Notifier, hostname)

	// 3) Transport
	verifier := security.NewHS256Verifier(cfg.JWTSecret, cfg.JWTIssuer)
	auth := authmw.NewAuth(verifier)

	sseH := handlers.NewSSEHandler(registry, cfg.Heartbeat, cfg.Session)
	wsH := handlers.NewWSHandler(verifier, registry, cfg.Heartbeat, cfg.Session)
	dlqH := handlers.NewDLQHandler(dlqMgr, registry, producer)
	healthH := handlers.NewHealthHandler(db, rds)

	httpHandler := router.New(cfg, auth, sseH, wsH, dlqH, healthH)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           httpHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 4) Background loops
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go worker.Run(ctx)

	if err := notifier.Start(ctx, redisstream.AllTopicConfigs(cfg.Topics)); err != nil {
		zlog.Fatal().Err(err).Msg("notifier start failed")
	}

	go reapLoop(ctx, registry, cfg.Session.MaxIdle)

	go func() {
		zlog.Info().Int("port", cfg.Port).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("server crashed")
		}
	}()

	// 5) Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	zlog.Info().Msg("shutting down")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("http shutdown failed")
	}

	notifier.Wait()
	zlog.Info().Msg("stopped")
}

// reapLoop drops idle and unresponsive sessions on a fixed cadence.
func reapLoop(ctx context.Context, reg *notify.Registry, maxIdle time.Duration) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := reg.ReapStale(maxIdle); n > 0 {
				zlog.Info().Int("count", n).Msg("reaped stale sessions")
			}
		}
	}
}
