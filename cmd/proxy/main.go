package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/redteamingai/proxy/internal/alerts"
	"github.com/redteamingai/proxy/internal/anomaly"
	"github.com/redteamingai/proxy/internal/broadcast"
	"github.com/redteamingai/proxy/internal/config"
	"github.com/redteamingai/proxy/internal/metrics"
	"github.com/redteamingai/proxy/internal/pipeline"
	"github.com/redteamingai/proxy/internal/policy"
	"github.com/redteamingai/proxy/internal/proxy"
	"github.com/redteamingai/proxy/internal/store"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration load failed", "error", err)
		os.Exit(1)
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		slog.Error("store open failed", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	windows := anomaly.NewWindowStore(cfg.Analysis.WindowRetention, cfg.Analysis.EvictionInterval)
	defer windows.Stop()

	policyEngine, err := policy.NewEngine(st, cfg.Analysis.RuleCacheTTL, cfg.Analysis.RuleEvalTimeout)
	if err != nil {
		slog.Error("policy engine init failed", "error", err)
		os.Exit(1)
	}
	defer policyEngine.Close()

	pl := pipeline.New(anomaly.NewEngine(windows), policyEngine, pipeline.Weights{
		Anomaly:   cfg.Analysis.AnomalyWeight,
		Injection: cfg.Analysis.InjectionWeight,
		Policy:    cfg.Analysis.PolicyWeight,
	})

	hub := broadcast.NewHub()
	var publisher proxy.EventPublisher = hub

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		bridge := broadcast.NewRedisBridge(redis.NewClient(opts), hub)
		go bridge.Run(ctx)
		publisher = bridge
		slog.Info("redis event bridge enabled")
	}

	alertQueue := alerts.NewQueue(1024)
	m := metrics.New(prometheus.DefaultRegisterer)

	forwarder := proxy.NewForwarder(cfg.OpenAIKey, cfg.AnthropicKey)
	interceptor := proxy.NewInterceptor(st, forwarder, pl, publisher, alertQueue, m, cfg.UpgradeURL)

	router := proxy.NewRouter(interceptor, broadcast.NewWSHandler(hub, st))

	server := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     router,
		ReadTimeout: 60 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		slog.Info("proxy listening", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("shutdown signal received, draining")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
	}
}
