package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"retrainlock/internal/config"
	"retrainlock/internal/obs"
	"retrainlock/internal/retrain"
	"retrainlock/pkg/distlock"
	"retrainlock/pkg/lockstore"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadCoordinator()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := obs.NewLogger().With("app", "retraind")
	lockMetrics := obs.NewLockMetrics(prometheus.DefaultRegisterer)
	retrainMetrics := obs.NewRetrainMetrics(prometheus.DefaultRegisterer)

	httpc := &http.Client{Timeout: cfg.NodeTimeout}
	stores := make([]distlock.Store, 0, len(cfg.Nodes))
	for _, addr := range cfg.Nodes {
		stores = append(stores, lockstore.New(addr, httpc))
	}

	manager, err := distlock.NewManager(stores, distlock.Config{
		QuorumEnabled: cfg.QuorumEnabled,
		NodeTimeout:   cfg.NodeTimeout,
		DriftFactor:   cfg.DriftFactor,
	}, lockMetrics, logger)
	if err != nil {
		log.Fatalf("lock manager: %v", err)
	}

	trainer, err := retrain.NewCommandTrainer(cfg.TrainerCmd)
	if err != nil {
		log.Fatalf("trainer: %v", err)
	}

	coord := retrain.NewCoordinator(manager, trainer, cfg.Resource, cfg.TTL, retrainMetrics, logger)
	defer coord.Close()

	sched := retrain.NewScheduler(coord, cfg.Interval, logger)
	trigger := retrain.NewTriggerServer(coord, cfg.TriggerToken)

	if cfg.TriggerToken == "" {
		logger.Warn(map[string]interface{}{
			"op":  "startup",
			"msg": "RETRAINLOCK_TRIGGER_TOKEN not set; manual retrain trigger disabled",
		})
	}

	mux := http.NewServeMux()
	mux.Handle("/", trigger.Handler())
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf("retraind up addr=%s mode=%s nodes=%d resource=%s",
			cfg.Listen, manager.Mode(), len(cfg.Nodes), cfg.Resource)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("http server error: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Printf("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown error: %v", err)
	}

	wg.Wait()
	log.Printf("retraind stopped")
}
