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

	"retrainlock/internal/api"
	"retrainlock/internal/config"
	"retrainlock/internal/lease"
	"retrainlock/internal/obs"
	"retrainlock/internal/storage"
)

func main() {
	// Cancel context on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.LoadNode()

	db, err := storage.Open(ctx, storage.Config{
		Path:         cfg.DBPath,
		BusyTimeout:  cfg.BusyTimeout,
		MaxOpenConns: 20,
		MaxIdleConns: 20,
	})
	if err != nil {
		log.Fatalf("db open: %v", err)
	}
	defer db.Close()

	logger := obs.NewLogger().With("app", "lockstored")
	metrics := obs.NewNodeMetrics(prometheus.DefaultRegisterer)

	svc := lease.NewService(db.DB, logger, metrics)
	apiServer := api.NewServer(svc)

	sweeper := lease.NewSweeper(db.DB, logger, metrics, cfg.SweepInterval)

	mux := http.NewServeMux()
	mux.Handle("/", apiServer.Handler())
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
		sweeper.Run(ctx) // exits when ctx is cancelled
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf("lockstored up addr=%s db=%s", cfg.Listen, cfg.DBPath)
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
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
	log.Printf("lockstored stopped")
}
