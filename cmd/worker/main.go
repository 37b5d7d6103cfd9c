// Command worker drains the durable change queue against the upstream API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fenrick/miro-bridge/internal/adapter/miro"
	"github.com/fenrick/miro-bridge/internal/adapter/observability"
	"github.com/fenrick/miro-bridge/internal/adapter/repo/postgres"
	"github.com/fenrick/miro-bridge/internal/config"
	"github.com/fenrick/miro-bridge/internal/pipeline"
	"github.com/fenrick/miro-bridge/internal/service/ratelimiter"
	"github.com/fenrick/miro-bridge/internal/service/tokens"
)

func main() {
	if err := run(); err != nil {
		slog.Error("worker exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.SetDefault(observability.SetupLogger(cfg))
	observability.InitMetrics()

	shutdownTracing, err := observability.SetupTracing(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	queue := postgres.NewQueue(pool)
	jobs := postgres.NewJobRepo(pool)
	users := postgres.NewUserRepo(pool)
	cacheRepo := postgres.NewCacheRepo(pool, cfg.CacheTTL())

	keys, err := cfg.EncryptionKeys()
	if err != nil {
		return err
	}
	sealer, err := tokens.NewSealer(keys)
	if err != nil {
		return err
	}
	client := miro.New(miro.Config{
		BaseURL:      cfg.APIURL,
		TokenURL:     cfg.OAuthTokenURL,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Timeout:      cfg.HTTPTimeout(),
	})
	tokenManager := tokens.NewManager(users, client, sealer, cfg.RefreshMargin)
	limiter := ratelimiter.NewRegistry(cfg.BucketReservoir, cfg.BucketRefill())
	refresher := pipeline.NewRefresher(client, cacheRepo, tokenManager, cfg.RefreshDebounce)
	defer refresher.Close()

	n := cfg.Workers
	if n <= 0 {
		n = runtime.NumCPU()
	}
	// Enqueues happen in the API process, so there is no in-process wakeup
	// here; claims are driven by the bounded poll.
	opts := pipeline.Options{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
		Mirror:      postgres.NewMirrorRepo(pool),
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		w := pipeline.NewWorker(queue, jobs, client, tokenManager, limiter, refresher, opts)
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}
	slog.Info("workers started", slog.Int("count", n))

	go pipeline.RunOrphanRecovery(ctx, queue, cfg.OrphanInterval, cfg.OrphanThreshold)
	go reportQueueLength(ctx, queue)

	metricsSrv := &http.Server{Addr: ":9090", Handler: promhttp.Handler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server failed", slog.Any("error", err))
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	if shutdownTracing != nil {
		if err := shutdownTracing(shutdownCtx); err != nil {
			slog.Warn("tracer shutdown failed", slog.Any("error", err))
		}
	}
	return nil
}

func reportQueueLength(ctx context.Context, queue *postgres.Queue) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := queue.Length(ctx)
			if err != nil {
				slog.Warn(fmt.Sprintf("queue length read failed: %v", err))
				continue
			}
			observability.ChangeQueueLength.Set(float64(n))
		}
	}
}
