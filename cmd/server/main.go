// Command server runs the HTTP API: batch intake, job and cache reads,
// OAuth, webhooks, and client log forwarding.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fenrick/miro-bridge/internal/adapter/httpserver"
	"github.com/fenrick/miro-bridge/internal/adapter/miro"
	"github.com/fenrick/miro-bridge/internal/adapter/observability"
	"github.com/fenrick/miro-bridge/internal/adapter/repo/postgres"
	"github.com/fenrick/miro-bridge/internal/app"
	"github.com/fenrick/miro-bridge/internal/config"
	"github.com/fenrick/miro-bridge/internal/pipeline"
	"github.com/fenrick/miro-bridge/internal/service/idempotency"
	"github.com/fenrick/miro-bridge/internal/service/ratelimiter"
	"github.com/fenrick/miro-bridge/internal/service/tokens"
	"github.com/fenrick/miro-bridge/internal/usecase"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", slog.Any("error", err))
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

	if err := postgres.Migrate(ctx, cfg.DatabaseURL); err != nil {
		return err
	}
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	queue := postgres.NewQueue(pool)
	jobs := postgres.NewJobRepo(pool)
	users := postgres.NewUserRepo(pool)
	idemRepo := postgres.NewIdempotencyRepo(pool, cfg.IdempotencyTTL)
	cacheRepo := postgres.NewCacheRepo(pool, cfg.CacheTTL())
	mirror := postgres.NewMirrorRepo(pool)

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
		RedirectURI:  cfg.OAuthRedirectURI,
		Timeout:      cfg.HTTPTimeout(),
	})
	tokenManager := tokens.NewManager(users, client, sealer, cfg.RefreshMargin)
	limiter := ratelimiter.NewRegistry(cfg.BucketReservoir, cfg.BucketRefill())
	refresher := pipeline.NewRefresher(client, cacheRepo, tokenManager, cfg.RefreshDebounce)
	defer refresher.Close()

	idemCache := idempotency.New(idemRepo, cfg.IdempotencyCacheSize, cfg.IdempotencyCacheTTL())
	boards := usecase.NewBoardService(mirror)

	srv := &httpserver.Server{
		Batch:        usecase.NewBatchService(queue, jobs, idemCache, cfg.MaxBatch),
		Jobs:         usecase.NewJobService(jobs),
		Cache:        usecase.NewCacheService(cacheRepo),
		Limits:       usecase.NewLimitsService(queue, limiter),
		Logs:         usecase.NewLogService(cfg.LogMaxEntries),
		Boards:       boards,
		DLQ:          queue,
		MaxBodyBytes: cfg.LogMaxPayloadBytes,
		OAuth: &httpserver.OAuthHandler{
			OAuth:        client,
			Users:        users,
			Tokens:       tokenManager,
			AuthBase:     cfg.OAuthAuthBase,
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURI:  cfg.OAuthRedirectURI,
			Scope:        cfg.OAuthScope,
		},
		Hook: &httpserver.WebhookHandler{
			Secret:       cfg.WebhookSecret,
			OnBoardEvent: refresher.Schedule,
			OnTagEvent:   boards.ApplyTagEvent,
		},
	}

	go postgres.Purger{Name: "idempotency", Interval: cfg.IdempotencyCleanup(), Purge: idemRepo.PurgeExpired}.RunPeriodic(ctx)
	go postgres.Purger{Name: "cache", Interval: cfg.CacheCleanup(), Purge: cacheRepo.PurgeExpired}.RunPeriodic(ctx)

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      app.NewRouter(cfg, srv),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", slog.Int("port", cfg.Port), slog.String("env", cfg.AppEnv))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if shutdownTracing != nil {
		if err := shutdownTracing(shutdownCtx); err != nil {
			slog.Warn("tracer shutdown failed", slog.Any("error", err))
		}
	}
	return nil
}
