package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/courierq/courierq/internal/backoff"
	"github.com/courierq/courierq/internal/breaker"
	"github.com/courierq/courierq/internal/config"
	"github.com/courierq/courierq/internal/engine"
	"github.com/courierq/courierq/internal/idempotency"
	"github.com/courierq/courierq/internal/queue"
	"github.com/courierq/courierq/internal/ratelimit"
	"github.com/courierq/courierq/internal/rest"
	"github.com/courierq/courierq/internal/transport"
)

const shutdownGrace = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the delivery engine and its HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.LoadOrDefault(cfgFile)
		setupLogging(cfg.Logging)
		return serve(cfg)
	},
}

func setupLogging(cfg config.LoggingConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

func serve(cfg *config.Config) error {
	transports := make([]transport.Transport, 0, len(cfg.Transports))
	for i, tc := range cfg.Transports {
		seed := tc.Seed
		if seed == 0 {
			seed = time.Now().UnixNano() + int64(i)
		}
		transports = append(transports, transport.NewMock(tc.Name, transport.MockConfig{
			PermanentGlobalRate: tc.PermanentGlobalRate,
			PermanentLocalRate:  tc.PermanentLocalRate,
			RateLimitedRate:     tc.RateLimitedRate,
			TransientRate:       tc.TransientRate,
			RetryAfter:          tc.RetryAfter,
			MinLatency:          tc.MinLatency,
			MaxLatency:          tc.MaxLatency,
		}, seed))
	}

	store := idempotency.NewStore(cfg.Idempotency.TTL,
		idempotency.WithSweepInterval(cfg.Idempotency.SweepInterval))

	eng, err := engine.New(engine.Config{
		MaxAttemptsPerTransport: cfg.Engine.MaxAttemptsPerTransport,
		DisableBreaker:          !cfg.Engine.EnableBreaker,
		Sync:                    cfg.Engine.Sync,
		Backoff: backoff.Config{
			InitialDelay: cfg.Backoff.InitialDelay,
			MaxDelay:     cfg.Backoff.MaxDelay,
			Multiplier:   cfg.Backoff.Multiplier,
		},
		Breaker: breaker.Config{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			SuccessThreshold: cfg.Breaker.SuccessThreshold,
			OpenDuration:     cfg.Breaker.OpenDuration,
		},
		Queue: queue.Config{
			MaxConcurrency:     cfg.Queue.MaxConcurrency,
			PollInterval:       cfg.Queue.PollInterval,
			JobTimeout:         cfg.Queue.JobTimeout,
			RetryBaseDelay:     cfg.Queue.RetryBaseDelay,
			MaxRetries:         cfg.Queue.MaxRetries,
			StuckSweepInterval: cfg.Queue.StuckSweepInterval,
			HistoryLimit:       cfg.Queue.HistoryLimit,
			HistoryMaxAge:      cfg.Queue.HistoryMaxAge,
		},
	}, store, transports...)
	if err != nil {
		return err
	}

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.New(ratelimit.Config{
			Capacity: cfg.RateLimit.Capacity,
			Window:   cfg.RateLimit.Window,
		})
		limiter.Start()
	}

	eng.Start()

	server := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: rest.NewServer(eng, limiter).Handler(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", cfg.Server.HTTPAddr).Msg("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("http shutdown failed")
		}
		if err := eng.Stop(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("engine drain incomplete")
		}
		if limiter != nil {
			limiter.Stop()
		}
		return nil
	})

	return g.Wait()
}
