package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rom8726/stagewise"
	"github.com/rom8726/stagewise/api"
)

type config struct {
	DatabaseURL   string        `env:"STAGEWISE_DATABASE_URL,required"`
	ListenAddr    string        `env:"STAGEWISE_LISTEN_ADDR" envDefault:":8080"`
	MetricsAddr   string        `env:"STAGEWISE_METRICS_ADDR" envDefault:":9090"`
	SweepInterval time.Duration `env:"STAGEWISE_SWEEP_INTERVAL" envDefault:"1m"`
	WebhookURL    string        `env:"STAGEWISE_WEBHOOK_URL"`
	LogLevel      string        `env:"STAGEWISE_LOG_LEVEL" envDefault:"info"`
}

func main() {
	root := &cobra.Command{
		Use:          "stagewised",
		Short:        "Approval workflow engine daemon",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	if err := stagewise.RunMigrations(ctx, pool); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	metrics := stagewise.NewMetrics(prometheus.DefaultRegisterer)

	var channels []stagewise.NotificationChannel
	if cfg.WebhookURL != "" {
		channels = append(channels, stagewise.NewWebhookChannel(cfg.WebhookURL, nil))
	}
	notifier := stagewise.NewNotifier(channels,
		stagewise.WithNotifierLogger(logger),
		stagewise.WithNotifierMetrics(metrics),
	)
	defer notifier.Close()

	store := stagewise.NewStore(pool)
	engine := stagewise.NewEngine(
		stagewise.NewPgxTxManager(pool),
		store,
		stagewise.WithNotifier(notifier),
		stagewise.WithMetrics(metrics),
		stagewise.WithLogger(logger),
	)

	sweeper := stagewise.NewSweeper(engine)
	worker := stagewise.NewWorker(sweeper, cfg.SweepInterval, logger)
	go worker.Start(ctx)
	defer worker.Stop()

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	apiServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewServer(engine, store).Mux(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- apiServer.ListenAndServe()
	}()

	logger.Info().
		Str("listen_addr", cfg.ListenAddr).
		Str("metrics_addr", cfg.MetricsAddr).
		Msg("stagewised started")

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	_ = metricsServer.Shutdown(shutdownCtx)
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown api server: %w", err)
	}

	logger.Info().Msg("stagewised stopped")

	return nil
}
