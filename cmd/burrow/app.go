package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/glimte/burrow"
	"github.com/glimte/burrow/config"
	"github.com/glimte/burrow/health"
	"github.com/glimte/burrow/internal/logger"
	"github.com/glimte/burrow/internal/rabbitmq"
	"github.com/glimte/burrow/internal/reliability"
	"github.com/glimte/burrow/metrics"
)

const healthTimeout = 5 * time.Second

// module wires configuration, logging, metrics and the client. The client
// connects on start, retrying until the broker answers, and is closed on
// stop.
func module(cfg *config.Config) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		fx.Provide(
			newLogger,
			newRegistry,
			newMetrics,
			newClient,
		),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
		fx.Invoke(registerClientLifecycle),
		fx.Invoke(registerHTTPLifecycle),
	)
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logger.New(cfg.Logger)
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func newMetrics(reg *prometheus.Registry) *metrics.Metrics {
	return metrics.New(reg)
}

func newClient(cfg *config.Config, log *zap.Logger, m *metrics.Metrics) *burrow.Client {
	client := burrow.NewClientFromConfig(cfg, burrow.WithLogger(log), burrow.WithMetrics(m))
	client.Health().SetMetadata("service", cfg.Logger.ServiceName)
	client.Health().SetMetadata("version", version)
	client.Health().SetMetadata("commit", gitCommit)
	return client
}

func registerClientLifecycle(lc fx.Lifecycle, cfg *config.Config, client *burrow.Client, log *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			policy := reliability.NewFixedDelay(cfg.RabbitMQ.RetryDelay, 0)
			attempt := 0
			return reliability.Retry(ctx, policy, func(ctx context.Context) error {
				attempt++
				err := client.Connect(ctx)
				if errors.Is(err, rabbitmq.ErrConnectionClosed) {
					return reliability.Permanent(err)
				}
				if err != nil {
					log.Warn("broker not reachable yet",
						zap.Error(err),
						zap.Int("attempt", attempt),
						zap.Duration("nextRetryIn", cfg.RabbitMQ.RetryDelay))
				}
				return err
			})
		},
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
}

func registerHTTPLifecycle(lc fx.Lifecycle, cfg *config.Config, reg *prometheus.Registry, client *burrow.Client, log *zap.Logger) {
	if cfg.Metrics.Addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.Handle("/healthz", health.NewHandler(client.Health(), healthTimeout))
	mux.Handle("/readyz", health.ReadinessHandler(client.Health(), healthTimeout))
	mux.Handle("/livez", health.LivenessHandler())

	server := &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", server.Addr)
			if err != nil {
				return err
			}
			go func() {
				log.Info("starting metrics server", zap.String("address", server.Addr))
				if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("metrics server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Info("shutting down metrics server")
			return server.Shutdown(ctx)
		},
	})
}

// run starts the application, runs fn with the populated client and stops
// the application when fn returns.
func run(ctx context.Context, cfg *config.Config, fn func(ctx context.Context, client *burrow.Client, log *zap.Logger) error) error {
	var (
		client *burrow.Client
		log    *zap.Logger
	)
	app := fx.New(
		module(cfg),
		fx.Populate(&client, &log),
		fx.StartTimeout(startTimeout(cfg)),
	)
	if err := app.Err(); err != nil {
		return err
	}

	startCtx, cancelStart := context.WithTimeout(ctx, app.StartTimeout())
	defer cancelStart()
	if err := app.Start(startCtx); err != nil {
		return err
	}

	runErr := fn(ctx, client, log)

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Stop(stopCtx); err != nil && runErr == nil {
		runErr = err
	}
	_ = log.Sync()
	return runErr
}

// startTimeout leaves room for a few connect attempts.
func startTimeout(cfg *config.Config) time.Duration {
	return cfg.RabbitMQ.DialTimeout + 10*cfg.RabbitMQ.RetryDelay
}
