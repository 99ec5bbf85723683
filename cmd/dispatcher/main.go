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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/hookdispatch/internal/broker"
	"github.com/austindbirch/hookdispatch/internal/config"
	"github.com/austindbirch/hookdispatch/internal/consumer"
	"github.com/austindbirch/hookdispatch/internal/db"
	"github.com/austindbirch/hookdispatch/internal/dispatch"
	"github.com/austindbirch/hookdispatch/internal/health"
	"github.com/austindbirch/hookdispatch/internal/logging"
	"github.com/austindbirch/hookdispatch/internal/logsink"
	"github.com/austindbirch/hookdispatch/internal/metrics"
	"github.com/austindbirch/hookdispatch/internal/shutdown"
	"github.com/austindbirch/hookdispatch/internal/supervisor"
	"github.com/austindbirch/hookdispatch/internal/tracing"
)

const serviceName = "hookdispatch-dispatcher"

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()

	// Initialize structured logging
	logging.SetDefaultService(serviceName)
	logger := logging.New(serviceName)

	if err := cfg.Validate(); err != nil {
		logger.Plain().WithError(err).Fatal("invalid configuration")
	}

	// Initialize OpenTelemetry tracing
	shutdownTracing, err := tracing.Init(ctx, serviceName, cfg.Tracing)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdownTracing()

	// Log sink, optionally backed by Postgres
	var pool *pgxpool.Pool
	if cfg.LogSink.Kind == config.SinkPostgres {
		pool, err = db.Connect(ctx, cfg.DSN(), int32(cfg.DB.MaxConns))
		if err != nil {
			logger.Plain().WithError(err).Fatal("db connect failed")
		}
		defer pool.Close()
		if err := db.EnsureLogTable(ctx, pool); err != nil {
			logger.Plain().WithError(err).Fatal("db schema setup failed")
		}
	}
	sink := newSink(cfg, pool)

	// Prom metrics
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	coord := shutdown.New()
	d := dispatch.New(dispatch.Options{
		Client:          &http.Client{},
		Secret:          cfg.Webhook.SigningSecret,
		SignatureHeader: cfg.Webhook.SignatureHeader,
		DefaultTimeout:  cfg.Webhook.DefaultTimeout,
		Sink:            sink,
		SinkTimeout:     cfg.LogSink.Timeout,
		Logger:          logger,
	})
	loop := consumer.New(d, cfg.Broker.Prefetch, logger)
	sup := supervisor.New(newConnector(cfg, logger), loop, coord, cfg.Supervisor.RestartDelay, logger)

	// HTTP health/metrics
	var pinger health.Pinger
	if pool != nil {
		pinger = pool
	}
	httpSrv := &http.Server{Addr: cfg.HTTPPort, Handler: newMux(reg, sup, pinger)}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("dispatcher HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("dispatcher HTTP server failed")
		}
	}()

	// Graceful stop
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-stop
		logger.Plain().WithField("signal", sig.String()).Info("Shutting down dispatcher")
		coord.Fire()
	}()

	logger.Plain().WithFields(map[string]any{
		"broker":   cfg.Broker.Kind,
		"prefetch": cfg.Broker.Prefetch,
		"log_sink": cfg.LogSink.Kind,
	}).Info("dispatcher started")

	_ = sup.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("dispatcher stopped")
}

func newSink(cfg config.Config, pool *pgxpool.Pool) logsink.Sink {
	switch cfg.LogSink.Kind {
	case config.SinkSupabase:
		return logsink.NewSupabase(cfg.LogSink.SupabaseURL, cfg.LogSink.SupabaseServiceToken, cfg.LogSink.Timeout)
	case config.SinkPostgres:
		if pool != nil {
			return logsink.NewPostgres(pool)
		}
	}
	return logsink.Nop{}
}

func newConnector(cfg config.Config, logger *logging.Logger) broker.Connector {
	if cfg.Broker.Kind == config.BrokerNSQ {
		return &broker.NSQConnector{
			NsqdTCPAddr:     cfg.Broker.NsqdTCPAddr,
			NsqdHTTPAddr:    cfg.Broker.NsqdHTTPAddr,
			Prefetch:        cfg.Broker.Prefetch,
			BacklogInterval: cfg.Supervisor.BacklogInterval,
			TouchInterval:   cfg.Broker.NSQTouchInterval,
			Logger:          logger,
		}
	}
	return &broker.AMQPConnector{
		URL:             cfg.Broker.RabbitMQURL,
		Prefetch:        cfg.Broker.Prefetch,
		BacklogInterval: cfg.Supervisor.BacklogInterval,
		Logger:          logger,
	}
}

func newMux(reg *prometheus.Registry, state health.BrokerState, pinger health.Pinger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(state, pinger))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintf(w, "%s\n", serviceName)
	})
	return mux
}
