// Command edged runs the edge daemon: the label-driven reverse proxy with
// automatic TLS, and the queue-backed task pipeline, in one process.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/edgeline/edgeline/internal/admin"
	"github.com/edgeline/edgeline/internal/certs"
	"github.com/edgeline/edgeline/internal/gateway"
	"github.com/edgeline/edgeline/internal/queue"
	"github.com/edgeline/edgeline/internal/registry"
	"github.com/edgeline/edgeline/internal/worker"
	"github.com/edgeline/edgeline/pkg/config"
	"github.com/edgeline/edgeline/pkg/logging"
	"github.com/edgeline/edgeline/pkg/metrics"
	"github.com/edgeline/edgeline/pkg/telemetry"
)

func main() {
	configPath := flag.String("config", "edged.yaml", "Path to configuration file")
	servicesPath := flag.String("services", "", "Path to service metadata file (overrides config)")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error; overrides config)")
	flag.Parse()

	// Environment overrides may come from a local .env in dev setups.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}
	if *servicesPath != "" {
		cfg.Registry.File = *servicesPath
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	logging.Setup(logging.Config{Level: cfg.Logging.Level, Pretty: cfg.Logging.Pretty})
	logger := logging.NewComponentLogger(cfg.Logging.Level)
	logger.Info("edged starting", "config", *configPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: "edged",
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		logger.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}

	m := metrics.New()

	// Service registry and metadata provider.
	reg := registry.New(logger.With("component", "registry"))
	certEvents := reg.Subscribe()

	var provider *registry.FileProvider
	if cfg.Registry.File != "" {
		provider = registry.NewFileProvider(cfg.Registry.File, reg, logger.With("component", "provider"))
		if err := provider.Load(); err != nil {
			logger.Error("failed to load service metadata", "error", err)
			os.Exit(1)
		}
		if cfg.Registry.Watch {
			if err := provider.Watch(ctx); err != nil {
				logger.Error("failed to watch service metadata", "error", err)
				os.Exit(1)
			}
		}
	}

	// Certificate lifecycle.
	certMgr, err := buildCertManager(cfg, m, logger)
	if err != nil {
		logger.Error("failed to initialize certificate manager", "error", err)
		os.Exit(1)
	}
	certMgr.WatchRegistry(ctx, certEvents, reg.Entries())
	certMgr.Start(ctx)

	// Gateway listeners.
	router := gateway.NewRouter(reg, certMgr, logger.With("component", "router"),
		gateway.WithRecorder(m),
		gateway.WithTLSPort(portOf(cfg.Server.TLSAddress)))
	gw := gateway.NewServer(cfg.Server, router, certMgr, logger.With("component", "gateway"))
	gwErrs, err := gw.Start()
	if err != nil {
		logger.Error("failed to start gateway", "error", err)
		os.Exit(1)
	}

	// Task pipeline: broker, result store, producer, workers.
	broker, results, err := buildTaskBackend(ctx, cfg, m, logger)
	if err != nil {
		logger.Error("failed to initialize task backend", "error", err)
		os.Exit(1)
	}
	producer := queue.NewProducer(broker, results, logger.With("component", "producer"), m)

	handlers := worker.NewRegistry()
	for _, q := range cfg.Workers.Queues {
		if err := handlers.Register(q, worker.Echo); err != nil {
			logger.Error("failed to register handler", "queue", q, "error", err)
			os.Exit(1)
		}
	}
	pool := worker.NewPool(cfg.Workers.Count, cfg.Workers.Queues, broker, results, handlers,
		logger.With("component", "worker"),
		worker.WithPoolRecorder(m),
		worker.WithPollInterval(cfg.Workers.PollInterval))
	pool.Start(ctx)

	// Admin endpoint.
	adm := admin.New(cfg.Server.AdminAddress, reg, producer, m.Handler(), logger.With("component", "admin"))
	admErrs := adm.Start()

	logger.Info("edged started",
		"http", cfg.Server.HTTPAddress,
		"tls", cfg.Server.TLSAddress,
		"admin", cfg.Server.AdminAddress,
		"broker", cfg.Broker.Backend,
		"workers", cfg.Workers.Count)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-gwErrs:
		logger.Error("gateway listener failed", "error", err)
	case err := <-admErrs:
		logger.Error("admin endpoint failed", "error", err)
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.Error("gateway shutdown error", "error", err)
	}
	if err := adm.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin shutdown error", "error", err)
	}
	pool.Wait()
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("telemetry shutdown error", "error", err)
	}
	logger.Info("shutdown complete")
}

// buildCertManager wires the certificate store and issuer from config. With
// no ACME directory configured the self-signed issuer backs dev setups.
func buildCertManager(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (*certs.Manager, error) {
	var store certs.Store
	if cfg.ACME.CacheDir != "" {
		fileStore, err := certs.NewFileStore(cfg.ACME.CacheDir)
		if err != nil {
			return nil, err
		}
		store = fileStore
	} else {
		store = certs.NewMemoryStore()
	}

	var issuer certs.Issuer
	if cfg.ACME.SelfSigned || cfg.ACME.DirectoryURL == "" {
		issuer = certs.NewSelfSignedIssuer(0)
	} else {
		issuer = certs.NewACMEIssuer(cfg.ACME.DirectoryURL, cfg.ACME.Email, logger.With("component", "acme"))
	}

	return certs.NewManager(store, issuer, logger.With("component", "certs"),
		certs.WithRenewBefore(cfg.ACME.RenewBefore),
		certs.WithIssueTimeout(cfg.ACME.IssueTimeout),
		certs.WithSweepInterval(cfg.ACME.SweepEvery),
		certs.WithRecorder(m)), nil
}

// buildTaskBackend wires the broker and result store for the configured
// backend and starts their background sweeps.
func buildTaskBackend(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (queue.Broker, queue.ResultStore, error) {
	switch cfg.Broker.Backend {
	case "redis":
		client, err := queue.NewRedisClient(ctx, cfg.Broker.Redis, logger.With("component", "redis"))
		if err != nil {
			return nil, nil, err
		}
		broker := queue.NewRedisBroker(client, cfg.Broker.LeaseDuration, logger.With("component", "broker"), m)
		broker.Start(ctx, cfg.Workers.Queues, cfg.Broker.SweepEvery)
		return broker, queue.NewRedisResultStore(client, cfg.Results.Retention), nil

	default:
		broker := queue.NewMemoryBroker(cfg.Broker.LeaseDuration, logger.With("component", "broker"),
			queue.WithBrokerRecorder(m))
		broker.Start(ctx, cfg.Broker.SweepEvery)
		results := queue.NewMemoryResultStore(cfg.Results.Retention, logger.With("component", "results"))
		results.Start(ctx, cfg.Results.GCInterval)
		return broker, results, nil
	}
}

// portOf extracts the port from a listen address, defaulting to 443.
func portOf(addr string) string {
	if _, port, err := net.SplitHostPort(addr); err == nil {
		return port
	}
	return "443"
}
