package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/proxy-rotator/internal/api"
	"github.com/proxy-rotator/internal/config"
	"github.com/proxy-rotator/internal/engine"
	"github.com/proxy-rotator/internal/metrics"
	"github.com/proxy-rotator/internal/monitor"
	"github.com/proxy-rotator/internal/pool"
	"github.com/proxy-rotator/internal/probe"
	"github.com/proxy-rotator/internal/selector"
	"github.com/proxy-rotator/internal/session"
	"github.com/proxy-rotator/internal/sources"
	"github.com/proxy-rotator/internal/storage"
	log "github.com/sirupsen/logrus"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "config.json", "path to configuration file")
	flag.Parse()

	log.SetFormatter(&log.JSONFormatter{})
	log.SetLevel(log.InfoLevel)
	log.Infof("Starting Proxy Rotator v%s", version)

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Set log level
	if level, err := log.ParseLevel(cfg.Logging.Level); err == nil {
		log.SetLevel(level)
	}

	// Initialize metrics
	metricsCollector := metrics.NewCollector(cfg.Metrics.Namespace)

	// Initialize the pool with its quarantine state machine
	qc := pool.NewQuarantineController(cfg.Quarantine, cfg.Pool.EWMAAlpha)
	proxyPool := pool.New(qc, metricsCollector)

	// Restore persisted health state before seeding new candidates, so
	// restored records win over fresh untested ones for the same address.
	store, err := storage.NewStorage(cfg.Storage.Type, cfg.Storage.Path)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	defer store.Close()

	persister := storage.NewPersister(proxyPool, store, cfg.Storage.PersistIntervalSeconds)
	if err := persister.Restore(); err != nil {
		log.Warnf("Failed to restore pool state: %v (starting fresh)", err)
	}

	// Seed static candidates from config
	seeded := sources.SeedStatic(proxyPool, cfg.Pool.Proxies)
	log.Infof("Pool initialized: %d seeded, %d total", seeded, proxyPool.Len())

	if probe.TorRunning(cfg.Monitor.TorAddr, 5*time.Second) {
		log.Infof("Tor SOCKS port reachable at %s", cfg.Monitor.TorAddr)
	}

	// Selection and session layers
	sel := selector.New(selector.Policy(cfg.Selection.DefaultPolicy))
	binder := session.New(proxyPool, sel, cfg.Session, metricsCollector)
	eng := engine.New(proxyPool, sel, binder, metricsCollector)

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Background workers
	prober := probe.New(cfg.Monitor)
	mon := monitor.New(proxyPool, prober, cfg.Monitor, metricsCollector)
	go mon.Run(ctx)

	refresher := sources.NewRefresher(proxyPool, cfg.Sources)
	go refresher.Run(ctx)

	go binder.RunJanitor(ctx)
	go persister.Run(ctx)

	// Start API server
	apiServer := api.NewServer(cfg, eng, proxyPool, metricsCollector)
	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("API server failed: %v", err)
		}
	}()

	log.Infof("Service started successfully on %s", cfg.API.Addr)

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down gracefully...")
	cancel()

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf("API server shutdown error: %v", err)
	}

	persister.Persist()

	log.Info("Shutdown complete")
}
