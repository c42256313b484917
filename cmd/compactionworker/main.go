// Package main runs a remote compaction worker.
//
// The worker serves the compaction RPC over gRPC. Each request names input
// files in a database directory shared with the primary; outputs go to a
// private directory under output_root and the primary moves them into the
// database when it installs the result.
//
// Usage:
//
//	compactionworker --config=<worker.yaml> [options]
//
// Example config:
//
//	listen_address: 0.0.0.0:7070
//	db_path: /mnt/shared/db
//	output_root: /mnt/shared/compaction-out
//	metrics_address: 0.0.0.0:9090
//	log_level: info
//	max_background_compactions: 4
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/aalhour/rockyardkv-compaction/internal/compaction"
	"github.com/aalhour/rockyardkv-compaction/internal/logging"
	"github.com/aalhour/rockyardkv-compaction/internal/metrics"
	"github.com/aalhour/rockyardkv-compaction/internal/options"
	"github.com/aalhour/rockyardkv-compaction/internal/remote"
	"github.com/aalhour/rockyardkv-compaction/internal/vfs"
)

var (
	configPath = flag.String("config", "", "Path to the worker YAML config (required)")
	listenAddr = flag.String("listen", "", "Override listen_address")
	logLevel   = flag.String("log-level", "", "Override log_level (debug, info, warn, error)")
	help       = flag.Bool("help", false, "Print help")
)

func main() {
	flag.Parse()

	if *help {
		printUsage()
		return
	}
	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "Error: --config flag is required")
		printUsage()
		os.Exit(1)
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("compactionworker - remote compaction worker")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  compactionworker --config=<worker.yaml> [options]")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
}

func loadConfig() (options.WorkerConfig, error) {
	cfg, err := options.LoadWorkerConfig(vfs.Default(), *configPath)
	if err != nil {
		return cfg, err
	}
	if *listenAddr != "" {
		cfg.ListenAddress = *listenAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	return cfg, nil
}

func newLogger(level string) (*logging.ZapLogger, error) {
	lvl, ok := logging.ParseLevel(level)
	if !ok {
		return nil, fmt.Errorf("unknown log level %q", level)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(logging.ZapLevel(lvl))
	z, err := zc.Build()
	if err != nil {
		return nil, err
	}
	return logging.NewZapLogger(z), nil
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	// A fatal condition stops the server the same way a signal does.
	fatal := make(chan string, 1)
	logger.SetFatalHandler(func(msg string) {
		select {
		case fatal <- msg:
		default:
		}
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	sink := metrics.NewSink(reg, prometheus.Labels{"role": "worker"})

	worker := remote.NewWorker(remote.WorkerConfig{
		DBPath:            cfg.DBPath,
		OutputRoot:        cfg.OutputRoot,
		MaxConcurrentJobs: cfg.MaxBackgroundCompactions,
		Logger:            logger,
		Tracer:            otel.Tracer("github.com/aalhour/rockyardkv-compaction/worker"),
		Listeners:         []compaction.EventListener{sink},
	})
	lock, err := worker.LockOutputRoot()
	if err != nil {
		return err
	}
	defer lock.Close()
	server := remote.NewServer(worker, logger)

	lis, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return err
	}

	var metricsServer *http.Server
	if cfg.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		metricsServer = &http.Server{Addr: cfg.MetricsAddress, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Fatalf("%smetrics server: %v", logging.NSWorker, err)
			}
		}()
		logger.Infof("%smetrics on %s", logging.NSWorker, cfg.MetricsAddress)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(lis) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logger.Infof("%sreceived %v, draining %d running jobs", logging.NSWorker, sig, worker.Running())
		server.Stop()
		err = nil
	case msg := <-fatal:
		logger.Errorf("%sstopping after fatal error, draining %d running jobs", logging.NSWorker, worker.Running())
		server.Stop()
		err = fmt.Errorf("%w: %s", logging.ErrFatal, msg)
	case err = <-serveErr:
	}

	if metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(ctx)
	}
	return err
}
