// Package main implements the loom server binary: a multi-tenant table
// store with a generated query surface, served over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loomdb/loom/internal/app"
	"github.com/loomdb/loom/internal/config"
	"github.com/loomdb/loom/internal/logging"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		dataDir     string
		backend     string
		httpAddr    string
		logLevel    string
		showVersion bool
		showHelp    bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for all data files")
	flag.StringVar(&backend, "backend", "", "Table store backend: sqlite, leveldb")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP listen address")
	flag.StringVar(&logLevel, "log-level", "", "Log level: trace, debug, info, warning, error")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showHelp, "help", false, "Show help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Loom - Multi-Tenant Runtime-Schema Data Platform\n\n")
		fmt.Fprintf(os.Stderr, "Usage: loom [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  loom --data-dir /data/loom\n")
		fmt.Fprintf(os.Stderr, "  loom --backend leveldb --http-addr :9000\n")
		fmt.Fprintf(os.Stderr, "  loom --config /etc/loom/config.yaml\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  LOOM_DATA_DIR        Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  LOOM_BACKEND         Table store backend (sqlite, leveldb)\n")
		fmt.Fprintf(os.Stderr, "  LOOM_HTTP_ADDR       HTTP listen address\n")
		fmt.Fprintf(os.Stderr, "  LOOM_BACKUP_TYPE     Backup storage type (local, s3)\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}

	if showVersion {
		fmt.Printf("loom version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if backend != "" {
		cfg.Backend = config.Backend(backend)
	}
	if httpAddr != "" {
		cfg.HTTP.Addr = httpAddr
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger := logging.New(os.Stderr, logging.ParseLevel(cfg.LogLevel))

	ctx := context.Background()
	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- application.Run()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Infof("received signal %s, shutting down", sig)
	case err := <-errCh:
		if err != nil {
			log.Fatalf("Server failed: %v", err)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown failed: %v", err)
	}
}
