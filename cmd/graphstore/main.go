// GraphCore storage engine process
// Opens the page/memtable-backed column families the Session API runs
// against and exposes Prometheus metrics; the WebSocket front-end and query
// planner spec.md §1 names as external collaborators are out of scope here.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nainya/graphcore/internal/config"
	"github.com/nainya/graphcore/internal/engine"
	"github.com/nainya/graphcore/internal/logger"
	"github.com/nainya/graphcore/internal/metrics"
)

var (
	configPath  = flag.String("config", "config.json", "Path to the environment/configuration JSON file")
	metricsAddr = flag.String("metrics-addr", ":9090", "Address the Prometheus /metrics endpoint listens on")
	logLevel    = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	logPretty   = flag.Bool("log-pretty", false, "Pretty-print logs for local development")
)

func main() {
	flag.Parse()
	os.Exit(run())
}

// run returns the process exit code: 0 normal, 1 configuration error, per
// spec.md §6.
func run() int {
	log.Printf("GraphCore storage engine")
	log.Printf("Config: %s", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("configuration error: %v", err)
		return 1
	}

	lg := logger.NewLogger(logger.Config{Level: *logLevel, Pretty: *logPretty, WithCaller: false})
	m := metrics.NewMetrics()

	schemaPath := filepath.Join(cfg.MetaDir, "schema.json")
	schemas, err := engine.LoadSchema(schemaPath)
	if err != nil {
		log.Printf("configuration error: %v", err)
		return 1
	}

	eng, err := engine.Open(cfg, schemas, lg, m)
	if err != nil {
		log.Printf("failed to open storage engine: %v", err)
		return 1
	}
	defer func() {
		if err := eng.Close(); err != nil {
			log.Printf("error closing storage engine: %v", err)
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: *metricsAddr, Handler: mux}

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("Metrics listening on %s", *metricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- fmt.Errorf("metrics server: %w", err)
			return
		}
		serveErr <- nil
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Printf("Received %s, shutting down gracefully...", sig)
	case err := <-serveErr:
		if err != nil {
			log.Printf("%v", err)
			return 1
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(ctx); err != nil {
		log.Printf("error shutting down metrics server: %v", err)
	}

	return 0
}
