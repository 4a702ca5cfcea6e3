package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/histflow/histflow/internal/config"
	"github.com/histflow/histflow/internal/export"
	"github.com/histflow/histflow/internal/logging"
	"github.com/histflow/histflow/internal/record"
	"github.com/histflow/histflow/internal/remote"
)

var logLevels = map[string]logging.Level{
	"debug": logging.LevelDebug,
	"info":  logging.LevelInfo,
	"warn":  logging.LevelWarn,
	"error": logging.LevelError,
}

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		logging.Fatal("invalid configuration", logging.F("error", err.Error()))
	}

	logging.SetLevel(logLevels[cfg.LogLevel])
	logging.SetResource(map[string]string{
		"service.name":    "histflow",
		"service.version": config.Version(),
	})

	// Derive GOMEMLIMIT from the cgroup limit so spill-heavy runs in
	// containers degrade to GC pressure instead of OOM kills.
	if limit, err := memlimit.SetGoMemLimitWithOpts(
		memlimit.WithRatio(0.9),
		memlimit.WithProvider(memlimit.ApplyFallback(memlimit.FromCgroup, memlimit.FromSystem)),
	); err == nil {
		logging.Info("memory limit set", logging.F("gomemlimit_bytes", limit))
	}

	if !cfg.SelfTest {
		logging.Fatal("no remote source bound; run with -selftest to exercise the built-in synthetic source, or embed the engine with your protocol client")
	}
	source := remote.NewSynthetic(remote.SyntheticConfig{
		Density: cfg.ExpectedDensity,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine, err := export.New(cfg.EngineConfig(), source, source, nil)
	if err != nil {
		logging.Fatal("failed to create engine", logging.F("error", err.Error()))
	}

	// Entity cache snapshot flush loop
	engine.Cache().Start(ctx)

	// Metrics and stats HTTP server
	statsMux := http.NewServeMux()
	statsMux.Handle("/metrics", promhttp.Handler())
	statsMux.Handle("/stats", engine.Stats())
	statsMux.HandleFunc("/telemetry", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(engine.Telemetry())
	})
	statsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: statsMux,
	}
	go func() {
		logging.Info("metrics endpoint started", logging.F("addr", cfg.MetricsAddr, "path", "/metrics"))
		if err := statsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("metrics server error", logging.F("error", err.Error()))
		}
	}()

	engine.Stats().StartPeriodicLogging(ctx, cfg.StatsInterval)

	space := record.IDSpace{Low: cfg.IDLow, High: cfg.IDHigh}
	var stream <-chan record.Record
	if cfg.Resume {
		stream, err = engine.Resume(ctx, space)
	} else {
		stream, err = engine.StartExport(ctx, space)
	}
	if err != nil {
		logging.Fatal("failed to start run", logging.F("error", err.Error(), "resume", cfg.Resume))
	}

	logging.Info("histflow started", logging.F(
		"name", cfg.Name,
		"id_low", cfg.IDLow,
		"id_high", cfg.IDHigh,
		"resume", cfg.Resume,
		"workers", cfg.Workers,
		"metrics_addr", cfg.MetricsAddr,
	))

	// Drain the ordered stream; the self-test discards records after
	// counting them.
	done := make(chan struct{})
	go func() {
		defer close(done)
		var n int
		for range stream {
			n++
		}
		logging.Info("stream closed", logging.F("records", n))
	}()

	// Wait for run completion or shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
		logging.Info("shutting down")
		cancel()
		<-done
	case <-done:
	}

	// Graceful shutdown
	statsServer.Shutdown(context.Background())
	if err := engine.Cache().Close(); err != nil {
		logging.Warn("cache close failed", logging.F("error", err.Error()))
	}
	cancel()

	if err := engine.Err(); err != nil {
		logging.Fatal("run failed", logging.F("error", err.Error()))
	}
	logging.Info("shutdown complete")
}
