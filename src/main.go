// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"meshworker/src/config"
	"meshworker/src/history"
	"meshworker/src/janitor"
	"meshworker/src/logging"
	"meshworker/src/processor"
	"meshworker/src/storage"
	"meshworker/src/tripo"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	fmt.Printf("Starting worker: %s\n", cfg.WorkerID)

	// Setup Graceful Shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := logging.SetupOTelSDK(ctx)
	if err != nil {
		panic(fmt.Sprintf("failed to setup OTel SDK: %v", err))
	}
	defer func() {
		// Ensure OTel flushes spans before exiting
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "OTel shutdown error: %v\n", err)
		}
	}()
	logging.RegisterWorkerMetrics()

	tmpDir := filepath.Join(cfg.OutputDir, "tmp")
	dirs := []string{cfg.UploadDir, cfg.OutputDir, tmpDir, filepath.Join(cfg.OutputDir, "thumbnails")}
	for _, f := range cfg.OutputFormats {
		dirs = append(dirs, filepath.Join(cfg.OutputDir, f))
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			panic(fmt.Sprintf("failed to create %s: %v", d, err))
		}
	}

	workerStats := logging.NewWorkerStats(cfg.WorkerID)

	// Optional history ledger
	var recorder processor.Recorder
	var ledger *history.PostgresStore
	if cfg.DB.Enabled() {
		ledger, err = history.Open(ctx, cfg.DB.ConnString(), cfg.WorkerID)
		if err != nil {
			panic(err)
		}
		defer ledger.Close()
		if _, err := ledger.RecoverTasks(ctx); err != nil {
			logging.Log(fmt.Sprintf("Error recovering tasks: %v", err), slog.LevelError)
		}
		recorder = ledger
	} else {
		logging.Log("DB_HOST not set, task history disabled", slog.LevelInfo)
	}

	service := processor.NewService(processor.Dependencies{
		Client:    tripo.New(cfg.TripoBaseURL, cfg.TripoAPIKey, nil),
		Publisher: storage.NewSupabase(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.SupabaseBucket, nil),
		Recorder:  recorder,
		Stats:     workerStats,
	}, processor.ServiceConfig{
		UploadDir:          cfg.UploadDir,
		OutputDir:          cfg.OutputDir,
		DefaultFormats:     cfg.OutputFormats,
		DisconnectInterval: cfg.DisconnectCheckInterval,
		Poller: processor.PollerConfig{
			Interval:          cfg.PollInterval,
			MaxWait:           cfg.JobMaxWait,
			ConversionMaxWait: cfg.ConversionMaxWait,
			BaseFormat:        "glb",
			DownloadDir:       tmpDir,
		},
	})

	go janitor.RunOutputSweeper(ctx, tmpDir, cfg.OutputSweepAge, cfg.OutputSweepAge/4)

	logging.Log("Worker started. Waiting for generation requests...", slog.LevelInfo)
	api := &APIServer{service: service, stats: workerStats, ledger: ledger, outputDir: cfg.OutputDir}
	if err := StartAPIServer(ctx, cfg.APIPort, api); err != nil {
		logging.Log(err.Error(), slog.LevelError)
	}
	logging.Log("Shutting down worker gracefully...", slog.LevelInfo)
}
