package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/evoloop/internal/config"
	"github.com/danielpatrickdp/evoloop/internal/orchestrator"
)

// #region run

func runLoop(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(runConfigPath)
	if err != nil {
		log.Fatalf("failed to load config %s: %v", runConfigPath, err)
	}
	if runMaxEpochs > 0 {
		cfg.MaxEpochs = runMaxEpochs
	}
	if runContinuous {
		cfg.Continuous = true
	}
	if runMaxWallMinutes > 0 {
		cfg.MaxWallSeconds = runMaxWallMinutes * 60
	}
	if runHeartbeatSeconds >= 0 {
		cfg.HeartbeatSeconds = runHeartbeatSeconds
	}

	workspace, err := filepath.Abs(runWorkspace)
	if err != nil {
		log.Fatalf("failed to resolve workspace: %v", err)
	}

	loop, err := orchestrator.New(workspace, cfg, orchestrator.Options{
		DryRun:          runDryRun,
		DisableMutation: runDisableMutation,
		ProgressEnabled: !runNoProgress,
	})
	if err != nil {
		log.Fatalf("failed to initialize run: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("[RUN] interrupt received, stopping")
		cancel()
	}()

	log.Printf("[RUN] %s starting under %s", loop.RunID(), workspace)
	summary, err := loop.Run(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Printf("[RUN] %s interrupted, partial artifacts under %s", loop.RunID(), loop.RunDir())
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	log.Printf("[RUN] %s finished: %s after %d epochs (train=%.2f holdout=%.2f)",
		summary.RunID, summary.StopReason, summary.CompletedEpochs, summary.TrainScore, summary.HoldoutScore)
	log.Printf("[RUN] artifacts: %s", summary.RunDir)
}

// #endregion run
