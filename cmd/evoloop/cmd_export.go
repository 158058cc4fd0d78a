package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/evoloop/internal/bank"
	"github.com/danielpatrickdp/evoloop/internal/config"
	"github.com/danielpatrickdp/evoloop/internal/decision"
	"github.com/danielpatrickdp/evoloop/internal/mutation"
	"github.com/danielpatrickdp/evoloop/internal/replay"
)

// #region export

func runExportFixture(cmd *cobra.Command, args []string) {
	if exportRunID == "" || exportOutPath == "" {
		fmt.Fprintln(os.Stderr, "usage: evoloop export-fixture --run run-id --out path/to/fixture.json [--db path]")
		os.Exit(2)
	}

	if err := exportFixture(exportDBPath, exportRunID, exportOutPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func exportFixture(dbPath, runID, outPath string) error {
	store, err := bank.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open audit store: %w", err)
	}
	defer store.Close()

	run, err := store.GetRun(runID)
	if err != nil {
		return err
	}
	cfg := config.Default()
	if err := json.Unmarshal([]byte(run.ConfigJSON), &cfg); err != nil {
		return fmt.Errorf("parse run config: %w", err)
	}

	rows, err := store.RunDecisions(runID)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return fmt.Errorf("no decisions recorded for run %s", runID)
	}

	return writeFixture(buildFixture(runID, cfg, rows), outPath)
}

// #endregion export

// #region output

func buildFixture(runID string, cfg config.Config, rows []bank.DecisionRow) replay.Fixture {
	epochs := make([]replay.FixtureEpoch, len(rows))
	expected := make([]replay.FixtureExpectedResult, len(rows))

	for i, row := range rows {
		var progress decision.ObjectiveProgress
		if row.ObjectiveProgressJSON != "" {
			_ = json.Unmarshal([]byte(row.ObjectiveProgressJSON), &progress)
		}

		var delta *mutation.Delta
		if row.DeltaJSON != "" {
			parsed := &mutation.Delta{}
			if err := json.Unmarshal([]byte(row.DeltaJSON), parsed); err == nil {
				delta = parsed
			}
		}

		epochs[i] = replay.FixtureEpoch{
			Epoch: row.Epoch,
			Baseline: replay.FixtureSnapshot{
				TrainScore:   row.BaselineTrainScore,
				HoldoutScore: row.BaselineHoldoutScore,
				HardPassRate: progress.Baseline["hard_pass_rate"],
				Objectives:   progress.Baseline,
			},
			Candidate: replay.FixtureSnapshot{
				TrainScore:   row.CandidateTrainScore,
				HoldoutScore: row.CandidateHoldoutScore,
				HardPassRate: row.CandidateHardPassRate,
				Objectives:   progress.Candidate,
			},
			Delta:          delta,
			RuntimeTouched: row.RuntimeTouched,
			// Only the degraded lane records provisional verdicts,
			// rejections included, so the flag recovers which lane
			// the decision ran in.
			Degraded: row.Provisional,
		}
		expected[i] = replay.FixtureExpectedResult{
			Epoch:  row.Epoch,
			Action: mapAction(row),
		}
	}

	return replay.Fixture{
		Description: fmt.Sprintf("Exported run %s: %d recorded decisions", runID, len(rows)),
		Config: replay.FixtureConfig{
			Mutation:    cfg.Mutation,
			Objectives:  cfg.Objectives,
			RuntimeLane: cfg.RuntimeLane,
		},
		Epochs:          epochs,
		ExpectedResults: expected,
	}
}

// mapAction converts a stored verdict to the fixture action string.
func mapAction(row bank.DecisionRow) string {
	switch {
	case row.Accepted && row.Provisional:
		return "provisional"
	case row.Accepted:
		return "accept"
	default:
		return "reject"
	}
}

func writeFixture(fixture replay.Fixture, outPath string) error {
	data, err := json.MarshalIndent(fixture, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal fixture: %w", err)
	}

	if err := os.WriteFile(outPath, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", outPath, err)
	}

	fmt.Printf("Wrote fixture to %s (%d bytes, %d epochs)\n", outPath, len(data), len(fixture.Epochs))
	return nil
}

// #endregion output
