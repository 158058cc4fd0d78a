package main

import (
	"github.com/spf13/cobra"
)

// defaultBankPath is where a default-config run leaves its audit store,
// relative to the workspace root.
const defaultBankPath = "artifacts/evoloop/evoloop.db"

var (
	runConfigPath       string
	runWorkspace        string
	runMaxEpochs        int
	runDryRun           bool
	runDisableMutation  bool
	runContinuous       bool
	runMaxWallMinutes   int
	runNoProgress       bool
	runHeartbeatSeconds int

	inspectDBPath     string
	inspectRunID      string
	inspectLast       int
	inspectRejections bool
	inspectJSONOut    bool

	replayFixturePath string

	exportDBPath  string
	exportRunID   string
	exportOutPath string

	rootCmd = &cobra.Command{
		Use:   "evoloop",
		Short: "Autonomous improvement loop for agent skill artifacts",
		Long: `evoloop samples benchmark scenarios against a live skill corpus,
scores the outcomes, and applies at most one bounded artifact edit per
epoch, keeping only candidates that survive the acceptance gates.`,
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the improvement loop against a workspace",
		Run:   runLoop, // Defined in cmd_run.go
	}

	inspectCmd = &cobra.Command{
		Use:   "inspect",
		Short: "Summarize recorded runs from the audit store",
		Run:   runInspect, // Defined in cmd_inspect.go
	}

	replayCmd = &cobra.Command{
		Use:   "replay",
		Short: "Re-decide a recorded fixture and compare against expected actions",
		Run:   runReplay, // Defined in cmd_replay.go
	}

	exportFixtureCmd = &cobra.Command{
		Use:   "export-fixture",
		Short: "Build a replay fixture from a recorded run",
		Run:   runExportFixture, // Defined in cmd_export.go
	}

	lintScenariosCmd = &cobra.Command{
		Use:   "lint-scenarios [glob...]",
		Short: "Schema-check scenario files without running the loop",
		Run:   runLintScenarios, // Defined in cmd_lint.go
	}
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runConfigPath, "config", "evoloop.yaml", "path to the run configuration YAML")
	runCmd.Flags().StringVar(&runWorkspace, "workspace", ".", "workspace root holding the skill artifacts")
	runCmd.Flags().IntVar(&runMaxEpochs, "max-epochs", 0, "override the configured epoch cap (0 keeps config)")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "evaluate and decide without applying accepted candidates")
	runCmd.Flags().BoolVar(&runDisableMutation, "disable-mutation", false, "measure-only mode, skip candidate synthesis")
	runCmd.Flags().BoolVar(&runContinuous, "continuous", false, "keep looping past the epoch cap until stopped")
	runCmd.Flags().IntVar(&runMaxWallMinutes, "max-wall-minutes", 0, "stop after this much wall clock (0 keeps config)")
	runCmd.Flags().BoolVar(&runNoProgress, "no-progress", false, "suppress the interactive progress line")
	runCmd.Flags().IntVar(&runHeartbeatSeconds, "heartbeat-seconds", -1, "heartbeat interval during long stretches (-1 keeps config)")

	rootCmd.AddCommand(inspectCmd)
	inspectCmd.Flags().StringVar(&inspectDBPath, "db", defaultBankPath, "path to the audit store")
	inspectCmd.Flags().StringVar(&inspectRunID, "run", "", "show one run's decisions instead of the run list")
	inspectCmd.Flags().IntVar(&inspectLast, "last", 20, "number of rows to show")
	inspectCmd.Flags().BoolVar(&inspectRejections, "rejections", false, "show only rejections for the selected run")
	inspectCmd.Flags().BoolVar(&inspectJSONOut, "json", false, "output as JSON instead of a table")

	rootCmd.AddCommand(replayCmd)
	replayCmd.Flags().StringVar(&replayFixturePath, "fixture", "", "path to a replay fixture JSON")

	rootCmd.AddCommand(exportFixtureCmd)
	exportFixtureCmd.Flags().StringVar(&exportDBPath, "db", defaultBankPath, "path to the audit store")
	exportFixtureCmd.Flags().StringVar(&exportRunID, "run", "", "run id to export")
	exportFixtureCmd.Flags().StringVar(&exportOutPath, "out", "", "output fixture JSON path")

	rootCmd.AddCommand(lintScenariosCmd)
}
