package orchestrator

// #region imports
import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/danielpatrickdp/evoloop/internal/runlog"
	"github.com/danielpatrickdp/evoloop/internal/runner"
	"github.com/danielpatrickdp/evoloop/internal/scenario"
	"github.com/danielpatrickdp/evoloop/internal/scoring"
	"github.com/danielpatrickdp/evoloop/internal/shell"
	"github.com/danielpatrickdp/evoloop/internal/snapshot"
	"github.com/danielpatrickdp/evoloop/internal/synth"
)

// #endregion imports

// #region evaluation-pass

const (
	gitStatusCommand   = "git status --porcelain"
	gitCheckoutTimeout = 60 * time.Second

	// workspaceDeltaPreviewLimit caps how many reverted paths the violation
	// text names.
	workspaceDeltaPreviewLimit = 4
)

// evaluateSnapshot runs one full evaluation pass: both partitions of one
// labeled batch, aggregated into an immutable snapshot. Forced fallback
// mode resets to its configured value at pass start; a workspace delta
// mid-pass flips it back on for the remainder of the pass.
func (o *Orchestrator) evaluateSnapshot(ctx context.Context, epoch int, label snapshot.Label, trainBatch, holdoutBatch []scenario.Scenario) (snapshot.Snapshot, error) {
	o.runner.SetForceFallbackOnly(o.cfg.RunnerFallbackOnly)

	labelDir := filepath.Join(o.runDir, fmt.Sprintf("epoch-%03d", epoch), string(label))
	if err := runlog.EnsureDir(labelDir); err != nil {
		return snapshot.Snapshot{}, err
	}
	o.log.Event("snapshot_start", map[string]any{
		"epoch":         epoch,
		"label":         string(label),
		"train_count":   len(trainBatch),
		"holdout_count": len(holdoutBatch),
	})

	trainResults, err := o.runPartition(ctx, epoch, label, scenario.PartitionTrain, trainBatch, labelDir)
	if err != nil {
		return snapshot.Snapshot{}, err
	}
	holdoutResults, err := o.runPartition(ctx, epoch, label, scenario.PartitionHoldout, holdoutBatch, labelDir)
	if err != nil {
		return snapshot.Snapshot{}, err
	}

	snap := snapshot.Build(epoch, label, trainResults, holdoutResults, o.workspaceRoot, o.cfg.SkillPaths)
	if err := runlog.WriteJSON(filepath.Join(labelDir, "snapshot-summary.json"), snap.Summary); err != nil {
		return snapshot.Snapshot{}, err
	}
	o.log.Event("snapshot_finish", map[string]any{
		"epoch":          epoch,
		"label":          string(label),
		"train_score":    snap.TrainScore,
		"holdout_score":  snap.HoldoutScore,
		"hard_pass_rate": snap.HardPassRate,
	})
	return snap, nil
}

// runPartition executes one partition's scenarios sequentially. Each
// scenario gets an isolated memory root; edits anywhere else in the
// workspace are force-reverted and scored as hard failures.
func (o *Orchestrator) runPartition(ctx context.Context, epoch int, label snapshot.Label, partition scenario.Partition, scenarios []scenario.Scenario, labelDir string) ([]scoring.Result, error) {
	results := make([]scoring.Result, 0, len(scenarios))
	total := len(scenarios)
	for index, sc := range scenarios {
		progressToken := fmt.Sprintf("%d/%d", index+1, total)
		o.log.Event("scenario_start", map[string]any{
			"epoch":       epoch,
			"label":       string(label),
			"partition":   string(partition),
			"scenario_id": sc.ID,
			"progress":    progressToken,
		})

		scenarioDir := filepath.Join(labelDir, string(partition), sc.ID)
		memoryRoot := filepath.Join(o.workspaceRoot, o.cfg.MemoryRunRoot, o.runID,
			fmt.Sprintf("epoch-%03d", epoch), string(label), string(partition), sc.ID)

		before := o.gitStatusLines(ctx)

		stopHB := o.log.Heartbeat("runner "+sc.ID, o.heartbeat())
		execution, err := o.runner.Execute(ctx, runner.Request{
			Scenario:    sc,
			Partition:   partition,
			Epoch:       epoch,
			MemoryRoot:  memoryRoot,
			ArtifactDir: scenarioDir,
			Project:     o.cfg.Project,
			Scope:       o.cfg.Scope,
		})
		stopHB()
		if err != nil {
			return nil, err
		}

		after := o.gitStatusLines(ctx)
		workspaceDelta := diffStatusLines(before, after)
		if len(workspaceDelta) > 0 {
			o.revertWorkspaceDelta(ctx, workspaceDelta)
			o.runner.SetForceFallbackOnly(true)
			if err := runlog.WriteJSON(filepath.Join(scenarioDir, "workspace-delta.json"), map[string]any{
				"detected": workspaceDelta,
				"reverted": true,
			}); err != nil {
				return nil, err
			}
		}

		report := o.prober.Run(ctx, memoryRoot, o.cfg.Scope, o.cfg.Project)
		if err := runlog.WriteJSON(filepath.Join(scenarioDir, "memory-probe.json"), report); err != nil {
			return nil, err
		}

		stopHB = o.log.Heartbeat("judge "+sc.ID, o.heartbeat())
		verdict, err := o.judge.Score(ctx, execution, report, scenarioDir)
		stopHB()
		if err != nil {
			return nil, err
		}

		result := scoring.Score(execution, report, verdict, o.scoringOptions())
		if len(workspaceDelta) > 0 {
			result.HardPass = false
			result.Fitness = 0
			result.Violations = append(result.Violations,
				"Runner attempted workspace edits outside memory roots; changes were reverted.")
			preview := workspaceDelta
			if len(preview) > workspaceDeltaPreviewLimit {
				preview = preview[:workspaceDeltaPreviewLimit]
			}
			result.Violations = append(result.Violations,
				"Workspace delta preview: "+strings.Join(preview, ", "))
		}
		if err := runlog.WriteJSON(filepath.Join(scenarioDir, "scenario-result.json"), result); err != nil {
			return nil, err
		}
		results = append(results, result)

		o.log.Event("scenario_finish", map[string]any{
			"epoch":       epoch,
			"label":       string(label),
			"partition":   string(partition),
			"scenario_id": sc.ID,
			"hard_pass":   result.HardPass,
			"fitness":     result.Fitness,
			"progress":    progressToken,
		})
	}
	return results, nil
}

// #endregion evaluation-pass

// #region workspace-delta

// gitStatusLines captures the porcelain status set. Lines keep their raw
// two-column status prefix; the leading space of an unstaged entry is
// significant for the later parse. A failing git call yields an empty set.
func (o *Orchestrator) gitStatusLines(ctx context.Context) map[string]bool {
	res, err := o.shellFn(ctx, gitStatusCommand, shell.Options{Dir: o.workspaceRoot})
	if err != nil || res.ExitCode != 0 {
		return map[string]bool{}
	}
	lines := map[string]bool{}
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines[line] = true
	}
	return lines
}

func diffStatusLines(before, after map[string]bool) []string {
	delta := make([]string, 0)
	for line := range after {
		if !before[line] {
			delta = append(delta, line)
		}
	}
	sort.Strings(delta)
	return delta
}

// revertWorkspaceDelta undoes uncontrolled edits: untracked paths are
// removed, tracked ones restored from the index. Failures are tolerated;
// the scenario is already scored as a hard failure.
func (o *Orchestrator) revertWorkspaceDelta(ctx context.Context, deltaLines []string) {
	for _, line := range deltaLines {
		if len(line) < 4 {
			continue
		}
		status := line[:2]
		pathText := strings.TrimSpace(line[3:])
		if pathText == "" {
			continue
		}

		if status == "??" {
			full := filepath.Join(o.workspaceRoot, filepath.FromSlash(pathText))
			if info, err := os.Stat(full); err == nil {
				if info.IsDir() {
					_ = os.RemoveAll(full)
				} else {
					_ = os.Remove(full)
				}
			}
			continue
		}

		_, _ = o.shellFn(ctx, fmt.Sprintf("git checkout -- %q", pathText),
			shell.Options{Dir: o.workspaceRoot, Timeout: gitCheckoutTimeout})
	}
}

// #endregion workspace-delta

// #region quality-gates

// gateCheck records one quality-gate command execution.
type gateCheck struct {
	Command  string `json:"command"`
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// gateResult is the per-epoch quality-gates artifact shape.
type gateResult struct {
	Checks []gateCheck `json:"checks"`
	Failed []gateCheck `json:"failed"`
}

// runQualityGates executes the configured gate commands, plus the
// runtime-lane extras when the proposal touches that lane. Exit 0 passes;
// anything else, including a spawn failure, fails the gate.
func (o *Orchestrator) runQualityGates(ctx context.Context, runtimeTouched bool) gateResult {
	commands := append([]string{}, o.cfg.QualityGateCommands...)
	if runtimeTouched && len(o.cfg.RuntimeLane.ExtraGateCommands) > 0 {
		commands = append(commands, o.cfg.RuntimeLane.ExtraGateCommands...)
	}

	timeout := time.Duration(o.cfg.QualityGateTimeoutSeconds) * time.Second
	result := gateResult{Checks: []gateCheck{}, Failed: []gateCheck{}}
	for _, command := range commands {
		o.log.Event("quality_gate_start", map[string]any{
			"command":         command,
			"runtime_touched": runtimeTouched,
		})

		res, err := o.shellFn(ctx, command, shell.Options{Dir: o.workspaceRoot, Timeout: timeout})
		record := gateCheck{
			Command:  command,
			ExitCode: res.ExitCode,
			Stdout:   res.Stdout,
			Stderr:   res.Stderr,
		}
		if err != nil {
			record.ExitCode = -1
			record.Stderr = err.Error()
		}
		result.Checks = append(result.Checks, record)
		if record.ExitCode != 0 {
			result.Failed = append(result.Failed, record)
		}

		o.log.Event("quality_gate_finish", map[string]any{
			"command":   command,
			"exit_code": record.ExitCode,
		})
	}
	return result
}

// #endregion quality-gates

// #region synthesis

// synthesizeEpoch generates this epoch's synthetic scenarios for both
// partitions. Only train failures feed synthesis; holdout results never do.
func (o *Orchestrator) synthesizeEpoch(ctx context.Context, epoch int, staticTrain, staticHoldout []scenario.Scenario, recentFailures []snapshot.Failure, epochDir string) (train, holdout []scenario.Scenario, err error) {
	if !o.cfg.Synthesis.Enabled {
		return nil, nil, nil
	}

	synthDir := filepath.Join(epochDir, "synthetic")
	if err := runlog.EnsureDir(synthDir); err != nil {
		return nil, nil, err
	}
	o.log.Event("synthesis_start", map[string]any{
		"epoch":          epoch,
		"train_target":   o.cfg.Synthesis.PerEpochTrain,
		"holdout_target": o.cfg.Synthesis.PerEpochHoldout,
	})

	stopHB := o.log.Heartbeat("synthesizer train", o.heartbeat())
	train, err = o.synthesizer.Synthesize(ctx, synth.Request{
		Epoch:          epoch,
		Partition:      scenario.PartitionTrain,
		Count:          o.cfg.Synthesis.PerEpochTrain,
		BaseScenarios:  staticTrain,
		RecentFailures: recentFailures,
		ArtifactDir:    synthDir,
		Project:        o.cfg.Project,
		Scope:          o.cfg.Scope,
	})
	stopHB()
	if err != nil {
		return nil, nil, err
	}

	stopHB = o.log.Heartbeat("synthesizer holdout", o.heartbeat())
	holdout, err = o.synthesizer.Synthesize(ctx, synth.Request{
		Epoch:          epoch,
		Partition:      scenario.PartitionHoldout,
		Count:          o.cfg.Synthesis.PerEpochHoldout,
		BaseScenarios:  staticHoldout,
		RecentFailures: recentFailures,
		ArtifactDir:    synthDir,
		Project:        o.cfg.Project,
		Scope:          o.cfg.Scope,
	})
	stopHB()
	if err != nil {
		return nil, nil, err
	}

	o.log.Event("synthesis_finish", map[string]any{
		"epoch":             epoch,
		"train_generated":   len(train),
		"holdout_generated": len(holdout),
	})
	return train, holdout, nil
}

// #endregion synthesis
