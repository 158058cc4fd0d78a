// Package orchestrator drives the improvement loop: per epoch it
// synthesizes and samples scenarios, evaluates a control snapshot, applies
// one bounded mutation, re-evaluates, and accepts or rejects the change
// under the decision engine. One control goroutine owns the whole loop.
package orchestrator

// #region imports
import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/danielpatrickdp/evoloop/internal/agent"
	"github.com/danielpatrickdp/evoloop/internal/bank"
	"github.com/danielpatrickdp/evoloop/internal/config"
	"github.com/danielpatrickdp/evoloop/internal/decision"
	"github.com/danielpatrickdp/evoloop/internal/judge"
	"github.com/danielpatrickdp/evoloop/internal/mutation"
	"github.com/danielpatrickdp/evoloop/internal/probe"
	"github.com/danielpatrickdp/evoloop/internal/runlog"
	"github.com/danielpatrickdp/evoloop/internal/runner"
	"github.com/danielpatrickdp/evoloop/internal/scenario"
	"github.com/danielpatrickdp/evoloop/internal/scoring"
	"github.com/danielpatrickdp/evoloop/internal/shell"
	"github.com/danielpatrickdp/evoloop/internal/snapshot"
	"github.com/danielpatrickdp/evoloop/internal/synth"
)

// #endregion imports

// #region types

// Stop reasons, in precedence order.
const (
	StopFileTriggered    = "stop-file-triggered"
	StopProviderBlocked  = "provider-blocked"
	StopWallClockReached = "max-wall-seconds-reached"
	StopStagnantEpochs   = "max-stagnant-epochs-reached"
	StopMaxEpochs        = "max-epochs-reached"
)

// bankFile is the SQLite audit store shared by every run under one
// artifact root.
const bankFile = "evoloop.db"

// Collaborator role surfaces, narrowed to what the loop calls.
type scenarioRunner interface {
	Execute(ctx context.Context, req runner.Request) (runner.Execution, error)
	SetForceFallbackOnly(force bool)
}

type verdictJudge interface {
	Score(ctx context.Context, execution runner.Execution, report probe.Report, artifactDir string) (judge.Verdict, error)
}

type storeProber interface {
	Run(ctx context.Context, memoryRoot, scope, project string) probe.Report
}

type proposalMutator interface {
	Propose(ctx context.Context, epoch int, baselineSummary map[string]any, recentFailures []snapshot.Failure, artifactDir string) (*mutation.Proposal, error)
	Apply(proposal *mutation.Proposal) *mutation.Transaction
	Rollback(tx *mutation.Transaction)
	AnalyzeDelta(tx *mutation.Transaction, proposal *mutation.Proposal, policy mutation.DeltaPolicy, recentFailures []snapshot.Failure) (*mutation.Delta, error)
}

type scenarioSynthesizer interface {
	Synthesize(ctx context.Context, req synth.Request) ([]scenario.Scenario, error)
}

// Options toggle run-level behavior from the CLI.
type Options struct {
	DryRun          bool
	DisableMutation bool
	ProgressEnabled bool
}

// Summary is the run outcome handed back to the CLI.
type Summary struct {
	RunID           string  `json:"run_id"`
	RunDir          string  `json:"run_dir"`
	StopReason      string  `json:"stop_reason"`
	CompletedEpochs int     `json:"completed_epochs"`
	TrainScore      float64 `json:"final_train_score"`
	HoldoutScore    float64 `json:"final_holdout_score"`
}

// Orchestrator owns one run: its identifiers, artifact tree, collaborator
// roles, and the epoch loop state.
type Orchestrator struct {
	cfg           config.Config
	workspaceRoot string
	opts          Options

	runID  string
	runDir string
	log    *runlog.Logger

	runner      scenarioRunner
	judge       verdictJudge
	prober      storeProber
	mutator     proposalMutator
	synthesizer scenarioSynthesizer
	engine      *decision.Engine

	started time.Time
	nowFn   func() time.Time
	shellFn func(context.Context, string, shell.Options) (shell.Result, error)
}

// #endregion types

// #region constructor

// contracts holds the four role prompt contracts read at startup.
type contracts struct {
	Runner      string
	Judge       string
	Mutator     string
	Synthesizer string
}

func loadContracts(workspaceRoot, promptRoot string) (contracts, error) {
	read := func(name string) (string, error) {
		path := filepath.Join(workspaceRoot, promptRoot, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read contract %s: %w", path, err)
		}
		return string(data), nil
	}
	var c contracts
	var err error
	if c.Runner, err = read("runner_contract.md"); err != nil {
		return contracts{}, err
	}
	if c.Judge, err = read("judge_contract.md"); err != nil {
		return contracts{}, err
	}
	if c.Mutator, err = read("mutator_contract.md"); err != nil {
		return contracts{}, err
	}
	if c.Synthesizer, err = read("scenario_synthesizer_contract.md"); err != nil {
		return contracts{}, err
	}
	return c, nil
}

// New wires every collaborator role for one run. Runtime-lane paths are
// folded into the mutation allow-list before the mutator is built, so a
// proposal may legally touch them.
func New(workspaceRoot string, cfg config.Config, opts Options) (*Orchestrator, error) {
	if cfg.RuntimeLane.Enabled {
		for _, path := range cfg.RuntimeLane.Paths {
			if !containsString(cfg.Mutation.AllowPaths, path) {
				cfg.Mutation.AllowPaths = append(cfg.Mutation.AllowPaths, path)
			}
		}
	}

	roleContracts, err := loadContracts(workspaceRoot, cfg.PromptRoot)
	if err != nil {
		return nil, err
	}

	runnerClient, err := agent.NewClient(workspaceRoot, cfg.Runner)
	if err != nil {
		return nil, err
	}
	judgeClient, err := agent.NewClient(workspaceRoot, cfg.Judge)
	if err != nil {
		return nil, err
	}
	mutatorClient, err := agent.NewClient(workspaceRoot, cfg.Mutator)
	if err != nil {
		return nil, err
	}
	synthClient, err := agent.NewClient(workspaceRoot, cfg.Synthesizer)
	if err != nil {
		return nil, err
	}

	runID := runlog.NewRunID()
	runDir := filepath.Join(workspaceRoot, cfg.ArtifactRoot, runID)
	logger := runlog.NewLogger(runDir, opts.ProgressEnabled, cfg.MaxEpochs)

	scenarios := runner.New(runnerClient, workspaceRoot, roleContracts.Runner,
		cfg.SkillPaths, cfg.ProbeCommand, cfg.ExportSessions)
	scenarios.ForceFallbackOnly = cfg.RunnerFallbackOnly
	scenarios.Progress = logger.Event

	return &Orchestrator{
		cfg:           cfg,
		workspaceRoot: workspaceRoot,
		opts:          opts,
		runID:         runID,
		runDir:        runDir,
		log:           logger,
		runner:        scenarios,
		judge:         judge.New(judgeClient, roleContracts.Judge, cfg.SkillPaths),
		prober:        probe.NewProber(workspaceRoot, cfg.ProbeCommand),
		mutator:       mutation.New(mutatorClient, workspaceRoot, cfg.Mutation, roleContracts.Mutator, cfg.SkillPaths),
		synthesizer:   synth.New(synthClient, cfg.Synthesis, roleContracts.Synthesizer, cfg.SkillPaths),
		engine:        decision.NewEngine(cfg),
		started:       time.Now(),
		nowFn:         time.Now,
		shellFn:       shell.RunShell,
	}, nil
}

// RunID names this run's artifact and memory directories.
func (o *Orchestrator) RunID() string { return o.runID }

// RunDir is the artifact directory of this run.
func (o *Orchestrator) RunDir() string { return o.runDir }

// #endregion constructor

// #region run

// Run executes the whole improvement loop and blocks until a stop
// condition fires. Only startup failures and artifact I/O return errors;
// per-epoch trouble degrades to rejections and recorded events.
func (o *Orchestrator) Run(ctx context.Context) (Summary, error) {
	if err := runlog.EnsureDir(o.runDir); err != nil {
		return Summary{}, err
	}
	if err := runlog.EnsureDir(filepath.Join(o.workspaceRoot, o.cfg.MemoryRunRoot, o.runID)); err != nil {
		return Summary{}, err
	}
	o.log.Event("run_start", map[string]any{
		"run_id":           o.runID,
		"max_epochs":       o.cfg.MaxEpochs,
		"continuous":       o.cfg.Continuous,
		"dry_run":          o.opts.DryRun,
		"disable_mutation": o.opts.DisableMutation,
	})

	staticTrain, err := scenario.LoadPool(o.workspaceRoot, o.cfg.TrainScenariosGlob)
	if err != nil {
		return Summary{}, err
	}
	staticHoldout, err := scenario.LoadPool(o.workspaceRoot, o.cfg.HoldoutScenariosGlob)
	if err != nil {
		return Summary{}, err
	}
	if len(staticTrain) == 0 {
		return Summary{}, fmt.Errorf("no training scenarios found under %s", o.cfg.TrainScenariosGlob)
	}
	if len(staticHoldout) == 0 {
		return Summary{}, fmt.Errorf("no holdout scenarios found under %s", o.cfg.HoldoutScenariosGlob)
	}

	if err := runlog.WriteJSON(filepath.Join(o.runDir, "run-config.json"), map[string]any{
		"run_id":           o.runID,
		"workspace_root":   o.workspaceRoot,
		"config":           o.cfg,
		"dry_run":          o.opts.DryRun,
		"disable_mutation": o.opts.DisableMutation,
	}); err != nil {
		return Summary{}, err
	}
	o.log.Event("scenario_pool_loaded", map[string]any{
		"train_count":   len(staticTrain),
		"holdout_count": len(staticHoldout),
	})

	store, err := bank.Open(filepath.Join(o.workspaceRoot, o.cfg.ArtifactRoot, bankFile))
	if err != nil {
		return Summary{}, err
	}
	defer store.Close()
	configJSON, err := json.Marshal(o.cfg)
	if err != nil {
		return Summary{}, fmt.Errorf("marshal run config: %w", err)
	}
	if err := store.BeginRun(o.runID, configJSON, o.nowFn()); err != nil {
		return Summary{}, err
	}

	// History and bank entries serialize as arrays even when empty.
	loop := &loopState{
		store:         store,
		history:       []map[string]any{},
		candidateBank: []map[string]any{},
	}

	baselineTrain, baselineHoldout, err := o.synthesizeEpoch(ctx, 0, staticTrain, staticHoldout, nil,
		filepath.Join(o.runDir, "epoch-000"))
	if err != nil {
		return Summary{}, err
	}
	trainPool := scenario.MergePools(staticTrain, baselineTrain)
	holdoutPool := scenario.MergePools(staticHoldout, baselineHoldout)
	trainBatch, holdoutBatch := o.selectBatches(0, trainPool, holdoutPool)

	baseline, err := o.evaluateSnapshot(ctx, 0, snapshot.LabelBaseline, trainBatch, holdoutBatch)
	if err != nil {
		return Summary{}, err
	}
	o.log.Event("baseline_complete", map[string]any{
		"train_score":    baseline.TrainScore,
		"holdout_score":  baseline.HoldoutScore,
		"hard_pass_rate": baseline.HardPassRate,
	})
	if err := runlog.WriteJSON(filepath.Join(o.runDir, "epoch-000-baseline-summary.json"), baseline); err != nil {
		return Summary{}, err
	}

	loop.active = baseline
	loop.recentFailures = snapshot.RecentFailures(baseline.Results, scenario.PartitionTrain)
	loop.epoch = 1
	o.observeBaselineBlock(loop, baseline)

	for loop.stopReason == "" {
		if reason := o.stopReason(loop.epoch, loop.stagnantEpochs); reason != "" {
			loop.stopReason = reason
			break
		}
		if err := o.runEpoch(ctx, loop, staticTrain, staticHoldout); err != nil {
			return Summary{}, err
		}
	}

	return o.finish(loop, store)
}

// loopState is the mutable bookkeeping threaded through epochs.
type loopState struct {
	store *bank.Store

	epoch          int
	stopReason     string
	active         snapshot.Snapshot
	recentFailures []snapshot.Failure

	history       []map[string]any
	candidateBank []map[string]any

	stagnantEpochs           int
	providerBlockedStreak    int
	provisionalAccepts       int
	provisionalPending       bool
	provisionalConfirmations int
}

func (s *loopState) adopt(snap snapshot.Snapshot) {
	s.active = snap
	s.recentFailures = snapshot.RecentFailures(snap.Results, scenario.PartitionTrain)
}

// runEpoch advances the loop by one epoch. It returns an error only for
// artifact or audit-store I/O; every domain failure becomes bookkeeping.
func (o *Orchestrator) runEpoch(ctx context.Context, loop *loopState, staticTrain, staticHoldout []scenario.Scenario) (err error) {
	epoch := loop.epoch
	defer func() {
		if err == nil && loop.stopReason == "" {
			loop.epoch++
		}
	}()

	o.log.Event("epoch_start", map[string]any{
		"epoch":           epoch,
		"stagnant_epochs": loop.stagnantEpochs,
	})
	epochDir := filepath.Join(o.runDir, fmt.Sprintf("epoch-%03d", epoch))
	if err := runlog.EnsureDir(epochDir); err != nil {
		return err
	}

	synthTrain, synthHoldout, err := o.synthesizeEpoch(ctx, epoch, staticTrain, staticHoldout, loop.recentFailures, epochDir)
	if err != nil {
		return err
	}
	trainPool := scenario.MergePools(staticTrain, synthTrain)
	holdoutPool := scenario.MergePools(staticHoldout, synthHoldout)
	trainBatch, holdoutBatch := o.selectBatches(epoch, trainPool, holdoutPool)

	control, err := o.evaluateSnapshot(ctx, epoch, snapshot.LabelControl, trainBatch, holdoutBatch)
	if err != nil {
		return err
	}
	o.log.Event("control_snapshot_complete", map[string]any{
		"epoch":          epoch,
		"train_score":    control.TrainScore,
		"holdout_score":  control.HoldoutScore,
		"hard_pass_rate": control.HardPassRate,
	})

	degraded, stopped := o.observeControlBlock(loop, control)
	if stopped {
		return nil
	}

	if loop.provisionalPending && !degraded {
		o.confirmProvisional(loop, control)
	}

	if o.opts.DryRun || o.opts.DisableMutation {
		loop.adopt(control)
		loop.history = append(loop.history, map[string]any{
			"epoch":          epoch,
			"event":          "evaluation-only",
			"train_score":    control.TrainScore,
			"holdout_score":  control.HoldoutScore,
			"hard_pass_rate": control.HardPassRate,
		})
		o.log.Event("epoch_evaluation_only", map[string]any{
			"epoch":         epoch,
			"train_score":   control.TrainScore,
			"holdout_score": control.HoldoutScore,
		})
		return nil
	}

	stopHB := o.log.Heartbeat("mutator", o.heartbeat())
	proposal, err := o.mutator.Propose(ctx, epoch, control.Summary, loop.recentFailures, epochDir)
	stopHB()
	if err != nil {
		return err
	}
	if proposal == nil {
		stable := isStableSnapshot(control)
		event := "mutation-skipped"
		if stable {
			loop.stagnantEpochs = 0
			event = "steady-state-no-mutation"
		} else {
			loop.stagnantEpochs++
		}
		loop.adopt(control)
		loop.history = append(loop.history, map[string]any{
			"epoch":         epoch,
			"event":         event,
			"reason":        "no valid mutation proposal",
			"train_score":   control.TrainScore,
			"holdout_score": control.HoldoutScore,
		})
		o.log.Event("mutation_skipped", map[string]any{"epoch": epoch})
		return nil
	}

	runtimeTouched := o.cfg.RuntimeLane.Enabled &&
		mutation.TouchesRuntimeLane(proposal, o.cfg.RuntimeLane.Paths)
	decisionTrain, decisionHoldout := trainBatch, holdoutBatch
	controlForDecision := control
	if runtimeTouched && o.cfg.RuntimeLane.ForceFullEvaluation {
		decisionTrain = append([]scenario.Scenario{}, trainPool...)
		decisionHoldout = append([]scenario.Scenario{}, holdoutPool...)
		controlForDecision, err = o.evaluateSnapshot(ctx, epoch, snapshot.LabelControlRuntimeLane, decisionTrain, decisionHoldout)
		if err != nil {
			return err
		}
	}

	tx := o.mutator.Apply(proposal)
	if tx.Failed() {
		o.mutator.Rollback(tx)
		loop.stagnantEpochs++
		loop.adopt(controlForDecision)
		if err := runlog.WriteJSON(filepath.Join(epochDir, "mutation-apply-errors.json"), map[string]any{
			"errors":   tx.Errors,
			"proposal": proposalPayload(proposal),
		}); err != nil {
			return err
		}
		loop.history = append(loop.history, map[string]any{
			"epoch":  epoch,
			"event":  "mutation-apply-failed",
			"errors": tx.Errors,
		})
		o.log.Event("mutation_apply_failed", map[string]any{
			"epoch":       epoch,
			"error_count": len(tx.Errors),
		})
		return nil
	}

	delta, err := o.mutator.AnalyzeDelta(tx, proposal, o.deltaPolicy(), loop.recentFailures)
	if err != nil {
		return err
	}
	if err := runlog.WriteJSON(filepath.Join(epochDir, "candidate-delta.json"), delta); err != nil {
		return err
	}
	if !delta.HasEvolutionDiff {
		o.mutator.Rollback(tx)
		loop.stagnantEpochs++
		loop.adopt(controlForDecision)
		loop.history = append(loop.history, map[string]any{
			"epoch":  epoch,
			"event":  "rejected-no-evolution-diff",
			"reason": "candidate mutation did not create meaningful skill/runtime evolution diff",
			"delta":  delta,
		})
		o.log.Event("candidate_delta_rejected", map[string]any{
			"epoch":          epoch,
			"changed_files":  delta.ChangedFileCount,
			"eligible_files": delta.EligibleFileCount,
		})
		return nil
	}

	gates := o.runQualityGates(ctx, runtimeTouched)
	if err := runlog.WriteJSON(filepath.Join(epochDir, "quality-gates.json"), gates); err != nil {
		return err
	}
	if len(gates.Failed) > 0 {
		o.mutator.Rollback(tx)
		loop.stagnantEpochs++
		loop.adopt(controlForDecision)
		loop.history = append(loop.history, map[string]any{
			"epoch":           epoch,
			"event":           "quality-gate-failed",
			"failed_commands": gates.Failed,
		})
		o.log.Event("quality_gate_failed", map[string]any{
			"epoch":        epoch,
			"failed_count": len(gates.Failed),
		})
		return nil
	}

	candidate, err := o.evaluateSnapshot(ctx, epoch, snapshot.LabelCandidate, decisionTrain, decisionHoldout)
	if err != nil {
		return err
	}
	o.log.Event("candidate_snapshot_complete", map[string]any{
		"epoch":          epoch,
		"train_score":    candidate.TrainScore,
		"holdout_score":  candidate.HoldoutScore,
		"hard_pass_rate": candidate.HardPassRate,
	})

	verdict := o.engine.Decide(decision.Input{
		Baseline:             controlForDecision,
		Candidate:            candidate,
		RuntimeTouched:       runtimeTouched,
		Delta:                delta,
		DegradedProviderMode: degraded,
		ProvisionalAccepts:   loop.provisionalAccepts,
	})

	if err := o.recordDecision(loop, epochDir, epoch, verdict, proposal, tx, delta, controlForDecision, candidate, runtimeTouched, degraded); err != nil {
		return err
	}

	if verdict.Accepted {
		loop.adopt(candidate)
		loop.stagnantEpochs = 0
		event := "accepted"
		progressEvent := "epoch_accepted"
		if verdict.Provisional {
			loop.provisionalAccepts++
			loop.provisionalPending = true
			event = "accepted-provisional"
			progressEvent = "epoch_accepted_provisional"
		} else {
			loop.provisionalPending = false
		}
		loop.history = append(loop.history, map[string]any{
			"epoch":                  epoch,
			"event":                  event,
			"reason":                 verdict.Reason,
			"runtime_touched":        runtimeTouched,
			"provider_degraded_mode": degraded,
			"provisional":            verdict.Provisional,
			"candidate_delta":        delta,
			"objective_progress":     verdict.ObjectiveProgress,
			"train_score":            candidate.TrainScore,
			"holdout_score":          candidate.HoldoutScore,
		})
		o.log.Event(progressEvent, map[string]any{
			"epoch":           epoch,
			"train_score":     candidate.TrainScore,
			"holdout_score":   candidate.HoldoutScore,
			"runtime_touched": runtimeTouched,
			"provisional":     verdict.Provisional,
		})
		return nil
	}

	o.mutator.Rollback(tx)
	loop.adopt(controlForDecision)
	loop.stagnantEpochs++
	loop.history = append(loop.history, map[string]any{
		"epoch":                   epoch,
		"event":                   "rejected",
		"reason":                  verdict.Reason,
		"runtime_touched":         runtimeTouched,
		"provider_degraded_mode":  degraded,
		"provisional":             verdict.Provisional,
		"candidate_delta":         delta,
		"objective_progress":      verdict.ObjectiveProgress,
		"candidate_train_score":   candidate.TrainScore,
		"candidate_holdout_score": candidate.HoldoutScore,
	})
	o.log.Event("epoch_rejected", map[string]any{
		"epoch":           epoch,
		"reason":          verdict.Reason,
		"runtime_touched": runtimeTouched,
	})
	return nil
}

// recordDecision writes the per-epoch decision artifacts and audit rows.
func (o *Orchestrator) recordDecision(loop *loopState, epochDir string, epoch int, verdict decision.Decision,
	proposal *mutation.Proposal, tx *mutation.Transaction, delta *mutation.Delta,
	baseline, candidate snapshot.Snapshot, runtimeTouched, degraded bool) error {

	entry := map[string]any{
		"epoch":                   epoch,
		"accepted":                verdict.Accepted,
		"provisional":             verdict.Provisional,
		"reason":                  verdict.Reason,
		"runtime_touched":         runtimeTouched,
		"provider_degraded_mode":  degraded,
		"candidate_delta":         delta,
		"objective_progress":      verdict.ObjectiveProgress,
		"candidate_train_score":   candidate.TrainScore,
		"candidate_holdout_score": candidate.HoldoutScore,
		"baseline_train_score":    baseline.TrainScore,
		"baseline_holdout_score":  baseline.HoldoutScore,
	}
	loop.candidateBank = append(loop.candidateBank, entry)
	if err := runlog.WriteJSON(filepath.Join(epochDir, "candidate-bank-entry.json"), entry); err != nil {
		return err
	}

	if err := runlog.WriteJSON(filepath.Join(epochDir, "decision.json"), map[string]any{
		"decision":        verdict,
		"runtime_touched": runtimeTouched,
		"candidate_delta": delta,
		"candidate":       candidate,
		"baseline":        baseline,
		"proposal":        proposalPayload(proposal),
	}); err != nil {
		return err
	}

	decisionID, err := loop.store.InsertDecision(o.runID, epoch, verdict, runtimeTouched, delta, o.nowFn())
	if err != nil {
		return err
	}
	_, err = loop.store.InsertCandidate(o.runID, epoch, bank.CandidateEntry{
		Rationale:      proposal.Rationale,
		ExpectedEffect: proposal.ExpectedEffect,
		OperationCount: len(proposal.Operations),
		ChangedPaths:   tx.ChangedPaths,
	}, decisionID, o.nowFn())
	return err
}

// finish writes the run-level artifacts and returns the outcome.
func (o *Orchestrator) finish(loop *loopState, store *bank.Store) (Summary, error) {
	completed := loop.epoch - 1
	if completed < 0 {
		completed = 0
	}
	finalSummary := map[string]any{
		"run_id":                    o.runID,
		"stop_reason":               loop.stopReason,
		"best_snapshot":             loop.active,
		"history":                   loop.history,
		"candidate_bank_size":       len(loop.candidateBank),
		"provisional_accepts":       loop.provisionalAccepts,
		"provisional_pending":       loop.provisionalPending,
		"provisional_confirmations": loop.provisionalConfirmations,
		"stagnant_epochs":           loop.stagnantEpochs,
		"completed_epochs":          completed,
	}
	if err := runlog.WriteJSON(filepath.Join(o.runDir, "candidate-bank.json"), map[string]any{
		"run_id":  o.runID,
		"entries": loop.candidateBank,
	}); err != nil {
		return Summary{}, err
	}
	if err := runlog.WriteJSON(filepath.Join(o.runDir, "final-summary.json"), finalSummary); err != nil {
		return Summary{}, err
	}
	if err := store.FinishRun(o.runID, loop.stopReason, o.nowFn()); err != nil {
		return Summary{}, err
	}
	o.log.Event("run_finish", map[string]any{
		"run_id":              o.runID,
		"stop_reason":         loop.stopReason,
		"completed_epochs":    completed,
		"final_train_score":   loop.active.TrainScore,
		"final_holdout_score": loop.active.HoldoutScore,
	})
	return Summary{
		RunID:           o.runID,
		RunDir:          o.runDir,
		StopReason:      loop.stopReason,
		CompletedEpochs: completed,
		TrainScore:      loop.active.TrainScore,
		HoldoutScore:    loop.active.HoldoutScore,
	}, nil
}

// #endregion run

// #region provider-blocked

// observeBaselineBlock seeds the provider-blocked streak from the baseline
// snapshot and may stop the run before the first epoch.
func (o *Orchestrator) observeBaselineBlock(loop *loopState, baseline snapshot.Snapshot) {
	if !o.isProviderBlocked(baseline) {
		return
	}
	loop.providerBlockedStreak = 1
	rate := baseline.Objective("provider_blocked_rate", 0)
	o.log.Event("provider_blocked_observed", map[string]any{
		"epoch":                 0,
		"label":                 string(snapshot.LabelBaseline),
		"provider_blocked_rate": rate,
		"blocked_streak":        loop.providerBlockedStreak,
		"grace_snapshots":       o.cfg.Objectives.ProviderBlockedGraceSnapshots,
	})
	if loop.providerBlockedStreak <= o.cfg.Objectives.ProviderBlockedGraceSnapshots {
		return
	}
	if o.cfg.Objectives.StopWhenProviderBlocked && !o.cfg.Objectives.ContinueOnProviderBlocked {
		loop.stopReason = StopProviderBlocked
		o.log.Event("provider_blocked_stop", map[string]any{
			"epoch":                 0,
			"label":                 string(snapshot.LabelBaseline),
			"provider_blocked_rate": rate,
			"blocked_streak":        loop.providerBlockedStreak,
		})
		return
	}
	o.log.Event("provider_blocked_degraded", map[string]any{
		"epoch":                 0,
		"label":                 string(snapshot.LabelBaseline),
		"provider_blocked_rate": rate,
		"blocked_streak":        loop.providerBlockedStreak,
	})
}

// observeControlBlock updates the streak from a control snapshot. It
// reports whether this epoch runs in degraded mode and whether the run
// must stop.
func (o *Orchestrator) observeControlBlock(loop *loopState, control snapshot.Snapshot) (degraded, stopped bool) {
	blocked := o.isProviderBlocked(control)
	if !blocked {
		loop.providerBlockedStreak = 0
		return false, false
	}

	loop.providerBlockedStreak++
	rate := control.Objective("provider_blocked_rate", 0)
	o.log.Event("provider_blocked_observed", map[string]any{
		"epoch":                 loop.epoch,
		"label":                 string(snapshot.LabelControl),
		"provider_blocked_rate": rate,
		"blocked_streak":        loop.providerBlockedStreak,
		"grace_snapshots":       o.cfg.Objectives.ProviderBlockedGraceSnapshots,
	})
	if loop.providerBlockedStreak <= o.cfg.Objectives.ProviderBlockedGraceSnapshots {
		return false, false
	}

	if o.cfg.Objectives.StopWhenProviderBlocked && !o.cfg.Objectives.ContinueOnProviderBlocked {
		loop.adopt(control)
		loop.history = append(loop.history, map[string]any{
			"epoch":                   loop.epoch,
			"event":                   "provider-blocked-stop",
			"reason":                  StopProviderBlocked,
			"provider_blocked_rate":   rate,
			"provider_blocked_streak": loop.providerBlockedStreak,
			"train_score":             control.TrainScore,
			"holdout_score":           control.HoldoutScore,
		})
		o.log.Event("provider_blocked_stop", map[string]any{
			"epoch":                 loop.epoch,
			"label":                 string(snapshot.LabelControl),
			"provider_blocked_rate": rate,
			"blocked_streak":        loop.providerBlockedStreak,
		})
		loop.stopReason = StopProviderBlocked
		return false, true
	}

	o.log.Event("provider_blocked_degraded", map[string]any{
		"epoch":                 loop.epoch,
		"label":                 string(snapshot.LabelControl),
		"provider_blocked_rate": rate,
		"blocked_streak":        loop.providerBlockedStreak,
	})
	return true, false
}

func (o *Orchestrator) isProviderBlocked(snap snapshot.Snapshot) bool {
	if !o.cfg.Objectives.StopWhenProviderBlocked {
		return false
	}
	return snap.Objective("provider_blocked_rate", 0) >= o.cfg.Objectives.ProviderBlockedStopRate
}

// confirmProvisional tries to confirm a pending provisional acceptance
// against a healthy control snapshot.
func (o *Orchestrator) confirmProvisional(loop *loopState, control snapshot.Snapshot) {
	confirmation := o.engine.AssessConfirmation(control)
	if confirmation.Confirmed {
		loop.provisionalPending = false
		loop.provisionalConfirmations++
		loop.history = append(loop.history, map[string]any{
			"epoch":         loop.epoch,
			"event":         "provisional-confirmed",
			"details":       confirmation,
			"train_score":   control.TrainScore,
			"holdout_score": control.HoldoutScore,
		})
		o.log.Event("provisional_confirmed", map[string]any{
			"epoch":                 loop.epoch,
			"validation_confidence": confirmation.ValidationConfidence,
			"hard_pass_rate":        confirmation.HardPassRate,
		})
		return
	}
	loop.history = append(loop.history, map[string]any{
		"epoch":         loop.epoch,
		"event":         "provisional-pending",
		"details":       confirmation,
		"train_score":   control.TrainScore,
		"holdout_score": control.HoldoutScore,
	})
	o.log.Event("provisional_pending", map[string]any{
		"epoch":                 loop.epoch,
		"reason":                confirmation.Reason,
		"validation_confidence": confirmation.ValidationConfidence,
		"hard_pass_rate":        confirmation.HardPassRate,
	})
}

// #endregion provider-blocked

// #region stop-conditions

// stopReason applies the stop precedence at an epoch boundary: stop file,
// wall clock, stagnation, then the epoch cap. Continuous mode ignores the
// epoch cap and honors only its own optional cap.
func (o *Orchestrator) stopReason(epoch, stagnantEpochs int) string {
	if o.stopFileExists() {
		return StopFileTriggered
	}
	if o.cfg.MaxWallSeconds > 0 {
		elapsed := int(o.nowFn().Sub(o.started).Seconds())
		if elapsed >= o.cfg.MaxWallSeconds {
			return StopWallClockReached
		}
	}
	if o.cfg.MaxStagnantEpochs > 0 && stagnantEpochs >= o.cfg.MaxStagnantEpochs {
		return StopStagnantEpochs
	}
	if o.cfg.Continuous {
		if o.cfg.ContinuousMaxEpochs > 0 && epoch > o.cfg.ContinuousMaxEpochs {
			return StopMaxEpochs
		}
		return ""
	}
	if o.cfg.MaxEpochs <= 0 || epoch > o.cfg.MaxEpochs {
		return StopMaxEpochs
	}
	return ""
}

func (o *Orchestrator) stopFileExists() bool {
	_, err := os.Stat(filepath.Join(o.workspaceRoot, o.cfg.StopFile))
	return err == nil
}

// isStableSnapshot reports a fully hard-passing control with both scores
// high enough that standing still is not stagnation.
func isStableSnapshot(snap snapshot.Snapshot) bool {
	if snap.HardPassRate < 1.0 {
		return false
	}
	return snap.TrainScore >= 90.0 && snap.HoldoutScore >= 90.0
}

// #endregion stop-conditions

// #region helpers

func (o *Orchestrator) heartbeat() time.Duration {
	return time.Duration(o.cfg.HeartbeatSeconds) * time.Second
}

// selectBatches draws the per-epoch samples: curriculum-staged train, plain
// decorrelated holdout.
func (o *Orchestrator) selectBatches(epoch int, trainPool, holdoutPool []scenario.Scenario) (train, holdout []scenario.Scenario) {
	train = scenario.SelectBatch(trainPool, o.cfg.Batch.TrainBatchSize, epoch, o.cfg.Batch.RandomSeed, true)
	holdout = scenario.SelectHoldoutBatch(holdoutPool, o.cfg.Batch.HoldoutBatchSize, epoch, o.cfg.Batch.RandomSeed)
	return train, holdout
}

func (o *Orchestrator) deltaPolicy() mutation.DeltaPolicy {
	return mutation.DeltaPolicy{
		SkillPaths:     o.cfg.SkillPaths,
		HydrationPaths: o.hydrationPaths(),
		RuntimePaths:   o.cfg.RuntimeLane.Paths,
	}
}

func (o *Orchestrator) hydrationPaths() []string {
	if len(o.cfg.Hydration.RequiredPaths) > 0 {
		return o.cfg.Hydration.RequiredPaths
	}
	if len(o.cfg.SkillPaths) > 0 {
		return o.cfg.SkillPaths[:1]
	}
	return nil
}

func (o *Orchestrator) scoringOptions() scoring.Options {
	return scoring.Options{
		StoreMarker:        probe.StoreMarker(o.cfg.ProbeCommand),
		RequiredSkillPaths: o.hydrationPaths(),
		MinimumSkillReads:  o.cfg.Hydration.MinimumReads,
		EnforceHydration:   o.cfg.Hydration.Enforce,
		HardFailMissing:    o.cfg.Hydration.HardFailMissing,
		Weights:            o.cfg.Scoring,
	}
}

// proposalPayload renders a proposal the way decision artifacts store it.
func proposalPayload(proposal *mutation.Proposal) map[string]any {
	if proposal == nil {
		return nil
	}
	return map[string]any{
		"rationale":       proposal.Rationale,
		"expected_effect": proposal.ExpectedEffect,
		"operations":      proposal.Operations,
	}
}

func containsString(items []string, needle string) bool {
	for _, item := range items {
		if item == needle {
			return true
		}
	}
	return false
}

// #endregion helpers
