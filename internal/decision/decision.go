// Package decision compares two evaluation snapshots under the multi-gate
// acceptance policy: hard gates first, then improvement requirements, with
// a provisional path for provider-blocked degraded mode.
package decision

// #region imports
import (
	"github.com/danielpatrickdp/evoloop/internal/config"
	"github.com/danielpatrickdp/evoloop/internal/mutation"
	"github.com/danielpatrickdp/evoloop/internal/snapshot"
)

// #endregion imports

// #region types

// TrackedMetrics are the objective metrics every decision compares.
var TrackedMetrics = []string{
	"diachronic_mean",
	"synchronic_mean",
	"skill_alignment_mean",
	"skill_policy_score",
	"memory_correctness_score",
	"validation_confidence_mean",
	"fallback_usage_rate",
	"effective_autonomy_rate",
	"provider_blocked_rate",
}

// coreDimensionMetrics carry both the regression floor and the gain check.
var coreDimensionMetrics = []string{
	"diachronic_mean",
	"synchronic_mean",
	"skill_alignment_mean",
}

// epsilon absorbs float noise on rate comparisons.
const epsilon = 1e-9

// ObjectiveProgress is the per-metric comparison recorded on every
// decision: raw metric maps, deltas, and the gate and gain flags derived
// from them.
type ObjectiveProgress struct {
	Baseline  map[string]float64 `json:"baseline"`
	Candidate map[string]float64 `json:"candidate"`
	Delta     map[string]float64 `json:"delta"`

	BaselineProviderBlockedRate   float64 `json:"baseline_provider_blocked_rate"`
	CandidateProviderBlockedRate  float64 `json:"candidate_provider_blocked_rate"`
	BaselineValidationConfidence  float64 `json:"baseline_validation_confidence_mean"`
	CandidateValidationConfidence float64 `json:"candidate_validation_confidence_mean"`

	DimensionFloorOK         bool     `json:"dimension_floor_ok"`
	DimensionFloorViolations []string `json:"dimension_floor_violations"`
	DimensionGainMetrics     []string `json:"dimension_gain_metrics"`

	FallbackGateOK      bool `json:"fallback_gate_ok"`
	FallbackGain        bool `json:"fallback_gain"`
	ProviderBlockGateOK bool `json:"provider_block_gate_ok"`
	ProviderBlockGain   bool `json:"provider_block_gain"`
	CorrectnessGain     bool `json:"correctness_gain"`
	PolicyGain          bool `json:"policy_gain"`
	HasObjectiveGain    bool `json:"has_objective_gain"`
}

// Decision is the permanent per-epoch verdict.
type Decision struct {
	Accepted              bool              `json:"accepted"`
	Reason                string            `json:"reason"`
	CandidateTrainScore   float64           `json:"candidate_train_score"`
	CandidateHoldoutScore float64           `json:"candidate_holdout_score"`
	BaselineTrainScore    float64           `json:"baseline_train_score"`
	BaselineHoldoutScore  float64           `json:"baseline_holdout_score"`
	CandidateHardPassRate float64           `json:"candidate_hard_pass_rate"`
	ObjectiveProgress     ObjectiveProgress `json:"objective_progress"`
	Provisional           bool              `json:"provisional"`
}

// Confirmation grades a pending provisional acceptance against a later
// control snapshot.
type Confirmation struct {
	Confirmed            bool    `json:"confirmed"`
	Reason               string  `json:"reason"`
	ValidationConfidence float64 `json:"validation_confidence_mean"`
	ProviderBlockedRate  float64 `json:"provider_blocked_rate"`
	HardPassRate         float64 `json:"hard_pass_rate"`
}

// Input bundles the facts one epoch's decision needs.
type Input struct {
	Baseline             snapshot.Snapshot
	Candidate            snapshot.Snapshot
	RuntimeTouched       bool
	Delta                *mutation.Delta
	DegradedProviderMode bool
	ProvisionalAccepts   int
}

// Engine applies the acceptance policy for one run's configuration.
type Engine struct {
	Mutation    config.MutationConfig
	Objectives  config.ObjectivesConfig
	RuntimeLane config.RuntimeLaneConfig
}

// NewEngine binds the gating thresholds from the run configuration.
func NewEngine(cfg config.Config) *Engine {
	return &Engine{
		Mutation:    cfg.Mutation,
		Objectives:  cfg.Objectives,
		RuntimeLane: cfg.RuntimeLane,
	}
}

// #endregion types

// #region decide

// Decide runs the gate sequence. Degraded provider mode routes to the
// provisional path when configuration allows it; otherwise the normal
// gates apply, first failure rejects.
func (e *Engine) Decide(in Input) Decision {
	progress := e.Progress(in.Baseline, in.Candidate)
	if in.DegradedProviderMode && e.Objectives.AllowProvisionalAcceptance {
		return e.decideDegraded(in, progress)
	}
	verdict := func(accepted bool, reason string) Decision {
		return record(in, progress, accepted, reason, false)
	}

	if in.Delta == nil || !in.Delta.HasEvolutionDiff {
		return verdict(false, "candidate has no meaningful skill/runtime diff")
	}
	if !progress.FallbackGateOK {
		return verdict(false, "candidate increased fallback dependency")
	}
	if !progress.ProviderBlockGateOK {
		return verdict(false, "candidate increased provider-blocked executions")
	}
	if !progress.DimensionFloorOK {
		return verdict(false, "candidate regressed core complexity dimensions")
	}
	if in.Candidate.HardPassRate < 1.0 {
		return verdict(false, "candidate failed hard memory integrity gates")
	}
	if in.Candidate.HoldoutScore < in.Baseline.HoldoutScore-e.Mutation.HoldoutRegressionTolerance {
		return verdict(false, "candidate regressed holdout score")
	}
	if e.Objectives.RequireObjectiveGain && !progress.HasObjectiveGain {
		return verdict(false, "candidate did not improve core objective metrics")
	}

	required := e.Mutation.RequireImprovement
	if in.RuntimeTouched {
		required = e.RuntimeLane.MinImprovement
	}
	if in.Candidate.TrainScore-in.Baseline.TrainScore >= required ||
		in.Candidate.HoldoutScore-in.Baseline.HoldoutScore >= required {
		return verdict(true, "candidate improved score while preserving hard gates")
	}
	if progress.HasObjectiveGain {
		return verdict(true, "candidate improved core objective metrics while preserving hard gates")
	}
	return verdict(false, "candidate did not improve enough")
}

// decideDegraded is the provider-blocked path. Every verdict here is
// provisional, rejections included, so the audit trail shows which epochs
// ran without trustworthy provider signal.
func (e *Engine) decideDegraded(in Input, progress ObjectiveProgress) Decision {
	verdict := func(accepted bool, reason string) Decision {
		return record(in, progress, accepted, reason, true)
	}

	if in.ProvisionalAccepts >= e.Objectives.MaxProvisionalAcceptsPerRun {
		return verdict(false, "provisional acceptance budget exhausted for this run")
	}
	if in.Delta == nil || !in.Delta.HasEvolutionDiff {
		return verdict(false, "candidate has no meaningful skill/runtime diff")
	}
	if in.Delta.HydrationPathsTouched <= 0 {
		return verdict(false, "candidate did not modify actively hydrated skill surfaces")
	}
	alignment := in.Delta.FailureAlignment
	if alignment < e.Objectives.MinFailureAlignmentScore {
		return verdict(false, "candidate did not align sufficiently with observed failure clusters")
	}
	if !progress.FallbackGateOK {
		return verdict(false, "candidate increased fallback dependency")
	}
	if !progress.ProviderBlockGateOK {
		return verdict(false, "candidate increased provider-blocked executions")
	}
	if !progress.DimensionFloorOK {
		return verdict(false, "candidate regressed core complexity dimensions")
	}
	if e.Objectives.RequireObjectiveGain &&
		!(progress.HasObjectiveGain || alignment >= e.Objectives.MinFailureAlignmentScore) {
		return verdict(false, "candidate did not improve objective signals in degraded mode")
	}
	return verdict(true, "provisional acceptance under provider-blocked degraded mode")
}

func record(in Input, progress ObjectiveProgress, accepted bool, reason string, provisional bool) Decision {
	return Decision{
		Accepted:              accepted,
		Reason:                reason,
		CandidateTrainScore:   in.Candidate.TrainScore,
		CandidateHoldoutScore: in.Candidate.HoldoutScore,
		BaselineTrainScore:    in.Baseline.TrainScore,
		BaselineHoldoutScore:  in.Baseline.HoldoutScore,
		CandidateHardPassRate: in.Candidate.HardPassRate,
		ObjectiveProgress:     progress,
		Provisional:           provisional,
	}
}

// #endregion decide

// #region confirmation

// AssessConfirmation checks whether a later control snapshot clears the
// provisional confirmation thresholds: provider recovered, confidence
// restored, hard gates holding.
func (e *Engine) AssessConfirmation(control snapshot.Snapshot) Confirmation {
	result := Confirmation{
		ValidationConfidence: control.Objective("validation_confidence_mean", 0),
		ProviderBlockedRate:  control.Objective("provider_blocked_rate", 0),
		HardPassRate:         control.HardPassRate,
	}

	if result.ProviderBlockedRate > e.Objectives.ProvisionalConfirmMaxProviderBlockedRate {
		result.Reason = "provider still blocked in confirmation snapshot"
		return result
	}
	if result.ValidationConfidence < e.Objectives.ProvisionalConfirmMinValidationConfidence {
		result.Reason = "validation confidence below provisional confirmation threshold"
		return result
	}
	if result.HardPassRate < e.Objectives.ProvisionalConfirmMinHardPassRate {
		result.Reason = "hard pass rate below provisional confirmation threshold"
		return result
	}

	result.Confirmed = true
	result.Reason = "provider recovered and objective confidence is sufficient"
	return result
}

// #endregion confirmation

// #region progress

// Progress builds the per-metric objective comparison between two passes.
func (e *Engine) Progress(baseline, candidate snapshot.Snapshot) ObjectiveProgress {
	base := copyMetrics(baseline.Objectives)
	cand := copyMetrics(candidate.Objectives)

	deltas := make(map[string]float64, len(TrackedMetrics))
	for _, metric := range TrackedMetrics {
		deltas[metric] = cand[metric] - base[metric]
	}

	floorViolations := []string{}
	gainMetrics := []string{}
	for _, metric := range coreDimensionMetrics {
		if deltas[metric] < -e.Objectives.MaxDimensionRegression {
			floorViolations = append(floorViolations, metric)
		}
		if deltas[metric] >= e.Objectives.MinDimensionImprovement {
			gainMetrics = append(gainMetrics, metric)
		}
	}

	fallbackDelta := deltas["fallback_usage_rate"]
	providerDelta := deltas["provider_blocked_rate"]
	correctnessGain := deltas["memory_correctness_score"] >= e.Objectives.MinDimensionImprovement
	policyGain := deltas["skill_policy_score"] >= e.Objectives.MinDimensionImprovement &&
		cand["fallback_usage_rate"] < 1.0 &&
		cand["provider_blocked_rate"] <= 0
	progress := ObjectiveProgress{
		Baseline:  base,
		Candidate: cand,
		Delta:     deltas,

		BaselineProviderBlockedRate:   base["provider_blocked_rate"],
		CandidateProviderBlockedRate:  cand["provider_blocked_rate"],
		BaselineValidationConfidence:  base["validation_confidence_mean"],
		CandidateValidationConfidence: cand["validation_confidence_mean"],

		DimensionFloorOK:         len(floorViolations) == 0,
		DimensionFloorViolations: floorViolations,
		DimensionGainMetrics:     gainMetrics,

		FallbackGateOK:      fallbackDelta <= e.Objectives.MaxFallbackIncrease+epsilon,
		FallbackGain:        fallbackDelta <= -(e.Objectives.MinFallbackReduction - epsilon),
		ProviderBlockGateOK: providerDelta <= epsilon,
		ProviderBlockGain:   providerDelta < -epsilon,
		CorrectnessGain:     correctnessGain,
		PolicyGain:          policyGain,
	}
	progress.HasObjectiveGain = len(gainMetrics) > 0 ||
		progress.FallbackGain || progress.ProviderBlockGain ||
		progress.CorrectnessGain || progress.PolicyGain
	return progress
}

func copyMetrics(metrics map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(metrics))
	for key, value := range metrics {
		out[key] = value
	}
	return out
}

// #endregion progress
