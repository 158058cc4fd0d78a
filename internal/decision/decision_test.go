package decision

import (
	"testing"

	"github.com/danielpatrickdp/evoloop/internal/config"
	"github.com/danielpatrickdp/evoloop/internal/mutation"
	"github.com/danielpatrickdp/evoloop/internal/snapshot"
)

// #region helpers

func testEngine() *Engine {
	cfg := config.Default()
	cfg.Mutation.RequireImprovement = 1.0
	cfg.Mutation.HoldoutRegressionTolerance = 0
	return NewEngine(cfg)
}

func makeSnapshot(train, holdout, hardRate float64) snapshot.Snapshot {
	return snapshot.Snapshot{
		TrainScore:   train,
		HoldoutScore: holdout,
		HardPassRate: hardRate,
		Objectives: map[string]float64{
			"diachronic_mean":            train,
			"synchronic_mean":            train,
			"skill_alignment_mean":       train,
			"skill_policy_score":         50,
			"memory_correctness_score":   90,
			"validation_confidence_mean": 1.0,
			"fallback_usage_rate":        0,
			"effective_autonomy_rate":    1.0,
			"provider_blocked_rate":      0,
		},
	}
}

func eligibleDelta() *mutation.Delta {
	return &mutation.Delta{
		ChangedFileCount:      1,
		EligibleFileCount:     1,
		EligiblePaths:         []string{"skills/memory.md"},
		HydrationPathsTouched: 1,
		HydrationPaths:        []string{"skills/memory.md"},
		FailureAlignment:      0.5,
		HasEvolutionDiff:      true,
	}
}

func normalInput(baseline, candidate snapshot.Snapshot) Input {
	return Input{
		Baseline:  baseline,
		Candidate: candidate,
		Delta:     eligibleDelta(),
	}
}

// #endregion helpers

// #region normal mode

func TestDecideAcceptsScoreImprovement(t *testing.T) {
	e := testEngine()
	d := e.Decide(normalInput(makeSnapshot(70, 70, 1.0), makeSnapshot(75, 71, 1.0)))
	if !d.Accepted || d.Provisional {
		t.Fatalf("expected plain acceptance: %+v", d)
	}
	if d.Reason != "candidate improved score while preserving hard gates" {
		t.Fatalf("unexpected reason: %s", d.Reason)
	}
	if d.CandidateTrainScore != 75 || d.BaselineHoldoutScore != 70 {
		t.Fatalf("score fields not carried: %+v", d)
	}
}

func TestDecideRejectsWithoutMeaningfulDiff(t *testing.T) {
	e := testEngine()
	in := normalInput(makeSnapshot(70, 70, 1.0), makeSnapshot(90, 90, 1.0))
	in.Delta = &mutation.Delta{ChangedFileCount: 1}
	d := e.Decide(in)
	if d.Accepted || d.Reason != "candidate has no meaningful skill/runtime diff" {
		t.Fatalf("unexpected decision: %+v", d)
	}

	in.Delta = nil
	d = e.Decide(in)
	if d.Accepted || d.Reason != "candidate has no meaningful skill/runtime diff" {
		t.Fatalf("nil delta must reject the same way: %+v", d)
	}
}

func TestDecideRejectsHoldoutRegression(t *testing.T) {
	e := testEngine()
	baseline := makeSnapshot(70, 80, 1.0)
	candidate := makeSnapshot(75, 79, 1.0)
	d := e.Decide(normalInput(baseline, candidate))
	if d.Accepted || d.Reason != "candidate regressed holdout score" {
		t.Fatalf("unexpected decision: %+v", d)
	}

	e.Mutation.HoldoutRegressionTolerance = 1.5
	d = e.Decide(normalInput(baseline, candidate))
	if !d.Accepted {
		t.Fatalf("tolerance should absorb the regression: %+v", d)
	}
}

func TestDecideRejectsHardGateFailure(t *testing.T) {
	e := testEngine()
	d := e.Decide(normalInput(makeSnapshot(70, 70, 1.0), makeSnapshot(80, 80, 0.5)))
	if d.Accepted || d.Reason != "candidate failed hard memory integrity gates" {
		t.Fatalf("unexpected decision: %+v", d)
	}
}

func TestDecideRejectsFallbackIncrease(t *testing.T) {
	e := testEngine()
	baseline := makeSnapshot(70, 70, 1.0)
	candidate := makeSnapshot(80, 80, 1.0)
	candidate.Objectives["fallback_usage_rate"] = 0.5
	d := e.Decide(normalInput(baseline, candidate))
	if d.Accepted || d.Reason != "candidate increased fallback dependency" {
		t.Fatalf("unexpected decision: %+v", d)
	}
}

func TestDecideRejectsProviderBlockIncrease(t *testing.T) {
	e := testEngine()
	baseline := makeSnapshot(70, 70, 1.0)
	candidate := makeSnapshot(80, 80, 1.0)
	candidate.Objectives["provider_blocked_rate"] = 0.25
	d := e.Decide(normalInput(baseline, candidate))
	if d.Accepted || d.Reason != "candidate increased provider-blocked executions" {
		t.Fatalf("unexpected decision: %+v", d)
	}
}

func TestDecideRejectsDimensionFloorBreach(t *testing.T) {
	e := testEngine()
	baseline := makeSnapshot(70, 70, 1.0)
	candidate := makeSnapshot(72, 72, 1.0)
	candidate.Objectives["synchronic_mean"] = 65
	d := e.Decide(normalInput(baseline, candidate))
	if d.Accepted || d.Reason != "candidate regressed core complexity dimensions" {
		t.Fatalf("unexpected decision: %+v", d)
	}
	if len(d.ObjectiveProgress.DimensionFloorViolations) != 1 ||
		d.ObjectiveProgress.DimensionFloorViolations[0] != "synchronic_mean" {
		t.Fatalf("violation list wrong: %+v", d.ObjectiveProgress.DimensionFloorViolations)
	}
}

func TestDecideObjectiveGainRequirementPrecedesScoreDelta(t *testing.T) {
	e := testEngine()
	baseline := makeSnapshot(70, 70, 1.0)
	// A big score jump with every tracked objective metric frozen.
	candidate := makeSnapshot(70, 70, 1.0)
	candidate.TrainScore = 85
	d := e.Decide(normalInput(baseline, candidate))
	if d.Accepted || d.Reason != "candidate did not improve core objective metrics" {
		t.Fatalf("objective-gain gate must fire before the delta check: %+v", d)
	}

	e.Objectives.RequireObjectiveGain = false
	d = e.Decide(normalInput(baseline, candidate))
	if !d.Accepted || d.Reason != "candidate improved score while preserving hard gates" {
		t.Fatalf("without the requirement the delta should accept: %+v", d)
	}
}

func TestDecideRuntimeLaneDemandsLargerDelta(t *testing.T) {
	e := testEngine()
	e.RuntimeLane.MinImprovement = 5.0
	e.Objectives.RequireObjectiveGain = false
	baseline := makeSnapshot(70, 70, 1.0)
	candidate := makeSnapshot(72, 70, 1.0)
	candidate.Objectives["diachronic_mean"] = 70 // keep objectives flat
	candidate.Objectives["synchronic_mean"] = 70
	candidate.Objectives["skill_alignment_mean"] = 70

	in := normalInput(baseline, candidate)
	in.RuntimeTouched = true
	d := e.Decide(in)
	if d.Accepted || d.Reason != "candidate did not improve enough" {
		t.Fatalf("runtime lane requires the larger delta: %+v", d)
	}

	in.RuntimeTouched = false
	d = e.Decide(in)
	if !d.Accepted || d.Reason != "candidate improved score while preserving hard gates" {
		t.Fatalf("ordinary delta should accept: %+v", d)
	}
}

func TestDecideAcceptsObjectiveGainWithoutScoreDelta(t *testing.T) {
	e := testEngine()
	baseline := makeSnapshot(70, 70, 1.0)
	candidate := makeSnapshot(70, 70, 1.0)
	candidate.Objectives["memory_correctness_score"] = 95
	d := e.Decide(normalInput(baseline, candidate))
	if !d.Accepted || d.Reason != "candidate improved core objective metrics while preserving hard gates" {
		t.Fatalf("unexpected decision: %+v", d)
	}
	if !d.ObjectiveProgress.CorrectnessGain {
		t.Fatalf("correctness gain flag missing: %+v", d.ObjectiveProgress)
	}
}

func TestDecideRejectsInsufficientImprovement(t *testing.T) {
	e := testEngine()
	e.Objectives.RequireObjectiveGain = false
	baseline := makeSnapshot(70, 70, 1.0)
	candidate := makeSnapshot(70.5, 70, 1.0)
	candidate.Objectives["diachronic_mean"] = 70 // keep dimensions flat
	candidate.Objectives["synchronic_mean"] = 70
	candidate.Objectives["skill_alignment_mean"] = 70
	d := e.Decide(normalInput(baseline, candidate))
	if d.Accepted || d.Reason != "candidate did not improve enough" {
		t.Fatalf("unexpected decision: %+v", d)
	}
}

// #endregion normal mode

// #region degraded mode

func degradedInput(e *Engine) Input {
	in := normalInput(makeSnapshot(70, 70, 1.0), makeSnapshot(70, 70, 0.8))
	in.DegradedProviderMode = true
	return in
}

func TestDecideDegradedAcceptsProvisionally(t *testing.T) {
	e := testEngine()
	d := e.Decide(degradedInput(e))
	if !d.Accepted || !d.Provisional {
		t.Fatalf("expected provisional acceptance: %+v", d)
	}
	if d.Reason != "provisional acceptance under provider-blocked degraded mode" {
		t.Fatalf("unexpected reason: %s", d.Reason)
	}
}

func TestDecideDegradedMarksRejectionsProvisional(t *testing.T) {
	e := testEngine()
	in := degradedInput(e)
	in.Delta.HydrationPathsTouched = 0
	d := e.Decide(in)
	if d.Accepted || !d.Provisional {
		t.Fatalf("degraded rejections stay provisional: %+v", d)
	}
	if d.Reason != "candidate did not modify actively hydrated skill surfaces" {
		t.Fatalf("unexpected reason: %s", d.Reason)
	}
}

func TestDecideDegradedBudgetExhaustion(t *testing.T) {
	e := testEngine()
	in := degradedInput(e)
	in.ProvisionalAccepts = e.Objectives.MaxProvisionalAcceptsPerRun
	d := e.Decide(in)
	if d.Accepted || d.Reason != "provisional acceptance budget exhausted for this run" {
		t.Fatalf("unexpected decision: %+v", d)
	}
}

func TestDecideDegradedAlignmentThreshold(t *testing.T) {
	e := testEngine()
	in := degradedInput(e)
	in.Delta.FailureAlignment = 0.1
	d := e.Decide(in)
	if d.Accepted || d.Reason != "candidate did not align sufficiently with observed failure clusters" {
		t.Fatalf("unexpected decision: %+v", d)
	}
}

func TestDecideDegradedDisabledFallsBackToNormalGates(t *testing.T) {
	e := testEngine()
	e.Objectives.AllowProvisionalAcceptance = false
	in := degradedInput(e)
	d := e.Decide(in)
	if d.Provisional {
		t.Fatalf("provisional path must be off: %+v", d)
	}
	if d.Accepted || d.Reason != "candidate failed hard memory integrity gates" {
		t.Fatalf("normal gates should apply: %+v", d)
	}
}

// #endregion degraded mode

// #region confirmation

func TestAssessConfirmationThresholds(t *testing.T) {
	e := testEngine()

	blocked := makeSnapshot(70, 70, 1.0)
	blocked.Objectives["provider_blocked_rate"] = 0.2
	c := e.AssessConfirmation(blocked)
	if c.Confirmed || c.Reason != "provider still blocked in confirmation snapshot" {
		t.Fatalf("unexpected confirmation: %+v", c)
	}

	lowConfidence := makeSnapshot(70, 70, 1.0)
	lowConfidence.Objectives["validation_confidence_mean"] = 0.5
	c = e.AssessConfirmation(lowConfidence)
	if c.Confirmed || c.Reason != "validation confidence below provisional confirmation threshold" {
		t.Fatalf("unexpected confirmation: %+v", c)
	}

	weakGates := makeSnapshot(70, 70, 0.9)
	c = e.AssessConfirmation(weakGates)
	if c.Confirmed || c.Reason != "hard pass rate below provisional confirmation threshold" {
		t.Fatalf("unexpected confirmation: %+v", c)
	}

	healthy := makeSnapshot(70, 70, 1.0)
	c = e.AssessConfirmation(healthy)
	if !c.Confirmed || c.Reason != "provider recovered and objective confidence is sufficient" {
		t.Fatalf("unexpected confirmation: %+v", c)
	}
	if c.HardPassRate != 1.0 || c.ProviderBlockedRate != 0 {
		t.Fatalf("confirmation facts not carried: %+v", c)
	}
}

// #endregion confirmation

// #region progress

func TestProgressGainFlags(t *testing.T) {
	e := testEngine()
	baseline := makeSnapshot(70, 70, 1.0)
	baseline.Objectives["fallback_usage_rate"] = 0.10
	candidate := makeSnapshot(70, 70, 1.0)
	candidate.Objectives["fallback_usage_rate"] = 0.04
	candidate.Objectives["skill_policy_score"] = 51

	p := e.Progress(baseline, candidate)
	if !p.FallbackGain {
		t.Fatalf("fallback reduction of 0.06 should count as gain: %+v", p)
	}
	if !p.PolicyGain {
		t.Fatalf("policy delta of 1.0 should count as gain: %+v", p)
	}
	if !p.HasObjectiveGain {
		t.Fatalf("gain flags must roll up: %+v", p)
	}
}

func TestProgressPolicyGainNeedsHealthyCandidate(t *testing.T) {
	e := testEngine()
	baseline := makeSnapshot(70, 70, 1.0)
	candidate := makeSnapshot(70, 70, 1.0)
	candidate.Objectives["skill_policy_score"] = 51
	candidate.Objectives["fallback_usage_rate"] = 1.0

	p := e.Progress(baseline, candidate)
	if p.PolicyGain {
		t.Fatalf("full-fallback candidate cannot claim policy gain: %+v", p)
	}
}

// #endregion progress
