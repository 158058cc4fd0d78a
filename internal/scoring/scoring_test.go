package scoring

import (
	"strings"
	"testing"

	"github.com/danielpatrickdp/evoloop/internal/config"
	"github.com/danielpatrickdp/evoloop/internal/judge"
	"github.com/danielpatrickdp/evoloop/internal/probe"
	"github.com/danielpatrickdp/evoloop/internal/runner"
	"github.com/danielpatrickdp/evoloop/internal/scenario"
)

// #region helpers

func passingReport() probe.Report {
	return probe.Report{
		ValidateStrict: map[string]any{"ok": true, "error_count": 0, "warning_count": 0},
		DiagnoseDryRun: map[string]any{"ok": true, "health_score": 0.9},
		HardPass:       true,
	}
}

func goodVerdict() judge.Verdict {
	dims := map[string]float64{}
	for _, key := range judge.Dimensions {
		dims[key] = 80
	}
	return judge.Verdict{
		Overall:      80,
		Dimensions:   dims,
		HardFailures: []string{},
		Violations:   []string{},
		Strengths:    []string{},
		NextFocus:    []string{},
		Confidence:   0.9,
	}
}

func testExecution() runner.Execution {
	return runner.Execution{
		Scenario: scenario.Scenario{
			ID:             "case-a",
			Title:          "t",
			Description:    "d",
			ComplexityMode: scenario.ModeDiachronic,
			Difficulty:     1,
			Turns:          []string{"store a fact"},
		},
		Partition:  scenario.PartitionTrain,
		Epoch:      2,
		MemoryRoot: "/tmp/mem/case-a",
		SessionIDs: []string{"ses_1"},
		CommandTrace: []string{
			`python3 memoryctl.py append --root /tmp/mem/case-a --scope project`,
		},
		ReadPaths: []string{"workspace/skills/memory.md"},
	}
}

func defaultOptions() Options {
	return Options{
		StoreMarker: "memoryctl.py",
		Weights:     config.DefaultScoringConfig(),
	}
}

func hasViolation(result Result, text string) bool {
	for _, violation := range result.Violations {
		if violation == text {
			return true
		}
	}
	return false
}

// #endregion helpers

// #region tests

func TestScoreCleanRun(t *testing.T) {
	result := Score(testExecution(), passingReport(), goodVerdict(), defaultOptions())
	if !result.HardPass {
		t.Fatalf("expected hard pass: %+v", result.Violations)
	}
	if result.Fitness != 80 || result.JudgeScore != 80 {
		t.Fatalf("unexpected scores: fitness=%v judge=%v", result.Fitness, result.JudgeScore)
	}
	if result.ValidationConfidence != 1.0 {
		t.Fatalf("clean run should keep full confidence, got %v", result.ValidationConfidence)
	}
	if len(result.Violations) != 0 {
		t.Fatalf("unexpected violations: %v", result.Violations)
	}
}

func TestScoreZeroesFitnessWithoutProbePass(t *testing.T) {
	report := passingReport()
	report.HardPass = false
	result := Score(testExecution(), report, goodVerdict(), defaultOptions())
	if result.HardPass {
		t.Fatalf("probe failure must fail the hard gate")
	}
	if result.Fitness != 0 {
		t.Fatalf("fitness must be zero without hard pass, got %v", result.Fitness)
	}
	if result.JudgeScore != 80 {
		t.Fatalf("judge score should survive the zeroing, got %v", result.JudgeScore)
	}
}

func TestScoreMachineViolationPenalty(t *testing.T) {
	execution := testExecution()
	execution.Scenario.Turns = []string{"store", "[[NEW_SESSION]] recall"}
	execution.CommandTrace = []string{"python3 memoryctl.py append --file notes.md"}

	result := Score(execution, passingReport(), goodVerdict(), defaultOptions())
	if !hasViolation(result, "Memory commands did not target the scenario-specific filesystem root.") {
		t.Fatalf("missing root violation: %v", result.Violations)
	}
	if !hasViolation(result, "Scenario expected multiple sessions but runner stayed in a single session.") {
		t.Fatalf("missing session violation: %v", result.Violations)
	}
	if result.Fitness != 80-2*8 {
		t.Fatalf("expected penalty-adjusted fitness, got %v", result.Fitness)
	}
	if !result.HardPass {
		t.Fatalf("machine violations alone must not fail the hard gate")
	}
}

func TestScoreNoStoreCommandsStandsAlone(t *testing.T) {
	execution := testExecution()
	execution.Scenario.Turns = []string{"store", "[[NEW_SESSION]] recall"}
	execution.CommandTrace = []string{"ls -la"}

	result := Score(execution, passingReport(), goodVerdict(), defaultOptions())
	if len(result.Violations) != 1 || result.Violations[0] != "No memoryctl commands observed in command trace." {
		t.Fatalf("empty-trace violation must stand alone: %v", result.Violations)
	}
	if result.Fitness != 80-8 {
		t.Fatalf("unexpected fitness: %v", result.Fitness)
	}
}

func TestScoreLifecycleViolation(t *testing.T) {
	execution := testExecution()
	execution.CommandTrace = []string{
		"python3 memoryctl.py sync start --root /tmp/mem/case-a",
	}
	result := Score(execution, passingReport(), goodVerdict(), defaultOptions())
	if !hasViolation(result, "Lifecycle appears incomplete: sync start without sync stop.") {
		t.Fatalf("missing lifecycle violation: %v", result.Violations)
	}
}

func TestScoreHydrationHardFail(t *testing.T) {
	execution := testExecution()
	execution.ReadPaths = nil

	opts := defaultOptions()
	opts.EnforceHydration = true
	opts.HardFailMissing = true
	opts.MinimumSkillReads = 1
	opts.RequiredSkillPaths = []string{"skills/memory.md"}

	result := Score(execution, passingReport(), goodVerdict(), opts)
	if result.HardPass {
		t.Fatalf("missing hydration reads must fail the hard gate")
	}
	if result.Fitness != 0 {
		t.Fatalf("fitness must zero on hydration hard fail, got %v", result.Fitness)
	}
	if !hasViolation(result, "Missing required skill reads: skills/memory.md") {
		t.Fatalf("missing hydration violation: %v", result.Violations)
	}
	if !hasViolation(result, "Skill hydration read count below required minimum before execution.") {
		t.Fatalf("missing minimum-read violation: %v", result.Violations)
	}
}

func TestScoreHydrationSuffixMatch(t *testing.T) {
	execution := testExecution()
	execution.ReadPaths = []string{`C:\workspace\skills\memory.md`}

	opts := defaultOptions()
	opts.EnforceHydration = true
	opts.HardFailMissing = true
	opts.MinimumSkillReads = 1
	opts.RequiredSkillPaths = []string{"skills/memory.md"}

	result := Score(execution, passingReport(), goodVerdict(), opts)
	if !result.HardPass {
		t.Fatalf("normalized suffix match should satisfy hydration: %v", result.Violations)
	}
}

func TestScoreHeuristicFallbackFromProbeFacts(t *testing.T) {
	result := Score(testExecution(), passingReport(), judge.InvalidVerdict(), defaultOptions())
	// base 20 + clean 25 + no warnings 15 + health 15 + reads 10 + root commands 10
	if result.JudgeScore != 95 {
		t.Fatalf("unexpected heuristic score: %v", result.JudgeScore)
	}
	for _, key := range judge.Dimensions {
		if result.Dimensions[key] != 95 {
			t.Fatalf("dimension %s not set by heuristic: %v", key, result.Dimensions[key])
		}
	}
	if !result.HardPass {
		t.Fatalf("heuristic must clear judge hard failures: %+v", result)
	}
	found := false
	for _, strength := range result.Strengths {
		if strings.Contains(strength, "Deterministic fallback scoring") {
			found = true
		}
	}
	if !found {
		t.Fatalf("fallback note missing: %v", result.Strengths)
	}
}

func TestScoreUnavailabilityDeductions(t *testing.T) {
	execution := testExecution()
	execution.ProviderBlocked = true
	execution.FallbackOnly = true
	execution.FallbackUsed = true
	execution.BlockReasons = []string{"quota exceeded"}

	verdict := goodVerdict()
	verdict.Overall = 90
	for key := range verdict.Dimensions {
		verdict.Dimensions[key] = 90
	}

	result := Score(execution, passingReport(), verdict, defaultOptions())
	if result.JudgeScore != 10 { // 90 - 45 - 35
		t.Fatalf("unexpected deducted score: %v", result.JudgeScore)
	}
	for key, value := range result.Dimensions {
		if value != 10 {
			t.Fatalf("dimension %s not deducted: %v", key, value)
		}
	}
	want := 0.25 * 0.45
	if diff := result.ValidationConfidence - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("unexpected confidence: %v", result.ValidationConfidence)
	}
	if !result.FallbackUsed || !result.ProviderBlocked {
		t.Fatalf("availability flags dropped: %+v", result)
	}
	if len(result.ProviderBlockReasons) != 1 {
		t.Fatalf("block reasons dropped: %v", result.ProviderBlockReasons)
	}
}

func TestScorePartialFallbackDeduction(t *testing.T) {
	execution := testExecution()
	execution.FallbackUsed = true

	result := Score(execution, passingReport(), goodVerdict(), defaultOptions())
	if result.JudgeScore != 65 { // 80 - 15
		t.Fatalf("unexpected partial-fallback score: %v", result.JudgeScore)
	}
	want := 0.75
	if diff := result.ValidationConfidence - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("unexpected confidence: %v", result.ValidationConfidence)
	}
}

func TestAggregate(t *testing.T) {
	mean, rate := Aggregate(nil)
	if mean != 0 || rate != 0 {
		t.Fatalf("empty aggregate should be zero, got %v %v", mean, rate)
	}
	results := []Result{
		{Fitness: 80, HardPass: true},
		{Fitness: 0, HardPass: false},
		{Fitness: 40, HardPass: true},
	}
	mean, rate = Aggregate(results)
	if mean != 40 {
		t.Fatalf("unexpected mean fitness: %v", mean)
	}
	if diff := rate - 2.0/3.0; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("unexpected hard rate: %v", rate)
	}
}

// #endregion tests
