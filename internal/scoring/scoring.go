// Package scoring turns one execution, its probe report, and a judge
// verdict into a normalized immutable result: machine policy checks,
// heuristic fallback scoring for unreliable verdicts, unavailability
// deductions, and the hard-pass/fitness invariant.
package scoring

// #region imports
import (
	"fmt"
	"strings"

	"github.com/danielpatrickdp/evoloop/internal/config"
	"github.com/danielpatrickdp/evoloop/internal/judge"
	"github.com/danielpatrickdp/evoloop/internal/probe"
	"github.com/danielpatrickdp/evoloop/internal/runner"
	"github.com/danielpatrickdp/evoloop/internal/scenario"
)

// #endregion imports

// #region types

// Confidence factors for runs that were not genuinely exercised. They mark
// reliability, not quality; the point deductions in config mark quality.
const (
	providerBlockedConfidence = 0.25
	fallbackOnlyConfidence    = 0.45
	fallbackUsedConfidence    = 0.75
)

const fallbackScoringNote = "Deterministic fallback scoring applied from machine-verifiable probe signals."

// Result is the normalized score record for one scenario execution. Fitness
// is 0 whenever HardPass is false.
type Result struct {
	ScenarioID           string             `json:"scenario_id"`
	Partition            scenario.Partition `json:"partition"`
	Epoch                int                `json:"epoch"`
	MemoryRoot           string             `json:"memory_root"`
	SessionID            string             `json:"session_id"`
	HardPass             bool               `json:"hard_pass"`
	Fitness              float64            `json:"fitness"`
	JudgeScore           float64            `json:"judge_score"`
	Dimensions           map[string]float64 `json:"dimensions"`
	Violations           []string           `json:"violations"`
	Strengths            []string           `json:"strengths"`
	NextFocus            []string           `json:"next_focus"`
	Probe                probe.Report       `json:"probe"`
	CommandTrace         []string           `json:"command_trace"`
	ArtifactDir          string             `json:"artifact_dir"`
	FallbackUsed         bool               `json:"fallback_used"`
	ProviderBlocked      bool               `json:"provider_blocked"`
	ProviderBlockReasons []string           `json:"provider_block_reasons"`
	ValidationConfidence float64            `json:"validation_confidence"`
}

// Options carry the policy knobs for scoring one execution.
type Options struct {
	// StoreMarker identifies qualifying store commands in the trace, e.g.
	// "memoryctl.py".
	StoreMarker        string
	RequiredSkillPaths []string
	MinimumSkillReads  int
	EnforceHydration   bool
	HardFailMissing    bool
	Weights            config.ScoringConfig
}

// #endregion types

// #region score

// Score is a pure function of its inputs; it never re-runs the agent.
func Score(execution runner.Execution, report probe.Report, verdict judge.Verdict, opts Options) Result {
	if verdict.Invalid || len(verdict.Dimensions) == 0 {
		verdict = heuristicVerdict(verdict, execution, report, opts.StoreMarker)
	}

	dimensions := normalizeDimensions(verdict.Dimensions)
	judgeScore := verdict.Overall
	violations := append([]string{}, verdict.Violations...)
	strengths := append([]string{}, verdict.Strengths...)
	nextFocus := append([]string{}, verdict.NextFocus...)

	confidence := 1.0
	deduction := 0.0
	if execution.ProviderBlocked {
		deduction += opts.Weights.ProviderBlockedPenalty
		confidence *= providerBlockedConfidence
	}
	if execution.FallbackOnly {
		deduction += opts.Weights.FallbackOnlyPenalty
		confidence *= fallbackOnlyConfidence
	} else if execution.FallbackUsed {
		deduction += opts.Weights.FallbackUsedPenalty
		confidence *= fallbackUsedConfidence
	}
	if deduction > 0 {
		judgeScore = floorZero(judgeScore - deduction)
		for key, value := range dimensions {
			dimensions[key] = floorZero(value - deduction)
		}
	}
	confidence = clamp01(confidence)

	machine, hydrationFail := machineViolations(execution, opts)
	hardPass := report.HardPass && len(verdict.HardFailures) == 0 && !hydrationFail
	violations = append(violations, machine...)

	fitness := floorZero(judgeScore - opts.Weights.ViolationPenalty*float64(len(machine)))
	if !hardPass {
		fitness = 0
	}

	return Result{
		ScenarioID:           execution.Scenario.ID,
		Partition:            execution.Partition,
		Epoch:                execution.Epoch,
		MemoryRoot:           execution.MemoryRoot,
		SessionID:            execution.SessionID,
		HardPass:             hardPass,
		Fitness:              fitness,
		JudgeScore:           judgeScore,
		Dimensions:           dimensions,
		Violations:           violations,
		Strengths:            strengths,
		NextFocus:            nextFocus,
		Probe:                report,
		CommandTrace:         append([]string{}, execution.CommandTrace...),
		ArtifactDir:          execution.ArtifactDir,
		FallbackUsed:         execution.FallbackUsed || execution.FallbackOnly,
		ProviderBlocked:      execution.ProviderBlocked,
		ProviderBlockReasons: append([]string{}, execution.BlockReasons...),
		ValidationConfidence: confidence,
	}
}

// heuristicVerdict rebuilds an unreliable verdict from machine-verifiable
// facts only. The judge's prose is never trusted for numbers.
func heuristicVerdict(verdict judge.Verdict, execution runner.Execution, report probe.Report, marker string) judge.Verdict {
	value := 20.0
	if report.ValidateClean() {
		value += 25
	}
	if report.WarningCount() == 0 {
		value += 15
	}
	if health := report.Health(); health >= 0.8 {
		value += 15
	} else if health >= 0.5 {
		value += 7
	}
	if len(execution.ReadPaths) > 0 {
		value += 10
	}
	if countRootQualified(execution.CommandTrace, execution.MemoryRoot, marker) > 0 {
		value += 10
	}
	if value > 100 {
		value = 100
	}

	dimensions := make(map[string]float64, len(judge.Dimensions))
	for _, key := range judge.Dimensions {
		dimensions[key] = value
	}
	verdict.Overall = value
	verdict.Dimensions = dimensions
	verdict.HardFailures = []string{}
	verdict.Strengths = append(append([]string{}, verdict.Strengths...), fallbackScoringNote)
	return verdict
}

// #endregion score

// #region machine-checks

// machineViolations applies the judge-independent policy checks. When no
// store commands ran at all, that single violation stands alone: the other
// checks presuppose an observed trace.
func machineViolations(execution runner.Execution, opts Options) (violations []string, hydrationFail bool) {
	storeCommands := filterStoreCommands(execution.CommandTrace, opts.StoreMarker)
	if len(storeCommands) == 0 {
		return []string{"No memoryctl commands observed in command trace."}, false
	}

	if countRootQualified(storeCommands, execution.MemoryRoot, opts.StoreMarker) == 0 {
		violations = append(violations, "Memory commands did not target the scenario-specific filesystem root.")
	}

	joined := strings.Join(storeCommands, " ")
	if strings.Contains(joined, " sync start") && !strings.Contains(joined, " sync stop") {
		violations = append(violations, "Lifecycle appears incomplete: sync start without sync stop.")
	}

	if scenario.ExpectsMultiSession(execution.Scenario.Turns) && len(execution.SessionIDs) < 2 {
		violations = append(violations, "Scenario expected multiple sessions but runner stayed in a single session.")
	}

	if opts.EnforceHydration {
		minimum := opts.MinimumSkillReads
		if minimum < 0 {
			minimum = 0
		}
		if len(execution.ReadPaths) < minimum {
			violations = append(violations, "Skill hydration read count below required minimum before execution.")
			if opts.HardFailMissing {
				hydrationFail = true
			}
		}

		var missing []string
		for _, required := range opts.RequiredSkillPaths {
			if !anyPathMatches(execution.ReadPaths, required) {
				missing = append(missing, required)
			}
		}
		if len(missing) > 0 {
			violations = append(violations, "Missing required skill reads: "+strings.Join(missing, ", "))
			if opts.HardFailMissing {
				hydrationFail = true
			}
		}
	}
	return violations, hydrationFail
}

func filterStoreCommands(trace []string, marker string) []string {
	matched := make([]string, 0, len(trace))
	for _, command := range trace {
		if strings.Contains(command, marker) {
			matched = append(matched, command)
		}
	}
	return matched
}

func countRootQualified(commands []string, memoryRoot, marker string) int {
	normalizedRoot := normalizeCLIText(memoryRoot)
	count := 0
	for _, command := range commands {
		if !strings.Contains(command, marker) {
			continue
		}
		if strings.Contains(command, "--root") && strings.Contains(normalizeCLIText(command), normalizedRoot) {
			count++
		}
	}
	return count
}

func anyPathMatches(observed []string, required string) bool {
	requiredNorm := strings.ReplaceAll(required, "\\", "/")
	for _, path := range observed {
		if strings.HasSuffix(strings.ReplaceAll(path, "\\", "/"), requiredNorm) {
			return true
		}
	}
	return false
}

func normalizeCLIText(value string) string {
	return strings.ReplaceAll(strings.ReplaceAll(value, "\\", "/"), `"`, "")
}

// #endregion machine-checks

// #region aggregate

// Aggregate returns the mean fitness and hard-pass rate of a result set.
func Aggregate(results []Result) (meanFitness, hardPassRate float64) {
	if len(results) == 0 {
		return 0, 0
	}
	total := 0.0
	hard := 0
	for _, item := range results {
		total += item.Fitness
		if item.HardPass {
			hard++
		}
	}
	return total / float64(len(results)), float64(hard) / float64(len(results))
}

// #endregion aggregate

// #region helpers

func normalizeDimensions(payload map[string]float64) map[string]float64 {
	normalized := make(map[string]float64, len(judge.Dimensions))
	for _, key := range judge.Dimensions {
		normalized[key] = payload[key]
	}
	return normalized
}

func floorZero(value float64) float64 {
	if value < 0 {
		return 0
	}
	return value
}

func clamp01(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// String implements a compact log form used by progress records.
func (r Result) String() string {
	return fmt.Sprintf("%s[%s] hard_pass=%t fitness=%.1f", r.ScenarioID, r.Partition, r.HardPass, r.Fitness)
}

// #endregion helpers
