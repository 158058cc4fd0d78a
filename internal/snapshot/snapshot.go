// Package snapshot aggregates one evaluation pass into an immutable record:
// partition scores, objective metrics, skill-policy coverage of the live
// artifact, and the failure material later passes mine for keywords.
package snapshot

// #region imports
import (
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/danielpatrickdp/evoloop/internal/judge"
	"github.com/danielpatrickdp/evoloop/internal/scenario"
	"github.com/danielpatrickdp/evoloop/internal/scoring"
)

// #endregion imports

// #region types

// Label names the role of one evaluation pass within an epoch.
type Label string

const (
	LabelBaseline           Label = "baseline"
	LabelControl            Label = "control"
	LabelCandidate          Label = "candidate"
	LabelControlRuntimeLane Label = "control-runtime-lane"
)

// Snapshot is one completed evaluation pass. Never mutated after Build.
type Snapshot struct {
	Epoch        int              `json:"epoch"`
	Label        Label            `json:"label"`
	TrainScore   float64          `json:"train_score"`
	HoldoutScore float64          `json:"holdout_score"`
	HardPassRate float64          `json:"hard_pass_rate"`
	Results      []scoring.Result `json:"scenario_results"`

	// Objectives covers all results; the partition maps cover one each.
	// Skill-policy metrics are merged into all three.
	Objectives        map[string]float64 `json:"objective_metrics"`
	TrainObjectives   map[string]float64 `json:"train_objective_metrics"`
	HoldoutObjectives map[string]float64 `json:"holdout_objective_metrics"`

	Summary map[string]any `json:"summary"`
}

// Failure is the compact record of one unsatisfying result, fed to the
// synthesizer and the reinforcement fallback.
type Failure struct {
	ScenarioID string   `json:"scenario_id"`
	Fitness    float64  `json:"fitness"`
	HardPass   bool     `json:"hard_pass"`
	Violations []string `json:"violations"`
	NextFocus  []string `json:"next_focus"`
}

// #endregion types

// #region build

// Build aggregates one evaluation pass. workspaceRoot and skillPaths feed
// the skill-policy coverage scan of the live artifact files.
func Build(epoch int, label Label, trainResults, holdoutResults []scoring.Result, workspaceRoot string, skillPaths []string) Snapshot {
	trainScore, trainHard := scoring.Aggregate(trainResults)
	holdoutScore, holdoutHard := scoring.Aggregate(holdoutResults)

	all := make([]scoring.Result, 0, len(trainResults)+len(holdoutResults))
	all = append(all, trainResults...)
	all = append(all, holdoutResults...)
	_, hardRate := scoring.Aggregate(all)

	objectives := ObjectiveMetrics(all)
	trainObjectives := ObjectiveMetrics(trainResults)
	holdoutObjectives := ObjectiveMetrics(holdoutResults)
	policy := SkillPolicyMetrics(workspaceRoot, skillPaths)
	for key, value := range policy {
		objectives[key] = value
		trainObjectives[key] = value
		holdoutObjectives[key] = value
	}

	judgeTotal := 0.0
	violations := map[string][]string{}
	nextFocus := map[string][]string{}
	for _, item := range all {
		judgeTotal += item.JudgeScore
		if len(item.Violations) > 0 {
			violations[item.ScenarioID] = item.Violations
		}
		if len(item.NextFocus) > 0 {
			nextFocus[item.ScenarioID] = item.NextFocus
		}
	}
	meanJudge := 0.0
	if len(all) > 0 {
		meanJudge = judgeTotal / float64(len(all))
	}

	summary := map[string]any{
		"epoch":             epoch,
		"label":             string(label),
		"train_scenarios":   resultIDs(trainResults),
		"holdout_scenarios": resultIDs(holdoutResults),
		"train_score":       trainScore,
		"holdout_score":     holdoutScore,
		"hard_pass_rate":    hardRate,
		"mean_judge_score":  meanJudge,
		"violations":        violations,
		"next_focus":        nextFocus,
		"partition_hard_pass_rate": map[string]float64{
			"train":   trainHard,
			"holdout": holdoutHard,
		},
		"objective_metrics": objectives,
		"partition_objective_metrics": map[string]map[string]float64{
			"train":   trainObjectives,
			"holdout": holdoutObjectives,
		},
	}

	return Snapshot{
		Epoch:             epoch,
		Label:             label,
		TrainScore:        trainScore,
		HoldoutScore:      holdoutScore,
		HardPassRate:      hardRate,
		Results:           all,
		Objectives:        objectives,
		TrainObjectives:   trainObjectives,
		HoldoutObjectives: holdoutObjectives,
		Summary:           summary,
	}
}

// Objective reads one aggregate metric with a fallback for absent keys.
func (s Snapshot) Objective(key string, fallback float64) float64 {
	if value, ok := s.Objectives[key]; ok {
		return value
	}
	return fallback
}

func resultIDs(results []scoring.Result) []string {
	ids := make([]string, 0, len(results))
	for _, item := range results {
		ids = append(ids, item.ScenarioID)
	}
	return ids
}

// #endregion build

// #region objective-metrics

// ObjectiveMetrics derives the per-pass objective map from a result list.
// The empty case pins every tracked key to zero so delta math never sees a
// missing metric.
func ObjectiveMetrics(results []scoring.Result) map[string]float64 {
	if len(results) == 0 {
		empty := map[string]float64{
			"hard_pass_rate":             0,
			"validate_clean_rate":        0,
			"fallback_usage_rate":        0,
			"effective_autonomy_rate":    0,
			"provider_blocked_rate":      0,
			"validation_confidence_mean": 0,
			"memory_correctness_score":   0,
			"core_complexity_mean":       0,
		}
		for _, dimension := range judge.Dimensions {
			empty[dimension+"_mean"] = 0
		}
		return empty
	}

	total := float64(len(results))
	hardCount := 0
	fallbackCount := 0
	blockedCount := 0
	confidenceTotal := 0.0
	validateCleanCount := 0
	for _, item := range results {
		if item.HardPass {
			hardCount++
		}
		if item.FallbackUsed {
			fallbackCount++
		}
		if item.ProviderBlocked {
			blockedCount++
		}
		confidenceTotal += item.ValidationConfidence
		if item.Probe.ValidateClean() {
			validateCleanCount++
		}
	}

	metrics := map[string]float64{
		"hard_pass_rate":             float64(hardCount) / total,
		"validate_clean_rate":        float64(validateCleanCount) / total,
		"fallback_usage_rate":        float64(fallbackCount) / total,
		"provider_blocked_rate":      float64(blockedCount) / total,
		"validation_confidence_mean": confidenceTotal / total,
	}
	autonomy := 1 - metrics["fallback_usage_rate"]
	if autonomy < 0 {
		autonomy = 0
	}
	metrics["effective_autonomy_rate"] = autonomy

	for _, dimension := range judge.Dimensions {
		dimTotal := 0.0
		for _, item := range results {
			dimTotal += item.Dimensions[dimension]
		}
		metrics[dimension+"_mean"] = dimTotal / total
	}
	metrics["core_complexity_mean"] = (metrics["diachronic_mean"] + metrics["synchronic_mean"]) / 2
	metrics["memory_correctness_score"] = 100 * (0.6*metrics["hard_pass_rate"] + 0.4*metrics["validate_clean_rate"])
	return metrics
}

// #endregion objective-metrics

// #region skill-policy

// policyAnchors maps each policy concern to the phrases that indicate the
// skill corpus still covers it.
var policyAnchors = map[string][]string{
	"memory_correctness": {"memory correctness", "append-only", "validate --strict", "integrity"},
	"memory_relevance":   {"salience", "confidence", "distill", "decision"},
	"diachronic":         {"diachronic", "resume", "checkpoint", "handoff"},
	"synchronic":         {"synchronic", "conflict", "reconcile", "lease"},
	"self_evolution":     {"diagnose", "optimize", "governance", "evolution"},
}

// SkillPolicyMetrics scans the live skill files for anchor-phrase coverage.
// Missing or unreadable files lower path coverage instead of failing.
func SkillPolicyMetrics(workspaceRoot string, skillPaths []string) map[string]float64 {
	if len(skillPaths) == 0 {
		return map[string]float64{
			"skill_policy_score":           0,
			"skill_path_coverage":          0,
			"skill_policy_anchor_coverage": 0,
		}
	}

	loaded := 0
	var corpusChunks []string
	for _, relPath := range skillPaths {
		data, err := os.ReadFile(filepath.Join(workspaceRoot, relPath))
		if err != nil {
			continue
		}
		corpusChunks = append(corpusChunks, strings.ToLower(string(data)))
		loaded++
	}
	corpus := strings.Join(corpusChunks, "\n")

	anchorHits := 0
	for _, terms := range policyAnchors {
		for _, term := range terms {
			if strings.Contains(corpus, term) {
				anchorHits++
				break
			}
		}
	}

	pathCoverage := float64(loaded) / float64(len(skillPaths))
	anchorCoverage := float64(anchorHits) / float64(len(policyAnchors))
	score := 100 * (0.8*anchorCoverage + 0.2*pathCoverage)

	return map[string]float64{
		"skill_policy_score":           round(score, 3),
		"skill_path_coverage":          round(pathCoverage, 6),
		"skill_policy_anchor_coverage": round(anchorCoverage, 6),
	}
}

func round(value float64, places int) float64 {
	factor := math.Pow(10, float64(places))
	return math.Round(value*factor) / factor
}

// #endregion skill-policy

// #region failures

// RecentFailures picks the unsatisfying results of one partition: anything
// that missed the hard gate or scored 80 or below.
func RecentFailures(results []scoring.Result, partition scenario.Partition) []Failure {
	var failures []Failure
	for _, item := range results {
		if item.Partition != partition {
			continue
		}
		if item.HardPass && item.Fitness > 80 {
			continue
		}
		failures = append(failures, Failure{
			ScenarioID: item.ScenarioID,
			Fitness:    item.Fitness,
			HardPass:   item.HardPass,
			Violations: item.Violations,
			NextFocus:  item.NextFocus,
		})
	}
	return failures
}

// keywordPattern keeps tokens of five or more characters; shorter ones are
// connective noise in violation prose.
var keywordPattern = regexp.MustCompile(`[a-zA-Z][a-zA-Z0-9_-]{4,}`)

// keywordStopWords drops loop vocabulary that appears in almost every
// violation and would dominate any frequency ranking.
var keywordStopWords = map[string]bool{
	"about": true, "after": true, "again": true, "before": true,
	"candidate": true, "continue": true, "contract": true, "execution": true,
	"fallback": true, "focus": true, "improve": true, "memory": true,
	"provider": true, "restore": true, "runner": true, "scenario": true,
	"score": true, "should": true, "strict": true, "through": true,
	"using": true, "without": true,
}

// FailureKeywords ranks the recurring tokens of recent failure text: count
// descending, then token ascending, capped at 24.
func FailureKeywords(failures []Failure) []string {
	counts := map[string]int{}
	for _, item := range failures {
		chunks := make([]string, 0, len(item.Violations)+len(item.NextFocus))
		chunks = append(chunks, item.Violations...)
		chunks = append(chunks, item.NextFocus...)
		for _, chunk := range chunks {
			for _, token := range keywordPattern.FindAllString(strings.ToLower(chunk), -1) {
				if keywordStopWords[token] {
					continue
				}
				counts[token]++
			}
		}
	}

	tokens := make([]string, 0, len(counts))
	for token := range counts {
		tokens = append(tokens, token)
	}
	sort.Slice(tokens, func(i, j int) bool {
		if counts[tokens[i]] != counts[tokens[j]] {
			return counts[tokens[i]] > counts[tokens[j]]
		}
		return tokens[i] < tokens[j]
	})
	if len(tokens) > 24 {
		tokens = tokens[:24]
	}
	return tokens
}

// #endregion failures
