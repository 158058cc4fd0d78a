package config

// #region imports
import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// #endregion imports

// #region root-config

// Config is the full run configuration. One immutable value is threaded
// through the loop; nothing reads configuration from process globals.
type Config struct {
	Project string `yaml:"project" json:"project"`
	Scope   string `yaml:"scope" json:"scope"`

	MaxEpochs           int  `yaml:"max_epochs" json:"max_epochs"`
	MaxStagnantEpochs   int  `yaml:"max_stagnant_epochs" json:"max_stagnant_epochs"`
	MaxWallSeconds      int  `yaml:"max_wall_seconds" json:"max_wall_seconds"`
	Continuous          bool `yaml:"continuous" json:"continuous"`
	ContinuousMaxEpochs int  `yaml:"continuous_max_epochs" json:"continuous_max_epochs"`

	StopFile      string `yaml:"stop_file" json:"stop_file"`
	ArtifactRoot  string `yaml:"artifact_root" json:"artifact_root"`
	MemoryRunRoot string `yaml:"memory_run_root" json:"memory_run_root"`

	TrainScenariosGlob   string `yaml:"train_scenarios_glob" json:"train_scenarios_glob"`
	HoldoutScenariosGlob string `yaml:"holdout_scenarios_glob" json:"holdout_scenarios_glob"`

	// SkillPaths are the workspace-relative policy artifact surfaces shown to
	// the agent and watched by the decision engine.
	SkillPaths []string `yaml:"skill_paths" json:"skill_paths"`

	QualityGateCommands       []string `yaml:"quality_gate_commands" json:"quality_gate_commands"`
	QualityGateTimeoutSeconds int      `yaml:"quality_gate_timeout_seconds" json:"quality_gate_timeout_seconds"`

	// PromptRoot holds the four role contract files (runner_contract.md,
	// judge_contract.md, mutator_contract.md, scenario_synthesizer_contract.md).
	PromptRoot string `yaml:"prompt_root" json:"prompt_root"`

	// ProbeCommand is the argv prefix for the memory store CLI.
	ProbeCommand []string `yaml:"probe_command" json:"probe_command"`

	ExportSessions     bool `yaml:"export_sessions" json:"export_sessions"`
	RunnerFallbackOnly bool `yaml:"runner_fallback_only" json:"runner_fallback_only"`
	HeartbeatSeconds   int  `yaml:"heartbeat_seconds" json:"heartbeat_seconds"`

	Runner      AgentConfig `yaml:"runner" json:"runner"`
	Judge       AgentConfig `yaml:"judge" json:"judge"`
	Mutator     AgentConfig `yaml:"mutator" json:"mutator"`
	Synthesizer AgentConfig `yaml:"synthesizer" json:"synthesizer"`

	Mutation   MutationConfig   `yaml:"mutation" json:"mutation"`
	Batch      BatchConfig      `yaml:"batch" json:"batch"`
	Scoring    ScoringConfig    `yaml:"scoring" json:"scoring"`
	Objectives ObjectivesConfig `yaml:"objectives" json:"objectives"`

	RuntimeLane RuntimeLaneConfig `yaml:"runtime_lane" json:"runtime_lane"`
	Hydration   HydrationConfig   `yaml:"skill_hydration" json:"skill_hydration"`
	Synthesis   SynthesisConfig   `yaml:"synthesis" json:"synthesis"`
}

// #endregion root-config

// #region agent-config

// AgentConfig selects the agent profile for one collaborator role.
type AgentConfig struct {
	Agent          string `yaml:"agent" json:"agent"`
	Model          string `yaml:"model" json:"model"`
	Variant        string `yaml:"variant" json:"variant"`
	Thinking       bool   `yaml:"thinking" json:"thinking"`
	TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// DefaultAgentConfig returns the default agent profile for a role.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		Agent:          "build",
		TimeoutSeconds: 45,
	}
}

// #endregion agent-config

// #region mutation-config

// MutationConfig bounds what a single proposal may change.
type MutationConfig struct {
	Enabled                    bool     `yaml:"enabled" json:"enabled"`
	MaxOperations              int      `yaml:"max_operations" json:"max_operations"`
	AllowPaths                 []string `yaml:"allow_paths" json:"allow_paths"`
	DenyPaths                  []string `yaml:"deny_paths" json:"deny_paths"`
	RequireImprovement         float64  `yaml:"require_improvement" json:"require_improvement"`
	HoldoutRegressionTolerance float64  `yaml:"holdout_regression_tolerance" json:"holdout_regression_tolerance"`
}

// DefaultMutationConfig returns mutation bounds for a cautious run.
func DefaultMutationConfig() MutationConfig {
	return MutationConfig{
		Enabled:                    true,
		MaxOperations:              3,
		RequireImprovement:         0.5,
		HoldoutRegressionTolerance: 0.0,
	}
}

// #endregion mutation-config

// #region batch-config

// BatchConfig controls per-epoch batch sampling.
type BatchConfig struct {
	TrainBatchSize   int   `yaml:"train_batch_size" json:"train_batch_size"`
	HoldoutBatchSize int   `yaml:"holdout_batch_size" json:"holdout_batch_size"`
	RandomSeed       int64 `yaml:"random_seed" json:"random_seed"`
}

// DefaultBatchConfig returns small deterministic batches.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		TrainBatchSize:   2,
		HoldoutBatchSize: 1,
		RandomSeed:       7,
	}
}

// #endregion batch-config

// #region scoring-config

// ScoringConfig exposes the hand-tuned score deductions. They are
// configuration, not literals: runs may re-weight them without a rebuild.
type ScoringConfig struct {
	// ViolationPenalty is multiplied by the machine policy violation count
	// and subtracted from the judge score before the hard-pass zeroing.
	ViolationPenalty float64 `yaml:"violation_penalty" json:"violation_penalty"`
	// Flat deductions applied to the overall score and every dimension when
	// the execution was not genuinely exercised.
	ProviderBlockedPenalty float64 `yaml:"provider_blocked_penalty" json:"provider_blocked_penalty"`
	FallbackOnlyPenalty    float64 `yaml:"fallback_only_penalty" json:"fallback_only_penalty"`
	FallbackUsedPenalty    float64 `yaml:"fallback_used_penalty" json:"fallback_used_penalty"`
}

// DefaultScoringConfig returns the tuned deduction weights.
func DefaultScoringConfig() ScoringConfig {
	return ScoringConfig{
		ViolationPenalty:       8.0,
		ProviderBlockedPenalty: 45.0,
		FallbackOnlyPenalty:    35.0,
		FallbackUsedPenalty:    15.0,
	}
}

// #endregion scoring-config

// #region objectives-config

// ObjectivesConfig holds the decision-engine thresholds and the
// provider-blocked escalation policy.
type ObjectivesConfig struct {
	RequireObjectiveGain    bool    `yaml:"require_objective_gain" json:"require_objective_gain"`
	MinDimensionImprovement float64 `yaml:"min_dimension_improvement" json:"min_dimension_improvement"`
	MaxDimensionRegression  float64 `yaml:"max_dimension_regression" json:"max_dimension_regression"`
	MinFallbackReduction    float64 `yaml:"min_fallback_reduction" json:"min_fallback_reduction"`
	MaxFallbackIncrease     float64 `yaml:"max_fallback_increase" json:"max_fallback_increase"`

	StopWhenProviderBlocked       bool    `yaml:"stop_when_provider_blocked" json:"stop_when_provider_blocked"`
	ContinueOnProviderBlocked     bool    `yaml:"continue_on_provider_blocked" json:"continue_on_provider_blocked"`
	ProviderBlockedStopRate       float64 `yaml:"provider_blocked_stop_rate" json:"provider_blocked_stop_rate"`
	ProviderBlockedGraceSnapshots int     `yaml:"provider_blocked_grace_snapshots" json:"provider_blocked_grace_snapshots"`

	AllowProvisionalAcceptance  bool    `yaml:"allow_provisional_acceptance" json:"allow_provisional_acceptance"`
	MaxProvisionalAcceptsPerRun int     `yaml:"max_provisional_accepts_per_run" json:"max_provisional_accepts_per_run"`
	MinFailureAlignmentScore    float64 `yaml:"min_failure_alignment_score" json:"min_failure_alignment_score"`

	ProvisionalConfirmMaxProviderBlockedRate  float64 `yaml:"provisional_confirm_max_provider_blocked_rate" json:"provisional_confirm_max_provider_blocked_rate"`
	ProvisionalConfirmMinValidationConfidence float64 `yaml:"provisional_confirm_min_validation_confidence" json:"provisional_confirm_min_validation_confidence"`
	ProvisionalConfirmMinHardPassRate         float64 `yaml:"provisional_confirm_min_hard_pass_rate" json:"provisional_confirm_min_hard_pass_rate"`
}

// DefaultObjectivesConfig returns the tuned gating thresholds.
func DefaultObjectivesConfig() ObjectivesConfig {
	return ObjectivesConfig{
		RequireObjectiveGain:    true,
		MinDimensionImprovement: 0.5,
		MaxDimensionRegression:  1.0,
		MinFallbackReduction:    0.05,
		MaxFallbackIncrease:     0.0,

		StopWhenProviderBlocked:       true,
		ContinueOnProviderBlocked:     false,
		ProviderBlockedStopRate:       0.5,
		ProviderBlockedGraceSnapshots: 1,

		AllowProvisionalAcceptance:  true,
		MaxProvisionalAcceptsPerRun: 2,
		MinFailureAlignmentScore:    0.25,

		ProvisionalConfirmMaxProviderBlockedRate:  0.0,
		ProvisionalConfirmMinValidationConfidence: 0.75,
		ProvisionalConfirmMinHardPassRate:         1.0,
	}
}

// #endregion objectives-config

// #region runtime-lane-config

// RuntimeLaneConfig declares higher-blast-radius paths that demand a
// stronger baseline and a larger improvement delta.
type RuntimeLaneConfig struct {
	Enabled             bool     `yaml:"enabled" json:"enabled"`
	Paths               []string `yaml:"paths" json:"paths"`
	ExtraGateCommands   []string `yaml:"extra_gate_commands" json:"extra_gate_commands"`
	MinImprovement      float64  `yaml:"min_improvement" json:"min_improvement"`
	ForceFullEvaluation bool     `yaml:"force_full_evaluation" json:"force_full_evaluation"`
}

// DefaultRuntimeLaneConfig returns a disabled runtime lane.
func DefaultRuntimeLaneConfig() RuntimeLaneConfig {
	return RuntimeLaneConfig{
		MinImprovement:      1.5,
		ForceFullEvaluation: true,
	}
}

// #endregion runtime-lane-config

// #region hydration-config

// HydrationConfig is the skill-hydration requirement: which artifact paths
// must be read before an execution counts as genuinely informed.
type HydrationConfig struct {
	Enforce         bool     `yaml:"enforce" json:"enforce"`
	RequiredPaths   []string `yaml:"required_paths" json:"required_paths"`
	MinimumReads    int      `yaml:"minimum_reads" json:"minimum_reads"`
	HardFailMissing bool     `yaml:"hard_fail_missing" json:"hard_fail_missing"`
}

// DefaultHydrationConfig returns enforcement with a single required read.
func DefaultHydrationConfig() HydrationConfig {
	return HydrationConfig{
		Enforce:         true,
		MinimumReads:    1,
		HardFailMissing: true,
	}
}

// #endregion hydration-config

// #region synthesis-config

// SynthesisConfig controls per-epoch scenario generation. MinTurns,
// MaxTurns, and MaxDifficulty bound what a generated scenario may look
// like regardless of what the synthesizer agent returns.
type SynthesisConfig struct {
	Enabled         bool `yaml:"enabled" json:"enabled"`
	PerEpochTrain   int  `yaml:"per_epoch_train" json:"per_epoch_train"`
	PerEpochHoldout int  `yaml:"per_epoch_holdout" json:"per_epoch_holdout"`
	MinTurns        int  `yaml:"min_turns" json:"min_turns"`
	MaxTurns        int  `yaml:"max_turns" json:"max_turns"`
	MaxDifficulty   int  `yaml:"max_difficulty" json:"max_difficulty"`
}

// DefaultSynthesisConfig returns synthesis disabled.
func DefaultSynthesisConfig() SynthesisConfig {
	return SynthesisConfig{
		PerEpochTrain:   1,
		PerEpochHoldout: 0,
		MinTurns:        2,
		MaxTurns:        8,
		MaxDifficulty:   5,
	}
}

// #endregion synthesis-config

// #region defaults

// Default returns a Config with every tunable at its tuned default.
// Project, scope, skill paths, and mutation allow paths have no sane
// defaults and must come from the file.
func Default() Config {
	return Config{
		MaxEpochs:                 20,
		MaxStagnantEpochs:         6,
		StopFile:                  ".evoloop/STOP",
		ArtifactRoot:              "artifacts/evoloop",
		MemoryRunRoot:             ".evoloop/memruns",
		TrainScenariosGlob:        "bench/scenarios/train/*.json",
		HoldoutScenariosGlob:      "bench/scenarios/holdout/*.json",
		QualityGateTimeoutSeconds: 300,
		PromptRoot:                "prompts",
		ProbeCommand:              []string{"python3", ".opencode/skills/diasync-memory/scripts/memoryctl.py"},
		ExportSessions:            true,
		HeartbeatSeconds:          20,
		Runner:                    DefaultAgentConfig(),
		Judge:                     DefaultAgentConfig(),
		Mutator:                   DefaultAgentConfig(),
		Synthesizer:               DefaultAgentConfig(),
		Mutation:                  DefaultMutationConfig(),
		Batch:                     DefaultBatchConfig(),
		Scoring:                   DefaultScoringConfig(),
		Objectives:                DefaultObjectivesConfig(),
		RuntimeLane:               DefaultRuntimeLaneConfig(),
		Hydration:                 DefaultHydrationConfig(),
		Synthesis:                 DefaultSynthesisConfig(),
	}
}

// #endregion defaults

// #region load

// Load reads a YAML config file over the defaults. Unknown keys are
// rejected so a typo cannot silently disable a gate.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations the loop cannot run under.
func (c Config) Validate() error {
	if c.Project == "" {
		return fmt.Errorf("project is required")
	}
	if c.Scope == "" {
		return fmt.Errorf("scope is required")
	}
	if c.TrainScenariosGlob == "" || c.HoldoutScenariosGlob == "" {
		return fmt.Errorf("scenario globs are required")
	}
	if c.Mutation.Enabled && len(c.Mutation.AllowPaths) == 0 {
		return fmt.Errorf("mutation enabled with empty allow_paths")
	}
	if len(c.ProbeCommand) == 0 {
		return fmt.Errorf("probe_command is required")
	}
	if c.Mutation.MaxOperations <= 0 {
		return fmt.Errorf("mutation max_operations must be positive")
	}
	if c.Scoring.ViolationPenalty < 0 || c.Scoring.ProviderBlockedPenalty < 0 ||
		c.Scoring.FallbackOnlyPenalty < 0 || c.Scoring.FallbackUsedPenalty < 0 {
		return fmt.Errorf("scoring penalties must be non-negative")
	}
	if c.Hydration.Enforce && c.Hydration.MinimumReads <= 0 {
		return fmt.Errorf("skill_hydration minimum_reads must be positive when enforced")
	}
	if c.Synthesis.Enabled {
		if c.Synthesis.MinTurns <= 0 {
			return fmt.Errorf("synthesis min_turns must be positive")
		}
		if c.Synthesis.MaxTurns < c.Synthesis.MinTurns {
			return fmt.Errorf("synthesis max_turns must be >= min_turns")
		}
	}
	return nil
}

// #endregion load
