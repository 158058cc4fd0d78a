package replay

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/danielpatrickdp/evoloop/internal/config"
	"github.com/danielpatrickdp/evoloop/internal/decision"
	"github.com/danielpatrickdp/evoloop/internal/mutation"
	"github.com/danielpatrickdp/evoloop/internal/snapshot"
)

// #region fixture-types

// Fixture is the top-level JSON structure for a replay fixture.
type Fixture struct {
	Description     string                  `json:"description"`
	Config          FixtureConfig           `json:"config"`
	Epochs          []FixtureEpoch          `json:"epochs"`
	ExpectedResults []FixtureExpectedResult `json:"expected_results"`
}

// FixtureConfig bundles the decision-engine sub-configs for a replay run.
type FixtureConfig struct {
	Mutation    config.MutationConfig    `json:"mutation"`
	Objectives  config.ObjectivesConfig  `json:"objectives"`
	RuntimeLane config.RuntimeLaneConfig `json:"runtime_lane"`
}

// FixtureSnapshot is the JSON-serializable summary of one evaluation pass,
// reduced to the fields the decision engine reads.
type FixtureSnapshot struct {
	TrainScore   float64            `json:"train_score"`
	HoldoutScore float64            `json:"holdout_score"`
	HardPassRate float64            `json:"hard_pass_rate"`
	Objectives   map[string]float64 `json:"objective_metrics"`
}

// FixtureEpoch carries one recorded epoch's decision inputs.
type FixtureEpoch struct {
	Epoch          int             `json:"epoch"`
	Baseline       FixtureSnapshot `json:"baseline"`
	Candidate      FixtureSnapshot `json:"candidate"`
	Delta          *mutation.Delta `json:"delta,omitempty"`
	RuntimeTouched bool            `json:"runtime_touched"`
	Degraded       bool            `json:"degraded"`
}

// FixtureExpectedResult captures the expected action per epoch.
type FixtureExpectedResult struct {
	Epoch  int    `json:"epoch"`
	Action string `json:"action"`
}

// #endregion fixture-types

// #region fixture-loader

// LoadFixture reads and parses a JSON fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return &f, nil
}

// ToSnapshot converts a FixtureSnapshot to a domain Snapshot.
func (s *FixtureSnapshot) ToSnapshot() snapshot.Snapshot {
	return snapshot.Snapshot{
		TrainScore:   s.TrainScore,
		HoldoutScore: s.HoldoutScore,
		HardPassRate: s.HardPassRate,
		Objectives:   s.Objectives,
	}
}

// ToStep converts a FixtureEpoch to a replay Step.
func (fe *FixtureEpoch) ToStep() Step {
	return Step{
		Epoch:          fe.Epoch,
		Baseline:       fe.Baseline.ToSnapshot(),
		Candidate:      fe.Candidate.ToSnapshot(),
		Delta:          fe.Delta,
		RuntimeTouched: fe.RuntimeTouched,
		Degraded:       fe.Degraded,
	}
}

// ToEngine builds a decision engine from the fixture's sub-configs.
func (fc *FixtureConfig) ToEngine() *decision.Engine {
	return &decision.Engine{
		Mutation:    fc.Mutation,
		Objectives:  fc.Objectives,
		RuntimeLane: fc.RuntimeLane,
	}
}

// Steps converts every fixture epoch to a replay Step, in order.
func (f *Fixture) Steps() []Step {
	steps := make([]Step, len(f.Epochs))
	for i := range f.Epochs {
		steps[i] = f.Epochs[i].ToStep()
	}
	return steps
}

// #endregion fixture-loader
