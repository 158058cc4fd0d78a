// Package scenario holds the immutable test-case model and the
// deterministic curriculum sampler that picks per-epoch batches.
package scenario

// #region imports
import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"github.com/danielpatrickdp/evoloop/internal/contract"
)

// #endregion imports

// #region model

// Partition names which scenario pool a result belongs to.
type Partition string

const (
	PartitionTrain   Partition = "train"
	PartitionHoldout Partition = "holdout"
)

// ComplexityMode classifies what a scenario stresses.
type ComplexityMode string

const (
	ModeDiachronic ComplexityMode = "diachronic"
	ModeSynchronic ComplexityMode = "synchronic"
	ModeMixed      ComplexityMode = "mixed"
)

// Scenario is one test case. Instances are immutable once loaded.
type Scenario struct {
	ID              string             `json:"id"`
	Title           string             `json:"title"`
	Description     string             `json:"description"`
	ComplexityMode  ComplexityMode     `json:"complexity_mode"`
	Difficulty      int                `json:"difficulty"`
	Turns           []string           `json:"turns"`
	SuccessCriteria []string           `json:"success_criteria"`
	Tags            []string           `json:"tags,omitempty"`
	Weights         map[string]float64 `json:"weights,omitempty"`
	Metadata        map[string]any     `json:"metadata,omitempty"`
}

// #endregion model

// #region loading

// LoadPool reads every scenario file matching pattern under root, in sorted
// path order. Each file is schema-validated before it is decoded.
func LoadPool(root, pattern string) ([]Scenario, error) {
	matches, err := filepath.Glob(filepath.Join(root, pattern))
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", pattern, err)
	}
	sort.Strings(matches)

	pool := make([]Scenario, 0, len(matches))
	for _, path := range matches {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read scenario %s: %w", path, err)
		}
		sc, err := Decode(raw)
		if err != nil {
			return nil, fmt.Errorf("scenario %s: %w", path, err)
		}
		pool = append(pool, sc)
	}
	return pool, nil
}

// Decode validates and strictly decodes one scenario document.
func Decode(raw []byte) (Scenario, error) {
	if err := contract.ValidateScenario(raw); err != nil {
		return Scenario{}, err
	}
	var sc Scenario
	if err := contract.DecodeStrict(raw, &sc); err != nil {
		return Scenario{}, err
	}
	return sc, nil
}

// MergePools joins static and synthetic scenarios, de-duplicating by id with
// the first occurrence winning.
func MergePools(static, synthetic []Scenario) []Scenario {
	merged := make([]Scenario, 0, len(static)+len(synthetic))
	seen := make(map[string]bool, len(static)+len(synthetic))
	for _, sc := range append(append([]Scenario{}, static...), synthetic...) {
		if seen[sc.ID] {
			continue
		}
		seen[sc.ID] = true
		merged = append(merged, sc)
	}
	return merged
}

// #endregion loading

// #region batching

// SelectBatch draws a deterministic sample from the pool. With curriculum
// enabled the pool is first restricted to difficulty <= min(max difficulty,
// 1 + epoch/2); an empty restriction falls back to the whole pool. Identical
// inputs always yield the identical ordered sample.
func SelectBatch(pool []Scenario, batchSize, epoch int, seed int64, curriculum bool) []Scenario {
	if len(pool) == 0 {
		return nil
	}

	selected := pool
	if curriculum {
		maxDifficulty := pool[0].Difficulty
		for _, sc := range pool[1:] {
			if sc.Difficulty > maxDifficulty {
				maxDifficulty = sc.Difficulty
			}
		}
		ceiling := 1 + epoch/2
		if maxDifficulty < ceiling {
			ceiling = maxDifficulty
		}
		staged := make([]Scenario, 0, len(pool))
		for _, sc := range pool {
			if sc.Difficulty <= ceiling {
				staged = append(staged, sc)
			}
		}
		if len(staged) > 0 {
			selected = staged
		}
	}

	if batchSize <= 0 || batchSize >= len(selected) {
		out := make([]Scenario, len(selected))
		copy(out, selected)
		return out
	}

	rnd := rand.New(rand.NewSource(seed + int64(epoch)))
	perm := rnd.Perm(len(selected))
	batch := make([]Scenario, 0, batchSize)
	for _, idx := range perm[:batchSize] {
		batch = append(batch, selected[idx])
	}
	return batch
}

// SelectHoldoutBatch samples the holdout pool. Holdout draws never apply
// the curriculum filter and offset the epoch so they decorrelate from the
// train draw of the same epoch.
func SelectHoldoutBatch(pool []Scenario, batchSize, epoch int, seed int64) []Scenario {
	return SelectBatch(pool, batchSize, epoch+97, seed, false)
}

// #endregion batching

// #region rendering

// RenderText substitutes {key} placeholders from vars, leaving unknown
// placeholders intact.
func RenderText(template string, vars map[string]string) string {
	out := template
	for key, value := range vars {
		out = strings.ReplaceAll(out, "{"+key+"}", value)
	}
	return out
}

// #endregion rendering

// #region turn-directives

// newSessionMarkers open a fresh agent session when a turn starts with one.
var newSessionMarkers = []string{"[[NEW_SESSION]]", "[NEW_SESSION]", "@new_session"}

// ParseTurnDirective strips a leading new-session marker from a turn
// template. A marker with no remaining text keeps the original template.
func ParseTurnDirective(template string) (forceNewSession bool, cleaned string) {
	stripped := strings.TrimLeftFunc(template, unicode.IsSpace)
	for _, marker := range newSessionMarkers {
		if strings.HasPrefix(stripped, marker) {
			remainder := strings.TrimLeft(stripped[len(marker):], " :\n\t")
			if remainder == "" {
				return true, template
			}
			return true, remainder
		}
	}
	return false, template
}

// ExpectsMultiSession reports whether any turn carries a new-session
// directive, meaning a correct run must span at least two sessions.
func ExpectsMultiSession(turns []string) bool {
	for _, turn := range turns {
		if force, _ := ParseTurnDirective(turn); force {
			return true
		}
	}
	return false
}

// #endregion turn-directives

// #region json

// MarshalIndented renders a scenario the way fixture files store them.
func MarshalIndented(sc Scenario) ([]byte, error) {
	data, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal scenario %s: %w", sc.ID, err)
	}
	return append(data, '\n'), nil
}

// #endregion json
