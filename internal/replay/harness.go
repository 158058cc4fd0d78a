package replay

import (
	"github.com/danielpatrickdp/evoloop/internal/decision"
	"github.com/danielpatrickdp/evoloop/internal/mutation"
	"github.com/danielpatrickdp/evoloop/internal/snapshot"
)

// #region types

// Step is one recorded epoch boundary: the snapshot pair the decision
// engine saw plus the delta facts that accompanied it.
type Step struct {
	Epoch          int
	Baseline       snapshot.Snapshot
	Candidate      snapshot.Snapshot
	Delta          *mutation.Delta
	RuntimeTouched bool
	Degraded       bool
}

// Result captures the outcome of re-deciding one epoch.
type Result struct {
	Epoch  int
	Action string // "accept" | "provisional" | "reject"
	Reason string

	// Full verdict, for callers that want the gate detail.
	Decision decision.Decision
}

// Summary provides aggregate stats from a replay run.
type Summary struct {
	TotalEpochs  int
	Accepts      int
	Provisionals int
	Rejects      int
}

// #endregion types

// #region replay

// Replay re-decides each recorded epoch in order, threading the
// provisional-acceptance budget the same way the live loop does.
// Operates entirely in-memory.
func Replay(engine *decision.Engine, steps []Step) []Result {
	results := make([]Result, 0, len(steps))
	provisionalAccepts := 0

	for _, step := range steps {
		verdict := engine.Decide(decision.Input{
			Baseline:             step.Baseline,
			Candidate:            step.Candidate,
			RuntimeTouched:       step.RuntimeTouched,
			Delta:                step.Delta,
			DegradedProviderMode: step.Degraded,
			ProvisionalAccepts:   provisionalAccepts,
		})
		if verdict.Accepted && verdict.Provisional {
			provisionalAccepts++
		}

		results = append(results, Result{
			Epoch:    step.Epoch,
			Action:   actionFor(verdict),
			Reason:   verdict.Reason,
			Decision: verdict,
		})
	}

	return results
}

// actionFor maps a verdict to its replay action string.
func actionFor(d decision.Decision) string {
	switch {
	case d.Accepted && d.Provisional:
		return "provisional"
	case d.Accepted:
		return "accept"
	default:
		return "reject"
	}
}

// Summarize computes aggregate stats from replay results.
func Summarize(results []Result) Summary {
	s := Summary{TotalEpochs: len(results)}
	for _, r := range results {
		switch r.Action {
		case "accept":
			s.Accepts++
		case "provisional":
			s.Provisionals++
		case "reject":
			s.Rejects++
		}
	}
	return s
}

// #endregion replay
