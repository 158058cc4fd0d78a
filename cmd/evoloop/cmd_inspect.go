package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/evoloop/internal/bank"
)

// #region inspect

func runInspect(cmd *cobra.Command, args []string) {
	store, err := bank.Open(inspectDBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open audit store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	if inspectRunID != "" {
		err = runDetailMode(store, inspectRunID)
	} else {
		err = runListMode(store)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion inspect

// #region list-mode

type runListRow struct {
	RunID          string  `json:"run_id"`
	StartedAt      string  `json:"started_at"`
	StopReason     string  `json:"stop_reason,omitempty"`
	Decisions      int     `json:"decisions"`
	Accepted       int     `json:"accepted"`
	Provisional    int     `json:"provisional"`
	AcceptanceRate float64 `json:"acceptance_rate"`
}

func runListMode(store *bank.Store) error {
	runs, err := store.ListRuns(inspectLast)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(os.Stderr, "no runs found")
		return nil
	}

	rows := make([]runListRow, len(runs))
	for i, run := range runs {
		summary, err := store.RunSummary(run.RunID)
		if err != nil {
			return err
		}
		rows[i] = runListRow{
			RunID:          run.RunID,
			StartedAt:      run.StartedAt.Format("2006-01-02T15:04:05Z"),
			StopReason:     run.StopReason,
			Decisions:      summary.Decisions,
			Accepted:       summary.Accepted,
			Provisional:    summary.Provisional,
			AcceptanceRate: summary.AcceptanceRate,
		}
	}

	if inspectJSONOut {
		return printJSON(rows)
	}
	return printRunTable(rows)
}

func printRunTable(rows []runListRow) error {
	fmt.Printf("%-26s  %-20s  %9s  %8s  %11s  %6s  %s\n",
		"Run", "Started", "Decisions", "Accepted", "Provisional", "Rate", "Stop Reason")
	fmt.Printf("%-26s+-%-20s+-%9s+-%8s+-%11s+-%6s+-%s\n",
		"--------------------------", "--------------------", "---------",
		"--------", "-----------", "------", "--------------------")

	for _, r := range rows {
		reason := r.StopReason
		if reason == "" {
			reason = "—"
		}
		fmt.Printf("%-26s  %-20s  %9d  %8d  %11d  %6.2f  %s\n",
			r.RunID, r.StartedAt, r.Decisions, r.Accepted, r.Provisional, r.AcceptanceRate, reason)
	}
	return nil
}

// #endregion list-mode

// #region detail-mode

type decisionRow struct {
	Epoch            int     `json:"epoch"`
	Verdict          string  `json:"verdict"`
	Reason           string  `json:"reason"`
	BaselineTrain    float64 `json:"baseline_train_score"`
	CandidateTrain   float64 `json:"candidate_train_score"`
	BaselineHoldout  float64 `json:"baseline_holdout_score"`
	CandidateHoldout float64 `json:"candidate_holdout_score"`
	HardPassRate     float64 `json:"candidate_hard_pass_rate"`
	RuntimeTouched   bool    `json:"runtime_touched"`
	CreatedAt        string  `json:"created_at"`
}

type detailOutput struct {
	Summary   bank.Summary  `json:"summary"`
	Decisions []decisionRow `json:"decisions"`
}

func runDetailMode(store *bank.Store, runID string) error {
	summary, err := store.RunSummary(runID)
	if err != nil {
		return err
	}

	var history []bank.DecisionRow
	if inspectRejections {
		history, err = store.RecentRejections(runID, inspectLast)
	} else {
		history, err = store.DecisionHistory(runID, inspectLast)
	}
	if err != nil {
		return err
	}

	// Queries return newest first; show chronological.
	rows := make([]decisionRow, len(history))
	for i, r := range history {
		rows[len(history)-1-i] = decisionRow{
			Epoch:            r.Epoch,
			Verdict:          mapAction(r),
			Reason:           r.Reason,
			BaselineTrain:    r.BaselineTrainScore,
			CandidateTrain:   r.CandidateTrainScore,
			BaselineHoldout:  r.BaselineHoldoutScore,
			CandidateHoldout: r.CandidateHoldoutScore,
			HardPassRate:     r.CandidateHardPassRate,
			RuntimeTouched:   r.RuntimeTouched,
			CreatedAt:        r.CreatedAt.Format("2006-01-02T15:04:05Z"),
		}
	}

	if inspectJSONOut {
		return printJSON(detailOutput{Summary: summary, Decisions: rows})
	}

	fmt.Printf("Run:         %s\n", summary.RunID)
	fmt.Printf("Decisions:   %d\n", summary.Decisions)
	fmt.Printf("Accepted:    %d (%d provisional)\n", summary.Accepted, summary.Provisional)
	fmt.Printf("Accept rate: %.2f\n", summary.AcceptanceRate)

	if len(rows) == 0 {
		fmt.Println("\nno decisions recorded")
		return nil
	}

	fmt.Printf("\n%-6s  %-12s  %-16s  %-16s  %5s  %s\n",
		"Epoch", "Verdict", "Train", "Holdout", "Hard", "Reason")
	fmt.Printf("%-6s+-%-12s+-%-16s+-%-16s+-%5s+-%s\n",
		"------", "------------", "----------------", "----------------",
		"-----", "--------------------")
	for _, r := range rows {
		fmt.Printf("%-6d  %-12s  %-16s  %-16s  %5.2f  %s\n",
			r.Epoch, r.Verdict,
			fmt.Sprintf("%.2f->%.2f", r.BaselineTrain, r.CandidateTrain),
			fmt.Sprintf("%.2f->%.2f", r.BaselineHoldout, r.CandidateHoldout),
			r.HardPassRate, r.Reason)
	}
	return nil
}

// #endregion detail-mode

// #region output

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// #endregion output
