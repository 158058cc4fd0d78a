package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/evoloop/internal/replay"
)

// #region replay

func runReplay(cmd *cobra.Command, args []string) {
	if replayFixturePath == "" {
		fmt.Fprintln(os.Stderr, "usage: evoloop replay --fixture path/to/fixture.json")
		os.Exit(2)
	}

	f, err := replay.LoadFixture(replayFixturePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load fixture: %v\n", err)
		os.Exit(2)
	}

	results := replay.Replay(f.Config.ToEngine(), f.Steps())
	os.Exit(printComparison(results, f.ExpectedResults))
}

// #endregion replay

// #region output

// printComparison prints the per-epoch expected vs replayed table and
// returns the exit code.
func printComparison(results []replay.Result, expected []replay.FixtureExpectedResult) int {
	fmt.Printf("%-8s| %-15s| %-15s| %s\n", "Epoch", "Expected", "Replayed", "Match")
	fmt.Printf("%-8s+%-15s+%-15s+%s\n",
		"--------", "----------------", "----------------", "------")

	matches := 0
	total := len(results)
	if len(expected) < total {
		total = len(expected)
	}

	for i := 0; i < total; i++ {
		exp := expected[i].Action
		got := results[i].Action
		match := "DIFF"
		if exp == got {
			match = "OK"
			matches++
		}
		fmt.Printf("%-8d| %-15s| %-15s| %s\n", results[i].Epoch, exp, got, match)
	}

	diverge := total - matches
	fmt.Printf("\nSummary: %d total, %d match, %d diverge\n", total, matches, diverge)

	if diverge > 0 {
		return 1
	}
	return 0
}

// #endregion output
