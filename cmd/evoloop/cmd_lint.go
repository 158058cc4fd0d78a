package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/evoloop/internal/scenario"
)

// #region lint

func runLintScenarios(cmd *cobra.Command, args []string) {
	patterns := args
	if len(patterns) == 0 {
		patterns = []string{
			"bench/scenarios/train/*.json",
			"bench/scenarios/holdout/*.json",
		}
	}

	var paths []string
	for _, pattern := range patterns {
		matched, err := filepath.Glob(pattern)
		if err != nil {
			fmt.Fprintf(os.Stderr, "bad glob %s: %v\n", pattern, err)
			os.Exit(2)
		}
		paths = append(paths, matched...)
	}
	sort.Strings(paths)

	if len(paths) == 0 {
		fmt.Fprintln(os.Stderr, "no scenario files matched")
		os.Exit(2)
	}

	invalid := 0
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			fmt.Printf("%s: %v\n", path, err)
			invalid++
			continue
		}
		if _, err := scenario.Decode(raw); err != nil {
			fmt.Printf("%s: %v\n", path, err)
			invalid++
		}
	}

	fmt.Printf("Checked %d scenario files, %d invalid\n", len(paths), invalid)
	if invalid > 0 {
		os.Exit(1)
	}
}

// #endregion lint
