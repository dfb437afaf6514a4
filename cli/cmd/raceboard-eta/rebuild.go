package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rebuildSource string

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Run one out-of-band cluster rebuild pass and exit",
	RunE:  runRebuild,
}

func init() {
	rebuildCmd.Flags().StringVar(&rebuildSource, "source", "", "accepted for symmetry with the admin /admin/rebuild endpoint; a rebuild pass always covers every rollout-permitted source")
}

func runRebuild(cmd *cobra.Command, args []string) error {
	eng, err := buildEngine()
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	defer func() { _ = eng.Stop() }()

	if rebuildSource != "" {
		fmt.Fprintf(os.Stderr, "note: --source=%s is not honored as a filter; rebuilding every rollout-permitted source\n", rebuildSource)
	}

	if err := eng.TriggerRebuild(); err != nil {
		return fmt.Errorf("trigger rebuild: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(eng.RolloutSnapshot())
}
