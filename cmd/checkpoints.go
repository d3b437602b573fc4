package cmd

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/faceset/faceset/internal/checkpoint"
	"github.com/faceset/faceset/internal/config"
	"github.com/faceset/faceset/internal/dataset"
)

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints <subject name>",
	Short: "Show the checkpoint log for a subject",
	Long:  `Prints the per-stage checkpoint records of a subject's build run.`,
	Args:  cobra.MinimumNArgs(1),
	RunE:  runCheckpoints,
}

func init() {
	rootCmd.AddCommand(checkpointsCmd)
}

func runCheckpoints(cmd *cobra.Command, args []string) error {
	subject := strings.Join(args, " ")

	cfg := config.Load()
	if dataDir != "" {
		cfg.DataDir = dataDir
	}

	canonical := dataset.Slug(subject)
	if canonical == "" {
		return fmt.Errorf("subject name %q is empty after normalization", subject)
	}

	store, err := checkpoint.Open(filepath.Join(cfg.DataDir, canonical, "checkpoints.json"))
	if err != nil {
		return fmt.Errorf("open checkpoint log: %w", err)
	}

	records := store.Records()
	if len(records) == 0 {
		fmt.Printf("No checkpoints for %s\n", subject)
		return nil
	}

	fmt.Printf("Checkpoints for %s (%s):\n", subject, canonical)
	for _, rec := range records {
		line := fmt.Sprintf("  %s  %s", rec.CompletedAt.Format("2006-01-02 15:04:05"), rec.Stage)
		if len(rec.Summary) > 0 {
			summary, err := json.Marshal(rec.Summary)
			if err == nil {
				line += "  " + string(summary)
			}
		}
		fmt.Println(line)
	}
	return nil
}
