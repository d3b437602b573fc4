package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var dataDir string

var rootCmd = &cobra.Command{
	Use:   "faceset",
	Short: "A CLI tool for building verified face datasets",
	Long: `Faceset builds per-person face image datasets. Given a subject name it
resolves the canonical identity, gathers candidate images from configured
sources, extracts and validates faces, verifies them against a reference
portrait, removes near-duplicates, and writes a normalized image set with
metadata. Interrupted runs can be resumed from their last completed stage.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Directory for run state and datasets (default from FACESET_DATA_DIR)")
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}
