package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/theonetruejesse/judge-gym/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "judge-gym",
	Short: "LLM-as-judge evaluation pipeline",
	Long:  "Generates rubrics, scores evidence against them and critiques both through provider batch APIs, driven by a durable scheduler.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
