package main

import (
	"github.com/spf13/cobra"
)

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one scheduler tick",
	Long:  "Polls due batches and submits new ones once, then prints the tick result. Useful with cron or for debugging.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "tick")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Orch.Tick(ctx)
		if err != nil {
			return err
		}
		return printJSON(cmd, res)
	},
}

func init() {
	rootCmd.AddCommand(tickCmd)
}
