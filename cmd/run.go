package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/theonetruejesse/judge-gym/internal/model"
	"github.com/theonetruejesse/judge-gym/internal/orchestrator"
	"github.com/theonetruejesse/judge-gym/internal/store"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start, steer and inspect experiment runs",
}

// -- run start --

var runStartCmd = &cobra.Command{
	Use:   "start <experiment-id-or-tag>",
	Short: "Start a run of an experiment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		exp, err := env.Orch.ResolveExperiment(ctx, args[0])
		if err != nil {
			return err
		}

		samples, _ := cmd.Flags().GetInt("samples")
		stageNames, _ := cmd.Flags().GetStringSlice("stages")
		evidenceCap, _ := cmd.Flags().GetInt("evidence-cap")

		stages := make([]model.Stage, len(stageNames))
		for i, s := range stageNames {
			stages[i] = model.Stage(s)
		}

		run, err := env.Orch.StartRun(ctx, exp.ID, orchestrator.StartOptions{
			SampleCount: samples,
			Stages:      stages,
			EvidenceCap: evidenceCap,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd, run)
	},
}

// -- run pause|resume|cancel --

func desiredStateCmd(use, short string, desired model.DesiredState) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <run-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := initEnv(ctx, "cli")
			if err != nil {
				return err
			}
			defer env.Close()

			run, err := env.Orch.SetDesiredState(ctx, args[0], desired)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run %s: status=%s desired=%s stop_at=%s\n",
				run.ID, run.Status, run.DesiredState, run.StopAtStage)
			return nil
		},
	}
}

// -- run status --

var runStatusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show a run and its stage counters",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		sum, err := env.Orch.RunSummary(ctx, args[0])
		if err != nil {
			return err
		}
		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			return printJSON(cmd, sum)
		}
		formatRunSummary(cmd.OutOrStdout(), sum)
		return nil
	},
}

// -- run list --

var runListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		filter := store.RunFilter{}
		if ref, _ := cmd.Flags().GetString("experiment"); ref != "" {
			exp, err := env.Orch.ResolveExperiment(ctx, ref)
			if err != nil {
				return err
			}
			filter.ExperimentID = exp.ID
		}
		status, _ := cmd.Flags().GetString("status")
		filter.Status = model.RunStatus(status)
		filter.Limit, _ = cmd.Flags().GetInt("limit")

		runs, err := env.Store.ListRuns(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "run list")
		}
		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}
		formatRunsList(cmd.OutOrStdout(), runs)
		return nil
	},
}

func init() {
	runStartCmd.Flags().Int("samples", 1, "number of rubric samples")
	runStartCmd.Flags().StringSlice("stages", nil, "stages to run (default rubric_gen,rubric_critic,score_gen,score_critic)")
	runStartCmd.Flags().Int("evidence-cap", 0, "max evidence items scored per sample (0 = all)")

	runStatusCmd.Flags().Bool("json", false, "print the summary as JSON")

	runListCmd.Flags().String("experiment", "", "filter by experiment id or tag")
	runListCmd.Flags().String("status", "", "filter by run status (running, paused, complete, canceled)")
	runListCmd.Flags().Int("limit", 50, "max number of runs to display")

	runCmd.AddCommand(runStartCmd)
	runCmd.AddCommand(desiredStateCmd("pause", "Pause a run after its current stage", model.DesiredPaused))
	runCmd.AddCommand(desiredStateCmd("resume", "Resume a paused run", model.DesiredRunning))
	runCmd.AddCommand(desiredStateCmd("cancel", "Cancel a run", model.DesiredCanceled))
	runCmd.AddCommand(runStatusCmd)
	runCmd.AddCommand(runListCmd)
	rootCmd.AddCommand(runCmd)
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []model.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tEXPERIMENT\tSTATUS\tDESIRED\tSTAGE\tSAMPLES\tCREATED\tAGE")
	_, _ = fmt.Fprintln(w, "--\t----------\t------\t-------\t-----\t-------\t-------\t---")

	for _, r := range runs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			truncateID(r.ID),
			truncateID(r.ExperimentID),
			r.Status,
			r.DesiredState,
			r.CurrentStage,
			r.SampleCount,
			r.CreatedAt.Format("2006-01-02 15:04"),
			r.UpdatedAt.Sub(r.CreatedAt).Round(time.Second).String(),
		)
	}
	_ = w.Flush()
}

// formatRunSummary writes a run header and one line per stage to w.
func formatRunSummary(out io.Writer, sum *model.RunSummary) {
	r := sum.Run
	_, _ = fmt.Fprintf(out, "Run %s (experiment %s)\n", r.ID, r.ExperimentID)
	_, _ = fmt.Fprintf(out, "Status: %s  Desired: %s  Current: %s", r.Status, r.DesiredState, r.CurrentStage)
	if r.StopAtStage != "" {
		_, _ = fmt.Fprintf(out, "  Stop at: %s", r.StopAtStage)
	}
	_, _ = fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "STAGE\tSTATUS\tTOTAL\tDONE\tFAILED\tPROGRESS")
	for _, st := range sum.Stages {
		progress := "-"
		if st.TotalRequests > 0 {
			progress = fmt.Sprintf("%.0f%%", 100*float64(st.CompletedRequests+st.FailedRequests)/float64(st.TotalRequests))
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\n",
			st.Stage, st.Status, st.TotalRequests, st.CompletedRequests, st.FailedRequests, progress)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
