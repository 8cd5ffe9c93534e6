package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/theonetruejesse/judge-gym/internal/orchestrator"
)

var experimentCmd = &cobra.Command{
	Use:   "experiment",
	Short: "Create and inspect experiments",
}

var experimentCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an experiment from a YAML file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		path, _ := cmd.Flags().GetString("file")

		spec, err := loadExperimentSpec(path)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		exp, err := env.Orch.CreateExperiment(ctx, *spec)
		if err != nil {
			return err
		}
		return printJSON(cmd, exp)
	},
}

var experimentShowCmd = &cobra.Command{
	Use:   "show <id-or-tag>",
	Short: "Show an experiment",
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
		return printJSON(cmd, exp)
	},
}

// loadExperimentSpec decodes an experiment YAML file, rejecting unknown keys.
func loadExperimentSpec(path string) (*orchestrator.ExperimentSpec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "open experiment file")
	}
	defer f.Close() //nolint:errcheck

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	var spec orchestrator.ExperimentSpec
	if err := dec.Decode(&spec); err != nil {
		return nil, eris.Wrapf(err, "parse experiment file %s", path)
	}
	return &spec, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	experimentCreateCmd.Flags().StringP("file", "f", "", "experiment YAML file")
	_ = experimentCreateCmd.MarkFlagRequired("file")

	experimentCmd.AddCommand(experimentCreateCmd)
	experimentCmd.AddCommand(experimentShowCmd)
	rootCmd.AddCommand(experimentCmd)
}
