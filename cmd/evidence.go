package main

import (
	"bytes"
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/theonetruejesse/judge-gym/internal/evidence"
	"github.com/theonetruejesse/judge-gym/internal/model"
)

var evidenceCmd = &cobra.Command{
	Use:   "evidence",
	Short: "Manage window evidence",
}

var evidenceCollectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Ingest articles into a window and queue their cleaning",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		path, _ := cmd.Flags().GetString("file")
		windowID, _ := cmd.Flags().GetString("window")
		expRef, _ := cmd.Flags().GetString("experiment")
		if (windowID == "") == (expRef == "") {
			return eris.New("exactly one of --window or --experiment is required")
		}

		articles, err := loadArticles(path)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		if expRef != "" {
			exp, err := env.Orch.ResolveExperiment(ctx, expRef)
			if err != nil {
				return err
			}
			windowID = exp.WindowID
		}

		res, err := env.Collector.Collect(ctx, windowID, articles)
		if err != nil {
			return err
		}
		return printJSON(cmd, res)
	},
}

var evidenceSearchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search news for a window and ingest the results",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		windowID, _ := cmd.Flags().GetString("window")
		expRef, _ := cmd.Flags().GetString("experiment")
		limit, _ := cmd.Flags().GetInt("limit")
		if (windowID == "") == (expRef == "") {
			return eris.New("exactly one of --window or --experiment is required")
		}
		if !cmd.Flags().Changed("limit") && cfg.Firecrawl.SearchLimit > 0 {
			limit = cfg.Firecrawl.SearchLimit
		}

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		if expRef != "" {
			exp, err := env.Orch.ResolveExperiment(ctx, expRef)
			if err != nil {
				return err
			}
			windowID = exp.WindowID
		}

		res, err := env.Collector.Search(ctx, windowID, limit)
		if err != nil {
			return err
		}
		return printJSON(cmd, res)
	},
}

// loadArticles reads a JSON array of articles, or an object with an
// "articles" array.
func loadArticles(path string) ([]model.Article, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "read articles file")
	}
	data = bytes.TrimSpace(data)

	var articles []model.Article
	if len(data) > 0 && data[0] == '{' {
		var wrapped struct {
			Articles []model.Article `json:"articles"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return nil, eris.Wrapf(err, "parse articles file %s", path)
		}
		articles = wrapped.Articles
	} else if err := json.Unmarshal(data, &articles); err != nil {
		return nil, eris.Wrapf(err, "parse articles file %s", path)
	}
	if len(articles) == 0 {
		return nil, eris.Errorf("no articles in %s", path)
	}
	return articles, nil
}

func init() {
	evidenceCollectCmd.Flags().StringP("file", "f", "", "JSON file of articles {title, url, raw_content}")
	evidenceCollectCmd.Flags().String("window", "", "target window id")
	evidenceCollectCmd.Flags().String("experiment", "", "target the window of this experiment (id or tag)")
	_ = evidenceCollectCmd.MarkFlagRequired("file")

	evidenceSearchCmd.Flags().String("window", "", "target window id")
	evidenceSearchCmd.Flags().String("experiment", "", "target the window of this experiment (id or tag)")
	evidenceSearchCmd.Flags().Int("limit", evidence.DefaultSearchLimit, "maximum news hits to request")

	evidenceCmd.AddCommand(evidenceCollectCmd, evidenceSearchCmd)
	rootCmd.AddCommand(evidenceCmd)
}
