package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// ExperimentStatus mirrors the lifecycle of the experiment's active run.
type ExperimentStatus string

const (
	ExperimentStatusPending  ExperimentStatus = "pending"
	ExperimentStatusRunning  ExperimentStatus = "running"
	ExperimentStatusPaused   ExperimentStatus = "paused"
	ExperimentStatusComplete ExperimentStatus = "complete"
	ExperimentStatusCanceled ExperimentStatus = "canceled"
)

// ScoringMethod selects single-verdict or subset-verdict scoring.
type ScoringMethod string

const (
	ScoringSingle ScoringMethod = "single"
	ScoringSubset ScoringMethod = "subset"
)

// Randomization is one anti-gaming control applied to score prompts.
type Randomization string

const (
	RandomizeAnonLabels   Randomization = "anonymize_labels"
	RandomizeShuffleOrder Randomization = "shuffle_rubric_order"
	RandomizeHideLabels   Randomization = "hide_label_text"
)

// EvidenceView selects which evidence content level is shown to the scorer.
type EvidenceView string

const (
	EvidenceViewRaw         EvidenceView = "l0_raw"
	EvidenceViewCleaned     EvidenceView = "l1_cleaned"
	EvidenceViewNeutralized EvidenceView = "l2_neutralized"
	EvidenceViewAbstracted  EvidenceView = "l3_abstracted"
)

// ParseEvidenceView accepts both the short ("cleaned") and level ("l1_cleaned") forms.
func ParseEvidenceView(s string) (EvidenceView, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "raw", string(EvidenceViewRaw):
		return EvidenceViewRaw, nil
	case "cleaned", string(EvidenceViewCleaned):
		return EvidenceViewCleaned, nil
	case "neutralized", string(EvidenceViewNeutralized):
		return EvidenceViewNeutralized, nil
	case "abstracted", string(EvidenceViewAbstracted):
		return EvidenceViewAbstracted, nil
	}
	return "", eris.Errorf("unknown evidence view %q", s)
}

// RubricStageConfig configures rubric generation.
type RubricStageConfig struct {
	ScaleSize int    `json:"scale_size" yaml:"scale_size"`
	Model     string `json:"model" yaml:"model"`
}

// ScoringStageConfig configures scoring.
type ScoringStageConfig struct {
	Model          string          `json:"model" yaml:"model"`
	Method         ScoringMethod   `json:"method" yaml:"method"`
	Randomizations []Randomization `json:"randomizations" yaml:"randomizations"`
	EvidenceView   EvidenceView    `json:"evidence_view" yaml:"evidence_view"`
	AbstainEnabled bool            `json:"abstain_enabled" yaml:"abstain_enabled"`
}

// Has reports whether randomization r is enabled.
func (c ScoringStageConfig) Has(r Randomization) bool {
	for _, x := range c.Randomizations {
		if x == r {
			return true
		}
	}
	return false
}

// ExperimentConfig is the design-space point an experiment evaluates.
type ExperimentConfig struct {
	RubricStage  RubricStageConfig  `json:"rubric_stage" yaml:"rubric_stage"`
	ScoringStage ScoringStageConfig `json:"scoring_stage" yaml:"scoring_stage"`
}

// Validate checks the config for values the pipeline cannot run with.
func (c ExperimentConfig) Validate() error {
	if c.RubricStage.ScaleSize < 2 {
		return eris.Errorf("experiment: scale_size must be >= 2, got %d", c.RubricStage.ScaleSize)
	}
	if c.RubricStage.Model == "" || c.ScoringStage.Model == "" {
		return eris.New("experiment: rubric and scoring models are required")
	}
	switch c.ScoringStage.Method {
	case ScoringSingle, ScoringSubset:
	default:
		return eris.Errorf("experiment: unknown scoring method %q", c.ScoringStage.Method)
	}
	for _, r := range c.ScoringStage.Randomizations {
		switch r {
		case RandomizeAnonLabels, RandomizeShuffleOrder, RandomizeHideLabels:
		default:
			return eris.Errorf("experiment: unknown randomization %q", r)
		}
	}
	if _, err := ParseEvidenceView(string(c.ScoringStage.EvidenceView)); err != nil {
		return eris.Wrap(err, "experiment")
	}
	return nil
}

// Experiment is a named evaluation configuration bound to one window.
type Experiment struct {
	ID          string           `json:"id"`
	Tag         string           `json:"tag"`
	WindowID    string           `json:"window_id"`
	TaskType    string           `json:"task_type,omitempty"`
	Config      ExperimentConfig `json:"config"`
	Status      ExperimentStatus `json:"status"`
	ActiveRunID string           `json:"active_run_id,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

// WindowScope is the reuse key of a window.
type WindowScope struct {
	Concept   string `json:"concept" yaml:"concept"`
	Country   string `json:"country" yaml:"country"`
	StartDate string `json:"start_date" yaml:"start_date"`
	EndDate   string `json:"end_date" yaml:"end_date"`
	Model     string `json:"model" yaml:"model"`
}

// Key returns the canonical scope key.
func (s WindowScope) Key() string {
	return fmt.Sprintf("%s|%s|%s|%s|%s",
		strings.ToLower(strings.TrimSpace(s.Concept)),
		strings.ToLower(strings.TrimSpace(s.Country)),
		s.StartDate, s.EndDate, s.Model)
}

// Window is an evidence search scope shared across experiments.
type Window struct {
	ID string `json:"id"`
	WindowScope
	CreatedAt time.Time `json:"created_at"`
}
