package model

import "time"

// ParseStatus tracks whether model output passed its parse gate.
type ParseStatus string

const (
	ParsePending ParseStatus = "pending"
	ParseParsed  ParseStatus = "parsed"
	ParseFailed  ParseStatus = "failed"
)

// RubricStage is one scale point of a rubric.
type RubricStage struct {
	StageNumber int      `json:"stage_number"`
	Label       string   `json:"label"`
	Criteria    []string `json:"criteria"`
}

// Rubric is a generated evaluative scale for a concept.
type Rubric struct {
	ID                      string        `json:"id"`
	RunID                   string        `json:"run_id"`
	ExperimentID            string        `json:"experiment_id"`
	Model                   string        `json:"model"`
	Concept                 string        `json:"concept"`
	ScaleSize               int           `json:"scale_size"`
	Stages                  []RubricStage `json:"stages,omitempty"`
	Reasoning               string        `json:"reasoning,omitempty"`
	ParseStatus             ParseStatus   `json:"parse_status"`
	ParseError              string        `json:"parse_error,omitempty"`
	AttemptCount            int           `json:"attempt_count"`
	QualityObservability    *float64      `json:"quality_observability,omitempty"`
	QualityDiscriminability *float64      `json:"quality_discriminability,omitempty"`
	CriticReasoning         string        `json:"critic_reasoning,omitempty"`
	CreatedAt               time.Time     `json:"created_at"`
}

// Sample binds a rubric to a label mapping and display seed.
type Sample struct {
	ID           string         `json:"id"`
	RunID        string         `json:"run_id"`
	ExperimentID string         `json:"experiment_id"`
	RubricID     string         `json:"rubric_id"`
	Model        string         `json:"model"`
	DisplaySeed  int            `json:"display_seed"`
	LabelMapping map[string]int `json:"label_mapping,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Score is one verdict of a sample against one evidence item.
type Score struct {
	ID              string      `json:"id"`
	RunID           string      `json:"run_id"`
	SampleID        string      `json:"sample_id"`
	EvidenceID      string      `json:"evidence_id"`
	RawOutput       string      `json:"raw_output,omitempty"`
	RawVerdict      string      `json:"raw_verdict,omitempty"`
	DecodedScores   []int       `json:"decoded_scores,omitempty"`
	Abstained       bool        `json:"abstained"`
	Reasoning       string      `json:"reasoning,omitempty"`
	ParseStatus     ParseStatus `json:"parse_status"`
	ParseError      string      `json:"parse_error,omitempty"`
	AttemptCount    int         `json:"attempt_count"`
	ExpertAgreement *float64    `json:"expert_agreement,omitempty"`
	CriticReasoning string      `json:"critic_reasoning,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
}
