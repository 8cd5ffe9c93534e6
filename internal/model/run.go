package model

import "time"

// RunStatus is the system-observed state of a run.
type RunStatus string

const (
	RunStatusPending  RunStatus = "pending"
	RunStatusRunning  RunStatus = "running"
	RunStatusPaused   RunStatus = "paused"
	RunStatusComplete RunStatus = "complete"
	RunStatusCanceled RunStatus = "canceled"
)

// Terminal reports whether no further transitions can happen.
func (s RunStatus) Terminal() bool {
	return s == RunStatusComplete || s == RunStatusCanceled
}

// DesiredState is the operator's intent for a run.
type DesiredState string

const (
	DesiredRunning  DesiredState = "running"
	DesiredPaused   DesiredState = "paused"
	DesiredCanceled DesiredState = "canceled"
)

// Valid reports whether d is a known desired state.
func (d DesiredState) Valid() bool {
	switch d {
	case DesiredRunning, DesiredPaused, DesiredCanceled:
		return true
	}
	return false
}

// StageStatus is the derived status of one RunStage.
type StageStatus string

const (
	StageStatusPending  StageStatus = "pending"
	StageStatusRunning  StageStatus = "running"
	StageStatusComplete StageStatus = "complete"
	StageStatusFailed   StageStatus = "failed"
)

// Run is one execution attempt of an experiment.
type Run struct {
	ID           string       `json:"id"`
	ExperimentID string       `json:"experiment_id"`
	Status       RunStatus    `json:"status"`
	DesiredState DesiredState `json:"desired_state"`
	Stages       []Stage      `json:"stages"`
	CurrentStage Stage        `json:"current_stage,omitempty"`
	StopAtStage  Stage        `json:"stop_at_stage,omitempty"`
	SampleCount  int          `json:"sample_count"`
	EvidenceCap  int          `json:"evidence_cap,omitempty"`
	Policy       RunPolicy    `json:"policy"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// HasStage reports whether the run executes stage s.
func (r *Run) HasStage(s Stage) bool {
	for _, st := range r.Stages {
		if st == s {
			return true
		}
	}
	return false
}

// NextStage returns the run stage after s, or "" if s is the last one.
func (r *Run) NextStage(s Stage) Stage {
	for i, st := range r.Stages {
		if st == s && i+1 < len(r.Stages) {
			return r.Stages[i+1]
		}
	}
	return ""
}

// RunStage tracks aggregate request counters for one stage of a run.
type RunStage struct {
	RunID             string      `json:"run_id"`
	Stage             Stage       `json:"stage"`
	Status            StageStatus `json:"status"`
	TotalRequests     int         `json:"total_requests"`
	CompletedRequests int         `json:"completed_requests"`
	FailedRequests    int         `json:"failed_requests"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// RunSummary is a run with its stages in pipeline order.
type RunSummary struct {
	Run    *Run       `json:"run"`
	Stages []RunStage `json:"stages"`
}
