package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStageIndex(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, StageIndex(StageEvidenceClean))
	assert.Equal(t, 3, StageIndex(StageRubricGen))
	assert.Equal(t, 6, StageIndex(StageScoreCritic))
	assert.Equal(t, -1, StageIndex(Stage("bogus")))
}

func TestStageIsEvidence(t *testing.T) {
	t.Parallel()

	tests := []struct {
		stage Stage
		want  bool
	}{
		{StageEvidenceClean, true},
		{StageEvidenceNeutralize, true},
		{StageEvidenceAbstract, true},
		{StageRubricGen, false},
		{StageScoreCritic, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.stage), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.stage.IsEvidence())
		})
	}
}

func TestSortStages(t *testing.T) {
	t.Parallel()

	got := SortStages([]Stage{StageScoreGen, StageRubricGen, "nope", StageScoreGen})
	assert.Equal(t, []Stage{StageRubricGen, StageScoreGen}, got)
}

func TestRunNextStage(t *testing.T) {
	t.Parallel()

	r := &Run{Stages: DefaultRunStages}
	assert.Equal(t, StageRubricCritic, r.NextStage(StageRubricGen))
	assert.Equal(t, Stage(""), r.NextStage(StageScoreCritic))
	assert.True(t, r.HasStage(StageScoreGen))
	assert.False(t, r.HasStage(StageEvidenceClean))
}

func TestBatchPollDue(t *testing.T) {
	t.Parallel()

	now := mustTime(t, "2026-01-01T00:00:00Z")
	later := now.Add(time.Minute)
	earlier := now.Add(-time.Minute)

	tests := []struct {
		name  string
		batch LlmBatch
		want  bool
	}{
		{"created in past, never polled", LlmBatch{CreatedAt: earlier}, true},
		{"created in future", LlmBatch{CreatedAt: later}, false},
		{"lease held", LlmBatch{CreatedAt: earlier, LockedUntil: &later}, false},
		{"lease expired", LlmBatch{CreatedAt: earlier, LockedUntil: &earlier}, true},
		{"lease ends exactly now", LlmBatch{CreatedAt: earlier, LockedUntil: &now}, true},
		{"next poll pending", LlmBatch{CreatedAt: earlier, NextPollAt: &later}, false},
		{"next poll passed", LlmBatch{CreatedAt: earlier, NextPollAt: &earlier}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.batch.PollDue(now))
		})
	}
}

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatal(err)
	}
	return ts
}
