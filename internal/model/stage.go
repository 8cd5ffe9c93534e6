package model

// Stage names one step of the evaluation pipeline.
type Stage string

const (
	StageEvidenceClean      Stage = "evidence_clean"
	StageEvidenceNeutralize Stage = "evidence_neutralize"
	StageEvidenceAbstract   Stage = "evidence_abstract"
	StageRubricGen          Stage = "rubric_gen"
	StageRubricCritic       Stage = "rubric_critic"
	StageScoreGen           Stage = "score_gen"
	StageScoreCritic        Stage = "score_critic"
)

// StageOrder is the fixed pipeline order. Runs use a subsequence of it.
var StageOrder = []Stage{
	StageEvidenceClean,
	StageEvidenceNeutralize,
	StageEvidenceAbstract,
	StageRubricGen,
	StageRubricCritic,
	StageScoreGen,
	StageScoreCritic,
}

// DefaultRunStages are the stages a run executes when none are given.
var DefaultRunStages = []Stage{
	StageRubricGen,
	StageRubricCritic,
	StageScoreGen,
	StageScoreCritic,
}

// StageIndex returns the position of s in StageOrder, or -1.
func StageIndex(s Stage) int {
	for i, st := range StageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool { return StageIndex(s) >= 0 }

// IsEvidence reports whether s processes evidence content levels.
func (s Stage) IsEvidence() bool {
	switch s {
	case StageEvidenceClean, StageEvidenceNeutralize, StageEvidenceAbstract:
		return true
	}
	return false
}

// SortStages returns the given stages in pipeline order with duplicates and
// unknown names removed.
func SortStages(stages []Stage) []Stage {
	seen := make(map[Stage]bool, len(stages))
	for _, s := range stages {
		seen[s] = true
	}
	out := make([]Stage, 0, len(stages))
	for _, s := range StageOrder {
		if seen[s] {
			out = append(out, s)
		}
	}
	return out
}
