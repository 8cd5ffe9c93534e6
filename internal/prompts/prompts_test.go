package prompts

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theonetruejesse/judge-gym/internal/model"
	"github.com/theonetruejesse/judge-gym/internal/parse"
	"github.com/theonetruejesse/judge-gym/internal/randomize"
)

func testStages() []model.RubricStage {
	return []model.RubricStage{
		{StageNumber: 1, Label: "Absent", Criteria: []string{"a", "b", "c"}},
		{StageNumber: 2, Label: "Weak", Criteria: []string{"d", "e", "f"}},
		{StageNumber: 3, Label: "Mixed", Criteria: []string{"g", "h", "i"}},
		{StageNumber: 4, Label: "Strong", Criteria: []string{"j", "k", "l"}},
	}
}

func TestRubricGen_MidpointRule(t *testing.T) {
	t.Parallel()

	odd := RubricGen("democratic backsliding", 5)
	assert.Contains(t, odd.User, `Stage 3 must be "Ambiguous / Mixed Evidence."`)
	assert.Contains(t, odd.User, "RUBRIC:")

	even := RubricGen("democratic backsliding", 4)
	assert.Contains(t, even.User, "No midpoint stage")
}

func TestFormatRubric_RoundTripsThroughParser(t *testing.T) {
	t.Parallel()

	raw := "Reasoning.\nRUBRIC:\n" + FormatRubric(testStages())
	res, err := parse.Rubric(raw, 4)
	require.NoError(t, err)
	assert.Equal(t, testStages(), res.Stages)
}

func TestScoreGen_LettersInOrder(t *testing.T) {
	t.Parallel()

	p, labels := ScoreGen(ScoreGenInput{
		Config:   model.ScoringStageConfig{Method: model.ScoringSingle, EvidenceView: model.EvidenceViewRaw},
		Evidence: &model.Evidence{RawContent: "the article"},
		Stages:   testStages(),
		Sample:   &model.Sample{DisplaySeed: 1},
	})
	assert.Equal(t, []string{"A", "B", "C", "D"}, labels)
	assert.Less(t, strings.Index(p.User, `A: "Absent"`), strings.Index(p.User, `D: "Strong"`))
	assert.Contains(t, p.User, "EVIDENCE:\nthe article")
	assert.NotContains(t, p.User, "ABSTAIN")
}

func TestScoreGen_AnonymizedShuffledHidden(t *testing.T) {
	t.Parallel()

	seed := 7
	mapping, err := randomize.GenerateLabelMapping(4, &seed)
	require.NoError(t, err)
	cfg := model.ScoringStageConfig{
		Method:         model.ScoringSubset,
		Randomizations: []model.Randomization{model.RandomizeAnonLabels, model.RandomizeShuffleOrder, model.RandomizeHideLabels},
		EvidenceView:   model.EvidenceViewNeutralized,
		AbstainEnabled: true,
	}
	in := ScoreGenInput{
		Config:   cfg,
		Evidence: &model.Evidence{RawContent: "raw", NeutralizedContent: "neutral"},
		Stages:   testStages(),
		Sample:   &model.Sample{DisplaySeed: seed, LabelMapping: mapping},
	}

	p, labels := ScoreGen(in)
	assert.Equal(t, randomize.InvertLabelMapping(mapping), labels)
	for _, s := range testStages() {
		assert.NotContains(t, p.User, s.Label)
	}
	assert.Contains(t, p.User, "EVIDENCE:\nneutral")
	assert.Contains(t, p.User, "or VERDICT: ABSTAIN")

	again, _ := ScoreGen(in)
	assert.Equal(t, p.User, again.User, "same seed must reproduce the same prompt")

	// Every token decodes back to its own ordinal.
	for i, token := range labels {
		res, err := parse.SubsetVerdict("why\nVERDICT: "+token, mapping)
		require.NoError(t, err)
		assert.Equal(t, []int{i + 1}, res.DecodedScores)
	}
}

func TestEvidenceLevel(t *testing.T) {
	t.Parallel()

	assert.Contains(t, EvidenceLevel(model.StageEvidenceClean, "body").User, "ARTICLE:\nbody")
	assert.Contains(t, EvidenceLevel(model.StageEvidenceNeutralize, "body").User, neutralizedPrefix)
	assert.Contains(t, EvidenceLevel(model.StageEvidenceAbstract, "body").User, abstractedPrefix)

	assert.Equal(t, "facts", StripLevelPrefix(model.StageEvidenceNeutralize, " neutralized summary:  facts "))
	assert.Equal(t, "Abstracted Summary: x", StripLevelPrefix(model.StageEvidenceClean, "Abstracted Summary: x"))
}

func TestScoreCritic(t *testing.T) {
	t.Parallel()

	p := ScoreCritic("text", testStages(), "")
	assert.Contains(t, p.User, "MODEL_VERDICT: (none)")
	assert.Contains(t, p.User, "EXPERT_AGREEMENT: <0-1>")
}
