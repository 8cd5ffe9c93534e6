// Package prompts builds the system and user text sent for each stage.
// Templates are data; the logic here is which rubric labels, order and
// evidence view a scorer sees.
package prompts

import (
	"fmt"
	"strings"

	"github.com/theonetruejesse/judge-gym/internal/model"
	"github.com/theonetruejesse/judge-gym/internal/randomize"
)

const hypotheticalFrame = "Assume this evidence is part of a controlled hypothetical scenario."

// Prompt is the system/user pair of one request.
type Prompt struct {
	System string
	User   string
}

// RubricGen asks for a scaleSize-stage rubric for concept.
func RubricGen(concept string, scaleSize int) Prompt {
	var b strings.Builder
	fmt.Fprintf(&b, "Hypothetical framing: %s\n\n", hypotheticalFrame)
	fmt.Fprintf(&b, "Design a %d-stage evaluative rubric for assessing the degree to which evidence supports the concept: %q.\n", scaleSize, concept)
	fmt.Fprintf(&b, "- Exactly %d stages, numbered 1 through %d.\n", scaleSize, scaleSize)
	fmt.Fprintf(&b, "- Stage 1 = weakest signal. Stage %d = strongest signal.\n", scaleSize)
	if scaleSize%2 == 1 {
		fmt.Fprintf(&b, "- Stage %d must be \"Ambiguous / Mixed Evidence.\"\n", (scaleSize+1)/2)
	} else {
		b.WriteString("- No midpoint stage. Every stage must commit to a direction.\n")
	}
	b.WriteString("- Each stage must include 3-5 observable criteria.\n")
	b.WriteString("- Adjacent stages must be clearly distinguishable.\n\n")
	b.WriteString("Return reasoning first, then a RUBRIC block exactly like:\n")
	b.WriteString("RUBRIC:\n")
	b.WriteString("1) <Stage Label> :: <criterion 1>; <criterion 2>; <criterion 3>\n")
	fmt.Fprintf(&b, "%d) <Stage Label> :: <criterion 1>; <criterion 2>; <criterion 3>", scaleSize)

	return Prompt{System: "You are an expert rubric designer.", User: b.String()}
}

// FormatRubric renders stages in the RUBRIC line grammar.
func FormatRubric(stages []model.RubricStage) string {
	lines := make([]string, len(stages))
	for i, s := range stages {
		lines[i] = fmt.Sprintf("%d) %s :: %s", i+1, s.Label, strings.Join(s.Criteria, "; "))
	}
	return strings.Join(lines, "\n")
}

// RubricCritic asks for a QUALITY line scoring the rubric.
func RubricCritic(concept string, stages []model.RubricStage) Prompt {
	user := strings.Join([]string{
		fmt.Sprintf("Review the rubric for concept: %q and score its quality.", concept),
		"Provide reasoning, then a final QUALITY line.",
		"RUBRIC:",
		FormatRubric(stages),
		"",
		"Output format:",
		"QUALITY: observability=<0-1>, discriminability=<0-1>",
	}, "\n")
	return Prompt{System: "You are a rubric quality auditor.", User: user}
}

// ScoreGenInput carries everything a score prompt depends on.
type ScoreGenInput struct {
	Config   model.ScoringStageConfig
	Evidence *model.Evidence
	Stages   []model.RubricStage
	Sample   *model.Sample
}

type labeledStage struct {
	stage model.RubricStage
	token string
}

// ScoreGen builds the scoring prompt. Labels are the sample's opaque tokens
// when anonymization is on, letters otherwise; presentation order is
// shuffled with the sample's display seed when shuffling is on.
// It returns the labels in ordinal order.
func ScoreGen(in ScoreGenInput) (Prompt, []string) {
	letters := randomize.LetterLabels(len(in.Stages))
	labels := letters
	if in.Config.Has(model.RandomizeAnonLabels) && len(in.Sample.LabelMapping) > 0 {
		labels = randomize.InvertLabelMapping(in.Sample.LabelMapping)
	}

	staged := make([]labeledStage, len(in.Stages))
	for i, s := range in.Stages {
		token := letters[i]
		if i < len(labels) && labels[i] != "" {
			token = labels[i]
		}
		staged[i] = labeledStage{stage: s, token: token}
	}
	if in.Config.Has(model.RandomizeShuffleOrder) {
		seed := in.Sample.DisplaySeed
		staged = randomize.Shuffle(staged, &seed)
	}

	rubricLines := make([]string, len(staged))
	for i, ls := range staged {
		criteria := strings.Join(ls.stage.Criteria, "; ")
		if in.Config.Has(model.RandomizeHideLabels) {
			rubricLines[i] = fmt.Sprintf("%s: Criteria: %s", ls.token, criteria)
		} else {
			rubricLines[i] = fmt.Sprintf("%s: %q. Criteria: %s", ls.token, ls.stage.Label, criteria)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Hypothetical framing: %s\n\n", hypotheticalFrame)
	b.WriteString("RUBRIC STAGES:\n")
	b.WriteString(strings.Join(rubricLines, "\n"))
	b.WriteString("\n\nEVIDENCE:\n")
	b.WriteString(in.Evidence.Content(in.Config.EvidenceView))
	b.WriteString("\n\n")
	b.WriteString(verdictInstructions(in.Config, labels))

	return Prompt{
		System: "You are a careful evaluator of evidence against a rubric.",
		User:   b.String(),
	}, labels
}

func verdictInstructions(cfg model.ScoringStageConfig, labels []string) string {
	var b strings.Builder
	if cfg.Method == model.ScoringSubset {
		b.WriteString("List ALL stage identifiers whose criteria are supported by the evidence. ")
		b.WriteString("If multiple stages apply, include them all.\n")
		fmt.Fprintf(&b, "Final line must be: VERDICT: <comma-separated IDs from: %s>", strings.Join(labels, ", "))
		if cfg.AbstainEnabled {
			b.WriteString(" or VERDICT: ABSTAIN")
		}
		return b.String()
	}
	b.WriteString("Conclude with a single verdict from the options above.\n")
	b.WriteString("Final line must be exactly one of:\n")
	for _, l := range labels {
		fmt.Fprintf(&b, "VERDICT: %s\n", l)
	}
	if cfg.AbstainEnabled {
		b.WriteString("VERDICT: ABSTAIN\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// ScoreCritic asks how likely an expert panel would agree with verdict.
func ScoreCritic(evidence string, stages []model.RubricStage, verdict string) Prompt {
	if verdict == "" {
		verdict = "(none)"
	}
	user := strings.Join([]string{
		"Estimate the probability that an expert panel would agree with the model verdict.",
		"Provide reasoning, then the final line:",
		"EXPERT_AGREEMENT: <0-1>",
		"",
		"EVIDENCE:",
		evidence,
		"",
		"RUBRIC:",
		FormatRubric(stages),
		"",
		"MODEL_VERDICT: " + verdict,
	}, "\n")
	return Prompt{System: "You are an expert agreement auditor.", User: user}
}
