package parse

import (
	"regexp"
	"strings"

	"github.com/theonetruejesse/judge-gym/internal/model"
)

const (
	minCriteria = 3
	maxCriteria = 5
)

var (
	rubricMarkerRe = regexp.MustCompile(`(?i)(?:^|\n)RUBRIC:[ \t]*\r?\n`)
	rubricLineRe   = regexp.MustCompile(`^\d+\)\s*(.+?)\s*::\s*(.+)$`)
)

// RubricResult is a parsed rubric block.
type RubricResult struct {
	Reasoning string
	Stages    []model.RubricStage
}

// Rubric parses a "RUBRIC:" block whose lines read
// "<n>) <label> :: <c1>; <c2>; <c3>" and requires exactly scaleSize stages.
func Rubric(raw string, scaleSize int) (*RubricResult, error) {
	const gate = "rubric"

	loc := lastMatch(rubricMarkerRe, raw)
	if loc == nil {
		return nil, failf(gate, "missing RUBRIC: block in %q", excerpt(raw))
	}
	reasoning := reasoningBefore(raw, loc[0])
	if reasoning == "" {
		return nil, failf(gate, "missing reasoning before RUBRIC block")
	}

	var stages []model.RubricStage
	for _, line := range strings.Split(raw[loc[1]:], "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		m := rubricLineRe.FindStringSubmatch(line)
		if m == nil {
			return nil, failf(gate, "invalid rubric line: %q", line)
		}
		label := strings.TrimSpace(m[1])
		var criteria []string
		for _, c := range strings.Split(m[2], ";") {
			if c = strings.TrimSpace(c); c != "" {
				criteria = append(criteria, c)
			}
		}
		if len(criteria) < minCriteria || len(criteria) > maxCriteria {
			return nil, failf(gate, "invalid criteria count (%d) for stage %q in line %q", len(criteria), label, line)
		}
		stages = append(stages, model.RubricStage{
			StageNumber: len(stages) + 1,
			Label:       label,
			Criteria:    criteria,
		})
	}

	if len(stages) != scaleSize {
		return nil, failf(gate, "expected %d stages, received %d", scaleSize, len(stages))
	}
	return &RubricResult{Reasoning: reasoning, Stages: stages}, nil
}
