package parse

import "regexp"

var qualityRe = regexp.MustCompile(
	`(?i)QUALITY:\s*observability\s*=\s*([01](?:\.\d+)?)\s*[,\s]+discriminability\s*=\s*([01](?:\.\d+)?)`)

// QualityResult is a parsed rubric critique.
type QualityResult struct {
	Observability    float64
	Discriminability float64
	Reasoning        string
}

// Quality parses the last QUALITY line. Earlier restatements are ignored.
func Quality(raw string) (*QualityResult, error) {
	const gate = "quality"

	loc := lastMatch(qualityRe, raw)
	if loc == nil {
		return nil, failf(gate, "missing QUALITY line in %q", excerpt(raw))
	}
	obs, err := parseUnit(gate, raw[loc[2]:loc[3]])
	if err != nil {
		return nil, err
	}
	disc, err := parseUnit(gate, raw[loc[4]:loc[5]])
	if err != nil {
		return nil, err
	}
	reasoning := reasoningBefore(raw, loc[0])
	if reasoning == "" {
		return nil, failf(gate, "missing reasoning before QUALITY line")
	}
	return &QualityResult{Observability: obs, Discriminability: disc, Reasoning: reasoning}, nil
}
