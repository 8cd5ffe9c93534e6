package parse

import "regexp"

var agreementRe = regexp.MustCompile(`(?i)EXPERT_AGREEMENT:\s*([01](?:\.\d+)?)`)

// AgreementResult is a parsed score critique.
type AgreementResult struct {
	Probability float64
	Reasoning   string
}

// ExpertAgreement parses the last EXPERT_AGREEMENT line.
func ExpertAgreement(raw string) (*AgreementResult, error) {
	const gate = "expert_agreement"

	loc := lastMatch(agreementRe, raw)
	if loc == nil {
		return nil, failf(gate, "missing EXPERT_AGREEMENT line in %q", excerpt(raw))
	}
	p, err := parseUnit(gate, raw[loc[2]:loc[3]])
	if err != nil {
		return nil, err
	}
	reasoning := reasoningBefore(raw, loc[0])
	if reasoning == "" {
		return nil, failf(gate, "missing reasoning before EXPERT_AGREEMENT line")
	}
	return &AgreementResult{Probability: p, Reasoning: reasoning}, nil
}
