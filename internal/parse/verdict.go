package parse

import (
	"regexp"
	"strings"

	"github.com/theonetruejesse/judge-gym/internal/model"
)

var (
	verdictRe      = regexp.MustCompile(`(?i)VERDICT:[ \t]*([^\n]+)`)
	verdictTokenRe = regexp.MustCompile(`[A-Za-z0-9]+`)
	subsetSplitRe  = regexp.MustCompile(`[,\s/]+`)
)

const abstainToken = "ABSTAIN"

// VerdictResult is a decoded VERDICT line.
type VerdictResult struct {
	RawVerdict    string
	DecodedScores []int // nil when abstained
	Abstained     bool
	Reasoning     string
}

// ScoreParams selects how a verdict is decoded.
type ScoreParams struct {
	Method       model.ScoringMethod
	LabelMapping map[string]int
	// ScaleSize bounds letter-decoded ordinals when positive.
	ScaleSize int
}

func lastVerdict(gate, raw string) (string, int, error) {
	loc := lastMatch(verdictRe, raw)
	if loc == nil {
		return "", 0, failf(gate, "missing VERDICT line in %q", excerpt(raw))
	}
	return strings.TrimSpace(raw[loc[2]:loc[3]]), loc[0], nil
}

func decodeToken(token string, mapping map[string]int) (int, bool) {
	if mapping != nil {
		if v, ok := mapping[token]; ok {
			return v, true
		}
		v, ok := mapping[strings.ToUpper(token)]
		return v, ok
	}
	t := strings.ToUpper(token)
	if len(t) != 1 || t[0] < 'A' || t[0] > 'Z' {
		return 0, false
	}
	return int(t[0]-'A') + 1, true
}

// SingleVerdict decodes the first token of the last VERDICT line.
func SingleVerdict(raw string, mapping map[string]int) (*VerdictResult, error) {
	const gate = "verdict"

	line, _, err := lastVerdict(gate, raw)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(line, abstainToken) {
		return &VerdictResult{RawVerdict: abstainToken, Abstained: true}, nil
	}
	token := verdictTokenRe.FindString(line)
	if token == "" {
		return nil, failf(gate, "no verdict token in %q", line)
	}
	v, ok := decodeToken(token, mapping)
	if !ok {
		return nil, failf(gate, "unrecognized verdict label %q", token)
	}
	return &VerdictResult{RawVerdict: token, DecodedScores: []int{v}}, nil
}

// SubsetVerdict decodes every token of the last VERDICT line. With a mapping
// any unknown token fails the whole verdict; without one, tokens that are
// not single letters are dropped.
func SubsetVerdict(raw string, mapping map[string]int) (*VerdictResult, error) {
	const gate = "verdict"

	line, _, err := lastVerdict(gate, raw)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(line, abstainToken) {
		return &VerdictResult{RawVerdict: abstainToken, Abstained: true}, nil
	}
	cleaned := strings.NewReplacer("[", "", "]", "").Replace(line)
	var decoded []int
	for _, tok := range subsetSplitRe.Split(cleaned, -1) {
		if tok = strings.TrimSpace(tok); tok == "" {
			continue
		}
		v, ok := decodeToken(tok, mapping)
		if !ok {
			if mapping != nil {
				return nil, failf(gate, "unrecognized verdict label %q in %q", tok, line)
			}
			continue
		}
		decoded = append(decoded, v)
	}
	if len(decoded) == 0 {
		return nil, failf(gate, "no decodable verdict labels in %q", line)
	}
	return &VerdictResult{RawVerdict: line, DecodedScores: decoded}, nil
}

// Score runs the verdict gate for params.Method and requires reasoning
// before the final VERDICT line.
func Score(raw string, params ScoreParams) (*VerdictResult, error) {
	const gate = "score"

	var (
		res *VerdictResult
		err error
	)
	switch params.Method {
	case model.ScoringSubset:
		res, err = SubsetVerdict(raw, params.LabelMapping)
	case model.ScoringSingle, "":
		res, err = SingleVerdict(raw, params.LabelMapping)
	default:
		return nil, failf(gate, "unknown scoring method %q", params.Method)
	}
	if err != nil {
		return nil, err
	}

	_, offset, _ := lastVerdict(gate, raw)
	res.Reasoning = reasoningBefore(raw, offset)
	if res.Reasoning == "" {
		return nil, failf(gate, "missing reasoning before VERDICT line")
	}

	if params.ScaleSize > 0 {
		for _, v := range res.DecodedScores {
			if v < 1 || v > params.ScaleSize {
				return nil, failf(gate, "verdict %q decodes to %d, outside 1..%d", res.RawVerdict, v, params.ScaleSize)
			}
		}
	}
	return res, nil
}
