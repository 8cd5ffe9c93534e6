// Package parse implements the gates that turn free-text model output into
// validated records. Gates are pure: they never touch storage, and a failure
// is returned as an *Error for the caller to record.
package parse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Error is a structural parse failure. Msg names exactly what failed.
type Error struct {
	Gate string
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("parse %s: %s", e.Gate, e.Msg)
}

func failf(gate, format string, args ...any) *Error {
	return &Error{Gate: gate, Msg: fmt.Sprintf(format, args...)}
}

// lastMatch returns the submatch indices of the final match of re in raw.
func lastMatch(re *regexp.Regexp, raw string) []int {
	all := re.FindAllStringSubmatchIndex(raw, -1)
	if len(all) == 0 {
		return nil
	}
	return all[len(all)-1]
}

// reasoningBefore returns the trimmed text preceding offset.
func reasoningBefore(raw string, offset int) string {
	return strings.TrimSpace(raw[:offset])
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func parseUnit(gate, s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, failf(gate, "invalid value %q", s)
	}
	return clamp01(v), nil
}

func excerpt(s string) string {
	const max = 120
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
