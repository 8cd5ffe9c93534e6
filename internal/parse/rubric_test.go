package parse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRubric_Example(t *testing.T) {
	t.Parallel()

	raw := "Reasoning text\nRUBRIC:\n1) Alpha :: one; two; three\n2) Beta :: four; five; six"
	res, err := Rubric(raw, 2)
	require.NoError(t, err)
	assert.Equal(t, "Reasoning text", res.Reasoning)
	require.Len(t, res.Stages, 2)
	assert.Equal(t, "Alpha", res.Stages[0].Label)
	assert.Equal(t, []string{"one", "two", "three"}, res.Stages[0].Criteria)
	assert.Equal(t, 1, res.Stages[0].StageNumber)
	assert.Equal(t, "Beta", res.Stages[1].Label)
	assert.Equal(t, 2, res.Stages[1].StageNumber)
}

func TestRubric_PreservesOrderAndTrimsCriteria(t *testing.T) {
	t.Parallel()

	raw := "Think first.\n\nrubric:  \n" +
		"  1) Weak ::  a ; b ;; c ; d \n\n" +
		"2) Mixed :: e; f; g\n" +
		"3) Strong :: h; i; j; k; l\n"
	res, err := Rubric(raw, 3)
	require.NoError(t, err)
	assert.Equal(t, "Think first.", res.Reasoning)
	assert.Equal(t, []string{"a", "b", "c", "d"}, res.Stages[0].Criteria)
	assert.Equal(t, []string{"Weak", "Mixed", "Strong"},
		[]string{res.Stages[0].Label, res.Stages[1].Label, res.Stages[2].Label})
}

func TestRubric_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		scale   int
		wantMsg string
	}{
		{
			name:    "no marker",
			raw:     "1) A :: a; b; c",
			scale:   1,
			wantMsg: "missing RUBRIC",
		},
		{
			name:    "no reasoning",
			raw:     "RUBRIC:\n1) A :: a; b; c",
			scale:   1,
			wantMsg: "missing reasoning",
		},
		{
			name:    "scale mismatch",
			raw:     "why\nRUBRIC:\n1) A :: a; b; c\n2) B :: a; b; c",
			scale:   3,
			wantMsg: "expected 3 stages, received 2",
		},
		{
			name:    "malformed line",
			raw:     "why\nRUBRIC:\n1) A :: a; b; c\nB - a, b, c",
			scale:   2,
			wantMsg: `invalid rubric line: "B - a, b, c"`,
		},
		{
			name:    "too few criteria",
			raw:     "why\nRUBRIC:\n1) A :: a; b",
			scale:   1,
			wantMsg: "invalid criteria count (2)",
		},
		{
			name:    "too many criteria",
			raw:     "why\nRUBRIC:\n1) A :: a; b; c; d; e; f",
			scale:   1,
			wantMsg: "invalid criteria count (6)",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Rubric(tt.raw, tt.scale)
			require.Error(t, err)
			var perr *Error
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, "rubric", perr.Gate)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}
