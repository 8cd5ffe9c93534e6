package randomize

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func TestMulberry32_ReferenceSequence(t *testing.T) {
	t.Parallel()

	rng := NewMulberry32(1)
	assert.InDelta(t, 0.6270739405881613, rng.Float64(), 1e-15)
	assert.InDelta(t, 0.002735721180215478, rng.Float64(), 1e-15)
	assert.InDelta(t, 0.5274470399599522, rng.Float64(), 1e-15)

	rng = NewMulberry32(12345)
	assert.InDelta(t, 0.9797282677609473, rng.Float64(), 1e-15)
}

func TestMulberry32_Range(t *testing.T) {
	t.Parallel()

	rng := NewMulberry32(7)
	for i := 0; i < 10000; i++ {
		v := rng.Float64()
		require.GreaterOrEqual(t, v, 0.0)
		require.Less(t, v, 1.0)
	}
}

func TestShuffle_Seeded(t *testing.T) {
	t.Parallel()

	items := []int{1, 2, 3, 4, 5}
	assert.Equal(t, []int{5, 3, 2, 1, 4}, Shuffle(items, intPtr(1)))
	assert.Equal(t, []int{1, 5, 3, 2, 4}, Shuffle(items, intPtr(42)))
	assert.Equal(t, []int{1, 2, 3, 4, 5}, items, "input must not be mutated")
}

func TestShuffle_Unseeded(t *testing.T) {
	t.Parallel()

	items := []string{"a", "b", "c", "d"}
	got := Shuffle(items, nil)
	sort.Strings(got)
	assert.Equal(t, items, got)
	assert.Empty(t, Shuffle([]string{}, nil))
}

func TestGenerateLabelMapping_Golden(t *testing.T) {
	t.Parallel()

	got, err := GenerateLabelMapping(4, intPtr(12345))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"1AFSCZ": 1, "9O6EEY": 2, "PITLDT": 3, "1ZGTPV": 4}, got)
}

func TestGenerateLabelMapping_Deterministic(t *testing.T) {
	t.Parallel()

	first, err := GenerateLabelMapping(4, intPtr(12345))
	require.NoError(t, err)
	second, err := GenerateLabelMapping(4, intPtr(12345))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	other, err := GenerateLabelMapping(4, intPtr(54321))
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
}

func TestGenerateLabelMapping_Bijection(t *testing.T) {
	t.Parallel()

	for _, seed := range []*int{nil, intPtr(999)} {
		for n := 1; n <= 12; n++ {
			m, err := GenerateLabelMapping(n, seed)
			require.NoError(t, err)
			require.Len(t, m, n)

			values := make([]int, 0, n)
			for token, v := range m {
				assert.Len(t, token, TokenLength)
				values = append(values, v)
			}
			sort.Ints(values)
			for i, v := range values {
				assert.Equal(t, i+1, v)
			}
		}
	}
}

func TestGenerateLabelMapping_RejectsEmptyScale(t *testing.T) {
	t.Parallel()

	_, err := GenerateLabelMapping(0, nil)
	assert.Error(t, err)
}

func TestInvertLabelMapping(t *testing.T) {
	t.Parallel()

	got := InvertLabelMapping(map[string]int{"ZZ": 2, "AA": 3, "QQ": 1})
	assert.Equal(t, []string{"QQ", "ZZ", "AA"}, got)
	assert.Equal(t, []string{"A", "B", "C"}, LetterLabels(3))
}
