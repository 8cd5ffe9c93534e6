package dst

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMassFromVerdict_NormalizesKey(t *testing.T) {
	t.Parallel()
	assert.Equal(t, Mass{"1,2": 1}, MassFromVerdict([]int{2, 1}))
	assert.Equal(t, Mass{"3": 1}, MassFromVerdict([]int{3, 3}))
}

func TestCombine_IdenticalSingletons(t *testing.T) {
	t.Parallel()

	combined, conflict := Combine(MassFromVerdict([]int{1}), MassFromVerdict([]int{1}))
	assert.Equal(t, 0.0, conflict)
	assert.Equal(t, Mass{"1": 1}, combined)
}

func TestCombine_DisjointSingletons(t *testing.T) {
	t.Parallel()

	combined, conflict := Combine(MassFromVerdict([]int{1}), MassFromVerdict([]int{2}))
	assert.Equal(t, 1.0, conflict)
	assert.Empty(t, combined)
}

func TestCombine_Overlap(t *testing.T) {
	t.Parallel()

	combined, conflict := Combine(MassFromVerdict([]int{1, 2}), MassFromVerdict([]int{2, 3}))
	assert.Equal(t, 0.0, conflict)
	assert.Equal(t, Mass{"2": 1}, combined)
}

func TestCombine_PartialConflictNormalizes(t *testing.T) {
	t.Parallel()

	m1 := Mass{"1": 0.5, "2": 0.5}
	m2 := Mass{"1": 1}
	combined, conflict := Combine(m1, m2)
	assert.InDelta(t, 0.5, conflict, 1e-12)
	assert.InDelta(t, 1.0, combined["1"], 1e-12)
	assert.Len(t, combined, 1)
}
