package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theonetruejesse/judge-gym/internal/model"
)

func baseKey() Key {
	return Key{
		Stage:        model.StageScoreGen,
		Provider:     model.ProviderAnthropic,
		Model:        "claude-haiku-4-5-20251001",
		ExperimentID: "exp-1",
		RubricID:     "rub-1",
		SampleID:     "smp-1",
		EvidenceID:   "ev-1",
	}
}

func TestNormalize_DefaultsVersion(t *testing.T) {
	t.Parallel()

	k := baseKey().Normalize()
	assert.Equal(t, 1, k.RequestVersion)

	k2 := baseKey()
	k2.RequestVersion = 3
	assert.Equal(t, 3, k2.Normalize().RequestVersion)
}

func TestHash_StableAndVersionSensitive(t *testing.T) {
	t.Parallel()

	a := baseKey()
	b := baseKey()
	b.RequestVersion = 1
	b.Provider = " Anthropic "
	assert.Equal(t, a.Hash(), b.Hash(), "implicit and explicit version 1 must collide")
	assert.True(t, a.Equal(b))

	c := baseKey()
	c.RequestVersion = 2
	assert.NotEqual(t, a.Hash(), c.Hash())
	assert.False(t, a.Equal(c))
}

func TestHash_EveryFieldParticipates(t *testing.T) {
	t.Parallel()

	base := baseKey().Hash()
	mutations := map[string]func(k *Key){
		"stage":      func(k *Key) { k.Stage = model.StageScoreCritic },
		"provider":   func(k *Key) { k.Provider = model.ProviderOpenAI },
		"model":      func(k *Key) { k.Model = "other" },
		"experiment": func(k *Key) { k.ExperimentID = "" },
		"rubric":     func(k *Key) { k.RubricID = "rub-2" },
		"sample":     func(k *Key) { k.SampleID = "" },
		"evidence":   func(k *Key) { k.EvidenceID = "ev-2" },
	}
	for name, mutate := range mutations {
		k := baseKey()
		mutate(&k)
		assert.NotEqual(t, base, k.Hash(), name)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, baseKey().Validate())

	k := baseKey()
	k.Stage = "bogus"
	assert.Error(t, k.Validate())

	k = baseKey()
	k.Model = ""
	assert.Error(t, k.Validate())

	k = Key{Stage: model.StageRubricGen, Provider: model.ProviderAnthropic, Model: "m"}
	assert.ErrorContains(t, k.Validate(), "at least one entity reference")

	// Any single reference is enough.
	k.EvidenceID = "ev-1"
	assert.NoError(t, k.Validate())
}

func TestApplyAndOf_RoundTrip(t *testing.T) {
	t.Parallel()

	var req model.LlmRequest
	baseKey().Apply(&req)
	assert.Equal(t, 1, req.RequestVersion)
	assert.Equal(t, baseKey().Hash(), req.IdentityHash)
	assert.True(t, Of(&req).Equal(baseKey()))
}
