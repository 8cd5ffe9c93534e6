// Package identity computes the canonical deduplication key of an LLM request.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/theonetruejesse/judge-gym/internal/model"
)

// CanonicalVersion changes whenever the canonical form changes.
const CanonicalVersion = "v1"

// Key is the identity tuple of an LlmRequest. Empty reference IDs mean "none".
type Key struct {
	Stage          model.Stage    `json:"stage"`
	Provider       model.Provider `json:"provider"`
	Model          string         `json:"model"`
	ExperimentID   string         `json:"experiment_id"`
	RubricID       string         `json:"rubric_id"`
	SampleID       string         `json:"sample_id"`
	EvidenceID     string         `json:"evidence_id"`
	RequestVersion int            `json:"request_version"`
}

// Normalize trims identifiers and defaults the request version to 1.
func (k Key) Normalize() Key {
	k.Provider = model.Provider(strings.ToLower(strings.TrimSpace(string(k.Provider))))
	k.Model = strings.TrimSpace(k.Model)
	k.ExperimentID = strings.TrimSpace(k.ExperimentID)
	k.RubricID = strings.TrimSpace(k.RubricID)
	k.SampleID = strings.TrimSpace(k.SampleID)
	k.EvidenceID = strings.TrimSpace(k.EvidenceID)
	if k.RequestVersion <= 0 {
		k.RequestVersion = 1
	}
	return k
}

// Validate rejects keys missing a mandatory field. Each entity reference may
// be empty on its own, but a key with no reference at all is rejected: every
// request the pipeline issues is about an experiment or an evidence item, and
// an unscoped key would collide across unrelated work.
func (k Key) Validate() error {
	switch {
	case !k.Stage.Valid():
		return eris.Errorf("identity: invalid stage %q", k.Stage)
	case k.Provider == "":
		return eris.New("identity: provider is required")
	case k.Model == "":
		return eris.New("identity: model is required")
	case k.ExperimentID == "" && k.RubricID == "" && k.SampleID == "" && k.EvidenceID == "":
		return eris.New("identity: at least one entity reference is required")
	}
	return nil
}

// Canonical returns the stable serialized form of the normalized key.
func (k Key) Canonical() string {
	payload := struct {
		Key
		Version string `json:"v"`
	}{Key: k.Normalize(), Version: CanonicalVersion}
	// Marshal of a fixed struct cannot fail and emits fields in declaration order.
	b, _ := json.Marshal(payload)
	return string(b)
}

// Hash returns the SHA-256 hex digest of the canonical form.
func (k Key) Hash() string {
	sum := sha256.Sum256([]byte(k.Canonical()))
	return hex.EncodeToString(sum[:])
}

// Equal reports whether two keys identify the same unit of work.
func (k Key) Equal(o Key) bool {
	return k.Normalize() == o.Normalize()
}

// Of extracts the identity of a stored request.
func Of(r *model.LlmRequest) Key {
	return Key{
		Stage:          r.Stage,
		Provider:       r.Provider,
		Model:          r.Model,
		ExperimentID:   r.ExperimentID,
		RubricID:       r.RubricID,
		SampleID:       r.SampleID,
		EvidenceID:     r.EvidenceID,
		RequestVersion: r.RequestVersion,
	}
}

// Apply copies the normalized key fields and hash onto r.
func (k Key) Apply(r *model.LlmRequest) {
	n := k.Normalize()
	r.Stage = n.Stage
	r.Provider = n.Provider
	r.Model = n.Model
	r.ExperimentID = n.ExperimentID
	r.RubricID = n.RubricID
	r.SampleID = n.SampleID
	r.EvidenceID = n.EvidenceID
	r.RequestVersion = n.RequestVersion
	r.IdentityHash = n.Hash()
}
