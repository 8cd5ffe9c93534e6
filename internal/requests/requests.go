// Package requests deduplicates LLM work items by identity key.
package requests

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/theonetruejesse/judge-gym/internal/identity"
	"github.com/theonetruejesse/judge-gym/internal/model"
	"github.com/theonetruejesse/judge-gym/internal/store"
)

// Store is the subset of store.Store the deduplicator needs.
type Store interface {
	GetRequestByIdentity(ctx context.Context, identityHash string) (*model.LlmRequest, error)
	InsertRequest(ctx context.Context, req *model.LlmRequest) error
	UpdateRequest(ctx context.Context, req *model.LlmRequest) error
}

// Payload is the late-bindable part of a request.
type Payload struct {
	RunID        string
	SystemPrompt string
	UserPrompt   string
}

// Deduplicator returns the single LlmRequest for an identity key.
type Deduplicator struct {
	store Store
}

// New creates a Deduplicator over st.
func New(st Store) *Deduplicator {
	return &Deduplicator{store: st}
}

// GetOrCreate looks the key up and returns the existing request, backfilling
// empty prompts from payload. When absent it inserts a queued request. A
// unique-index violation means a concurrent caller won; its row is returned.
// created reports whether this call inserted the row.
func (d *Deduplicator) GetOrCreate(ctx context.Context, key identity.Key, payload Payload) (req *model.LlmRequest, created bool, err error) {
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return nil, false, err
	}
	hash := key.Hash()

	existing, err := d.store.GetRequestByIdentity(ctx, hash)
	if err != nil {
		return nil, false, eris.Wrap(err, "requests: lookup")
	}
	if existing != nil {
		return existing, false, d.backfill(ctx, existing, payload)
	}

	req = &model.LlmRequest{
		RunID:        payload.RunID,
		SystemPrompt: payload.SystemPrompt,
		UserPrompt:   payload.UserPrompt,
		Status:       model.RequestQueued,
	}
	key.Apply(req)

	err = d.store.InsertRequest(ctx, req)
	if errors.Is(err, store.ErrDuplicate) {
		zap.L().Debug("requests: lost insert race, refetching",
			zap.String("stage", string(key.Stage)),
			zap.String("identity", hash),
		)
		winner, ferr := d.store.GetRequestByIdentity(ctx, hash)
		if ferr != nil {
			return nil, false, eris.Wrap(ferr, "requests: refetch after conflict")
		}
		if winner == nil {
			return nil, false, eris.Errorf("requests: conflict on %s but no row found", hash)
		}
		return winner, false, d.backfill(ctx, winner, payload)
	}
	if err != nil {
		return nil, false, eris.Wrap(err, "requests: insert")
	}
	return req, true, nil
}

// backfill writes prompt text onto a request created without it.
func (d *Deduplicator) backfill(ctx context.Context, req *model.LlmRequest, payload Payload) error {
	if req.UserPrompt != "" || payload.UserPrompt == "" {
		return nil
	}
	req.UserPrompt = payload.UserPrompt
	if req.SystemPrompt == "" {
		req.SystemPrompt = payload.SystemPrompt
	}
	return eris.Wrap(d.store.UpdateRequest(ctx, req), "requests: backfill prompt")
}
