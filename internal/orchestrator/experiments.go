package orchestrator

import (
	"context"
	"errors"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/theonetruejesse/judge-gym/internal/model"
	"github.com/theonetruejesse/judge-gym/internal/store"
)

// ExperimentSpec is the authored form of an experiment, as read from YAML.
type ExperimentSpec struct {
	Tag      string                 `json:"tag" yaml:"tag"`
	TaskType string                 `json:"task_type,omitempty" yaml:"task_type"`
	Window   model.WindowScope      `json:"window" yaml:"window"`
	Config   model.ExperimentConfig `json:"config" yaml:"config"`
}

// CreateExperiment validates spec, reuses or creates its window, and stores a
// pending experiment. Tags are unique.
func (o *Orchestrator) CreateExperiment(ctx context.Context, spec ExperimentSpec) (*model.Experiment, error) {
	spec.Tag = strings.TrimSpace(spec.Tag)
	if spec.Tag == "" {
		return nil, eris.Wrap(ErrInvalid, "experiment tag is required")
	}
	if spec.Window.Concept == "" {
		return nil, eris.Wrap(ErrInvalid, "window concept is required")
	}
	if err := spec.Config.Validate(); err != nil {
		return nil, eris.Wrapf(ErrInvalid, "%v", err)
	}

	existing, err := o.store.GetExperimentByTag(ctx, spec.Tag)
	if err != nil {
		return nil, eris.Wrap(err, "orchestrator: lookup experiment")
	}
	if existing != nil {
		return nil, eris.Wrapf(ErrConflict, "experiment %q already exists", spec.Tag)
	}

	w, err := o.store.GetOrCreateWindow(ctx, spec.Window)
	if err != nil {
		return nil, eris.Wrap(err, "orchestrator: window")
	}
	exp := &model.Experiment{
		Tag:      spec.Tag,
		WindowID: w.ID,
		TaskType: spec.TaskType,
		Config:   spec.Config,
		Status:   model.ExperimentStatusPending,
	}
	if err := o.store.CreateExperiment(ctx, exp); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, eris.Wrapf(ErrConflict, "experiment %q already exists", spec.Tag)
		}
		return nil, eris.Wrap(err, "orchestrator: create experiment")
	}
	o.log.Info("experiment created",
		zap.String("experiment_id", exp.ID),
		zap.String("tag", exp.Tag),
		zap.String("window_id", w.ID),
	)
	return exp, nil
}

// ResolveExperiment looks an experiment up by ID, then by tag.
func (o *Orchestrator) ResolveExperiment(ctx context.Context, ref string) (*model.Experiment, error) {
	exp, err := o.store.GetExperiment(ctx, ref)
	if err != nil {
		return nil, eris.Wrap(err, "orchestrator: get experiment")
	}
	if exp == nil {
		exp, err = o.store.GetExperimentByTag(ctx, ref)
		if err != nil {
			return nil, eris.Wrap(err, "orchestrator: get experiment by tag")
		}
	}
	if exp == nil {
		return nil, eris.Wrapf(ErrNotFound, "experiment %s", ref)
	}
	return exp, nil
}
