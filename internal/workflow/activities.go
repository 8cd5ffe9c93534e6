package workflow

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/theonetruejesse/judge-gym/internal/orchestrator"
)

// Ticker runs one scheduler pass.
type Ticker interface {
	Tick(ctx context.Context) (*orchestrator.TickResult, error)
}

// Activities hosts the scheduler activities.
type Activities struct {
	Ticker Ticker
}

// Tick runs one orchestrator tick.
func (a *Activities) Tick(ctx context.Context) (*orchestrator.TickResult, error) {
	res, err := a.Ticker.Tick(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "workflow: tick")
	}
	return res, nil
}
