// Package saga runs ordered multi-step operations with per-step
// compensation. On a step failure the already-completed steps are
// compensated in reverse order; compensation failures are logged and do
// not stop the unwind.
package saga

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Step is one unit of a saga. Compensate may be nil for steps with no
// side effects to undo.
type Step struct {
	Name       string
	Run        func(ctx context.Context) error
	Compensate func(ctx context.Context) error
}

// Saga executes steps in order.
type Saga struct {
	name string
	log  zerolog.Logger
}

// New creates a named saga runner.
func New(name string, log zerolog.Logger) *Saga {
	return &Saga{
		name: name,
		log:  log.With().Str("component", "saga").Str("saga", name).Logger(),
	}
}

// Execute runs the steps. The returned error carries the failing step's
// name; by the time it returns, every completed step has been
// compensated.
func (s *Saga) Execute(ctx context.Context, steps []Step) error {
	for i, step := range steps {
		if err := step.Run(ctx); err != nil {
			s.log.Warn().Err(err).Str("step", step.Name).Msg("Saga step failed, compensating")
			s.unwind(ctx, steps[:i])
			return fmt.Errorf("step %s: %w", step.Name, err)
		}
	}
	return nil
}

func (s *Saga) unwind(ctx context.Context, completed []Step) {
	for i := len(completed) - 1; i >= 0; i-- {
		step := completed[i]
		if step.Compensate == nil {
			continue
		}
		if err := step.Compensate(ctx); err != nil {
			s.log.Error().Err(err).Str("step", step.Name).Msg("Saga compensation failed")
		}
	}
}
