// Package store persists render jobs.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/dunamismax/snappy/internal/domain"
)

var ErrJobNotFound = errors.New("job not found")

type JobStore interface {
	Create(ctx context.Context, job domain.RenderJob) error
	Get(ctx context.Context, id string) (domain.RenderJob, bool, error)
	UpdateStatus(ctx context.Context, id, status string) (domain.RenderJob, error)
	Finish(ctx context.Context, id string, outcome domain.RenderOutcome) (domain.RenderJob, error)
}

func checkTransition(from, to string) error {
	if from == to || domain.CanTransition(from, to) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
}

func checkOutcome(outcome domain.RenderOutcome) error {
	if !domain.Terminal(outcome.Status) {
		return fmt.Errorf("%w: outcome status %q is not terminal", domain.ErrInvalidTransition, outcome.Status)
	}
	return nil
}
