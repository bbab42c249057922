// Package engine keeps the rendering surface in line with DesiredState:
// the layer reconciler, the annotation controller, the style switch
// coordinator and the session loop that owns them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mohammed-shakir/mapsync/internal/core/observability"
	"github.com/mohammed-shakir/mapsync/internal/surface"
)

// ErrStale marks an async completion discarded because desired state moved
// on while it was in flight.
var ErrStale = errors.New("stale completion")

// MutationError is a surface mutation that still failed after the single
// corrective retry, or failed in a way no retry can fix.
type MutationError struct {
	Op    string
	ID    string
	First error // failure that triggered the retry, nil when none ran
	Err   error
}

func (e *MutationError) Error() string {
	if e.First != nil {
		return fmt.Sprintf("%s %q failed after retry: %v (first: %v)", e.Op, e.ID, e.Err, e.First)
	}
	return fmt.Sprintf("%s %q failed: %v", e.Op, e.ID, e.Err)
}

func (e *MutationError) Unwrap() error { return e.Err }

// Guard centralises the catch, retry and log policy for surface calls.
type Guard struct {
	log *slog.Logger
}

func NewGuard(log *slog.Logger) *Guard {
	if log == nil {
		log = slog.Default()
	}
	return &Guard{log: log}
}

// Mutate runs do. A transient failure is logged, fix runs (it may be nil)
// and do is retried exactly once.
func (g *Guard) Mutate(ctx context.Context, op, id string, do func() error, fix func()) error {
	err := do()
	if err == nil {
		observability.IncSurfaceMutation(op, "ok")
		return nil
	}
	if !surface.IsTransient(err) {
		observability.IncSurfaceMutation(op, "failed")
		return &MutationError{Op: op, ID: id, Err: err}
	}

	g.log.WarnContext(ctx, "surface mutation failed; retrying once", "op", op, "id", id, "err", err)
	if fix != nil {
		fix()
	}
	if err2 := do(); err2 != nil {
		observability.IncSurfaceMutation(op, "failed")
		return &MutationError{Op: op, ID: id, First: err, Err: err2}
	}
	observability.IncSurfaceMutation(op, "recovered")
	return nil
}

// Try runs a best-effort call such as a removal. Failures are logged and
// reported as false; a missing object only logs at debug.
func (g *Guard) Try(ctx context.Context, op, id string, do func() error) bool {
	err := do()
	switch {
	case err == nil:
		observability.IncSurfaceMutation(op, "ok")
		return true
	case errors.Is(err, surface.ErrNotFound):
		observability.IncSurfaceMutation(op, "missing")
		g.log.DebugContext(ctx, "surface object already gone", "op", op, "id", id)
	default:
		observability.IncSurfaceMutation(op, "failed")
		g.log.WarnContext(ctx, "best-effort surface call failed", "op", op, "id", id, "err", err)
	}
	return false
}
