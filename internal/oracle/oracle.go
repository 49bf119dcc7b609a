// Package oracle adapts external travel-time/travel-distance services.
//
// Callers must be able to tell an unreachable destination (ErrNoRoute) from a
// failing service (*Error); only the latter is retried.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fleetopt/internal/geo"
)

// Leg is one origin/destination travel measurement. It is scoped to a single
// optimization run and never persisted.
type Leg struct {
	DistanceM float64
	Duration  time.Duration
	Path      []geo.Point
}

// Oracle returns the travel metrics between two coordinates.
type Oracle interface {
	Route(ctx context.Context, from, to geo.Point) (Leg, error)
}

// ErrNoRoute means the service answered and no drivable route exists.
var ErrNoRoute = errors.New("no route exists")

// Error is an oracle infrastructure failure (timeout, transport, 5xx).
type Error struct {
	Op        string
	Code      int
	Temporary bool
	Err       error
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("oracle %s: status %d: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("oracle %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTemporary reports whether err is an oracle failure worth retrying.
func IsTemporary(err error) bool {
	var oe *Error
	return errors.As(err, &oe) && oe.Temporary
}

// Func lets a plain function act as an Oracle.
type Func func(ctx context.Context, from, to geo.Point) (Leg, error)

func (f Func) Route(ctx context.Context, from, to geo.Point) (Leg, error) { return f(ctx, from, to) }
