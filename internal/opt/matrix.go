package opt

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"fleetopt/internal/geo"
	"fleetopt/internal/metrics"
	"fleetopt/internal/oracle"
)

// Matrix is a dense N×N table of travel distance (meters) and duration for
// the points of one optimization run. The diagonal is zero.
type Matrix struct {
	points []geo.Point
	dist   []float64
	dur    []time.Duration
}

func NewMatrix(points []geo.Point) *Matrix {
	n := len(points)
	return &Matrix{
		points: append([]geo.Point(nil), points...),
		dist:   make([]float64, n*n),
		dur:    make([]time.Duration, n*n),
	}
}

func (m *Matrix) Size() int { return len(m.points) }

func (m *Matrix) Point(i int) geo.Point { return m.points[i] }

func (m *Matrix) Set(i, j int, distM float64, dur time.Duration) {
	n := len(m.points)
	m.dist[i*n+j] = distM
	m.dur[i*n+j] = dur
}

func (m *Matrix) Distance(i, j int) float64 { return m.dist[i*len(m.points)+j] }

func (m *Matrix) Duration(i, j int) time.Duration { return m.dur[i*len(m.points)+j] }

// Adjust returns a copy with every off-diagonal leg scaled by the factors f
// returns for its endpoints. The receiver is left untouched.
func (m *Matrix) Adjust(f func(from, to geo.Point) (distF, durF float64)) *Matrix {
	out := NewMatrix(m.points)
	n := len(m.points)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			df, tf := f(m.points[i], m.points[j])
			out.Set(i, j, m.Distance(i, j)*df, time.Duration(float64(m.Duration(i, j))*tf))
		}
	}
	return out
}

// MatrixBuilder fills matrices from an oracle with bounded fan-out. A failure
// on any pair fails the whole build; no partial matrix is ever returned.
type MatrixBuilder struct {
	Oracle      oracle.Oracle
	Concurrency int
	Retries     int
	Backoff     time.Duration
	// Depot, when set, anchors savings construction in ForVehicle instead
	// of the vehicle's position.
	Depot *geo.Point
}

var ErrNoPoints = errors.New("matrix needs at least one point")

type pair struct{ from, to geo.Point }

// Build computes the full pairwise matrix for points.
func (b *MatrixBuilder) Build(ctx context.Context, points []geo.Point) (_ *Matrix, err error) {
	defer metrics.Time("matrix.build")(&err)
	if len(points) == 0 {
		return nil, ErrNoPoints
	}
	m := NewMatrix(points)
	var pairs []pair
	var idx [][2]int
	for i := range points {
		for j := range points {
			if i == j {
				continue
			}
			pairs = append(pairs, pair{points[i], points[j]})
			idx = append(idx, [2]int{i, j})
		}
	}
	legs, err := b.fetch(ctx, pairs)
	if err != nil {
		return nil, err
	}
	for k, ij := range idx {
		m.Set(ij[0], ij[1], legs[k].DistanceM, legs[k].Duration)
	}
	return m, nil
}

// Legs fetches origin[i] -> dest for every origin under the same all-or-nothing rule.
func (b *MatrixBuilder) Legs(ctx context.Context, origins []geo.Point, dest geo.Point) ([]oracle.Leg, error) {
	pairs := make([]pair, len(origins))
	for i, o := range origins {
		pairs[i] = pair{o, dest}
	}
	return b.fetch(ctx, pairs)
}

func (b *MatrixBuilder) fetch(ctx context.Context, pairs []pair) ([]oracle.Leg, error) {
	out := make([]oracle.Leg, len(pairs))
	limit := b.Concurrency
	if limit <= 0 {
		limit = 8
	}
	// identical coordinate pairs are requested once per run
	cache := make(map[pair]*legCall, len(pairs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, p := range pairs {
		if p.from == p.to {
			continue
		}
		if _, dup := cache[p]; dup {
			continue
		}
		call := &legCall{}
		cache[p] = call
		g.Go(func() error {
			leg, err := b.routeWithRetry(gctx, p.from, p.to)
			if err != nil {
				return fmt.Errorf("leg (%.5f,%.5f)->(%.5f,%.5f): %w", p.from.Lat, p.from.Lng, p.to.Lat, p.to.Lng, err)
			}
			call.leg = leg
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for k, p := range pairs {
		if p.from == p.to {
			continue
		}
		out[k] = cache[p].leg
	}
	return out, nil
}

type legCall struct {
	leg oracle.Leg
}

func (b *MatrixBuilder) routeWithRetry(ctx context.Context, from, to geo.Point) (oracle.Leg, error) {
	backoff := b.Backoff
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	var lastErr error
	for attempt := 0; attempt <= b.Retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return oracle.Leg{}, &oracle.Error{Op: "matrix", Err: err}
		}
		leg, err := b.Oracle.Route(ctx, from, to)
		if err == nil {
			return leg, nil
		}
		lastErr = err
		if errors.Is(err, oracle.ErrNoRoute) || !oracle.IsTemporary(err) || attempt == b.Retries {
			break
		}
		log.Printf("op=matrix.retry attempt=%d backoff=%s err=%v", attempt+1, backoff, err)
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return oracle.Leg{}, &oracle.Error{Op: "matrix", Err: ctx.Err()}
		case <-timer.C:
		}
		backoff *= 2
	}
	return oracle.Leg{}, lastErr
}
