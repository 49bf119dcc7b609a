// Package testutil holds deterministic stand-ins for external collaborators.
package testutil

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"fleetopt/internal/geo"
	"fleetopt/internal/oracle"
)

// MockOracle measures scaled Euclidean distance between coordinates so tests
// can reason about routes on a plane. At the default speed of 60 km/h one
// kilometer takes one minute.
type MockOracle struct {
	ScaleFactor float64 // meters per degree
	SpeedKph    float64

	mu        sync.Mutex
	overrides map[string]oracle.Leg
	failures  map[string][]error
	calls     map[string]int
	total     int
}

func NewMockOracle() *MockOracle {
	return &MockOracle{
		ScaleFactor: 111000,
		SpeedKph:    60,
		overrides:   map[string]oracle.Leg{},
		failures:    map[string][]error{},
		calls:       map[string]int{},
	}
}

func key(from, to geo.Point) string {
	return fmt.Sprintf("%.5f,%.5f->%.5f,%.5f", from.Lat, from.Lng, to.Lat, to.Lng)
}

// SetLeg pins the result for one directed pair.
func (m *MockOracle) SetLeg(from, to geo.Point, distM float64, dur time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides[key(from, to)] = oracle.Leg{DistanceM: distM, Duration: dur}
}

// FailWith queues errors returned by successive calls for one directed pair
// before it answers normally.
func (m *MockOracle) FailWith(from, to geo.Point, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[key(from, to)] = append(m.failures[key(from, to)], errs...)
}

func (m *MockOracle) Calls(from, to geo.Point) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[key(from, to)]
}

func (m *MockOracle) TotalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

func (m *MockOracle) Route(ctx context.Context, from, to geo.Point) (oracle.Leg, error) {
	if err := ctx.Err(); err != nil {
		return oracle.Leg{}, &oracle.Error{Op: "mock", Temporary: true, Err: err}
	}
	k := key(from, to)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[k]++
	m.total++
	if q := m.failures[k]; len(q) > 0 {
		m.failures[k] = q[1:]
		return oracle.Leg{}, q[0]
	}
	if leg, ok := m.overrides[k]; ok {
		return leg, nil
	}
	if from == to {
		return oracle.Leg{}, nil
	}
	dLat, dLng := to.Lat-from.Lat, to.Lng-from.Lng
	dist := math.Sqrt(dLat*dLat+dLng*dLng) * m.ScaleFactor
	dur := time.Duration(dist / (m.SpeedKph * 1000 / 3600) * float64(time.Second))
	return oracle.Leg{DistanceM: dist, Duration: dur, Path: []geo.Point{from, to}}, nil
}
