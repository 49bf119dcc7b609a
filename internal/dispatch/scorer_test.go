package dispatch

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetopt/internal/model"
)

func cand(id string, class model.VehicleClass, distM float64, dur time.Duration, rel float64) Candidate {
	return Candidate{
		Vehicle:     model.Vehicle{ID: id, Class: class, Available: true, Capacity: model.Capacity{MaxWeight: 10}},
		DistanceM:   distM,
		Duration:    dur,
		Reliability: rel,
	}
}

func TestScoreComponents(t *testing.T) {
	w := DefaultScoreWeights
	assert.InDelta(t, 100, w.Score(cand("a", model.VehicleInternal, 0, 0, 1)), 1e-9)
	assert.InDelta(t, 60, w.Score(cand("a", model.VehicleContracted, 0, 0, 1)), 1e-9)
	// half radius, half wait, 0.5 reliability
	assert.InDelta(t, 40+15+10+5, w.Score(cand("a", model.VehicleInternal, 10000, 30*time.Minute, 0.5)), 1e-9)
	assert.InDelta(t, 0, w.Score(cand("a", model.VehicleContracted, 20000, time.Hour, 0)), 1e-9)
}

func TestScoreBounded(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	w := ScoreWeights{InternalBonus: 70, Distance: 30, Duration: 20, Reliability: 10, MaxRadiusM: 20000, MaxWait: time.Hour}
	for i := 0; i < 500; i++ {
		c := cand(fmt.Sprint(i), model.VehicleInternal, rng.Float64()*30000-5000, time.Duration(rng.Int63n(int64(2*time.Hour))), rng.Float64()*3-1)
		s := w.Score(c)
		require.GreaterOrEqual(t, s, 0.0)
		require.LessOrEqual(t, s, 100.0)
	}
}

func TestRankExcludesBeforeScoring(t *testing.T) {
	w := DefaultScoreWeights
	full := cand("full", model.VehicleInternal, 100, time.Minute, 1)
	full.Vehicle.Route = &model.Route{Stops: []model.Stop{{ID: "x", Demand: model.Demand{Weight: 10}}}}
	far := cand("far", model.VehicleInternal, 20001, time.Minute, 1)
	slow := cand("slow", model.VehicleInternal, 100, 61*time.Minute, 1)
	off := cand("off", model.VehicleInternal, 100, time.Minute, 1)
	off.Vehicle.Available = false
	ok := cand("ok", model.VehicleContracted, 19000, 50*time.Minute, 0)

	ranked, excluded := w.Rank([]Candidate{full, far, slow, off, ok}, model.Demand{Weight: 1})
	require.Len(t, ranked, 1)
	assert.Equal(t, "ok", ranked[0].Vehicle.ID)
	assert.Equal(t, map[string]int{ExcludedCapacity: 1, ExcludedRadius: 1, ExcludedWait: 1, ExcludedUnavailable: 1}, excluded)
}

func TestRankTieBreaks(t *testing.T) {
	w := DefaultScoreWeights
	// identical scores: zero-weight distance and duration
	w.Distance, w.Duration = 0, 0
	ranked, _ := w.Rank([]Candidate{
		cand("c", model.VehicleInternal, 500, time.Minute, 1),
		cand("b", model.VehicleInternal, 100, time.Minute, 1),
		cand("a", model.VehicleInternal, 500, time.Minute, 1),
		cand("z", model.VehicleContracted, 1, time.Minute, 1),
	}, model.Demand{Weight: 1})
	ids := []string{}
	for _, c := range ranked {
		ids = append(ids, c.Vehicle.ID)
	}
	assert.Equal(t, []string{"b", "a", "c", "z"}, ids)
}
