package dispatch

import (
	"sort"
	"time"

	"fleetopt/internal/model"
)

// ScoreWeights configures the 0-100 candidate score.
type ScoreWeights struct {
	InternalBonus float64       `yaml:"internalBonus"`
	Distance      float64       `yaml:"distance"`
	Duration      float64       `yaml:"duration"`
	Reliability   float64       `yaml:"reliability"`
	MaxRadiusM    float64       `yaml:"maxRadiusM"`
	MaxWait       time.Duration `yaml:"maxWait"`
}

var DefaultScoreWeights = ScoreWeights{
	InternalBonus: 40,
	Distance:      30,
	Duration:      20,
	Reliability:   10,
	MaxRadiusM:    20000,
	MaxWait:       60 * time.Minute,
}

// Candidate is one vehicle considered for one order. DistanceM and Duration
// measure the trip from the vehicle to the order's pickup.
type Candidate struct {
	Vehicle     model.Vehicle
	DistanceM   float64
	Duration    time.Duration
	Reliability float64
	Score       float64
}

// Exclusion reasons.
const (
	ExcludedUnavailable = "unavailable"
	ExcludedCapacity    = "capacity"
	ExcludedRadius      = "radius"
	ExcludedWait        = "wait"
)

// Exclude returns why c must not be scored for demand, or "" if it may.
func (w ScoreWeights) Exclude(c Candidate, demand model.Demand) string {
	switch {
	case !c.Vehicle.Available:
		return ExcludedUnavailable
	case !c.Vehicle.Capacity.Fits(c.Vehicle.Load().Add(demand)):
		return ExcludedCapacity
	case c.DistanceM > w.MaxRadiusM:
		return ExcludedRadius
	case c.Duration > w.MaxWait:
		return ExcludedWait
	}
	return ""
}

// Score computes the weighted sum, clamped to [0, 100].
func (w ScoreWeights) Score(c Candidate) float64 {
	s := 0.0
	if c.Vehicle.Class == model.VehicleInternal {
		s += w.InternalBonus
	}
	s += w.Distance * falloff(c.DistanceM, w.MaxRadiusM)
	s += w.Duration * falloff(c.Duration.Seconds(), w.MaxWait.Seconds())
	s += w.Reliability * clamp(c.Reliability, 0, 1)
	return clamp(s, 0, 100)
}

// Rank drops excluded candidates, scores the rest and orders them best
// first: score, then shorter distance, then vehicle id.
func (w ScoreWeights) Rank(cands []Candidate, demand model.Demand) (ranked []Candidate, excluded map[string]int) {
	excluded = map[string]int{}
	for _, c := range cands {
		if why := w.Exclude(c, demand); why != "" {
			excluded[why]++
			continue
		}
		c.Score = w.Score(c)
		ranked = append(ranked, c)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.DistanceM != b.DistanceM {
			return a.DistanceM < b.DistanceM
		}
		return a.Vehicle.ID < b.Vehicle.ID
	})
	return ranked, excluded
}

// falloff is 1 at zero, 0 at max, linear between.
func falloff(v, max float64) float64 {
	if max <= 0 {
		return 0
	}
	return clamp(1-v/max, 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
