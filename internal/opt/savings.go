package opt

import (
	"sort"

	"fleetopt/internal/model"
)

// Saving is the detour avoided by serving stop J right after stop I instead
// of returning to the anchor in between.
type Saving struct {
	I, J  int
	Value float64
}

// Savings lists every ordered stop pair with
// dist(anchor,i) + dist(anchor,j) - dist(i,j), highest first. Ties keep
// (I, J) ascending so construction is deterministic.
func (in *Instance) Savings() []Saving {
	a := in.anchor()
	n := len(in.Stops)
	out := make([]Saving, 0, n*(n-1))
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			ni, nj := in.node(i), in.node(j)
			v := in.Matrix.Distance(a, ni) + in.Matrix.Distance(a, nj) - in.Matrix.Distance(ni, nj)
			out = append(out, Saving{I: i, J: j, Value: v})
		}
	}
	sort.SliceStable(out, func(x, y int) bool {
		if out[x].Value != out[y].Value {
			return out[x].Value > out[y].Value
		}
		if out[x].I != out[y].I {
			return out[x].I < out[y].I
		}
		return out[x].J < out[y].J
	})
	return out
}

type chain struct {
	nodes []int
	alive bool
}

// seedChains starts one chain per order: [pickup, delivery] when both are in
// the instance, otherwise the lone stop.
func (in *Instance) seedChains() ([]*chain, []int) {
	chainOf := make([]int, len(in.Stops))
	var chains []*chain
	pickup := map[string]int{}
	for k, s := range in.Stops {
		if s.Kind == model.StopPickup {
			pickup[s.OrderID] = k
		}
	}
	placed := make([]bool, len(in.Stops))
	for k, s := range in.Stops {
		if placed[k] {
			continue
		}
		c := &chain{alive: true, nodes: []int{k}}
		if s.Kind == model.StopPickup {
			for d, other := range in.Stops {
				if d != k && !placed[d] && other.OrderID == s.OrderID && other.Kind == model.StopDelivery {
					c.nodes = append(c.nodes, d)
					break
				}
			}
		} else if s.Kind == model.StopDelivery {
			if p, ok := pickup[s.OrderID]; ok && !placed[p] {
				c.nodes = []int{p, k}
			}
		}
		for _, x := range c.nodes {
			placed[x] = true
			chainOf[x] = len(chains)
		}
		chains = append(chains, c)
	}
	return chains, chainOf
}

// construct runs the savings merge: a pair joins two chains only when I ends
// its chain, J starts the other, and some vehicle can carry and serve the
// merged sequence in time.
func (in *Instance) construct() []*chain {
	chains, chainOf := in.seedChains()
	for _, s := range in.Savings() {
		if s.Value <= 0 {
			break
		}
		ci, cj := chainOf[s.I], chainOf[s.J]
		if ci == cj {
			continue
		}
		a, b := chains[ci], chains[cj]
		if a.nodes[len(a.nodes)-1] != s.I || b.nodes[0] != s.J {
			continue
		}
		merged := make([]int, 0, len(a.nodes)+len(b.nodes))
		merged = append(merged, a.nodes...)
		merged = append(merged, b.nodes...)
		if !in.feasibleForAny(merged) {
			continue
		}
		a.nodes = merged
		b.alive = false
		b.nodes = nil
		for _, x := range merged {
			chainOf[x] = ci
		}
	}
	out := make([]*chain, 0, len(chains))
	for _, c := range chains {
		if c.alive {
			out = append(out, c)
		}
	}
	return out
}

func (in *Instance) feasibleForAny(seq []int) bool {
	load := in.Load(seq)
	for v := range in.Vehicles {
		if !in.Vehicles[v].Capacity.Fits(load) {
			continue
		}
		if in.Check(v, seq).Feasible {
			return true
		}
	}
	return false
}
