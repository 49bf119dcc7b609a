package opt

import (
	"sort"
)

// Builder runs savings construction followed by per-route 2-opt.
type Builder struct {
	MaxIterations int
}

// PlannedRoute is one vehicle's sequence in a Plan. Seq holds stop indices.
type PlannedRoute struct {
	Vehicle  int
	Seq      []int
	Schedule Schedule
}

// Plan is the result of Build. Unassigned lists stop indices no vehicle can
// carry or serve in time; they are reported, never dropped.
type Plan struct {
	Routes     []PlannedRoute
	Unassigned []int
}

// Build constructs routes for every stop of the instance. Merged chains are
// placed on the vehicle where they add the least distance; a chain that fits
// nowhere as a whole is split per order and inserted piecewise.
func (b Builder) Build(in *Instance) Plan {
	chains := in.construct()
	sort.SliceStable(chains, func(i, j int) bool {
		li, lj := in.Load(chains[i].nodes), in.Load(chains[j].nodes)
		if li.Weight != lj.Weight {
			return li.Weight > lj.Weight
		}
		return li.Volume > lj.Volume
	})

	seqs := make([][]int, len(in.Vehicles))
	var unassigned []int
	for _, c := range chains {
		if v, seq, ok := in.placeChain(seqs, c.nodes); ok {
			seqs[v] = seq
			continue
		}
		for _, group := range in.orderGroups(c.nodes) {
			v, seq, ok := in.cheapestInsert(seqs, group)
			if !ok {
				unassigned = append(unassigned, group...)
				continue
			}
			seqs[v] = seq
		}
	}

	plan := Plan{Unassigned: unassigned}
	sort.Ints(plan.Unassigned)
	for v, seq := range seqs {
		if len(seq) == 0 {
			continue
		}
		seq, sch := in.Improve2Opt(v, seq, b.MaxIterations)
		plan.Routes = append(plan.Routes, PlannedRoute{Vehicle: v, Seq: seq, Schedule: sch})
	}
	return plan
}

// Improve runs 2-opt on an existing sequence.
func (b Builder) Improve(in *Instance, v int, seq []int) ([]int, Schedule) {
	return in.Improve2Opt(v, seq, b.MaxIterations)
}

// Merge inserts group into vehicle v's sequence and then improves the result.
// It returns ErrInfeasible when no insertion keeps every window and the
// capacity.
func (b Builder) Merge(in *Instance, v int, seq, group []int) ([]int, Schedule, error) {
	merged, _, err := in.Insert(v, seq, group)
	if err != nil {
		return nil, Schedule{}, err
	}
	out, sch := in.Improve2Opt(v, merged, b.MaxIterations)
	return out, sch, nil
}

func (in *Instance) placeChain(seqs [][]int, nodes []int) (int, []int, bool) {
	bestV, bestAdded := -1, 0.0
	var bestSeq []int
	for v := range in.Vehicles {
		base := in.PathDistance(v, seqs[v])
		for _, cand := range [][]int{concat(seqs[v], nodes), concat(nodes, seqs[v])} {
			if !in.Vehicles[v].Capacity.Fits(in.Load(cand)) {
				break
			}
			added := in.PathDistance(v, cand) - base
			if bestV >= 0 && added+eps >= bestAdded {
				continue
			}
			if !in.Check(v, cand).Feasible {
				continue
			}
			bestV, bestAdded, bestSeq = v, added, cand
		}
	}
	return bestV, bestSeq, bestV >= 0
}

func (in *Instance) cheapestInsert(seqs [][]int, group []int) (int, []int, bool) {
	bestV, bestAdded := -1, 0.0
	var bestSeq []int
	for v := range in.Vehicles {
		seq, _, err := in.Insert(v, seqs[v], group)
		if err != nil {
			continue
		}
		added := in.PathDistance(v, seq) - in.PathDistance(v, seqs[v])
		if bestV < 0 || added+eps < bestAdded {
			bestV, bestAdded, bestSeq = v, added, seq
		}
	}
	return bestV, bestSeq, bestV >= 0
}

// orderGroups splits a chain into per-order stop groups, pickup first.
func (in *Instance) orderGroups(nodes []int) [][]int {
	idx := map[string]int{}
	var groups [][]int
	for _, k := range nodes {
		oid := in.Stops[k].OrderID
		g, ok := idx[oid]
		if !ok || oid == "" {
			idx[oid] = len(groups)
			groups = append(groups, []int{k})
			continue
		}
		groups[g] = append(groups[g], k)
	}
	return groups
}

func concat(a, b []int) []int {
	out := make([]int, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}
