package opt

// Local search and insertion over stop-index sequences. Every candidate is
// re-validated by Check; a shorter but infeasible sequence is never kept.

const defaultIterations = 200

// eps keeps float noise from counting as an improvement.
const eps = 1e-6

// Improve2Opt applies best-improvement 2-opt to seq for vehicle v: each pass
// scans every reversal seq[i..k] and applies the shortest feasible one.
// It stops at a local optimum or after iterations passes. The returned
// distance never exceeds the input's.
func (in *Instance) Improve2Opt(v int, seq []int, iterations int) ([]int, Schedule) {
	if iterations <= 0 {
		iterations = defaultIterations
	}
	best := append([]int(nil), seq...)
	bestSched := in.Check(v, best)
	if !bestSched.Feasible {
		return best, bestSched
	}
	bestDist := in.PathDistance(v, best)
	n := len(best)
	for it := 0; it < iterations; it++ {
		var (
			cand      []int
			candSched Schedule
			candDist  = bestDist
		)
		for i := 0; i < n-1; i++ {
			for k := i + 1; k < n; k++ {
				next := twoOptSwap(best, i, k)
				d := in.PathDistance(v, next)
				if d+eps >= candDist {
					continue
				}
				sch := in.Check(v, next)
				if !sch.Feasible {
					continue
				}
				cand, candSched, candDist = next, sch, d
			}
		}
		if cand == nil {
			break
		}
		best, bestSched, bestDist = cand, candSched, candDist
	}
	return best, bestSched
}

func twoOptSwap(ord []int, i, k int) []int {
	out := make([]int, len(ord))
	copy(out, ord[:i])
	pos := i
	for j := k; j >= i; j-- {
		out[pos] = ord[j]
		pos++
	}
	copy(out[pos:], ord[k+1:])
	return out
}

// Insert places group (a pickup then its delivery, or a single stop) into seq
// at the positions with the least resulting distance that Check accepts.
// Relative order inside group is preserved.
func (in *Instance) Insert(v int, seq, group []int) ([]int, Schedule, error) {
	var (
		best      []int
		bestSched Schedule
		bestDist  float64
	)
	try := func(cand []int) {
		d := in.PathDistance(v, cand)
		if best != nil && d+eps >= bestDist {
			return
		}
		sch := in.Check(v, cand)
		if !sch.Feasible {
			return
		}
		best, bestSched, bestDist = cand, sch, d
	}
	switch len(group) {
	case 0:
		return append([]int(nil), seq...), in.Check(v, seq), nil
	case 1:
		for i := 0; i <= len(seq); i++ {
			try(insertAt(seq, i, group[0]))
		}
	default:
		first, rest := group[0], group[1:]
		for i := 0; i <= len(seq); i++ {
			withFirst := insertAt(seq, i, first)
			for j := i + 1; j <= len(withFirst); j++ {
				cand := withFirst
				for r, k := range rest {
					cand = insertAt(cand, j+r, k)
				}
				try(cand)
			}
		}
	}
	if best == nil {
		return nil, Schedule{}, ErrInfeasible
	}
	return best, bestSched, nil
}

func insertAt(seq []int, i, k int) []int {
	out := make([]int, 0, len(seq)+1)
	out = append(out, seq[:i]...)
	out = append(out, k)
	return append(out, seq[i:]...)
}
