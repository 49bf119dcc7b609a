package reopt

import (
	"sort"
	"sync"
)

// History keeps the most recent reoptimization results per vehicle for the
// admin endpoint. It is process-local.
type History struct {
	PerVehicle int

	mu      sync.Mutex
	results map[string][]Result
}

func NewHistory(perVehicle int) *History {
	if perVehicle <= 0 {
		perVehicle = 20
	}
	return &History{PerVehicle: perVehicle, results: map[string][]Result{}}
}

func (h *History) Record(r Result) {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := append(h.results[r.VehicleID], r)
	if len(list) > h.PerVehicle {
		list = list[len(list)-h.PerVehicle:]
	}
	h.results[r.VehicleID] = list
}

// Recent returns up to limit results, newest first. An empty vehicleID
// spans every vehicle.
func (h *History) Recent(vehicleID string, limit int) []Result {
	h.mu.Lock()
	var out []Result
	if vehicleID != "" {
		out = append(out, h.results[vehicleID]...)
	} else {
		for _, list := range h.results {
			out = append(out, list...)
		}
	}
	h.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].At.Equal(out[j].At) {
			return out[i].At.After(out[j].At)
		}
		return out[i].VehicleID < out[j].VehicleID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
