package notify

import (
	"fleetopt/internal/model"
)

// RouteChanges lists a route.changed event for every stop of next whose
// estimated arrival differs from prev (or that prev lacked). Stops of the
// skip order are left out; callers announce those separately.
func RouteChanges(prev *model.Route, next model.Route, skipOrder string) []model.AssignmentEvent {
	var out []model.AssignmentEvent
	for _, s := range next.Stops {
		if skipOrder != "" && s.OrderID == skipOrder {
			continue
		}
		eta, ok := next.ETA(s.ID)
		if !ok {
			continue
		}
		if prev != nil {
			if old, had := prev.ETA(s.ID); had && old.Equal(eta) {
				continue
			}
		}
		out = append(out, model.AssignmentEvent{
			Type:             model.EventRouteChanged,
			OrderID:          s.OrderID,
			VehicleID:        next.VehicleID,
			StopID:           s.ID,
			EstimatedArrival: eta,
		})
	}
	return out
}
