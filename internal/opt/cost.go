package opt

// CostWeights blend elapsed minutes and kilometers into one route cost.
type CostWeights struct {
	Time     float64 `yaml:"timeWeight"`
	Distance float64 `yaml:"distanceWeight"`
}

var DefaultCostWeights = CostWeights{Time: 0.7, Distance: 0.3}

// Cost of a feasible schedule: Time·minutes + Distance·kilometers.
func (w CostWeights) Cost(s Schedule) float64 {
	return w.Time*s.Duration().Minutes() + w.Distance*s.DistanceM/1000
}

// Improvement is the relative gain (old-new)/old; zero when old is not positive.
func Improvement(oldCost, newCost float64) float64 {
	if oldCost <= 0 {
		return 0
	}
	return (oldCost - newCost) / oldCost
}
