package queue

import (
	"sort"

	"github.com/kursadbilgin/delivery-router/internal/domain"
)

// LaneWeights gives each lane its share of one scheduling round.
type LaneWeights map[domain.Priority]int

// DefaultLaneWeights is urgent:high:normal:low = 4:3:2:1.
func DefaultLaneWeights() LaneWeights {
	return LaneWeights{
		domain.PriorityUrgent: 4,
		domain.PriorityHigh:   3,
		domain.PriorityNormal: 2,
		domain.PriorityLow:    1,
	}
}

// RoundRobinPlan returns the slot order of one weighted round, interleaved
// so that no lane waits for a busier lane to use all of its slots. For
// 4:3:2:1 it yields U H N L U H N U H U.
func RoundRobinPlan(weights LaneWeights) []domain.Priority {
	maxWeight := 0
	total := 0
	for _, priority := range domain.Priorities() {
		w := weights[priority]
		total += max(w, 0)
		maxWeight = max(maxWeight, w)
	}

	plan := make([]domain.Priority, 0, total)
	for round := 0; round < maxWeight; round++ {
		for _, priority := range domain.Priorities() {
			if weights[priority] > round {
				plan = append(plan, priority)
			}
		}
	}
	return plan
}

// SplitBudget divides limit across lanes proportionally to their weights
// using largest remainders. Every weighted lane gets at least one slot when
// limit allows, so the low lane is never starved of scan budget.
func SplitBudget(limit int, weights LaneWeights) map[domain.Priority]int {
	quotas := make(map[domain.Priority]int, len(weights))
	if limit <= 0 {
		return quotas
	}

	lanes := make([]domain.Priority, 0, len(weights))
	total := 0
	for _, priority := range domain.Priorities() {
		if w := weights[priority]; w > 0 {
			lanes = append(lanes, priority)
			total += w
		}
	}
	if total == 0 {
		return quotas
	}

	assigned := 0
	if limit >= len(lanes) {
		for _, priority := range lanes {
			quotas[priority] = 1
		}
		assigned = len(lanes)
	}

	remaining := limit - assigned
	type remainder struct {
		priority domain.Priority
		frac     int
	}
	remainders := make([]remainder, 0, len(lanes))
	distributed := 0
	for _, priority := range lanes {
		share := remaining * weights[priority]
		quotas[priority] += share / total
		distributed += share / total
		remainders = append(remainders, remainder{priority: priority, frac: share % total})
	}

	sort.SliceStable(remainders, func(i, j int) bool {
		return remainders[i].frac > remainders[j].frac
	})
	for i := 0; i < remaining-distributed; i++ {
		quotas[remainders[i%len(remainders)].priority]++
	}

	return quotas
}

// Only restricts the weights to the given lanes.
func (w LaneWeights) Only(priorities ...domain.Priority) LaneWeights {
	restricted := make(LaneWeights, len(priorities))
	for _, priority := range priorities {
		if weight, ok := w[priority]; ok {
			restricted[priority] = weight
		}
	}
	return restricted
}
