// Package budget distributes a daily advertising budget across keyword
// groups. Allocation is proportional to a blend of the group's scored
// priority and its observed conversion efficiency, clamped to configured
// per-group floors and caps.
package budget

import (
	"fmt"
	"math"
	"sort"

	"github.com/ignite/direct-optimizer/internal/config"
	"github.com/ignite/direct-optimizer/internal/domain"
)

// GroupSignal carries the per-group inputs to allocation.
type GroupSignal struct {
	GroupID  string
	Priority float64 // aggregate scored priority, 0..100
	// Efficiency is observed conversions per unit cost, normalized to 0..1
	// against the best group in the set. Zero until metrics exist.
	Efficiency float64
}

// Allocator computes budget allocations. Stateless and safe for concurrent
// use; each call works only on its arguments.
type Allocator struct {
	cfg config.BudgetConfig
}

// NewAllocator creates an allocator with the given policy.
func NewAllocator(cfg config.BudgetConfig) *Allocator {
	return &Allocator{cfg: cfg}
}

// Allocate splits total across the given groups. The blended weight is
// alpha*priority + (1-alpha)*efficiency. After the proportional split every
// group is clamped to [floor, cap] and the clamped remainder is redistributed
// across unclamped groups, iterating until stable or the iteration cap.
//
// Returns ErrUnsatisfiableBudget when the floors alone exceed total; the
// floor invariant is never silently violated.
func (a *Allocator) Allocate(groups []domain.KeywordGroup, signals map[string]GroupSignal, total float64) (domain.BudgetAllocation, error) {
	alloc := domain.BudgetAllocation{
		Total:    total,
		Currency: a.cfg.Currency,
		ByGroup:  make(map[string]float64, len(groups)),
	}
	if len(groups) == 0 {
		return alloc, nil
	}

	floor := a.cfg.GroupFloor
	cap := a.cfg.GroupCap
	if cap <= 0 {
		cap = total
	}
	if floor*float64(len(groups)) > total+domain.BudgetEpsilon {
		return domain.BudgetAllocation{}, fmt.Errorf(
			"%w: %d groups x floor %.2f > total %.2f",
			domain.ErrUnsatisfiableBudget, len(groups), floor, total)
	}

	// Deterministic iteration order regardless of map layout.
	ids := make([]string, 0, len(groups))
	weights := make(map[string]float64, len(groups))
	for _, g := range groups {
		ids = append(ids, g.ID)
		weights[g.ID] = a.blendedWeight(g, signals)
	}
	sort.Strings(ids)

	clamped := make(map[string]float64) // id -> fixed amount
	remaining := total
	free := ids

	for iter := 0; iter < a.cfg.MaxIterations && len(free) > 0; iter++ {
		var weightSum float64
		for _, id := range free {
			weightSum += weights[id]
		}

		share := make(map[string]float64, len(free))
		if weightSum <= 0 {
			// No signal at all: split evenly.
			for _, id := range free {
				share[id] = remaining / float64(len(free))
			}
		} else {
			for _, id := range free {
				share[id] = remaining * weights[id] / weightSum
			}
		}

		var nextFree []string
		stable := true
		for _, id := range free {
			amt := share[id]
			switch {
			case amt < floor:
				clamped[id] = floor
				remaining -= floor
				stable = false
			case amt > cap:
				clamped[id] = cap
				remaining -= cap
				stable = false
			default:
				nextFree = append(nextFree, id)
			}
		}
		free = nextFree
		if stable {
			for _, id := range free {
				clamped[id] = share[id]
			}
			free = nil
		}
	}

	// Iteration cap hit with groups still unresolved: give them their
	// proportional share of whatever remains, clamped once.
	if len(free) > 0 {
		var weightSum float64
		for _, id := range free {
			weightSum += weights[id]
		}
		for _, id := range free {
			amt := remaining / float64(len(free))
			if weightSum > 0 {
				amt = remaining * weights[id] / weightSum
			}
			clamped[id] = math.Min(math.Max(amt, floor), cap)
		}
	}

	for id, amt := range clamped {
		alloc.ByGroup[id] = round2(amt)
	}

	// Rounding drift lands on the largest allocation so the sum stays exact.
	// A larger shortfall means the caps bind (sum of caps below total); that
	// is deliberate under-spend, never pushed past a cap.
	if diff := round2(total - alloc.Sum()); diff != 0 && math.Abs(diff) < 1 {
		largest := ids[0]
		for _, id := range ids {
			if alloc.ByGroup[id] > alloc.ByGroup[largest] {
				largest = id
			}
		}
		alloc.ByGroup[largest] = round2(alloc.ByGroup[largest] + diff)
	}

	return alloc, nil
}

// blendedWeight combines scored priority with observed efficiency. Both
// inputs are normalized to 0..1 before blending.
func (a *Allocator) blendedWeight(g domain.KeywordGroup, signals map[string]GroupSignal) float64 {
	priority := g.AggregatePriority() / 100
	efficiency := 0.0
	if s, ok := signals[g.ID]; ok {
		if s.Priority > 0 {
			priority = s.Priority / 100
		}
		efficiency = s.Efficiency
	}
	alpha := a.cfg.BlendAlpha
	return alpha*priority + (1-alpha)*efficiency
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
