// Package creative manages A/B rotation of ad variants. Each keyword group
// carries a bounded set of Active variants plus any number of Candidates
// awaiting evaluation; the rotator promotes and retires variants from
// observed performance, with explicit floors against rotating on noise.
package creative

import (
	"fmt"
	"sort"
	"time"

	"github.com/ignite/direct-optimizer/internal/config"
	"github.com/ignite/direct-optimizer/internal/domain"
)

// VariantStats is the accumulated performance of one variant since it
// started serving.
type VariantStats struct {
	CreativeID  string
	Impressions int
	Clicks      int
	Cost        float64
	Conversions int
}

// Score is conversions per unit cost. A variant that has spent nothing
// scores zero (lowest), never a division fault.
func (s VariantStats) Score() float64 {
	if s.Cost <= 0 {
		return 0
	}
	return float64(s.Conversions) / s.Cost
}

// Decision records one rotation action, for logging and the platform write.
type Decision struct {
	Type       string // promote, retire
	CreativeID string
	GroupID    string
	Reason     string
}

// Rotator applies the rotation policy. Stateless: each call works on the
// creatives and stats it is given and returns an updated copy, so a failed
// tick discards the result without touching prior state.
type Rotator struct {
	cfg config.RotationConfig
}

// NewRotator creates a rotator with the given thresholds.
func NewRotator(cfg config.RotationConfig) *Rotator {
	return &Rotator{cfg: cfg}
}

// Aggregate folds raw metric rows into per-variant totals. Rows without a
// creative id are ignored (they are group-level rows).
func Aggregate(metrics []domain.PerformanceMetric) map[string]VariantStats {
	out := make(map[string]VariantStats)
	for _, m := range metrics {
		if m.CreativeID == "" {
			continue
		}
		s := out[m.CreativeID]
		s.CreativeID = m.CreativeID
		s.Impressions += m.Impressions
		s.Clicks += m.Clicks
		s.Cost += m.Cost
		s.Conversions += m.Conversions
		out[m.CreativeID] = s
	}
	return out
}

// Rotate evaluates each group's variants against their accumulated stats and
// returns the updated variant set plus the decisions taken. Rotation never
// crosses groups: the Active bound and every retirement are judged against
// the candidate's own group only.
//
// Policy per group, in order:
//  1. Refresh each variant's performance score from its stats.
//  2. Promote the best-scoring Candidate that has reached the impression
//     floor, as long as an Active slot is free or can be freed.
//  3. Free a slot by retiring the worst-scoring Active variant, but only if
//     it has been Active for at least the dwell time and scores worse than
//     the incoming Candidate.
func (r *Rotator) Rotate(now time.Time, creatives []domain.AdCreative, stats map[string]VariantStats) ([]domain.AdCreative, []Decision) {
	out := append([]domain.AdCreative(nil), creatives...)
	var decisions []Decision

	for i := range out {
		if s, ok := stats[out[i].ID]; ok && s.Impressions > 0 {
			score := s.Score()
			out[i].PerformanceScore = &score
		}
	}

	for _, groupID := range groupOrder(out) {
		decisions = append(decisions, r.rotateGroup(now, out, groupID, stats)...)
	}
	return out, decisions
}

// groupOrder lists group ids in first-appearance order so decisions come out
// in a deterministic order.
func groupOrder(creatives []domain.AdCreative) []string {
	seen := make(map[string]bool, len(creatives))
	var order []string
	for _, c := range creatives {
		if !seen[c.GroupID] {
			seen[c.GroupID] = true
			order = append(order, c.GroupID)
		}
	}
	return order
}

// rotateGroup applies the rotation policy to one group's variants, mutating
// the shared slice in place.
func (r *Rotator) rotateGroup(now time.Time, out []domain.AdCreative, groupID string, stats map[string]VariantStats) []Decision {
	var active, candidates []int
	for i, c := range out {
		if c.GroupID != groupID {
			continue
		}
		switch c.Status {
		case domain.CreativeActive:
			active = append(active, i)
		case domain.CreativeCandidate:
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	var decisions []Decision

	// Best qualifying candidate first.
	sort.SliceStable(candidates, func(a, b int) bool {
		return statScore(stats, out[candidates[a]].ID) > statScore(stats, out[candidates[b]].ID)
	})

	for _, ci := range candidates {
		cand := &out[ci]
		if stats[cand.ID].Impressions < r.cfg.MinImpressions {
			// Statistical floor: never rotate on too little data.
			continue
		}

		if len(active) < r.cfg.MaxActivePerGroup {
			activate(cand, now)
			active = append(active, ci)
			decisions = append(decisions, Decision{
				Type: "promote", CreativeID: cand.ID, GroupID: cand.GroupID,
				Reason: fmt.Sprintf("free slot, %d impressions, score %.4f", stats[cand.ID].Impressions, statScore(stats, cand.ID)),
			})
			continue
		}

		// All slots taken: find the worst Active that is allowed to retire.
		wi := r.worstRetirable(out, active, stats, now)
		if wi < 0 {
			break // nothing retirable yet; keep the candidate waiting
		}
		if statScore(stats, cand.ID) <= statScore(stats, out[wi].ID) {
			break // incumbent is at least as good; no churn
		}

		out[wi].Status = domain.CreativeRetired
		decisions = append(decisions, Decision{
			Type: "retire", CreativeID: out[wi].ID, GroupID: out[wi].GroupID,
			Reason: fmt.Sprintf("score %.4f beaten by candidate %s (%.4f)", statScore(stats, out[wi].ID), cand.ID, statScore(stats, cand.ID)),
		})
		activate(cand, now)
		decisions = append(decisions, Decision{
			Type: "promote", CreativeID: cand.ID, GroupID: cand.GroupID,
			Reason: fmt.Sprintf("replacing %s, %d impressions, score %.4f", out[wi].ID, stats[cand.ID].Impressions, statScore(stats, cand.ID)),
		})

		active = replaceIndex(active, wi, ci)
	}

	return decisions
}

// worstRetirable returns the index of the lowest-scoring Active variant that
// has satisfied the dwell time, or -1 when none may be retired yet.
func (r *Rotator) worstRetirable(creatives []domain.AdCreative, active []int, stats map[string]VariantStats, now time.Time) int {
	worst := -1
	for _, ai := range active {
		c := creatives[ai]
		if c.ActivatedAt == nil || now.Sub(*c.ActivatedAt) < r.cfg.MinDwell() {
			continue // dwell not satisfied; immune to retirement
		}
		if worst < 0 || statScore(stats, c.ID) < statScore(stats, creatives[worst].ID) {
			worst = ai
		}
	}
	return worst
}

func activate(c *domain.AdCreative, now time.Time) {
	t := now
	c.Status = domain.CreativeActive
	c.ActivatedAt = &t
}

func statScore(stats map[string]VariantStats, id string) float64 {
	return stats[id].Score()
}

func replaceIndex(active []int, oldIdx, newIdx int) []int {
	for i, v := range active {
		if v == oldIdx {
			active[i] = newIdx
			return active
		}
	}
	return append(active, newIdx)
}
