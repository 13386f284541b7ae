package domain

import (
	"fmt"
	"strings"
	"time"
)

// CampaignStatus enumerates the lifecycle states of a managed campaign.
type CampaignStatus string

const (
	CampaignDraft      CampaignStatus = "draft"
	CampaignSubmitted  CampaignStatus = "submitted"
	CampaignMonitoring CampaignStatus = "monitoring"
	CampaignOptimizing CampaignStatus = "optimizing"
	CampaignPaused     CampaignStatus = "paused"
	CampaignFailed     CampaignStatus = "failed"
)

// IsTerminal returns true if the campaign requires operator intervention to
// leave this state.
func (s CampaignStatus) IsTerminal() bool { return s == CampaignFailed }

// LandingAnalysis is the distilled view of a landing page (or free-form
// business description) that keyword and creative generation work from.
type LandingAnalysis struct {
	Source         string   `json:"source"` // URL or "description"
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	Keywords       []string `json:"keywords"`
	PainPoints     []string `json:"pain_points"`
	ValueProps     []string `json:"value_props"`
	TargetAudience string   `json:"target_audience"`
	Industry       string   `json:"industry"`
	Competitors    []string `json:"competitors,omitempty"`
	CallToAction   string   `json:"call_to_action"`
}

// BudgetAllocation maps keyword groups to daily spend. Total is the configured
// daily budget the per-group amounts must sum to (within epsilon).
type BudgetAllocation struct {
	Total    float64            `json:"total" db:"total"`
	Currency string             `json:"currency" db:"currency"`
	ByGroup  map[string]float64 `json:"by_group"`
}

// BudgetEpsilon is the rounding tolerance for allocation sums.
const BudgetEpsilon = 0.01

// Sum returns the total of all per-group allocations.
func (b BudgetAllocation) Sum() float64 {
	var s float64
	for _, v := range b.ByGroup {
		s += v
	}
	return s
}

// Forecast is an informational performance estimate for a plan. It never
// feeds back into allocation decisions.
type Forecast struct {
	ExpectedClicksPerDay      float64 `json:"expected_clicks_per_day"`
	ExpectedConversionsPerDay float64 `json:"expected_conversions_per_day"`
	ExpectedCPC               float64 `json:"expected_cpc"`
	ExpectedCTR               float64 `json:"expected_ctr"`
	ExpectedConversionRate    float64 `json:"expected_conversion_rate"`
	CostPerConversion         float64 `json:"cost_per_conversion"`
	MonthlyBudget             float64 `json:"monthly_budget"`
	MonthlyConversions        float64 `json:"monthly_conversions"`
}

// CampaignPlan is the complete pre-submission artifact: groups, creatives,
// budget split, and forecast. Built once by the planner; superseded by
// CampaignState after the plan is submitted to the ads platform.
type CampaignPlan struct {
	ID        string           `json:"id" db:"id"`
	Analysis  LandingAnalysis  `json:"analysis"`
	Groups    []KeywordGroup   `json:"groups"`
	Creatives []AdCreative     `json:"creatives"`
	Budget    BudgetAllocation `json:"budget"`
	Forecast  Forecast         `json:"forecast"`
	CreatedAt time.Time        `json:"created_at" db:"created_at"`
}

// Validate checks the plan-wide invariants. A violation here is always an
// InvariantViolation: the builders are supposed to make these unrepresentable,
// so a failure means corrupted construction, not bad user input.
func (p CampaignPlan) Validate() error {
	seen := make(map[string]string) // phrase -> group id
	groupIDs := make(map[string]bool, len(p.Groups))
	for _, g := range p.Groups {
		groupIDs[g.ID] = true
		for _, k := range g.Keywords {
			if prev, dup := seen[k.Phrase]; dup {
				return invariant(fmt.Sprintf("phrase %q appears in groups %s and %s", k.Phrase, prev, g.ID))
			}
			seen[k.Phrase] = g.ID
		}
	}
	for _, g := range p.Groups {
		for _, m := range g.MinusWords {
			for phrase := range seen {
				for _, w := range strings.Fields(phrase) {
					if w == m {
						return invariant(fmt.Sprintf("term %q is both a minus-word (group %s) and part of positive phrase %q", m, g.ID, phrase))
					}
				}
			}
		}
	}
	for _, c := range p.Creatives {
		if !groupIDs[c.GroupID] {
			return invariant(fmt.Sprintf("creative %s references unknown group %s", c.ID, c.GroupID))
		}
	}
	if p.Budget.Total > 0 {
		if diff := p.Budget.Sum() - p.Budget.Total; diff > BudgetEpsilon {
			return invariant(fmt.Sprintf("allocation sum %.2f exceeds daily budget %.2f", p.Budget.Sum(), p.Budget.Total))
		}
	}
	return nil
}

// PerformanceMetric is one observation from the ads platform. The local
// series is an append-only cache; the platform remains the source of truth.
type PerformanceMetric struct {
	Timestamp   time.Time `json:"timestamp" db:"ts"`
	GroupID     string    `json:"group_id,omitempty" db:"group_id"`
	CreativeID  string    `json:"creative_id,omitempty" db:"creative_id"`
	Impressions int       `json:"impressions" db:"impressions"`
	Clicks      int       `json:"clicks" db:"clicks"`
	Cost        float64   `json:"cost" db:"cost"`
	Conversions int       `json:"conversions" db:"conversions"`
}

// CampaignState is the cross-tick mutable record for a live campaign. It is
// owned exclusively by that campaign's optimization loop; everyone else gets
// read-only snapshots.
type CampaignState struct {
	CampaignID string         `json:"campaign_id" db:"campaign_id"`
	PlatformID int64          `json:"platform_id" db:"platform_id"` // ads platform campaign id
	Status     CampaignStatus `json:"status" db:"status"`

	Budget          BudgetAllocation `json:"budget"`
	ActiveCreatives []AdCreative     `json:"active_creatives"`

	LastOptimizedAt time.Time `json:"last_optimized_at" db:"last_optimized_at"`
	TickCount       int       `json:"tick_count" db:"tick_count"`
	RetryCount      int       `json:"retry_count" db:"retry_count"`
	LastError       string    `json:"last_error,omitempty" db:"last_error"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// Clone returns a deep copy so readers never alias the loop's working state.
func (s CampaignState) Clone() CampaignState {
	out := s
	out.Budget.ByGroup = make(map[string]float64, len(s.Budget.ByGroup))
	for k, v := range s.Budget.ByGroup {
		out.Budget.ByGroup[k] = v
	}
	out.ActiveCreatives = append([]AdCreative(nil), s.ActiveCreatives...)
	return out
}
