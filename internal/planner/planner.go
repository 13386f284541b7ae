// Package planner builds complete campaign plans: landing analysis, keyword
// generation and scoring, semantic core construction, creative drafts, budget
// allocation, and forecast. A failure at any stage aborts the whole build;
// a partial plan is never returned.
package planner

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/direct-optimizer/internal/aicontent"
	"github.com/ignite/direct-optimizer/internal/budget"
	"github.com/ignite/direct-optimizer/internal/config"
	"github.com/ignite/direct-optimizer/internal/domain"
	"github.com/ignite/direct-optimizer/internal/forecast"
	"github.com/ignite/direct-optimizer/internal/landing"
	"github.com/ignite/direct-optimizer/internal/semantic"
)

// BuildRequest describes one plan build. Exactly one of LandingURL or
// BusinessDescription must be set; DailyBudget of zero falls back to the
// configured default.
type BuildRequest struct {
	LandingURL          string  `json:"landing_url,omitempty"`
	BusinessDescription string  `json:"business_description,omitempty"`
	DailyBudget         float64 `json:"daily_budget,omitempty"`
}

// Planner wires the plan construction pipeline.
type Planner struct {
	cfg       *config.Config
	pages     landing.Analyzer
	ai        aicontent.Service
	scorer    *semantic.Scorer
	builder   *semantic.Builder
	allocator *budget.Allocator
}

// New creates a planner from the engine configuration and collaborators.
func New(cfg *config.Config, pages landing.Analyzer, ai aicontent.Service) *Planner {
	return &Planner{
		cfg:       cfg,
		pages:     pages,
		ai:        ai,
		scorer:    semantic.NewScorer(cfg.Scoring),
		builder:   semantic.NewBuilder(cfg.Grouping),
		allocator: budget.NewAllocator(cfg.Budget),
	}
}

// BuildPlan runs the full pipeline and validates the result against the
// plan-wide invariants before returning it.
func (p *Planner) BuildPlan(ctx context.Context, req BuildRequest) (*domain.CampaignPlan, error) {
	dailyBudget := req.DailyBudget
	if dailyBudget <= 0 {
		dailyBudget = p.cfg.Budget.DailyTotal
	}
	if dailyBudget <= 0 {
		return nil, &domain.ValidationError{Field: "daily_budget", Reason: "must be positive"}
	}

	analysis, err := p.analyze(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("landing analysis: %w", err)
	}
	log.Printf("[Planner] Analysis ready for %s: %d seed keywords", analysis.Source, len(analysis.Keywords))

	candidates, err := p.ai.GenerateKeywordCandidates(ctx, analysis, req.BusinessDescription)
	if err != nil {
		return nil, fmt.Errorf("keyword generation: %w", err)
	}
	if len(candidates) == 0 {
		return nil, domain.ErrEmptyKeywordSet
	}

	scored, err := p.scorer.ScoreAll(candidates)
	if err != nil {
		return nil, fmt.Errorf("scoring: %w", err)
	}

	groups, err := p.builder.Build(scored)
	if err != nil {
		return nil, fmt.Errorf("semantic core: %w", err)
	}
	log.Printf("[Planner] Semantic core: %d groups from %d candidates", len(groups), len(scored))

	creatives, err := p.generateCreatives(ctx, groups, analysis)
	if err != nil {
		return nil, err
	}

	alloc, err := p.allocator.Allocate(groups, nil, dailyBudget)
	if err != nil {
		return nil, fmt.Errorf("budget allocation: %w", err)
	}

	plan := &domain.CampaignPlan{
		ID:        uuid.New().String(),
		Analysis:  analysis,
		Groups:    groups,
		Creatives: creatives,
		Budget:    alloc,
		Forecast:  forecast.Estimate(p.cfg.Forecast, dailyBudget),
		CreatedAt: time.Now().UTC(),
	}

	if err := plan.Validate(); err != nil {
		return nil, err
	}
	log.Printf("[Planner] Plan %s built: %d groups, %d creatives, budget %.2f %s",
		plan.ID, len(plan.Groups), len(plan.Creatives), alloc.Total, alloc.Currency)
	return plan, nil
}

func (p *Planner) analyze(ctx context.Context, req BuildRequest) (domain.LandingAnalysis, error) {
	if req.LandingURL != "" {
		return p.pages.Analyze(ctx, req.LandingURL)
	}
	if req.BusinessDescription != "" {
		return landing.NewDescriptionAnalyzer(p.ai).Analyze(ctx, req.BusinessDescription)
	}
	return domain.LandingAnalysis{}, &domain.ValidationError{Field: "request", Reason: "landing_url or business_description required"}
}

// generateCreatives drafts variants per group and activates the initial A/B
// pair. A group left without a single valid variant fails the build: a group
// that cannot serve ads would silently eat its budget share.
func (p *Planner) generateCreatives(ctx context.Context, groups []domain.KeywordGroup, analysis domain.LandingAnalysis) ([]domain.AdCreative, error) {
	var out []domain.AdCreative
	now := time.Now().UTC()
	for _, g := range groups {
		variants, err := p.ai.GenerateCreativeVariants(ctx, g, analysis)
		if err != nil {
			return nil, fmt.Errorf("creatives for group %s: %w", g.ID, err)
		}
		if len(variants) == 0 {
			return nil, fmt.Errorf("creatives for group %s: no valid variants generated", g.ID)
		}
		for i := range variants {
			if i < p.cfg.Rotation.MaxActivePerGroup {
				t := now
				variants[i].Status = domain.CreativeActive
				variants[i].ActivatedAt = &t
			}
		}
		out = append(out, variants...)
	}
	return out, nil
}
