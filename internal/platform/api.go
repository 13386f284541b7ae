// Package platform defines the ads-platform capability the engine consumes
// and implements it for the Yandex.Direct JSON API v5. All mutating calls are
// idempotent-safe to retry with the same payload.
package platform

import (
	"context"
	"fmt"
	"time"

	"github.com/ignite/direct-optimizer/internal/domain"
)

// Refs maps domain identifiers to the platform's numeric identifiers,
// captured at campaign creation and needed for every later write.
type Refs struct {
	CampaignID int64            `json:"campaign_id"`
	Groups     map[string]int64 `json:"groups"` // keyword group id -> platform ad group id
	Ads        map[string]int64 `json:"ads"`    // creative id -> platform ad id
}

// API is the ads-platform capability interface. Any concrete backend
// implements these methods; the core never branches on backend identity.
type API interface {
	// CreateCampaign submits a full plan (campaign, ad groups, keywords,
	// ads) and returns the platform references.
	CreateCampaign(ctx context.Context, plan domain.CampaignPlan) (Refs, error)

	// ConfirmCampaign reports whether the campaign exists and is accepted on
	// the platform. Submission is never assumed to have succeeded.
	ConfirmCampaign(ctx context.Context, campaignID int64) (bool, error)

	// UpdateBudget applies a new daily budget split. Safe to re-issue with
	// the same payload.
	UpdateBudget(ctx context.Context, refs Refs, alloc domain.BudgetAllocation) error

	// AddKeywords appends new phrases to an existing group. Safe to re-issue;
	// the platform deduplicates phrases within a group.
	AddKeywords(ctx context.Context, refs Refs, groupID string, keywords []domain.KeywordCandidate) error

	// SetActiveCreatives makes exactly the given creatives serve for the
	// group, suspending the group's other ads. Safe to re-issue.
	SetActiveCreatives(ctx context.Context, refs Refs, groupID string, creatives []domain.AdCreative) error

	// FetchMetrics pulls performance rows since the given time, translated
	// back to domain group/creative ids. Arrival order is not guaranteed.
	FetchMetrics(ctx context.Context, refs Refs, since time.Time) ([]domain.PerformanceMetric, error)
}

// Error is a structured failure from the platform API.
type Error struct {
	Code    int
	Message string
	Detail  string
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("platform error %d: %s (%s)", e.Code, e.Message, e.Detail)
	}
	return fmt.Sprintf("platform error %d: %s", e.Code, e.Message)
}

// transientCodes are the Yandex.Direct error codes worth retrying: internal
// server errors and request-rate limits.
var transientCodes = map[int]bool{
	52:   true, // internal server error
	56:   true, // request limit exceeded
	1000: true,
	1001: true,
	1002: true,
}

// Transient reports whether the error code indicates a retryable condition.
func (e *Error) Transient() bool { return transientCodes[e.Code] }
