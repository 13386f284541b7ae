// Package aicontent generates keyword candidates and creative variants from
// landing analysis, using an OpenAI-compatible chat completions API. Model
// output is treated as an untrusted text source: every item is validated and
// malformed items are dropped individually, never failing the whole batch.
package aicontent

import (
	"context"

	"github.com/ignite/direct-optimizer/internal/domain"
)

// Service is the AI content capability the planner and optimizer consume.
// Any concrete backend implements this; the core never branches on backend
// identity.
type Service interface {
	// AnalyzeContent distills page text or a business description into
	// structured business signals.
	AnalyzeContent(ctx context.Context, source, text string) (domain.LandingAnalysis, error)

	// GenerateKeywordCandidates proposes raw keyword candidates for the
	// analyzed business. Returned candidates are validated but unscored.
	GenerateKeywordCandidates(ctx context.Context, analysis domain.LandingAnalysis, businessDescription string) ([]domain.KeywordCandidate, error)

	// GenerateCreativeVariants drafts ad variants for one keyword group.
	// Returned creatives are validated Candidates with fresh IDs.
	GenerateCreativeVariants(ctx context.Context, group domain.KeywordGroup, analysis domain.LandingAnalysis) ([]domain.AdCreative, error)
}
