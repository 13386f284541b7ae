package semantic

import (
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/ignite/direct-optimizer/internal/config"
	"github.com/ignite/direct-optimizer/internal/domain"
)

// Scorer assigns priorities to keyword candidates. Scoring is a pure function
// of the candidate and the configured weights: identical inputs always produce
// identical priorities, so plan construction is reproducible.
type Scorer struct {
	cfg config.ScoringConfig
}

// NewScorer creates a scorer with the given formula weights.
func NewScorer(cfg config.ScoringConfig) *Scorer {
	return &Scorer{cfg: cfg}
}

// Score returns a priority in [0,100]. Monotone increasing in search volume
// and relevance, monotone decreasing in competition. The volume signal is
// log-scaled and saturates at cfg.VolumeSaturation searches/month so a single
// huge head term cannot drown out relevance.
func (s *Scorer) Score(c domain.KeywordCandidate) (float64, error) {
	if err := c.Validate(); err != nil {
		return 0, err
	}

	volSignal := math.Log1p(float64(c.SearchVolume)) / math.Log1p(s.cfg.VolumeSaturation)
	if volSignal > 1 {
		volSignal = 1
	}

	w := s.cfg.VolumeWeight + s.cfg.RelevanceWeight + s.cfg.CompetitionWeight
	raw := s.cfg.VolumeWeight*volSignal +
		s.cfg.RelevanceWeight*c.Relevance +
		s.cfg.CompetitionWeight*(1-c.Competition)

	return 100 * raw / w, nil
}

// ScoreAll normalizes, scores, and orders a candidate set. Candidates that
// fail validation abort the whole batch: plan construction must never proceed
// on partially scored input. The returned slice is a fresh copy in the total
// order used everywhere downstream.
func (s *Scorer) ScoreAll(in []domain.KeywordCandidate) ([]domain.KeywordCandidate, error) {
	out := make([]domain.KeywordCandidate, 0, len(in))
	for _, c := range in {
		c.Phrase = Normalize(c.Phrase)
		p, err := s.Score(c)
		if err != nil {
			return nil, err
		}
		c.Priority = p
		out = append(out, c)
	}
	SortCandidates(out)
	return out, nil
}

// SortCandidates orders candidates by priority descending with deterministic
// tie-breaks: higher relevance, then shorter phrase, then lexicographic. The
// order is total, so re-runs on unchanged input never reorder output.
func SortCandidates(cands []domain.KeywordCandidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.Relevance != b.Relevance {
			return a.Relevance > b.Relevance
		}
		if len(a.Phrase) != len(b.Phrase) {
			return len(a.Phrase) < len(b.Phrase)
		}
		return a.Phrase < b.Phrase
	})
}

// Normalize lowercases a phrase, folds ё to е, drops punctuation, and
// collapses whitespace. Hyphens split into separate tokens. Scoring, theme
// grouping, and minus-word checks all share this form, so a minus-word can
// never miss a phrase over case, spelling, or stray punctuation.
func Normalize(phrase string) string {
	var b strings.Builder
	b.Grow(len(phrase))
	for _, r := range strings.ToLower(phrase) {
		switch {
		case r == 'ё':
			b.WriteRune('е')
		case r == '-' || unicode.IsSpace(r):
			b.WriteRune(' ')
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
