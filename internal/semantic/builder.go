package semantic

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ignite/direct-optimizer/internal/config"
	"github.com/ignite/direct-optimizer/internal/domain"
)

// Builder constructs the semantic core: themed keyword groups with per-group
// minus-words, covering every retained candidate exactly once.
type Builder struct {
	cfg config.GroupingConfig
}

// NewBuilder creates a builder with the given grouping policy.
func NewBuilder(cfg config.GroupingConfig) *Builder {
	return &Builder{cfg: cfg}
}

// Build consumes scored candidates and produces ordered keyword groups.
// Candidates below the minimum priority are dropped; their terms feed the
// minus-word pool for the cluster they would have joined. Returns
// ErrEmptyKeywordSet when nothing survives filtering.
//
// Minus-words are derived so the "no term is both positive and negative"
// invariant holds by construction: a dropped term only becomes a minus-word
// when it occurs in no retained phrase of any group in the plan.
func (b *Builder) Build(candidates []domain.KeywordCandidate) ([]domain.KeywordGroup, error) {
	scored := append([]domain.KeywordCandidate(nil), candidates...)
	SortCandidates(scored)

	// Split into retained and dropped, deduping phrases. The first occurrence
	// in the total order wins; later duplicates are discarded.
	seen := make(map[string]bool, len(scored))
	var retained, dropped []domain.KeywordCandidate
	for _, c := range scored {
		if seen[c.Phrase] {
			continue
		}
		seen[c.Phrase] = true
		if c.Priority < b.cfg.MinPriority {
			dropped = append(dropped, c)
			continue
		}
		retained = append(retained, c)
	}
	if len(retained) == 0 {
		return nil, domain.ErrEmptyKeywordSet
	}

	// Cluster by theme signal: the landing section a candidate came from, or
	// its most significant token when no section is known. Cluster order
	// follows the first (highest-priority) member.
	clusterOf := make(map[string][]domain.KeywordCandidate)
	var clusterOrder []string
	for _, c := range retained {
		theme := themeKey(c)
		if _, ok := clusterOf[theme]; !ok {
			clusterOrder = append(clusterOrder, theme)
		}
		clusterOf[theme] = append(clusterOf[theme], c)
	}

	// Greedily pack each cluster's candidates (already in priority order)
	// into groups, opening a new group at the per-group limit.
	var groups []domain.KeywordGroup
	groupByTheme := make(map[string][]int) // theme -> indexes into groups
	for _, theme := range clusterOrder {
		members := clusterOf[theme]
		for start := 0; start < len(members); start += b.cfg.MaxKeywordsPerGroup {
			end := start + b.cfg.MaxKeywordsPerGroup
			if end > len(members) {
				end = len(members)
			}
			g := domain.KeywordGroup{
				ID:       groupID(theme, start/b.cfg.MaxKeywordsPerGroup),
				Theme:    theme,
				Keywords: append([]domain.KeywordCandidate(nil), members[start:end]...),
			}
			groupByTheme[theme] = append(groupByTheme[theme], len(groups))
			groups = append(groups, g)
		}
	}

	b.deriveMinusWords(groups, groupByTheme, dropped)
	return groups, nil
}

// deriveMinusWords records dropped-candidate terms as minus-words on the
// groups of the cluster the candidate belonged to. A term is skipped entirely
// if any retained phrase anywhere in the plan contains it.
func (b *Builder) deriveMinusWords(groups []domain.KeywordGroup, groupByTheme map[string][]int, dropped []domain.KeywordCandidate) {
	for _, d := range dropped {
		theme := themeKey(d)
		targets := groupByTheme[theme]
		if len(targets) == 0 {
			// The whole cluster was dropped; there is no group to protect.
			continue
		}
		for _, term := range significantTerms(d.Phrase) {
			if termRetainedAnywhere(groups, term) {
				continue
			}
			for _, gi := range targets {
				groups[gi].MinusWords = appendUnique(groups[gi].MinusWords, term)
			}
		}
	}
	for i := range groups {
		sort.Strings(groups[i].MinusWords)
	}
}

func termRetainedAnywhere(groups []domain.KeywordGroup, term string) bool {
	for _, g := range groups {
		if g.ContainsTerm(term) {
			return true
		}
	}
	return false
}

// ThemeKey exposes the cluster key so the optimizer can route newly admitted
// candidates into an existing group instead of rebuilding the core.
func ThemeKey(c domain.KeywordCandidate) string { return themeKey(c) }

// themeKey returns the cluster key for a candidate: its landing section when
// known, otherwise the longest token of the phrase (a rough head-noun guess).
func themeKey(c domain.KeywordCandidate) string {
	if c.Section != "" {
		return Normalize(c.Section)
	}
	terms := significantTerms(c.Phrase)
	if len(terms) == 0 {
		return c.Phrase
	}
	head := terms[0]
	for _, t := range terms[1:] {
		if len(t) > len(head) {
			head = t
		}
	}
	return head
}

// significantTerms tokenizes a normalized phrase, skipping stopwords and
// single-character fragments.
func significantTerms(phrase string) []string {
	var out []string
	for _, w := range strings.Fields(Normalize(phrase)) {
		if len([]rune(w)) < 2 || stopwords[w] {
			continue
		}
		out = append(out, w)
	}
	return out
}

// stopwords covers the common Russian and English function words seen in
// search phrases. Intentionally small; anything missed just produces an
// over-specific theme key, not a correctness problem.
var stopwords = map[string]bool{
	"и": true, "в": true, "на": true, "с": true, "для": true, "по": true,
	"не": true, "от": true, "до": true, "из": true, "как": true, "или": true,
	"a": true, "an": true, "the": true, "for": true, "and": true, "or": true,
	"in": true, "on": true, "of": true, "to": true, "with": true, "how": true,
}

func appendUnique(list []string, term string) []string {
	for _, t := range list {
		if t == term {
			return list
		}
	}
	return append(list, term)
}

func groupID(theme string, n int) string {
	slug := strings.ReplaceAll(theme, " ", "-")
	if n == 0 {
		return slug
	}
	return fmt.Sprintf("%s-%d", slug, n+1)
}
