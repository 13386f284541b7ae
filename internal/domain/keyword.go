package domain

import (
	"fmt"
	"strings"
)

// KeywordCandidate is a raw phrase proposed for ad matching, carrying the
// signals used for scoring. A candidate is immutable once scored; a new
// priority requires re-running the scorer on a fresh copy.
type KeywordCandidate struct {
	Phrase       string  `json:"phrase" db:"phrase"`
	SearchVolume int     `json:"search_volume" db:"search_volume"`
	Competition  float64 `json:"competition" db:"competition"` // 0..1
	Relevance    float64 `json:"relevance" db:"relevance"`     // 0..1, from landing analysis
	Section      string  `json:"section,omitempty" db:"section"` // landing section the phrase came from
	Priority     float64 `json:"priority" db:"priority"`       // derived, 0..100
}

// Validate checks the scoring inputs. Phrases are normalized (trimmed,
// lowercased) before they reach this point; an empty phrase is still rejected
// here as a backstop.
func (k KeywordCandidate) Validate() error {
	if strings.TrimSpace(k.Phrase) == "" {
		return &ValidationError{Field: "phrase", Reason: "empty phrase"}
	}
	if k.SearchVolume < 0 {
		return &ValidationError{Field: "search_volume", Reason: fmt.Sprintf("negative volume %d", k.SearchVolume)}
	}
	if k.Competition < 0 || k.Competition > 1 {
		return &ValidationError{Field: "competition", Reason: fmt.Sprintf("%.3f outside [0,1]", k.Competition)}
	}
	if k.Relevance < 0 || k.Relevance > 1 {
		return &ValidationError{Field: "relevance", Reason: fmt.Sprintf("%.3f outside [0,1]", k.Relevance)}
	}
	return nil
}

// KeywordGroup is a themed ad group: an ordered run of scored candidates plus
// the minus-words derived for that group. Groups are rebuilt, never patched.
type KeywordGroup struct {
	ID         string             `json:"id" db:"id"`
	Theme      string             `json:"theme" db:"theme"`
	Keywords   []KeywordCandidate `json:"keywords"`
	MinusWords []string           `json:"minus_words"`
}

// AggregatePriority returns the mean priority across the group's keywords,
// used as the group's weight during budget allocation.
func (g KeywordGroup) AggregatePriority() float64 {
	if len(g.Keywords) == 0 {
		return 0
	}
	var sum float64
	for _, k := range g.Keywords {
		sum += k.Priority
	}
	return sum / float64(len(g.Keywords))
}

// ContainsTerm reports whether any retained phrase in the group contains the
// given normalized term as a whole word.
func (g KeywordGroup) ContainsTerm(term string) bool {
	for _, k := range g.Keywords {
		for _, w := range strings.Fields(k.Phrase) {
			if w == term {
				return true
			}
		}
	}
	return false
}
