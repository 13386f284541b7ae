package domain

import (
	"fmt"
	"strings"
	"time"
)

// CreativeStatus enumerates the lifecycle of an ad variant.
type CreativeStatus string

const (
	CreativeCandidate CreativeStatus = "candidate"
	CreativeActive    CreativeStatus = "active"
	CreativeRetired   CreativeStatus = "retired"
)

// Yandex.Direct text ad limits. Anything longer is rejected at validation,
// not truncated.
const (
	MaxHeadlineLen    = 56
	MaxDescriptionLen = 81
)

// AdCreative is one ad-text variant owned by a keyword group.
type AdCreative struct {
	ID           string         `json:"id" db:"id"`
	GroupID      string         `json:"group_id" db:"group_id"`
	Variant      string         `json:"variant" db:"variant"` // A, B, C, ...
	Headlines    []string       `json:"headlines"`
	Descriptions []string       `json:"descriptions"`
	TriggerTags  []string       `json:"trigger_tags,omitempty"` // urgency, scarcity, social_proof, ...
	Status       CreativeStatus `json:"status" db:"status"`

	// PerformanceScore is nil until the variant has observed metrics.
	PerformanceScore *float64 `json:"performance_score,omitempty" db:"performance_score"`

	// ActivatedAt is set when the variant enters Active status; the rotator
	// uses it to enforce the minimum dwell time.
	ActivatedAt *time.Time `json:"activated_at,omitempty" db:"activated_at"`
}

// Validate enforces the text limits the ads platform will reject anyway.
func (c AdCreative) Validate() error {
	if c.GroupID == "" {
		return &ValidationError{Field: "group_id", Reason: "missing owning group"}
	}
	if len(c.Headlines) == 0 {
		return &ValidationError{Field: "headlines", Reason: "at least one headline required"}
	}
	for _, h := range c.Headlines {
		if strings.TrimSpace(h) == "" {
			return &ValidationError{Field: "headlines", Reason: "empty headline"}
		}
		if len([]rune(h)) > MaxHeadlineLen {
			return &ValidationError{Field: "headlines", Reason: fmt.Sprintf("headline over %d chars", MaxHeadlineLen)}
		}
	}
	for _, d := range c.Descriptions {
		if strings.TrimSpace(d) == "" {
			return &ValidationError{Field: "descriptions", Reason: "empty description"}
		}
		if len([]rune(d)) > MaxDescriptionLen {
			return &ValidationError{Field: "descriptions", Reason: fmt.Sprintf("description over %d chars", MaxDescriptionLen)}
		}
	}
	return nil
}
