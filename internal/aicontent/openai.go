package aicontent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/ignite/direct-optimizer/internal/config"
	"github.com/ignite/direct-optimizer/internal/domain"
)

// OpenAIClient implements Service against the OpenAI chat completions API
// (or any compatible endpoint via config.BaseURL).
type OpenAIClient struct {
	cfg        config.OpenAIConfig
	httpClient *http.Client
}

// NewOpenAIClient creates a client with a bounded per-call timeout.
func NewOpenAIClient(cfg config.OpenAIConfig) *OpenAIClient {
	return &OpenAIClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout()},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

const expertPersona = `You are a senior paid-search strategist. You build ` +
	`high-converting search campaigns for small businesses: commercially ` +
	`justified keywords, tight ad groups, psychology-driven ad copy. ` +
	`Respond with JSON only, no commentary.`

// AnalyzeContent implements Service.
func (c *OpenAIClient) AnalyzeContent(ctx context.Context, source, text string) (domain.LandingAnalysis, error) {
	prompt := fmt.Sprintf(`Analyze this business content for a search advertising campaign.

CONTENT:
%s

Return JSON:
{
  "title": "main product/service",
  "description": "short business summary",
  "keywords": ["seed phrase", ...],
  "pain_points": ["customer pain", ...],
  "value_props": ["unique selling point", ...],
  "target_audience": "audience description",
  "industry": "industry",
  "competitors": ["competitor", ...],
  "call_to_action": "primary CTA"
}`, text)

	raw, err := c.complete(ctx, prompt)
	if err != nil {
		return domain.LandingAnalysis{}, err
	}

	var analysis domain.LandingAnalysis
	if err := unmarshalLoose(raw, &analysis); err != nil {
		return domain.LandingAnalysis{}, fmt.Errorf("parsing analysis response: %w", err)
	}
	analysis.Source = source
	if analysis.Title == "" && len(analysis.Keywords) == 0 {
		return domain.LandingAnalysis{}, fmt.Errorf("analysis response carried no usable signals")
	}
	log.Printf("[AIContent] Analysis complete: %d keywords, %d pain points", len(analysis.Keywords), len(analysis.PainPoints))
	return analysis, nil
}

type rawCandidate struct {
	Phrase       string  `json:"phrase"`
	SearchVolume int     `json:"search_volume"`
	Competition  float64 `json:"competition"`
	Relevance    float64 `json:"relevance"`
	Section      string  `json:"section"`
}

// GenerateKeywordCandidates implements Service. Items that fail validation
// are logged and dropped; an empty result is returned to the caller, which
// decides whether that is fatal.
func (c *OpenAIClient) GenerateKeywordCandidates(ctx context.Context, analysis domain.LandingAnalysis, businessDescription string) ([]domain.KeywordCandidate, error) {
	prompt := fmt.Sprintf(`Propose search keyword candidates for this business.

BUSINESS: %s
INDUSTRY: %s
SEED KEYWORDS: %s
PAIN POINTS: %s
VALUE PROPS: %s
AUDIENCE: %s

Propose 20-40 candidates mixing commercial and informational intent. Estimate
monthly search volume, competition (0..1) and relevance to this business (0..1).
Tag each with the landing section or theme it belongs to.

Return JSON:
{"candidates": [{"phrase": "...", "search_volume": 1000, "competition": 0.5, "relevance": 0.8, "section": "..."}]}`,
		firstNonEmpty(businessDescription, analysis.Description),
		analysis.Industry,
		strings.Join(analysis.Keywords, ", "),
		strings.Join(analysis.PainPoints, ", "),
		strings.Join(analysis.ValueProps, ", "),
		analysis.TargetAudience)

	raw, err := c.complete(ctx, prompt)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Candidates []rawCandidate `json:"candidates"`
	}
	if err := unmarshalLoose(raw, &payload); err != nil {
		return nil, fmt.Errorf("parsing candidates response: %w", err)
	}

	out := make([]domain.KeywordCandidate, 0, len(payload.Candidates))
	dropped := 0
	for _, rc := range payload.Candidates {
		cand := domain.KeywordCandidate{
			Phrase:       strings.TrimSpace(rc.Phrase),
			SearchVolume: rc.SearchVolume,
			Competition:  clamp01(rc.Competition),
			Relevance:    clamp01(rc.Relevance),
			Section:      strings.TrimSpace(rc.Section),
		}
		if cand.SearchVolume < 0 {
			cand.SearchVolume = 0
		}
		if err := cand.Validate(); err != nil {
			dropped++
			continue
		}
		out = append(out, cand)
	}
	if dropped > 0 {
		log.Printf("[AIContent] Dropped %d malformed keyword candidates", dropped)
	}
	return out, nil
}

type rawVariant struct {
	Variant      string   `json:"variant"`
	Headlines    []string `json:"headlines"`
	Descriptions []string `json:"descriptions"`
	TriggerTags  []string `json:"trigger_tags"`
}

// GenerateCreativeVariants implements Service.
func (c *OpenAIClient) GenerateCreativeVariants(ctx context.Context, group domain.KeywordGroup, analysis domain.LandingAnalysis) ([]domain.AdCreative, error) {
	phrases := make([]string, 0, len(group.Keywords))
	for _, k := range group.Keywords {
		phrases = append(phrases, k.Phrase)
	}

	prompt := fmt.Sprintf(`Write ad variants for one ad group of a search campaign.

THEME: %s
KEYWORDS: %s
PAIN POINTS: %s
VALUE PROPS: %s
CALL TO ACTION: %s

Write 3-4 distinct variants for A/B testing. Headlines at most %d characters,
descriptions at most %d characters. Use psychological triggers (urgency,
scarcity, social proof) and tag each variant with the triggers used.

Return JSON:
{"variants": [{"variant": "A", "headlines": ["..."], "descriptions": ["..."], "trigger_tags": ["urgency"]}]}`,
		group.Theme,
		strings.Join(phrases, ", "),
		strings.Join(analysis.PainPoints, ", "),
		strings.Join(analysis.ValueProps, ", "),
		analysis.CallToAction,
		domain.MaxHeadlineLen,
		domain.MaxDescriptionLen)

	raw, err := c.complete(ctx, prompt)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Variants []rawVariant `json:"variants"`
	}
	if err := unmarshalLoose(raw, &payload); err != nil {
		return nil, fmt.Errorf("parsing variants response: %w", err)
	}

	out := make([]domain.AdCreative, 0, len(payload.Variants))
	dropped := 0
	for i, rv := range payload.Variants {
		creative := domain.AdCreative{
			ID:           uuid.New().String(),
			GroupID:      group.ID,
			Variant:      firstNonEmpty(rv.Variant, string(rune('A'+i))),
			Headlines:    trimAll(rv.Headlines),
			Descriptions: trimAll(rv.Descriptions),
			TriggerTags:  trimAll(rv.TriggerTags),
			Status:       domain.CreativeCandidate,
		}
		if err := creative.Validate(); err != nil {
			dropped++
			continue
		}
		out = append(out, creative)
	}
	if dropped > 0 {
		log.Printf("[AIContent] Dropped %d malformed creative variants for group %s", dropped, group.ID)
	}
	return out, nil
}

// complete sends one chat completion request and returns the raw content.
// HTTP 429 and 5xx are wrapped as transient so callers can retry with
// backoff; everything else is permanent.
func (c *OpenAIClient) complete(ctx context.Context, prompt string) (string, error) {
	reqBody := chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: expertPersona},
			{Role: "user", Content: prompt},
		},
		Temperature: 0.7,
		MaxTokens:   c.cfg.MaxTokens,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &domain.TransientPlatformError{Op: "openai.complete", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &domain.TransientPlatformError{Op: "openai.complete", Err: err}
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return "", &domain.TransientPlatformError{Op: "openai.complete", Err: fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(respBody), 200))}
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("openai status %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("openai error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("openai returned no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

var jsonBlockRe = regexp.MustCompile(`(?s)\{.*\}`)

// unmarshalLoose extracts the first JSON object from model output, tolerating
// prose or markdown fences around it.
func unmarshalLoose(content string, v interface{}) error {
	match := jsonBlockRe.FindString(content)
	if match == "" {
		return fmt.Errorf("no JSON object in model output")
	}
	return json.Unmarshal([]byte(match), v)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if t := strings.TrimSpace(s); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return a
	}
	return b
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
