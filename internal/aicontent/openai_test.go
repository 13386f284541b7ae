package aicontent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ignite/direct-optimizer/internal/config"
	"github.com/ignite/direct-optimizer/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *OpenAIClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOpenAIClient(config.OpenAIConfig{
		APIKey:         "test-key",
		Model:          "gpt-4o",
		BaseURL:        srv.URL,
		TimeoutSeconds: 5,
		MaxTokens:      1000,
	})
}

func chatReply(content string) string {
	b, _ := json.Marshal(map[string]interface{}{
		"choices": []map[string]interface{}{
			{"message": map[string]string{"role": "assistant", "content": content}, "finish_reason": "stop"},
		},
	})
	return string(b)
}

func TestGenerateKeywordCandidatesDropsMalformedItems(t *testing.T) {
	content := `Here are the candidates:
{"candidates": [
  {"phrase": "kitchen remodel cost", "search_volume": 4000, "competition": 0.6, "relevance": 0.9, "section": "pricing"},
  {"phrase": "", "search_volume": 100, "competition": 0.2, "relevance": 0.5},
  {"phrase": "kitchen design ideas", "search_volume": -50, "competition": 1.8, "relevance": 0.7, "section": "design"}
]}`
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		fmt.Fprint(w, chatReply(content))
	})

	cands, err := c.GenerateKeywordCandidates(context.Background(), domain.LandingAnalysis{Industry: "construction"}, "remodeling")
	require.NoError(t, err)

	// Empty phrase dropped; negative volume and out-of-range competition are
	// clamped, so the third item survives.
	require.Len(t, cands, 2)
	assert.Equal(t, "kitchen remodel cost", cands[0].Phrase)
	assert.Equal(t, "kitchen design ideas", cands[1].Phrase)
	assert.Equal(t, 0, cands[1].SearchVolume)
	assert.Equal(t, 1.0, cands[1].Competition)
}

func TestGenerateCreativeVariants(t *testing.T) {
	content := `{"variants": [
  {"variant": "A", "headlines": ["Remodel Your Kitchen Fast"], "descriptions": ["Licensed crews. Free quote today."], "trigger_tags": ["urgency"]},
  {"variant": "B", "headlines": [""], "descriptions": ["no headline, must be dropped"]},
  {"variant": "C", "headlines": ["This headline is way too long to pass validation because it just keeps going"], "descriptions": ["x"]}
]}`
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, chatReply(content))
	})

	group := domain.KeywordGroup{ID: "kitchen", Theme: "kitchen"}
	creatives, err := c.GenerateCreativeVariants(context.Background(), group, domain.LandingAnalysis{})
	require.NoError(t, err)

	require.Len(t, creatives, 1)
	assert.Equal(t, "A", creatives[0].Variant)
	assert.Equal(t, "kitchen", creatives[0].GroupID)
	assert.Equal(t, domain.CreativeCandidate, creatives[0].Status)
	assert.NotEmpty(t, creatives[0].ID)
}

func TestAnalyzeContentParsesLooseJSON(t *testing.T) {
	content := "Sure! Here is the analysis:\n```json\n" + `{"title": "Kitchen Remodeling", "keywords": ["kitchen remodel"], "industry": "construction", "call_to_action": "Get a quote"}` + "\n```"
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, chatReply(content))
	})

	analysis, err := c.AnalyzeContent(context.Background(), "http://example.com", "page text")
	require.NoError(t, err)
	assert.Equal(t, "Kitchen Remodeling", analysis.Title)
	assert.Equal(t, "http://example.com", analysis.Source)
	assert.Equal(t, []string{"kitchen remodel"}, analysis.Keywords)
}

func TestCompleteClassifiesTransientErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		transient bool
	}{
		{"rate limited", http.StatusTooManyRequests, true},
		{"server error", http.StatusBadGateway, true},
		{"bad request", http.StatusBadRequest, false},
		{"unauthorized", http.StatusUnauthorized, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})
			_, err := c.AnalyzeContent(context.Background(), "src", "text")
			require.Error(t, err)
			assert.Equal(t, tt.transient, domain.IsTransient(err))
		})
	}
}

func TestAnalyzeContentRejectsEmptySignals(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, chatReply(`{"title": "", "keywords": []}`))
	})
	_, err := c.AnalyzeContent(context.Background(), "src", "text")
	assert.Error(t, err)
}

func TestUnmarshalLooseNoJSON(t *testing.T) {
	var v map[string]interface{}
	err := unmarshalLoose("no json here at all", &v)
	assert.Error(t, err)
}
