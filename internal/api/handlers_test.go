package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ignite/direct-optimizer/internal/config"
	"github.com/ignite/direct-optimizer/internal/domain"
	"github.com/ignite/direct-optimizer/internal/optimizer"
	"github.com/ignite/direct-optimizer/internal/planner"
	"github.com/ignite/direct-optimizer/internal/platform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAnalyzer struct{}

func (stubAnalyzer) Analyze(ctx context.Context, url string) (domain.LandingAnalysis, error) {
	return domain.LandingAnalysis{Title: "Мебель", Source: url}, nil
}

type stubAI struct{}

func (stubAI) AnalyzeContent(ctx context.Context, source, text string) (domain.LandingAnalysis, error) {
	return domain.LandingAnalysis{Title: "Мебель", Source: source}, nil
}

func (stubAI) GenerateKeywordCandidates(ctx context.Context, analysis domain.LandingAnalysis, businessDescription string) ([]domain.KeywordCandidate, error) {
	return []domain.KeywordCandidate{
		{Phrase: "купить диван", SearchVolume: 5000, Competition: 0.4, Relevance: 0.9, Section: "диваны"},
		{Phrase: "диван недорого", SearchVolume: 3000, Competition: 0.3, Relevance: 0.8, Section: "диваны"},
	}, nil
}

func (stubAI) GenerateCreativeVariants(ctx context.Context, group domain.KeywordGroup, analysis domain.LandingAnalysis) ([]domain.AdCreative, error) {
	return []domain.AdCreative{
		{ID: group.ID + "-a", GroupID: group.ID, Variant: "A", Headlines: []string{"Диваны со скидкой"}, Descriptions: []string{"Доставка завтра."}, Status: domain.CreativeCandidate},
		{ID: group.ID + "-b", GroupID: group.ID, Variant: "B", Headlines: []string{"Диваны недорого"}, Descriptions: []string{"Большой выбор."}, Status: domain.CreativeCandidate},
	}, nil
}

type stubPlatform struct{}

func (stubPlatform) CreateCampaign(ctx context.Context, plan domain.CampaignPlan) (platform.Refs, error) {
	refs := platform.Refs{CampaignID: 700, Groups: map[string]int64{}, Ads: map[string]int64{}}
	for i, g := range plan.Groups {
		refs.Groups[g.ID] = int64(i + 1)
	}
	for i, c := range plan.Creatives {
		refs.Ads[c.ID] = int64(100 + i)
	}
	return refs, nil
}

func (stubPlatform) ConfirmCampaign(ctx context.Context, campaignID int64) (bool, error) {
	return true, nil
}

func (stubPlatform) UpdateBudget(ctx context.Context, refs platform.Refs, alloc domain.BudgetAllocation) error {
	return nil
}

func (stubPlatform) AddKeywords(ctx context.Context, refs platform.Refs, groupID string, keywords []domain.KeywordCandidate) error {
	return nil
}

func (stubPlatform) SetActiveCreatives(ctx context.Context, refs platform.Refs, groupID string, creatives []domain.AdCreative) error {
	return nil
}

func (stubPlatform) FetchMetrics(ctx context.Context, refs platform.Refs, since time.Time) ([]domain.PerformanceMetric, error) {
	return nil, nil
}

type stubStore struct{}

func (stubStore) SavePlan(ctx context.Context, plan domain.CampaignPlan, refs platform.Refs) error {
	return nil
}
func (stubStore) SaveState(ctx context.Context, state domain.CampaignState) error { return nil }
func (stubStore) AppendMetrics(ctx context.Context, campaignID string, metrics []domain.PerformanceMetric) error {
	return nil
}

type stubMetrics struct {
	metrics []domain.PerformanceMetric
	err     error
}

func (s stubMetrics) GetMetrics(ctx context.Context, campaignID string, since sql.NullTime) ([]domain.PerformanceMetric, error) {
	return s.metrics, s.err
}

func newTestAPI(t *testing.T) (http.Handler, *optimizer.Manager) {
	t.Helper()
	cfg := config.Defaults()
	cfg.Budget.DailyTotal = 1000
	cfg.Budget.GroupFloor = 10

	p := planner.New(cfg, stubAnalyzer{}, stubAI{})
	m := optimizer.NewManager(cfg, stubPlatform{}, stubStore{}, nil)
	t.Cleanup(m.StopAll)

	return NewRouter(NewHandlers(p, m, stubMetrics{})), m
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func launchCampaign(t *testing.T, handler http.Handler) domain.CampaignPlan {
	t.Helper()
	rec := doJSON(t, handler, http.MethodPost, "/api/plans", planner.BuildRequest{LandingURL: "https://example.ru"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var plan domain.CampaignPlan
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &plan))

	rec = doJSON(t, handler, http.MethodPost, "/api/campaigns/", plan)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return plan
}

func TestHealthCheck(t *testing.T) {
	handler, _ := newTestAPI(t)
	rec := doJSON(t, handler, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestBuildPlanEndpoint(t *testing.T) {
	handler, _ := newTestAPI(t)

	rec := doJSON(t, handler, http.MethodPost, "/api/plans", planner.BuildRequest{LandingURL: "https://example.ru"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var plan domain.CampaignPlan
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &plan))
	assert.NotEmpty(t, plan.ID)
	assert.NotEmpty(t, plan.Groups)
	assert.Equal(t, 1000.0, plan.Budget.Total)
}

func TestBuildPlanRejectsEmptyRequest(t *testing.T) {
	handler, _ := newTestAPI(t)
	rec := doJSON(t, handler, http.MethodPost, "/api/plans", planner.BuildRequest{})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "landing_url or business_description")
}

func TestLaunchAndGetCampaign(t *testing.T) {
	handler, _ := newTestAPI(t)
	plan := launchCampaign(t, handler)

	rec := doJSON(t, handler, http.MethodGet, "/api/campaigns/"+plan.ID+"/", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var state domain.CampaignState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.Equal(t, plan.ID, state.CampaignID)
	assert.Equal(t, domain.CampaignSubmitted, state.Status)
	assert.Equal(t, int64(700), state.PlatformID)

	rec = doJSON(t, handler, http.MethodGet, "/api/campaigns/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), plan.ID)
}

func TestLaunchRejectsInvalidPlan(t *testing.T) {
	handler, _ := newTestAPI(t)

	plan := domain.CampaignPlan{
		ID:     "bad-plan",
		Groups: []domain.KeywordGroup{{ID: "g", Theme: "g", Keywords: []domain.KeywordCandidate{{Phrase: "купить диван"}}}},
		Creatives: []domain.AdCreative{
			{ID: "c", GroupID: "missing", Variant: "A", Headlines: []string{"x"}, Descriptions: []string{"y"}, Status: domain.CreativeActive},
		},
		Budget: domain.BudgetAllocation{Total: 100, ByGroup: map[string]float64{"g": 100}},
	}
	rec := doJSON(t, handler, http.MethodPost, "/api/campaigns/", plan)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestAllocationAndCreatives(t *testing.T) {
	handler, _ := newTestAPI(t)
	plan := launchCampaign(t, handler)

	rec := doJSON(t, handler, http.MethodGet, "/api/campaigns/"+plan.ID+"/allocation", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var alloc domain.BudgetAllocation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &alloc))
	assert.InDelta(t, 1000.0, alloc.Sum(), domain.BudgetEpsilon)

	rec = doJSON(t, handler, http.MethodGet, "/api/campaigns/"+plan.ID+"/creatives", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"variant":"A"`)
}

func TestPauseResumeEndpoints(t *testing.T) {
	handler, _ := newTestAPI(t)
	plan := launchCampaign(t, handler)
	base := "/api/campaigns/" + plan.ID

	rec := doJSON(t, handler, http.MethodPost, base+"/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), string(domain.CampaignPaused))

	// Paused before confirmation, so resume returns to Submitted.
	rec = doJSON(t, handler, http.MethodPost, base+"/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), string(domain.CampaignSubmitted))
}

func TestTriggerOptimization(t *testing.T) {
	handler, _ := newTestAPI(t)
	plan := launchCampaign(t, handler)

	rec := doJSON(t, handler, http.MethodPost, "/api/campaigns/"+plan.ID+"/optimize", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestAddKeywordsEndpoint(t *testing.T) {
	handler, _ := newTestAPI(t)
	plan := launchCampaign(t, handler)
	base := "/api/campaigns/" + plan.ID

	body := map[string]interface{}{
		"candidates": []domain.KeywordCandidate{
			{Phrase: "угловой диван", SearchVolume: 2000, Competition: 0.3, Relevance: 0.7, Section: "диваны"},
		},
	}
	rec := doJSON(t, handler, http.MethodPost, base+"/keywords", body)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"queued":1`)

	rec = doJSON(t, handler, http.MethodPost, base+"/keywords", map[string]interface{}{"candidates": []domain.KeywordCandidate{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnknownCampaignIs404(t *testing.T) {
	handler, _ := newTestAPI(t)
	for _, path := range []string{"/", "/plan", "/allocation", "/pause", "/optimize"} {
		method := http.MethodGet
		if path == "/pause" || path == "/optimize" {
			method = http.MethodPost
		}
		rec := doJSON(t, handler, method, "/api/campaigns/nope"+path, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestGetMetricsEndpoint(t *testing.T) {
	cfg := config.Defaults()
	cfg.Budget.DailyTotal = 1000
	p := planner.New(cfg, stubAnalyzer{}, stubAI{})
	m := optimizer.NewManager(cfg, stubPlatform{}, stubStore{}, nil)
	t.Cleanup(m.StopAll)

	now := time.Now().UTC()
	handler := NewRouter(NewHandlers(p, m, stubMetrics{metrics: []domain.PerformanceMetric{
		{Timestamp: now, GroupID: "divany", Impressions: 100, Clicks: 5, Cost: 250, Conversions: 1},
	}}))

	rec := doJSON(t, handler, http.MethodGet, "/api/campaigns/camp-1/metrics?hours=24", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"divany"`)

	rec = doJSON(t, handler, http.MethodGet, "/api/campaigns/camp-1/metrics?hours=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsErrorIsSanitized(t *testing.T) {
	cfg := config.Defaults()
	p := planner.New(cfg, stubAnalyzer{}, stubAI{})
	m := optimizer.NewManager(cfg, stubPlatform{}, stubStore{}, nil)
	t.Cleanup(m.StopAll)

	handler := NewRouter(NewHandlers(p, m, stubMetrics{err: fmt.Errorf("pq: connection refused host=10.0.0.5")}))

	rec := doJSON(t, handler, http.MethodGet, "/api/campaigns/camp-1/metrics", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "10.0.0.5")
	assert.Contains(t, rec.Body.String(), "failed to load metrics")
}
