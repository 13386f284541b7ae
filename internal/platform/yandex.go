package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ignite/direct-optimizer/internal/config"
	"github.com/ignite/direct-optimizer/internal/domain"
)

// YandexClient implements API against the Yandex.Direct JSON API v5
// (sandbox or production per configuration).
type YandexClient struct {
	cfg        config.DirectConfig
	httpClient *http.Client
}

// NewYandexClient creates a client for the configured endpoint.
func NewYandexClient(cfg config.DirectConfig) *YandexClient {
	return &YandexClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout()},
	}
}

const microsPerUnit = 1_000_000

type apiRequest struct {
	Method string      `json:"method"`
	Params interface{} `json:"params"`
}

type apiError struct {
	Code    int    `json:"error_code"`
	Message string `json:"error_string"`
	Detail  string `json:"error_detail"`
}

type apiEnvelope struct {
	Result json.RawMessage `json:"result"`
	Error  *apiError       `json:"error"`
}

type addResults struct {
	AddResults []struct {
		ID     int64 `json:"Id"`
		Errors []struct {
			Code    int    `json:"Code"`
			Message string `json:"Message"`
		} `json:"Errors"`
	} `json:"AddResults"`
}

// call posts one service method and unwraps the result envelope. HTTP-level
// failures and retryable API codes come back as TransientPlatformError.
func (c *YandexClient) call(ctx context.Context, service, method string, params interface{}, out interface{}) error {
	op := service + "." + method

	body, err := json.Marshal(apiRequest{Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("%s: marshaling request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint()+"/"+service, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &domain.TransientPlatformError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if units := resp.Header.Get("Units"); units != "" {
		log.Printf("[Direct] %s: units %s", op, units)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &domain.TransientPlatformError{Op: op, Err: err}
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return &domain.TransientPlatformError{Op: op, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: status %d: %s", op, resp.StatusCode, truncate(string(respBody), 200))
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("%s: decoding response: %w", op, err)
	}
	if envelope.Error != nil {
		perr := &Error{Code: envelope.Error.Code, Message: envelope.Error.Message, Detail: envelope.Error.Detail}
		if perr.Transient() {
			return &domain.TransientPlatformError{Op: op, Err: perr}
		}
		return perr
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("%s: decoding result: %w", op, err)
		}
	}
	return nil
}

func (c *YandexClient) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Accept-Language", c.cfg.Language)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
}

// CreateCampaign implements API. The plan is submitted in four stages
// (campaign, ad groups, keywords, ads); a failure at any stage surfaces the
// partial refs in the error so an operator can clean up, but the engine
// treats the whole call as failed.
func (c *YandexClient) CreateCampaign(ctx context.Context, plan domain.CampaignPlan) (Refs, error) {
	refs := Refs{Groups: make(map[string]int64), Ads: make(map[string]int64)}

	campaignParams := map[string]interface{}{
		"Campaigns": []map[string]interface{}{{
			"Name":      fmt.Sprintf("%s - %s", plan.Analysis.Title, plan.CreatedAt.Format("02.01.2006")),
			"StartDate": plan.CreatedAt.Format("2006-01-02"),
			"DailyBudget": map[string]interface{}{
				"Amount": int64(plan.Budget.Total * microsPerUnit),
				"Mode":   "STANDARD",
			},
			"TextCampaign": map[string]interface{}{
				"BiddingStrategy": map[string]interface{}{
					"Search":  map[string]interface{}{"BiddingStrategyType": "HIGHEST_POSITION"},
					"Network": map[string]interface{}{"BiddingStrategyType": "SERVING_OFF"},
				},
			},
		}},
	}

	var campaignRes addResults
	if err := c.call(ctx, "campaigns", "add", campaignParams, &campaignRes); err != nil {
		return refs, err
	}
	if len(campaignRes.AddResults) == 0 || campaignRes.AddResults[0].ID == 0 {
		return refs, fmt.Errorf("campaigns.add: no campaign id in response")
	}
	refs.CampaignID = campaignRes.AddResults[0].ID
	log.Printf("[Direct] Created campaign %d (%d groups, %d creatives)", refs.CampaignID, len(plan.Groups), len(plan.Creatives))

	if err := c.addGroups(ctx, &refs, plan); err != nil {
		return refs, err
	}
	if err := c.addKeywords(ctx, refs, plan); err != nil {
		return refs, err
	}
	if err := c.addAds(ctx, &refs, plan); err != nil {
		return refs, err
	}
	return refs, nil
}

func (c *YandexClient) addGroups(ctx context.Context, refs *Refs, plan domain.CampaignPlan) error {
	groupItems := make([]map[string]interface{}, 0, len(plan.Groups))
	for _, g := range plan.Groups {
		item := map[string]interface{}{
			"Name":       g.Theme,
			"CampaignId": refs.CampaignID,
			"RegionIds":  c.cfg.RegionIDs,
		}
		if len(g.MinusWords) > 0 {
			item["NegativeKeywords"] = map[string]interface{}{"Items": g.MinusWords}
		}
		groupItems = append(groupItems, item)
	}

	var res addResults
	if err := c.call(ctx, "adgroups", "add", map[string]interface{}{"AdGroups": groupItems}, &res); err != nil {
		return err
	}
	if len(res.AddResults) != len(plan.Groups) {
		return fmt.Errorf("adgroups.add: expected %d results, got %d", len(plan.Groups), len(res.AddResults))
	}
	for i, r := range res.AddResults {
		if r.ID == 0 {
			return fmt.Errorf("adgroups.add: group %q rejected", plan.Groups[i].ID)
		}
		refs.Groups[plan.Groups[i].ID] = r.ID
	}
	return nil
}

func (c *YandexClient) addKeywords(ctx context.Context, refs Refs, plan domain.CampaignPlan) error {
	var items []map[string]interface{}
	for _, g := range plan.Groups {
		for _, k := range g.Keywords {
			items = append(items, map[string]interface{}{
				"Keyword":   k.Phrase,
				"AdGroupId": refs.Groups[g.ID],
			})
		}
	}
	return c.call(ctx, "keywords", "add", map[string]interface{}{"Keywords": items}, nil)
}

// AddKeywords implements API: appends phrases to an existing ad group, used
// when the optimizer admits new candidates into the semantic core.
func (c *YandexClient) AddKeywords(ctx context.Context, refs Refs, groupID string, keywords []domain.KeywordCandidate) error {
	platformGroup, ok := refs.Groups[groupID]
	if !ok {
		return fmt.Errorf("keywords.add: unknown group %q", groupID)
	}
	items := make([]map[string]interface{}, 0, len(keywords))
	for _, k := range keywords {
		items = append(items, map[string]interface{}{
			"Keyword":   k.Phrase,
			"AdGroupId": platformGroup,
		})
	}
	return c.call(ctx, "keywords", "add", map[string]interface{}{"Keywords": items}, nil)
}

func (c *YandexClient) addAds(ctx context.Context, refs *Refs, plan domain.CampaignPlan) error {
	items := make([]map[string]interface{}, 0, len(plan.Creatives))
	for _, cr := range plan.Creatives {
		items = append(items, map[string]interface{}{
			"AdGroupId": refs.Groups[cr.GroupID],
			"TextAd": map[string]interface{}{
				"Title":  cr.Headlines[0],
				"Text":   firstOrEmpty(cr.Descriptions),
				"Mobile": "NO",
			},
		})
	}

	var res addResults
	if err := c.call(ctx, "ads", "add", map[string]interface{}{"Ads": items}, &res); err != nil {
		return err
	}
	if len(res.AddResults) != len(plan.Creatives) {
		return fmt.Errorf("ads.add: expected %d results, got %d", len(plan.Creatives), len(res.AddResults))
	}
	for i, r := range res.AddResults {
		if r.ID == 0 {
			return fmt.Errorf("ads.add: creative %s rejected", plan.Creatives[i].ID)
		}
		refs.Ads[plan.Creatives[i].ID] = r.ID
	}
	return nil
}

// ConfirmCampaign implements API: a campaigns.get round-trip that reports
// whether the campaign exists and is past moderation rejection.
func (c *YandexClient) ConfirmCampaign(ctx context.Context, campaignID int64) (bool, error) {
	params := map[string]interface{}{
		"SelectionCriteria": map[string]interface{}{"Ids": []int64{campaignID}},
		"FieldNames":        []string{"Id", "State", "Status"},
	}

	var res struct {
		Campaigns []struct {
			ID     int64  `json:"Id"`
			State  string `json:"State"`
			Status string `json:"Status"`
		} `json:"Campaigns"`
	}
	if err := c.call(ctx, "campaigns", "get", params, &res); err != nil {
		return false, err
	}
	if len(res.Campaigns) == 0 {
		return false, nil
	}
	switch res.Campaigns[0].Status {
	case "REJECTED":
		return false, &Error{Code: 0, Message: "campaign rejected by moderation"}
	case "ACCEPTED":
		return true, nil
	default:
		// Still in moderation.
		return false, nil
	}
}

// UpdateBudget implements API: the campaign daily ceiling moves to the
// allocation total, and each ad group's budget share is expressed through a
// proportional search bid.
func (c *YandexClient) UpdateBudget(ctx context.Context, refs Refs, alloc domain.BudgetAllocation) error {
	params := map[string]interface{}{
		"Campaigns": []map[string]interface{}{{
			"Id": refs.CampaignID,
			"DailyBudget": map[string]interface{}{
				"Amount": int64(alloc.Total * microsPerUnit),
				"Mode":   "STANDARD",
			},
		}},
	}
	if err := c.call(ctx, "campaigns", "update", params, nil); err != nil {
		return err
	}

	var bids []map[string]interface{}
	for groupID, amount := range alloc.ByGroup {
		platformID, ok := refs.Groups[groupID]
		if !ok {
			continue
		}
		bids = append(bids, map[string]interface{}{
			"AdGroupId": platformID,
			"SearchBid": groupBid(amount, alloc.Total),
		})
	}
	if len(bids) == 0 {
		return nil
	}
	return c.call(ctx, "bids", "set", map[string]interface{}{"Bids": bids}, nil)
}

// groupBid derives an ad-group search bid in micros from its budget share.
// Bids scale linearly between 10% and 100% of a one-unit bid.
func groupBid(amount, total float64) int64 {
	if total <= 0 {
		return microsPerUnit / 10
	}
	share := amount / total
	bid := int64(share * microsPerUnit)
	if bid < microsPerUnit/10 {
		bid = microsPerUnit / 10
	}
	return bid
}

// SetActiveCreatives implements API: resumes ads for the given creatives and
// suspends the group's remaining ads. Both calls carry full id lists, so a
// retry with the same payload converges to the same serving set.
func (c *YandexClient) SetActiveCreatives(ctx context.Context, refs Refs, groupID string, creatives []domain.AdCreative) error {
	resume := make(map[int64]bool, len(creatives))
	var resumeIDs []int64
	for _, cr := range creatives {
		adID, ok := refs.Ads[cr.ID]
		if !ok {
			return fmt.Errorf("set active creatives: creative %s has no platform ad", cr.ID)
		}
		resume[adID] = true
		resumeIDs = append(resumeIDs, adID)
	}

	var suspendIDs []int64
	for _, adID := range refs.Ads {
		if !resume[adID] {
			suspendIDs = append(suspendIDs, adID)
		}
	}

	if len(resumeIDs) > 0 {
		params := map[string]interface{}{"SelectionCriteria": map[string]interface{}{"Ids": resumeIDs}}
		if err := c.call(ctx, "ads", "resume", params, nil); err != nil {
			return err
		}
	}
	if len(suspendIDs) > 0 {
		params := map[string]interface{}{"SelectionCriteria": map[string]interface{}{"Ids": suspendIDs}}
		if err := c.call(ctx, "ads", "suspend", params, nil); err != nil {
			return err
		}
	}
	log.Printf("[Direct] Group %s: %d ads serving, %d suspended", groupID, len(resumeIDs), len(suspendIDs))
	return nil
}

// FetchMetrics implements API via the Reports service. A 201/202 response
// means the report is still building offline; that surfaces as transient so
// the next tick retries.
func (c *YandexClient) FetchMetrics(ctx context.Context, refs Refs, since time.Time) ([]domain.PerformanceMetric, error) {
	def := map[string]interface{}{
		"SelectionCriteria": map[string]interface{}{
			"DateFrom": since.Format("2006-01-02"),
			"DateTo":   time.Now().Format("2006-01-02"),
			"Filter": []map[string]interface{}{{
				"Field":    "CampaignId",
				"Operator": "EQUALS",
				"Values":   []string{strconv.FormatInt(refs.CampaignID, 10)},
			}},
		},
		"FieldNames":    []string{"Date", "AdGroupId", "AdId", "Impressions", "Clicks", "Cost", "Conversions"},
		"ReportName":    fmt.Sprintf("perf-%d-%d", refs.CampaignID, since.Unix()),
		"ReportType":    "AD_PERFORMANCE_REPORT",
		"DateRangeType": "CUSTOM_DATE",
		"Format":        "TSV",
		"IncludeVAT":    "YES",
	}

	body, err := json.Marshal(map[string]interface{}{"params": def})
	if err != nil {
		return nil, fmt.Errorf("reports: marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint()+"/reports", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)
	req.Header.Set("processingMode", "auto")
	req.Header.Set("returnMoneyInMicros", "false")
	req.Header.Set("skipReportHeader", "true")
	req.Header.Set("skipReportSummary", "true")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &domain.TransientPlatformError{Op: "reports.get", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &domain.TransientPlatformError{Op: "reports.get", Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusAccepted:
		return nil, &domain.TransientPlatformError{Op: "reports.get", Err: fmt.Errorf("report queued offline (status %d)", resp.StatusCode)}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &domain.TransientPlatformError{Op: "reports.get", Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("reports.get: status %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	return c.parseReport(string(respBody), refs)
}

// parseReport converts report TSV into metrics, translating platform ids
// back to domain ids. Rows for unknown ids (deleted groups, manual edits on
// the platform side) are skipped.
func (c *YandexClient) parseReport(tsv string, refs Refs) ([]domain.PerformanceMetric, error) {
	groupByPlatform := invert(refs.Groups)
	adByPlatform := invert(refs.Ads)

	var out []domain.PerformanceMetric
	skipped := 0
	for i, line := range strings.Split(strings.TrimSpace(tsv), "\n") {
		if line == "" || (i == 0 && strings.HasPrefix(line, "Date")) {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 7 {
			skipped++
			continue
		}

		ts, err := time.Parse("2006-01-02", fields[0])
		if err != nil {
			skipped++
			continue
		}
		groupPlatformID, _ := strconv.ParseInt(fields[1], 10, 64)
		adPlatformID, _ := strconv.ParseInt(fields[2], 10, 64)

		m := domain.PerformanceMetric{
			Timestamp:   ts,
			GroupID:     groupByPlatform[groupPlatformID],
			CreativeID:  adByPlatform[adPlatformID],
			Impressions: atoiSafe(fields[3]),
			Clicks:      atoiSafe(fields[4]),
			Cost:        atofSafe(fields[5]),
			Conversions: atoiSafe(fields[6]),
		}
		if m.GroupID == "" && m.CreativeID == "" {
			skipped++
			continue
		}
		out = append(out, m)
	}
	if skipped > 0 {
		log.Printf("[Direct] Report: skipped %d unparseable or unknown rows", skipped)
	}
	return out, nil
}

func invert(m map[string]int64) map[int64]string {
	out := make(map[int64]string, len(m))
	for k, v := range m {
		out[v] = k
	}
	return out
}

// atoiSafe parses report integers, treating the "--" placeholder as zero.
func atoiSafe(s string) int {
	n, _ := strconv.Atoi(strings.TrimSpace(s))
	return n
}

func atofSafe(s string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f
}

func firstOrEmpty(list []string) string {
	if len(list) == 0 {
		return ""
	}
	return list[0]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
