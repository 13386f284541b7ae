// Package landing fetches a landing page and distills it into the
// LandingAnalysis that keyword and creative generation work from.
package landing

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/ignite/direct-optimizer/internal/config"
	"github.com/ignite/direct-optimizer/internal/domain"
)

// Analyzer turns a landing page URL into a LandingAnalysis. On failure the
// plan build aborts; the builder is never invoked with partial data.
type Analyzer interface {
	Analyze(ctx context.Context, url string) (domain.LandingAnalysis, error)
}

// FetchError reports a failed or timed-out page fetch.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string { return fmt.Sprintf("fetching %s: %v", e.URL, e.Err) }
func (e *FetchError) Unwrap() error { return e.Err }

// ContentAnalyzer extracts structured business signals from page text.
// Implemented by the AI content service.
type ContentAnalyzer interface {
	AnalyzeContent(ctx context.Context, source, text string) (domain.LandingAnalysis, error)
}

// PageAnalyzer fetches page HTML, strips it to visible text, and hands the
// text to a ContentAnalyzer.
type PageAnalyzer struct {
	cfg     config.LandingConfig
	client  *http.Client
	content ContentAnalyzer
}

// NewPageAnalyzer creates an analyzer with a bounded fetch timeout.
func NewPageAnalyzer(cfg config.LandingConfig, content ContentAnalyzer) *PageAnalyzer {
	return &PageAnalyzer{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout()},
		content: content,
	}
}

// Analyze fetches the page and runs content analysis on its visible text.
func (a *PageAnalyzer) Analyze(ctx context.Context, url string) (domain.LandingAnalysis, error) {
	text, err := a.fetchText(ctx, url)
	if err != nil {
		return domain.LandingAnalysis{}, err
	}
	log.Printf("[Landing] Fetched %s: %d chars of text", url, len(text))

	analysis, err := a.content.AnalyzeContent(ctx, url, text)
	if err != nil {
		return domain.LandingAnalysis{}, err
	}
	analysis.Source = url
	return analysis, nil
}

// fetchText downloads the page and returns its visible text, capped at the
// configured length. Script, style, and chrome elements are dropped.
func (a *PageAnalyzer) fetchText(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", &FetchError{URL: url, Err: err}
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return "", &FetchError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &FetchError{URL: url, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return "", &FetchError{URL: url, Err: err}
	}

	doc.Find("script, style, nav, footer, noscript").Remove()
	text := strings.Join(strings.Fields(doc.Find("body").Text()), " ")
	if text == "" {
		return "", &FetchError{URL: url, Err: fmt.Errorf("no visible text")}
	}

	if runes := []rune(text); len(runes) > a.cfg.MaxTextLength {
		text = string(runes[:a.cfg.MaxTextLength])
	}
	return text, nil
}

// DescriptionAnalyzer builds a LandingAnalysis from a free-form business
// description instead of a URL, for businesses without a landing page.
type DescriptionAnalyzer struct {
	content ContentAnalyzer
}

// NewDescriptionAnalyzer creates a description-backed analyzer.
func NewDescriptionAnalyzer(content ContentAnalyzer) *DescriptionAnalyzer {
	return &DescriptionAnalyzer{content: content}
}

// Analyze treats the "url" argument as the description text itself.
func (a *DescriptionAnalyzer) Analyze(ctx context.Context, description string) (domain.LandingAnalysis, error) {
	if strings.TrimSpace(description) == "" {
		return domain.LandingAnalysis{}, &domain.ValidationError{Field: "description", Reason: "empty business description"}
	}
	analysis, err := a.content.AnalyzeContent(ctx, "description", description)
	if err != nil {
		return domain.LandingAnalysis{}, err
	}
	analysis.Source = "description"
	return analysis, nil
}
