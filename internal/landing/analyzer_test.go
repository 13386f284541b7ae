package landing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ignite/direct-optimizer/internal/config"
	"github.com/ignite/direct-optimizer/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeContentAnalyzer struct {
	gotSource string
	gotText   string
	result    domain.LandingAnalysis
	err       error
}

func (f *fakeContentAnalyzer) AnalyzeContent(_ context.Context, source, text string) (domain.LandingAnalysis, error) {
	f.gotSource = source
	f.gotText = text
	return f.result, f.err
}

func testLandingConfig() config.LandingConfig {
	return config.LandingConfig{TimeoutSeconds: 5, MaxTextLength: 5000}
}

func TestAnalyzeExtractsVisibleText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><head><style>.x{}</style></head><body>
			<nav>Menu Home</nav>
			<script>var x = 1;</script>
			<h1>Custom Kitchen Remodeling</h1>
			<p>Fast quotes, licensed crews.</p>
			<footer>Copyright</footer>
		</body></html>`))
	}))
	defer srv.Close()

	fake := &fakeContentAnalyzer{result: domain.LandingAnalysis{Title: "Kitchen Remodeling"}}
	a := NewPageAnalyzer(testLandingConfig(), fake)

	analysis, err := a.Analyze(context.Background(), srv.URL)
	require.NoError(t, err)

	assert.Equal(t, srv.URL, analysis.Source)
	assert.Equal(t, "Kitchen Remodeling", analysis.Title)
	assert.Contains(t, fake.gotText, "Custom Kitchen Remodeling")
	assert.Contains(t, fake.gotText, "licensed crews")
	assert.NotContains(t, fake.gotText, "var x = 1")
	assert.NotContains(t, fake.gotText, "Menu Home")
	assert.NotContains(t, fake.gotText, "Copyright")
}

func TestAnalyzeCapsTextLength(t *testing.T) {
	long := strings.Repeat("word ", 3000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><body>" + long + "</body></html>"))
	}))
	defer srv.Close()

	fake := &fakeContentAnalyzer{}
	cfg := testLandingConfig()
	cfg.MaxTextLength = 100
	a := NewPageAnalyzer(cfg, fake)

	_, err := a.Analyze(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Len(t, []rune(fake.gotText), 100)
}

func TestAnalyzeFetchErrors(t *testing.T) {
	fake := &fakeContentAnalyzer{}

	t.Run("non-200 status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		a := NewPageAnalyzer(testLandingConfig(), fake)
		_, err := a.Analyze(context.Background(), srv.URL)
		var fe *FetchError
		require.ErrorAs(t, err, &fe)
	})

	t.Run("connection refused", func(t *testing.T) {
		a := NewPageAnalyzer(testLandingConfig(), fake)
		_, err := a.Analyze(context.Background(), "http://127.0.0.1:1/none")
		var fe *FetchError
		require.ErrorAs(t, err, &fe)
	})

	t.Run("timeout", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(200 * time.Millisecond)
		}))
		defer srv.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		a := NewPageAnalyzer(testLandingConfig(), fake)
		_, err := a.Analyze(ctx, srv.URL)
		var fe *FetchError
		require.ErrorAs(t, err, &fe)
	})
}

func TestDescriptionAnalyzer(t *testing.T) {
	fake := &fakeContentAnalyzer{result: domain.LandingAnalysis{Industry: "construction"}}
	a := NewDescriptionAnalyzer(fake)

	analysis, err := a.Analyze(context.Background(), "We remodel kitchens in Moscow")
	require.NoError(t, err)
	assert.Equal(t, "description", analysis.Source)
	assert.Equal(t, "construction", analysis.Industry)
	assert.Equal(t, "We remodel kitchens in Moscow", fake.gotText)

	_, err = a.Analyze(context.Background(), "   ")
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
}
