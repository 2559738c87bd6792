package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/xonecas/snowcore/internal/store"
)

func openTestCache(t *testing.T) *store.Cache {
	t.Helper()
	c, err := store.Open(filepath.Join(t.TempDir(), "cache.db"), time.Hour)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestWebFetchStripsHTMLAndCaches(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html><body><script>evil()</script><p>Hello world</p></body></html>"))
	}))
	defer srv.Close()

	cache := openTestCache(t)
	handler := MakeWebFetchHandler(cache)

	raw, _ := json.Marshal(WebFetchArgs{URL: srv.URL})
	result, err := handler(context.Background(), raw)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %+v", result)
	}
	text := result.Content[0].Text
	if !strings.Contains(text, "Hello world") {
		t.Errorf("expected visible text extracted, got %q", text)
	}
	if strings.Contains(text, "evil()") {
		t.Errorf("expected script content stripped, got %q", text)
	}

	if _, ok := cache.GetFetch(srv.URL); !ok {
		t.Error("expected fetch result cached")
	}
}

func TestWebFetchUsesCacheOnSecondCall(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte("plain text body"))
	}))
	defer srv.Close()

	cache := openTestCache(t)
	handler := MakeWebFetchHandler(cache)
	raw, _ := json.Marshal(WebFetchArgs{URL: srv.URL})

	if _, err := handler(context.Background(), raw); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if _, err := handler(context.Background(), raw); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected exactly 1 upstream request, got %d", calls)
	}
}

func TestWebFetchMissingURLErrors(t *testing.T) {
	cache := openTestCache(t)
	handler := MakeWebFetchHandler(cache)
	raw, _ := json.Marshal(WebFetchArgs{})
	result, err := handler(context.Background(), raw)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if !result.IsError {
		t.Error("expected an error result for a missing url")
	}
}

func TestWebFetchUpstreamErrorStatusIsErrorResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	cache := openTestCache(t)
	handler := MakeWebFetchHandler(cache)
	raw, _ := json.Marshal(WebFetchArgs{URL: srv.URL})
	result, err := handler(context.Background(), raw)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if !result.IsError {
		t.Error("expected an error result for a 404 response")
	}
}

func TestWebSearchMissingAPIKeyErrors(t *testing.T) {
	cache := openTestCache(t)
	handler := MakeWebSearchHandler(cache, "", "")
	raw, _ := json.Marshal(WebSearchArgs{Query: "golang channels"})
	result, err := handler(context.Background(), raw)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if !result.IsError {
		t.Error("expected an error result when no API key is configured")
	}
}

func TestWebSearchMissingQueryErrors(t *testing.T) {
	cache := openTestCache(t)
	handler := MakeWebSearchHandler(cache, "key", "")
	raw, _ := json.Marshal(WebSearchArgs{})
	result, err := handler(context.Background(), raw)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if !result.IsError {
		t.Error("expected an error result for a missing query")
	}
}

func TestWebSearchHitsConfiguredEndpointAndCaches(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("expected api key header forwarded, got %q", r.Header.Get("x-api-key"))
		}
		json.NewEncoder(w).Encode(exaSearchResponse{Results: []exaResult{
			{Title: "Go Docs", URL: "https://go.dev", Text: "The Go programming language."},
		}})
	}))
	defer srv.Close()

	cache := openTestCache(t)
	handler := MakeWebSearchHandler(cache, "test-key", srv.URL)

	raw, _ := json.Marshal(WebSearchArgs{Query: "golang channels"})
	result, err := handler(context.Background(), raw)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %+v", result)
	}
	if !strings.Contains(result.Content[0].Text, "Go Docs") {
		t.Errorf("expected result title in output, got %q", result.Content[0].Text)
	}

	if _, err := handler(context.Background(), raw); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected the second identical search to hit the cache, got %d upstream calls", calls)
	}
}

func TestFormatSearchResultsEmpty(t *testing.T) {
	if out := formatSearchResults(nil); out != noSearchResults {
		t.Errorf("expected %q for no results, got %q", noSearchResults, out)
	}
}

func TestExtractTextStripsTagsAndCollapsesWhitespace(t *testing.T) {
	html := "<div><p>First   line</p><style>.x{}</style><p>Second line</p></div>"
	out := extractText([]byte(html))
	if !strings.Contains(out, "First") || !strings.Contains(out, "Second") {
		t.Errorf("expected both text blocks preserved, got %q", out)
	}
	if strings.Contains(out, "{}") {
		t.Errorf("expected style content stripped, got %q", out)
	}
}

func TestTruncateCutsAtMaxChars(t *testing.T) {
	s := strings.Repeat("x", 100)
	out := truncate(s, 10)
	if !strings.HasPrefix(out, strings.Repeat("x", 10)) {
		t.Errorf("expected truncated prefix preserved, got %q", out)
	}
	if !strings.Contains(out, "[Truncated]") {
		t.Error("expected a truncation marker")
	}
}

func TestTruncateNoopUnderLimit(t *testing.T) {
	if out := truncate("short", 100); out != "short" {
		t.Errorf("expected unchanged string, got %q", out)
	}
}
