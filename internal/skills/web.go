package skills

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

const (
	webTimeout       = 30 * time.Second
	webUserAgent     = "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_7_2) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	fetchMaxChars    = 50000
	searchMaxResults = 5
)

var (
	ddgLinkRe    = regexp.MustCompile(`<a[^>]*class="[^"]*result__a[^"]*"[^>]*href="([^"]+)"[^>]*>([\s\S]*?)</a>`)
	ddgSnippetRe = regexp.MustCompile(`<a class="result__snippet[^"]*".*?>([\s\S]*?)</a>`)
	htmlTagRe    = regexp.MustCompile(`<[^>]+>`)
	scriptRe     = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
)

// WebSearchSkill queries DuckDuckGo's HTML endpoint. No API key needed.
type WebSearchSkill struct {
	client *http.Client
}

func NewWebSearchSkill() *WebSearchSkill {
	return &WebSearchSkill{client: &http.Client{Timeout: webTimeout}}
}

func (s *WebSearchSkill) Name() string        { return "web_search" }
func (s *WebSearchSkill) Description() string { return "Search the web and return top results" }
func (s *WebSearchSkill) Tags() []string      { return []string{"web", "search", "research", "internet"} }

func (s *WebSearchSkill) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "Search query",
			},
		},
		"required": []string{"query"},
	}
}

func (s *WebSearchSkill) Execute(ctx context.Context, args map[string]any) *Result {
	query, _ := args["query"].(string)
	if query == "" {
		return ErrorResult("query is required")
	}

	searchURL := "https://html.duckduckgo.com/html/?q=" + url.QueryEscape(query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return ErrorResult(fmt.Sprintf("create request: %v", err)).WithError(err)
	}
	req.Header.Set("User-Agent", webUserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return ErrorResult(fmt.Sprintf("search failed: %v", err)).WithError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return ErrorResult(fmt.Sprintf("read response: %v", err)).WithError(err)
	}

	results := extractSearchResults(string(body), searchMaxResults)
	if len(results) == 0 {
		return SilentResult("No results found for: " + query)
	}
	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s\n   %s\n   %s\n", i+1, r.title, r.url, r.snippet)
	}
	return SilentResult(b.String())
}

type searchResult struct {
	title, url, snippet string
}

func extractSearchResults(html string, count int) []searchResult {
	linkMatches := ddgLinkRe.FindAllStringSubmatch(html, count+5)
	snippetMatches := ddgSnippetRe.FindAllStringSubmatch(html, count+5)

	var results []searchResult
	for i := 0; i < len(linkMatches) && i < count; i++ {
		rawURL := linkMatches[i][1]
		title := strings.TrimSpace(htmlTagRe.ReplaceAllString(linkMatches[i][2], ""))

		// DDG wraps URLs in a redirect; the real URL lives in uddg=.
		if strings.Contains(rawURL, "uddg=") {
			if u, err := url.QueryUnescape(rawURL); err == nil {
				if idx := strings.Index(u, "uddg="); idx != -1 {
					extracted := u[idx+5:]
					if ampIdx := strings.Index(extracted, "&"); ampIdx != -1 {
						extracted = extracted[:ampIdx]
					}
					rawURL = extracted
				}
			}
		}

		snippet := ""
		if i < len(snippetMatches) {
			snippet = strings.TrimSpace(htmlTagRe.ReplaceAllString(snippetMatches[i][1], ""))
		}
		results = append(results, searchResult{title: title, url: rawURL, snippet: snippet})
	}
	return results
}

// WebFetchSkill fetches a URL and strips it down to readable text.
type WebFetchSkill struct {
	client *http.Client
}

func NewWebFetchSkill() *WebFetchSkill {
	return &WebFetchSkill{client: &http.Client{Timeout: webTimeout}}
}

func (s *WebFetchSkill) Name() string        { return "web_fetch" }
func (s *WebFetchSkill) Description() string { return "Fetch a URL and return its text content" }
func (s *WebFetchSkill) Tags() []string      { return []string{"web", "fetch", "url", "read"} }

func (s *WebFetchSkill) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "HTTP or HTTPS URL to fetch",
			},
		},
		"required": []string{"url"},
	}
}

func (s *WebFetchSkill) Execute(ctx context.Context, args map[string]any) *Result {
	rawURL, _ := args["url"].(string)
	if rawURL == "" {
		return ErrorResult("url is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return ErrorResult("only http and https URLs are supported")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return ErrorResult(fmt.Sprintf("create request: %v", err)).WithError(err)
	}
	req.Header.Set("User-Agent", webUserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return ErrorResult(fmt.Sprintf("fetch failed: %v", err)).WithError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return ErrorResult(fmt.Sprintf("fetch failed: HTTP %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return ErrorResult(fmt.Sprintf("read body: %v", err)).WithError(err)
	}

	text := string(body)
	if strings.Contains(resp.Header.Get("Content-Type"), "html") {
		text = stripHTML(text)
	}
	if len(text) > fetchMaxChars {
		text = text[:fetchMaxChars] + "\n[truncated]"
	}
	return SilentResult(text)
}

func stripHTML(html string) string {
	html = scriptRe.ReplaceAllString(html, " ")
	text := htmlTagRe.ReplaceAllString(html, " ")
	// Collapse runs of whitespace left behind by tags.
	fields := strings.Fields(text)
	return strings.Join(fields, " ")
}
