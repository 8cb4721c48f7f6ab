package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// WebSearchToolOptions configures the search backend selection: Brave first
// if an API key is configured and enabled, DuckDuckGo's HTML endpoint as the
// keyless fallback.
type WebSearchToolOptions struct {
	BraveAPIKey          string
	BraveMaxResults      int
	BraveEnabled         bool
	DuckDuckGoMaxResults int
	DuckDuckGoEnabled    bool
}

// WebSearchTool performs a web search via Brave Search (preferred, requires
// an API key) or DuckDuckGo's HTML endpoint (keyless fallback).
type WebSearchTool struct {
	client   *resty.Client
	braveKey string
	braveMax int
	braveOn  bool
	ddgMax   int
	ddgOn    bool
}

// NewWebSearchTool returns nil if neither backend is enabled — callers skip
// registering the tool in that case (spec.md §4.3 "optional tools").
func NewWebSearchTool(opts WebSearchToolOptions) *WebSearchTool {
	if !opts.BraveEnabled && !opts.DuckDuckGoEnabled {
		return nil
	}
	braveMax := opts.BraveMaxResults
	if braveMax <= 0 {
		braveMax = 5
	}
	ddgMax := opts.DuckDuckGoMaxResults
	if ddgMax <= 0 {
		ddgMax = 5
	}
	return &WebSearchTool{
		client:   resty.New().SetTimeout(15 * time.Second),
		braveKey: opts.BraveAPIKey,
		braveMax: braveMax,
		braveOn:  opts.BraveEnabled && opts.BraveAPIKey != "",
		ddgMax:   ddgMax,
		ddgOn:    opts.DuckDuckGoEnabled,
	}
}

func (t *WebSearchTool) Name() string { return "web_search" }

func (t *WebSearchTool) Description() string {
	return "Search the web for a query and return a short list of titles, URLs, and snippets."
}

func (t *WebSearchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{"type": "string", "description": "Search query"},
		},
		"required": []string{"query"},
	}
}

func (t *WebSearchTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	query, _ := args["query"].(string)
	if query == "" {
		return ErrorResult("query is required")
	}

	if t.braveOn {
		result, err := t.searchBrave(ctx, query)
		if err == nil {
			return result
		}
	}
	if t.ddgOn {
		result, err := t.searchDuckDuckGo(ctx, query)
		if err == nil {
			return result
		}
		return ErrorResult(fmt.Sprintf("web search failed: %v", err))
	}
	return ErrorResult("no web search backend available")
}

type braveSearchResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
		} `json:"results"`
	} `json:"web"`
}

func (t *WebSearchTool) searchBrave(ctx context.Context, query string) (*ToolResult, error) {
	var payload braveSearchResponse
	resp, err := t.client.R().
		SetContext(ctx).
		SetHeader("X-Subscription-Token", t.braveKey).
		SetHeader("Accept", "application/json").
		SetQueryParam("q", query).
		SetQueryParam("count", fmt.Sprintf("%d", t.braveMax)).
		SetResult(&payload).
		Get("https://api.search.brave.com/res/v1/web/search")
	if err != nil {
		return nil, fmt.Errorf("brave search request: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("brave search returned %s", resp.Status())
	}

	var b strings.Builder
	for i, r := range payload.Web.Results {
		if i >= t.braveMax {
			break
		}
		fmt.Fprintf(&b, "%d. %s\n%s\n%s\n\n", i+1, r.Title, r.URL, r.Description)
	}
	if b.Len() == 0 {
		return &ToolResult{ForLLM: "No results found."}, nil
	}
	return &ToolResult{ForLLM: b.String()}, nil
}

func (t *WebSearchTool) searchDuckDuckGo(ctx context.Context, query string) (*ToolResult, error) {
	resp, err := t.client.R().
		SetContext(ctx).
		SetQueryParam("q", query).
		SetHeader("User-Agent", "Mozilla/5.0 (compatible; oxibot/1.0)").
		Get("https://html.duckduckgo.com/html/")
	if err != nil {
		return nil, fmt.Errorf("duckduckgo search request: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("duckduckgo search returned %s", resp.Status())
	}

	results := parseDuckDuckGoResults(resp.String(), t.ddgMax)
	if len(results) == 0 {
		return &ToolResult{ForLLM: "No results found."}, nil
	}
	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s\n%s\n\n", i+1, r.title, r.url)
	}
	return &ToolResult{ForLLM: b.String()}, nil
}

type ddgResult struct {
	title string
	url   string
}

var ddgResultLinkRe = regexp.MustCompile(`<a[^>]*class="result__a"[^>]*href="([^"]+)"[^>]*>(.*?)</a>`)

func parseDuckDuckGoResults(html string, max int) []ddgResult {
	matches := ddgResultLinkRe.FindAllStringSubmatch(html, -1)
	var out []ddgResult
	for _, m := range matches {
		if len(out) >= max {
			break
		}
		rawURL := m[1]
		if u, err := url.QueryUnescape(extractUDDG(rawURL)); err == nil && u != "" {
			rawURL = u
		}
		title := stripHTMLTags(m[2])
		out = append(out, ddgResult{title: title, url: rawURL})
	}
	return out
}

// extractUDDG pulls DuckDuckGo's redirect target out of "/l/?uddg=<url>&...".
func extractUDDG(href string) string {
	idx := strings.Index(href, "uddg=")
	if idx == -1 {
		return href
	}
	rest := href[idx+len("uddg="):]
	if amp := strings.Index(rest, "&"); amp != -1 {
		rest = rest[:amp]
	}
	return rest
}

// WebFetchTool downloads a URL and returns its text content, truncated to
// maxChars.
type WebFetchTool struct {
	client   *resty.Client
	maxChars int
}

func NewWebFetchTool(maxChars int) *WebFetchTool {
	if maxChars <= 0 {
		maxChars = 50000
	}
	return &WebFetchTool{client: resty.New().SetTimeout(20 * time.Second), maxChars: maxChars}
}

func (t *WebFetchTool) Name() string { return "web_fetch" }

func (t *WebFetchTool) Description() string {
	return "Fetch a URL and return its text content (HTML tags stripped), truncated to a few tens of thousands of characters."
}

func (t *WebFetchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{"type": "string", "description": "URL to fetch"},
		},
		"required": []string{"url"},
	}
}

func (t *WebFetchTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	rawURL, _ := args["url"].(string)
	if rawURL == "" {
		return ErrorResult("url is required")
	}

	resp, err := t.client.R().
		SetContext(ctx).
		SetHeader("User-Agent", "Mozilla/5.0 (compatible; oxibot/1.0)").
		Get(rawURL)
	if err != nil {
		return ErrorResult(fmt.Sprintf("fetching %s: %v", rawURL, err))
	}
	if resp.IsError() {
		return ErrorResult(fmt.Sprintf("fetching %s returned %s", rawURL, resp.Status()))
	}

	body := resp.String()
	contentType := resp.Header().Get("Content-Type")
	if strings.Contains(contentType, "html") {
		body = stripHTMLTags(body)
	} else if strings.Contains(contentType, "json") {
		var pretty interface{}
		if err := json.Unmarshal([]byte(body), &pretty); err == nil {
			if b, err := json.MarshalIndent(pretty, "", "  "); err == nil {
				body = string(b)
			}
		}
	}

	body = strings.TrimSpace(body)
	if len(body) > t.maxChars {
		body = body[:t.maxChars] + "\n...(truncated)"
	}
	return &ToolResult{ForLLM: body}
}
