// Package brave provides a websearch provider backed by the Brave Search API.
package brave

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/MrWong99/convoke/pkg/llm"
	"github.com/MrWong99/convoke/pkg/websearch"
)

// DefaultBaseURL is the Brave Search API endpoint.
const DefaultBaseURL = "https://api.search.brave.com/res/v1"

var _ websearch.Provider = (*Provider)(nil)

// Provider implements websearch.Provider using the Brave Search API.
type Provider struct {
	apiKey  string
	baseURL string
}

// New constructs a Brave search provider. baseURL defaults to
// [DefaultBaseURL] when empty.
func New(apiKey, baseURL string) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("brave: apiKey must not be empty")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Provider{apiKey: apiKey, baseURL: baseURL}, nil
}

// Name implements websearch.Provider.
func (p *Provider) Name() string { return "brave" }

// searchResponse mirrors the subset of the Brave response the gateway uses.
type searchResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
			PageAge     string `json:"page_age"`
		} `json:"results"`
	} `json:"web"`
}

// Search implements websearch.Provider.
func (p *Provider) Search(ctx context.Context, query string, limit int, freshnessDays int) ([]websearch.Result, error) {
	if limit <= 0 {
		limit = 5
	}

	q := url.Values{}
	q.Set("q", query)
	q.Set("count", fmt.Sprint(limit))
	if freshnessDays > 0 {
		// Brave freshness buckets: pd (day), pw (week), pm (month).
		switch {
		case freshnessDays <= 1:
			q.Set("freshness", "pd")
		case freshnessDays <= 7:
			q.Set("freshness", "pw")
		default:
			q.Set("freshness", "pm")
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		p.baseURL+"/web/search?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("brave: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", p.apiKey)

	resp, err := llm.SharedHTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("brave: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("brave: status %d", resp.StatusCode)
	}

	var decoded searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("brave: decode response: %w", err)
	}

	results := make([]websearch.Result, 0, len(decoded.Web.Results))
	for _, r := range decoded.Web.Results {
		res := websearch.Result{
			Title:   r.Title,
			URL:     r.URL,
			Snippet: r.Description,
		}
		if r.PageAge != "" {
			if t, err := time.Parse(time.RFC3339, r.PageAge); err == nil {
				res.Published = t
			}
		}
		results = append(results, res)
	}
	return results, nil
}
