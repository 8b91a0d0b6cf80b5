// Package websearch defines the search provider used by the web_multisearch
// pipeline: time-sensitive questions are answered by fetching fresh results
// from one or more search backends and handing them to a synthesiser model.
//
// Implementations must be safe for concurrent use.
package websearch

import (
	"context"
	"time"
)

// Result is a single search hit.
type Result struct {
	// Title is the page title.
	Title string

	// URL is the canonical page URL.
	URL string

	// Snippet is the extract the backend returned for this hit.
	Snippet string

	// Published is the publication date, when the backend reports one.
	Published time.Time
}

// Provider is the abstraction over any web search backend.
type Provider interface {
	// Name returns the stable provider identifier (e.g., "brave").
	Name() string

	// Search returns up to limit results for query. freshnessDays > 0
	// restricts results to pages published within that many days; zero means
	// no restriction.
	Search(ctx context.Context, query string, limit int, freshnessDays int) ([]Result, error)
}
