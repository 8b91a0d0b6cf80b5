// Package mock provides a test double for the websearch.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/convoke/pkg/websearch"
)

// Provider is a mock implementation of websearch.Provider.
type Provider struct {
	mu sync.Mutex

	// ProviderName is returned by Name. Defaults to "mock-search" when empty.
	ProviderName string

	// Results is returned by every Search call.
	Results []websearch.Result

	// Err, if non-nil, is returned from Search.
	Err error

	// Queries records every query passed to Search, in order.
	Queries []string
}

var _ websearch.Provider = (*Provider)(nil)

// Name implements websearch.Provider.
func (p *Provider) Name() string {
	if p.ProviderName == "" {
		return "mock-search"
	}
	return p.ProviderName
}

// Search records the query and returns the configured results or error.
func (p *Provider) Search(_ context.Context, query string, _ int, _ int) ([]websearch.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Queries = append(p.Queries, query)
	if p.Err != nil {
		return nil, p.Err
	}
	out := make([]websearch.Result, len(p.Results))
	copy(out, p.Results)
	return out, nil
}
