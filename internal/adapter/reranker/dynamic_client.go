package reranker

import (
	"context"
	"fmt"
	"sync"

	"lodestone/internal/retrieval"
	"lodestone/internal/settings"
)

// DynamicClient resolves the rerank provider from runtime settings on each
// call, so operators can switch providers or rotate keys without a restart.
type DynamicClient struct {
	settings *settings.Service

	mu             sync.Mutex
	cached         *Client
	cachedProvider string
	cachedKey      string
}

func NewDynamicClient(svc *settings.Service) *DynamicClient {
	return &DynamicClient{settings: svc}
}

func (d *DynamicClient) Rerank(ctx context.Context, query string, docs []string, topN int) ([]retrieval.RankedItem, error) {
	s, err := d.settings.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get settings: %w", err)
	}

	if s.RerankProvider == "" || s.RerankProvider == "none" {
		return nil, nil
	}

	return d.getClient(s.RerankProvider, s.RerankAPIKey).Rerank(ctx, query, docs, topN)
}

// getClient reuses the underlying client until the provider or key changes.
func (d *DynamicClient) getClient(provider, apiKey string) *Client {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cached != nil && d.cachedProvider == provider && d.cachedKey == apiKey {
		return d.cached
	}

	d.cached = NewClient(provider, apiKey)
	d.cachedProvider = provider
	d.cachedKey = apiKey
	return d.cached
}
