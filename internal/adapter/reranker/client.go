package reranker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"lodestone/internal/apperr"
	"lodestone/internal/retrieval"
)

type Client struct {
	apiKey   string
	provider string
	client   *http.Client
	baseURL  string
}

func NewClient(provider, apiKey string) *Client {
	return &Client{
		provider: provider,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) SetBaseURL(url string) {
	c.baseURL = url
}

// Rerank scores docs against the query and returns rankings in provider
// order (most relevant first), at most topN of them. A nil result with nil
// error means no provider is configured and the caller's order stands.
func (c *Client) Rerank(ctx context.Context, query string, docs []string, topN int) ([]retrieval.RankedItem, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	if topN <= 0 || topN > len(docs) {
		topN = len(docs)
	}

	switch c.provider {
	case "jina":
		return c.call(ctx, "https://api.jina.ai/v1/rerank", map[string]interface{}{
			"model":     "jina-reranker-v2-base-multilingual",
			"query":     query,
			"documents": docs,
			"top_n":     topN,
		}, len(docs))
	case "cohere":
		return c.call(ctx, "https://api.cohere.com/v2/rerank", map[string]interface{}{
			"model":     "rerank-v3.5",
			"query":     query,
			"documents": docs,
			"top_n":     topN,
		}, len(docs))
	default:
		return nil, nil
	}
}

func (c *Client) call(ctx context.Context, url string, reqBody map[string]interface{}, docCount int) ([]retrieval.RankedItem, error) {
	if c.baseURL != "" {
		url = c.baseURL
	}

	jsonBody, _ := json.Marshal(reqBody)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperr.TransientProvider(c.provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("%s api error: %d %s", c.provider, resp.StatusCode, body)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, apperr.TransientProvider(c.provider, err)
		}
		return nil, apperr.NonRetryableProvider(c.provider, err)
	}

	var result struct {
		Results []struct {
			Index int     `json:"index"`
			Score float64 `json:"relevance_score"`
		} `json:"results"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, apperr.NonRetryableProvider(c.provider, err)
	}

	rankings := make([]retrieval.RankedItem, 0, len(result.Results))
	for _, r := range result.Results {
		if r.Index >= 0 && r.Index < docCount {
			rankings = append(rankings, retrieval.RankedItem{Index: r.Index, Score: r.Score})
		}
	}

	return rankings, nil
}
