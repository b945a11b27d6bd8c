package extract

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"lodestone/internal/apperr"
)

// Result is the extractor's view of one document: plain text plus whatever
// structure the parser could recover.
type Result struct {
	Text     string            `json:"text"`
	Title    string            `json:"title,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Client talks to the extraction sidecar, which knows how to fetch URLs and
// parse binary formats (PDF, HTML, DOCX) into plain text.
type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// ExtractURL fetches and extracts a remote document.
func (c *Client) ExtractURL(ctx context.Context, rawURL string) (*Result, error) {
	if rawURL == "" {
		return nil, apperr.Validation("url", "must not be empty")
	}
	return c.do(ctx, map[string]interface{}{"url": rawURL})
}

// ExtractBlob extracts text from an uploaded document body.
func (c *Client) ExtractBlob(ctx context.Context, blob []byte, contentType string) (*Result, error) {
	if len(blob) == 0 {
		return nil, apperr.Validation("content", "must not be empty")
	}
	return c.do(ctx, map[string]interface{}{
		"content":      base64.StdEncoding.EncodeToString(blob),
		"content_type": contentType,
	})
}

func (c *Client) do(ctx context.Context, payload map[string]interface{}) (*Result, error) {
	jsonBody, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/extract", bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperr.TransientProvider("extractor", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		err := fmt.Errorf("extractor error: %d %s", resp.StatusCode, body.Error)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, apperr.TransientProvider("extractor", err)
		}
		// 4xx means the document itself is bad; retrying won't fix it.
		return nil, apperr.NonRetryableProvider("extractor", err)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, apperr.NonRetryableProvider("extractor", fmt.Errorf("malformed extractor response: %w", err))
	}
	return &result, nil
}
