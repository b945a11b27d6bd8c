package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/generative-ai-go/genai"
	"golang.org/x/time/rate"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"lodestone/internal/apperr"
)

const defaultModel = "text-embedding-004"

// ErrDimensionMismatch indicates the provider returned vectors whose width
// does not match the configured store column. This is a configuration error,
// never retried.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

type Config struct {
	Model      string
	Dimension  int
	BatchSize  int
	MaxRetries int
	RPS        float64
}

// Embedder turns passages into fixed-dimension vectors via the Gemini
// embedding API. Requests are batched, rate limited client-side, and retried
// with exponential backoff on transient provider failures.
type Embedder struct {
	client  *genai.Client
	limiter *rate.Limiter
	cfg     Config
}

func NewEmbedder(ctx context.Context, apiKey string, cfg Config, opts ...option.ClientOption) (*Embedder, error) {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Dimension <= 0 {
		return nil, apperr.Validation("dimension", "must be positive")
	}

	allOpts := append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)
	client, err := genai.NewClient(ctx, allOpts...)
	if err != nil {
		return nil, err
	}

	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}

	return &Embedder{
		client:  client,
		limiter: rate.NewLimiter(limit, 1),
		cfg:     cfg,
	}, nil
}

func (e *Embedder) Close() error { return e.client.Close() }

// Embed returns one vector per input text, in order. Inputs beyond the batch
// size are split across multiple provider calls; a call that exhausts its
// retries fails the whole Embed as a unit so the caller can isolate the
// affected chunks.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.cfg.BatchSize {
		end := start + e.cfg.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := e.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}

func (e *Embedder) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	em := e.client.EmbeddingModel(e.cfg.Model)

	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := backoff(attempt)
			slog.WarnContext(ctx, "retrying embedding batch", "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		b := em.NewBatch()
		for _, t := range texts {
			b.AddContent(genai.Text(t))
		}

		res, err := em.BatchEmbedContents(ctx, b)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !isTransient(err) {
				return nil, apperr.NonRetryableProvider("gemini", err)
			}
			lastErr = err
			continue
		}

		return e.collect(res, len(texts))
	}

	return nil, apperr.TransientProvider("gemini", fmt.Errorf("batch failed after %d attempts: %w", e.cfg.MaxRetries+1, lastErr))
}

func (e *Embedder) collect(res *genai.BatchEmbedContentsResponse, want int) ([][]float32, error) {
	if res == nil || len(res.Embeddings) != want {
		got := 0
		if res != nil {
			got = len(res.Embeddings)
		}
		return nil, apperr.NonRetryableProvider("gemini", fmt.Errorf("expected %d embeddings, got %d", want, got))
	}

	vectors := make([][]float32, 0, want)
	for i, emb := range res.Embeddings {
		if emb == nil || len(emb.Values) == 0 {
			return nil, apperr.NonRetryableProvider("gemini", fmt.Errorf("empty embedding at index %d", i))
		}
		if len(emb.Values) != e.cfg.Dimension {
			return nil, fmt.Errorf("%w: want %d, got %d", ErrDimensionMismatch, e.cfg.Dimension, len(emb.Values))
		}
		vectors = append(vectors, emb.Values)
	}
	return vectors, nil
}

func backoff(attempt int) time.Duration {
	d := 500 * time.Millisecond << (attempt - 1)
	if d > 8*time.Second {
		d = 8 * time.Second
	}
	return d
}

func isTransient(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == http.StatusTooManyRequests || gerr.Code >= http.StatusInternalServerError
	}
	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.ResourceExhausted, codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.Internal:
			return true
		default:
			return false
		}
	}
	// Plain transport errors (reset connections, DNS) are worth retrying.
	return true
}
