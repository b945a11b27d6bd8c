package retrieval

import (
	"context"
	"time"

	"lodestone/internal/metrics"
)

// Mode selects which search paths run.
type Mode string

const (
	ModeHybrid   Mode = "hybrid"
	ModeSemantic Mode = "semantic"
	ModeLexical  Mode = "lexical"
)

// SearchQuery is one retrieval request. Zero values fall back to runtime
// settings, then to static config.
type SearchQuery struct {
	Text           string
	Mode           Mode
	K              int
	Filters        map[string]interface{}
	WeightSemantic *float32
	WeightLexical  *float32
}

// ScoredChunk is a raw candidate from one search path, carrying everything
// needed for fusion, tie-breaks, and citations in a single read.
type ScoredChunk struct {
	ChunkID     string
	SourceID    string
	SourceName  string
	Origin      string
	Version     int
	Ordinal     int
	StartOffset int
	EndOffset   int
	Content     string
	Metadata    map[string]interface{}
	Score       float64
	ProcessedAt time.Time
}

// RankedItem is one rerank judgment: which candidate, how relevant.
type RankedItem struct {
	Index int
	Score float64
}

// Citation points a result back at its place in the source document.
type Citation struct {
	SourceName  string `json:"sourceName"`
	Origin      string `json:"origin,omitempty"`
	StartOffset int    `json:"startOffset"`
	EndOffset   int    `json:"endOffset"`
}

// SearchResult is one ranked chunk. The per-path scores are kept alongside
// the fused score so callers can see why a result ranked where it did.
type SearchResult struct {
	ChunkID       string                 `json:"chunkId"`
	SourceID      string                 `json:"sourceId"`
	Version       int                    `json:"version"`
	Ordinal       int                    `json:"ordinal"`
	Content       string                 `json:"content"`
	Citation      Citation               `json:"citation"`
	Signals       []string               `json:"signals"`
	ScoreSemantic float64                `json:"scoreSemantic,omitempty"`
	ScoreLexical  float64                `json:"scoreLexical,omitempty"`
	ScoreFused    float64                `json:"scoreFused"`
	ScoreRerank   *float64               `json:"scoreRerank,omitempty"`
	Highlights    []string               `json:"highlights,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`

	processedAt time.Time
}

const (
	SignalSemantic = "semantic"
	SignalLexical  = "lexical"
)

// Degradation reasons carried on a SearchResponse.
const (
	ReasonRerankFailed       = "rerank_failed"
	ReasonSemanticPathFailed = "semantic_path_failed"
	ReasonLexicalPathFailed  = "lexical_path_failed"
)

// SearchResponse is the full answer to one query, including whether any
// best-effort stage had to be skipped.
type SearchResponse struct {
	Results  []SearchResult `json:"results"`
	Degraded bool           `json:"degraded"`
	Reasons  []string       `json:"degradationReasons,omitempty"`
}

func (r *SearchResponse) flag(reason string) {
	r.Degraded = true
	r.Reasons = append(r.Reasons, reason)
	metrics.SearchDegraded(reason)
}

type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

type SearchStore interface {
	SemanticSearch(ctx context.Context, tenant string, vector []float32, filters map[string]interface{}, k int) ([]ScoredChunk, error)
	LexicalSearch(ctx context.Context, tenant string, query string, filters map[string]interface{}, k int) ([]ScoredChunk, error)
}

type Reranker interface {
	Rerank(ctx context.Context, query string, docs []string, topN int) ([]RankedItem, error)
}
