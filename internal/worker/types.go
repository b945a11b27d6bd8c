package worker

import (
	"context"

	"lodestone/internal/adapter/extract"
)

// Status is the ingestion state of a source. The pipeline is the only writer
// of the middle states; sources enter at pending and leave through one of the
// terminal states.
type Status string

const (
	StatusPending      Status = "pending"
	StatusExtracting   Status = "extracting"
	StatusChunking     Status = "chunking"
	StatusEmbedding    Status = "embedding"
	StatusIndexing     Status = "indexing"
	StatusReady        Status = "ready"
	StatusReadyPartial Status = "ready_partial"
	StatusFailed       Status = "failed"
)

// transitions is the closed set of allowed moves. Middle states may re-enter
// extracting so a redelivered task can resume after a crash. The ready states
// only leave through an explicit reprocess, which resets the source to
// pending under a new version.
var transitions = map[Status][]Status{
	StatusPending:      {StatusExtracting},
	StatusExtracting:   {StatusChunking, StatusExtracting, StatusFailed},
	StatusChunking:     {StatusEmbedding, StatusExtracting, StatusFailed},
	StatusEmbedding:    {StatusIndexing, StatusExtracting, StatusFailed},
	StatusIndexing:     {StatusReady, StatusReadyPartial, StatusExtracting, StatusFailed},
	StatusReady:        {StatusPending},
	StatusReadyPartial: {StatusPending},
	StatusFailed:       {StatusPending, StatusExtracting},
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether moving from s to next is allowed.
func (s Status) CanTransition(next Status) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Terminal reports whether s ends the current version's pipeline run.
func (s Status) Terminal() bool {
	return s == StatusReady || s == StatusReadyPartial || s == StatusFailed
}

// Source kinds.
const (
	KindFile = "file"
	KindURL  = "url"
	KindFAQ  = "faq"
)

// Chunk is one staged passage of a source version. Offsets are rune positions
// into the normalized source text, half-open [StartOffset, EndOffset).
type Chunk struct {
	Ordinal     int
	StartOffset int
	EndOffset   int
	Content     string
	TokenCount  int
	Metadata    map[string]interface{}
}

// ChunkCounts summarizes the staged chunks of one source version.
type ChunkCounts struct {
	Total    int
	Embedded int
	Failed   int
}

// SourceInfo is the slice of a source record the pipeline needs.
type SourceInfo struct {
	ID            string
	Tenant        string
	Kind          string
	Name          string
	Origin        string
	ContentHash   string
	BodyHash      string
	LatestVersion int
	ActiveVersion int
	Status        Status
	Metadata      map[string]interface{}
}

// SourceStore is the source-side persistence the pipeline drives.
type SourceStore interface {
	GetForIngest(ctx context.Context, id string) (*SourceInfo, error)
	UpdateStatus(ctx context.Context, id string, status Status) error
	MarkFailed(ctx context.Context, id, reason string) error
	UpdateBodyHash(ctx context.Context, id, hash string) error
}

// ChunkStore stages a version's chunks invisibly, fills in vectors, and
// commits the version with an atomic swap.
type ChunkStore interface {
	StageChunks(ctx context.Context, tenant, sourceID string, version int, chunks []Chunk) error
	MissingEmbeddings(ctx context.Context, sourceID string, version int) ([]Chunk, error)
	UpdateChunkVectors(ctx context.Context, sourceID string, version int, ordinals []int, vectors [][]float32) error
	MarkChunkFailed(ctx context.Context, sourceID string, version int, ordinal int, reason string) error
	CountStaged(ctx context.Context, sourceID string, version int) (ChunkCounts, error)
	ActivateVersion(ctx context.Context, sourceID string, version int, status Status) error
}

type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Extractor resolves a source origin into plain text.
type Extractor interface {
	ExtractURL(ctx context.Context, url string) (*extract.Result, error)
	ExtractBlob(ctx context.Context, data []byte, contentType string) (*extract.Result, error)
}

// DeadLetters records permanently failed work for operator-driven retry.
type DeadLetters interface {
	Record(ctx context.Context, sourceID, handler string, payload []byte, reason string) error
}
