package worker

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/nsqio/go-nsq"
	"golang.org/x/sync/errgroup"

	"lodestone/internal/adapter/extract"
	"lodestone/internal/apperr"
	"lodestone/internal/metrics"
	"lodestone/internal/middleware"
	"lodestone/internal/text"
)

// PipelineConfig bounds one ingestion run.
type PipelineConfig struct {
	SourceTimeout  time.Duration
	ExtractTimeout time.Duration
	EmbedTimeout   time.Duration
	EmbedBatchSize int
	EmbedFanout    int
	Chunking       text.ChunkConfig
}

func (c PipelineConfig) withDefaults() PipelineConfig {
	if c.SourceTimeout <= 0 {
		c.SourceTimeout = 10 * time.Minute
	}
	if c.ExtractTimeout <= 0 {
		c.ExtractTimeout = 2 * time.Minute
	}
	if c.EmbedTimeout <= 0 {
		c.EmbedTimeout = time.Minute
	}
	if c.EmbedBatchSize <= 0 {
		c.EmbedBatchSize = 100
	}
	if c.EmbedFanout <= 0 {
		c.EmbedFanout = 4
	}
	if c.Chunking == (text.ChunkConfig{}) {
		c.Chunking = text.DefaultChunkConfig()
	}
	return c
}

// Pipeline consumes ingest tasks and drives a source version through
// extract, chunk, embed, and index. Every stage is resumable: a redelivered
// task picks up from whatever the previous attempt left in the store, and a
// version becomes searchable only through the final atomic swap.
type Pipeline struct {
	sources     SourceStore
	chunks      ChunkStore
	embedder    Embedder
	extractor   Extractor
	deadLetters DeadLetters
	cfg         PipelineConfig
}

func NewPipeline(sources SourceStore, chunks ChunkStore, embedder Embedder, extractor Extractor, deadLetters DeadLetters, cfg PipelineConfig) *Pipeline {
	return &Pipeline{
		sources:     sources,
		chunks:      chunks,
		embedder:    embedder,
		extractor:   extractor,
		deadLetters: deadLetters,
		cfg:         cfg.withDefaults(),
	}
}

func (p *Pipeline) HandleMessage(m *nsq.Message) error {
	if len(m.Body) == 0 {
		return nil
	}

	var task IngestTask
	if err := json.Unmarshal(m.Body, &task); err != nil {
		// Poison pill: retrying can't fix malformed JSON.
		slog.Error("poison pill: invalid ingest task", "error", err)
		return nil
	}
	if task.SourceID == "" || task.Version <= 0 {
		slog.Error("ingest task missing required fields, dropping", "source_id", task.SourceID, "version", task.Version)
		return nil
	}

	correlationID := task.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	ctx := middleware.WithCorrelationID(context.Background(), correlationID)
	ctx, cancel := context.WithTimeout(ctx, p.cfg.SourceTimeout)
	defer cancel()

	return p.run(ctx, task)
}

// LogFailedMessage is called by the consumer when a task exhausts its
// delivery attempts. The source is marked failed and the task parked for
// operator retry; without this the source would sit in a middle status
// forever.
func (p *Pipeline) LogFailedMessage(m *nsq.Message) {
	var task IngestTask
	if err := json.Unmarshal(m.Body, &task); err != nil || task.SourceID == "" {
		return
	}
	ctx := middleware.WithCorrelationID(context.Background(), task.CorrelationID)
	slog.ErrorContext(ctx, "ingest task exhausted delivery attempts", "source_id", task.SourceID, "version", task.Version)
	p.terminate(ctx, task, "pipeline", "delivery attempts exhausted")
}

func (p *Pipeline) run(ctx context.Context, task IngestTask) error {
	started := time.Now()
	metrics.IngestStarted()
	defer metrics.IngestFinished()

	src, err := p.sources.GetForIngest(ctx, task.SourceID)
	if errors.Is(err, apperr.ErrNotFound) {
		slog.WarnContext(ctx, "source gone, dropping task", "source_id", task.SourceID)
		return nil
	}
	if err != nil {
		return err
	}

	// Stale tasks: a version below the active one already committed and was
	// pruned, and a version below latest was superseded by a newer reprocess
	// that rebuilds everything. A replay of the active version itself is the
	// targeted retry path: fill whatever vectors its partial failure left
	// missing, without touching the staged text.
	if task.Version < src.ActiveVersion {
		slog.InfoContext(ctx, "version already committed, dropping task", "source_id", src.ID, "version", task.Version, "active_version", src.ActiveVersion)
		return nil
	}
	if task.Version < src.LatestVersion {
		slog.InfoContext(ctx, "version superseded, dropping task", "source_id", src.ID, "version", task.Version, "latest_version", src.LatestVersion)
		return nil
	}
	if task.Version == src.ActiveVersion {
		return p.fillGaps(ctx, task, src)
	}

	if !src.Status.CanTransition(StatusExtracting) {
		slog.WarnContext(ctx, "source not in a runnable status, dropping task", "source_id", src.ID, "status", src.Status)
		return nil
	}
	if err := p.sources.UpdateStatus(ctx, src.ID, StatusExtracting); err != nil {
		return err
	}

	slog.InfoContext(ctx, "ingesting source", "source_id", src.ID, "kind", src.Kind, "version", task.Version)

	res, err := p.extract(ctx, src)
	if err != nil {
		return p.fail(ctx, task, "extract", err)
	}
	metrics.IngestStage("extract", "ok")

	body := text.Normalize(res.Text)
	if body == "" {
		return p.fail(ctx, task, "extract", apperr.Validation("content", "no extractable text"))
	}
	bodyHash := fmt.Sprintf("%x", sha256.Sum256([]byte(body)))

	counts, err := p.chunks.CountStaged(ctx, src.ID, task.Version)
	if err != nil {
		return p.fail(ctx, task, "chunk", err)
	}

	if err := p.sources.UpdateStatus(ctx, src.ID, StatusChunking); err != nil {
		return err
	}
	if bodyHash == src.BodyHash && counts.Total > 0 {
		// A previous attempt already staged this exact text; skip straight
		// to filling in the missing vectors.
		slog.InfoContext(ctx, "chunks already staged, resuming", "source_id", src.ID, "version", task.Version, "staged", counts.Total)
	} else {
		drafts, err := text.Chunk(body, p.cfg.Chunking)
		if err != nil {
			return p.fail(ctx, task, "chunk", err)
		}
		staged := make([]Chunk, len(drafts))
		meta := chunkMetadata(src, res)
		for i, d := range drafts {
			staged[i] = Chunk{
				Ordinal:     d.Ordinal,
				StartOffset: d.Start,
				EndOffset:   d.End,
				Content:     d.Content,
				TokenCount:  d.TokenCount,
				Metadata:    meta,
			}
		}
		if err := p.chunks.StageChunks(ctx, src.Tenant, src.ID, task.Version, staged); err != nil {
			return p.fail(ctx, task, "chunk", err)
		}
		if err := p.sources.UpdateBodyHash(ctx, src.ID, bodyHash); err != nil {
			slog.WarnContext(ctx, "failed to record body hash", "error", err, "source_id", src.ID)
		}
		slog.InfoContext(ctx, "staged chunks", "source_id", src.ID, "version", task.Version, "count", len(staged))
	}
	metrics.IngestStage("chunk", "ok")

	if err := p.sources.UpdateStatus(ctx, src.ID, StatusEmbedding); err != nil {
		return err
	}
	missing, err := p.chunks.MissingEmbeddings(ctx, src.ID, task.Version)
	if err != nil {
		return p.fail(ctx, task, "embed", err)
	}
	if len(missing) > 0 {
		if err := p.embedAll(ctx, task, missing); err != nil {
			return p.fail(ctx, task, "embed", err)
		}
	}
	metrics.IngestStage("embed", "ok")

	if err := p.sources.UpdateStatus(ctx, src.ID, StatusIndexing); err != nil {
		return err
	}
	counts, err = p.chunks.CountStaged(ctx, src.ID, task.Version)
	if err != nil {
		return p.fail(ctx, task, "index", err)
	}

	switch {
	case counts.Total == 0:
		return p.fail(ctx, task, "index", apperr.Validation("chunks", "nothing staged to index"))
	case counts.Embedded == 0:
		// Batch failures are already dead-lettered chunk by chunk.
		slog.ErrorContext(ctx, "every chunk failed to embed", "source_id", src.ID, "version", task.Version, "total", counts.Total)
		p.markFailed(ctx, task, fmt.Sprintf("all %d chunks failed to embed", counts.Total))
		metrics.IngestStage("index", "failed")
		return nil
	}

	status := StatusReady
	if counts.Embedded < counts.Total {
		status = StatusReadyPartial
	}
	if err := p.chunks.ActivateVersion(ctx, src.ID, task.Version, status); err != nil {
		return p.fail(ctx, task, "index", err)
	}
	metrics.IngestStage("index", "ok")
	metrics.ObserveIngest(time.Since(started))

	slog.InfoContext(ctx, "source ingested", "source_id", src.ID, "version", task.Version,
		"status", status, "chunks", counts.Total, "embedded", counts.Embedded, "elapsed", time.Since(started))
	return nil
}

// fillGaps re-embeds chunks of the already-active version that are still
// missing vectors, the state a dead-letter retry lands in after a partial
// embed failure. The version keeps serving throughout; each repaired chunk
// becomes searchable as its vector lands, and the source is promoted to
// ready once no gaps remain. Errors requeue the task without touching the
// source status, since the committed version is still good.
func (p *Pipeline) fillGaps(ctx context.Context, task IngestTask, src *SourceInfo) error {
	missing, err := p.chunks.MissingEmbeddings(ctx, src.ID, task.Version)
	if err != nil {
		return err
	}
	if len(missing) == 0 {
		slog.InfoContext(ctx, "version already committed, dropping task", "source_id", src.ID, "version", task.Version)
		return nil
	}

	slog.InfoContext(ctx, "retrying failed embeddings", "source_id", src.ID, "version", task.Version, "missing", len(missing))
	if err := p.embedAll(ctx, task, missing); err != nil {
		return err
	}

	counts, err := p.chunks.CountStaged(ctx, src.ID, task.Version)
	if err != nil {
		return err
	}
	status := StatusReady
	if counts.Embedded < counts.Total {
		status = StatusReadyPartial
	}
	if err := p.chunks.ActivateVersion(ctx, src.ID, task.Version, status); err != nil {
		return err
	}
	metrics.IngestStage("embed", "retried")

	slog.InfoContext(ctx, "embedding retry finished", "source_id", src.ID, "version", task.Version,
		"status", status, "embedded", counts.Embedded, "total", counts.Total)
	return nil
}

// extract resolves the source origin into text. URL sources go through the
// extractor's fetcher; file and faq sources read the stored blob first.
func (p *Pipeline) extract(ctx context.Context, src *SourceInfo) (*extract.Result, error) {
	ectx, cancel := context.WithTimeout(ctx, p.cfg.ExtractTimeout)
	defer cancel()

	switch src.Kind {
	case KindURL:
		return p.extractor.ExtractURL(ectx, src.Origin)
	case KindFile, KindFAQ:
		blob, err := os.ReadFile(src.Origin)
		if err != nil {
			return nil, apperr.NonRetryableProvider("blobstore", fmt.Errorf("read stored blob: %w", err))
		}
		contentType := "text/plain"
		if ct, ok := src.Metadata["content_type"].(string); ok && ct != "" {
			contentType = ct
		}
		return p.extractor.ExtractBlob(ectx, blob, contentType)
	default:
		return nil, apperr.Validation("kind", fmt.Sprintf("unknown source kind %q", src.Kind))
	}
}

// embedAll fills vectors for the given chunks, batch by batch with bounded
// fan-out. A failed provider batch marks its chunks failed and records a
// dead letter instead of sinking the run; the indexing stage decides between
// ready and ready_partial from what actually landed. Store write failures
// abort the run so redelivery can retry them.
func (p *Pipeline) embedAll(ctx context.Context, task IngestTask, chunks []Chunk) error {
	g := new(errgroup.Group)
	g.SetLimit(p.cfg.EmbedFanout)

	for start := 0; start < len(chunks); start += p.cfg.EmbedBatchSize {
		end := start + p.cfg.EmbedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			texts := make([]string, len(batch))
			ordinals := make([]int, len(batch))
			for i, c := range batch {
				texts[i] = c.Content
				ordinals[i] = c.Ordinal
			}

			bctx, cancel := context.WithTimeout(ctx, p.cfg.EmbedTimeout)
			defer cancel()

			batchStart := time.Now()
			vectors, err := p.embedder.Embed(bctx, texts)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				p.recordBatchFailure(ctx, task, batch, err)
				return nil
			}
			metrics.ObserveEmbedBatch(time.Since(batchStart), len(batch))

			return p.chunks.UpdateChunkVectors(ctx, task.SourceID, task.Version, ordinals, vectors)
		})
	}
	return g.Wait()
}

func (p *Pipeline) recordBatchFailure(ctx context.Context, task IngestTask, batch []Chunk, cause error) {
	reason := cause.Error()
	slog.ErrorContext(ctx, "embedding batch failed", "source_id", task.SourceID, "version", task.Version,
		"chunks", len(batch), "error", cause)
	for _, c := range batch {
		if err := p.chunks.MarkChunkFailed(ctx, task.SourceID, task.Version, c.Ordinal, reason); err != nil {
			slog.WarnContext(ctx, "failed to record chunk failure", "error", err, "ordinal", c.Ordinal)
		}
	}
	payload, _ := json.Marshal(task)
	if err := p.deadLetters.Record(ctx, task.SourceID, "embed", payload, reason); err != nil {
		slog.WarnContext(ctx, "failed to record dead letter", "error", err, "source_id", task.SourceID)
	}
	metrics.IngestStage("embed", "batch_failed")
}

// fail translates a stage error into the consumer's contract: transient
// errors requeue the task, everything else marks the source failed and eats
// the message. A run that outlived its deadline is terminal too, since
// redelivery would hit the same wall.
func (p *Pipeline) fail(ctx context.Context, task IngestTask, stage string, err error) error {
	if ctx.Err() != nil {
		slog.ErrorContext(ctx, "ingestion ran out of time", "stage", stage, "source_id", task.SourceID, "error", err)
		p.terminate(ctx, task, stage, fmt.Sprintf("%s: processing timed out after %s", stage, p.cfg.SourceTimeout))
		return nil
	}
	if apperr.IsTransient(err) {
		slog.WarnContext(ctx, "transient failure, requeueing task", "stage", stage, "source_id", task.SourceID, "error", err)
		metrics.IngestStage(stage, "retry")
		return err
	}
	slog.ErrorContext(ctx, "ingestion failed", "stage", stage, "source_id", task.SourceID, "error", err)
	p.terminate(ctx, task, stage, err.Error())
	return nil
}

// terminate marks the source failed and parks the task as a dead letter.
func (p *Pipeline) terminate(ctx context.Context, task IngestTask, stage, reason string) {
	p.markFailed(ctx, task, reason)
	wctx, cancel := p.writeContext(ctx)
	defer cancel()
	payload, _ := json.Marshal(task)
	if err := p.deadLetters.Record(wctx, task.SourceID, "pipeline", payload, reason); err != nil {
		slog.ErrorContext(wctx, "failed to record dead letter", "error", err, "source_id", task.SourceID)
	}
	metrics.IngestStage(stage, "failed")
}

func (p *Pipeline) markFailed(ctx context.Context, task IngestTask, reason string) {
	wctx, cancel := p.writeContext(ctx)
	defer cancel()
	if err := p.sources.MarkFailed(wctx, task.SourceID, reason); err != nil {
		slog.ErrorContext(wctx, "failed to mark source failed", "error", err, "source_id", task.SourceID)
	}
}

// writeContext returns a fresh context for failure bookkeeping; the run
// context may already be past its deadline.
func (p *Pipeline) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	wctx := middleware.WithCorrelationID(context.Background(), middleware.GetCorrelationID(ctx))
	return context.WithTimeout(wctx, 15*time.Second)
}

// chunkMetadata merges source metadata with what extraction recovered. The
// extractor wins on key collisions, and the document title rides along so
// search results can show it.
func chunkMetadata(src *SourceInfo, res *extract.Result) map[string]interface{} {
	meta := make(map[string]interface{}, len(src.Metadata)+len(res.Metadata)+1)
	for k, v := range src.Metadata {
		meta[k] = v
	}
	for k, v := range res.Metadata {
		meta[k] = v
	}
	if res.Title != "" {
		meta["title"] = res.Title
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}
