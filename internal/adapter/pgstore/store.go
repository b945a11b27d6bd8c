package pgstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/lib/pq"

	"lodestone/internal/apperr"
	"lodestone/internal/worker"
)

// Store persists chunks and serves both halves of hybrid search from
// PostgreSQL. Vectors live in a pgvector column next to the chunk text, so
// activating a version is one transaction instead of a cross-store dance.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// StageChunks replaces whatever is staged for source+version with the given
// chunks. Vectors stay null until the embedding stage fills them in, and the
// version stays invisible to search until ActivateVersion.
func (s *Store) StageChunks(ctx context.Context, tenant, sourceID string, version int, chunks []worker.Chunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("stage_chunks", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE source_id = $1 AND version = $2`, sourceID, version); err != nil {
		return storageErr("stage_chunks", err)
	}

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("chunks",
		"source_id", "tenant", "version", "ordinal",
		"start_offset", "end_offset", "content", "token_count", "metadata"))
	if err != nil {
		return storageErr("stage_chunks", err)
	}

	for _, c := range chunks {
		meta, err := marshalMetadata(c.Metadata)
		if err != nil {
			return storageErr("stage_chunks", err)
		}
		if _, err := stmt.ExecContext(ctx, sourceID, tenant, version, c.Ordinal,
			c.StartOffset, c.EndOffset, c.Content, c.TokenCount, meta); err != nil {
			return storageErr("stage_chunks", err)
		}
	}
	// Flush the COPY buffer.
	if _, err := stmt.ExecContext(ctx); err != nil {
		return storageErr("stage_chunks", err)
	}
	if err := stmt.Close(); err != nil {
		return storageErr("stage_chunks", err)
	}

	if err := tx.Commit(); err != nil {
		return storageErr("stage_chunks", err)
	}
	return nil
}

// MissingEmbeddings returns the staged chunks of source+version that have no
// vector yet, in ordinal order. Chunks whose embedding permanently failed are
// included so a retried task picks them up again.
func (s *Store) MissingEmbeddings(ctx context.Context, sourceID string, version int) ([]worker.Chunk, error) {
	query := `SELECT ordinal, start_offset, end_offset, content, token_count
		FROM chunks
		WHERE source_id = $1 AND version = $2 AND embedding IS NULL
		ORDER BY ordinal`
	rows, err := s.db.QueryContext(ctx, query, sourceID, version)
	if err != nil {
		return nil, storageErr("missing_embeddings", err)
	}
	defer rows.Close()

	var chunks []worker.Chunk
	for rows.Next() {
		var c worker.Chunk
		if err := rows.Scan(&c.Ordinal, &c.StartOffset, &c.EndOffset, &c.Content, &c.TokenCount); err != nil {
			return nil, storageErr("missing_embeddings", err)
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("missing_embeddings", err)
	}
	return chunks, nil
}

// UpdateChunkVectors writes one embedding batch. Ordinals and vectors are
// paired by position. A previously recorded embed error is cleared when its
// chunk finally gets a vector.
func (s *Store) UpdateChunkVectors(ctx context.Context, sourceID string, version int, ordinals []int, vectors [][]float32) error {
	if len(ordinals) != len(vectors) {
		return apperr.Validation("vectors", fmt.Sprintf("%d ordinals but %d vectors", len(ordinals), len(vectors)))
	}
	if len(ordinals) == 0 {
		return nil
	}

	encoded := make([]string, len(vectors))
	for i, v := range vectors {
		encoded[i] = vectorToString(v)
	}

	query := `UPDATE chunks c
		SET embedding = u.vec::vector, embed_error = NULL
		FROM (SELECT unnest($3::int[]) AS ordinal, unnest($4::text[]) AS vec) u
		WHERE c.source_id = $1 AND c.version = $2 AND c.ordinal = u.ordinal`
	if _, err := s.db.ExecContext(ctx, query, sourceID, version, pq.Array(ordinals), pq.Array(encoded)); err != nil {
		return storageErr("update_chunk_vectors", err)
	}
	return nil
}

func (s *Store) MarkChunkFailed(ctx context.Context, sourceID string, version int, ordinal int, reason string) error {
	query := `UPDATE chunks SET embed_error = $4 WHERE source_id = $1 AND version = $2 AND ordinal = $3`
	if _, err := s.db.ExecContext(ctx, query, sourceID, version, ordinal, reason); err != nil {
		return storageErr("mark_chunk_failed", err)
	}
	return nil
}

func (s *Store) CountStaged(ctx context.Context, sourceID string, version int) (worker.ChunkCounts, error) {
	var counts worker.ChunkCounts
	query := `SELECT COUNT(*), COUNT(embedding), COUNT(embed_error) FROM chunks WHERE source_id = $1 AND version = $2`
	err := s.db.QueryRowContext(ctx, query, sourceID, version).Scan(&counts.Total, &counts.Embedded, &counts.Failed)
	if err != nil {
		return worker.ChunkCounts{}, storageErr("count_staged", err)
	}
	return counts, nil
}

// ActivateVersion commits a staged version in a single transaction: the
// source row flips to the new active version and status, and chunks of older
// versions are deleted. Readers join on active_version, so they see the old
// version until the commit and the new one after, never a mix. If a newer
// version was activated meanwhile, the call is a no-op. Re-activating the
// current version refreshes its status, which is how an embedding retry
// promotes ready_partial to ready.
func (s *Store) ActivateVersion(ctx context.Context, sourceID string, version int, status worker.Status) error {
	if status != worker.StatusReady && status != worker.StatusReadyPartial {
		return apperr.Validation("status", "activation requires a ready status")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("activate_version", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE sources
		SET active_version = $2, status = $3, failure_reason = NULL, processed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL AND active_version <= $2`,
		sourceID, version, string(status))
	if err != nil {
		return storageErr("activate_version", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("activate_version", err)
	}
	if n == 0 {
		// Superseded by a newer version, or the source is gone.
		return nil
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE source_id = $1 AND version < $2`, sourceID, version); err != nil {
		return storageErr("activate_version", err)
	}

	if err := tx.Commit(); err != nil {
		return storageErr("activate_version", err)
	}
	return nil
}

// DeleteSourceChunks removes every version's chunks for a source. Used when
// the source itself is deleted.
func (s *Store) DeleteSourceChunks(ctx context.Context, sourceID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE source_id = $1`, sourceID); err != nil {
		return storageErr("delete_source_chunks", err)
	}
	return nil
}

func marshalMetadata(m map[string]interface{}) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// vectorToString renders a pgvector literal: "[0.1,0.2,...]".
func vectorToString(v []float32) string {
	parts := make([]string, len(v))
	for i, f := range v {
		parts[i] = strconv.FormatFloat(float64(f), 'f', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &apperr.StorageError{Op: op, Retryable: retryable(err), Err: err}
}

// retryable classifies a store failure. Connection trouble, timeouts, and
// transient server states are worth a retry; constraint violations and other
// logic errors are not.
func retryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "40", "53", "57":
			// connection_exception, transaction_rollback,
			// insufficient_resources, operator_intervention
			return true
		}
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
