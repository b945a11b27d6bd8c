package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"lodestone/internal/retrieval"
)

const scoredColumns = `c.id, c.source_id, s.name, s.origin, c.version, c.ordinal,
	c.start_offset, c.end_offset, c.content, c.metadata`

// SemanticSearch ranks embedded chunks of active versions by cosine
// similarity to the query vector. Tenant-scoped; staged and failed chunks are
// invisible.
func (s *Store) SemanticSearch(ctx context.Context, tenant string, vector []float32, filters map[string]interface{}, k int) ([]retrieval.ScoredChunk, error) {
	query := `SELECT ` + scoredColumns + `,
		1 - (c.embedding <=> $2::vector) AS score, s.processed_at
		FROM chunks c
		JOIN sources s ON s.id = c.source_id AND s.deleted_at IS NULL
		WHERE c.tenant = $1 AND c.version = s.active_version AND c.embedding IS NOT NULL`
	args := []interface{}{tenant, vectorToString(vector)}

	query, args, err := applyFilters(query, args, filters)
	if err != nil {
		return nil, err
	}
	args = append(args, k)
	query += fmt.Sprintf(" ORDER BY c.embedding <=> $2::vector LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("semantic_search", err)
	}
	defer rows.Close()
	return scanScoredChunks(rows, "semantic_search")
}

// LexicalSearch ranks chunks of active versions by full-text relevance. When
// the parsed query matches nothing, a trigram word-similarity pass catches
// misspellings and queries the text parser cannot use.
func (s *Store) LexicalSearch(ctx context.Context, tenant string, queryText string, filters map[string]interface{}, k int) ([]retrieval.ScoredChunk, error) {
	results, err := s.lexicalRanked(ctx, tenant, queryText, filters, k)
	if err != nil {
		return nil, err
	}
	if len(results) > 0 {
		return results, nil
	}
	return s.trigramRanked(ctx, tenant, queryText, filters, k)
}

func (s *Store) lexicalRanked(ctx context.Context, tenant, queryText string, filters map[string]interface{}, k int) ([]retrieval.ScoredChunk, error) {
	query := `SELECT ` + scoredColumns + `,
		ts_rank_cd(c.tsv, websearch_to_tsquery('english', $2)) AS score, s.processed_at
		FROM chunks c
		JOIN sources s ON s.id = c.source_id AND s.deleted_at IS NULL
		WHERE c.tenant = $1 AND c.version = s.active_version
		AND c.tsv @@ websearch_to_tsquery('english', $2)`
	args := []interface{}{tenant, queryText}

	query, args, err := applyFilters(query, args, filters)
	if err != nil {
		return nil, err
	}
	args = append(args, k)
	query += fmt.Sprintf(" ORDER BY score DESC, c.id LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("lexical_search", err)
	}
	defer rows.Close()
	return scanScoredChunks(rows, "lexical_search")
}

func (s *Store) trigramRanked(ctx context.Context, tenant, queryText string, filters map[string]interface{}, k int) ([]retrieval.ScoredChunk, error) {
	query := `SELECT ` + scoredColumns + `,
		word_similarity($2, c.content) AS score, s.processed_at
		FROM chunks c
		JOIN sources s ON s.id = c.source_id AND s.deleted_at IS NULL
		WHERE c.tenant = $1 AND c.version = s.active_version
		AND $2 <% c.content`
	args := []interface{}{tenant, queryText}

	query, args, err := applyFilters(query, args, filters)
	if err != nil {
		return nil, err
	}
	args = append(args, k)
	query += fmt.Sprintf(" ORDER BY score DESC, c.id LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("trigram_search", err)
	}
	defer rows.Close()
	return scanScoredChunks(rows, "trigram_search")
}

// applyFilters appends a JSONB containment condition over chunk metadata.
func applyFilters(query string, args []interface{}, filters map[string]interface{}) (string, []interface{}, error) {
	if len(filters) == 0 {
		return query, args, nil
	}
	b, err := json.Marshal(filters)
	if err != nil {
		return "", nil, fmt.Errorf("encode filters: %w", err)
	}
	args = append(args, string(b))
	query += fmt.Sprintf(" AND c.metadata @> $%d::jsonb", len(args))
	return query, args, nil
}

func scanScoredChunks(rows *sql.Rows, op string) ([]retrieval.ScoredChunk, error) {
	var out []retrieval.ScoredChunk
	for rows.Next() {
		var (
			c         retrieval.ScoredChunk
			meta      []byte
			processed sql.NullTime
		)
		if err := rows.Scan(&c.ChunkID, &c.SourceID, &c.SourceName, &c.Origin, &c.Version, &c.Ordinal,
			&c.StartOffset, &c.EndOffset, &c.Content, &meta, &c.Score, &processed); err != nil {
			return nil, storageErr(op, err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &c.Metadata); err != nil {
				return nil, storageErr(op, err)
			}
		}
		if processed.Valid {
			c.ProcessedAt = processed.Time
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(op, err)
	}
	return out, nil
}
