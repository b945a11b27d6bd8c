package pgstore

import (
	"context"
)

// CountLiveChunks breaks down a tenant's chunks across live sources: indexed
// rows sit on the active version and are searchable, missing rows are staged
// and still waiting for a vector, failed rows carry an embed error from their
// last attempt. Activation deletes superseded versions, so missing and failed
// only ever cover pending or stuck work.
func (s *Store) CountLiveChunks(ctx context.Context, tenant string) (indexed, missing, failed int, err error) {
	query := `SELECT
			COUNT(*) FILTER (WHERE c.version = s.active_version AND c.embedding IS NOT NULL),
			COUNT(*) FILTER (WHERE c.embedding IS NULL AND c.embed_error IS NULL),
			COUNT(*) FILTER (WHERE c.embed_error IS NOT NULL)
		FROM chunks c
		JOIN sources s ON s.id = c.source_id AND s.deleted_at IS NULL
		WHERE c.tenant = $1`
	if err := s.db.QueryRowContext(ctx, query, tenant).Scan(&indexed, &missing, &failed); err != nil {
		return 0, 0, 0, storageErr("count_live_chunks", err)
	}
	return indexed, missing, failed, nil
}
