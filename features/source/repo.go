package source

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/lib/pq"

	"lodestone/internal/apperr"
	"lodestone/internal/worker"
)

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

const sourceColumns = `id, tenant, kind, name, origin, status, failure_reason, metadata,
	content_hash, body_hash, latest_version, active_version, created_at, updated_at, processed_at`

func (r *PostgresRepo) Save(ctx context.Context, src *Source) error {
	meta, err := metadataJSON(src.Metadata)
	if err != nil {
		return err
	}
	query := `INSERT INTO sources (tenant, kind, name, origin, content_hash, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, status, latest_version, active_version, created_at, updated_at`
	err = r.db.QueryRowContext(ctx, query, src.Tenant, src.Kind, src.Name, src.Origin, src.ContentHash, meta).
		Scan(&src.ID, &src.Status, &src.LatestVersion, &src.ActiveVersion, &src.CreatedAt, &src.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return apperr.ErrDuplicate
		}
		return err
	}
	return nil
}

func (r *PostgresRepo) Get(ctx context.Context, tenant, id string) (*Source, error) {
	query := `SELECT ` + sourceColumns + ` FROM sources WHERE tenant = $1 AND id = $2 AND deleted_at IS NULL`
	src, err := scanSource(r.db.QueryRowContext(ctx, query, tenant, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	return src, err
}

func (r *PostgresRepo) GetByHash(ctx context.Context, tenant, hash string) (*Source, error) {
	query := `SELECT ` + sourceColumns + ` FROM sources WHERE tenant = $1 AND content_hash = $2 AND deleted_at IS NULL`
	src, err := scanSource(r.db.QueryRowContext(ctx, query, tenant, hash).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	return src, err
}

func (r *PostgresRepo) List(ctx context.Context, tenant string) ([]Source, error) {
	query := `SELECT ` + sourceColumns + ` FROM sources WHERE tenant = $1 AND deleted_at IS NULL ORDER BY created_at DESC`
	rows, err := r.db.QueryContext(ctx, query, tenant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sources []Source
	for rows.Next() {
		src, err := scanSource(rows.Scan)
		if err != nil {
			return nil, err
		}
		sources = append(sources, *src)
	}
	return sources, rows.Err()
}

// BumpVersion starts a new ingestion round: the source goes back to pending
// and the next version number is handed to the caller.
func (r *PostgresRepo) BumpVersion(ctx context.Context, id string) (int, error) {
	var version int
	query := `UPDATE sources
		SET latest_version = latest_version + 1, status = 'pending', failure_reason = NULL, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING latest_version`
	err := r.db.QueryRowContext(ctx, query, id).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, apperr.ErrNotFound
	}
	return version, err
}

func (r *PostgresRepo) SoftDelete(ctx context.Context, id string) error {
	query := `UPDATE sources SET deleted_at = NOW() WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id)
	return err
}

// CountByStatus returns how many live sources the tenant has in each status.
func (r *PostgresRepo) CountByStatus(ctx context.Context, tenant string) (map[string]int, error) {
	query := `SELECT status, COUNT(*) FROM sources WHERE tenant = $1 AND deleted_at IS NULL GROUP BY status`
	rows, err := r.db.QueryContext(ctx, query, tenant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// GetForIngest loads the fields the ingestion pipeline needs. Unlike Get it is
// keyed by id alone, because tasks already carry a trusted source id.
func (r *PostgresRepo) GetForIngest(ctx context.Context, id string) (*worker.SourceInfo, error) {
	var (
		info worker.SourceInfo
		meta []byte
	)
	query := `SELECT id, tenant, kind, name, origin, content_hash, body_hash,
		latest_version, active_version, status, metadata
		FROM sources WHERE id = $1 AND deleted_at IS NULL`
	err := r.db.QueryRowContext(ctx, query, id).Scan(&info.ID, &info.Tenant, &info.Kind, &info.Name,
		&info.Origin, &info.ContentHash, &info.BodyHash,
		&info.LatestVersion, &info.ActiveVersion, &info.Status, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &info.Metadata); err != nil {
			return nil, err
		}
	}
	return &info, nil
}

func (r *PostgresRepo) UpdateStatus(ctx context.Context, id string, status worker.Status) error {
	query := `UPDATE sources SET status = $1, updated_at = NOW() WHERE id = $2 AND deleted_at IS NULL`
	_, err := r.db.ExecContext(ctx, query, string(status), id)
	return err
}

func (r *PostgresRepo) MarkFailed(ctx context.Context, id, reason string) error {
	query := `UPDATE sources SET status = 'failed', failure_reason = $1, updated_at = NOW() WHERE id = $2 AND deleted_at IS NULL`
	_, err := r.db.ExecContext(ctx, query, reason, id)
	return err
}

func (r *PostgresRepo) UpdateBodyHash(ctx context.Context, id, hash string) error {
	query := `UPDATE sources SET body_hash = $1, updated_at = NOW() WHERE id = $2`
	_, err := r.db.ExecContext(ctx, query, hash, id)
	return err
}

func scanSource(scan func(dest ...interface{}) error) (*Source, error) {
	var (
		src       Source
		reason    sql.NullString
		meta      []byte
		processed sql.NullTime
	)
	err := scan(&src.ID, &src.Tenant, &src.Kind, &src.Name, &src.Origin, &src.Status, &reason, &meta,
		&src.ContentHash, &src.BodyHash, &src.LatestVersion, &src.ActiveVersion,
		&src.CreatedAt, &src.UpdatedAt, &processed)
	if err != nil {
		return nil, err
	}
	src.FailureReason = reason.String
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &src.Metadata); err != nil {
			return nil, err
		}
	}
	if processed.Valid {
		t := processed.Time
		src.ProcessedAt = &t
	}
	return &src, nil
}

func metadataJSON(m map[string]interface{}) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
