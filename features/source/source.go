package source

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"lodestone/internal/apperr"
	"lodestone/internal/config"
	"lodestone/internal/middleware"
	"lodestone/internal/worker"
)

type Source struct {
	ID            string                 `json:"id"`
	Tenant        string                 `json:"-"`
	Kind          string                 `json:"kind"`
	Name          string                 `json:"name"`
	Origin        string                 `json:"origin,omitempty"`
	Status        worker.Status          `json:"status"`
	FailureReason string                 `json:"failure_reason,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	ContentHash   string                 `json:"-"`
	BodyHash      string                 `json:"-"`
	LatestVersion int                    `json:"latest_version"`
	ActiveVersion int                    `json:"active_version"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
	ProcessedAt   *time.Time             `json:"processed_at,omitempty"`
}

type Repository interface {
	Save(ctx context.Context, src *Source) error
	Get(ctx context.Context, tenant, id string) (*Source, error)
	GetByHash(ctx context.Context, tenant, hash string) (*Source, error)
	List(ctx context.Context, tenant string) ([]Source, error)
	BumpVersion(ctx context.Context, id string) (int, error)
	SoftDelete(ctx context.Context, id string) error
}

type ChunkStore interface {
	DeleteSourceChunks(ctx context.Context, sourceID string) error
}

type EventPublisher interface {
	Publish(topic string, body []byte) error
}

type Service struct {
	repo       Repository
	chunkStore ChunkStore
	pub        EventPublisher
	uploadDir  string
}

func NewService(repo Repository, chunkStore ChunkStore, pub EventPublisher, uploadDir string) *Service {
	return &Service{repo: repo, chunkStore: chunkStore, pub: pub, uploadDir: uploadDir}
}

// CreateRequest covers the url and faq kinds. File uploads arrive through
// Upload instead, because the handler streams them to disk.
type CreateRequest struct {
	Tenant   string
	Kind     string
	Name     string
	URL      string
	Content  string
	Metadata map[string]interface{}
}

// Create registers a source and queues its first ingestion. Content is deduped
// by hash per tenant: creating something already ingested returns the existing
// live source instead of a new one, and the bool reports which happened.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Source, bool, error) {
	if err := validateCreate(req); err != nil {
		return nil, false, err
	}

	src := &Source{
		Tenant:   req.Tenant,
		Kind:     req.Kind,
		Name:     req.Name,
		Metadata: req.Metadata,
	}

	switch req.Kind {
	case worker.KindURL:
		src.Origin = req.URL
		src.ContentHash = hashBytes([]byte(req.URL))
	case worker.KindFAQ:
		src.ContentHash = hashBytes([]byte(req.Content))
	}

	if existing, err := s.repo.GetByHash(ctx, req.Tenant, src.ContentHash); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return nil, false, err
	}

	if req.Kind == worker.KindFAQ {
		path, err := s.storeInline(req.Content)
		if err != nil {
			return nil, false, err
		}
		src.Origin = path
	}

	created, err := s.save(ctx, src)
	if err != nil {
		return nil, false, err
	}
	if !created {
		return src, false, nil
	}

	s.publishTask(ctx, src.ID, src.Tenant, 1)
	return src, true, nil
}

// Upload registers a file source whose blob the handler already streamed to
// disk, hashing along the way.
func (s *Service) Upload(ctx context.Context, tenant, name, path, hash, contentType string, metadata map[string]interface{}) (*Source, bool, error) {
	if tenant == "" {
		return nil, false, apperr.Validation("tenant", "required")
	}
	if name == "" {
		return nil, false, apperr.Validation("name", "required")
	}

	if existing, err := s.repo.GetByHash(ctx, tenant, hash); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return nil, false, err
	}

	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	if contentType != "" {
		metadata["content_type"] = contentType
	}

	src := &Source{
		Tenant:      tenant,
		Kind:        worker.KindFile,
		Name:        name,
		Origin:      path,
		ContentHash: hash,
		Metadata:    metadata,
	}

	created, err := s.save(ctx, src)
	if err != nil {
		return nil, false, err
	}
	if !created {
		return src, false, nil
	}

	s.publishTask(ctx, src.ID, src.Tenant, 1)
	return src, true, nil
}

// save inserts the source, resolving a concurrent create of the same content
// to the row that won.
func (s *Service) save(ctx context.Context, src *Source) (bool, error) {
	err := s.repo.Save(ctx, src)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, apperr.ErrDuplicate) {
		existing, gerr := s.repo.GetByHash(ctx, src.Tenant, src.ContentHash)
		if gerr != nil {
			return false, err
		}
		*src = *existing
		return false, nil
	}
	return false, err
}

func (s *Service) Get(ctx context.Context, tenant, id string) (*Source, error) {
	return s.repo.Get(ctx, tenant, id)
}

func (s *Service) List(ctx context.Context, tenant string) ([]Source, error) {
	return s.repo.List(ctx, tenant)
}

// Reprocess queues a fresh ingestion of an already-ingested source under a new
// version. Search keeps serving the old version until the new one commits.
func (s *Service) Reprocess(ctx context.Context, tenant, id string) (int, error) {
	src, err := s.repo.Get(ctx, tenant, id)
	if err != nil {
		return 0, err
	}
	if !src.Status.CanTransition(worker.StatusPending) {
		return 0, apperr.Validation("status", fmt.Sprintf("cannot reprocess source in status %q", src.Status))
	}

	version, err := s.repo.BumpVersion(ctx, src.ID)
	if err != nil {
		return 0, err
	}

	task := worker.IngestTask{
		SourceID:      src.ID,
		Tenant:        src.Tenant,
		Version:       version,
		CorrelationID: middleware.GetCorrelationID(ctx),
	}
	payload, _ := json.Marshal(task)
	if err := s.pub.Publish(config.TopicIngestTask, payload); err != nil {
		slog.Error("failed to publish reprocess task", "error", err, "source_id", src.ID)
		return 0, err
	}
	return version, nil
}

// Delete removes the source's chunks across all versions and tombstones the
// row. The stored blob is left in place.
func (s *Service) Delete(ctx context.Context, tenant, id string) error {
	src, err := s.repo.Get(ctx, tenant, id)
	if err != nil {
		return err
	}
	if err := s.chunkStore.DeleteSourceChunks(ctx, src.ID); err != nil {
		return err
	}
	return s.repo.SoftDelete(ctx, src.ID)
}

func (s *Service) publishTask(ctx context.Context, sourceID, tenant string, version int) {
	task := worker.IngestTask{
		SourceID:      sourceID,
		Tenant:        tenant,
		Version:       version,
		CorrelationID: middleware.GetCorrelationID(ctx),
	}
	payload, _ := json.Marshal(task)
	if err := s.pub.Publish(config.TopicIngestTask, payload); err != nil {
		slog.Error("failed to publish ingest task", "error", err, "source_id", sourceID)
	} else {
		slog.Info("published ingest task", "source_id", sourceID, "version", version)
	}
}

func (s *Service) storeInline(content string) (string, error) {
	if err := os.MkdirAll(s.uploadDir, 0o750); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}
	path := filepath.Join(s.uploadDir, uuid.New().String()+".txt")
	if err := os.WriteFile(path, []byte(content), 0o640); err != nil {
		return "", fmt.Errorf("store inline content: %w", err)
	}
	return path, nil
}

func validateCreate(req CreateRequest) error {
	if req.Tenant == "" {
		return apperr.Validation("tenant", "required")
	}
	if req.Name == "" {
		return apperr.Validation("name", "required")
	}
	switch req.Kind {
	case worker.KindURL:
		if req.URL == "" {
			return apperr.Validation("url", "required for url sources")
		}
		u, err := url.Parse(req.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return apperr.Validation("url", "must be an absolute http or https URL")
		}
	case worker.KindFAQ:
		if req.Content == "" {
			return apperr.Validation("content", "required for faq sources")
		}
	case worker.KindFile:
		return apperr.Validation("kind", "file sources are created through upload")
	default:
		return apperr.Validation("kind", fmt.Sprintf("unknown kind %q", req.Kind))
	}
	return nil
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return fmt.Sprintf("%x", sum)
}
