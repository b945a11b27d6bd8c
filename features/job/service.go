package job

import (
	"context"
	"encoding/json"

	"lodestone/internal/config"
)

type EventPublisher interface {
	Publish(topic string, body []byte) error
}

type Service struct {
	repo Repository
	pub  EventPublisher
}

func NewService(repo Repository, pub EventPublisher) *Service {
	return &Service{repo: repo, pub: pub}
}

// Record parks a permanently failed task. It is the pipeline's dead-letter
// sink.
func (s *Service) Record(ctx context.Context, sourceID, handler string, payload []byte, reason string) error {
	return s.repo.Save(ctx, &Job{
		SourceID: sourceID,
		Handler:  handler,
		Payload:  json.RawMessage(payload),
		Error:    reason,
	})
}

func (s *Service) List(ctx context.Context) ([]Job, error) {
	return s.repo.List(ctx)
}

// Retry republishes the parked payload unchanged and removes the job. The
// pipeline resumes whatever the failed run left behind: staged chunks for a
// version that never committed, or just the missing vectors when a partial
// version is already live. Tasks superseded by a newer reprocess are dropped.
func (s *Service) Retry(ctx context.Context, id string) error {
	job, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}

	if err := s.pub.Publish(config.TopicIngestTask, job.Payload); err != nil {
		return err
	}

	return s.repo.Delete(ctx, id)
}

func (s *Service) Count(ctx context.Context) (int, error) {
	return s.repo.Count(ctx)
}
