package settings

import (
	"context"

	"lodestone/internal/apperr"
)

// Settings is the single runtime-tunable row. Fusion weights and the rerank
// provider may change without a restart; the embedding model stays pinned in
// static config so stored vectors remain comparable across a source's life.
type Settings struct {
	ID             int     `json:"-"`
	RerankProvider string  `json:"rerank_provider"`
	RerankAPIKey   string  `json:"rerank_api_key"`
	WeightSemantic float32 `json:"weight_semantic"`
	WeightLexical  float32 `json:"weight_lexical"`
	SearchTopK     int     `json:"search_top_k"`
}

func (s *Settings) Validate() error {
	if s.WeightSemantic < 0 || s.WeightLexical < 0 {
		return apperr.Validation("weights", "must be non-negative")
	}
	if s.WeightSemantic == 0 && s.WeightLexical == 0 {
		return apperr.Validation("weights", "at least one weight must be positive")
	}
	if s.SearchTopK < 1 || s.SearchTopK > 100 {
		return apperr.Validation("search_top_k", "must be between 1 and 100")
	}
	switch s.RerankProvider {
	case "", "none", "jina", "cohere":
	default:
		return apperr.Validation("rerank_provider", "must be one of none, jina, cohere")
	}
	return nil
}

type Repository interface {
	Get(ctx context.Context) (*Settings, error)
	Update(ctx context.Context, s *Settings) error
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) Get(ctx context.Context) (*Settings, error) {
	return s.repo.Get(ctx)
}

func (s *Service) Update(ctx context.Context, set *Settings) error {
	if err := set.Validate(); err != nil {
		return err
	}
	return s.repo.Update(ctx, set)
}
