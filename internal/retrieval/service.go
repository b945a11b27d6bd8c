package retrieval

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"lodestone/internal/apperr"
	"lodestone/internal/metrics"
	"lodestone/internal/middleware"
	"lodestone/internal/settings"
)

// Config carries the static defaults for the query path. Runtime settings
// override weights and top-k; a SearchQuery can override both again.
type Config struct {
	WeightSemantic  float32
	WeightLexical   float32
	TopK            int
	CandidateFactor int
	RerankTopN      int
	ReadTimeout     time.Duration
}

type Service struct {
	embedder Embedder
	store    SearchStore
	reranker Reranker
	settings *settings.Service
	logger   *QueryLogger
	cfg      Config
}

func NewService(e Embedder, s SearchStore, r Reranker, set *settings.Service, l *QueryLogger, cfg Config) *Service {
	if cfg.TopK <= 0 {
		cfg.TopK = 10
	}
	if cfg.CandidateFactor < 1 {
		cfg.CandidateFactor = 3
	}
	if cfg.RerankTopN <= 0 {
		cfg.RerankTopN = 50
	}
	return &Service{embedder: e, store: s, reranker: r, settings: set, logger: l, cfg: cfg}
}

// Search runs the requested paths, fuses and orders candidates, applies the
// reranker best-effort, and truncates to k. In hybrid mode a single failed
// path degrades the response instead of failing it; only both paths failing
// is an error.
func (s *Service) Search(ctx context.Context, tenant string, query SearchQuery) (*SearchResponse, error) {
	start := time.Now()

	if tenant == "" {
		return nil, apperr.Validation("tenant", "must not be empty")
	}
	if strings.TrimSpace(query.Text) == "" {
		return nil, apperr.Validation("query", "must not be empty")
	}

	mode := query.Mode
	if mode == "" {
		mode = ModeHybrid
	}
	switch mode {
	case ModeHybrid, ModeSemantic, ModeLexical:
	default:
		return nil, apperr.Validation("mode", "must be one of hybrid, semantic, lexical")
	}

	wSem, wLex, k := s.resolveParams(ctx, query)
	candidates := k * s.cfg.CandidateFactor

	resp := &SearchResponse{}
	var semRows, lexRows []ScoredChunk

	switch mode {
	case ModeLexical:
		rows, err := s.lexical(ctx, tenant, query.Text, query.Filters, candidates)
		if err != nil {
			metrics.ObserveSearch(string(mode), "error", time.Since(start))
			return nil, err
		}
		lexRows = rows
		wSem, wLex = 0, 1

	case ModeSemantic:
		vec, err := s.embedQuery(ctx, query.Text)
		if err == nil {
			semRows, err = s.semantic(ctx, tenant, vec, query.Filters, candidates)
		}
		if err != nil {
			metrics.ObserveSearch(string(mode), "error", time.Since(start))
			return nil, err
		}
		wSem, wLex = 1, 0

	case ModeHybrid:
		var semErr, lexErr error

		vec, embedErr := s.embedQuery(ctx, query.Text)

		var g errgroup.Group
		if embedErr != nil {
			semErr = embedErr
		} else {
			g.Go(func() error {
				semRows, semErr = s.semantic(ctx, tenant, vec, query.Filters, candidates)
				return nil
			})
		}
		g.Go(func() error {
			lexRows, lexErr = s.lexical(ctx, tenant, query.Text, query.Filters, candidates)
			return nil
		})
		_ = g.Wait()

		if semErr != nil && lexErr != nil {
			metrics.ObserveSearch(string(mode), "error", time.Since(start))
			return nil, errors.Join(semErr, lexErr)
		}
		if semErr != nil {
			slog.WarnContext(ctx, "semantic path unavailable, serving lexical only", "error", semErr)
			resp.flag(ReasonSemanticPathFailed)
			semRows = nil
		}
		if lexErr != nil {
			slog.WarnContext(ctx, "lexical path unavailable, serving semantic only", "error", lexErr)
			resp.flag(ReasonLexicalPathFailed)
			lexRows = nil
		}
	}

	results := fuse(semRows, lexRows, wSem, wLex)
	sortByRelevance(results)

	terms := queryTerms(query.Text)
	for i := range results {
		for _, sig := range results[i].Signals {
			if sig == SignalLexical {
				results[i].Highlights = buildHighlights(results[i].Content, terms, maxHighlights)
				break
			}
		}
	}

	results = s.applyRerank(ctx, query.Text, results, resp)

	if len(results) > k {
		results = results[:k]
	}
	resp.Results = results

	elapsed := time.Since(start)
	outcome := "ok"
	if resp.Degraded {
		outcome = "degraded"
	}
	metrics.ObserveSearch(string(mode), outcome, elapsed)

	if s.logger != nil {
		s.logger.Log(QueryLogEntry{
			Tenant:        tenant,
			Query:         query.Text,
			Mode:          string(mode),
			NumResults:    len(results),
			Degraded:      resp.Degraded,
			Duration:      elapsed,
			CorrelationID: middleware.GetCorrelationID(ctx),
		})
	}

	return resp, nil
}

func (s *Service) resolveParams(ctx context.Context, q SearchQuery) (wSem, wLex float32, k int) {
	wSem, wLex, k = s.cfg.WeightSemantic, s.cfg.WeightLexical, s.cfg.TopK

	if s.settings != nil {
		if st, err := s.settings.Get(ctx); err == nil {
			if st.WeightSemantic > 0 || st.WeightLexical > 0 {
				wSem, wLex = st.WeightSemantic, st.WeightLexical
			}
			if st.SearchTopK > 0 {
				k = st.SearchTopK
			}
		} else {
			slog.WarnContext(ctx, "settings unavailable, using config defaults", "error", err)
		}
	}

	if q.WeightSemantic != nil {
		wSem = *q.WeightSemantic
	}
	if q.WeightLexical != nil {
		wLex = *q.WeightLexical
	}
	if q.K > 0 {
		k = q.K
	}
	if k <= 0 {
		k = 10
	}
	if k > 100 {
		k = 100
	}
	return wSem, wLex, k
}

func (s *Service) embedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := s.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, apperr.TransientProvider("embedder", errors.New("no vector returned for query"))
	}
	return vecs[0], nil
}

func (s *Service) semantic(ctx context.Context, tenant string, vec []float32, filters map[string]interface{}, k int) ([]ScoredChunk, error) {
	return s.queryWithRetry(ctx, func(qctx context.Context) ([]ScoredChunk, error) {
		return s.store.SemanticSearch(qctx, tenant, vec, filters, k)
	})
}

func (s *Service) lexical(ctx context.Context, tenant, text string, filters map[string]interface{}, k int) ([]ScoredChunk, error) {
	return s.queryWithRetry(ctx, func(qctx context.Context) ([]ScoredChunk, error) {
		return s.store.LexicalSearch(qctx, tenant, text, filters, k)
	})
}

// queryWithRetry bounds each store read with ReadTimeout and retries exactly
// once on a retryable storage error or a per-attempt timeout.
func (s *Service) queryWithRetry(ctx context.Context, fn func(context.Context) ([]ScoredChunk, error)) ([]ScoredChunk, error) {
	run := func() ([]ScoredChunk, error) {
		qctx := ctx
		if s.cfg.ReadTimeout > 0 {
			var cancel context.CancelFunc
			qctx, cancel = context.WithTimeout(ctx, s.cfg.ReadTimeout)
			defer cancel()
		}
		return fn(qctx)
	}

	rows, err := run()
	if err == nil || ctx.Err() != nil {
		return rows, err
	}

	var serr *apperr.StorageError
	if (errors.As(err, &serr) && serr.Retryable) || errors.Is(err, context.DeadlineExceeded) {
		slog.WarnContext(ctx, "store read failed, retrying once", "error", err)
		return run()
	}
	return nil, err
}

// fuse merges the two candidate sets into one result per chunk. Scores from
// each path are min-max normalized over that path's candidates, then summed
// with the given weights. A chunk seen on both paths keeps both signals.
func fuse(sem, lex []ScoredChunk, wSem, wLex float32) []SearchResult {
	semNorm := normalizeScores(sem)
	lexNorm := normalizeScores(lex)

	byID := make(map[string]*SearchResult, len(sem)+len(lex))
	order := make([]string, 0, len(sem)+len(lex))

	ensure := func(c ScoredChunk) *SearchResult {
		if r, ok := byID[c.ChunkID]; ok {
			return r
		}
		r := &SearchResult{
			ChunkID:  c.ChunkID,
			SourceID: c.SourceID,
			Version:  c.Version,
			Ordinal:  c.Ordinal,
			Content:  c.Content,
			Citation: Citation{
				SourceName:  c.SourceName,
				Origin:      c.Origin,
				StartOffset: c.StartOffset,
				EndOffset:   c.EndOffset,
			},
			Metadata:    c.Metadata,
			processedAt: c.ProcessedAt,
		}
		byID[c.ChunkID] = r
		order = append(order, c.ChunkID)
		return r
	}

	for i, c := range sem {
		r := ensure(c)
		r.ScoreSemantic = c.Score
		r.Signals = append(r.Signals, SignalSemantic)
		r.ScoreFused += float64(wSem) * semNorm[i]
	}
	for i, c := range lex {
		r := ensure(c)
		r.ScoreLexical = c.Score
		r.Signals = append(r.Signals, SignalLexical)
		r.ScoreFused += float64(wLex) * lexNorm[i]
	}

	out := make([]SearchResult, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out
}

// normalizeScores maps each path's scores onto [0,1] by min-max over its own
// candidate set. When all scores are equal there is no spread to rank by, so
// every candidate normalizes to 1.
func normalizeScores(rows []ScoredChunk) []float64 {
	if len(rows) == 0 {
		return nil
	}
	lo, hi := rows[0].Score, rows[0].Score
	for _, r := range rows[1:] {
		if r.Score < lo {
			lo = r.Score
		}
		if r.Score > hi {
			hi = r.Score
		}
	}

	out := make([]float64, len(rows))
	if hi == lo {
		for i := range out {
			out[i] = 1
		}
		return out
	}
	for i, r := range rows {
		out[i] = (r.Score - lo) / (hi - lo)
	}
	return out
}

// sortByRelevance orders by fused score, then by newer source version, then
// by document position, with chunk id as the final deterministic key.
func sortByRelevance(results []SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].ScoreFused != results[j].ScoreFused {
			return results[i].ScoreFused > results[j].ScoreFused
		}
		if !results[i].processedAt.Equal(results[j].processedAt) {
			return results[i].processedAt.After(results[j].processedAt)
		}
		if results[i].Ordinal != results[j].Ordinal {
			return results[i].Ordinal < results[j].Ordinal
		}
		return results[i].ChunkID < results[j].ChunkID
	})
}

// applyRerank sends the top candidates to the reranker and reorders by its
// judgment. Any failure keeps the fused order and flags the response; an
// unconfigured provider is a silent no-op.
func (s *Service) applyRerank(ctx context.Context, query string, results []SearchResult, resp *SearchResponse) []SearchResult {
	if s.reranker == nil || len(results) == 0 {
		return results
	}

	n := s.cfg.RerankTopN
	if n > len(results) {
		n = len(results)
	}
	head := results[:n]

	docs := make([]string, n)
	for i := range head {
		docs[i] = head[i].Content
	}

	rankings, err := s.reranker.Rerank(ctx, query, docs, n)
	if err != nil {
		slog.WarnContext(ctx, "rerank failed, keeping fused order", "error", err)
		resp.flag(ReasonRerankFailed)
		return results
	}
	if len(rankings) == 0 {
		return results
	}

	reordered := make([]SearchResult, 0, len(results))
	used := make([]bool, n)
	for _, rk := range rankings {
		if rk.Index < 0 || rk.Index >= n || used[rk.Index] {
			continue
		}
		used[rk.Index] = true
		item := head[rk.Index]
		score := rk.Score
		item.ScoreRerank = &score
		reordered = append(reordered, item)
	}
	for i, u := range used {
		if !u {
			reordered = append(reordered, head[i])
		}
	}
	return append(reordered, results[n:]...)
}
