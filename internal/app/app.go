package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"lodestone/features/job"
	"lodestone/features/search"
	"lodestone/features/source"
	"lodestone/features/stats"
	"lodestone/internal/adapter/extract"
	"lodestone/internal/adapter/gemini"
	"lodestone/internal/adapter/pgstore"
	"lodestone/internal/adapter/reranker"
	"lodestone/internal/cache"
	"lodestone/internal/config"
	"lodestone/internal/metrics"
	"lodestone/internal/middleware"
	"lodestone/internal/retrieval"
	"lodestone/internal/settings"
	"lodestone/internal/text"
	"lodestone/internal/worker"
)

// TaskPublisher pushes ingest tasks onto the queue. *nsq.Producer satisfies it.
type TaskPublisher interface {
	Publish(topic string, body []byte) error
}

type App struct {
	Handler       http.Handler
	SourceService *source.Service
	Pipeline      *worker.Pipeline

	addr string
}

func New(
	cfg *config.Config,
	db *sql.DB,
	rdb *redis.Client,
	taskPub TaskPublisher,
	logger *slog.Logger,
) (*App, error) {

	// Feature: Settings
	settingsRepo := settings.NewPostgresRepo(db)
	settingsService := settings.NewService(settingsRepo)

	// Seed the rerank provider from the environment on first boot. The
	// settings row wins once an operator has touched it.
	if cfg.RerankProvider != "" {
		ctx := context.Background()
		set, err := settingsService.Get(ctx)
		if err == nil {
			if set.RerankProvider == "" {
				set.RerankProvider = cfg.RerankProvider
				set.RerankAPIKey = cfg.RerankAPIKey
				if err := settingsService.Update(ctx, set); err != nil {
					logger.Warn("failed to seed rerank provider", "error", err)
				} else {
					logger.Info("seeded rerank provider from environment", "provider", cfg.RerankProvider)
				}
			}
		} else {
			logger.Warn("failed to fetch settings for seeding", "error", err)
		}
	}

	settingsHandler := settings.NewHandler(settingsService)

	// Adapters
	store := pgstore.NewStore(db)

	geminiEmbedder, err := gemini.NewEmbedder(context.Background(), cfg.GeminiAPIKey, gemini.Config{
		Model:      cfg.EmbedModel,
		Dimension:  cfg.EmbedDim,
		BatchSize:  cfg.EmbedBatchSize,
		MaxRetries: cfg.EmbedMaxRetries,
		RPS:        cfg.EmbedRPS,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini embedder: %w", err)
	}
	embedder := cache.NewCachedEmbedder(geminiEmbedder, rdb, cfg.EmbedModel, cfg.CacheTTL)

	extractor := extract.NewClient(cfg.ExtractorURL, cfg.ExtractTimeout)
	rerankerClient := reranker.NewDynamicClient(settingsService)

	// Feature: Source
	sourceRepo := source.NewPostgresRepo(db)
	sourceService := source.NewService(sourceRepo, store, taskPub, cfg.UploadDir)
	sourceHandler := source.NewHandler(sourceService, cfg.UploadDir, cfg.MaxUploadSizeMB<<20)

	// Feature: Job
	jobRepo := job.NewPostgresRepo(db)
	jobService := job.NewService(jobRepo, taskPub)
	jobHandler := job.NewHandler(jobService)

	// Feature: Stats
	statsHandler := stats.NewHandler(sourceRepo, store, jobRepo)

	// Feature: Search
	queryLogger, err := retrieval.NewFileQueryLogger(cfg.QueryLogPath)
	if err != nil {
		logger.Warn("failed to create query logger, falling back to stdout", "error", err)
		queryLogger = retrieval.NewQueryLogger(os.Stdout)
	}

	retrievalService := retrieval.NewService(embedder, store, rerankerClient, settingsService, queryLogger, retrieval.Config{
		WeightSemantic:  cfg.SearchWSemantic,
		WeightLexical:   cfg.SearchWLexical,
		TopK:            cfg.SearchTopK,
		CandidateFactor: cfg.CandidateFactor,
		RerankTopN:      cfg.RerankTopN,
		ReadTimeout:     cfg.StoreReadTimeout,
	})
	searchHandler := search.NewHandler(retrievalService)

	// Routes. Tenant-scoped endpoints require an X-Tenant-ID header; CORS runs
	// first so preflight requests pass without one.
	route := func(h http.HandlerFunc) http.Handler {
		return instrument(middleware.CorrelationID(middleware.CORS(h)))
	}
	tenantRoute := func(h http.HandlerFunc) http.Handler {
		return instrument(middleware.CorrelationID(middleware.CORS(middleware.RequireTenant(h).ServeHTTP)))
	}

	mux := http.NewServeMux()

	mux.Handle("POST /sources", tenantRoute(sourceHandler.Create))
	mux.Handle("POST /sources/upload", tenantRoute(sourceHandler.Upload))
	mux.Handle("GET /sources", tenantRoute(sourceHandler.List))
	mux.Handle("GET /sources/{id}", tenantRoute(sourceHandler.Get))
	mux.Handle("POST /sources/{id}/reprocess", tenantRoute(sourceHandler.Reprocess))
	mux.Handle("DELETE /sources/{id}", tenantRoute(sourceHandler.Delete))

	mux.Handle("POST /search", tenantRoute(searchHandler.Search))
	mux.Handle("GET /stats", tenantRoute(statsHandler.GetStats))

	mux.Handle("GET /settings", route(settingsHandler.GetSettings))
	mux.Handle("PUT /settings", route(settingsHandler.UpdateSettings))

	mux.Handle("GET /jobs", route(jobHandler.List))
	mux.Handle("POST /jobs/{id}/retry", route(jobHandler.Retry))

	// Preflight requests carry no tenant header; the CORS middleware answers
	// them before any other check runs.
	mux.Handle("OPTIONS /", route(func(w http.ResponseWriter, r *http.Request) {}))

	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	// Ingestion pipeline. Shares the embedder with search; batch calls bypass
	// the query cache.
	pipeline := worker.NewPipeline(sourceRepo, store, embedder, extractor, jobService, worker.PipelineConfig{
		SourceTimeout:  cfg.SourceTimeout,
		ExtractTimeout: cfg.ExtractTimeout,
		EmbedTimeout:   cfg.EmbedTimeout,
		EmbedBatchSize: cfg.EmbedBatchSize,
		EmbedFanout:    cfg.EmbedFanout,
		Chunking: text.ChunkConfig{
			TargetSize: cfg.ChunkTargetSize,
			Overlap:    cfg.ChunkOverlap,
			MinSize:    cfg.ChunkMinSize,
		},
	})

	return &App{
		Handler:       mux,
		SourceService: sourceService,
		Pipeline:      pipeline,
		addr:          fmt.Sprintf(":%d", cfg.ServerPort),
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    a.addr,
		Handler: a.Handler,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down server...")
		if err := srv.Shutdown(context.Background()); err != nil {
			slog.Error("server shutdown failed", "error", err)
		}
	}()

	slog.Info("server starting", "addr", a.addr)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &metrics.HTTPStatusRecorder{ResponseWriter: w, Status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Pattern, strconv.Itoa(rec.Status)).Inc()
	})
}
