package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/Agentic-Person/whop-chronos-sub007/internal/ai"
	"github.com/Agentic-Person/whop-chronos-sub007/internal/cache"
	"github.com/Agentic-Person/whop-chronos-sub007/internal/chat"
	"github.com/Agentic-Person/whop-chronos-sub007/internal/config"
	"github.com/Agentic-Person/whop-chronos-sub007/internal/costs"
	"github.com/Agentic-Person/whop-chronos-sub007/internal/db"
	"github.com/Agentic-Person/whop-chronos-sub007/internal/httpapi"
	"github.com/Agentic-Person/whop-chronos-sub007/internal/httpapi/handlers"
	"github.com/Agentic-Person/whop-chronos-sub007/internal/logger"
	"github.com/Agentic-Person/whop-chronos-sub007/internal/prompt"
	"github.com/Agentic-Person/whop-chronos-sub007/internal/ratelimit"
	"github.com/Agentic-Person/whop-chronos-sub007/internal/retrieval"
	"github.com/Agentic-Person/whop-chronos-sub007/internal/store/rabbitmq"
	"github.com/Agentic-Person/whop-chronos-sub007/internal/store/redisstore"
)

func main() {
	cfg := config.Load()
	logger.Setup(cfg.LogLevel, cfg.LogFormat)
	if cfg.Env != "development" {
		gin.SetMode(gin.ReleaseMode)
	}

	gdb, err := db.Connect(cfg.DBDriver, cfg.DBDSN, cfg.Env)
	if err != nil {
		logger.Error("db connect", "err", err)
		os.Exit(1)
	}
	if err := db.Migrate(gdb); err != nil {
		logger.Error("db migrate", "err", err)
		os.Exit(1)
	}

	rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer rds.Close()
	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	if err := rds.Ping(pingCtx); err != nil {
		// admission fails closed and the cache degrades to misses until redis is back
		logger.Warn("redis unreachable at startup", "addr", cfg.RedisAddr, "err", err)
	}
	cancel()

	reg := newRegistry(cfg)

	searcher, closeSearcher, err := newSearcher(cfg, gdb)
	if err != nil {
		logger.Error("vector backend", "backend", cfg.VectorBackend, "err", err)
		os.Exit(1)
	}
	defer closeSearcher()

	embedder, err := ai.NewOllamaEmbedder(cfg.OllamaBaseURL, cfg.OllamaEmbedModel)
	if err != nil {
		logger.Error("embedder", "err", err)
		os.Exit(1)
	}

	limiter := ratelimit.NewLimiter(rds, ratelimit.Limits{
		Learner: []ratelimit.Rule{
			{Limit: cfg.LearnerPerMinute, Window: time.Minute},
			{Limit: cfg.LearnerPerHour, Window: time.Hour},
		},
		TenantDaily: cfg.TenantDailyLimits,
		DefaultTier: costs.TierBasic,
	})
	tracker := costs.NewTracker(gdb, nil, cfg.MonthlyBudgetsUSD)
	answers := cache.New(rds, cfg.CacheTTL)

	svc := chat.NewService(chat.Deps{
		Repo:     chat.NewRepo(gdb),
		Registry: reg,
		Limiter:  limiter,
		Costs:    tracker,
		Cache:    answers,
		Searcher: searcher,
		Embedder: embedder,
		Prompt:   prompt.NewBuilder(cfg.ChatContextTokens),
	}, chat.Options{
		TopK:             cfg.RetrievalTopK,
		SimilarityFloor:  cfg.RetrievalSimilarityFloor,
		MaxHistory:       cfg.ChatMaxHistory,
		NoContextPolicy:  chat.NoContextPolicy(cfg.NoContextPolicy),
		Retry:            chat.RetryPolicy{Attempts: 3, Base: cfg.ProviderRetryBase, Max: cfg.ProviderRetryMax},
		FirstByteTimeout: cfg.ProviderFirstByteTimeout,
		TotalTimeout:     cfg.ProviderTotalTimeout,
	})

	h := &handlers.Handler{
		Chat:   svc,
		Budget: tracker,
		Limits: limiter,
		Cache:  answers,
	}
	pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		logger.Warn("rabbitmq unavailable, video invalidation runs inline", "err", err)
	} else {
		defer pub.Close()
		h.Events = pub
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(cfg.JWTSecret, h),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("api listening", "addr", cfg.HTTPAddr, "providers", reg.Names(), "vector_backend", cfg.VectorBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("api shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "err", err)
	}
}

// newRegistry routes by session.Provider + session.Model.
func newRegistry(cfg config.Config) *ai.Registry {
	reg := ai.NewRegistry(strings.ToLower(cfg.AIProvider))

	reg.Register("ollama", func(ctx context.Context, model string) (ai.Provider, error) {
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OllamaModel
		}
		return ai.NewOllamaProvider(cfg.OllamaBaseURL, m), nil
	})

	reg.Register("openrouter", func(ctx context.Context, model string) (ai.Provider, error) {
		if cfg.OpenRouterAPIKey == "" {
			return nil, errors.New("OPENROUTER_API_KEY is not set")
		}
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OpenRouterModel
		}
		return ai.NewOpenRouterProvider(cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey, m, cfg.OpenRouterSiteURL, cfg.OpenRouterAppName), nil
	})
	return reg
}

func newSearcher(cfg config.Config, gdb *gorm.DB) (retrieval.Searcher, func(), error) {
	switch cfg.VectorBackend {
	case "qdrant":
		qs, err := retrieval.NewQdrantSearcher(cfg.QdrantAddr, cfg.QdrantCollection)
		if err != nil {
			return nil, nil, err
		}
		return qs, func() { _ = qs.Close() }, nil
	case "", "db":
		return retrieval.NewDBSearcher(gdb), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported VECTOR_BACKEND=%q", cfg.VectorBackend)
	}
}
