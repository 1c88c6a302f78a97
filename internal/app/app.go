// Package app assembles the voicekb components from configuration.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/rcliao/voicekb/internal/config"
	"github.com/rcliao/voicekb/internal/embedding"
	"github.com/rcliao/voicekb/internal/index"
	"github.com/rcliao/voicekb/internal/knowledge"
	"github.com/rcliao/voicekb/internal/llm"
	"github.com/rcliao/voicekb/internal/prompt"
	"github.com/rcliao/voicekb/internal/retrieval"
	"github.com/rcliao/voicekb/internal/session"
	"github.com/rcliao/voicekb/internal/store"
	"github.com/rcliao/voicekb/internal/turnlock"
)

// App holds the long-lived components.
type App struct {
	Config    *config.Config
	Logger    *zap.Logger
	Store     *store.SQLiteStore
	Index     *index.Index
	Embedder  embedding.Embedder
	Retriever *retrieval.Engine
	Knowledge *knowledge.Service

	redis *turnlock.Redis
}

// Open opens the store and restores the embedding index from it.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	emb, err := embedding.New(cfg.Embedding)
	if err != nil {
		s.Close()
		return nil, err
	}
	emb = embedding.WithRetry(emb, embedding.RetryConfig(cfg.Session.Retry))
	ix := index.New(emb.Dims())
	ret := retrieval.New(s, ix, emb, cfg.Retrieval, logger.Named("retrieval"))
	kb := knowledge.New(s, ix, emb, ret, cfg.ChunkOptions(), logger.Named("knowledge"))

	restored, skipped, err := kb.Restore(ctx)
	if err != nil {
		s.Close()
		return nil, err
	}
	logger.Debug("index restored", zap.Int("chunks", restored), zap.Int("skipped", skipped))

	return &App{
		Config:    cfg,
		Logger:    logger,
		Store:     s,
		Index:     ix,
		Embedder:  emb,
		Retriever: ret,
		Knowledge: kb,
	}, nil
}

// Engine builds the session engine. It needs a reachable language model and,
// when lock.redis_url is set, a Redis server.
func (a *App) Engine(ctx context.Context) (*session.Engine, error) {
	cfg := a.Config
	if err := cfg.RequireLLM(); err != nil {
		return nil, err
	}
	gen, err := llm.New(ctx, cfg.LLM)
	if err != nil {
		return nil, err
	}

	counter, err := prompt.NewCounter(cfg.Session.ContextUnit, cfg.Session.Encoding)
	if err != nil {
		return nil, err
	}

	var guard turnlock.Guard = turnlock.NewLocal()
	if cfg.Lock.RedisURL != "" {
		r, err := turnlock.NewRedis(cfg.Lock.RedisURL, cfg.Lock.TTL)
		if err != nil {
			return nil, err
		}
		if err := r.Ping(ctx); err != nil {
			r.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		a.redis = r
		guard = r
	}

	return session.New(cfg.SessionEngine(), session.Deps{
		Sessions:  a.Store,
		History:   a.Store,
		Retriever: a.Retriever,
		Assembler: prompt.New(cfg.Session.MaxContextUnits, counter),
		Generator: gen,
		Guard:     guard,
		Logger:    a.Logger.Named("session"),
	}), nil
}

// Close releases the store and any Redis connection.
func (a *App) Close() error {
	if a.redis != nil {
		a.redis.Close()
	}
	return a.Store.Close()
}
