package store

import (
	"context"

	"github.com/jonboulle/clockwork"

	"sentimental/internal/apperrors"
	"sentimental/internal/config"
	"sentimental/internal/database"
	"sentimental/internal/job"
)

// Backend is a job store with a readiness probe.
type Backend interface {
	job.Store
	Ready(ctx context.Context) error
}

// Open connects the job store selected by cfg and returns a function
// releasing the connection.
func Open(ctx context.Context, cfg config.StoreConfig, clock clockwork.Clock) (Backend, func(), error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return NewMemoryStore(cfg.JobTTL, clock), func() {}, nil

	case config.BackendRedis:
		rdb, err := database.ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, apperrors.Internal("store.connect", err)
		}
		return NewRedisStore(rdb, cfg.JobTTL, clock), func() { _ = rdb.Close() }, nil

	case config.BackendPostgres:
		pool, err := database.ConnectPostgres(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, nil, apperrors.Internal("store.connect", err)
		}
		s := NewPostgresStore(pool, cfg.JobTTL, clock)
		if err := s.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return s, pool.Close, nil

	default:
		return nil, nil, apperrors.Configuration("STORE_BACKEND", "unknown store backend "+cfg.Backend)
	}
}
