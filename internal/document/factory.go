package document

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"sentimental/internal/apperrors"
	"sentimental/internal/config"
	"sentimental/internal/database"
)

// Backend is a document store with a readiness probe.
type Backend interface {
	Store
	Ready(ctx context.Context) error
}

// Open connects the document store selected by cfg. Documents live as long
// as the jobs that reference them.
func Open(ctx context.Context, cfg config.DocumentsConfig, ttl time.Duration, clock clockwork.Clock) (Backend, func(), error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return NewMemoryStore(ttl, clock), func() {}, nil
	case config.BackendRedis:
		rdb, err := database.ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, apperrors.Internal("documents.connect", err)
		}
		return NewRedisStore(rdb, ttl), func() { _ = rdb.Close() }, nil
	default:
		return nil, nil, apperrors.Configuration("DOCUMENT_BACKEND", "unknown document backend "+cfg.Backend)
	}
}
