package sink

import (
	"context"

	"sentimental/internal/apperrors"
	"sentimental/internal/config"
	"sentimental/internal/database"
)

// Backend is a sink with a readiness probe.
type Backend interface {
	Sink
	Ready(ctx context.Context) error
}

// Open connects the sink selected by cfg, creates its table and returns a
// function releasing the connection.
func Open(ctx context.Context, cfg config.SinkConfig) (Backend, func(), error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return NewMemorySink(), func() {}, nil

	case config.BackendPostgres:
		pool, err := database.ConnectPostgres(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, apperrors.Internal("sink.connect", err)
		}
		s, err := NewPostgresSink(pool, cfg.Table)
		if err == nil {
			err = s.EnsureSchema(ctx)
		}
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return s, pool.Close, nil

	case config.BackendSQLite:
		db, err := database.OpenSQLite(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, apperrors.Internal("sink.connect", err)
		}
		s, err := NewSQLiteSink(db, cfg.Table)
		if err == nil {
			err = s.EnsureSchema(ctx)
		}
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return s, func() { _ = db.Close() }, nil

	default:
		return nil, nil, apperrors.Configuration("SINK_BACKEND", "unknown sink backend "+cfg.Backend)
	}
}
