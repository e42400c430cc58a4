package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"sentimental/internal/apperrors"
	"sentimental/internal/job"
)

// PostgresSchema creates the jobs table. Production schemas are provisioned
// separately; tests and local setups call EnsureSchema.
var PostgresSchema = []string{`
CREATE TABLE IF NOT EXISTS sentiment_jobs (
	job_id            TEXT PRIMARY KEY,
	job_name          TEXT NOT NULL,
	status            TEXT NOT NULL,
	provider_name     TEXT NOT NULL,
	provider_metadata JSONB,
	document_ids      TEXT[] NOT NULL DEFAULT '{}',
	created_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL,
	version           BIGINT NOT NULL DEFAULT 0,
	expires_at        TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS sentiment_jobs_status_idx ON sentiment_jobs (status, expires_at)`,
}

const pgUniqueViolation = "23505"

const pgJobColumns = `job_id, job_name, status, provider_name, provider_metadata,
	document_ids, created_at, updated_at, version, expires_at`

// PostgresStore keeps jobs in one table. Expired rows are invisible to reads
// and writes; DeleteExpired removes them.
type PostgresStore struct {
	pool  *pgxpool.Pool
	ttl   time.Duration
	clock clockwork.Clock
}

// NewPostgresStore creates a store on an existing pool.
func NewPostgresStore(pool *pgxpool.Pool, ttl time.Duration, clock clockwork.Clock) *PostgresStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &PostgresStore{pool: pool, ttl: ttl, clock: clock}
}

// EnsureSchema creates the jobs table if it is missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range PostgresSchema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return apperrors.Internal("postgres.ensureSchema", err)
		}
	}
	return nil
}

// Create inserts j at version 0. An expired row with the same id is replaced.
func (s *PostgresStore) Create(ctx context.Context, j *job.Job) error {
	now := s.clock.Now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	if j.UpdatedAt.IsZero() {
		j.UpdatedAt = now
	}
	j.Version = 0
	j.ExpiresAt = now.Add(s.ttl)

	meta, err := job.MarshalMetadata(j.Metadata)
	if err != nil {
		return apperrors.Internal("postgres.create", err)
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO sentiment_jobs (`+pgJobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9)
		ON CONFLICT (job_id) DO UPDATE SET
			job_name = EXCLUDED.job_name,
			status = EXCLUDED.status,
			provider_name = EXCLUDED.provider_name,
			provider_metadata = EXCLUDED.provider_metadata,
			document_ids = EXCLUDED.document_ids,
			created_at = EXCLUDED.created_at,
			updated_at = EXCLUDED.updated_at,
			version = 0,
			expires_at = EXCLUDED.expires_at
		WHERE sentiment_jobs.expires_at <= $10`,
		j.ID, j.Name, string(j.Status), j.ProviderName, meta,
		j.DocumentIDs, j.CreatedAt, j.UpdatedAt, j.ExpiresAt, now,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return apperrors.Conflict("job", j.ID, "job "+j.ID+" already exists")
		}
		return apperrors.Internal("postgres.create", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.Conflict("job", j.ID, "job "+j.ID+" already exists")
	}
	return nil
}

// Get reads a single live job.
func (s *PostgresStore) Get(ctx context.Context, id string) (*job.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgJobColumns+`
		FROM sentiment_jobs WHERE job_id = $1 AND expires_at > $2`, id, s.clock.Now().UTC())

	j, err := scanPostgresJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("job", id)
	}
	if err != nil {
		return nil, apperrors.Internal("postgres.get", err)
	}
	return j, nil
}

// GetByStatus reads every live job in status, oldest first.
func (s *PostgresStore) GetByStatus(ctx context.Context, status job.Status) ([]*job.Job, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgJobColumns+`
		FROM sentiment_jobs WHERE status = $1 AND expires_at > $2
		ORDER BY created_at`, string(status), s.clock.Now().UTC())
	if err != nil {
		return nil, apperrors.Internal("postgres.getByStatus", err)
	}
	defer rows.Close()

	jobs := make([]*job.Job, 0)
	for rows.Next() {
		j, err := scanPostgresJob(rows)
		if err != nil {
			return nil, apperrors.Internal("postgres.getByStatus", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("postgres.getByStatus", err)
	}
	return jobs, nil
}

// CompareAndSet issues a single conditional UPDATE. When no row matches, a
// follow-up read tells a version conflict apart from a missing job or a
// forbidden transition.
func (s *PostgresStore) CompareAndSet(ctx context.Context, id string, expectedVersion int64, status job.Status, meta job.ProviderMetadata) (job.CASResult, error) {
	var metaJSON []byte
	if meta != nil {
		var err error
		if metaJSON, err = job.MarshalMetadata(meta); err != nil {
			return job.CASResult{}, apperrors.Internal("postgres.cas", err)
		}
	}

	allowed := make([]string, 0, 4)
	for _, from := range job.AllowedFrom(status) {
		allowed = append(allowed, string(from))
	}

	now := s.clock.Now().UTC()
	var version int64
	err := s.pool.QueryRow(ctx, `
		UPDATE sentiment_jobs SET
			status = $3,
			provider_metadata = COALESCE($4::jsonb, provider_metadata),
			version = version + 1,
			updated_at = $5,
			expires_at = $6
		WHERE job_id = $1 AND version = $2 AND status = ANY($7) AND expires_at > $5
		RETURNING version`,
		id, expectedVersion, string(status), metaJSON, now, now.Add(s.ttl), allowed,
	).Scan(&version)
	if err == nil {
		return job.CASResult{Version: version}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return job.CASResult{}, apperrors.Internal("postgres.cas", err)
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return job.CASResult{}, err
	}
	if current.Version != expectedVersion {
		return job.CASResult{Version: current.Version, Conflict: true}, nil
	}
	return job.CASResult{}, apperrors.InvalidTransition(string(current.Status), string(status))
}

// DeleteExpired removes rows whose TTL has passed and reports how many.
func (s *PostgresStore) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sentiment_jobs WHERE expires_at <= $1`, s.clock.Now().UTC())
	if err != nil {
		return 0, apperrors.Internal("postgres.deleteExpired", err)
	}
	return tag.RowsAffected(), nil
}

// Ready pings the database.
func (s *PostgresStore) Ready(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func scanPostgresJob(row pgx.Row) (*job.Job, error) {
	var (
		j      job.Job
		status string
		meta   []byte
	)
	if err := row.Scan(&j.ID, &j.Name, &status, &j.ProviderName, &meta,
		&j.DocumentIDs, &j.CreatedAt, &j.UpdatedAt, &j.Version, &j.ExpiresAt); err != nil {
		return nil, err
	}
	j.Status = job.Status(status)

	m, err := job.UnmarshalMetadata(meta)
	if err != nil {
		return nil, err
	}
	j.Metadata = m
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	j.ExpiresAt = j.ExpiresAt.UTC()
	return &j, nil
}
