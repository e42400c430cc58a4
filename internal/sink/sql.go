package sink

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"sentimental/internal/apperrors"
)

var tableNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func validateTable(table string) error {
	if !tableNamePattern.MatchString(table) {
		return apperrors.Configuration("SINK_TABLE", fmt.Sprintf("invalid table name %q", table))
	}
	return nil
}

// PostgresSink upserts into a PostgreSQL table.
type PostgresSink struct {
	pool  *pgxpool.Pool
	table string
}

// NewPostgresSink creates a sink writing to table.
func NewPostgresSink(pool *pgxpool.Pool, table string) (*PostgresSink, error) {
	if err := validateTable(table); err != nil {
		return nil, err
	}
	return &PostgresSink{pool: pool, table: table}, nil
}

// EnsureSchema creates the results table if it is missing.
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	keyword               TEXT NOT NULL DEFAULT '',
	source                TEXT NOT NULL DEFAULT '',
	document_created_time TIMESTAMPTZ,
	document_id           TEXT NOT NULL,
	document_url          TEXT NOT NULL DEFAULT '',
	sentiment             TEXT NOT NULL,
	score_mixed           DOUBLE PRECISION NOT NULL,
	score_positive        DOUBLE PRECISION NOT NULL,
	score_neutral         DOUBLE PRECISION NOT NULL,
	score_negative        DOUBLE PRECISION NOT NULL,
	job_id                TEXT NOT NULL,
	PRIMARY KEY (document_id, job_id)
)`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return apperrors.Internal("sink.ensureSchema", err)
	}
	return nil
}

func (s *PostgresSink) Upsert(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, batch := range chunks(rows) {
			stmt, args, err := upsertStatement(s.table, sq.Dollar, batch)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, stmt, args...); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return apperrors.SinkWrite("sink.postgres.upsert", err)
	}
	return nil
}

// Ready checks the database answers.
func (s *PostgresSink) Ready(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// SQLiteSink upserts into a SQLite table.
type SQLiteSink struct {
	db    *sql.DB
	table string
}

// NewSQLiteSink creates a sink writing to table.
func NewSQLiteSink(db *sql.DB, table string) (*SQLiteSink, error) {
	if err := validateTable(table); err != nil {
		return nil, err
	}
	return &SQLiteSink{db: db, table: table}, nil
}

// EnsureSchema creates the results table if it is missing.
func (s *SQLiteSink) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	keyword               TEXT NOT NULL DEFAULT '',
	source                TEXT NOT NULL DEFAULT '',
	document_created_time TIMESTAMP,
	document_id           TEXT NOT NULL,
	document_url          TEXT NOT NULL DEFAULT '',
	sentiment             TEXT NOT NULL,
	score_mixed           REAL NOT NULL,
	score_positive        REAL NOT NULL,
	score_neutral         REAL NOT NULL,
	score_negative        REAL NOT NULL,
	job_id                TEXT NOT NULL,
	PRIMARY KEY (document_id, job_id)
)`, s.table)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return apperrors.Internal("sink.ensureSchema", err)
	}
	return nil
}

func (s *SQLiteSink) Upsert(ctx context.Context, rows []Row) (err error) {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.SinkWrite("sink.sqlite.begin", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, batch := range chunks(rows) {
		stmt, args, buildErr := upsertStatement(s.table, sq.Question, batch)
		if buildErr != nil {
			return apperrors.SinkWrite("sink.sqlite.build", buildErr)
		}
		if _, execErr := tx.ExecContext(ctx, stmt, args...); execErr != nil {
			return apperrors.SinkWrite("sink.sqlite.upsert", execErr)
		}
	}
	if err = tx.Commit(); err != nil {
		return apperrors.SinkWrite("sink.sqlite.commit", err)
	}
	return nil
}

// Ready checks the database answers.
func (s *SQLiteSink) Ready(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
