// Package postgres persists findings and error summaries to PostgreSQL for
// cross-scan querying. Each writer instance is scoped to one scan session.
//
// Expected schema:
//
//	CREATE TABLE findings (
//	    id          BIGSERIAL PRIMARY KEY,
//	    session_id  UUID        NOT NULL,
//	    file_path   TEXT        NOT NULL,
//	    chunk_index INT         NOT NULL,
//	    label       TEXT        NOT NULL,
//	    match       TEXT        NOT NULL,
//	    engine      TEXT        NOT NULL,
//	    confidence  DOUBLE PRECISION,
//	    metadata    JSONB,
//	    created_at  TIMESTAMPTZ NOT NULL
//	);
//
//	CREATE TABLE scan_errors (
//	    id            BIGSERIAL PRIMARY KEY,
//	    session_id    UUID        NOT NULL,
//	    category      TEXT        NOT NULL,
//	    message       TEXT        NOT NULL,
//	    error_count   BIGINT      NOT NULL,
//	    sampled_paths TEXT[],
//	    sampled_out   BIGINT      NOT NULL,
//	    created_at    TIMESTAMPTZ NOT NULL
//	);
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/sensiscan/internal/domain/detection"
)

// NewPool opens a pgx connection pool with otel query tracing enabled.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing db config: %w", err)
	}
	poolCfg.MinConns = 2
	poolCfg.MaxConns = 10
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("opening db pool: %w", err)
	}
	return pool, nil
}

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

// Store implements the output boundary on top of a pgx pool. Findings land
// in the findings table tagged with the session id; the error summary lands
// in scan_errors at finalize.
type Store struct {
	db        *pgxpool.Pool
	sessionID uuid.UUID
	tracer    trace.Tracer
}

// NewStore creates a session-scoped findings store. The pool is shared; Close
// does not close it.
func NewStore(pool *pgxpool.Pool, sessionID uuid.UUID, tracer trace.Tracer) *Store {
	return &Store{db: pool, sessionID: sessionID, tracer: tracer}
}

// executeAndTrace wraps one database operation in a span, recording failures.
func (s *Store) executeAndTrace(
	ctx context.Context,
	spanName string,
	attributes []attribute.KeyValue,
	operation func(ctx context.Context) error,
) error {
	ctx, span := s.tracer.Start(ctx, spanName, trace.WithAttributes(attributes...))
	defer span.End()

	if err := operation(ctx); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

const insertFindingQuery = `
INSERT INTO findings (session_id, file_path, chunk_index, label, match, engine, confidence, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

func (s *Store) WriteFinding(ctx context.Context, f detection.Finding) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("session_id", s.sessionID.String()),
		attribute.String("engine", f.Engine),
	)

	return s.executeAndTrace(ctx, "postgres.insert_finding", dbAttrs, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()

		_, err := s.db.Exec(ctx, insertFindingQuery,
			pgtype.UUID{Bytes: s.sessionID, Valid: true},
			f.FilePath,
			f.ChunkIndex,
			f.Label,
			f.Match,
			f.Engine,
			f.Confidence,
			f.Metadata,
			time.Now().UTC(),
		)
		if err != nil {
			return fmt.Errorf("insert finding error: %w", err)
		}
		return nil
	})
}

// WriteAll inserts the batch in one transaction so a partially written batch
// never becomes visible.
func (s *Store) WriteAll(ctx context.Context, findings []detection.Finding) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("session_id", s.sessionID.String()),
		attribute.Int("count", len(findings)),
	)

	return s.executeAndTrace(ctx, "postgres.insert_findings_batch", dbAttrs, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()

		return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
			batch := new(pgx.Batch)
			now := time.Now().UTC()
			for _, f := range findings {
				batch.Queue(insertFindingQuery,
					pgtype.UUID{Bytes: s.sessionID, Valid: true},
					f.FilePath,
					f.ChunkIndex,
					f.Label,
					f.Match,
					f.Engine,
					f.Confidence,
					f.Metadata,
					now,
				)
			}
			if err := tx.SendBatch(ctx, batch).Close(); err != nil {
				return fmt.Errorf("batch insert error: %w", err)
			}
			return nil
		})
	})
}

const insertScanErrorQuery = `
INSERT INTO scan_errors (session_id, category, message, error_count, sampled_paths, sampled_out, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

func (s *Store) WriteErrorSummary(ctx context.Context, errs map[detection.ErrorCategory]detection.ErrorRecord) error {
	if len(errs) == 0 {
		return nil
	}

	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("session_id", s.sessionID.String()),
		attribute.Int("categories", len(errs)),
	)

	return s.executeAndTrace(ctx, "postgres.insert_error_summary", dbAttrs, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
			now := time.Now().UTC()
			for cat, rec := range errs {
				_, err := tx.Exec(ctx, insertScanErrorQuery,
					pgtype.UUID{Bytes: s.sessionID, Valid: true},
					string(cat),
					rec.Message,
					rec.Count,
					rec.Paths,
					rec.SampledOut,
					now,
				)
				if err != nil {
					return fmt.Errorf("insert scan error record: %w", err)
				}
			}
			return nil
		})
	})
}

// Close is a no-op; pool lifecycle belongs to the caller.
func (s *Store) Close() error { return nil }
