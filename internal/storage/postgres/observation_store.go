// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/inat-scraper/internal/inat"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const pageSize = 500

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Begin(context.Context) (pgx.Tx, error)
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Store persists observations, taxa and runs in Postgres.
type Store struct {
	pool  pgxPool
	table string
	now   func() time.Time
}

// New connects a pool using cfg and returns a Store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewWithPool(pool, cfg.Table)
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool pgxPool, table string) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "observations"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Store{
		pool:  pool,
		table: table,
		now:   func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// EnsureSchema creates the observation, taxa and runs tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id BIGINT PRIMARY KEY,
	taxon_id BIGINT NOT NULL DEFAULT 0,
	image_url TEXT NOT NULL DEFAULT '',
	scientific_name TEXT NOT NULL DEFAULT '',
	common_name TEXT NOT NULL DEFAULT '',
	quality_grade TEXT NOT NULL DEFAULT '',
	observed_on TEXT NOT NULL DEFAULT '',
	user_login TEXT NOT NULL DEFAULT '',
	license TEXT NOT NULL DEFAULT '',
	url TEXT NOT NULL DEFAULT '',
	latitude DOUBLE PRECISION,
	longitude DOUBLE PRECISION,
	image_status TEXT NOT NULL DEFAULT 'pending',
	image_uri TEXT NOT NULL DEFAULT '',
	image_sha256 TEXT NOT NULL DEFAULT '',
	image_bytes BIGINT NOT NULL DEFAULT 0,
	annotation_status TEXT NOT NULL DEFAULT 'pending',
	annotations TEXT,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.table),
		`
CREATE TABLE IF NOT EXISTS taxa (
	taxon_id BIGINT PRIMARY KEY,
	name TEXT NOT NULL
)`,
		`
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	pipeline TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	status TEXT NOT NULL,
	succeeded BIGINT NOT NULL DEFAULT 0,
	failed BIGINT NOT NULL DEFAULT 0,
	note TEXT NOT NULL DEFAULT ''
)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

const observationColumns = `id, taxon_id, image_url, scientific_name, common_name, quality_grade,
	observed_on, user_login, license, url, latitude, longitude,
	image_status, image_uri, image_sha256, image_bytes,
	annotation_status, annotations, attempts, last_error, updated_at`

// Upsert merges obs into the stored row inside one transaction.
func (s *Store) Upsert(ctx context.Context, obs inat.Observation) error {
	if obs.ID <= 0 {
		return &inat.StoreError{ObservationID: obs.ID, Op: "upsert", Cause: errors.New("invalid id")}
	}
	if obs.UpdatedAt.IsZero() {
		obs.UpdatedAt = s.now()
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &inat.StoreError{ObservationID: obs.ID, Op: "begin", Cause: err}
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	existing, err := scanObservation(tx.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE id = $1 FOR UPDATE", observationColumns, s.table), obs.ID))
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return &inat.StoreError{ObservationID: obs.ID, Op: "select", Cause: err}
	}
	merged := existing.Merge(obs)

	query := fmt.Sprintf(`
INSERT INTO %s (%s) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21
)
ON CONFLICT (id) DO UPDATE SET
	taxon_id = EXCLUDED.taxon_id,
	image_url = EXCLUDED.image_url,
	scientific_name = EXCLUDED.scientific_name,
	common_name = EXCLUDED.common_name,
	quality_grade = EXCLUDED.quality_grade,
	observed_on = EXCLUDED.observed_on,
	user_login = EXCLUDED.user_login,
	license = EXCLUDED.license,
	url = EXCLUDED.url,
	latitude = EXCLUDED.latitude,
	longitude = EXCLUDED.longitude,
	image_status = EXCLUDED.image_status,
	image_uri = EXCLUDED.image_uri,
	image_sha256 = EXCLUDED.image_sha256,
	image_bytes = EXCLUDED.image_bytes,
	annotation_status = EXCLUDED.annotation_status,
	annotations = EXCLUDED.annotations,
	attempts = EXCLUDED.attempts,
	last_error = EXCLUDED.last_error,
	updated_at = EXCLUDED.updated_at`, s.table, observationColumns)
	if _, err := tx.Exec(ctx, query, observationArgs(merged)...); err != nil {
		return &inat.StoreError{ObservationID: obs.ID, Op: "upsert", Cause: err}
	}
	if err := tx.Commit(ctx); err != nil {
		return &inat.StoreError{ObservationID: obs.ID, Op: "commit", Cause: err}
	}
	return nil
}

// Get loads one observation.
func (s *Store) Get(ctx context.Context, id int64) (inat.Observation, error) {
	obs, err := scanObservation(s.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE id = $1", observationColumns, s.table), id))
	if errors.Is(err, pgx.ErrNoRows) {
		return inat.Observation{}, fmt.Errorf("observation %d: %w", id, inat.ErrNotFound)
	}
	if err != nil {
		return inat.Observation{}, fmt.Errorf("get observation %d: %w", id, err)
	}
	return obs, nil
}

// Pending pages through the pending set by id so no cursor stays open while
// the writer updates rows.
func (s *Store) Pending(ctx context.Context, q inat.PendingQuery) iter.Seq2[inat.Observation, error] {
	return func(yield func(inat.Observation, error) bool) {
		where, err := pendingPredicate(q)
		if err != nil {
			yield(inat.Observation{}, err)
			return
		}
		query := fmt.Sprintf("SELECT %s FROM %s WHERE (%s) AND id > $1 ORDER BY id LIMIT $2",
			observationColumns, s.table, where)
		var (
			lastID  int64
			yielded int
		)
		for {
			limit := pageSize
			if q.Limit > 0 && q.Limit-yielded < limit {
				limit = q.Limit - yielded
			}
			if limit <= 0 {
				return
			}
			page, err := s.page(ctx, query, lastID, limit)
			if err != nil {
				yield(inat.Observation{}, err)
				return
			}
			for _, obs := range page {
				if !yield(obs, nil) {
					return
				}
				lastID = obs.ID
				yielded++
			}
			if len(page) < limit {
				return
			}
		}
	}
}

func (s *Store) page(ctx context.Context, query string, after int64, limit int) ([]inat.Observation, error) {
	rows, err := s.pool.Query(ctx, query, after, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer rows.Close()
	var out []inat.Observation
	for rows.Next() {
		obs, err := scanObservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		out = append(out, obs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending: %w", err)
	}
	return out, nil
}

// Count returns the size of the pending set.
func (s *Store) Count(ctx context.Context, q inat.PendingQuery) (int64, error) {
	where, err := pendingPredicate(q)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := s.pool.QueryRow(ctx, fmt.Sprintf("SELECT count(*) FROM %s WHERE %s", s.table, where)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	if q.Limit > 0 && n > int64(q.Limit) {
		n = int64(q.Limit)
	}
	return n, nil
}

// UpsertTaxa writes vernacular names in one transaction.
func (s *Store) UpsertTaxa(ctx context.Context, taxa []inat.Taxon) error {
	if len(taxa) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin taxa: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	batch := &pgx.Batch{}
	for _, t := range taxa {
		batch.Queue(`INSERT INTO taxa (taxon_id, name) VALUES ($1, $2)
ON CONFLICT (taxon_id) DO UPDATE SET name = EXCLUDED.name`, t.ID, t.Name)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert taxa: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit taxa: %w", err)
	}
	return nil
}

// TaxonName returns the stored vernacular name for a taxon.
func (s *Store) TaxonName(ctx context.Context, id int64) (string, error) {
	var name string
	err := s.pool.QueryRow(ctx, "SELECT name FROM taxa WHERE taxon_id = $1", id).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("taxon %d: %w", id, inat.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get taxon %d: %w", id, err)
	}
	return name, nil
}

// UpsertRunStart inserts a running run row.
func (s *Store) UpsertRunStart(ctx context.Context, run inat.Run) error {
	query := `
		INSERT INTO runs (id, pipeline, started_at, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status
		WHERE runs.status <> EXCLUDED.status`
	if _, err := s.pool.Exec(ctx, query, run.ID, string(run.Pipeline), run.StartedAt, string(inat.RunRunning)); err != nil {
		return fmt.Errorf("upsert run start: %w", err)
	}
	return nil
}

// CompleteRun records the final status and counters of a run.
func (s *Store) CompleteRun(ctx context.Context, run inat.Run) error {
	query := `
		UPDATE runs
		SET finished_at = $2, status = $3, succeeded = $4, failed = $5, note = $6
		WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, run.ID, run.FinishedAt, string(run.Status), run.Succeeded, run.Failed, run.Note)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s: %w", run.ID, inat.ErrNotFound)
	}
	return nil
}

func pendingPredicate(q inat.PendingQuery) (string, error) {
	var clauses []string
	switch q.Pipeline {
	case inat.PipelineScrape:
		if q.Force {
			return "TRUE", nil
		}
		clauses = append(clauses, "image_status <> 'stored'")
		if !q.IncludeFailed {
			clauses = append(clauses, "image_status <> 'failed'")
		}
	case inat.PipelineAnnotate:
		clauses = append(clauses, "image_status = 'stored'", "annotation_status <> 'annotated'")
		if !q.IncludeFailed {
			clauses = append(clauses, "annotation_status <> 'failed'")
		}
	default:
		return "", fmt.Errorf("unknown pipeline %q", q.Pipeline)
	}
	return strings.Join(clauses, " AND "), nil
}

func observationArgs(o inat.Observation) []any {
	return []any{
		o.ID,
		o.TaxonID,
		o.ImageURL,
		o.ScientificName,
		o.CommonName,
		o.QualityGrade,
		o.ObservedOn,
		o.UserLogin,
		o.License,
		o.URL,
		o.Latitude,
		o.Longitude,
		string(o.ImageStatus),
		o.ImageURI,
		o.ImageSHA256,
		o.ImageBytes,
		string(o.AnnotationStatus),
		o.Annotations,
		o.Attempts,
		o.LastError,
		o.UpdatedAt,
	}
}

func scanObservation(row pgx.Row) (inat.Observation, error) {
	var (
		o                           inat.Observation
		imageStatus, annotateStatus string
	)
	err := row.Scan(
		&o.ID,
		&o.TaxonID,
		&o.ImageURL,
		&o.ScientificName,
		&o.CommonName,
		&o.QualityGrade,
		&o.ObservedOn,
		&o.UserLogin,
		&o.License,
		&o.URL,
		&o.Latitude,
		&o.Longitude,
		&imageStatus,
		&o.ImageURI,
		&o.ImageSHA256,
		&o.ImageBytes,
		&annotateStatus,
		&o.Annotations,
		&o.Attempts,
		&o.LastError,
		&o.UpdatedAt,
	)
	if err != nil {
		return inat.Observation{}, err //nolint:wrapcheck // callers match pgx.ErrNoRows
	}
	o.ImageStatus = inat.Status(imageStatus)
	o.AnnotationStatus = inat.Status(annotateStatus)
	return o, nil
}

const runColumns = "id, pipeline, started_at, finished_at, status, succeeded, failed, note"

// GetRun loads one run.
func (s *Store) GetRun(ctx context.Context, id string) (inat.Run, error) {
	run, err := scanRun(s.pool.QueryRow(ctx, "SELECT "+runColumns+" FROM runs WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return inat.Run{}, fmt.Errorf("run %s: %w", id, inat.ErrNotFound)
	}
	if err != nil {
		return inat.Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns the latest runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]inat.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, "SELECT "+runColumns+" FROM runs ORDER BY started_at DESC LIMIT $1", limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var out []inat.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

func scanRun(row pgx.Row) (inat.Run, error) {
	var (
		run              inat.Run
		pipeline, status string
	)
	if err := row.Scan(&run.ID, &pipeline, &run.StartedAt, &run.FinishedAt, &status,
		&run.Succeeded, &run.Failed, &run.Note); err != nil {
		return inat.Run{}, err //nolint:wrapcheck // callers match pgx.ErrNoRows
	}
	run.Pipeline = inat.Pipeline(pipeline)
	run.Status = inat.RunStatus(status)
	return run, nil
}
