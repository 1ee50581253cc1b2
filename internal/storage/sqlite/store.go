// Package sqlite provides the default on-disk metadata store built on GORM.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"go.uber.org/zap"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/JakeFAU/inat-scraper/internal/inat"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const pageSize = 500

// Config locates the database file.
type Config struct {
	// Path is the database file. ":memory:" opens a private in-memory database.
	Path  string
	Table string
	Debug bool
}

type observationRow struct {
	ID               int64    `gorm:"primaryKey;autoIncrement:false"`
	TaxonID          int64    `gorm:"not null;index"`
	ImageURL         string   `gorm:"not null"`
	ScientificName   string   `gorm:"not null"`
	CommonName       string   `gorm:"not null"`
	QualityGrade     string   `gorm:"not null"`
	ObservedOn       string   `gorm:"not null"`
	UserLogin        string   `gorm:"not null"`
	License          string   `gorm:"not null"`
	URL              string   `gorm:"column:url;not null"`
	Latitude         *float64
	Longitude        *float64
	ImageStatus      string   `gorm:"not null;index"`
	ImageURI         string   `gorm:"column:image_uri;not null"`
	ImageSHA256      string   `gorm:"column:image_sha256;not null"`
	ImageBytes       int64    `gorm:"not null"`
	AnnotationStatus string   `gorm:"not null;index"`
	Annotations      *string
	Attempts         int       `gorm:"not null"`
	LastError        string    `gorm:"not null"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime:false"`
}

type taxonRow struct {
	TaxonID int64  `gorm:"primaryKey;autoIncrement:false"`
	Name    string `gorm:"not null"`
}

func (taxonRow) TableName() string { return "taxa" }

type runRow struct {
	ID         string    `gorm:"primaryKey"`
	Pipeline   string    `gorm:"not null"`
	StartedAt  time.Time `gorm:"not null;index"`
	FinishedAt *time.Time
	Status     string `gorm:"not null"`
	Succeeded  int64
	Failed     int64
	Note       string
}

func (runRow) TableName() string { return "runs" }

// Store persists observations, taxa and runs in a SQLite file.
type Store struct {
	db    *gorm.DB
	table string
	now   func() time.Time
}

// Open opens (creating if needed) the database at cfg.Path and migrates the
// schema.
func Open(cfg Config, log *zap.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store.path is required")
	}
	if cfg.Table == "" {
		cfg.Table = "observations"
	}
	if !validTableName.MatchString(cfg.Table) {
		return nil, fmt.Errorf("invalid table name %q", cfg.Table)
	}
	dsn := cfg.Path
	if cfg.Path != ":memory:" {
		if dir := filepath.Dir(cfg.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database dir: %w", err)
			}
		}
		dsn = fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000", cfg.Path)
	}

	level := logger.Silent
	if cfg.Debug {
		level = logger.Info
	}
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(level),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", cfg.Path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite handle: %w", err)
	}
	// A single connection serializes writers and keeps ":memory:" shared.
	sqlDB.SetMaxOpenConns(1)

	s := &Store{
		db:    db,
		table: cfg.Table,
		now:   func() time.Time { return time.Now().UTC() },
	}
	if err := s.migrate(); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	if log != nil {
		log.Debug("sqlite store opened", zap.String("path", cfg.Path), zap.String("table", cfg.Table))
	}
	return s, nil
}

func (s *Store) migrate() error {
	if err := s.db.Table(s.table).AutoMigrate(&observationRow{}); err != nil {
		return fmt.Errorf("migrate %s: %w", s.table, err)
	}
	if err := s.db.AutoMigrate(&taxonRow{}, &runRow{}); err != nil {
		return fmt.Errorf("migrate taxa/runs: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("sqlite handle: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

// Upsert merges obs into the stored row inside one transaction.
func (s *Store) Upsert(ctx context.Context, obs inat.Observation) error {
	if obs.ID <= 0 {
		return &inat.StoreError{ObservationID: obs.ID, Op: "upsert", Cause: errors.New("invalid id")}
	}
	if obs.UpdatedAt.IsZero() {
		obs.UpdatedAt = s.now()
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing observationRow
		err := tx.Table(s.table).Where("id = ?", obs.ID).Take(&existing).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err //nolint:wrapcheck // wrapped below
		}
		merged := toRow(fromRow(existing).Merge(obs))
		return tx.Table(s.table).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				UpdateAll: true,
			}).
			Create(&merged).Error
	})
	if err != nil {
		return &inat.StoreError{ObservationID: obs.ID, Op: "upsert", Cause: err}
	}
	return nil
}

// Get loads one observation.
func (s *Store) Get(ctx context.Context, id int64) (inat.Observation, error) {
	var row observationRow
	err := s.db.WithContext(ctx).Table(s.table).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return inat.Observation{}, fmt.Errorf("observation %d: %w", id, inat.ErrNotFound)
	}
	if err != nil {
		return inat.Observation{}, fmt.Errorf("get observation %d: %w", id, err)
	}
	return fromRow(row), nil
}

// Pending pages through the pending set by id so writes can interleave with
// the scan.
func (s *Store) Pending(ctx context.Context, q inat.PendingQuery) iter.Seq2[inat.Observation, error] {
	return func(yield func(inat.Observation, error) bool) {
		if err := validPipeline(q.Pipeline); err != nil {
			yield(inat.Observation{}, err)
			return
		}
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
			var rows []observationRow
			err := s.pending(s.db.WithContext(ctx), q).
				Where("id > ?", lastID).
				Order("id").
				Limit(limit).
				Find(&rows).Error
			if err != nil {
				yield(inat.Observation{}, fmt.Errorf("query pending: %w", err))
				return
			}
			for _, row := range rows {
				if !yield(fromRow(row), nil) {
					return
				}
				lastID = row.ID
				yielded++
			}
			if len(rows) < limit {
				return
			}
		}
	}
}

// Count returns the size of the pending set.
func (s *Store) Count(ctx context.Context, q inat.PendingQuery) (int64, error) {
	if err := validPipeline(q.Pipeline); err != nil {
		return 0, err
	}
	var n int64
	if err := s.pending(s.db.WithContext(ctx), q).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	if q.Limit > 0 && n > int64(q.Limit) {
		n = int64(q.Limit)
	}
	return n, nil
}

func (s *Store) pending(db *gorm.DB, q inat.PendingQuery) *gorm.DB {
	db = db.Table(s.table)
	switch q.Pipeline {
	case inat.PipelineScrape:
		if q.Force {
			return db
		}
		db = db.Where("image_status <> ?", string(inat.StatusStored))
		if !q.IncludeFailed {
			db = db.Where("image_status <> ?", string(inat.StatusFailed))
		}
	case inat.PipelineAnnotate:
		db = db.Where("image_status = ? AND annotation_status <> ?", string(inat.StatusStored), string(inat.StatusAnnotated))
		if !q.IncludeFailed {
			db = db.Where("annotation_status <> ?", string(inat.StatusFailed))
		}
	}
	return db
}

func validPipeline(p inat.Pipeline) error {
	if p != inat.PipelineScrape && p != inat.PipelineAnnotate {
		return fmt.Errorf("unknown pipeline %q", p)
	}
	return nil
}

// UpsertTaxa writes vernacular names in batches.
func (s *Store) UpsertTaxa(ctx context.Context, taxa []inat.Taxon) error {
	if len(taxa) == 0 {
		return nil
	}
	rows := make([]taxonRow, 0, len(taxa))
	for _, t := range taxa {
		rows = append(rows, taxonRow{TaxonID: t.ID, Name: t.Name})
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "taxon_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name"}),
		}).
		CreateInBatches(rows, pageSize).Error
	if err != nil {
		return fmt.Errorf("upsert taxa: %w", err)
	}
	return nil
}

// TaxonName returns the stored vernacular name for a taxon.
func (s *Store) TaxonName(ctx context.Context, id int64) (string, error) {
	var row taxonRow
	err := s.db.WithContext(ctx).Where("taxon_id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("taxon %d: %w", id, inat.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get taxon %d: %w", id, err)
	}
	return row.Name, nil
}

// UpsertRunStart inserts a running run row.
func (s *Store) UpsertRunStart(ctx context.Context, run inat.Run) error {
	row := runRow{
		ID:        run.ID,
		Pipeline:  string(run.Pipeline),
		StartedAt: run.StartedAt,
		Status:    string(inat.RunRunning),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"status"}),
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("upsert run start: %w", err)
	}
	return nil
}

// CompleteRun records the final status and counters of a run.
func (s *Store) CompleteRun(ctx context.Context, run inat.Run) error {
	res := s.db.WithContext(ctx).Model(&runRow{}).Where("id = ?", run.ID).Updates(map[string]any{
		"finished_at": run.FinishedAt,
		"status":      string(run.Status),
		"succeeded":   run.Succeeded,
		"failed":      run.Failed,
		"note":        run.Note,
	})
	if res.Error != nil {
		return fmt.Errorf("complete run: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("run %s: %w", run.ID, inat.ErrNotFound)
	}
	return nil
}

// GetRun loads one run.
func (s *Store) GetRun(ctx context.Context, id string) (inat.Run, error) {
	var row runRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return inat.Run{}, fmt.Errorf("run %s: %w", id, inat.ErrNotFound)
	}
	if err != nil {
		return inat.Run{}, fmt.Errorf("get run: %w", err)
	}
	return fromRunRow(row), nil
}

// ListRuns returns the latest runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]inat.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []runRow
	if err := s.db.WithContext(ctx).Order("started_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	out := make([]inat.Run, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromRunRow(row))
	}
	return out, nil
}

func fromRunRow(row runRow) inat.Run {
	return inat.Run{
		ID:         row.ID,
		Pipeline:   inat.Pipeline(row.Pipeline),
		StartedAt:  row.StartedAt,
		FinishedAt: row.FinishedAt,
		Status:     inat.RunStatus(row.Status),
		Succeeded:  row.Succeeded,
		Failed:     row.Failed,
		Note:       row.Note,
	}
}

func toRow(o inat.Observation) observationRow {
	return observationRow{
		ID:               o.ID,
		TaxonID:          o.TaxonID,
		ImageURL:         o.ImageURL,
		ScientificName:   o.ScientificName,
		CommonName:       o.CommonName,
		QualityGrade:     o.QualityGrade,
		ObservedOn:       o.ObservedOn,
		UserLogin:        o.UserLogin,
		License:          o.License,
		URL:              o.URL,
		Latitude:         o.Latitude,
		Longitude:        o.Longitude,
		ImageStatus:      string(o.ImageStatus),
		ImageURI:         o.ImageURI,
		ImageSHA256:      o.ImageSHA256,
		ImageBytes:       o.ImageBytes,
		AnnotationStatus: string(o.AnnotationStatus),
		Annotations:      o.Annotations,
		Attempts:         o.Attempts,
		LastError:        o.LastError,
		UpdatedAt:        o.UpdatedAt,
	}
}

func fromRow(r observationRow) inat.Observation {
	return inat.Observation{
		ID:               r.ID,
		TaxonID:          r.TaxonID,
		ImageURL:         r.ImageURL,
		ScientificName:   r.ScientificName,
		CommonName:       r.CommonName,
		QualityGrade:     r.QualityGrade,
		ObservedOn:       r.ObservedOn,
		UserLogin:        r.UserLogin,
		License:          r.License,
		URL:              r.URL,
		Latitude:         r.Latitude,
		Longitude:        r.Longitude,
		ImageStatus:      inat.Status(r.ImageStatus),
		ImageURI:         r.ImageURI,
		ImageSHA256:      r.ImageSHA256,
		ImageBytes:       r.ImageBytes,
		AnnotationStatus: inat.Status(r.AnnotationStatus),
		Annotations:      r.Annotations,
		Attempts:         r.Attempts,
		LastError:        r.LastError,
		UpdatedAt:        r.UpdatedAt,
	}
}
