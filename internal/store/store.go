// Package store persists box metadata records. It implements the runtime's
// source of truth for box identity and status using SQLite via GORM.
// Uses modernc.org/sqlite (pure Go, no CGO) through the glebarez/sqlite
// GORM driver, with WAL mode for concurrent readers.
//
// Records are synchronized per row by SQLite itself; the store holds no
// global lock, so unrelated boxes can be created and updated concurrently.
package store

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/boxkit/boxkit/errdefs"
)

// Box status values as persisted. The lifecycle semantics live in the
// runtime package; the store only validates that pid is absent outside
// Running/Stopping.
const (
	StatusUnknown    = "unknown"
	StatusConfigured = "configured"
	StatusRunning    = "running"
	StatusStopping   = "stopping"
	StatusStopped    = "stopped"
)

// Config holds store configuration.
type Config struct {
	Path        string // Database file path.
	JournalMode string // "wal" by default.
}

// Record is a persisted box. ID is a time-sortable unique identifier;
// Name is an optional unique secondary key (NULLs do not collide).
type Record struct {
	ID          string
	Name        string // empty = unnamed
	Status      string
	Pid         *int
	ContainerID string
	LockID      string
	CreatedAt   time.Time
	LastUpdated time.Time
	Image       string
	CPUs        int
	MemoryMiB   int
	Labels      map[string]string
}

// Store is the SQLite-backed record store.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	path   string
}

// Open creates or opens the store at cfg.Path.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, errdefs.New(errdefs.KindConfig, "store.open", "database path is required")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errdefs.Wrap(errdefs.KindStorage, "store.open", fmt.Errorf("creating database directory %s: %w", dir, err))
	}

	journalMode := cfg.JournalMode
	if journalMode == "" {
		journalMode = "wal"
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", cfg.Path, journalMode)

	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindStorage, "store.open", err)
	}

	s := &Store{db: db, logger: slogger, path: cfg.Path}
	if err := s.migrate(); err != nil {
		return nil, err
	}

	slogger.Debug("box store opened", slog.String("path", cfg.Path), slog.String("journal_mode", journalMode))
	return s, nil
}

func (s *Store) migrate() error {
	if err := s.db.AutoMigrate(&BoxModel{}); err != nil {
		return errdefs.Wrap(errdefs.KindStorage, "store.migrate", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Create inserts a new record. A name collision returns AlreadyExists.
func (s *Store) Create(ctx context.Context, rec *Record) error {
	model, err := toModel(rec)
	if err != nil {
		return errdefs.Wrap(errdefs.KindStorage, "store.create", err)
	}
	if err := s.db.WithContext(ctx).Create(model).Error; err != nil {
		if isUniqueViolation(err) {
			return errdefs.Newf(errdefs.KindAlreadyExists, "store.create", "box name %q is taken", rec.Name)
		}
		return errdefs.Wrap(errdefs.KindStorage, "store.create", err)
	}
	return nil
}

// Get returns the record with the given id.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	var model BoxModel
	err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if err == gorm.ErrRecordNotFound {
		return nil, errdefs.Newf(errdefs.KindNotFound, "store.get", "box %s", id)
	}
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindStorage, "store.get", err)
	}
	return fromModel(&model)
}

// GetByIDOrName resolves a record by id first, then by unique name.
func (s *Store) GetByIDOrName(ctx context.Context, idOrName string) (*Record, error) {
	rec, err := s.Get(ctx, idOrName)
	if err == nil {
		return rec, nil
	}
	if !errdefs.IsNotFound(err) {
		return nil, err
	}

	var model BoxModel
	err = s.db.WithContext(ctx).First(&model, "name = ?", idOrName).Error
	if err == gorm.ErrRecordNotFound {
		return nil, errdefs.Newf(errdefs.KindNotFound, "store.get", "box %s", idOrName)
	}
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindStorage, "store.get", err)
	}
	return fromModel(&model)
}

// List returns all records ordered by creation time.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	var models []BoxModel
	if err := s.db.WithContext(ctx).Order("created_at ASC, id ASC").Find(&models).Error; err != nil {
		return nil, errdefs.Wrap(errdefs.KindStorage, "store.list", err)
	}
	recs := make([]Record, 0, len(models))
	for i := range models {
		rec, err := fromModel(&models[i])
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindStorage, "store.list", err)
		}
		recs = append(recs, *rec)
	}
	return recs, nil
}

// Update persists the record's mutable fields and bumps LastUpdated.
// The status/pid invariant (pid only while running or stopping) is
// enforced here so no transition can persist an inconsistent record.
func (s *Store) Update(ctx context.Context, rec *Record) error {
	if rec.Pid != nil && rec.Status != StatusRunning && rec.Status != StatusStopping && rec.Status != StatusUnknown {
		return errdefs.Newf(errdefs.KindInternal, "store.update", "pid set while status is %s", rec.Status)
	}
	rec.LastUpdated = time.Now().UTC()
	model, err := toModel(rec)
	if err != nil {
		return errdefs.Wrap(errdefs.KindStorage, "store.update", err)
	}
	res := s.db.WithContext(ctx).Model(&BoxModel{}).Where("id = ?", rec.ID).Updates(map[string]any{
		"status":       model.Status,
		"pid":          model.Pid,
		"container_id": model.ContainerID,
		"lock_id":      model.LockID,
		"labels":       model.Labels,
		"last_updated": model.LastUpdated,
	})
	if res.Error != nil {
		return errdefs.Wrap(errdefs.KindStorage, "store.update", res.Error)
	}
	if res.RowsAffected == 0 {
		return errdefs.Newf(errdefs.KindNotFound, "store.update", "box %s", rec.ID)
	}
	return nil
}

// Delete removes the record with the given id.
func (s *Store) Delete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&BoxModel{}, "id = ?", id)
	if res.Error != nil {
		return errdefs.Wrap(errdefs.KindStorage, "store.delete", res.Error)
	}
	if res.RowsAffected == 0 {
		return errdefs.Newf(errdefs.KindNotFound, "store.delete", "box %s", id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// slogAdapter bridges GORM's printf-style logger onto slog.
type slogAdapter struct {
	logger *slog.Logger
}

func (a slogAdapter) Printf(format string, args ...any) {
	if a.logger != nil {
		a.logger.Warn(fmt.Sprintf(format, args...))
	}
}
