// Package history records finished batches in a local SQLite database so
// that failed units can be inspected and re-run later.
package history

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/rust4c/c2rust-agent-sub001/internal/batch"
	"github.com/rust4c/c2rust-agent-sub001/internal/model"
)

var (
	ErrRunNotFound     = errors.New("run not found")
	ErrAmbiguousRunID  = errors.New("run id prefix matches more than one run")
	ErrNoPreviousRun   = errors.New("no previous run recorded for root")
	errEmptyRunIDQuery = errors.New("empty run id")
)

// Run is one recorded batch.
type Run struct {
	ID          string       `gorm:"primaryKey;size:36" json:"id"`
	Root        string       `gorm:"index;not null" json:"root"`
	Command     string       `gorm:"size:32" json:"command"`
	Concurrency int          `json:"concurrency"`
	MaxAttempts int          `json:"max_attempts"`
	Total       int          `json:"total"`
	Succeeded   int          `json:"succeeded"`
	Failed      int          `json:"failed"`
	Error       string       `gorm:"type:text" json:"error,omitempty"`
	StartedAt   time.Time    `gorm:"index" json:"started_at"`
	FinishedAt  time.Time    `json:"finished_at"`
	Units       []UnitResult `gorm:"foreignKey:RunID;constraint:OnDelete:CASCADE" json:"units,omitempty"`
}

// UnitResult is the terminal state of one unit within a run.
type UnitResult struct {
	ID        uint   `gorm:"primaryKey" json:"-"`
	RunID     string `gorm:"index;size:36;not null" json:"-"`
	Position  int    `json:"position"`
	UnitID    string `gorm:"not null" json:"unit_id"`
	Path      string `json:"path"`
	Category  string `gorm:"size:64" json:"category,omitempty"`
	Status    string `gorm:"index;size:20" json:"status"`
	Attempts  int    `json:"attempts"`
	LastError string `gorm:"type:text" json:"last_error,omitempty"`
}

// Unit converts the record back into a schedulable unit.
func (u UnitResult) Unit() model.Unit {
	return model.Unit{ID: u.UnitID, Path: u.Path, Category: u.Category}
}

// Store wraps a gorm database holding Run and UnitResult tables.
type Store struct {
	db *gorm.DB
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.New().String()
}

// Open opens (creating if needed) the SQLite database at path and migrates it.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open history %s: %w", path, err)
	}
	s := NewStore(db)
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate history %s: %w", path, err)
	}
	return s, nil
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&Run{}, &UnitResult{})
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// NewRecord builds a Run from a finished batch report.
func NewRecord(id, root, command string, concurrency, maxAttempts int, report batch.Report, runErr error) Run {
	run := Run{
		ID:          id,
		Root:        root,
		Command:     command,
		Concurrency: concurrency,
		MaxAttempts: maxAttempts,
		Total:       report.Total,
		Succeeded:   report.Succeeded,
		Failed:      report.Failed,
		StartedAt:   report.StartedAt,
		FinishedAt:  report.FinishedAt,
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}
	run.Units = make([]UnitResult, 0, len(report.Jobs))
	for i, j := range report.Jobs {
		run.Units = append(run.Units, UnitResult{
			Position:  i,
			UnitID:    j.Unit.ID,
			Path:      j.Unit.Path,
			Category:  j.Unit.Category,
			Status:    j.Status,
			Attempts:  len(j.Attempts),
			LastError: j.LastError,
		})
	}
	return run
}

// SaveRun stores the run and its units in one transaction.
func (s *Store) SaveRun(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = NewRunID()
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(run).Error
	})
}

// RecentRuns lists runs newest first without their units. An empty root
// lists runs of every root.
func (s *Store) RecentRuns(ctx context.Context, root string, limit int) ([]Run, error) {
	var runs []Run
	q := s.db.WithContext(ctx).Order("started_at DESC")
	if strings.TrimSpace(root) != "" {
		q = q.Where("root = ?", root)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

// GetRun loads a run with its units by full id or unique id prefix.
func (s *Store) GetRun(ctx context.Context, idOrPrefix string) (*Run, error) {
	idOrPrefix = strings.TrimSpace(idOrPrefix)
	if idOrPrefix == "" {
		return nil, errEmptyRunIDQuery
	}
	var runs []Run
	err := s.db.WithContext(ctx).
		Where("id = ? OR id LIKE ?", idOrPrefix, idOrPrefix+"%").
		Limit(2).
		Find(&runs).Error
	if err != nil {
		return nil, err
	}
	switch len(runs) {
	case 0:
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, idOrPrefix)
	case 1:
	default:
		return nil, fmt.Errorf("%w: %s", ErrAmbiguousRunID, idOrPrefix)
	}
	return s.loadUnits(ctx, &runs[0])
}

// LatestRun returns the most recent run for root, with units.
func (s *Store) LatestRun(ctx context.Context, root string) (*Run, error) {
	var run Run
	err := s.db.WithContext(ctx).
		Where("root = ?", root).
		Order("started_at DESC").
		First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoPreviousRun, root)
	}
	if err != nil {
		return nil, err
	}
	return s.loadUnits(ctx, &run)
}

// FailedUnits returns the units that failed in the latest run for root.
func (s *Store) FailedUnits(ctx context.Context, root string) (*Run, []UnitResult, error) {
	run, err := s.LatestRun(ctx, root)
	if err != nil {
		return nil, nil, err
	}
	failed := make([]UnitResult, 0, run.Failed)
	for _, u := range run.Units {
		if u.Status == model.StatusFailed {
			failed = append(failed, u)
		}
	}
	return run, failed, nil
}

func (s *Store) loadUnits(ctx context.Context, run *Run) (*Run, error) {
	err := s.db.WithContext(ctx).
		Where("run_id = ?", run.ID).
		Order("position ASC").
		Find(&run.Units).Error
	if err != nil {
		return nil, err
	}
	return run, nil
}
