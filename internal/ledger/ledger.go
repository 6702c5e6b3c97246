// Package ledger records pipeline runs and their stage outcomes in SQLite.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"ftpipe/pkg/types"
)

// Ledger is a run history backed by gorm.
type Ledger struct {
	db *gorm.DB
}

// Open connects to the SQLite file at path (":memory:" for tests) and
// applies migrations.
func Open(path string) (*Ledger, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("ledger dir: %w", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise see its own empty database.
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}
	if err := migrator(db).Migrate(); err != nil {
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	return &Ledger{db: db}, nil
}

func migrator(db *gorm.DB) *gormigrate.Gormigrate {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			ID: "1",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&Run{}, &StageRecord{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&StageRecord{}, &Run{})
			},
		},
	})
	m.InitSchema(func(tx *gorm.DB) error {
		if err := tx.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
			return err
		}
		return tx.AutoMigrate(&Run{}, &StageRecord{})
	})
	return m
}

func (l *Ledger) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Begin inserts a running run.
func (l *Ledger) Begin(ctx context.Context, id, name, baseModel, dataset string) error {
	r := Run{
		Id:        id,
		Name:      name,
		BaseModel: baseModel,
		Dataset:   dataset,
		Status:    RunRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := l.db.WithContext(ctx).Create(&r).Error; err != nil {
		return fmt.Errorf("ledger begin %s: %w", id, err)
	}
	return nil
}

// RecordStage appends one stage outcome to run id. A nil stageErr is ok.
func (l *Ledger) RecordStage(ctx context.Context, id, stage string, dur time.Duration, stageErr error) error {
	rec := StageRecord{RunId: id, Name: stage, Outcome: OutcomeOK, DurationMS: dur.Milliseconds()}
	if stageErr != nil {
		rec.Outcome = OutcomeError
		rec.Error = stageErr.Error()
	}
	if err := l.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("ledger stage %s/%s: %w", id, stage, err)
	}
	return nil
}

// Outputs are the artifacts a finished run produced.
type Outputs struct {
	AdapterURI string
	MergedPath string
	Sample     string
}

// Finish marks run id succeeded, or failed when runErr is set.
func (l *Ledger) Finish(ctx context.Context, id string, out Outputs, runErr error) error {
	updates := map[string]any{
		"status":      RunSucceeded,
		"adapter_uri": out.AdapterURI,
		"merged_path": out.MergedPath,
		"sample":      out.Sample,
		"finished_at": sql.NullTime{Time: time.Now().UTC(), Valid: true},
	}
	if runErr != nil {
		updates["status"] = RunFailed
		updates["error"] = runErr.Error()
	}
	res := l.db.WithContext(ctx).Model(&Run{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("ledger finish %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("ledger finish: unknown run %s", id)
	}
	return nil
}

// Get returns run id with its stages.
func (l *Ledger) Get(ctx context.Context, id string) (types.RunSummary, error) {
	var r Run
	err := l.db.WithContext(ctx).
		Preload("Stages", func(tx *gorm.DB) *gorm.DB { return tx.Order("id ASC") }).
		First(&r, "id = ?", id).Error
	if err != nil {
		return types.RunSummary{}, fmt.Errorf("ledger get %s: %w", id, err)
	}
	return summary(r), nil
}

// List returns up to limit runs, newest first. limit <= 0 means all.
func (l *Ledger) List(ctx context.Context, limit int) ([]types.RunSummary, error) {
	var runs []Run
	q := l.db.WithContext(ctx).
		Preload("Stages", func(tx *gorm.DB) *gorm.DB { return tx.Order("id ASC") }).
		Order("started_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("ledger list: %w", err)
	}
	out := make([]types.RunSummary, 0, len(runs))
	for _, r := range runs {
		out = append(out, summary(r))
	}
	return out, nil
}

func summary(r Run) types.RunSummary {
	s := types.RunSummary{
		ID:         r.Id,
		Name:       r.Name,
		BaseModel:  r.BaseModel,
		Dataset:    r.Dataset,
		Status:     r.Status,
		AdapterURI: r.AdapterURI,
		MergedPath: r.MergedPath,
		Sample:     r.Sample,
		StartedAt:  r.StartedAt.Unix(),
	}
	if r.FinishedAt.Valid {
		s.FinishedAt = r.FinishedAt.Time.Unix()
	}
	for _, st := range r.Stages {
		s.Stages = append(s.Stages, types.StageSummary{
			Name:       st.Name,
			Outcome:    st.Outcome,
			DurationMS: st.DurationMS,
			Error:      st.Error,
		})
	}
	return s
}
