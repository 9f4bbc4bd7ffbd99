// Package store persists analysis records. One row per analysis unit: the
// full artifact as a JSON payload column plus the scalar columns the API
// queries by.
package store

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"

	"github.com/kestlerbio/epilens/internal/artifact"
	"github.com/kestlerbio/epilens/internal/faults"
	"github.com/kestlerbio/epilens/internal/platform/logger"
)

type AnalysisRecord struct {
	ID         uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	UnitID     string         `gorm:"column:unit_id;not null;uniqueIndex" json:"unit_id"`
	RunID      string         `gorm:"column:run_id;not null;index" json:"run_id"`
	AntibodyID string         `gorm:"column:antibody_id;not null;index" json:"antibody_id"`
	TargetID   string         `gorm:"column:target_id;index" json:"target_id"`
	Head       string         `gorm:"column:head;not null" json:"head"`
	Flagged    bool           `gorm:"column:flagged;not null;default:false" json:"flagged"`
	Record     datatypes.JSON `gorm:"column:record;not null" json:"record"`
	CreatedAt  time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt  time.Time      `gorm:"not null" json:"updated_at"`
}

func (AnalysisRecord) TableName() string { return "analysis_record" }

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&AnalysisRecord{})
}

// Open connects by DSN shape: postgres URLs and key=value strings go to the
// postgres driver, anything else is treated as a sqlite path.
func Open(dsn string, log *logger.Logger) (*gorm.DB, error) {
	cfg := &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	}
	var (
		db  *gorm.DB
		err error
	)
	if strings.HasPrefix(dsn, "postgres://") || strings.Contains(dsn, "host=") {
		db, err = gorm.Open(postgres.Open(dsn), cfg)
	} else {
		db, err = gorm.Open(sqlite.Open(dsn), cfg)
	}
	if err != nil {
		return nil, faults.Wrap(faults.KindResource, "store.open", err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, faults.Wrap(faults.KindResource, "store.migrate", err)
	}
	log.Info("analysis store ready", "dsn_kind", dsnKind(dsn))
	return db, nil
}

func dsnKind(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// Store is the persistence surface the analyzer and the API use. Lookups
// return nil without error when nothing matches.
type Store interface {
	Save(ctx context.Context, rec *artifact.Record) error
	GetByUnitID(ctx context.Context, unitID string) (*artifact.Record, error)
	ListByRunID(ctx context.Context, runID string) ([]*artifact.Record, error)
	ListByAntibody(ctx context.Context, antibodyID string, limit int) ([]*artifact.Record, error)
}

type analysisStore struct {
	db  *gorm.DB
	log *logger.Logger
}

func New(db *gorm.DB, baseLog *logger.Logger) Store {
	return &analysisStore{db: db, log: baseLog.With("component", "store")}
}

func (s *analysisStore) Save(ctx context.Context, rec *artifact.Record) error {
	if err := rec.Check(); err != nil {
		return err
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return faults.Wrap(faults.KindInput, "store.save", err)
	}
	row := &AnalysisRecord{
		ID:         uuid.New(),
		UnitID:     rec.UnitID,
		RunID:      rec.RunID,
		AntibodyID: rec.AntibodyID,
		TargetID:   rec.TargetID,
		Head:       rec.Head,
		Flagged:    len(rec.Flags) > 0,
		Record:     raw,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "unit_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"run_id", "antibody_id", "target_id", "head", "flagged", "record", "updated_at",
			}),
		}).
		Create(row).Error
}

func (s *analysisStore) GetByUnitID(ctx context.Context, unitID string) (*artifact.Record, error) {
	if strings.TrimSpace(unitID) == "" {
		return nil, nil
	}
	var row AnalysisRecord
	if err := s.db.WithContext(ctx).Where("unit_id = ?", unitID).First(&row).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return decode(&row)
}

func (s *analysisStore) ListByRunID(ctx context.Context, runID string) ([]*artifact.Record, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, nil
	}
	var rows []AnalysisRecord
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("created_at asc").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return decodeAll(rows)
}

func (s *analysisStore) ListByAntibody(ctx context.Context, antibodyID string, limit int) ([]*artifact.Record, error) {
	if strings.TrimSpace(antibodyID) == "" {
		return nil, nil
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var rows []AnalysisRecord
	if err := s.db.WithContext(ctx).
		Where("antibody_id = ?", antibodyID).
		Order("created_at desc").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return decodeAll(rows)
}

func decode(row *AnalysisRecord) (*artifact.Record, error) {
	var rec artifact.Record
	if err := json.Unmarshal(row.Record, &rec); err != nil {
		return nil, faults.Wrap(faults.KindResource, "store.decode", err)
	}
	return &rec, nil
}

func decodeAll(rows []AnalysisRecord) ([]*artifact.Record, error) {
	out := make([]*artifact.Record, 0, len(rows))
	for i := range rows {
		rec, err := decode(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
