package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	dbmodel "github.com/SecureAI-Team/creator-sub000/internal/db"
)

type InstanceStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewInstanceStore(db *gorm.DB) (*InstanceStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &InstanceStore{db: db, now: time.Now}, nil
}

// RecordStart upserts the instance row and bumps its start counter.
func (s *InstanceStore) RecordStart(ctx context.Context, userID string, port, pid int) error {
	if s == nil || s.db == nil {
		return errNotInitialized
	}
	now := s.now().UTC().Unix()
	row := dbmodel.Instance{
		UserID:       userID,
		Port:         port,
		PID:          pid,
		Status:       "starting",
		StartedAt:    now,
		LastActiveAt: now,
		Starts:       1,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"port":           port,
			"pid":            pid,
			"status":         "starting",
			"started_at":     now,
			"last_active_at": now,
			"stopped_at":     0,
			"stop_reason":    "",
			"starts":         gorm.Expr("instances.starts + 1"),
		}),
	}).Create(&row).Error
}

func (s *InstanceStore) SetStatus(ctx context.Context, userID, status string) error {
	if s == nil || s.db == nil {
		return errNotInitialized
	}
	return s.db.WithContext(ctx).Model(&dbmodel.Instance{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{"status": status, "last_active_at": s.now().UTC().Unix()}).Error
}

func (s *InstanceStore) RecordStop(ctx context.Context, userID, reason string) error {
	if s == nil || s.db == nil {
		return errNotInitialized
	}
	return s.db.WithContext(ctx).Model(&dbmodel.Instance{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{
			"status":      "stopped",
			"pid":         0,
			"stopped_at":  s.now().UTC().Unix(),
			"stop_reason": reason,
		}).Error
}

func (s *InstanceStore) Get(ctx context.Context, userID string) (dbmodel.Instance, error) {
	if s == nil || s.db == nil {
		return dbmodel.Instance{}, errNotInitialized
	}
	var row dbmodel.Instance
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&row).Error
	return row, err
}
