package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	dbmodel "github.com/SecureAI-Team/creator-sub000/internal/db"
)

type WorkspaceStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewWorkspaceStore(db *gorm.DB) (*WorkspaceStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &WorkspaceStore{db: db, now: time.Now}, nil
}

func (s *WorkspaceStore) Put(ctx context.Context, userID, path string, content []byte) (dbmodel.WorkspaceFile, error) {
	if s == nil || s.db == nil {
		return dbmodel.WorkspaceFile{}, errNotInitialized
	}
	if userID == "" || path == "" {
		return dbmodel.WorkspaceFile{}, errors.New("user id and path are required")
	}
	sum := sha256.Sum256(content)
	row := dbmodel.WorkspaceFile{
		UserID:    userID,
		Path:      path,
		Content:   content,
		SHA256:    hex.EncodeToString(sum[:]),
		UpdatedAt: s.now().UTC().Unix(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "path"}},
		DoUpdates: clause.AssignmentColumns([]string{"content", "sha256", "updated_at"}),
	}).Create(&row).Error
	return row, err
}

func (s *WorkspaceStore) List(ctx context.Context, userID string) ([]dbmodel.WorkspaceFile, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}
	var rows []dbmodel.WorkspaceFile
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("path").Find(&rows).Error
	return rows, err
}

func (s *WorkspaceStore) Delete(ctx context.Context, userID, path string) error {
	if s == nil || s.db == nil {
		return errNotInitialized
	}
	return s.db.WithContext(ctx).Where("user_id = ? AND path = ?", userID, path).Delete(&dbmodel.WorkspaceFile{}).Error
}
