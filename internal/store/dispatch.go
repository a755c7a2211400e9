// Package store persists router dispatches, automation instance history
// and server-held workspace files on top of the shared gorm handle.
package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	dbmodel "github.com/SecureAI-Team/creator-sub000/internal/db"
)

const (
	DispatchPending   = "pending"
	DispatchAcked     = "acked"
	DispatchCompleted = "completed"
	DispatchFailed    = "failed"
	DispatchDeduped   = "deduped"
	// DispatchAbandoned is set by the startup migration on records a
	// restart left pending or acked.
	DispatchAbandoned = "abandoned"
)

var errNotInitialized = errors.New("store is not initialized")

type DispatchStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewDispatchStore uses the shared DB. Caller must not close the db.
func NewDispatchStore(db *gorm.DB) (*DispatchStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &DispatchStore{db: db, now: time.Now}, nil
}

func (s *DispatchStore) Create(ctx context.Context, d dbmodel.Dispatch) error {
	if s == nil || s.db == nil {
		return errNotInitialized
	}
	if d.DispatchID == "" {
		return errors.New("dispatch id is required")
	}
	now := s.now().UTC().Unix()
	if d.CreatedAt == 0 {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	if d.Status == "" {
		d.Status = DispatchPending
	}
	return s.db.WithContext(ctx).Create(&d).Error
}

// DispatchUpdate carries the fields a routing decision or completion sets.
// Empty strings leave the column untouched.
type DispatchUpdate struct {
	Route          string
	Status         string
	RelayRequestID string
	Stage          string
	ReplyJSON      string
	LastError      string
}

func (s *DispatchStore) Update(ctx context.Context, dispatchID string, u DispatchUpdate) error {
	if s == nil || s.db == nil {
		return errNotInitialized
	}
	fields := map[string]any{"updated_at": s.now().UTC().Unix()}
	set := func(col, v string) {
		if v != "" {
			fields[col] = v
		}
	}
	set("route", u.Route)
	set("status", u.Status)
	set("relay_request_id", u.RelayRequestID)
	set("stage", u.Stage)
	set("reply_json", u.ReplyJSON)
	set("last_error", u.LastError)
	return s.db.WithContext(ctx).Model(&dbmodel.Dispatch{}).Where("dispatch_id = ?", dispatchID).Updates(fields).Error
}

// CompleteByRelayRequest records a late completion reported by the relay.
// It reports whether a dispatch matched.
func (s *DispatchStore) CompleteByRelayRequest(ctx context.Context, relayRequestID string, u DispatchUpdate) (bool, error) {
	if s == nil || s.db == nil {
		return false, errNotInitialized
	}
	if relayRequestID == "" {
		return false, errors.New("relay request id is required")
	}
	var d dbmodel.Dispatch
	err := s.db.WithContext(ctx).Where("relay_request_id = ?", relayRequestID).First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, s.Update(ctx, d.DispatchID, u)
}

func (s *DispatchStore) Get(ctx context.Context, dispatchID string) (dbmodel.Dispatch, error) {
	if s == nil || s.db == nil {
		return dbmodel.Dispatch{}, errNotInitialized
	}
	var d dbmodel.Dispatch
	err := s.db.WithContext(ctx).Where("dispatch_id = ?", dispatchID).First(&d).Error
	return d, err
}

func (s *DispatchStore) ListByUser(ctx context.Context, userID string, limit int) ([]dbmodel.Dispatch, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}
	if limit <= 0 {
		limit = 20
	}
	rows := make([]dbmodel.Dispatch, 0, limit)
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "created_at"}, Desc: true}).
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
