package migration

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

type step struct {
	name string
	run  func(*Migration) error
}

var steps = []step{
	{name: "abandon_inflight_dispatches", run: abandonInflightDispatches},
	{name: "reset_instance_status", run: resetInstanceStatus},
}

// Migration is passed to each step. DB is set by RunAll.
type Migration struct {
	DB   *gorm.DB
	Now  time.Time
	logs []string
}

func (m *Migration) Log(v ...interface{}) {
	m.logs = append(m.logs, fmt.Sprint(v...))
}

func (m *Migration) Logs() []string {
	return append([]string(nil), m.logs...)
}

// RunAll runs every step in order. Steps must be idempotent: they run on
// every start, not once.
func RunAll(db *gorm.DB) error {
	if db == nil {
		return fmt.Errorf("db is required")
	}
	ctx := &Migration{DB: db, Now: time.Now().UTC()}
	for _, s := range steps {
		ctx.logs = nil
		if err := s.run(ctx); err != nil {
			return fmt.Errorf("migration %s failed: %w", s.name, err)
		}
	}
	return nil
}

// Pending commands do not survive a restart, so dispatches still waiting
// for a result are closed out.
func abandonInflightDispatches(m *Migration) error {
	res := m.DB.Table("dispatches").
		Where("status IN ?", []string{"pending", "acked"}).
		Updates(map[string]any{
			"status":     "abandoned",
			"last_error": "control plane restarted",
			"updated_at": m.Now.Unix(),
		})
	if res.Error != nil {
		return res.Error
	}
	m.Log("abandoned dispatches: ", res.RowsAffected)
	return nil
}

// Instance processes die with the control plane.
func resetInstanceStatus(m *Migration) error {
	res := m.DB.Table("instances").
		Where("status <> ?", "stopped").
		Updates(map[string]any{
			"status":      "stopped",
			"stop_reason": "control plane restarted",
			"stopped_at":  m.Now.Unix(),
			"pid":         0,
		})
	if res.Error != nil {
		return res.Error
	}
	m.Log("reset instances: ", res.RowsAffected)
	return nil
}
