package db

import (
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
)

var memSeq atomic.Int64

func memoryDSN() string {
	return fmt.Sprintf("file:dbtest_%d?mode=memory&cache=shared", memSeq.Add(1))
}

func TestOpenWithMigrations_CreatesTables(t *testing.T) {
	gdb, err := OpenWithMigrations(filepath.Join(t.TempDir(), "creator.db"))
	if err != nil {
		t.Fatalf("OpenWithMigrations failed: %v", err)
	}
	defer Close(gdb)

	for _, name := range []string{"dispatches", "instances", "workspace_files"} {
		if !gdb.Migrator().HasTable(name) {
			t.Fatalf("missing table %s", name)
		}
	}

	var timeout int
	if err := gdb.Raw(`PRAGMA busy_timeout;`).Scan(&timeout).Error; err != nil {
		t.Fatalf("query busy_timeout failed: %v", err)
	}
	if timeout < 5000 {
		t.Fatalf("expected busy_timeout >= 5000, got %d", timeout)
	}
}

func TestMigrateUp_IsIdempotentAndAbandonsInflight(t *testing.T) {
	gdb, err := OpenWithMigrations(memoryDSN())
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer Close(gdb)

	rows := []Dispatch{
		{DispatchID: "d1", UserID: "u", Status: "pending"},
		{DispatchID: "d2", UserID: "u", Status: "acked"},
		{DispatchID: "d3", UserID: "u", Status: "completed"},
	}
	if err := gdb.Create(&rows).Error; err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if err := gdb.Create(&Instance{UserID: "u", Status: "running", PID: 42}).Error; err != nil {
		t.Fatalf("seed instance failed: %v", err)
	}

	if err := MigrateUp(gdb); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}

	var got []Dispatch
	if err := gdb.Order("dispatch_id").Find(&got).Error; err != nil {
		t.Fatalf("list failed: %v", err)
	}
	want := map[string]string{"d1": "abandoned", "d2": "abandoned", "d3": "completed"}
	for _, d := range got {
		if d.Status != want[d.DispatchID] {
			t.Fatalf("dispatch %s: expected %s, got %s", d.DispatchID, want[d.DispatchID], d.Status)
		}
	}
	var inst Instance
	if err := gdb.First(&inst, "user_id = ?", "u").Error; err != nil {
		t.Fatalf("load instance failed: %v", err)
	}
	if inst.Status != "stopped" || inst.PID != 0 {
		t.Fatalf("expected instance reset, got %#v", inst)
	}
}
