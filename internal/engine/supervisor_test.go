package engine

import (
	"context"
	"errors"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/SecureAI-Team/creator-sub000/internal/apperr"
	"github.com/SecureAI-Team/creator-sub000/internal/automation"
)

type fakeProcess struct {
	pid        int
	ignoreTerm bool
	once       sync.Once
	done       chan struct{}
}

func (p *fakeProcess) PID() int { return p.pid }

func (p *fakeProcess) Signal(sig os.Signal) error {
	if sig == syscall.SIGTERM && p.ignoreTerm {
		return nil
	}
	p.crash()
	return nil
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) crash() { p.once.Do(func() { close(p.done) }) }

type fakeLauncher struct {
	ignoreTerm bool
	mu         sync.Mutex
	procs      []*fakeProcess
	specs      []automation.LaunchSpec
}

func (l *fakeLauncher) Launch(ctx context.Context, spec automation.LaunchSpec) (automation.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := &fakeProcess{pid: 100 + len(l.procs), ignoreTerm: l.ignoreTerm, done: make(chan struct{})}
	l.procs = append(l.procs, p)
	l.specs = append(l.specs, spec)
	return p, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

func (l *fakeLauncher) latest() *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[len(l.procs)-1]
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func TestStartIsIdempotent(t *testing.T) {
	l := &fakeLauncher{}
	s := NewSupervisor(Options{Launcher: l, Workspace: "/ws", Port: 18789})

	for range 3 {
		if err := s.Start(context.Background()); err != nil {
			t.Fatalf("start: %v", err)
		}
	}
	if l.count() != 1 || !s.Running() {
		t.Fatalf("expected a single running engine, launches=%d", l.count())
	}
	if l.specs[0].Port != 18789 || l.specs[0].Workspace != "/ws" {
		t.Fatalf("unexpected launch spec: %#v", l.specs[0])
	}
}

func TestUnexpectedExitRestartsAndReports(t *testing.T) {
	l := &fakeLauncher{}
	reports := make(chan ExitReport, 4)
	s := NewSupervisor(Options{
		Launcher:       l,
		RestartDelay:   10 * time.Millisecond,
		CrashThreshold: 2,
		OnExit:         func(r ExitReport) { reports <- r },
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	l.latest().crash()
	r := <-reports
	if r.Exits != 1 || r.CrashLoop {
		t.Fatalf("unexpected first report: %#v", r)
	}
	waitFor(t, func() bool { return l.count() == 2 && s.Running() })

	l.latest().crash()
	r = <-reports
	if r.Exits != 2 || !r.CrashLoop {
		t.Fatalf("expected crash loop report: %#v", r)
	}
	time.Sleep(50 * time.Millisecond)
	if l.count() != 2 || s.Running() {
		t.Fatalf("crash loop must stop restarts, launches=%d", l.count())
	}
	if err := s.Start(context.Background()); !errors.Is(err, apperr.ErrCrashLoop) {
		t.Fatalf("expected crash loop error, got %v", err)
	}

	s.Reset()
	if err := s.Start(context.Background()); err != nil || l.count() != 3 {
		t.Fatalf("expected start after reset: %v launches=%d", err, l.count())
	}
}

func TestStopIsNotReportedAndEscalates(t *testing.T) {
	l := &fakeLauncher{ignoreTerm: true}
	reports := make(chan ExitReport, 1)
	s := NewSupervisor(Options{Launcher: l, StopGrace: 20 * time.Millisecond, OnExit: func(r ExitReport) { reports <- r }})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitFor(t, func() bool { return !s.Running() })
	select {
	case r := <-reports:
		t.Fatalf("requested stop must not be reported: %#v", r)
	case <-time.After(30 * time.Millisecond):
	}
	if s.Exits() != 0 {
		t.Fatalf("expected no counted exits, got %d", s.Exits())
	}
}

func TestBinary(t *testing.T) {
	if err := NewSupervisor(Options{}).Binary(); err == nil {
		t.Fatal("expected error without command")
	}
	if err := NewSupervisor(Options{Command: "definitely-not-a-real-binary-xyz"}).Binary(); err == nil {
		t.Fatal("expected lookup error")
	}
	if err := NewSupervisor(Options{Command: os.Args[0]}).Binary(); err != nil {
		t.Fatalf("test binary should resolve: %v", err)
	}
}
