// Package engine supervises the local automation gateway process the
// bridge talks to.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/SecureAI-Team/creator-sub000/internal/apperr"
	"github.com/SecureAI-Team/creator-sub000/internal/automation"
)

const (
	DefaultRestartDelay   = 2 * time.Second
	DefaultCrashThreshold = 5
	DefaultStopGrace      = 5 * time.Second
)

// ExitReport describes an unexpected engine exit.
type ExitReport struct {
	PID       int
	Exits     int
	Uptime    time.Duration
	CrashLoop bool
}

type Options struct {
	Command        string
	Workspace      string
	Port           int
	Launcher       automation.Launcher
	RestartDelay   time.Duration
	CrashThreshold int
	StopGrace      time.Duration
	// OnExit is called for every exit the supervisor did not ask for.
	OnExit func(ExitReport)
	Logger *slog.Logger
}

type Supervisor struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	proc     automation.Process
	started  time.Time
	exits    int
	stopping bool
	restart  *time.Timer
}

func NewSupervisor(opts Options) *Supervisor {
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = DefaultRestartDelay
	}
	if opts.CrashThreshold <= 0 {
		opts.CrashThreshold = DefaultCrashThreshold
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = DefaultStopGrace
	}
	if opts.Launcher == nil {
		opts.Launcher = automation.ExecLauncher{Command: opts.Command}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{opts: opts, logger: logger.With("module", "engine")}
}

// Binary reports whether the engine executable can be found.
func (s *Supervisor) Binary() error {
	if s.opts.Command == "" {
		return errors.New("engine command is not configured")
	}
	_, err := exec.LookPath(s.opts.Command)
	return err
}

func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc != nil
}

func (s *Supervisor) Exits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exits
}

// Start launches the engine unless it is already running. After the
// crash-loop threshold is crossed Start fails with ErrCrashLoop until
// Reset is called.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc != nil {
		return nil
	}
	if s.exits >= s.opts.CrashThreshold {
		return apperr.ErrCrashLoop
	}
	s.stopping = false
	return s.launchLocked(ctx)
}

// Reset clears the exit count so a crash-looping engine may start again.
func (s *Supervisor) Reset() {
	s.mu.Lock()
	s.exits = 0
	s.mu.Unlock()
}

func (s *Supervisor) launchLocked(ctx context.Context) error {
	proc, err := s.opts.Launcher.Launch(ctx, automation.LaunchSpec{Workspace: s.opts.Workspace, Port: s.opts.Port})
	if err != nil {
		s.logger.Error("engine launch failed", "err", err)
		return err
	}
	s.proc = proc
	s.started = time.Now()
	s.logger.Info("engine started", "pid", proc.PID(), "port", s.opts.Port)
	go s.watch(proc)
	return nil
}

func (s *Supervisor) watch(proc automation.Process) {
	<-proc.Done()

	s.mu.Lock()
	if s.proc != proc {
		s.mu.Unlock()
		return
	}
	s.proc = nil
	if s.stopping {
		s.mu.Unlock()
		return
	}
	s.exits++
	report := ExitReport{
		PID:       proc.PID(),
		Exits:     s.exits,
		Uptime:    time.Since(s.started),
		CrashLoop: s.exits >= s.opts.CrashThreshold,
	}
	if !report.CrashLoop {
		s.restart = time.AfterFunc(s.opts.RestartDelay, s.restartNow)
	}
	s.mu.Unlock()

	s.logger.Warn("engine exited unexpectedly", "pid", report.PID, "exits", report.Exits, "crash_loop", report.CrashLoop)
	if s.opts.OnExit != nil {
		s.opts.OnExit(report)
	}
}

func (s *Supervisor) restartNow() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restart = nil
	if s.proc != nil || s.stopping {
		return
	}
	_ = s.launchLocked(context.Background())
}

// Stop terminates the engine, escalating to SIGKILL after the grace period.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopping = true
	if s.restart != nil {
		s.restart.Stop()
		s.restart = nil
	}
	proc := s.proc
	s.mu.Unlock()
	if proc == nil {
		return nil
	}

	_ = proc.Signal(syscall.SIGTERM)
	grace := time.NewTimer(s.opts.StopGrace)
	defer grace.Stop()
	select {
	case <-proc.Done():
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}
	s.logger.Warn("engine did not exit after SIGTERM; killing", "pid", proc.PID())
	_ = proc.Signal(syscall.SIGKILL)
	select {
	case <-proc.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
