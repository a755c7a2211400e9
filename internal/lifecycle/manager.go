// Package lifecycle runs a process's long-lived jobs and, once they stop,
// its shutdown jobs.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const DefaultShutdownTimeout = 15 * time.Second

type job struct {
	name string
	run  func(context.Context) error
}

type Manager struct {
	ShutdownTimeout time.Duration
	Logger          *slog.Logger

	mu           sync.Mutex
	runJobs      []job
	shutdownJobs []job
}

func NewManager() *Manager {
	return &Manager{ShutdownTimeout: DefaultShutdownTimeout}
}

func (m *Manager) AddRun(name string, fn func(context.Context) error) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.runJobs = append(m.runJobs, job{name: name, run: fn})
	m.mu.Unlock()
}

// AddShutdown registers fn to run after every run job returned. Shutdown
// jobs run in reverse registration order.
func (m *Manager) AddShutdown(name string, fn func(context.Context) error) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.shutdownJobs = append(m.shutdownJobs, job{name: name, run: fn})
	m.mu.Unlock()
}

// StartAndWait runs every run job until parent is done, a signal in sig
// arrives or one job fails. The first failure cancels the others.
func (m *Manager) StartAndWait(parent context.Context, sig ...os.Signal) error {
	ctx := parent
	if len(sig) > 0 {
		var stop context.CancelFunc
		ctx, stop = signal.NotifyContext(parent, sig...)
		defer stop()
	}

	runJobs, shutdownJobs := m.snapshot()
	logger := m.logger()

	g, gctx := errgroup.WithContext(ctx)
	for _, j := range runJobs {
		g.Go(func() error {
			err := j.run(gctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("run job failed", "job", j.name, "err", err)
				return err
			}
			return nil
		})
	}
	runErr := g.Wait()

	timeout := m.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var shutdownErr error
	for i := len(shutdownJobs) - 1; i >= 0; i-- {
		j := shutdownJobs[i]
		if err := j.run(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("shutdown job failed", "job", j.name, "err", err)
			shutdownErr = errors.Join(shutdownErr, err)
		}
	}
	return errors.Join(runErr, shutdownErr)
}

func (m *Manager) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

func (m *Manager) snapshot() ([]job, []job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]job(nil), m.runJobs...), append([]job(nil), m.shutdownJobs...)
}
