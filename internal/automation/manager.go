// Package automation manages the per-user server-side automation
// instances the router falls back to when the local bridge is silent.
package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/SecureAI-Team/creator-sub000/internal/apperr"
	"github.com/SecureAI-Team/creator-sub000/internal/protocol"
)

const EngineRemote = "remote"

type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
)

// Recorder persists instance lifecycle events. It may be nil.
type Recorder interface {
	RecordStart(ctx context.Context, userID string, port, pid int) error
	SetStatus(ctx context.Context, userID, status string) error
	RecordStop(ctx context.Context, userID, reason string) error
}

type Options struct {
	BaseDir       string
	Host          string
	BasePort      int
	PortRange     int
	PortFor       func(userID string) int
	StartTimeout  time.Duration
	PollInterval  time.Duration
	StopGrace     time.Duration
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	Launcher      Launcher
	Recorder      Recorder
	HTTPClient    *http.Client
	Logger        *slog.Logger
}

// Info is a snapshot of one instance.
type Info struct {
	UserID       string
	Port         int
	Status       Status
	StartedAt    time.Time
	LastActivity time.Time
}

type instance struct {
	userID       string
	port         int
	workspace    string
	status       Status
	startedAt    time.Time
	lastActivity time.Time
	proc         Process
}

func (i *instance) info() Info {
	return Info{UserID: i.userID, Port: i.port, Status: i.status, StartedAt: i.startedAt, LastActivity: i.lastActivity}
}

type Manager struct {
	opts   Options
	logger *slog.Logger
	starts singleflight.Group
	now    func() time.Time

	mu        sync.Mutex
	instances map[string]*instance
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Launcher == nil {
		return nil, errors.New("launcher is required")
	}
	if opts.BaseDir == "" {
		return nil, errors.New("base dir is required")
	}
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	if opts.BasePort <= 0 {
		opts.BasePort = 17100
	}
	if opts.PortRange <= 0 {
		opts.PortRange = 1000
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = 60 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 10 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 30 * time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 120 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		opts:      opts,
		logger:    logger.With("module", "automation"),
		now:       time.Now,
		instances: map[string]*instance{},
	}
	if m.opts.PortFor == nil {
		m.opts.PortFor = m.derivePort
	}
	return m, nil
}

// derivePort maps a user id onto the port range with FNV-1a.
func (m *Manager) derivePort(userID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return m.opts.BasePort + int(h.Sum32()%uint32(m.opts.PortRange))
}

func (m *Manager) Get(userID string) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst := m.instances[userID]
	if inst == nil {
		return Info{}, false
	}
	return inst.info(), true
}

// GetOrStart returns the user's running instance, starting one when
// needed. Concurrent callers for the same user share one start.
func (m *Manager) GetOrStart(ctx context.Context, userID string) (Info, error) {
	if userID == "" {
		return Info{}, apperr.InvalidRequest("user id is required", nil)
	}
	m.mu.Lock()
	if inst := m.instances[userID]; inst != nil && inst.status == StatusRunning {
		inst.lastActivity = m.now()
		info := inst.info()
		m.mu.Unlock()
		return info, nil
	}
	m.mu.Unlock()

	v, err, _ := m.starts.Do(userID, func() (any, error) {
		return m.start(context.WithoutCancel(ctx), userID)
	})
	if err != nil {
		return Info{}, err
	}
	return v.(Info), nil
}

func (m *Manager) start(ctx context.Context, userID string) (Info, error) {
	m.mu.Lock()
	if inst := m.instances[userID]; inst != nil && inst.status == StatusRunning {
		info := inst.info()
		m.mu.Unlock()
		return info, nil
	}
	m.mu.Unlock()

	workspace, err := m.workspaceDir(userID)
	if err != nil {
		return Info{}, err
	}
	port := m.opts.PortFor(userID)
	proc, err := m.opts.Launcher.Launch(ctx, LaunchSpec{UserID: userID, Workspace: workspace, Port: port})
	if err != nil {
		return Info{}, apperr.New(apperr.KindUnreachable, "launch automation instance", err)
	}
	now := m.now()
	inst := &instance{
		userID:       userID,
		port:         port,
		workspace:    workspace,
		status:       StatusStarting,
		startedAt:    now,
		lastActivity: now,
		proc:         proc,
	}
	m.mu.Lock()
	m.instances[userID] = inst
	m.mu.Unlock()
	m.record(func(r Recorder) error { return r.RecordStart(ctx, userID, port, proc.PID()) })
	go m.watch(inst)

	logger := m.logger.With("user_id", userID, "port", port, "pid", proc.PID())
	logger.Info("automation instance starting")
	if err := m.waitHealthy(ctx, inst); err != nil {
		logger.Warn("automation instance did not become healthy", "err", err)
		_ = m.stopInstance(ctx, inst, "start timeout")
		return Info{}, err
	}

	m.mu.Lock()
	if inst.status == StatusStarting {
		inst.status = StatusRunning
	}
	info := inst.info()
	m.mu.Unlock()
	m.record(func(r Recorder) error { return r.SetStatus(ctx, userID, string(StatusRunning)) })
	logger.Info("automation instance running")
	return info, nil
}

func (m *Manager) waitHealthy(ctx context.Context, inst *instance) error {
	deadline := time.NewTimer(m.opts.StartTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()
	url := m.baseURL(inst.port) + "/healthz"
	for {
		if m.healthy(ctx, url) {
			return nil
		}
		select {
		case <-deadline.C:
			return apperr.ErrStartTimeout
		case <-inst.proc.Done():
			return apperr.New(apperr.KindUnreachable, "automation instance exited during start", nil)
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Manager) healthy(ctx context.Context, url string) bool {
	ctx, cancel := context.WithTimeout(ctx, m.opts.PollInterval)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	res, err := m.opts.HTTPClient.Do(req)
	if err != nil {
		return false
	}
	_ = res.Body.Close()
	return res.StatusCode == http.StatusOK
}

// watch forgets an instance whose process exited on its own.
func (m *Manager) watch(inst *instance) {
	<-inst.proc.Done()
	m.mu.Lock()
	current := m.instances[inst.userID] == inst
	unexpected := inst.status != StatusStopping
	inst.status = StatusStopped
	if current {
		delete(m.instances, inst.userID)
	}
	m.mu.Unlock()
	if current && unexpected {
		m.logger.Warn("automation instance exited", "user_id", inst.userID)
		m.record(func(r Recorder) error { return r.RecordStop(context.Background(), inst.userID, "exited") })
	}
}

// Run executes cmd on the user's instance, starting it if needed.
func (m *Manager) Run(ctx context.Context, userID string, cmd protocol.Command) (protocol.Reply, error) {
	info, err := m.GetOrStart(ctx, userID)
	if err != nil {
		return protocol.Reply{}, err
	}
	body, err := json.Marshal(cmd)
	if err != nil {
		return protocol.Reply{}, apperr.InvalidRequest("encode command", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL(info.Port)+"/api/command", bytes.NewReader(body))
	if err != nil {
		return protocol.Reply{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := m.opts.HTTPClient.Do(req)
	if err != nil {
		return protocol.Reply{}, apperr.New(apperr.KindUnreachable, "automation instance unreachable", err)
	}
	defer func() {
		_ = res.Body.Close()
	}()
	m.touch(userID)

	raw, _ := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	var reply protocol.Reply
	_ = json.Unmarshal(raw, &reply)
	reply.Engine = EngineRemote
	if res.StatusCode != http.StatusOK {
		msg := reply.Error
		if msg == "" {
			msg = fmt.Sprintf("automation instance failed with status: %d", res.StatusCode)
		}
		return protocol.Reply{}, apperr.Downstream(msg)
	}
	if reply.Payload == nil && len(raw) > 0 {
		reply.Payload = raw
	}
	return reply, nil
}

func (m *Manager) SendMessage(ctx context.Context, userID, text string) (protocol.Reply, error) {
	return m.Run(ctx, userID, protocol.Command{Kind: protocol.CommandMessage, Text: text})
}

func (m *Manager) Stop(ctx context.Context, userID string) error {
	m.mu.Lock()
	inst := m.instances[userID]
	m.mu.Unlock()
	if inst == nil {
		return nil
	}
	return m.stopInstance(ctx, inst, "requested")
}

// stopInstance sends SIGTERM and escalates to SIGKILL after the grace
// period.
func (m *Manager) stopInstance(ctx context.Context, inst *instance, reason string) error {
	m.mu.Lock()
	if inst.status == StatusStopped {
		m.mu.Unlock()
		return nil
	}
	inst.status = StatusStopping
	m.mu.Unlock()

	logger := m.logger.With("user_id", inst.userID, "reason", reason)
	if err := inst.proc.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		logger.Warn("sigterm failed", "err", err)
	}
	grace := time.NewTimer(m.opts.StopGrace)
	defer grace.Stop()
	select {
	case <-inst.proc.Done():
	case <-grace.C:
		logger.Warn("automation instance ignored sigterm; killing")
		_ = inst.proc.Signal(syscall.SIGKILL)
		select {
		case <-inst.proc.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	m.mu.Lock()
	inst.status = StatusStopped
	if m.instances[inst.userID] == inst {
		delete(m.instances, inst.userID)
	}
	m.mu.Unlock()
	m.record(func(r Recorder) error { return r.RecordStop(context.WithoutCancel(ctx), inst.userID, reason) })
	logger.Info("automation instance stopped")
	return nil
}

// Sweep stops instances idle for longer than the idle timeout.
func (m *Manager) Sweep(ctx context.Context) int {
	now := m.now()
	m.mu.Lock()
	var idle []*instance
	for _, inst := range m.instances {
		if inst.status == StatusRunning && now.Sub(inst.lastActivity) >= m.opts.IdleTimeout {
			idle = append(idle, inst)
		}
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, inst := range idle {
		g.Go(func() error { return m.stopInstance(gctx, inst, "idle") })
	}
	if err := g.Wait(); err != nil {
		m.logger.Warn("idle sweep incomplete", "err", err)
	}
	return len(idle)
}

// RunSweeper sweeps idle instances every SweepInterval until ctx ends.
func (m *Manager) RunSweeper(ctx context.Context) error {
	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// StopAll stops every instance in parallel.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	all := make([]*instance, 0, len(m.instances))
	for _, inst := range m.instances {
		all = append(all, inst)
	}
	m.mu.Unlock()
	g, gctx := errgroup.WithContext(ctx)
	for _, inst := range all {
		g.Go(func() error { return m.stopInstance(gctx, inst, "shutdown") })
	}
	return g.Wait()
}

func (m *Manager) touch(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst := m.instances[userID]; inst != nil {
		inst.lastActivity = m.now()
	}
}

func (m *Manager) record(fn func(Recorder) error) {
	if m.opts.Recorder == nil {
		return
	}
	if err := fn(m.opts.Recorder); err != nil {
		m.logger.Warn("record instance event failed", "err", err)
	}
}

func (m *Manager) baseURL(port int) string {
	return fmt.Sprintf("http://%s:%d", m.opts.Host, port)
}

var unsafeUserChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// workspaceDir materializes the per-user workspace under BaseDir. The
// FNV-1a suffix of the raw id keeps ids that sanitize alike apart.
func (m *Manager) workspaceDir(userID string) (string, error) {
	name := unsafeUserChars.ReplaceAllString(userID, "_")
	if name == "" || name == "." || name == ".." {
		return "", apperr.InvalidRequest("invalid user id", nil)
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	dir := filepath.Join(m.opts.BaseDir, fmt.Sprintf("%s-%08x", name, h.Sum32()))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}
