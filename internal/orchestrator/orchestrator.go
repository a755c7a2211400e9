// Package orchestrator owns the local agent's connection lifecycle: opt-in,
// token fetch, bridge connect, self check, workspace sync and engine
// startup, retried linearly and re-triggered by health polls.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/SecureAI-Team/creator-sub000/internal/engine"
	"github.com/SecureAI-Team/creator-sub000/internal/global"
	"github.com/SecureAI-Team/creator-sub000/internal/protocol"
	"github.com/SecureAI-Team/creator-sub000/internal/workspace"
)

type State string

const (
	StateIdle                 State = "idle"
	StateConnecting           State = "connecting"
	StateConnected            State = "connected"
	StateFailed               State = "failed"
	StateNotInThisEnvironment State = "not_in_this_environment"
)

const (
	DefaultRetryStep      = 5 * time.Second
	DefaultRetryMax       = 30 * time.Second
	DefaultMaxRetries     = 5
	DefaultHealthInterval = 30 * time.Second
	DefaultCooldown       = 60 * time.Second
	DefaultCrashThreshold = 5
)

var (
	ErrDisabled = errors.New("bridge is not enabled")
	ErrNoBridge = errors.New("bridge is not available in this environment")
)

type Settings interface {
	LoadOrInit() (global.AgentSettings, error)
}

type ControlPlane interface {
	Token(ctx context.Context) (string, error)
	BridgeStatus(ctx context.Context) (bool, error)
	Workspace(ctx context.Context) ([]protocol.WorkspaceFile, error)
}

type Bridge interface {
	Connect(ctx context.Context, token string) error
	Connected() bool
	// Rejected reports a relay close with the token-rejected code.
	Rejected() bool
	Disconnect()
}

type Engine interface {
	Binary() error
	Running() bool
	Start(ctx context.Context) error
}

// Reporter surfaces state changes and warnings to the local user.
type Reporter interface {
	State(state State, detail string)
	Warn(message string)
}

type Options struct {
	WorkspaceDir   string
	RetryStep      time.Duration
	RetryMax       time.Duration
	MaxRetries     int
	HealthInterval time.Duration
	Cooldown       time.Duration
	CrashThreshold int
	Reporter       Reporter
	Logger         *slog.Logger
}

type Orchestrator struct {
	settings Settings
	control  ControlPlane
	bridge   Bridge
	engine   Engine
	opts     Options
	logger   *slog.Logger
	flight   singleflight.Group
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	mu          sync.Mutex
	state       State
	lastErr     string
	connectedAt time.Time
	crashes     int
	warning     string
}

// New builds an orchestrator. A nil bridge puts it permanently in
// not_in_this_environment.
func New(settings Settings, control ControlPlane, bridge Bridge, eng Engine, opts Options) *Orchestrator {
	if opts.RetryStep <= 0 {
		opts.RetryStep = DefaultRetryStep
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = DefaultRetryMax
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = DefaultHealthInterval
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultCooldown
	}
	if opts.CrashThreshold <= 0 {
		opts.CrashThreshold = DefaultCrashThreshold
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		settings: settings,
		control:  control,
		bridge:   bridge,
		engine:   eng,
		opts:     opts,
		logger:   logger.With("module", "orchestrator"),
		now:      time.Now,
		sleep:    sleepCtx,
		state:    StateIdle,
	}
	if bridge == nil {
		o.state = StateNotInThisEnvironment
	}
	return o
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) LastError() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}

// Warning returns the crash-loop warning, if one has been raised.
func (o *Orchestrator) Warning() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.warning
}

// Connect runs the connect sequence with linear retry. Concurrent callers
// share one in-flight attempt.
func (o *Orchestrator) Connect(ctx context.Context) error {
	if o.bridge == nil {
		return ErrNoBridge
	}
	_, err, _ := o.flight.Do("connect", func() (any, error) {
		return nil, o.connectWithRetry(ctx)
	})
	return err
}

func (o *Orchestrator) connectWithRetry(ctx context.Context) error {
	var err error
	for attempt := 1; attempt <= o.opts.MaxRetries; attempt++ {
		err = o.connectOnce(ctx)
		if err == nil || errors.Is(err, ErrDisabled) {
			return err
		}
		if attempt == o.opts.MaxRetries {
			break
		}
		delay := min(time.Duration(attempt)*o.opts.RetryStep, o.opts.RetryMax)
		o.logger.Info("connect attempt failed; retrying", "attempt", attempt, "delay", delay, "err", err)
		if serr := o.sleep(ctx, delay); serr != nil {
			return serr
		}
	}
	o.logger.Warn("connect retries exhausted; waiting for health poll", "retries", o.opts.MaxRetries, "err", err)
	return err
}

func (o *Orchestrator) connectOnce(ctx context.Context) error {
	settings, err := o.settings.LoadOrInit()
	if err != nil {
		return o.fail(fmt.Errorf("load settings: %w", err))
	}
	if !settings.BridgeEnabled {
		o.setState(StateIdle, "")
		return ErrDisabled
	}
	o.setState(StateConnecting, "")

	token, err := o.control.Token(ctx)
	if err != nil {
		return o.fail(fmt.Errorf("fetch token: %w", err))
	}
	if err := o.bridge.Connect(ctx, token); err != nil {
		return o.fail(fmt.Errorf("bridge connect: %w", err))
	}
	if err := o.selfCheck(ctx); err != nil {
		return o.fail(err)
	}
	files, err := o.control.Workspace(ctx)
	if err != nil {
		return o.fail(fmt.Errorf("fetch workspace: %w", err))
	}
	res, err := workspace.Sync(o.opts.WorkspaceDir, files)
	if err != nil {
		return o.fail(fmt.Errorf("workspace sync: %w", err))
	}
	o.logger.Info("workspace synced", "written", res.Written, "unchanged", res.Unchanged)
	if err := o.engine.Start(ctx); err != nil {
		return o.fail(fmt.Errorf("start engine: %w", err))
	}

	o.mu.Lock()
	o.connectedAt = o.now()
	o.mu.Unlock()
	o.setState(StateConnected, "")
	return nil
}

func (o *Orchestrator) selfCheck(ctx context.Context) error {
	if err := o.engine.Binary(); err != nil {
		return fmt.Errorf("self check: engine binary: %w", err)
	}
	if err := workspace.CheckWritable(o.opts.WorkspaceDir); err != nil {
		return fmt.Errorf("self check: workspace not writable: %w", err)
	}
	if !o.engine.Running() {
		if err := o.engine.Start(ctx); err != nil {
			return fmt.Errorf("self check: start engine: %w", err)
		}
	}
	return nil
}

func (o *Orchestrator) fail(err error) error {
	o.setState(StateFailed, err.Error())
	return err
}

func (o *Orchestrator) setState(s State, detail string) {
	o.mu.Lock()
	changed := o.state != s
	o.state = s
	o.lastErr = detail
	o.mu.Unlock()
	if !changed {
		return
	}
	o.logger.Info("state changed", "state", s, "detail", detail)
	if o.opts.Reporter != nil {
		o.opts.Reporter.State(s, detail)
	}
}

// Poll checks the control plane's view of the bridge once. A negative
// answer inside the post-connect cooldown is ignored unless the relay
// rejected the bridge token; otherwise it starts the connect sequence
// unless one is already running.
func (o *Orchestrator) Poll(ctx context.Context) {
	if o.bridge == nil {
		return
	}
	connected, err := o.control.BridgeStatus(ctx)
	if err != nil {
		o.logger.Debug("bridge status poll failed", "err", err)
	}
	if err == nil && connected && o.bridge.Connected() {
		o.mu.Lock()
		if o.connectedAt.IsZero() {
			o.connectedAt = o.now()
		}
		o.mu.Unlock()
		o.setState(StateConnected, "")
		return
	}

	if o.bridge.Rejected() {
		o.logger.Info("bridge token rejected by relay; fetching a fresh token")
	} else {
		o.mu.Lock()
		inCooldown := o.state == StateConnected && o.now().Sub(o.connectedAt) < o.opts.Cooldown
		o.mu.Unlock()
		if inCooldown {
			return
		}
	}
	go func() {
		if err := o.Connect(ctx); err != nil && !errors.Is(err, ErrDisabled) && !errors.Is(err, context.Canceled) {
			o.logger.Warn("reconnect from health poll failed", "err", err)
		}
	}()
}

// Run connects once, then polls until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.bridge == nil {
		o.setState(StateNotInThisEnvironment, ErrNoBridge.Error())
		<-ctx.Done()
		return nil
	}
	if err := o.Connect(ctx); err != nil && !errors.Is(err, ErrDisabled) {
		o.logger.Warn("initial connect failed", "err", err)
	}
	ticker := time.NewTicker(o.opts.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			o.bridge.Disconnect()
			return nil
		case <-ticker.C:
			o.Poll(ctx)
		}
	}
}

// ReportEngineExit counts an unexpected engine exit. Crossing the
// crash-loop threshold raises a warning that stays until the agent
// restarts.
func (o *Orchestrator) ReportEngineExit(r engine.ExitReport) {
	o.mu.Lock()
	o.crashes++
	raise := o.warning == "" && (r.CrashLoop || o.crashes >= o.opts.CrashThreshold)
	if raise {
		o.warning = fmt.Sprintf("local automation engine exited %d times; automatic restarts stopped. Commands will run on the server until the engine is fixed.", o.crashes)
	}
	warning := o.warning
	o.mu.Unlock()

	if raise {
		o.logger.Error("engine crash loop detected", "exits", r.Exits)
		if o.opts.Reporter != nil {
			o.opts.Reporter.Warn(warning)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
