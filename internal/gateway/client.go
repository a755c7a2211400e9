// Package gateway is the RPC client for the local automation gateway: a
// loopback websocket speaking req/res frames with a connect handshake.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/SecureAI-Team/creator-sub000/internal/apperr"
	"github.com/SecureAI-Team/creator-sub000/internal/protocol"
	"github.com/SecureAI-Team/creator-sub000/internal/wsconn"
)

const (
	DefaultChallengeGrace = 800 * time.Millisecond
	DefaultCallTimeout    = 30 * time.Second
	defaultHost           = "127.0.0.1"
)

var (
	ErrCallTimeout      = apperr.New(apperr.KindTimeout, "gateway call timeout", nil)
	ErrConnectionClosed = apperr.ErrConnectionClosed
	ErrNotConnected     = apperr.New(apperr.KindUnreachable, "gateway not connected", nil)
)

// RemoteError is an error reply from the gateway. Its text is passed on
// verbatim as the failure reason of the command.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return "gateway error " + e.Code
	}
	return e.Message
}

// Endpoint is where the gateway listens and the token it expects.
type Endpoint struct {
	Port  int
	Token string
}

type Options struct {
	Host           string
	Endpoint       func() Endpoint
	Dialer         wsconn.Dialer
	ChallengeGrace time.Duration
	CallTimeout    time.Duration
	ClientID       string
	Version        string
	Scopes         []string
	Logger         *slog.Logger
}

type CallOptions struct {
	Timeout     time.Duration
	ExpectFinal bool
}

type Client struct {
	opts   Options
	logger *slog.Logger

	connectMu sync.Mutex

	mu       sync.Mutex
	conn     *conn
	endpoint Endpoint
}

func NewClient(opts Options) *Client {
	if opts.Host == "" {
		opts.Host = defaultHost
	}
	if opts.Dialer == nil {
		opts.Dialer = wsconn.RealDialer{}
	}
	if opts.ChallengeGrace <= 0 {
		opts.ChallengeGrace = DefaultChallengeGrace
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.ClientID == "" {
		opts.ClientID = "creator-bridge"
	}
	if len(opts.Scopes) == 0 {
		opts.Scopes = []string{"operator.read", "operator.write"}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{opts: opts, logger: logger.With("module", "gateway")}
}

// Connect makes sure a handshaken connection to the current endpoint
// exists. A live connection is reused when port and token are unchanged
// since it was established. It reports false on any failure.
func (c *Client) Connect(ctx context.Context, timeout time.Duration) bool {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	ep := Endpoint{}
	if c.opts.Endpoint != nil {
		ep = c.opts.Endpoint()
	}
	if ep.Port <= 0 {
		c.logger.Warn("gateway port not configured")
		return false
	}

	c.mu.Lock()
	current := c.conn
	same := current != nil && current.alive() && c.endpoint == ep
	c.mu.Unlock()
	if same {
		return true
	}
	if current != nil {
		c.detach(current)
	}

	if timeout <= 0 {
		timeout = c.opts.CallTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := fmt.Sprintf("ws://%s:%d", c.opts.Host, ep.Port)
	sock, err := c.opts.Dialer.Dial(ctx, url)
	if err != nil {
		c.logger.Debug("gateway dial failed", "url", url, "err", err)
		return false
	}
	cn := newConn(sock, c.logger)
	go cn.readLoop()

	nonce := ""
	select {
	case nonce = <-cn.challenge:
	case <-time.After(c.opts.ChallengeGrace):
	case <-cn.done:
		return false
	case <-ctx.Done():
		cn.close()
		return false
	}

	params := protocol.ConnectParams{
		MinProtocol: protocol.GatewayProtocolMin,
		MaxProtocol: protocol.GatewayProtocolMax,
		Client: protocol.ClientInfo{
			ID:       c.opts.ClientID,
			Version:  c.opts.Version,
			Platform: runtime.GOOS,
			Mode:     "backend",
		},
		Role:   "operator",
		Scopes: c.opts.Scopes,
		Nonce:  nonce,
	}
	if ep.Token != "" {
		params.Auth = &protocol.ConnectAuth{Token: ep.Token}
	}
	remaining := time.Until(deadlineOf(ctx, timeout))
	if _, err := cn.call(ctx, protocol.MethodConnect, params, CallOptions{Timeout: remaining}); err != nil {
		c.logger.Warn("gateway handshake failed", "port", ep.Port, "err", err)
		cn.close()
		return false
	}

	c.mu.Lock()
	c.conn = cn
	c.endpoint = ep
	c.mu.Unlock()
	c.logger.Info("gateway connected", "port", ep.Port)
	return true
}

// Call sends one request on the current connection and waits for its
// reply. With ExpectFinal, provisional statuses are skipped.
func (c *Client) Call(ctx context.Context, method string, params any, opts CallOptions) (json.RawMessage, error) {
	c.mu.Lock()
	cn := c.conn
	c.mu.Unlock()
	if cn == nil || !cn.alive() {
		return nil, ErrNotConnected
	}
	if opts.Timeout <= 0 {
		opts.Timeout = c.opts.CallTimeout
	}
	return cn.call(ctx, method, params, opts)
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.conn.alive()
}

func (c *Client) Close() error {
	c.mu.Lock()
	cn := c.conn
	c.conn = nil
	c.endpoint = Endpoint{}
	c.mu.Unlock()
	if cn != nil {
		cn.close()
	}
	return nil
}

func (c *Client) detach(cn *conn) {
	c.mu.Lock()
	if c.conn == cn {
		c.conn = nil
		c.endpoint = Endpoint{}
	}
	c.mu.Unlock()
	cn.close()
}

func deadlineOf(ctx context.Context, fallback time.Duration) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		return dl
	}
	return time.Now().Add(fallback)
}

type callResult struct {
	payload json.RawMessage
	err     error
}

type pendingCall struct {
	expectFinal bool
	result      chan callResult
	timer       *time.Timer
}

type conn struct {
	sock   wsconn.Socket
	logger *slog.Logger

	challengeOnce sync.Once
	challenge     chan string
	done          chan struct{}
	closeOnce     sync.Once

	mu      sync.Mutex
	closed  bool
	pending map[string]*pendingCall
	nextID  uint64
}

func newConn(sock wsconn.Socket, logger *slog.Logger) *conn {
	return &conn{
		sock:      sock,
		logger:    logger,
		challenge: make(chan string, 1),
		done:      make(chan struct{}),
		pending:   map[string]*pendingCall{},
	}
}

func (cn *conn) alive() bool {
	select {
	case <-cn.done:
		return false
	default:
		return true
	}
}

func (cn *conn) call(ctx context.Context, method string, params any, opts CallOptions) (json.RawMessage, error) {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, apperr.InvalidRequest("encode params", err)
	}

	p := &pendingCall{expectFinal: opts.ExpectFinal, result: make(chan callResult, 1)}
	cn.mu.Lock()
	if cn.closed {
		cn.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	cn.nextID++
	id := fmt.Sprintf("%s-%d", method, cn.nextID)
	cn.pending[id] = p
	p.timer = time.AfterFunc(opts.Timeout, func() {
		cn.resolve(id, callResult{err: ErrCallTimeout})
	})
	cn.mu.Unlock()

	frame := protocol.GatewayFrame{Type: protocol.GatewayFrameRequest, ID: id, Method: method, Params: rawParams}
	data, _ := json.Marshal(frame)
	if err := cn.sock.WriteText(ctx, string(data)); err != nil {
		cn.resolve(id, callResult{err: apperr.New(apperr.KindConnectionClosed, "gateway write failed", err)})
	}

	select {
	case res := <-p.result:
		return res.payload, res.err
	case <-ctx.Done():
		cn.drop(id)
		return nil, ctx.Err()
	}
}

// resolve delivers res to the pending call once; later resolutions of the
// same id find nothing.
func (cn *conn) resolve(id string, res callResult) {
	cn.mu.Lock()
	p := cn.pending[id]
	delete(cn.pending, id)
	cn.mu.Unlock()
	if p == nil {
		return
	}
	p.timer.Stop()
	p.result <- res
}

func (cn *conn) drop(id string) {
	cn.mu.Lock()
	p := cn.pending[id]
	delete(cn.pending, id)
	cn.mu.Unlock()
	if p != nil {
		p.timer.Stop()
	}
}

func (cn *conn) readLoop() {
	defer cn.shutdown()
	for {
		text, err := cn.sock.ReadText(context.Background())
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				cn.logger.Debug("gateway socket closed", "code", wsconn.CloseCode(err), "err", err)
			}
			return
		}
		var frame protocol.GatewayFrame
		if err := json.Unmarshal([]byte(text), &frame); err != nil {
			cn.logger.Debug("gateway frame ignored", "err", err)
			continue
		}
		switch frame.Kind() {
		case protocol.GatewayFrameEvent:
			if frame.Event == protocol.EventConnectChallenge {
				var ch protocol.ChallengePayload
				_ = json.Unmarshal(frame.Payload, &ch)
				cn.challengeOnce.Do(func() { cn.challenge <- ch.Nonce })
			}
		case protocol.GatewayFrameResponse:
			cn.onResponse(frame)
		}
	}
}

func (cn *conn) onResponse(frame protocol.GatewayFrame) {
	cn.mu.Lock()
	p := cn.pending[frame.ID]
	if p == nil {
		cn.mu.Unlock()
		return
	}
	if p.expectFinal && frame.OK {
		var st protocol.RunStatus
		_ = json.Unmarshal(frame.Payload, &st)
		if protocol.IsProvisionalStatus(st.Status) {
			cn.mu.Unlock()
			return
		}
	}
	delete(cn.pending, frame.ID)
	cn.mu.Unlock()
	p.timer.Stop()

	if !frame.OK {
		remote := &RemoteError{Code: "UNKNOWN", Message: "gateway request failed"}
		if frame.Error != nil {
			remote.Code = frame.Error.Code
			remote.Message = frame.Error.Message
		}
		p.result <- callResult{err: remote}
		return
	}
	p.result <- callResult{payload: frame.Payload}
}

func (cn *conn) close() {
	_ = cn.sock.Close()
	cn.shutdown()
}

// shutdown rejects every call still pending on this connection.
func (cn *conn) shutdown() {
	cn.closeOnce.Do(func() {
		cn.mu.Lock()
		cn.closed = true
		pending := cn.pending
		cn.pending = map[string]*pendingCall{}
		cn.mu.Unlock()
		close(cn.done)
		for _, p := range pending {
			p.timer.Stop()
			p.result <- callResult{err: ErrConnectionClosed}
		}
	})
}
