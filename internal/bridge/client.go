package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/SecureAI-Team/creator-sub000/internal/apperr"
	"github.com/SecureAI-Team/creator-sub000/internal/protocol"
	"github.com/SecureAI-Team/creator-sub000/internal/wsconn"
)

const (
	DefaultReconnectDelay = 3 * time.Second
	DefaultDialTimeout    = 10 * time.Second
	writeTimeout          = 5 * time.Second
)

type ClientOptions struct {
	RelayURL       string
	Dialer         wsconn.Dialer
	ReconnectDelay time.Duration
	DialTimeout    time.Duration
	Logger         *slog.Logger
}

// Client keeps one socket to the relay. A close with the token-rejected
// code is sticky: no reconnect happens until Connect is called again.
type Client struct {
	opts    ClientOptions
	handler *Handler
	logger  *slog.Logger

	mu         sync.Mutex
	sock       wsconn.Socket
	gen        uint64
	token      string
	rejected   bool
	stopped    bool
	timer      *time.Timer
	reconnects int
}

func NewClient(handler *Handler, opts ClientOptions) *Client {
	if opts.Dialer == nil {
		opts.Dialer = wsconn.RealDialer{}
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{opts: opts, handler: handler, logger: logger.With("module", "bridge_client")}
}

// Connect replaces any current socket with a fresh one authenticated by
// token and clears a previous rejection.
func (c *Client) Connect(ctx context.Context, token string) error {
	if token == "" {
		return apperr.InvalidRequest("bridge token is required", nil)
	}
	c.mu.Lock()
	c.token = token
	c.rejected = false
	c.stopped = false
	c.stopTimerLocked()
	old := c.sock
	c.sock = nil
	c.gen++
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return c.dial(ctx, token)
}

// Disconnect closes the relay socket and the gateway connection behind it.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.stopped = true
	c.stopTimerLocked()
	old := c.sock
	c.sock = nil
	c.gen++
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	if err := c.handler.Close(); err != nil {
		c.logger.Debug("gateway close failed", "err", err)
	}
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sock != nil
}

func (c *Client) Rejected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rejected
}

// ReconnectAttempts counts automatic reconnects since the client was built.
func (c *Client) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnects
}

func (c *Client) dial(ctx context.Context, token string) error {
	target, err := c.relayURL(token)
	if err != nil {
		return err
	}
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()
	sock, err := c.opts.Dialer.Dial(dialCtx, target)
	if err != nil {
		return apperr.New(apperr.KindUnreachable, "dial relay", err)
	}

	c.mu.Lock()
	if c.stopped || c.rejected || c.token != token || c.sock != nil {
		c.mu.Unlock()
		_ = sock.Close()
		return nil
	}
	c.sock = sock
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	c.logger.Info("connected to relay")
	go c.readLoop(gen, sock)
	return nil
}

func (c *Client) relayURL(token string) (string, error) {
	u, err := url.Parse(c.opts.RelayURL)
	if err != nil || u.Host == "" {
		return "", apperr.InvalidRequest("invalid relay url", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) readLoop(gen uint64, sock wsconn.Socket) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	emit := &socketEmitter{sock: sock}
	for {
		text, err := sock.ReadText(ctx)
		if err != nil {
			c.onClosed(gen, wsconn.CloseCode(err), err)
			return
		}
		var frame protocol.Frame
		if err := json.Unmarshal([]byte(text), &frame); err != nil {
			c.logger.Debug("relay frame ignored", "err", err)
			continue
		}
		if frame.Type != protocol.FrameAgent || frame.RequestID == "" {
			continue
		}
		go c.handler.Handle(ctx, frame.RequestID, frame.Message, emit)
	}
}

func (c *Client) onClosed(gen uint64, code int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	c.sock = nil
	if code == protocol.CloseTokenRejected {
		c.rejected = true
		c.logger.Warn("relay rejected bridge token; waiting for a new token")
		return
	}
	if c.stopped {
		return
	}
	c.logger.Info("relay connection closed; scheduling reconnect", "code", code, "err", err, "delay", c.opts.ReconnectDelay)
	c.scheduleLocked()
}

func (c *Client) scheduleLocked() {
	c.stopTimerLocked()
	c.timer = time.AfterFunc(c.opts.ReconnectDelay, c.reconnect)
}

func (c *Client) reconnect() {
	c.mu.Lock()
	if c.stopped || c.rejected || c.sock != nil || c.token == "" {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.reconnects++
	token := c.token
	c.mu.Unlock()

	if err := c.dial(context.Background(), token); err != nil {
		c.logger.Warn("relay reconnect failed", "err", err)
		c.mu.Lock()
		if !c.stopped && !c.rejected && c.sock == nil {
			c.scheduleLocked()
		}
		c.mu.Unlock()
	}
}

func (c *Client) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

type socketEmitter struct {
	sock wsconn.Socket
}

func (e *socketEmitter) Ack(ctx context.Context, requestID string, stage protocol.Stage) error {
	if !stage.Valid() {
		return errors.New("invalid stage " + string(stage))
	}
	return e.write(ctx, protocol.Frame{Type: protocol.FrameAgentAck, RequestID: requestID, Stage: stage})
}

func (e *socketEmitter) Respond(ctx context.Context, requestID string, reply protocol.Reply) error {
	return e.write(ctx, protocol.Frame{Type: protocol.FrameAgentResponse, RequestID: requestID, Reply: protocol.MustRaw(reply)})
}

func (e *socketEmitter) write(ctx context.Context, frame protocol.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return e.sock.WriteText(ctx, string(data))
}
