// Package relay multiplexes commands from the control plane onto the one
// bridge socket each user keeps open, and correlates the acks and replies
// that come back.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SecureAI-Team/creator-sub000/internal/apperr"
	"github.com/SecureAI-Team/creator-sub000/internal/protocol"
	"github.com/SecureAI-Team/creator-sub000/internal/wsconn"
)

const (
	DefaultTimeout    = 65 * time.Second
	DefaultAckTimeout = 5 * time.Second
	MinAckTimeout     = 500 * time.Millisecond
	MaxAckTimeout     = 30 * time.Second
	writeTimeout      = 5 * time.Second
)

type SendOptions struct {
	// WaitForAckOnly returns on the first ack instead of the final reply.
	WaitForAckOnly bool
	AckTimeout     time.Duration
}

type SendResult struct {
	RequestID string
	Reply     json.RawMessage
	Acked     bool
	Stage     protocol.Stage
}

// CompletionSink receives final replies that arrive after the caller
// already returned on an ack.
type CompletionSink interface {
	Complete(ctx context.Context, c protocol.Completion) error
}

type HubOptions struct {
	Timeout time.Duration
	Sink    CompletionSink
	Logger  *slog.Logger
}

type connection struct {
	userID string
	sock   wsconn.Socket
}

type outcome struct {
	result SendResult
	err    error
}

type pendingCommand struct {
	id        string
	conn      *connection
	ackOnly   bool
	acked     bool
	stage     protocol.Stage
	delivered bool
	result    chan outcome
	timer     *time.Timer
	ackTimer  *time.Timer
}

func (p *pendingCommand) stopTimers() {
	if p.timer != nil {
		p.timer.Stop()
	}
	if p.ackTimer != nil {
		p.ackTimer.Stop()
	}
}

// Hub is the registry of live bridge connections and pending commands.
// One mutex guards both maps and every resolution of a pending entry.
type Hub struct {
	opts   HubOptions
	logger *slog.Logger

	mu      sync.Mutex
	conns   map[string]*connection
	pending map[string]*pendingCommand
}

func NewHub(opts HubOptions) *Hub {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		opts:    opts,
		logger:  logger.With("module", "relay_hub"),
		conns:   map[string]*connection{},
		pending: map[string]*pendingCommand{},
	}
}

func ClampAckTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultAckTimeout
	}
	if d < MinAckTimeout {
		return MinAckTimeout
	}
	if d > MaxAckTimeout {
		return MaxAckTimeout
	}
	return d
}

func (h *Hub) Status(userID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns[userID] != nil
}

func (h *Hub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (h *Hub) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// Serve registers sock as userID's connection and reads from it until it
// closes. A newer Serve for the same user evicts this one.
func (h *Hub) Serve(ctx context.Context, userID string, sock wsconn.Socket) {
	conn := h.register(userID, sock)
	defer h.unregister(conn)
	for {
		text, err := sock.ReadText(ctx)
		if err != nil {
			h.logger.Debug("bridge socket closed", "user_id", userID, "code", wsconn.CloseCode(err))
			return
		}
		var frame protocol.Frame
		if err := json.Unmarshal([]byte(text), &frame); err != nil {
			h.logger.Debug("bridge frame ignored", "user_id", userID, "err", err)
			continue
		}
		switch frame.Type {
		case protocol.FrameAgentAck:
			h.onAck(conn, frame.RequestID, frame.Stage)
		case protocol.FrameAgentResponse:
			h.onResponse(conn, frame.RequestID, frame.Reply)
		}
	}
}

func (h *Hub) register(userID string, sock wsconn.Socket) *connection {
	conn := &connection{userID: userID, sock: sock}
	h.mu.Lock()
	old := h.conns[userID]
	h.conns[userID] = conn
	orphans := h.takePendingLocked(old)
	h.mu.Unlock()

	if old != nil {
		h.logger.Info("bridge connection replaced", "user_id", userID, "orphaned", len(orphans))
		_ = old.sock.CloseWithCode(protocol.CloseReplaced, "replaced by newer connection")
	} else {
		h.logger.Info("bridge connected", "user_id", userID)
	}
	h.rejectAll(orphans)
	return conn
}

func (h *Hub) unregister(conn *connection) {
	h.mu.Lock()
	if h.conns[conn.userID] == conn {
		delete(h.conns, conn.userID)
	}
	orphans := h.takePendingLocked(conn)
	h.mu.Unlock()
	_ = conn.sock.Close()
	h.rejectAll(orphans)
}

// takePendingLocked removes every entry sent on conn. Entries whose caller
// still waits get their rejection queued; the rest are returned for the
// completion sink.
func (h *Hub) takePendingLocked(conn *connection) []*pendingCommand {
	if conn == nil {
		return nil
	}
	var out []*pendingCommand
	for id, p := range h.pending {
		if p.conn != conn {
			continue
		}
		delete(h.pending, id)
		p.stopTimers()
		if !p.delivered {
			p.delivered = true
			p.result <- outcome{err: apperr.ErrConnectionClosed}
			continue
		}
		out = append(out, p)
	}
	return out
}

func (h *Hub) rejectAll(orphans []*pendingCommand) {
	for _, p := range orphans {
		h.complete(p, protocol.FailureReply("", apperr.ErrConnectionClosed.Message))
	}
}

// Send relays message to userID's bridge and waits for the final reply,
// or only for the first ack when opts.WaitForAckOnly is set.
func (h *Hub) Send(ctx context.Context, userID string, message json.RawMessage, opts SendOptions) (SendResult, error) {
	p := &pendingCommand{
		id:      uuid.NewString(),
		ackOnly: opts.WaitForAckOnly,
		result:  make(chan outcome, 1),
	}

	h.mu.Lock()
	conn := h.conns[userID]
	if conn == nil {
		h.mu.Unlock()
		return SendResult{}, apperr.ErrNotConnected
	}
	p.conn = conn
	h.pending[p.id] = p
	p.timer = time.AfterFunc(h.opts.Timeout, func() { h.expire(p.id) })
	if p.ackOnly {
		p.ackTimer = time.AfterFunc(ClampAckTimeout(opts.AckTimeout), func() { h.ackExpire(p.id) })
	}
	h.mu.Unlock()

	data, _ := json.Marshal(protocol.Frame{Type: protocol.FrameAgent, RequestID: p.id, Message: message})
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	err := conn.sock.WriteText(wctx, string(data))
	cancel()
	if err != nil {
		h.fail(p.id, apperr.New(apperr.KindConnectionClosed, "write to bridge failed", err))
	}

	select {
	case out := <-p.result:
		return out.result, out.err
	case <-ctx.Done():
		h.abandon(p.id)
		return SendResult{}, ctx.Err()
	}
}

func (h *Hub) onAck(conn *connection, id string, stage protocol.Stage) {
	if !stage.Valid() {
		h.logger.Debug("ack with unknown stage ignored", "request_id", id, "stage", stage)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	p := h.pending[id]
	if p == nil || p.conn != conn {
		return
	}
	if !p.acked {
		p.acked = true
		p.stage = stage
	}
	if p.ackOnly && !p.delivered {
		if p.ackTimer != nil {
			p.ackTimer.Stop()
		}
		p.delivered = true
		p.result <- outcome{result: SendResult{RequestID: p.id, Acked: true, Stage: p.stage}}
	}
}

func (h *Hub) onResponse(conn *connection, id string, reply json.RawMessage) {
	h.mu.Lock()
	p := h.pending[id]
	if p == nil || p.conn != conn {
		h.mu.Unlock()
		return
	}
	delete(h.pending, id)
	p.stopTimers()
	if !p.delivered {
		p.delivered = true
		if p.ackOnly && !p.acked {
			// A reply without any ack means the local side did not take the
			// command; the caller sees the same error as a missed ack.
			p.result <- outcome{err: apperr.ErrAckTimeout}
			h.mu.Unlock()
			h.complete(p, decodeReply(reply))
			return
		}
		p.result <- outcome{result: SendResult{RequestID: p.id, Reply: reply, Acked: p.acked, Stage: p.stage}}
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()
	h.complete(p, decodeReply(reply))
}

func (h *Hub) expire(id string) {
	h.mu.Lock()
	p := h.pending[id]
	if p == nil {
		h.mu.Unlock()
		return
	}
	delete(h.pending, id)
	p.stopTimers()
	if !p.delivered {
		p.delivered = true
		p.result <- outcome{err: apperr.ErrTimeout}
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()
	h.complete(p, protocol.FailureReply("", apperr.ErrTimeout.Message))
}

func (h *Hub) ackExpire(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := h.pending[id]
	if p == nil || p.acked || p.delivered {
		return
	}
	delete(h.pending, id)
	p.stopTimers()
	p.delivered = true
	p.result <- outcome{err: apperr.ErrAckTimeout}
}

func (h *Hub) fail(id string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := h.pending[id]
	if p == nil || p.delivered {
		return
	}
	delete(h.pending, id)
	p.stopTimers()
	p.delivered = true
	p.result <- outcome{err: err}
}

// abandon drops an entry whose caller went away before any result.
func (h *Hub) abandon(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := h.pending[id]
	if p == nil || p.delivered {
		return
	}
	delete(h.pending, id)
	p.stopTimers()
	p.delivered = true
}

func (h *Hub) complete(p *pendingCommand, reply protocol.Reply) {
	if h.opts.Sink == nil {
		return
	}
	c := protocol.Completion{RequestID: p.id, UserID: p.conn.userID, Stage: p.stage, Reply: reply}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := h.opts.Sink.Complete(ctx, c); err != nil {
			h.logger.Warn("completion notify failed", "request_id", c.RequestID, "err", err)
		}
	}()
}

func decodeReply(raw json.RawMessage) protocol.Reply {
	var reply protocol.Reply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return protocol.FailureReply("", "malformed reply from bridge")
	}
	return reply
}
