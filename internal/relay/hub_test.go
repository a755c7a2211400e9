package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/SecureAI-Team/creator-sub000/internal/apperr"
	"github.com/SecureAI-Team/creator-sub000/internal/protocol"
	"github.com/SecureAI-Team/creator-sub000/internal/wsconn"
)

type recordingSink struct {
	mu   sync.Mutex
	got  []protocol.Completion
	seen chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{seen: make(chan struct{}, 16)}
}

func (s *recordingSink) Complete(ctx context.Context, c protocol.Completion) error {
	s.mu.Lock()
	s.got = append(s.got, c)
	s.mu.Unlock()
	s.seen <- struct{}{}
	return nil
}

func (s *recordingSink) wait(t *testing.T) protocol.Completion {
	t.Helper()
	select {
	case <-s.seen:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a completion")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.got[len(s.got)-1]
}

// fakeBridge is the bridge end of a pipe whose hub end is served by h.
type fakeBridge struct {
	sock *wsconn.PipeSocket
	hub  *wsconn.PipeSocket
}

func attach(t *testing.T, h *Hub, userID string) *fakeBridge {
	t.Helper()
	hubSide, bridgeSide := wsconn.Pipe()
	go h.Serve(context.Background(), userID, hubSide)
	registered := func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		c := h.conns[userID]
		return c != nil && c.sock == wsconn.Socket(hubSide)
	}
	deadline := time.Now().Add(time.Second)
	for !registered() {
		if time.Now().After(deadline) {
			t.Fatal("bridge not registered")
		}
		time.Sleep(time.Millisecond)
	}
	return &fakeBridge{sock: bridgeSide, hub: hubSide}
}

func (b *fakeBridge) next(t *testing.T) protocol.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	text, err := b.sock.ReadText(ctx)
	if err != nil {
		t.Fatalf("bridge read: %v", err)
	}
	var f protocol.Frame
	if err := json.Unmarshal([]byte(text), &f); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return f
}

func (b *fakeBridge) ack(t *testing.T, id string, stage protocol.Stage) {
	t.Helper()
	b.write(t, protocol.Frame{Type: protocol.FrameAgentAck, RequestID: id, Stage: stage})
}

func (b *fakeBridge) reply(t *testing.T, id string, reply protocol.Reply) {
	t.Helper()
	b.write(t, protocol.Frame{Type: protocol.FrameAgentResponse, RequestID: id, Reply: protocol.MustRaw(reply)})
}

func (b *fakeBridge) write(t *testing.T, f protocol.Frame) {
	t.Helper()
	if err := b.sock.WriteText(context.Background(), string(protocol.MustRaw(f))); err != nil {
		t.Fatalf("bridge write: %v", err)
	}
}

type sendOutcome struct {
	res SendResult
	err error
}

func sendAsync(h *Hub, userID string, opts SendOptions) chan sendOutcome {
	ch := make(chan sendOutcome, 1)
	go func() {
		res, err := h.Send(context.Background(), userID, json.RawMessage(`{"kind":"message","text":"hi"}`), opts)
		ch <- sendOutcome{res: res, err: err}
	}()
	return ch
}

func await(t *testing.T, ch chan sendOutcome) sendOutcome {
	t.Helper()
	select {
	case out := <-ch:
		return out
	case <-time.After(3 * time.Second):
		t.Fatal("send did not resolve")
		return sendOutcome{}
	}
}

func TestSendWithoutConnection(t *testing.T) {
	h := NewHub(HubOptions{})
	_, err := h.Send(context.Background(), "nobody", json.RawMessage(`{}`), SendOptions{})
	if !errors.Is(err, apperr.ErrNotConnected) {
		t.Fatalf("expected not connected, got %v", err)
	}
}

func TestSendWaitsForFinalReplyAndCommitsFirstStage(t *testing.T) {
	h := NewHub(HubOptions{})
	b := attach(t, h, "u1")

	ch := sendAsync(h, "u1", SendOptions{})
	f := b.next(t)
	if f.Type != protocol.FrameAgent || f.RequestID == "" {
		t.Fatalf("unexpected frame: %#v", f)
	}
	b.ack(t, f.RequestID, protocol.StageReceived)
	b.ack(t, f.RequestID, protocol.StageLocalResponse)
	b.reply(t, f.RequestID, protocol.Reply{OK: true, Status: "ok", RunID: "r1"})

	out := await(t, ch)
	if out.err != nil {
		t.Fatalf("unexpected error: %v", out.err)
	}
	if !out.res.Acked || out.res.Stage != protocol.StageReceived {
		t.Fatalf("expected first stage committed, got %#v", out.res)
	}
	var reply protocol.Reply
	_ = json.Unmarshal(out.res.Reply, &reply)
	if reply.RunID != "r1" {
		t.Fatalf("unexpected reply: %#v", reply)
	}
	if h.Pending() != 0 {
		t.Fatalf("expected no pending entries, got %d", h.Pending())
	}
}

func TestAckOnlyReturnsOnAckAndForwardsLateReply(t *testing.T) {
	sink := newRecordingSink()
	h := NewHub(HubOptions{Sink: sink})
	b := attach(t, h, "u1")

	ch := sendAsync(h, "u1", SendOptions{WaitForAckOnly: true, AckTimeout: time.Second})
	f := b.next(t)
	b.ack(t, f.RequestID, protocol.StageReceived)

	out := await(t, ch)
	if out.err != nil || !out.res.Acked || out.res.Stage != protocol.StageReceived || out.res.Reply != nil {
		t.Fatalf("unexpected ack-only result: %#v %v", out.res, out.err)
	}
	if h.Pending() != 1 {
		t.Fatalf("expected entry to stay registered after ack, got %d", h.Pending())
	}

	b.reply(t, f.RequestID, protocol.Reply{OK: true, Status: "ok"})
	c := sink.wait(t)
	if c.RequestID != f.RequestID || c.UserID != "u1" || !c.Reply.OK || c.Stage != protocol.StageReceived {
		t.Fatalf("unexpected completion: %#v", c)
	}
	if h.Pending() != 0 {
		t.Fatalf("expected entry removed after final reply, got %d", h.Pending())
	}
}

func TestAckTimeoutIsDistinctFromTimeout(t *testing.T) {
	h := NewHub(HubOptions{})
	b := attach(t, h, "u1")

	ch := sendAsync(h, "u1", SendOptions{WaitForAckOnly: true, AckTimeout: MinAckTimeout})
	b.next(t)
	out := await(t, ch)
	if !errors.Is(out.err, apperr.ErrAckTimeout) || errors.Is(out.err, apperr.ErrTimeout) {
		t.Fatalf("expected ack timeout, got %v", out.err)
	}
	if h.Pending() != 0 {
		t.Fatalf("expected ack timeout to remove the entry, got %d", h.Pending())
	}
}

func TestOverallTimeout(t *testing.T) {
	h := NewHub(HubOptions{Timeout: 50 * time.Millisecond})
	b := attach(t, h, "u1")

	ch := sendAsync(h, "u1", SendOptions{})
	f := b.next(t)
	b.ack(t, f.RequestID, protocol.StageReceived)

	out := await(t, ch)
	if !errors.Is(out.err, apperr.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", out.err)
	}
	b.reply(t, f.RequestID, protocol.Reply{OK: true})
	time.Sleep(20 * time.Millisecond)
	if h.Pending() != 0 {
		t.Fatal("late reply must not resurrect the entry")
	}
}

func TestUnackedReplyInAckOnlyModeCountsAsMissedAck(t *testing.T) {
	sink := newRecordingSink()
	h := NewHub(HubOptions{Sink: sink})
	b := attach(t, h, "u1")

	ch := sendAsync(h, "u1", SendOptions{WaitForAckOnly: true, AckTimeout: 10 * time.Second})
	f := b.next(t)
	b.reply(t, f.RequestID, protocol.FailureReply("local", "local automation engine unavailable"))

	out := await(t, ch)
	if !errors.Is(out.err, apperr.ErrAckTimeout) {
		t.Fatalf("expected ack timeout, got %v", out.err)
	}
	c := sink.wait(t)
	if c.Reply.OK || c.Reply.Error != "local automation engine unavailable" {
		t.Fatalf("unexpected completion: %#v", c)
	}
}

func TestNewestConnectionWins(t *testing.T) {
	h := NewHub(HubOptions{})
	first := attach(t, h, "u1")

	ch := sendAsync(h, "u1", SendOptions{})
	first.next(t)

	second := attach(t, h, "u1")
	out := await(t, ch)
	if !errors.Is(out.err, apperr.ErrConnectionClosed) {
		t.Fatalf("expected pending on old connection rejected, got %v", out.err)
	}
	closed, code := first.sock.Closed()
	if !closed || code != protocol.CloseReplaced {
		t.Fatalf("expected old socket closed with replace code, got %v %d", closed, code)
	}
	if !h.Status("u1") {
		t.Fatal("expected user still connected through new socket")
	}

	ch = sendAsync(h, "u1", SendOptions{})
	f := second.next(t)
	second.reply(t, f.RequestID, protocol.Reply{OK: true})
	if out := await(t, ch); out.err != nil {
		t.Fatalf("send on new connection failed: %v", out.err)
	}
}

func TestSocketCloseRejectsPending(t *testing.T) {
	h := NewHub(HubOptions{})
	b := attach(t, h, "u1")

	ch := sendAsync(h, "u1", SendOptions{})
	b.next(t)
	_ = b.sock.Close()

	out := await(t, ch)
	if !errors.Is(out.err, apperr.ErrConnectionClosed) {
		t.Fatalf("expected connection closed, got %v", out.err)
	}
	deadline := time.Now().Add(time.Second)
	for h.Status("u1") {
		if time.Now().After(deadline) {
			t.Fatal("expected connection unregistered")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSingleResolutionUnderRacingTimers(t *testing.T) {
	h := NewHub(HubOptions{Timeout: 2 * time.Millisecond})
	b := attach(t, h, "u1")

	go func() {
		ctx := context.Background()
		for {
			text, err := b.sock.ReadText(ctx)
			if err != nil {
				return
			}
			var f protocol.Frame
			_ = json.Unmarshal([]byte(text), &f)
			_ = b.sock.WriteText(ctx, string(protocol.MustRaw(protocol.Frame{Type: protocol.FrameAgentAck, RequestID: f.RequestID, Stage: protocol.StageReceived})))
			_ = b.sock.WriteText(ctx, string(protocol.MustRaw(protocol.Frame{Type: protocol.FrameAgentResponse, RequestID: f.RequestID, Reply: protocol.MustRaw(protocol.Reply{OK: true})})))
		}
	}()

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(ackOnly bool) {
			defer wg.Done()
			_, err := h.Send(context.Background(), "u1", json.RawMessage(`{}`), SendOptions{WaitForAckOnly: ackOnly, AckTimeout: MinAckTimeout})
			if err != nil && !errors.Is(err, apperr.ErrTimeout) && !errors.Is(err, apperr.ErrAckTimeout) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i%2 == 0)
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sends did not all resolve")
	}
	deadline := time.Now().Add(time.Second)
	for h.Pending() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("leaked pending entries: %d", h.Pending())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestContextCancelDropsEntry(t *testing.T) {
	h := NewHub(HubOptions{})
	b := attach(t, h, "u1")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := h.Send(ctx, "u1", json.RawMessage(`{}`), SendOptions{})
		errCh <- err
	}()
	b.next(t)
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
	if h.Pending() != 0 {
		t.Fatalf("expected entry dropped, got %d", h.Pending())
	}
}

func TestClampAckTimeout(t *testing.T) {
	cases := map[time.Duration]time.Duration{
		0:                      DefaultAckTimeout,
		100 * time.Millisecond: MinAckTimeout,
		2 * time.Second:        2 * time.Second,
		time.Minute:            MaxAckTimeout,
	}
	for in, want := range cases {
		if got := ClampAckTimeout(in); got != want {
			t.Fatalf("clamp(%s) = %s, want %s", in, got, want)
		}
	}
}
