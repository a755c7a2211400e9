package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/SecureAI-Team/creator-sub000/internal/gateway"
	"github.com/SecureAI-Team/creator-sub000/internal/gateway/gatewaytest"
	"github.com/SecureAI-Team/creator-sub000/internal/protocol"
	"github.com/SecureAI-Team/creator-sub000/internal/wsconn"
)

// pipeDialer hands the relay-side end of each dialed pipe to the test.
type pipeDialer struct {
	mu     sync.Mutex
	tokens []string
	relay  chan *wsconn.PipeSocket
}

func newPipeDialer() *pipeDialer {
	return &pipeDialer{relay: make(chan *wsconn.PipeSocket, 8)}
}

func (d *pipeDialer) Dial(ctx context.Context, rawURL string) (wsconn.Socket, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.tokens = append(d.tokens, u.Query().Get("token"))
	d.mu.Unlock()
	local, remote := wsconn.Pipe()
	d.relay <- remote
	return local, nil
}

func (d *pipeDialer) dials() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.tokens...)
}

func (d *pipeDialer) next(t *testing.T) *wsconn.PipeSocket {
	t.Helper()
	select {
	case s := <-d.relay:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("expected a dial")
		return nil
	}
}

func newPipeClient(d *pipeDialer, gw Gateway, delay time.Duration) *Client {
	h := NewHandler(gw, HandlerOptions{ProbeDelay: time.Millisecond})
	return NewClient(h, ClientOptions{RelayURL: "ws://relay.test/ws/bridge", Dialer: d, ReconnectDelay: delay})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTokenRejectedCloseDisablesReconnect(t *testing.T) {
	d := newPipeDialer()
	c := newPipeClient(d, &fakeGateway{}, 20*time.Millisecond)
	defer c.Disconnect()

	if err := c.Connect(context.Background(), "tok-1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	relaySide := d.next(t)
	_ = relaySide.CloseWithCode(protocol.CloseTokenRejected, "token rejected")

	waitFor(t, c.Rejected)
	time.Sleep(100 * time.Millisecond)
	if got := c.ReconnectAttempts(); got != 0 {
		t.Fatalf("expected zero reconnects after rejection, got %d", got)
	}
	if got := len(d.dials()); got != 1 {
		t.Fatalf("expected a single dial, got %d", got)
	}

	if err := c.Connect(context.Background(), "tok-2"); err != nil {
		t.Fatalf("reconnect with new token: %v", err)
	}
	d.next(t)
	if c.Rejected() || !c.Connected() {
		t.Fatal("expected fresh token to clear the rejection")
	}
}

func TestNaturalCloseReconnectsOnceWithLastToken(t *testing.T) {
	d := newPipeDialer()
	c := newPipeClient(d, &fakeGateway{}, 20*time.Millisecond)
	defer c.Disconnect()

	if err := c.Connect(context.Background(), "tok-1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	first := d.next(t)
	_ = first.CloseWithCode(1001, "relay restarting")

	d.next(t)
	waitFor(t, c.Connected)
	if got := c.ReconnectAttempts(); got != 1 {
		t.Fatalf("expected one reconnect, got %d", got)
	}
	if got := d.dials(); !reflect.DeepEqual(got, []string{"tok-1", "tok-1"}) {
		t.Fatalf("expected reconnect with last token, got %v", got)
	}
}

func TestDisconnectStopsReconnect(t *testing.T) {
	d := newPipeDialer()
	gw := &fakeGateway{}
	c := newPipeClient(d, gw, 20*time.Millisecond)

	if err := c.Connect(context.Background(), "tok-1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	d.next(t)
	c.Disconnect()
	time.Sleep(80 * time.Millisecond)
	if c.Connected() || c.ReconnectAttempts() != 0 {
		t.Fatal("expected no reconnect after disconnect")
	}
	if got := gw.closeCount(); got != 1 {
		t.Fatalf("expected gateway closed once, got %d", got)
	}
}

func TestDisconnectFailsPendingGatewayCalls(t *testing.T) {
	srv := gatewaytest.New()
	defer srv.Close()
	srv.Reply("slow")
	gw := gateway.NewClient(gateway.Options{
		Endpoint:       func() gateway.Endpoint { return gateway.Endpoint{Port: srv.Port()} },
		ChallengeGrace: 20 * time.Millisecond,
	})
	defer gw.Close()

	d := newPipeDialer()
	c := newPipeClient(d, gw, time.Second)
	if err := c.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	d.next(t)
	if !gw.Connect(context.Background(), time.Second) {
		t.Fatal("gateway connect failed")
	}

	errc := make(chan error, 1)
	go func() {
		_, err := gw.Call(context.Background(), "slow", nil, gateway.CallOptions{Timeout: 5 * time.Second})
		errc <- err
	}()
	waitFor(t, func() bool { return srv.Calls("slow") == 1 })
	c.Disconnect()

	select {
	case err := <-errc:
		if !errors.Is(err, gateway.ErrConnectionClosed) {
			t.Fatalf("expected connection closed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending gateway call outlived disconnect")
	}
	if gw.Connected() {
		t.Fatal("expected gateway connection torn down")
	}
}

func readFrames(t *testing.T, sock wsconn.Socket, until func(protocol.Frame) bool) []protocol.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var frames []protocol.Frame
	for {
		text, err := sock.ReadText(ctx)
		if err != nil {
			t.Fatalf("read relay side: %v", err)
		}
		var f protocol.Frame
		if err := json.Unmarshal([]byte(text), &f); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		frames = append(frames, f)
		if until(f) {
			return frames
		}
	}
}

func sendCommand(t *testing.T, sock wsconn.Socket, requestID string, cmd protocol.Command) {
	t.Helper()
	frame := protocol.Frame{Type: protocol.FrameAgent, RequestID: requestID, Message: protocol.MustRaw(cmd)}
	if err := sock.WriteText(context.Background(), string(protocol.MustRaw(frame))); err != nil {
		t.Fatalf("write command: %v", err)
	}
}

func stagesOf(frames []protocol.Frame) []protocol.Stage {
	var out []protocol.Stage
	for _, f := range frames {
		if f.Type == protocol.FrameAgentAck {
			out = append(out, f.Stage)
		}
	}
	return out
}

func TestEndToEndOrdinaryCommandThroughGateway(t *testing.T) {
	srv := gatewaytest.New()
	defer srv.Close()
	srv.Reply(protocol.MethodAgent,
		gatewaytest.Response{OK: true, Payload: map[string]any{"status": "accepted", "runId": "run-1"}},
		gatewaytest.Response{OK: true, Payload: map[string]any{"status": "ok", "runId": "run-1"}},
	)
	gw := gateway.NewClient(gateway.Options{
		Endpoint:       func() gateway.Endpoint { return gateway.Endpoint{Port: srv.Port()} },
		ChallengeGrace: 20 * time.Millisecond,
	})
	defer gw.Close()

	d := newPipeDialer()
	c := newPipeClient(d, gw, time.Second)
	defer c.Disconnect()
	if err := c.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	relaySide := d.next(t)

	sendCommand(t, relaySide, "req-e2e", protocol.Command{Kind: protocol.CommandMessage, Text: "hello"})
	frames := readFrames(t, relaySide, func(f protocol.Frame) bool { return f.Type == protocol.FrameAgentResponse })

	want := []protocol.Stage{protocol.StageReceived, protocol.StageLocalResponse}
	if got := stagesOf(frames); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected stages: %v", got)
	}
	var reply protocol.Reply
	_ = json.Unmarshal(frames[len(frames)-1].Reply, &reply)
	if !reply.OK || reply.Status != "ok" || reply.RunID != "run-1" {
		t.Fatalf("unexpected reply: %#v", reply)
	}
}

func TestEndToEndLoginCommandThroughGateway(t *testing.T) {
	srv := gatewaytest.New()
	defer srv.Close()
	srv.Reply(protocol.MethodBrowserLogin,
		gatewaytest.Response{OK: true, Payload: map[string]any{"status": "started"}},
		gatewaytest.Response{OK: true, Payload: map[string]any{"status": "logged_in"}},
	)
	gw := gateway.NewClient(gateway.Options{
		Endpoint:       func() gateway.Endpoint { return gateway.Endpoint{Port: srv.Port()} },
		ChallengeGrace: 20 * time.Millisecond,
	})
	defer gw.Close()

	d := newPipeDialer()
	c := newPipeClient(d, gw, time.Second)
	defer c.Disconnect()
	if err := c.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	relaySide := d.next(t)

	sendCommand(t, relaySide, "req-login", protocol.Command{Kind: protocol.CommandLogin, Target: "xhs"})
	frames := readFrames(t, relaySide, func(f protocol.Frame) bool { return f.Type == protocol.FrameAgentResponse })

	want := []protocol.Stage{protocol.StageReceived, protocol.StageBrowserOpened, protocol.StageLoginPageLoaded, protocol.StageDone}
	if got := stagesOf(frames); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected stages: %v", got)
	}
	if frames[len(frames)-1].Type != protocol.FrameAgentResponse {
		t.Fatal("expected reply after the stages")
	}
}
