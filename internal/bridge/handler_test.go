package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/SecureAI-Team/creator-sub000/internal/gateway"
	"github.com/SecureAI-Team/creator-sub000/internal/protocol"
)

type fakeGateway struct {
	mu        sync.Mutex
	reachable bool
	probes    int
	method    string
	params    any
	opts      gateway.CallOptions
	payload   json.RawMessage
	err       error
	closes    int
}

func (f *fakeGateway) Connect(ctx context.Context, timeout time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	return f.reachable
}

func (f *fakeGateway) Call(ctx context.Context, method string, params any, opts gateway.CallOptions) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.method = method
	f.params = params
	f.opts = opts
	return f.payload, f.err
}

func (f *fakeGateway) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeGateway) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

type recordingEmitter struct {
	mu      sync.Mutex
	stages  []protocol.Stage
	replies []protocol.Reply
}

func (r *recordingEmitter) Ack(ctx context.Context, requestID string, stage protocol.Stage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, stage)
	return nil
}

func (r *recordingEmitter) Respond(ctx context.Context, requestID string, reply protocol.Reply) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, reply)
	return nil
}

func newTestHandler(gw Gateway) *Handler {
	return NewHandler(gw, HandlerOptions{ProbeDelay: time.Millisecond})
}

func command(t *testing.T, cmd protocol.Command) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("marshal command: %v", err)
	}
	return raw
}

func TestHandleOrdinaryCommandAcksThenReplies(t *testing.T) {
	gw := &fakeGateway{reachable: true, payload: json.RawMessage(`{"status":"ok","runId":"run-7"}`)}
	out := &recordingEmitter{}

	newTestHandler(gw).Handle(context.Background(), "req-1", command(t, protocol.Command{Kind: protocol.CommandMessage, Text: "publish"}), out)

	want := []protocol.Stage{protocol.StageReceived, protocol.StageLocalResponse}
	if !reflect.DeepEqual(out.stages, want) {
		t.Fatalf("unexpected stages: %v", out.stages)
	}
	if len(out.replies) != 1 || !out.replies[0].OK || out.replies[0].RunID != "run-7" || out.replies[0].Status != "ok" {
		t.Fatalf("unexpected replies: %#v", out.replies)
	}
	if gw.method != protocol.MethodAgent || !gw.opts.ExpectFinal {
		t.Fatalf("unexpected gateway call: %s %#v", gw.method, gw.opts)
	}
	params := gw.params.(map[string]any)
	if params["idempotencyKey"] != "req-1" || params["message"] != "publish" {
		t.Fatalf("unexpected params: %#v", params)
	}
}

func TestHandleLoginEmitsLoginStages(t *testing.T) {
	gw := &fakeGateway{reachable: true, payload: json.RawMessage(`{"status":"done"}`)}
	out := &recordingEmitter{}

	newTestHandler(gw).Handle(context.Background(), "req-2", command(t, protocol.Command{Kind: protocol.CommandLogin, Target: "douyin"}), out)

	want := []protocol.Stage{protocol.StageReceived, protocol.StageBrowserOpened, protocol.StageLoginPageLoaded, protocol.StageDone}
	if !reflect.DeepEqual(out.stages, want) {
		t.Fatalf("unexpected stages: %v", out.stages)
	}
	if gw.method != protocol.MethodBrowserLogin || !gw.opts.ExpectFinal {
		t.Fatalf("unexpected gateway call: %s", gw.method)
	}
	if gw.params.(map[string]any)["target"] != "douyin" {
		t.Fatalf("expected target param, got %#v", gw.params)
	}
}

func TestHandleUnreachableSendsNoAck(t *testing.T) {
	gw := &fakeGateway{reachable: false}
	out := &recordingEmitter{}

	newTestHandler(gw).Handle(context.Background(), "req-3", command(t, protocol.Command{Kind: protocol.CommandMessage, Text: "x"}), out)

	if len(out.stages) != 0 {
		t.Fatalf("expected no acks, got %v", out.stages)
	}
	if gw.probes != 3 {
		t.Fatalf("expected 3 probe attempts, got %d", gw.probes)
	}
	if len(out.replies) != 1 || out.replies[0].OK || out.replies[0].Error != "local automation engine unavailable" {
		t.Fatalf("unexpected replies: %#v", out.replies)
	}
	if gw.method != "" {
		t.Fatal("expected no gateway call")
	}
}

func TestHandleGatewayFailureEmitsLocalError(t *testing.T) {
	gw := &fakeGateway{reachable: true, err: errors.New("page crashed")}
	out := &recordingEmitter{}

	newTestHandler(gw).Handle(context.Background(), "req-4", command(t, protocol.Command{Kind: protocol.CommandSync}), out)

	want := []protocol.Stage{protocol.StageReceived, protocol.StageLocalError}
	if !reflect.DeepEqual(out.stages, want) {
		t.Fatalf("unexpected stages: %v", out.stages)
	}
	if len(out.replies) != 1 || out.replies[0].Error != "page crashed" {
		t.Fatalf("unexpected replies: %#v", out.replies)
	}
	if gw.method != protocol.MethodWorkspace || gw.opts.ExpectFinal {
		t.Fatalf("unexpected gateway call: %s %#v", gw.method, gw.opts)
	}
}

func TestHandleInvalidCommand(t *testing.T) {
	gw := &fakeGateway{reachable: true}
	out := &recordingEmitter{}

	newTestHandler(gw).Handle(context.Background(), "req-5", json.RawMessage(`{"kind":"explode"}`), out)

	if len(out.stages) != 0 || len(out.replies) != 1 || out.replies[0].OK {
		t.Fatalf("expected a single failure reply, got %v %#v", out.stages, out.replies)
	}
	if gw.probes != 0 {
		t.Fatal("expected no probe for invalid command")
	}
}
