// Package bridge is the local side of the relay: it holds the websocket
// to the relay and turns each relayed command into a gateway call.
package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/SecureAI-Team/creator-sub000/internal/gateway"
	"github.com/SecureAI-Team/creator-sub000/internal/protocol"
)

const (
	EngineLocal         = "local"
	msgEngineUnavailable = "local automation engine unavailable"
)

type Gateway interface {
	Connect(ctx context.Context, timeout time.Duration) bool
	Call(ctx context.Context, method string, params any, opts gateway.CallOptions) (json.RawMessage, error)
	Close() error
}

// Emitter writes acks and the terminal reply for one request back to
// the relay.
type Emitter interface {
	Ack(ctx context.Context, requestID string, stage protocol.Stage) error
	Respond(ctx context.Context, requestID string, reply protocol.Reply) error
}

type HandlerOptions struct {
	ProbeAttempts int
	ProbeDelay    time.Duration
	ProbeTimeout  time.Duration
	CallTimeout   time.Duration
	Logger        *slog.Logger
}

type Handler struct {
	gw       Gateway
	opts     HandlerOptions
	validate *validator.Validate
	logger   *slog.Logger
}

func NewHandler(gw Gateway, opts HandlerOptions) *Handler {
	if opts.ProbeAttempts <= 0 {
		opts.ProbeAttempts = 3
	}
	if opts.ProbeDelay <= 0 {
		opts.ProbeDelay = time.Second
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 2 * time.Second
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 60 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{gw: gw, opts: opts, validate: validator.New(), logger: logger.With("module", "bridge")}
}

// Close drops the gateway connection and fails its pending calls. The next
// command probes and reconnects.
func (h *Handler) Close() error {
	return h.gw.Close()
}

func (h *Handler) Handle(ctx context.Context, requestID string, raw json.RawMessage, out Emitter) {
	logger := h.logger.With("request_id", requestID)

	var cmd protocol.Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		h.respond(ctx, logger, out, requestID, protocol.FailureReply(EngineLocal, "invalid command: "+err.Error()))
		return
	}
	if err := h.validate.Struct(cmd); err != nil {
		h.respond(ctx, logger, out, requestID, protocol.FailureReply(EngineLocal, "invalid command: "+err.Error()))
		return
	}

	if !h.probe(ctx) {
		// No ack here: the relay's ack deadline is what triggers fallback.
		logger.Warn("gateway unreachable", "attempts", h.opts.ProbeAttempts)
		h.respond(ctx, logger, out, requestID, protocol.FailureReply(EngineLocal, msgEngineUnavailable))
		return
	}
	h.ack(ctx, logger, out, requestID, protocol.StageReceived)

	method, params, callOpts := h.gatewayCall(requestID, cmd)
	payload, err := h.gw.Call(ctx, method, params, callOpts)
	if err != nil {
		logger.Warn("gateway call failed", "method", method, "err", err)
		h.ack(ctx, logger, out, requestID, protocol.StageLocalError)
		h.respond(ctx, logger, out, requestID, protocol.FailureReply(EngineLocal, err.Error()))
		return
	}

	for _, stage := range cmd.SuccessStages() {
		h.ack(ctx, logger, out, requestID, stage)
	}
	var st protocol.RunStatus
	_ = json.Unmarshal(payload, &st)
	h.respond(ctx, logger, out, requestID, protocol.Reply{
		OK:      true,
		Status:  st.Status,
		RunID:   st.RunID,
		Engine:  EngineLocal,
		Payload: payload,
	})
}

func (h *Handler) gatewayCall(requestID string, cmd protocol.Command) (string, map[string]any, gateway.CallOptions) {
	params := map[string]any{}
	for k, v := range cmd.Params {
		params[k] = v
	}
	if cmd.Target != "" {
		params["target"] = cmd.Target
	}
	opts := gateway.CallOptions{Timeout: h.opts.CallTimeout}
	switch cmd.Kind {
	case protocol.CommandLogin:
		opts.ExpectFinal = true
		return protocol.MethodBrowserLogin, params, opts
	case protocol.CommandSync:
		return protocol.MethodWorkspace, params, opts
	default:
		params["message"] = cmd.Text
		params["idempotencyKey"] = requestID
		opts.ExpectFinal = true
		return protocol.MethodAgent, params, opts
	}
}

func (h *Handler) probe(ctx context.Context) bool {
	for attempt := 1; attempt <= h.opts.ProbeAttempts; attempt++ {
		if h.gw.Connect(ctx, h.opts.ProbeTimeout) {
			return true
		}
		if attempt == h.opts.ProbeAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(h.opts.ProbeDelay):
		}
	}
	return false
}

func (h *Handler) ack(ctx context.Context, logger *slog.Logger, out Emitter, requestID string, stage protocol.Stage) {
	if err := out.Ack(ctx, requestID, stage); err != nil {
		logger.Warn("send ack failed", "stage", stage, "err", err)
	}
}

func (h *Handler) respond(ctx context.Context, logger *slog.Logger, out Emitter, requestID string, reply protocol.Reply) {
	if err := out.Respond(ctx, requestID, reply); err != nil {
		logger.Warn("send reply failed", "err", err)
	}
}
