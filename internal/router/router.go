// Package router decides, per command, between the user's local bridge
// and the server-side automation instance.
package router

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/SecureAI-Team/creator-sub000/internal/apperr"
	dbmodel "github.com/SecureAI-Team/creator-sub000/internal/db"
	"github.com/SecureAI-Team/creator-sub000/internal/protocol"
	"github.com/SecureAI-Team/creator-sub000/internal/store"
)

type Route string

const (
	RouteLocal   Route = "local"
	RouteRemote  Route = "remote"
	RouteDeduped Route = "deduped"
)

const (
	DefaultAckTimeout   = 5 * time.Second
	DefaultDedupeWindow = 15 * time.Second
)

type Relay interface {
	Status(ctx context.Context, userID string) (bool, error)
	Send(ctx context.Context, req protocol.SendRequest) (protocol.SendResponse, error)
}

type Instances interface {
	Run(ctx context.Context, userID string, cmd protocol.Command) (protocol.Reply, error)
}

// Recorder persists dispatch records. It may be nil.
type Recorder interface {
	Create(ctx context.Context, d dbmodel.Dispatch) error
	Update(ctx context.Context, dispatchID string, u store.DispatchUpdate) error
	CompleteByRelayRequest(ctx context.Context, relayRequestID string, u store.DispatchUpdate) (bool, error)
}

type Options struct {
	AckTimeout   time.Duration
	DedupeWindow time.Duration
	Recorder     Recorder
	Logger       *slog.Logger
}

type Result struct {
	DispatchID     string          `json:"dispatchId"`
	Route          Route           `json:"route"`
	Stage          protocol.Stage  `json:"stage,omitempty"`
	RelayRequestID string          `json:"relayRequestId,omitempty"`
	Reply          *protocol.Reply `json:"reply,omitempty"`
}

type Router struct {
	relay     Relay
	instances Instances
	opts      Options
	validate  *validator.Validate
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.Mutex
	recent map[string]time.Time
}

func New(relay Relay, instances Instances, opts Options) *Router {
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = DefaultAckTimeout
	}
	if opts.DedupeWindow <= 0 {
		opts.DedupeWindow = DefaultDedupeWindow
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		relay:     relay,
		instances: instances,
		opts:      opts,
		validate:  validator.New(),
		logger:    logger.With("module", "router"),
		now:       time.Now,
		recent:    map[string]time.Time{},
	}
}

// Execute routes cmd for userID. The local bridge is tried first when the
// relay reports a connection; a missing ack, a missing connection or a
// closed connection falls back to the automation instance exactly once.
func (r *Router) Execute(ctx context.Context, userID string, cmd protocol.Command) (Result, error) {
	if userID == "" {
		return Result{}, apperr.InvalidRequest("user id is required", nil)
	}
	if err := r.validate.Struct(cmd); err != nil {
		return Result{}, apperr.InvalidRequest("invalid command", err)
	}

	res := Result{DispatchID: uuid.NewString()}
	logger := r.logger.With("user_id", userID, "dispatch_id", res.DispatchID, "kind", cmd.Kind, "target", cmd.Target)

	if r.seenRecently(dedupeKey(userID, cmd)) {
		res.Route = RouteDeduped
		r.create(ctx, logger, dbmodel.Dispatch{DispatchID: res.DispatchID, UserID: userID, Kind: string(cmd.Kind), Target: cmd.Target, Route: string(RouteDeduped), Status: store.DispatchDeduped})
		logger.Info("command deduped")
		return res, nil
	}
	r.create(ctx, logger, dbmodel.Dispatch{DispatchID: res.DispatchID, UserID: userID, Kind: string(cmd.Kind), Target: cmd.Target})

	if r.localAvailable(ctx, logger, userID) {
		sent, err := r.relay.Send(ctx, protocol.SendRequest{
			UserID:       userID,
			Message:      protocol.MustRaw(cmd),
			ReturnOnAck:  true,
			AckTimeoutMs: int(r.opts.AckTimeout / time.Millisecond),
		})
		switch {
		case err == nil && sent.Ack:
			res.Route = RouteLocal
			res.Stage = sent.Stage
			res.RelayRequestID = sent.RequestID
			r.update(ctx, logger, res.DispatchID, store.DispatchUpdate{Route: string(RouteLocal), Status: store.DispatchAcked, RelayRequestID: sent.RequestID, Stage: string(sent.Stage)})
			logger.Info("command acknowledged by local bridge", "stage", sent.Stage)
			return res, nil
		case err == nil:
			logger.Info("local bridge replied without ack; falling back")
		case shouldFallback(err):
			logger.Info("local path unavailable; falling back", "kind", apperr.KindOf(err))
		default:
			r.update(ctx, logger, res.DispatchID, store.DispatchUpdate{Route: string(RouteLocal), Status: store.DispatchFailed, LastError: err.Error()})
			return Result{}, err
		}
	}

	return r.fallback(ctx, logger, userID, cmd, res)
}

func (r *Router) fallback(ctx context.Context, logger *slog.Logger, userID string, cmd protocol.Command, res Result) (Result, error) {
	res.Route = RouteRemote
	reply, err := r.instances.Run(ctx, userID, cmd)
	if err != nil {
		logger.Warn("remote execution failed", "err", err)
		r.update(ctx, logger, res.DispatchID, store.DispatchUpdate{Route: string(RouteRemote), Status: store.DispatchFailed, LastError: err.Error()})
		return Result{}, err
	}
	res.Reply = &reply
	status := store.DispatchCompleted
	if !reply.OK {
		status = store.DispatchFailed
	}
	r.update(ctx, logger, res.DispatchID, store.DispatchUpdate{Route: string(RouteRemote), Status: status, ReplyJSON: string(protocol.MustRaw(reply)), LastError: reply.Error})
	return res, nil
}

func (r *Router) localAvailable(ctx context.Context, logger *slog.Logger, userID string) bool {
	ok, err := r.relay.Status(ctx, userID)
	if err != nil {
		logger.Warn("relay status failed", "err", err)
		return false
	}
	return ok
}

func shouldFallback(err error) bool {
	return errors.Is(err, apperr.ErrAckTimeout) ||
		errors.Is(err, apperr.ErrNotConnected) ||
		errors.Is(err, apperr.ErrConnectionClosed) ||
		apperr.KindOf(err) == apperr.KindUnreachable
}

// Complete records the final result of a command whose caller returned
// on its ack.
func (r *Router) Complete(ctx context.Context, c protocol.Completion) error {
	if r.opts.Recorder == nil {
		return nil
	}
	status := store.DispatchCompleted
	if !c.Reply.OK {
		status = store.DispatchFailed
	}
	found, err := r.opts.Recorder.CompleteByRelayRequest(ctx, c.RequestID, store.DispatchUpdate{
		Status:    status,
		ReplyJSON: string(protocol.MustRaw(c.Reply)),
		LastError: c.Reply.Error,
	})
	if err != nil {
		return err
	}
	if !found {
		r.logger.Debug("completion for unknown dispatch", "relay_request_id", c.RequestID)
	}
	return nil
}

func (r *Router) seenRecently(key string) bool {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, at := range r.recent {
		if now.Sub(at) >= r.opts.DedupeWindow {
			delete(r.recent, k)
		}
	}
	if _, ok := r.recent[key]; ok {
		return true
	}
	r.recent[key] = now
	return false
}

// dedupeKey identifies a command by user, kind and target. Message text
// is part of the key so distinct messages to one target are not merged.
func dedupeKey(userID string, cmd protocol.Command) string {
	key := userID + "|" + string(cmd.Kind) + "|" + cmd.Target
	if cmd.Kind == protocol.CommandMessage {
		sum := sha256.Sum256([]byte(cmd.Text))
		key += "|" + hex.EncodeToString(sum[:8])
	}
	return key
}

func (r *Router) create(ctx context.Context, logger *slog.Logger, d dbmodel.Dispatch) {
	if r.opts.Recorder == nil {
		return
	}
	if err := r.opts.Recorder.Create(ctx, d); err != nil {
		logger.Warn("record dispatch failed", "err", err)
	}
}

func (r *Router) update(ctx context.Context, logger *slog.Logger, id string, u store.DispatchUpdate) {
	if r.opts.Recorder == nil {
		return
	}
	if err := r.opts.Recorder.Update(ctx, id, u); err != nil {
		logger.Warn("update dispatch failed", "err", err)
	}
}
