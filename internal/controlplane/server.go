// Package controlplane serves the cloud API that issues bridge tokens,
// holds workspace files and runs commands through the execution router.
package controlplane

import (
	"context"
	"crypto/ed25519"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/SecureAI-Team/creator-sub000/internal/apperr"
	dbmodel "github.com/SecureAI-Team/creator-sub000/internal/db"
	"github.com/SecureAI-Team/creator-sub000/internal/httpx"
	"github.com/SecureAI-Team/creator-sub000/internal/protocol"
	"github.com/SecureAI-Team/creator-sub000/internal/router"
	"github.com/SecureAI-Team/creator-sub000/internal/token"
	"github.com/SecureAI-Team/creator-sub000/internal/workspace"
)

const maxWorkspaceFileBytes = 1 << 20

// UserResolver identifies the caller of a control-plane request.
type UserResolver interface {
	ResolveUser(r *http.Request) (string, error)
}

// HeaderUserResolver trusts the X-Creator-User header set by the
// authenticating proxy in front of this service.
type HeaderUserResolver struct{}

func (HeaderUserResolver) ResolveUser(r *http.Request) (string, error) {
	user := strings.TrimSpace(r.Header.Get(protocol.UserHeader))
	if user == "" {
		return "", apperr.InvalidRequest("missing "+protocol.UserHeader+" header", nil)
	}
	return user, nil
}

type Executor interface {
	Execute(ctx context.Context, userID string, cmd protocol.Command) (router.Result, error)
	Complete(ctx context.Context, c protocol.Completion) error
}

type RelayStatus interface {
	Status(ctx context.Context, userID string) (bool, error)
}

type WorkspaceFiles interface {
	Put(ctx context.Context, userID, path string, content []byte) (dbmodel.WorkspaceFile, error)
	List(ctx context.Context, userID string) ([]dbmodel.WorkspaceFile, error)
}

type Dispatches interface {
	ListByUser(ctx context.Context, userID string, limit int) ([]dbmodel.Dispatch, error)
}

type Deps struct {
	Executor   Executor
	Relay      RelayStatus
	Workspace  WorkspaceFiles
	Dispatches Dispatches
	SigningKey ed25519.PrivateKey
	TokenTTL   time.Duration
	Users      UserResolver
	Logger     *slog.Logger
}

type Server struct {
	deps     Deps
	validate *validator.Validate
	logger   *slog.Logger
	router   chi.Router
	now      func() time.Time
}

func NewServer(deps Deps) *Server {
	if deps.TokenTTL <= 0 {
		deps.TokenTTL = token.DefaultTTL
	}
	if deps.Users == nil {
		deps.Users = HeaderUserResolver{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		deps:     deps,
		validate: validator.New(),
		logger:   logger.With("module", "controlplane"),
		now:      time.Now,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(httpx.RequestLogger(s.logger))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/api", func(r chi.Router) {
		r.Post("/bridge/token", s.withUser(s.handleToken))
		r.Get("/bridge/status", s.withUser(s.handleBridgeStatus))
		r.Get("/workspace", s.withUser(s.handleWorkspaceList))
		r.Put("/workspace/*", s.withUser(s.handleWorkspacePut))
		r.Post("/commands", s.withUser(s.handleCommand))
		r.Get("/commands", s.withUser(s.handleCommandList))
	})
	r.Route("/internal", func(r chi.Router) {
		r.Use(httpx.LoopbackOnly)
		r.Post("/completions", s.handleCompletion)
	})
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

type userHandler func(w http.ResponseWriter, r *http.Request, userID string)

func (s *Server) withUser(next userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := s.deps.Users.ResolveUser(r)
		if err != nil {
			httpx.WriteError(w, err)
			return
		}
		next(w, r, userID)
	}
}

func (s *Server) handleToken(w http.ResponseWriter, _ *http.Request, userID string) {
	if len(s.deps.SigningKey) == 0 {
		httpx.WriteError(w, apperr.Internal("signing key is not configured", nil))
		return
	}
	raw, claims, err := token.Mint(s.deps.SigningKey, userID, s.deps.TokenTTL, s.now())
	if err != nil {
		httpx.WriteError(w, apperr.Internal("mint token", err))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, protocol.TokenResponse{Token: raw, ExpiresAt: claims.ExpiresAt})
}

func (s *Server) handleBridgeStatus(w http.ResponseWriter, r *http.Request, userID string) {
	connected, err := s.deps.Relay.Status(r.Context(), userID)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, protocol.BridgeStatusResponse{Connected: connected})
}

func (s *Server) handleWorkspaceList(w http.ResponseWriter, r *http.Request, userID string) {
	rows, err := s.deps.Workspace.List(r.Context(), userID)
	if err != nil {
		httpx.WriteError(w, apperr.Internal("list workspace", err))
		return
	}
	files := make([]protocol.WorkspaceFile, 0, len(rows))
	for _, row := range rows {
		files = append(files, protocol.WorkspaceFile{Path: row.Path, Content: row.Content, SHA256: row.SHA256, UpdatedAt: row.UpdatedAt})
	}
	httpx.WriteJSON(w, http.StatusOK, protocol.WorkspaceResponse{Files: files})
}

func (s *Server) handleWorkspacePut(w http.ResponseWriter, r *http.Request, userID string) {
	path, err := workspace.CleanPath(chi.URLParam(r, "*"))
	if err != nil {
		httpx.WriteError(w, apperr.InvalidRequest(err.Error(), err))
		return
	}
	content, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWorkspaceFileBytes))
	if err != nil {
		httpx.WriteError(w, apperr.InvalidRequest("workspace file too large", err))
		return
	}
	row, err := s.deps.Workspace.Put(r.Context(), userID, path, content)
	if err != nil {
		httpx.WriteError(w, apperr.Internal("store workspace file", err))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, protocol.WorkspaceFile{Path: row.Path, SHA256: row.SHA256, UpdatedAt: row.UpdatedAt})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request, userID string) {
	var cmd protocol.Command
	if err := httpx.DecodeJSON(w, r, &cmd); err != nil {
		httpx.WriteError(w, err)
		return
	}
	if err := s.validate.Struct(cmd); err != nil {
		httpx.WriteError(w, apperr.InvalidRequest("invalid command", err))
		return
	}
	res, err := s.deps.Executor.Execute(r.Context(), userID, cmd)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	code := http.StatusOK
	if res.Route == router.RouteDeduped {
		code = apperr.StatusCode(apperr.ErrDeduped)
	}
	httpx.WriteJSON(w, code, res)
}

type dispatchView struct {
	DispatchID     string `json:"dispatchId"`
	Kind           string `json:"kind"`
	Target         string `json:"target,omitempty"`
	Route          string `json:"route"`
	Status         string `json:"status"`
	Stage          string `json:"stage,omitempty"`
	RelayRequestID string `json:"relayRequestId,omitempty"`
	LastError      string `json:"lastError,omitempty"`
	CreatedAt      int64  `json:"createdAt"`
	UpdatedAt      int64  `json:"updatedAt"`
}

func (s *Server) handleCommandList(w http.ResponseWriter, r *http.Request, userID string) {
	if s.deps.Dispatches == nil {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"dispatches": []dispatchView{}})
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 200 {
			httpx.WriteError(w, apperr.InvalidRequest("limit must be between 1 and 200", err))
			return
		}
		limit = n
	}
	rows, err := s.deps.Dispatches.ListByUser(r.Context(), userID, limit)
	if err != nil {
		httpx.WriteError(w, apperr.Internal("list dispatches", err))
		return
	}
	out := make([]dispatchView, 0, len(rows))
	for _, d := range rows {
		out = append(out, dispatchView{
			DispatchID: d.DispatchID, Kind: d.Kind, Target: d.Target, Route: d.Route, Status: d.Status,
			Stage: d.Stage, RelayRequestID: d.RelayRequestID, LastError: d.LastError,
			CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt,
		})
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"dispatches": out})
}

func (s *Server) handleCompletion(w http.ResponseWriter, r *http.Request) {
	var c protocol.Completion
	if err := httpx.DecodeJSON(w, r, &c); err != nil {
		httpx.WriteError(w, err)
		return
	}
	if c.RequestID == "" {
		httpx.WriteError(w, apperr.InvalidRequest("requestId is required", nil))
		return
	}
	if err := s.deps.Executor.Complete(r.Context(), c); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		httpx.WriteError(w, apperr.Internal("record completion", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
