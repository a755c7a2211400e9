package relay

import (
	"context"
	"crypto/ed25519"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/SecureAI-Team/creator-sub000/internal/apperr"
	"github.com/SecureAI-Team/creator-sub000/internal/httpx"
	"github.com/SecureAI-Team/creator-sub000/internal/protocol"
	"github.com/SecureAI-Team/creator-sub000/internal/token"
	"github.com/SecureAI-Team/creator-sub000/internal/wsconn"
)

// Verifier turns a handshake token into the user it was issued for.
type Verifier func(raw string) (userID string, err error)

func KeyVerifier(pub ed25519.PublicKey) Verifier {
	return func(raw string) (string, error) {
		claims, err := token.Verify(pub, raw)
		if err != nil {
			return "", err
		}
		return claims.Subject, nil
	}
}

type Server struct {
	hub      *Hub
	verify   Verifier
	validate *validator.Validate
	logger   *slog.Logger
	router   chi.Router
	baseCtx  context.Context
}

func NewServer(ctx context.Context, hub *Hub, verify Verifier, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		hub:      hub,
		verify:   verify,
		validate: validator.New(),
		logger:   logger.With("module", "relay_server"),
		baseCtx:  ctx,
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Get("/ws/bridge", s.handleBridge)
	r.Route("/internal", func(r chi.Router) {
		r.Use(httpx.LoopbackOnly)
		r.Use(httpx.RequestLogger(s.logger))
		r.Get("/status", s.handleStatus)
		r.Post("/send", s.handleSend)
	})
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok", "connections": s.hub.Connections()})
}

func (s *Server) handleBridge(w http.ResponseWriter, r *http.Request) {
	sock, err := wsconn.Accept(w, r)
	if err != nil {
		s.logger.Debug("bridge upgrade failed", "err", err)
		return
	}
	userID, err := s.verify(r.URL.Query().Get("token"))
	if err != nil || userID == "" {
		s.logger.Info("bridge token rejected", "remote", r.RemoteAddr, "err", err)
		_ = sock.CloseWithCode(protocol.CloseTokenRejected, "token rejected")
		return
	}
	// Reads must outlive the upgrade request; the server's base context
	// bounds them instead.
	s.hub.Serve(s.baseCtx, userID, sock)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		httpx.WriteError(w, apperr.InvalidRequest("userId is required", nil))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, protocol.StatusResponse{Connected: s.hub.Status(userID)})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req protocol.SendRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		httpx.WriteError(w, apperr.InvalidRequest("invalid send request", err))
		return
	}

	res, err := s.hub.Send(r.Context(), req.UserID, req.Message, SendOptions{
		WaitForAckOnly: req.ReturnOnAck,
		AckTimeout:     time.Duration(req.AckTimeoutMs) * time.Millisecond,
	})
	if err != nil {
		s.logger.Info("relay send failed", "user_id", req.UserID, "kind", apperr.KindOf(err), "err", err)
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, protocol.SendResponse{RequestID: res.RequestID, Reply: res.Reply, Ack: res.Acked, Stage: res.Stage})
}
