// Package gatewaytest runs a scriptable local automation gateway for
// tests of the gateway client and the bridge.
package gatewaytest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/SecureAI-Team/creator-sub000/internal/protocol"
)

// Response is one res frame the server writes for a request.
type Response struct {
	OK      bool
	Payload any
	Error   *protocol.GatewayError
	Delay   time.Duration
}

// Responder scripts the replies for one method. Returning no responses
// leaves the request unanswered.
type Responder func(req protocol.GatewayFrame) []Response

type Server struct {
	SendChallenge bool
	Nonce         string
	RejectConnect bool
	Token         string
	// Untyped omits the type tag on events and responses.
	Untyped bool

	srv *httptest.Server

	mu         sync.Mutex
	responders map[string]Responder
	calls      map[string]int
	connects   int
	lastParams protocol.ConnectParams
	conns      map[*websocket.Conn]struct{}
}

func New() *Server {
	s := &Server{
		SendChallenge: true,
		Nonce:         "nonce-1",
		responders:    map[string]Responder{},
		calls:         map[string]int{},
		conns:         map[*websocket.Conn]struct{}{},
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

func (s *Server) Close() {
	s.DropConnections()
	s.srv.Close()
}

func (s *Server) Port() int {
	u, _ := url.Parse(s.srv.URL)
	port, _ := strconv.Atoi(u.Port())
	return port
}

func (s *Server) Handle(method string, fn Responder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responders[method] = fn
}

// Reply answers every call of method with the given responses.
func (s *Server) Reply(method string, responses ...Response) {
	s.Handle(method, func(protocol.GatewayFrame) []Response { return responses })
}

func (s *Server) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

func (s *Server) Connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

func (s *Server) LastConnect() protocol.ConnectParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastParams
}

func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close(websocket.StatusGoingAway, "gateway stopping")
	}
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := context.Background()
	var writeMu sync.Mutex
	write := func(frame protocol.GatewayFrame) {
		if s.Untyped {
			frame.Type = ""
		}
		data, _ := json.Marshal(frame)
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.Write(ctx, websocket.MessageText, data)
	}

	if s.SendChallenge {
		write(protocol.GatewayFrame{
			Type:    protocol.GatewayFrameEvent,
			Event:   protocol.EventConnectChallenge,
			Payload: protocol.MustRaw(protocol.ChallengePayload{Nonce: s.Nonce}),
		})
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var req protocol.GatewayFrame
		if err := json.Unmarshal(data, &req); err != nil || req.Kind() != protocol.GatewayFrameRequest {
			continue
		}
		if req.Method == protocol.MethodConnect {
			write(s.connectReply(req))
			continue
		}

		s.mu.Lock()
		s.calls[req.Method]++
		fn := s.responders[req.Method]
		s.mu.Unlock()

		responses := []Response{{OK: true, Payload: map[string]any{"status": "ok"}}}
		if fn != nil {
			responses = fn(req)
		}
		go func(id string, responses []Response) {
			for _, res := range responses {
				if res.Delay > 0 {
					time.Sleep(res.Delay)
				}
				frame := protocol.GatewayFrame{Type: protocol.GatewayFrameResponse, ID: id, OK: res.OK, Error: res.Error}
				if res.Payload != nil {
					frame.Payload = protocol.MustRaw(res.Payload)
				}
				write(frame)
			}
		}(req.ID, responses)
	}
}

func (s *Server) connectReply(req protocol.GatewayFrame) protocol.GatewayFrame {
	var params protocol.ConnectParams
	_ = json.Unmarshal(req.Params, &params)

	s.mu.Lock()
	s.connects++
	s.lastParams = params
	s.mu.Unlock()

	res := protocol.GatewayFrame{Type: protocol.GatewayFrameResponse, ID: req.ID}
	token := ""
	if params.Auth != nil {
		token = params.Auth.Token
	}
	if s.RejectConnect || (s.Token != "" && token != s.Token) {
		res.Error = &protocol.GatewayError{Code: "UNAUTHORIZED", Message: "connect rejected"}
		return res
	}
	res.OK = true
	res.Payload = protocol.MustRaw(map[string]any{"type": "hello-ok", "protocol": protocol.GatewayProtocolMax})
	return res
}
