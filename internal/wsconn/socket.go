// Package wsconn wraps coder/websocket connections behind a small text
// socket interface so hubs and clients can be tested with in-memory pipes.
package wsconn

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

const ReadLimitBytes int64 = 1 << 20 // 1 MiB

type Socket interface {
	ReadText(ctx context.Context) (string, error)
	WriteText(ctx context.Context, text string) error
	CloseWithCode(code int, reason string) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Socket, error)
}

type RealDialer struct{}

func (RealDialer) Dial(ctx context.Context, url string) (Socket, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(ReadLimitBytes)
	return &realSocket{conn: conn}, nil
}

// Accept upgrades an inbound request.
func Accept(w http.ResponseWriter, r *http.Request) (Socket, error) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(ReadLimitBytes)
	return &realSocket{conn: conn}, nil
}

type realSocket struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (s *realSocket) ReadText(ctx context.Context) (string, error) {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *realSocket) WriteText(ctx context.Context, text string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(ctx, websocket.MessageText, []byte(text))
}

func (s *realSocket) CloseWithCode(code int, reason string) error {
	return s.conn.Close(websocket.StatusCode(code), reason)
}

func (s *realSocket) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

// CloseError is returned by in-memory sockets once the peer closed.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return "websocket closed: " + e.Reason
}

// CloseCode extracts the peer's close code from a read error, or -1 when
// the error is not a close frame.
func CloseCode(err error) int {
	if err == nil {
		return -1
	}
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return int(websocket.CloseStatus(err))
}
