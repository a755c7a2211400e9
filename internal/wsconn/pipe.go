package wsconn

import (
	"context"
	"sync"
)

// Pipe returns two connected in-memory sockets. Closing either end makes
// reads on both ends fail with a *CloseError carrying the close code.
func Pipe() (*PipeSocket, *PipeSocket) {
	shared := &pipeState{done: make(chan struct{})}
	a := &PipeSocket{state: shared, in: make(chan string, 64)}
	b := &PipeSocket{state: shared, in: make(chan string, 64)}
	a.peer, b.peer = b, a
	return a, b
}

type pipeState struct {
	once   sync.Once
	done   chan struct{}
	code   int
	reason string
}

type PipeSocket struct {
	state *pipeState
	in    chan string
	peer  *PipeSocket
}

func (p *PipeSocket) ReadText(ctx context.Context) (string, error) {
	select {
	case text := <-p.in:
		return text, nil
	default:
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case text := <-p.in:
		return text, nil
	case <-p.state.done:
		return "", &CloseError{Code: p.state.code, Reason: p.state.reason}
	}
}

func (p *PipeSocket) WriteText(ctx context.Context, text string) error {
	select {
	case <-p.state.done:
		return &CloseError{Code: p.state.code, Reason: p.state.reason}
	default:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.state.done:
		return &CloseError{Code: p.state.code, Reason: p.state.reason}
	case p.peer.in <- text:
		return nil
	}
}

func (p *PipeSocket) CloseWithCode(code int, reason string) error {
	p.state.once.Do(func() {
		p.state.code = code
		p.state.reason = reason
		close(p.state.done)
	})
	return nil
}

func (p *PipeSocket) Close() error {
	return p.CloseWithCode(1000, "")
}

// Closed reports whether either end has been closed, and with which code.
func (p *PipeSocket) Closed() (bool, int) {
	select {
	case <-p.state.done:
		return true, p.state.code
	default:
		return false, 0
	}
}
