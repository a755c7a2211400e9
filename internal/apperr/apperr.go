// Package apperr holds the error taxonomy shared by every hop of the
// relay path. Each hop translates its transport errors into one of these
// kinds before handing them upward.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindUnreachable      Kind = "UNREACHABLE"
	KindRejected         Kind = "REJECTED"
	KindAckTimeout       Kind = "ACK_TIMEOUT"
	KindTimeout          Kind = "TIMEOUT"
	KindDownstream       Kind = "DOWNSTREAM_ERROR"
	KindCrashLoop        Kind = "CRASH_LOOP"
	KindNotConnected     Kind = "NOT_CONNECTED"
	KindConnectionClosed Kind = "CONNECTION_CLOSED"
	KindDeduped          Kind = "DEDUPED"
	KindInvalidRequest   Kind = "INVALID_REQUEST"
	KindStartTimeout     Kind = "START_TIMEOUT"
	KindInternal         Kind = "INTERNAL"
)

var statusByKind = map[Kind]int{
	KindUnreachable:      http.StatusServiceUnavailable,
	KindRejected:         http.StatusUnauthorized,
	KindAckTimeout:       http.StatusGatewayTimeout,
	KindTimeout:          http.StatusGatewayTimeout,
	KindDownstream:       http.StatusBadGateway,
	KindCrashLoop:        http.StatusServiceUnavailable,
	KindNotConnected:     http.StatusNotFound,
	KindConnectionClosed: http.StatusBadGateway,
	KindDeduped:          http.StatusConflict,
	KindInvalidRequest:   http.StatusBadRequest,
	KindStartTimeout:     http.StatusGatewayTimeout,
	KindInternal:         http.StatusInternalServerError,
}

type Error struct {
	Kind       Kind
	Message    string
	StatusCode int
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error with the same kind, so sentinels compare by kind
// regardless of message or cause.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind
}

func New(kind Kind, message string, cause error) *Error {
	status, ok := statusByKind[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	return &Error{Kind: kind, Message: message, StatusCode: status, Cause: cause}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...), nil)
}

var (
	ErrUnreachable      = New(KindUnreachable, "local automation engine unavailable", nil)
	ErrRejected         = New(KindRejected, "token rejected", nil)
	ErrAckTimeout       = New(KindAckTimeout, "ack timeout", nil)
	ErrTimeout          = New(KindTimeout, "timeout", nil)
	ErrCrashLoop        = New(KindCrashLoop, "engine crash loop", nil)
	ErrNotConnected     = New(KindNotConnected, "no connection", nil)
	ErrConnectionClosed = New(KindConnectionClosed, "connection closed", nil)
	ErrDeduped          = New(KindDeduped, "duplicate command", nil)
	ErrStartTimeout     = New(KindStartTimeout, "instance start timeout", nil)
)

func Downstream(message string) *Error {
	return New(KindDownstream, message, nil)
}

func InvalidRequest(message string, cause error) *Error {
	return New(KindInvalidRequest, message, cause)
}

func Internal(message string, cause error) *Error {
	return New(KindInternal, message, cause)
}

// KindOf returns the taxonomy kind of err, or KindInternal when err does
// not carry one. A nil error has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

func StatusCode(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var appErr *Error
	if errors.As(err, &appErr) && appErr.StatusCode != 0 {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}

// FromStatus rebuilds an error from an HTTP status and the code/message
// carried in an error body. Unknown codes fall back to the status mapping.
func FromStatus(status int, code, message string) *Error {
	if code != "" {
		if _, ok := statusByKind[Kind(code)]; ok {
			e := New(Kind(code), message, nil)
			e.StatusCode = status
			return e
		}
	}
	kind := KindInternal
	switch status {
	case http.StatusNotFound:
		kind = KindNotConnected
	case http.StatusGatewayTimeout:
		kind = KindTimeout
	case http.StatusBadGateway:
		kind = KindDownstream
	case http.StatusBadRequest:
		kind = KindInvalidRequest
	case http.StatusUnauthorized:
		kind = KindRejected
	case http.StatusConflict:
		kind = KindDeduped
	case http.StatusServiceUnavailable:
		kind = KindUnreachable
	}
	e := New(kind, message, nil)
	e.StatusCode = status
	return e
}
