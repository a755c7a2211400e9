package protocol

import "encoding/json"

type StatusResponse struct {
	Connected bool `json:"connected"`
}

type SendRequest struct {
	UserID       string          `json:"userId" validate:"required"`
	Message      json.RawMessage `json:"message" validate:"required"`
	ReturnOnAck  bool            `json:"returnOnAck,omitempty"`
	AckTimeoutMs int             `json:"ackTimeoutMs,omitempty" validate:"gte=0"`
}

type SendResponse struct {
	RequestID string          `json:"requestId,omitempty"`
	Reply     json.RawMessage `json:"reply,omitempty"`
	Ack       bool            `json:"ack"`
	Stage     Stage           `json:"stage,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Completion is posted to the control plane when a command whose caller
// returned on ack reaches its terminal state.
type Completion struct {
	RequestID string `json:"requestId" validate:"required"`
	UserID    string `json:"userId" validate:"required"`
	Stage     Stage  `json:"stage,omitempty"`
	Reply     Reply  `json:"reply"`
}
