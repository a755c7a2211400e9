package protocol

import "encoding/json"

// CloseTokenRejected is the websocket close code the relay uses when the
// handshake token is missing, malformed or expired.
const CloseTokenRejected = 4001

// CloseReplaced is sent to a bridge socket evicted by a newer connection
// for the same user.
const CloseReplaced = 4002

type FrameType string

const (
	FrameAgent         FrameType = "agent"
	FrameAgentAck      FrameType = "agent-ack"
	FrameAgentResponse FrameType = "agent-response"
)

type Frame struct {
	Type      FrameType       `json:"type"`
	RequestID string          `json:"requestId"`
	Message   json.RawMessage `json:"message,omitempty"`
	Stage     Stage           `json:"stage,omitempty"`
	Reply     json.RawMessage `json:"reply,omitempty"`
}

type CommandKind string

const (
	CommandLogin   CommandKind = "login"
	CommandMessage CommandKind = "message"
	CommandSync    CommandKind = "sync"
)

// Command is the message body the control plane relays to a bridge.
type Command struct {
	Kind   CommandKind    `json:"kind" validate:"required,oneof=login message sync"`
	Target string         `json:"target,omitempty"`
	Text   string         `json:"text,omitempty"`
	Params map[string]any `json:"params,omitempty"`
}

// SuccessStages lists the stage acks a bridge emits after the gateway
// call for this command succeeded, in order.
func (c Command) SuccessStages() []Stage {
	switch c.Kind {
	case CommandLogin:
		return []Stage{StageBrowserOpened, StageLoginPageLoaded, StageDone}
	default:
		return []Stage{StageLocalResponse}
	}
}

type Reply struct {
	OK      bool            `json:"ok"`
	Status  string          `json:"status,omitempty"`
	RunID   string          `json:"runId,omitempty"`
	Error   string          `json:"error,omitempty"`
	Engine  string          `json:"engine,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func FailureReply(engine, msg string) Reply {
	return Reply{OK: false, Engine: engine, Error: msg}
}

func MustRaw(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
