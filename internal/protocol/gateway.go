package protocol

import "encoding/json"

const (
	GatewayFrameRequest  = "req"
	GatewayFrameResponse = "res"
	GatewayFrameEvent    = "event"

	EventConnectChallenge = "connect.challenge"

	MethodConnect      = "connect"
	MethodAgent        = "agent"
	MethodBrowserLogin = "browser.login"
	MethodWorkspace    = "workspace.sync"

	GatewayProtocolMin = 3
	GatewayProtocolMax = 3
)

// Provisional statuses carried in payload.status before a long-running
// gateway call reaches its terminal status.
const (
	StatusAccepted = "accepted"
	StatusStarted  = "started"
)

func IsProvisionalStatus(status string) bool {
	return status == StatusAccepted || status == StatusStarted
}

type GatewayFrame struct {
	Type    string          `json:"type,omitempty"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *GatewayError   `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
}

// Kind classifies a frame by shape. Gateways may omit the type tag, so an
// event name marks an event and an id without a method marks a response.
func (f GatewayFrame) Kind() string {
	switch {
	case f.Type != "":
		return f.Type
	case f.Event != "":
		return GatewayFrameEvent
	case f.ID != "" && f.Method == "":
		return GatewayFrameResponse
	case f.Method != "":
		return GatewayFrameRequest
	}
	return ""
}

type GatewayError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ConnectParams struct {
	MinProtocol int          `json:"minProtocol"`
	MaxProtocol int          `json:"maxProtocol"`
	Client      ClientInfo   `json:"client"`
	Role        string       `json:"role"`
	Scopes      []string     `json:"scopes"`
	Auth        *ConnectAuth `json:"auth,omitempty"`
	Nonce       string       `json:"nonce,omitempty"`
}

type ClientInfo struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Mode     string `json:"mode"`
}

type ConnectAuth struct {
	Token string `json:"token"`
}

type ChallengePayload struct {
	Nonce string `json:"nonce"`
}

// RunStatus is the subset of a gateway payload the bridge inspects.
type RunStatus struct {
	Status string `json:"status"`
	RunID  string `json:"runId"`
}
