// Package controlapi is the local agent's client for the control plane.
package controlapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/SecureAI-Team/creator-sub000/internal/apperr"
	"github.com/SecureAI-Team/creator-sub000/internal/protocol"
)

type Client struct {
	baseURL    string
	userID     string
	httpClient *http.Client
}

func NewClient(baseURL, userID string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		userID:     userID,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// Token requests a fresh bridge token for the configured user.
func (c *Client) Token(ctx context.Context) (string, error) {
	var out protocol.TokenResponse
	if err := c.do(ctx, http.MethodPost, "/api/bridge/token", &out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", apperr.Downstream("empty bridge token")
	}
	return out.Token, nil
}

// BridgeStatus reports whether the relay currently holds a bridge
// connection for the configured user.
func (c *Client) BridgeStatus(ctx context.Context) (bool, error) {
	var out protocol.BridgeStatusResponse
	if err := c.do(ctx, http.MethodGet, "/api/bridge/status", &out); err != nil {
		return false, err
	}
	return out.Connected, nil
}

func (c *Client) Workspace(ctx context.Context) ([]protocol.WorkspaceFile, error) {
	var out protocol.WorkspaceResponse
	if err := c.do(ctx, http.MethodGet, "/api/workspace", &out); err != nil {
		return nil, err
	}
	return out.Files, nil
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set(protocol.UserHeader, c.userID)
	res, err := c.httpClient.Do(req)
	if err != nil {
		return apperr.New(apperr.KindUnreachable, "control plane unreachable", err)
	}
	defer func() {
		_ = res.Body.Close()
	}()

	if res.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))
		var e protocol.ErrorResponse
		_ = json.Unmarshal(raw, &e)
		if e.Error == "" {
			e.Error = http.StatusText(res.StatusCode)
		}
		return apperr.FromStatus(res.StatusCode, e.Code, e.Error)
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return apperr.New(apperr.KindDownstream, "decode control plane response", err)
	}
	return nil
}
