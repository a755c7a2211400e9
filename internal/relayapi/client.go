// Package relayapi is the control plane's client for the relay's
// loopback-only internal API.
package relayapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/SecureAI-Team/creator-sub000/internal/apperr"
	"github.com/SecureAI-Team/creator-sub000/internal/protocol"
)

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		// Longer than the relay's own overall deadline so the relay, not
		// this client, decides timeouts.
		httpClient: &http.Client{Timeout: 75 * time.Second},
	}
}

func (c *Client) Status(ctx context.Context, userID string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/internal/status?userId="+url.QueryEscape(userID), nil)
	if err != nil {
		return false, err
	}
	var out protocol.StatusResponse
	if err := c.do(req, &out); err != nil {
		return false, err
	}
	return out.Connected, nil
}

func (c *Client) Send(ctx context.Context, in protocol.SendRequest) (protocol.SendResponse, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return protocol.SendResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/internal/send", bytes.NewReader(body))
	if err != nil {
		return protocol.SendResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	var out protocol.SendResponse
	if err := c.do(req, &out); err != nil {
		return protocol.SendResponse{}, err
	}
	return out, nil
}

func (c *Client) do(req *http.Request, out any) error {
	res, err := c.httpClient.Do(req)
	if err != nil {
		return apperr.New(apperr.KindUnreachable, "relay unreachable", err)
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
		return apperr.New(apperr.KindDownstream, "decode relay response", err)
	}
	return nil
}
