package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/SecureAI-Team/creator-sub000/internal/protocol"
)

// HTTPCompletionSink posts late completions to the control plane.
type HTTPCompletionSink struct {
	URL    string
	Client *http.Client
}

func NewHTTPCompletionSink(url string) *HTTPCompletionSink {
	return &HTTPCompletionSink{URL: url, Client: &http.Client{Timeout: 10 * time.Second}}
}

func (s *HTTPCompletionSink) Complete(ctx context.Context, c protocol.Completion) error {
	body, err := json.Marshal(c)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("completion notify failed with status: %d", resp.StatusCode)
	}
	return nil
}
