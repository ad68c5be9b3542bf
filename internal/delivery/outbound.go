package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Sender delivers one reply to the conversation's chat channel.
type Sender interface {
	Send(ctx context.Context, conversationID, text string) error
}

var ErrNotConfigured = errors.New("delivery: chat api url not set")

// HTTPSender posts replies as JSON to the chat API:
//
//	{"conversation_id": "...", "phone": "...", "message": "..."}
type HTTPSender struct {
	url    string
	token  string
	client *http.Client
	logger *slog.Logger
}

func NewHTTPSender(url, token string, logger *slog.Logger) *HTTPSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSender{
		url:    strings.TrimSpace(url),
		token:  strings.TrimSpace(token),
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger.With("component", "delivery"),
	}
}

func (s *HTTPSender) Send(ctx context.Context, conversationID, text string) error {
	if s.url == "" {
		return ErrNotConfigured
	}

	err := PostJSON(ctx, s.client, s.url, s.token, map[string]any{
		"conversation_id": conversationID,
		"phone":           conversationID,
		"message":         text,
	})
	if err != nil {
		return fmt.Errorf("delivery: send to %s: %w", conversationID, err)
	}

	s.logger.Info("reply sent", "conversation_id", conversationID, "chars", len(text))
	return nil
}

// PostJSON sends body to url. A non-empty token goes into the Authorization
// header as a bearer token. Any status >= 300 is an error carrying the
// response body.
func PostJSON(ctx context.Context, client *http.Client, url, token string, body any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("api error: %s body=%s", resp.Status, string(respBody))
	}

	return nil
}
