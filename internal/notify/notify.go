// Package notify delivers out-of-band messages to users. Deliveries are
// best effort: a failed send is logged by the caller and never blocks or
// rolls back the state change that triggered it.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/solvpn/solvpn/internal/metrics"
)

var ErrSendFailed = errors.New("notify: send failed")

// Notifier sends a message to a chat.
type Notifier interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// Telegram sends messages through the Telegram Bot API.
type Telegram struct {
	apiBase string
	token   string
	client  *http.Client
}

// NewTelegram creates a Telegram notifier. apiBase defaults to the public
// Bot API when empty.
func NewTelegram(apiBase, token string) *Telegram {
	if apiBase == "" {
		apiBase = "https://api.telegram.org"
	}
	return &Telegram{
		apiBase: apiBase,
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Compile-time interface check
var _ Notifier = (*Telegram)(nil)

func (t *Telegram) Send(ctx context.Context, chatID int64, text string) error {
	body, err := json.Marshal(map[string]any{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": "HTML",
	})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.NotificationsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("%w: status %d", ErrSendFailed, resp.StatusCode)
	}
	metrics.NotificationsTotal.WithLabelValues("ok").Inc()
	return nil
}

// Noop discards all messages. Used when no bot token is configured.
type Noop struct{}

func (Noop) Send(ctx context.Context, chatID int64, text string) error { return nil }
