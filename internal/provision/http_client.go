package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/solvpn/solvpn/internal/idgen"
)

// PanelClient implements Client against a Remnawave-style panel API.
type PanelClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewPanelClient creates a panel client. baseURL has no trailing slash.
func NewPanelClient(baseURL, token string) *PanelClient {
	return &PanelClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// Compile-time interface check
var _ Client = (*PanelClient)(nil)

type panelUser struct {
	Username          string    `json:"username"`
	SubscriptionURL   string    `json:"subscriptionUrl"`
	ExpireAt          time.Time `json:"expireAt"`
	TrafficLimitBytes int64     `json:"trafficLimitBytes"`
	UsedTrafficBytes  int64     `json:"usedTrafficBytes"`
	Status            string    `json:"status"`
}

func (u *panelUser) entitlement() *Entitlement {
	return &Entitlement{
		Username:          u.Username,
		ConnectionURL:     u.SubscriptionURL,
		ExpiresAt:         u.ExpireAt,
		TrafficLimitBytes: u.TrafficLimitBytes,
		TrafficUsedBytes:  u.UsedTrafficBytes,
		Status:            normalizeStatus(u.Status),
	}
}

func (c *PanelClient) CreateEntitlement(ctx context.Context, telegramID int64, months int, trafficLimitBytes int64) (*Entitlement, error) {
	body := map[string]any{
		"username":             idgen.Username(),
		"telegramId":           telegramID,
		"expireAt":             time.Now().UTC().AddDate(0, 0, months*30),
		"trafficLimitBytes":    trafficLimitBytes,
		"trafficLimitStrategy": "MONTH",
		"activateAllInbounds":  true,
	}

	var resp struct {
		Response panelUser `json:"response"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/users", body, &resp); err != nil {
		return nil, err
	}
	return resp.Response.entitlement(), nil
}

func (c *PanelClient) GetByTelegramID(ctx context.Context, telegramID int64) ([]*Entitlement, error) {
	var resp struct {
		Response []panelUser `json:"response"`
	}
	path := fmt.Sprintf("/api/users/by-telegram-id/%d", telegramID)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	out := make([]*Entitlement, 0, len(resp.Response))
	for i := range resp.Response {
		out = append(out, resp.Response[i].entitlement())
	}
	return out, nil
}

func (c *PanelClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal panel request: %w", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPanelUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", ErrPanelUnavailable, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode panel response: %w", err)
	}
	return nil
}

// normalizeStatus maps the panel's enum to the lowercase values stored in
// sublink rows.
func normalizeStatus(s string) string {
	switch s {
	case "ACTIVE":
		return "active"
	case "EXPIRED":
		return "expired"
	case "DISABLED":
		return "disabled"
	default:
		return "unknown"
	}
}
