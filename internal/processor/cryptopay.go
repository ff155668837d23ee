package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// CryptoPayClient implements Client against the Crypto Pay API.
type CryptoPayClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewCryptoPayClient creates a Crypto Pay client. baseURL has no trailing
// slash (e.g. https://testnet-pay.crypt.bot/api).
func NewCryptoPayClient(baseURL, token string) *CryptoPayClient {
	return &CryptoPayClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// Compile-time interface check
var _ Client = (*CryptoPayClient)(nil)

type cryptoPayInvoice struct {
	InvoiceID     int64  `json:"invoice_id"`
	Status        string `json:"status"`
	BotInvoiceURL string `json:"bot_invoice_url"`
}

func (c *CryptoPayClient) CreateInvoice(ctx context.Context, req CreateRequest) (*HostedInvoice, error) {
	body := map[string]any{
		"currency_type": "fiat",
		"fiat":          req.Currency,
		"amount":        req.Amount.String(),
		"description":   req.Description,
		"payload":       req.InvoiceID,
		"expires_in":    req.ExpiresIn,
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal invoice request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/createInvoice", bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Crypto-Pay-API-Token", c.token)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProcessorUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %d", ErrProcessorUnavailable, resp.StatusCode)
	}

	var envelope struct {
		OK     bool             `json:"ok"`
		Result cryptoPayInvoice `json:"result"`
		Error  *struct {
			Code int    `json:"code"`
			Name string `json:"name"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decode invoice response: %w", err)
	}
	if !envelope.OK {
		if envelope.Error != nil {
			return nil, fmt.Errorf("%w: %s (%d)", ErrProcessorUnavailable, envelope.Error.Name, envelope.Error.Code)
		}
		return nil, ErrProcessorUnavailable
	}

	return &HostedInvoice{
		ExternalID: strconv.FormatInt(envelope.Result.InvoiceID, 10),
		PayURL:     envelope.Result.BotInvoiceURL,
		Status:     envelope.Result.Status,
	}, nil
}
