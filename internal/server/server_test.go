package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solvpn/solvpn/internal/config"
	"github.com/solvpn/solvpn/internal/processor"
	"github.com/solvpn/solvpn/internal/provision"
	"github.com/solvpn/solvpn/internal/referral"
)

func referralCode(telegramID int64) string {
	return referral.EncodeCode(telegramID)
}

const testWebhookSecret = "test-webhook-secret"

// fakeProcessor hosts invoices without talking to anything.
type fakeProcessor struct {
	mu   sync.Mutex
	last processor.CreateRequest
}

func (f *fakeProcessor) CreateInvoice(ctx context.Context, req processor.CreateRequest) (*processor.HostedInvoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = req
	return &processor.HostedInvoice{
		ExternalID: "900001",
		PayURL:     "https://t.me/CryptoTestnetBot?start=abc",
		Status:     "active",
	}, nil
}

func (f *fakeProcessor) lastInvoiceID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last.InvoiceID
}

// fakePanel provisions entitlements in memory.
type fakePanel struct {
	mu      sync.Mutex
	created int
	ents    []*provision.Entitlement
}

func (f *fakePanel) CreateEntitlement(ctx context.Context, telegramID int64, months int, trafficLimitBytes int64) (*provision.Entitlement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	ent := &provision.Entitlement{
		Username:          fmt.Sprintf("tester_%d", f.created),
		ConnectionURL:     fmt.Sprintf("https://panel.example.com/sub/%d", f.created),
		ExpiresAt:         time.Now().Add(time.Duration(months) * 30 * 24 * time.Hour),
		TrafficLimitBytes: trafficLimitBytes,
		Status:            "active",
	}
	f.ents = append(f.ents, ent)
	return ent, nil
}

func (f *fakePanel) GetByTelegramID(ctx context.Context, telegramID int64) ([]*provision.Entitlement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*provision.Entitlement, len(f.ents))
	copy(out, f.ents)
	return out, nil
}

func (f *fakePanel) setStatus(status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ent := range f.ents {
		ent.Status = status
	}
}

// recordingNotifier captures outbound messages.
type recordingNotifier struct {
	mu    sync.Mutex
	sends []string
}

func (r *recordingNotifier) Send(ctx context.Context, chatID int64, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sends = append(r.sends, fmt.Sprintf("%d: %s", chatID, text))
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		Port:              "0",
		Env:               "development",
		LogLevel:          "error",
		ProcessorCurrency: "USDT",
		WebhookSecret:     testWebhookSecret,
		InvoiceExpirySecs: 3600,
		ReferralPercent:   10,
		Plans: []config.PlanConfig{
			{ID: "plan_1", Name: "Basic", Price: "1.00", TrafficGB: 100},
		},
		PlanMonths:   []int{1, 3},
		TopUpAmounts: []string{"3.00", "5.00"},
	}
}

func newTestServer(t *testing.T) (*Server, *fakeProcessor, *fakePanel, *recordingNotifier) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	proc := &fakeProcessor{}
	panel := &fakePanel{}
	notifier := &recordingNotifier{}

	srv, err := New(testConfig(),
		WithProcessor(proc),
		WithPanel(panel),
		WithNotifier(notifier),
	)
	require.NoError(t, err)
	t.Cleanup(srv.rateLimiter.Stop)
	return srv, proc, panel, notifier
}

var reqSeq atomic.Int64

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	// Unique client address per request so the IP rate limiter never
	// throttles a test run
	n := reqSeq.Add(1)
	req.RemoteAddr = fmt.Sprintf("10.1.%d.%d:4000", n/250, n%250+1)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

func chat(t *testing.T, srv *Server, telegramID int64, input string) (int, map[string]json.RawMessage) {
	t.Helper()
	w := doJSON(t, srv, http.MethodPost, "/v1/chat/updates", gin.H{
		"telegramId": telegramID,
		"username":   "tester",
		"name":       "Tester",
		"input":      input,
	})
	var resp map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return w.Code, resp
}

func replyOf(t *testing.T, resp map[string]json.RawMessage) map[string]any {
	t.Helper()
	var reply map[string]any
	require.NoError(t, json.Unmarshal(resp["reply"], &reply))
	return reply
}

func signedWebhook(t *testing.T, srv *Server, invoiceID, event string) *httptest.ResponseRecorder {
	t.Helper()
	body := fmt.Sprintf(`{"name":%q,"payload":{"invoice_id":%q}}`, event, invoiceID)
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	mac.Write([]byte(body))

	req := httptest.NewRequest(http.MethodPost, "/v1/payments/webhook", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Payment-Signature", hex.EncodeToString(mac.Sum(nil)))
	n := reqSeq.Add(1)
	req.RemoteAddr = fmt.Sprintf("10.1.%d.%d:4000", n/250, n%250+1)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoints(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	w := doJSON(t, srv, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, srv, http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Not ready until Run marks it
	w = doJSON(t, srv, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestChatValidation(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/v1/chat/updates", gin.H{"telegramId": 42})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, srv, http.MethodPost, "/v1/chat/updates", gin.H{"telegramId": -1, "input": "buy"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	code, _ := chat(t, srv, 42, "no-such-command")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestStartRegistersUser(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	code, resp := chat(t, srv, 100, "/start")
	require.Equal(t, http.StatusOK, code)

	reply := replyOf(t, resp)
	assert.Contains(t, reply["text"], "Welcome")

	w := doJSON(t, srv, http.MethodGet, "/v1/users/100/balance", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"balance":"0.00"`)
}

func TestUserLookupValidation(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	w := doJSON(t, srv, http.MethodGet, "/v1/users/bogus/balance", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, srv, http.MethodGet, "/v1/users/999/balance", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWebhookBadSignatureRejected(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/payments/webhook",
		bytes.NewBufferString(`{"name":"invoice_paid","payload":{"invoice_id":"inv_x"}}`))
	req.Header.Set("X-Payment-Signature", "deadbeef")
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestTopUpAndPurchaseEndToEnd(t *testing.T) {
	srv, proc, panel, notifier := newTestServer(t)
	const telegramID = int64(7001)

	// Register and open a top-up invoice
	code, _ := chat(t, srv, telegramID, "/start")
	require.Equal(t, http.StatusOK, code)

	code, resp := chat(t, srv, telegramID, "topup:3.00")
	require.Equal(t, http.StatusOK, code)
	reply := replyOf(t, resp)
	assert.NotEmpty(t, reply["payUrl"])

	invoiceID := proc.lastInvoiceID()
	require.NotEmpty(t, invoiceID)

	// Processor settles the payment
	w := signedWebhook(t, srv, invoiceID, "invoice_paid")
	require.Equal(t, http.StatusOK, w.Code)

	// Redelivery is absorbed without a second credit
	w = signedWebhook(t, srv, invoiceID, "invoice_paid")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "already_processed")

	w = doJSON(t, srv, http.MethodGet, fmt.Sprintf("/v1/users/%d/balance", telegramID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"balance":"3.00"`)

	notifier.mu.Lock()
	sent := len(notifier.sends)
	notifier.mu.Unlock()
	assert.Equal(t, 1, sent, "payer notified exactly once")

	// Walk the purchase conversation and pay from balance
	for _, input := range []string{"buy", "rate:plan_1", "months:1", "confirm"} {
		code, _ = chat(t, srv, telegramID, input)
		require.Equal(t, http.StatusOK, code, "input %q", input)
	}
	code, resp = chat(t, srv, telegramID, "pay:balance")
	require.Equal(t, http.StatusOK, code)
	reply = replyOf(t, resp)
	assert.Contains(t, reply["text"], "connection link")

	panel.mu.Lock()
	created := panel.created
	panel.mu.Unlock()
	assert.Equal(t, 1, created)

	w = doJSON(t, srv, http.MethodGet, fmt.Sprintf("/v1/users/%d/balance", telegramID), nil)
	assert.Contains(t, w.Body.String(), `"balance":"2.00"`)

	w = doJSON(t, srv, http.MethodGet, fmt.Sprintf("/v1/users/%d/subscriptions", telegramID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "panel.example.com")

	w = doJSON(t, srv, http.MethodGet, fmt.Sprintf("/v1/users/%d/history", telegramID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "topup")
	assert.Contains(t, w.Body.String(), "purchase")
}

func TestInsufficientBalanceReply(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	const telegramID = int64(7002)

	chat(t, srv, telegramID, "/start")
	for _, input := range []string{"buy", "rate:plan_1", "months:1", "confirm"} {
		code, _ := chat(t, srv, telegramID, input)
		require.Equal(t, http.StatusOK, code)
	}

	code, resp := chat(t, srv, telegramID, "pay:balance")
	require.Equal(t, http.StatusOK, code)
	reply := replyOf(t, resp)
	assert.Contains(t, reply["text"], "Not enough balance")
}

func TestReferralLinkOnStart(t *testing.T) {
	srv, proc, _, notifier := newTestServer(t)

	// Owner signs up first; the referred user arrives via the deep link
	chat(t, srv, 8001, "/start")
	ownerCode := referralCode(8001)
	code, _ := chat(t, srv, 8002, "/start "+ownerCode)
	require.Equal(t, http.StatusOK, code)

	notifier.mu.Lock()
	sent := len(notifier.sends)
	notifier.mu.Unlock()
	require.Equal(t, 1, sent, "owner told about the signup")

	// Referred user pays: owner earns 10% commission
	chat(t, srv, 8002, "topup:5.00")
	w := signedWebhook(t, srv, proc.lastInvoiceID(), "invoice_paid")
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, srv, http.MethodGet, "/v1/users/8001/balance", nil)
	assert.Contains(t, w.Body.String(), `"balance":"0.50"`)
}

func TestSubscriptionCommandEmpty(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	chat(t, srv, 7003, "/start")
	code, resp := chat(t, srv, 7003, "subscription")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, replyOf(t, resp)["text"], "no active subscriptions")
}

func TestSubscriptionReflectsPanelStatus(t *testing.T) {
	srv, proc, panel, _ := newTestServer(t)
	const telegramID = int64(7004)

	// Fund the account and buy a plan from balance
	chat(t, srv, telegramID, "/start")
	chat(t, srv, telegramID, "topup:3.00")
	w := signedWebhook(t, srv, proc.lastInvoiceID(), "invoice_paid")
	require.Equal(t, http.StatusOK, w.Code)
	for _, input := range []string{"buy", "rate:plan_1", "months:1", "confirm", "pay:balance"} {
		code, _ := chat(t, srv, telegramID, input)
		require.Equal(t, http.StatusOK, code, "input %q", input)
	}

	code, resp := chat(t, srv, telegramID, "subscription")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, replyOf(t, resp)["text"], "active")

	// Panel reports the entitlement expired; the next view mirrors it
	panel.setStatus("expired")
	code, resp = chat(t, srv, telegramID, "subscription")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, replyOf(t, resp)["text"], "expired")
}

func TestSelfReferralIgnored(t *testing.T) {
	srv, _, _, notifier := newTestServer(t)

	code, _ := chat(t, srv, 8003, "/start "+referralCode(8003))
	require.Equal(t, http.StatusOK, code)

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	assert.Empty(t, notifier.sends)
}
