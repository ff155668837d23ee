package reconcile

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/solvpn/solvpn/internal/traces"
)

// Handler exposes the processor webhook endpoint.
type Handler struct {
	reconciler *Reconciler
	secret     string
}

// NewHandler creates a webhook handler. secret is the shared signing secret.
func NewHandler(reconciler *Reconciler, secret string) *Handler {
	return &Handler{reconciler: reconciler, secret: secret}
}

// RegisterRoutes sets up webhook routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payments/webhook", h.HandleWebhook)
}

// HandleWebhook handles POST /payments/webhook.
//
// The body is read raw before any parsing: the signature covers the exact
// bytes on the wire, not a re-serialization. Unauthenticated or malformed
// deliveries get 4xx with zero state change; duplicates get 200 so the
// processor stops redelivering.
func (h *Handler) HandleWebhook(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		webhookRejectedTotal.WithLabelValues("read_failed").Inc()
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Failed to read request body",
		})
		return
	}

	if !VerifySignature(raw, c.GetHeader("X-Payment-Signature"), h.secret) {
		webhookRejectedTotal.WithLabelValues("bad_signature").Inc()
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "invalid_signature",
			"message": "Signature verification failed",
		})
		return
	}

	ctx, span := traces.StartSpan(c.Request.Context(), "reconcile.webhook")
	defer span.End()

	result, err := h.reconciler.Reconcile(ctx, raw)
	if err != nil {
		webhookTotal.WithLabelValues("error").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "reconcile_failed",
			"message": "Failed to process webhook",
		})
		return
	}
	webhookTotal.WithLabelValues(string(result.Outcome)).Inc()
	span.SetAttributes(traces.Outcome(string(result.Outcome)))

	switch result.Outcome {
	case OutcomeOK:
		settledTotal.WithLabelValues(string(result.Invoice.Status)).Inc()
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	case OutcomeAlreadyProcessed:
		c.JSON(http.StatusOK, gin.H{"status": "already_processed"})
	case OutcomeInvalidPayload:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_payload",
			"message": "Malformed webhook payload",
		})
	case OutcomeUnknownEvent:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "unknown_event",
			"message": "Unrecognized event name",
		})
	case OutcomeInvoiceNotFound:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invoice_not_found",
			"message": "No invoice matches the payload",
		})
	}
}
