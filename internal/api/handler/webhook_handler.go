package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/avatar-render/internal/api/dto"
	"github.com/cuongbtq/avatar-render/internal/domain"
	"github.com/gin-gonic/gin"
)

const (
	// HeaderEventID carries the delivery id when the body has none
	HeaderEventID = "X-Event-Id"

	maxWebhookBody = 1 << 20
)

// WebhookHandler receives provider and payment-network callbacks
type WebhookHandler struct {
	logger         *slog.Logger
	provider       EventHandler
	payments       EventHandler
	providerHeader string
	paymentsHeader string
}

// NewWebhookHandler creates a new WebhookHandler instance
func NewWebhookHandler(deps *Dependencies) *WebhookHandler {
	providerHeader := deps.ProviderHeader
	if providerHeader == "" {
		providerHeader = "Signature"
	}
	paymentsHeader := deps.PaymentsHeader
	if paymentsHeader == "" {
		paymentsHeader = "Signature"
	}
	return &WebhookHandler{
		logger:         deps.Logger,
		provider:       deps.ProviderEvents,
		payments:       deps.PaymentEvents,
		providerHeader: providerHeader,
		paymentsHeader: paymentsHeader,
	}
}

// ProviderPreflight handles GET/HEAD/OPTIONS on the callback path. The
// provider probes it when a webhook endpoint is registered.
func (h *WebhookHandler) ProviderPreflight(c *gin.Context) {
	c.Status(http.StatusOK)
}

// ProviderEvent handles POST /webhooks/provider
func (h *WebhookHandler) ProviderEvent(c *gin.Context) {
	h.handle(c, h.provider, h.providerHeader, "provider")
}

// PaymentEvent handles POST /webhooks/payments
func (h *WebhookHandler) PaymentEvent(c *gin.Context) {
	h.handle(c, h.payments, h.paymentsHeader, "payments")
}

// handle reads the raw body, since the signature covers the exact bytes sent
func (h *WebhookHandler) handle(c *gin.Context, events EventHandler, signatureHeader, source string) {
	if events == nil {
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "webhook not enabled"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "failed to read body"})
		return
	}
	if len(body) > maxWebhookBody {
		c.JSON(http.StatusRequestEntityTooLarge, dto.ErrorResponse{Error: "body too large"})
		return
	}

	result, err := events.HandleEvent(c.Request.Context(), body, c.GetHeader(signatureHeader), c.GetHeader(HeaderEventID))
	if err != nil {
		if errors.Is(err, domain.ErrInvalidSignature) {
			// Say nothing about why
			c.JSON(http.StatusUnauthorized, dto.ErrorResponse{Error: "invalid signature"})
			return
		}
		respondError(c, h.logger.With(slog.String("source", source)), "Webhook rejected", err)
		return
	}

	c.JSON(http.StatusOK, dto.WebhookResponse{
		Received:  true,
		EventID:   result.EventID,
		JobID:     result.JobID,
		Duplicate: result.Duplicate,
		Ignored:   result.Ignored,
	})
}
