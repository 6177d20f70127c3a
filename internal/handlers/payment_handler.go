package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"booking-engine/internal/services/payment"
	"booking-engine/internal/services/payment/hypay"
)

// PaymentHandler receives gateway callbacks on the HTTP path. The
// primary result channel is the PubNub subscription; this webhook is
// the fallback the gateway retries against.
type PaymentHandler struct {
	adapter *payment.Adapter

	// hmacKey signs notification bodies; credentialHash is the bcrypt
	// hash of the shared webhook credential.
	hmacKey        string
	credentialHash string
}

func NewPaymentHandler(adapter *payment.Adapter, hmacKey, credentialHash string) *PaymentHandler {
	return &PaymentHandler{
		adapter:        adapter,
		hmacKey:        hmacKey,
		credentialHash: credentialHash,
	}
}

// Notify handles a gateway charge-result callback.
// POST /api/v1/payment/notify
func (h *PaymentHandler) Notify(e *core.RequestEvent) error {
	body, err := io.ReadAll(io.LimitReader(e.Request.Body, 1<<20))
	if err != nil {
		return apis.NewBadRequestError("Invalid request body", err)
	}

	if !hypay.VerifyHMAC([]byte(h.hmacKey), body, e.Request.Header.Get("SignedHash")) {
		return apis.NewUnauthorizedError("invalid signature", nil)
	}
	if cred := e.Request.Header.Get("X-Webhook-Credential"); h.credentialHash != "" {
		if !hypay.CompareCredential(h.credentialHash, cred) {
			return apis.NewUnauthorizedError("invalid credential", nil)
		}
	}

	var req struct {
		BookingID string `json:"billNumber"`
		Ref       string `json:"refNo"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	if req.BookingID == "" || req.Ref == "" {
		return apis.NewBadRequestError("billNumber and refNo are required", nil)
	}

	// The notification carries no trusted state; HandleResult verifies
	// against the gateway before finalizing.
	if err := h.adapter.HandleResult(e.Request.Context(), req.BookingID, req.Ref); err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusOK, map[string]any{"status": "ok"})
}

// Health reports the payment circuit state.
// GET /api/v1/payment/health
func (h *PaymentHandler) Health(e *core.RequestEvent) error {
	return e.JSON(http.StatusOK, map[string]any{
		"breaker": h.adapter.BreakerState().String(),
	})
}
