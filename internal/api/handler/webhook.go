package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/greyfinance/settlement-bridge/internal/models"
	"github.com/greyfinance/settlement-bridge/internal/service"
)

const maxWebhookBody = 1 << 20 // 1 MiB

// WebhookHandler receives status callbacks from the settlement protocol.
type WebhookHandler struct {
	webhooks *service.WebhookService
}

func NewWebhookHandler(webhooks *service.WebhookService) *WebhookHandler {
	return &WebhookHandler{webhooks: webhooks}
}

// HandleSettlementEvent handles POST /v1/webhooks/settlement.
func (h *WebhookHandler) HandleSettlementEvent(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "failed to read request body")
		return
	}

	resp, err := h.webhooks.HandleEvent(
		r.Context(),
		payload,
		r.Header.Get("X-Timestamp"),
		r.Header.Get("X-Nonce"),
		r.Header.Get("X-Signature"),
	)
	if err != nil {
		// Callbacks reference settlements we created; an unknown id is a
		// malformed notification, not a missing resource.
		if errors.Is(err, models.ErrSettlementNotFound) {
			RespondError(w, r, http.StatusBadRequest, "webhook/unknown-settlement", "unknown settlement reference")
			return
		}
		respondServiceError(w, r, err)
		return
	}

	RespondJSON(w, http.StatusOK, resp)
}
