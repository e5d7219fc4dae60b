package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/greyfinance/settlement-bridge/internal/service"
)

// SettlementHandler exposes the settlement lifecycle endpoints.
type SettlementHandler struct {
	settlements *service.SettlementService
}

func NewSettlementHandler(settlements *service.SettlementService) *SettlementHandler {
	return &SettlementHandler{settlements: settlements}
}

type initiateSettlementRequest struct {
	AccountID          string            `json:"account_id"`
	Type               string            `json:"type"`
	Amount             string            `json:"amount"`
	DestinationAddress string            `json:"destination_address,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// Initiate handles POST /v1/settlements.
func (h *SettlementHandler) Initiate(w http.ResponseWriter, r *http.Request) {
	actorID, _, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/invalid-context", err.Error())
		return
	}

	var req initiateSettlementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "invalid JSON body")
		return
	}

	accountID, err := uuid.Parse(req.AccountID)
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-account-id", "account_id must be a UUID")
		return
	}

	resp, err := h.settlements.Initiate(r.Context(), service.InitiateRequest{
		UserID:             actorID,
		AccountID:          accountID,
		Type:               req.Type,
		Amount:             req.Amount,
		DestinationAddress: req.DestinationAddress,
		Metadata:           req.Metadata,
	})
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	RespondJSON(w, http.StatusAccepted, resp)
}

// Cancel handles POST /v1/settlements/{id}/cancel.
func (h *SettlementHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	actorID, isAdmin, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/invalid-context", err.Error())
		return
	}

	settlementID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-settlement-id", "settlement id must be a UUID")
		return
	}

	settlement, err := h.settlements.Cancel(r.Context(), settlementID, actorID, isAdmin)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	RespondJSON(w, http.StatusOK, settlement)
}

// Get handles GET /v1/settlements/{id}.
func (h *SettlementHandler) Get(w http.ResponseWriter, r *http.Request) {
	actorID, isAdmin, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/invalid-context", err.Error())
		return
	}

	settlementID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-settlement-id", "settlement id must be a UUID")
		return
	}

	settlement, err := h.settlements.Get(r.Context(), settlementID, actorID, isAdmin)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	RespondJSON(w, http.StatusOK, settlement)
}
