package handler

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/greyfinance/settlement-bridge/internal/service"
)

// VerifyHandler exposes on-chain deposit verification.
type VerifyHandler struct {
	verification *service.VerificationService
}

func NewVerifyHandler(verification *service.VerificationService) *VerifyHandler {
	return &VerifyHandler{verification: verification}
}

type verifyDepositRequest struct {
	AccountID string `json:"account_id"`
	Signature string `json:"signature"`
	Amount    string `json:"amount"`
}

type verifyDepositResponse struct {
	Success      bool      `json:"success"`
	SettlementID uuid.UUID `json:"settlement_id"`
	CreditsCents int64     `json:"credits_cents"`
	Status       string    `json:"status"`
}

// VerifyDeposit handles POST /v1/deposits/verify.
func (h *VerifyHandler) VerifyDeposit(w http.ResponseWriter, r *http.Request) {
	actorID, _, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/invalid-context", err.Error())
		return
	}

	var req verifyDepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "invalid JSON body")
		return
	}

	accountID, err := uuid.Parse(req.AccountID)
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-account-id", "account_id must be a UUID")
		return
	}

	resp, err := h.verification.VerifyDeposit(r.Context(), service.VerifyDepositRequest{
		UserID:         actorID,
		AccountID:      accountID,
		ChainSignature: req.Signature,
		Amount:         req.Amount,
	})
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	RespondJSON(w, http.StatusOK, verifyDepositResponse{
		Success:      true,
		SettlementID: resp.SettlementID,
		CreditsCents: resp.AmountCents,
		Status:       resp.Status,
	})
}
