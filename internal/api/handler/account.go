package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/greyfinance/settlement-bridge/internal/domain"
	"github.com/greyfinance/settlement-bridge/internal/models"
	"github.com/greyfinance/settlement-bridge/internal/service"
)

// AccountHandler exposes read-only account views.
type AccountHandler struct {
	settlements *service.SettlementService
}

func NewAccountHandler(settlements *service.SettlementService) *AccountHandler {
	return &AccountHandler{settlements: settlements}
}

type balanceResponse struct {
	AccountID      uuid.UUID `json:"account_id"`
	Currency       string    `json:"currency"`
	BalanceCents   int64     `json:"balance_cents"`
	LockedCents    int64     `json:"locked_cents"`
	AvailableCents int64     `json:"available_cents"`
	Balance        string    `json:"balance"`
	Available      string    `json:"available"`
}

// GetBalance handles GET /v1/accounts/{id}/balance.
func (h *AccountHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	actorID, isAdmin, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/invalid-context", err.Error())
		return
	}

	accountID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-account-id", "account id must be a UUID")
		return
	}

	account, err := h.settlements.Balance(r.Context(), accountID, actorID, isAdmin)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	RespondJSON(w, http.StatusOK, balanceResponse{
		AccountID:      account.ID,
		Currency:       account.Currency,
		BalanceCents:   account.BalanceCents,
		LockedCents:    account.LockedCents,
		AvailableCents: account.AvailableCents(),
		Balance:        domain.NewMoney(account.BalanceCents, account.Currency).String(),
		Available:      domain.NewMoney(account.AvailableCents(), account.Currency).String(),
	})
}

// ListSettlements handles GET /v1/accounts/{id}/settlements.
func (h *AccountHandler) ListSettlements(w http.ResponseWriter, r *http.Request) {
	actorID, isAdmin, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/invalid-context", err.Error())
		return
	}

	accountID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-account-id", "account id must be a UUID")
		return
	}

	limit := queryInt32(r, "limit", 50)
	offset := queryInt32(r, "offset", 0)

	settlements, err := h.settlements.ListByAccount(r.Context(), accountID, actorID, isAdmin, limit, offset)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	if settlements == nil {
		settlements = []models.Settlement{}
	}

	RespondJSON(w, http.StatusOK, map[string]interface{}{
		"account_id":  accountID,
		"settlements": settlements,
	})
}

func queryInt32(r *http.Request, name string, fallback int32) int32 {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.ParseInt(raw, 10, 32)
	if err != nil {
		return fallback
	}
	return int32(n)
}
