package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/greyfinance/settlement-bridge/internal/api/middleware"
	"github.com/greyfinance/settlement-bridge/internal/api/problem"
	"github.com/greyfinance/settlement-bridge/internal/models"
)

// RespondJSON writes a JSON response.
func RespondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// RespondError writes an error response.
func RespondError(w http.ResponseWriter, r *http.Request, status int, problemType, message string) {
	if problemType != "" && problemType != "about:blank" && !strings.HasPrefix(problemType, "http") {
		problemType = problem.Type(problemType)
	}
	problem.Write(w, r, status, problemType, http.StatusText(status), message)
}

func requestActor(r *http.Request) (uuid.UUID, bool, error) {
	userID := middleware.UserIDFromContext(r.Context())
	if userID == "" {
		return uuid.Nil, false, errors.New("missing user in auth context")
	}

	actorID, err := uuid.Parse(userID)
	if err != nil {
		return uuid.Nil, false, errors.New("invalid user_id in auth context")
	}

	return actorID, middleware.UserRoleFromContext(r.Context()) == "admin", nil
}

// respondServiceError maps sentinel errors from the service layer onto
// problem responses. Unmapped errors become opaque 500s.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidSignature):
		// Deliberately opaque: no hint about which check failed.
		RespondError(w, r, http.StatusUnauthorized, "auth/invalid-signature", "invalid signature")
	case errors.Is(err, models.ErrNotAccountOwner):
		RespondError(w, r, http.StatusForbidden, "account/not-owner", "account does not belong to the authenticated user")
	case errors.Is(err, models.ErrAccountNotFound):
		RespondError(w, r, http.StatusNotFound, "account/not-found", "account not found")
	case errors.Is(err, models.ErrSettlementNotFound):
		RespondError(w, r, http.StatusNotFound, "settlement/not-found", "settlement not found")
	case errors.Is(err, models.ErrAlreadyProcessed):
		RespondError(w, r, http.StatusConflict, "settlement/already-processed", "reference has already been processed")
	case errors.Is(err, models.ErrInvalidTransition):
		RespondError(w, r, http.StatusConflict, "settlement/invalid-transition", err.Error())
	case errors.Is(err, models.ErrInsufficientFunds):
		RespondError(w, r, http.StatusUnprocessableEntity, "account/insufficient-funds", "insufficient available balance")
	case errors.Is(err, models.ErrTxNotFound):
		RespondError(w, r, http.StatusUnprocessableEntity, "verify/transaction-not-found", "transaction not found on chain")
	case errors.Is(err, models.ErrTxUnconfirmed):
		RespondError(w, r, http.StatusUnprocessableEntity, "verify/transaction-unconfirmed", "transaction is not confirmed yet")
	case errors.Is(err, models.ErrWrongDestination):
		RespondError(w, r, http.StatusUnprocessableEntity, "verify/wrong-destination", "transaction was not sent to the treasury wallet")
	case errors.Is(err, models.ErrAmountMismatch):
		RespondError(w, r, http.StatusUnprocessableEntity, "verify/amount-mismatch", "claimed amount does not match the on-chain transfer")
	case errors.Is(err, models.ErrMalformedWebhook):
		RespondError(w, r, http.StatusBadRequest, "webhook/malformed-payload", "malformed webhook payload")
	case errors.Is(err, models.ErrUnknownEvent):
		RespondError(w, r, http.StatusBadRequest, "webhook/unknown-event", "unknown webhook event")
	case errors.Is(err, models.ErrUpstream):
		RespondError(w, r, http.StatusBadGateway, "protocol/unavailable", "settlement protocol rejected the request")
	default:
		if status, problemType, message, ok := mapDBError(err); ok {
			RespondError(w, r, status, problemType, message)
			return
		}
		RespondError(w, r, http.StatusInternalServerError, "internal-error", "internal server error")
	}
}

func mapDBError(err error) (status int, problemType, message string, ok bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return 0, "", "", false
	}

	switch pgErr.Code {
	case "23505": // unique_violation
		return http.StatusConflict, "db/unique-violation", "resource already exists", true
	case "23503": // foreign_key_violation
		return http.StatusBadRequest, "db/foreign-key-violation", "invalid reference", true
	case "23514": // check_violation
		return http.StatusBadRequest, "db/check-violation", "request violates data constraints", true
	case "23502": // not_null_violation
		return http.StatusBadRequest, "db/not-null-violation", "missing required field", true
	default:
		return 0, "", "", false
	}
}
