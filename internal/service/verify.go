package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/greyfinance/settlement-bridge/internal/chain"
	"github.com/greyfinance/settlement-bridge/internal/domain"
	"github.com/greyfinance/settlement-bridge/internal/models"
	"github.com/greyfinance/settlement-bridge/internal/observability"
	"github.com/greyfinance/settlement-bridge/internal/repository"
)

// VerificationService credits deposits that were made directly on chain.
// The user presents the transaction signature; the service checks the
// transaction against the treasury wallet and applies the credit through
// the ledger, with the signature as the exactly-once key.
type VerificationService struct {
	store     QueryStore
	chain     chain.Verifier
	ledger    *LedgerService
	events    *EventService
	treasury  string
	ratio     decimal.Decimal
	tolerance decimal.Decimal
}

func NewVerificationService(store QueryStore, verifier chain.Verifier, ledger *LedgerService, treasuryAddress string, exchangeRatio, amountTolerance decimal.Decimal) *VerificationService {
	if exchangeRatio.IsZero() {
		exchangeRatio = decimal.NewFromInt(1)
	}
	return &VerificationService{
		store:     store,
		chain:     verifier,
		ledger:    ledger,
		events:    NewEventService(store),
		treasury:  treasuryAddress,
		ratio:     exchangeRatio,
		tolerance: amountTolerance,
	}
}

// VerifyDepositRequest identifies the on-chain transfer to credit.
type VerifyDepositRequest struct {
	UserID         uuid.UUID
	AccountID      uuid.UUID
	ChainSignature string
	Amount         string
}

// VerifyDepositResponse reports the credited settlement.
type VerifyDepositResponse struct {
	SettlementID uuid.UUID `json:"settlement_id"`
	Status       string    `json:"status"`
	AmountCents  int64     `json:"amount_cents"`
	Message      string    `json:"message"`
}

// VerifyDeposit validates the claimed transfer against the chain and
// credits the account. The checks run in a fixed order so a forged claim
// fails before any database write: ownership, existence, confirmation,
// destination, prior processing, then amount.
func (s *VerificationService) VerifyDeposit(ctx context.Context, req VerifyDepositRequest) (*VerifyDepositResponse, error) {
	sig := strings.TrimSpace(req.ChainSignature)
	if sig == "" {
		return nil, errors.New("transaction signature is required")
	}

	amountCents, err := domain.ParseAmount(req.Amount)
	if err != nil {
		return nil, err
	}

	queries := s.store.Queries()
	account, err := queries.GetAccount(ctx, req.AccountID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrAccountNotFound
		}
		return nil, fmt.Errorf("get account: %w", err)
	}
	if account.UserID != req.UserID {
		return nil, models.ErrNotAccountOwner
	}

	tx, err := s.chain.GetTransaction(ctx, sig)
	if err != nil {
		if errors.Is(err, chain.ErrTransactionNotFound) {
			observability.IncrementDepositVerification("not_found")
			return nil, models.ErrTxNotFound
		}
		observability.IncrementDepositVerification("chain_error")
		return nil, fmt.Errorf("%w: %v", models.ErrUpstream, err)
	}
	if !tx.Confirmed {
		observability.IncrementDepositVerification("unconfirmed")
		return nil, models.ErrTxUnconfirmed
	}
	if tx.Destination != s.treasury {
		observability.IncrementDepositVerification("wrong_destination")
		return nil, models.ErrWrongDestination
	}
	if tx.Processed {
		observability.IncrementDepositVerification("already_processed")
		return nil, models.ErrAlreadyProcessed
	}

	expected := domain.Money{Cents: amountCents, Currency: account.Currency}.ToProtocolUnits(s.ratio)
	if tx.Amount.Sub(expected).Abs().GreaterThan(s.tolerance) {
		observability.IncrementDepositVerification("amount_mismatch")
		return nil, fmt.Errorf("%w: chain amount %s, claimed %s", models.ErrAmountMismatch, tx.Amount, expected)
	}

	settlementID := uuid.New()
	metadata, err := json.Marshal(map[string]string{
		"source":          "deposit_verification",
		"chain_signature": sig,
	})
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}

	err = s.store.RunInTx(ctx, func(qtx *repository.Queries) error {
		if err := qtx.CreateSettlement(ctx, repository.CreateSettlementParams{
			ID:          settlementID,
			UserRef:     req.UserID,
			AccountID:   account.ID,
			Type:        domain.SettlementTypeDeposit,
			Status:      domain.SettlementStatusProcessing,
			AmountCents: amountCents,
			ExternalRef: &sig,
			Metadata:    metadata,
		}); err != nil {
			if repository.IsUniqueViolation(err) {
				return models.ErrAlreadyProcessed
			}
			return fmt.Errorf("create settlement: %w", err)
		}
		return s.events.Write(ctx, qtx, settlementID, &req.UserID, "verified", "", domain.SettlementStatusProcessing, metadata)
	})
	if err != nil {
		if errors.Is(err, models.ErrAlreadyProcessed) {
			observability.IncrementDepositVerification("duplicate")
		}
		return nil, err
	}

	// The reference is already attached, so redelivery past this point
	// resolves to the idempotent no-op inside the applier.
	if err := s.ledger.ApplyCompletion(ctx, settlementID, nil); err != nil {
		return nil, err
	}

	observability.IncrementDepositVerification("credited")
	return &VerifyDepositResponse{
		SettlementID: settlementID,
		Status:       domain.SettlementStatusCompleted,
		AmountCents:  amountCents,
		Message:      "Deposit verified and credited",
	}, nil
}
