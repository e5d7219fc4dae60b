package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/greyfinance/settlement-bridge/internal/domain"
	"github.com/greyfinance/settlement-bridge/internal/models"
	"github.com/greyfinance/settlement-bridge/internal/notify"
	"github.com/greyfinance/settlement-bridge/internal/observability"
	"github.com/greyfinance/settlement-bridge/internal/repository"
)

// LedgerService applies completed settlements to account balances exactly
// once. Every path that credits or debits an account goes through here.
type LedgerService struct {
	store    QueryStore
	events   *EventService
	notifier notify.BalanceNotifier
}

func NewLedgerService(store QueryStore, notifier notify.BalanceNotifier) *LedgerService {
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	return &LedgerService{
		store:    store,
		events:   NewEventService(store),
		notifier: notifier,
	}
}

// ApplyCompletion finalizes a settlement: it attaches the external
// reference, moves funds, and marks the settlement COMPLETED, all in one
// transaction. Calling it again for an already-completed settlement is a
// no-op; the external_ref unique index rejects a reference that has
// already credited a different settlement.
func (s *LedgerService) ApplyCompletion(ctx context.Context, settlementID uuid.UUID, externalRef *string) error {
	var change *notify.BalanceChange
	insufficientLocked := false

	err := s.store.RunInTx(ctx, func(qtx *repository.Queries) error {
		settlement, err := qtx.GetSettlementForUpdate(ctx, settlementID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return models.ErrSettlementNotFound
			}
			return fmt.Errorf("lock settlement: %w", err)
		}

		switch normalizeStatus(settlement.Status) {
		case domain.SettlementStatusCompleted:
			return nil
		case domain.SettlementStatusFailed, domain.SettlementStatusCancelled:
			return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, settlement.Status, domain.SettlementStatusCompleted)
		case domain.SettlementStatusPending:
			// A completion can outrun the submission ack. Step through
			// PROCESSING so every status change stays inside the
			// transition map and leaves an event record.
			if err := transitionSettlementStatus(ctx, qtx, s.events, settlementID, domain.SettlementStatusProcessing, nil, "processing", nil); err != nil {
				return err
			}
			settlement.Status = domain.SettlementStatusProcessing
		}

		if externalRef != nil && *externalRef != "" {
			rows, err := qtx.SetSettlementExternalRef(ctx, settlementID, *externalRef)
			if err != nil {
				if repository.IsUniqueViolation(err) {
					return models.ErrAlreadyProcessed
				}
				return fmt.Errorf("set external reference: %w", err)
			}
			if err := requireExactlyOne(rows, "set external reference"); err != nil {
				// A different reference is already attached to this settlement.
				return fmt.Errorf("%w: %v", models.ErrAlreadyProcessed, err)
			}
		}

		account, err := qtx.GetAccountForUpdate(ctx, settlement.AccountID)
		if err != nil {
			return fmt.Errorf("lock account: %w", err)
		}

		switch settlement.Type {
		case domain.SettlementTypeDeposit:
			rows, err := qtx.CreditAccountBalance(ctx, settlement.AmountCents, account.ID)
			if err != nil {
				return fmt.Errorf("credit account: %w", err)
			}
			if err := requireExactlyOne(rows, "credit account"); err != nil {
				return err
			}
		case domain.SettlementTypeWithdrawal:
			rows, err := qtx.DeductLockedFunds(ctx, settlement.AmountCents, account.ID)
			if err != nil {
				return fmt.Errorf("deduct locked funds: %w", err)
			}
			if rows != 1 {
				// Reservation is gone or short. Abort the credit path and
				// let the caller-visible state become FAILED below.
				insufficientLocked = true
				return models.ErrInsufficientFunds
			}
		default:
			return fmt.Errorf("unknown settlement type: %s", settlement.Type)
		}

		rows, err := qtx.MarkSettlementCompleted(ctx, settlementID)
		if err != nil {
			return fmt.Errorf("mark settlement completed: %w", err)
		}
		if err := requireExactlyOne(rows, "mark settlement completed"); err != nil {
			return err
		}

		if err := s.events.Write(ctx, qtx, settlementID, nil, "completed", settlement.Status, domain.SettlementStatusCompleted, nil); err != nil {
			return err
		}

		change = &notify.BalanceChange{
			AccountID:    account.ID,
			SettlementID: settlementID,
			Type:         settlement.Type,
			AmountCents:  settlement.AmountCents,
			Currency:     account.Currency,
			OccurredAt:   time.Now().UTC(),
		}
		return nil
	})
	if err != nil {
		if insufficientLocked {
			s.markFailed(ctx, settlementID, "reservation missing at completion")
		}
		return err
	}

	if change != nil {
		observability.IncrementLedgerApplied(change.Type)
		s.notifier.BalanceChanged(ctx, *change)
	}
	return nil
}

// markFailed transitions a settlement to FAILED in its own transaction,
// recording the reason. Used after an apply aborts.
func (s *LedgerService) markFailed(ctx context.Context, settlementID uuid.UUID, reason string) {
	err := s.store.RunInTx(ctx, func(qtx *repository.Queries) error {
		meta := []byte(fmt.Sprintf(`{"failure_reason":%q}`, reason))
		if err := transitionSettlementStatus(ctx, qtx, s.events, settlementID, domain.SettlementStatusFailed, nil, "failed", meta); err != nil {
			return err
		}
		_, err := qtx.AppendSettlementMetadata(ctx, settlementID, meta)
		return err
	})
	if err != nil {
		zap.L().Error("mark settlement failed",
			zap.Error(err),
			zap.String("settlement_id", settlementID.String()),
			zap.String("reason", reason))
	}
}
