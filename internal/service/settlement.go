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
	"go.uber.org/zap"

	"github.com/greyfinance/settlement-bridge/internal/domain"
	"github.com/greyfinance/settlement-bridge/internal/models"
	"github.com/greyfinance/settlement-bridge/internal/observability"
	"github.com/greyfinance/settlement-bridge/internal/protocol"
	"github.com/greyfinance/settlement-bridge/internal/repository"
)

// SettlementService drives the outbound half of the bridge: it records a
// settlement locally, submits it to the external protocol, and tracks the
// acknowledgement. Completion arrives later through webhooks or deposit
// verification.
type SettlementService struct {
	store    QueryStore
	protocol protocol.Client
	events   *EventService
	ratio    decimal.Decimal
}

func NewSettlementService(store QueryStore, client protocol.Client, exchangeRatio decimal.Decimal) *SettlementService {
	if exchangeRatio.IsZero() {
		exchangeRatio = decimal.NewFromInt(1)
	}
	return &SettlementService{
		store:    store,
		protocol: client,
		events:   NewEventService(store),
		ratio:    exchangeRatio,
	}
}

// InitiateRequest holds the parameters for starting a settlement.
type InitiateRequest struct {
	UserID             uuid.UUID
	AccountID          uuid.UUID
	Type               string
	Amount             string
	DestinationAddress string
	Metadata           map[string]string
}

// InitiateResponse is returned to the caller after the protocol accepts
// (or rejects) the submission.
type InitiateResponse struct {
	SettlementID uuid.UUID `json:"settlement_id"`
	Status       string    `json:"status"`
	Message      string    `json:"message"`
}

// Initiate records the settlement as PENDING, reserves funds for
// withdrawals, and submits the request to the protocol. The protocol call
// runs outside any row lock; its outcome moves the settlement to
// PROCESSING or FAILED in a second transaction.
func (s *SettlementService) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResponse, error) {
	settlementType := normalizeStatus(req.Type)
	if settlementType != domain.SettlementTypeDeposit && settlementType != domain.SettlementTypeWithdrawal {
		return nil, fmt.Errorf("unsupported settlement type: %s", req.Type)
	}

	amountCents, err := domain.ParseAmount(req.Amount)
	if err != nil {
		return nil, err
	}

	if settlementType == domain.SettlementTypeWithdrawal && strings.TrimSpace(req.DestinationAddress) == "" {
		return nil, errors.New("destination_address is required for withdrawals")
	}

	metadata := []byte("{}")
	if len(req.Metadata) > 0 {
		metadata, err = json.Marshal(req.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encode metadata: %w", err)
		}
	}

	settlementID := uuid.New()
	var currency string
	err = s.store.RunInTx(ctx, func(qtx *repository.Queries) error {
		account, err := qtx.GetAccountForUpdate(ctx, req.AccountID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return models.ErrAccountNotFound
			}
			return fmt.Errorf("lock account: %w", err)
		}
		if account.UserID != req.UserID {
			return models.ErrNotAccountOwner
		}
		currency = account.Currency

		if settlementType == domain.SettlementTypeWithdrawal {
			rows, err := qtx.LockAccountFunds(ctx, amountCents, account.ID)
			if err != nil {
				return fmt.Errorf("reserve funds: %w", err)
			}
			if rows != 1 {
				return models.ErrInsufficientFunds
			}
		}

		if err := qtx.CreateSettlement(ctx, repository.CreateSettlementParams{
			ID:          settlementID,
			UserRef:     req.UserID,
			AccountID:   account.ID,
			Type:        settlementType,
			Status:      domain.SettlementStatusPending,
			AmountCents: amountCents,
			Metadata:    metadata,
		}); err != nil {
			return fmt.Errorf("create settlement: %w", err)
		}

		return s.events.Write(ctx, qtx, settlementID, &req.UserID, "created", "", domain.SettlementStatusPending, metadata)
	})
	if err != nil {
		return nil, err
	}

	protocolReq := protocol.SettlementRequest{
		SettlementID:       settlementID,
		UserRef:            req.UserID,
		Amount:             domain.Money{Cents: amountCents, Currency: currency}.ToProtocolUnits(s.ratio),
		DestinationAddress: req.DestinationAddress,
	}

	var ack *protocol.Ack
	if settlementType == domain.SettlementTypeDeposit {
		ack, err = s.protocol.SubmitDeposit(ctx, protocolReq)
	} else {
		ack, err = s.protocol.SubmitWithdrawal(ctx, protocolReq)
	}
	if err != nil {
		s.failAfterSubmission(ctx, settlementID, settlementType, amountCents, req.AccountID, err)
		return nil, fmt.Errorf("%w: %v", models.ErrUpstream, err)
	}

	err = s.store.RunInTx(ctx, func(qtx *repository.Queries) error {
		if err := transitionSettlementStatus(ctx, qtx, s.events, settlementID, domain.SettlementStatusProcessing, nil, "submitted", nil); err != nil {
			return err
		}
		if ack.Reference == "" {
			return nil
		}
		meta := []byte(fmt.Sprintf(`{"protocol_reference":%q}`, ack.Reference))
		_, err := qtx.AppendSettlementMetadata(ctx, settlementID, meta)
		return err
	})
	if err != nil {
		return nil, err
	}

	observability.IncrementSettlementsCreated(settlementType)
	return &InitiateResponse{
		SettlementID: settlementID,
		Status:       domain.SettlementStatusProcessing,
		Message:      "Settlement submitted",
	}, nil
}

// failAfterSubmission records a protocol rejection: FAILED status, the
// failure reason in metadata, and the withdrawal reservation released.
func (s *SettlementService) failAfterSubmission(ctx context.Context, settlementID uuid.UUID, settlementType string, amountCents int64, accountID uuid.UUID, cause error) {
	err := s.store.RunInTx(ctx, func(qtx *repository.Queries) error {
		meta := []byte(fmt.Sprintf(`{"failure_reason":%q}`, cause.Error()))
		if err := transitionSettlementStatus(ctx, qtx, s.events, settlementID, domain.SettlementStatusFailed, nil, "submission_failed", meta); err != nil {
			return err
		}
		if _, err := qtx.AppendSettlementMetadata(ctx, settlementID, meta); err != nil {
			return err
		}
		if settlementType == domain.SettlementTypeWithdrawal {
			rows, err := qtx.ReleaseAccountFunds(ctx, amountCents, accountID)
			if err != nil {
				return fmt.Errorf("release reservation: %w", err)
			}
			if err := requireExactlyOne(rows, "release reservation"); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		zap.L().Error("record settlement submission failure",
			zap.Error(err),
			zap.String("settlement_id", settlementID.String()))
	}
}

// Cancel aborts a settlement that has not reached a terminal state. The
// caller must own the account unless actorIsOperator is set. Withdrawal
// reservations are released.
func (s *SettlementService) Cancel(ctx context.Context, settlementID, actorID uuid.UUID, actorIsOperator bool) (*models.Settlement, error) {
	var out models.Settlement
	err := s.store.RunInTx(ctx, func(qtx *repository.Queries) error {
		settlement, err := qtx.GetSettlementForUpdate(ctx, settlementID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return models.ErrSettlementNotFound
			}
			return fmt.Errorf("lock settlement: %w", err)
		}
		if !actorIsOperator && settlement.UserRef != actorID {
			return models.ErrNotAccountOwner
		}
		if domain.IsTerminalStatus(settlement.Status) {
			return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, settlement.Status, domain.SettlementStatusCancelled)
		}

		if err := transitionSettlementStatus(ctx, qtx, s.events, settlementID, domain.SettlementStatusCancelled, &actorID, "cancelled", nil); err != nil {
			return err
		}

		if settlement.Type == domain.SettlementTypeWithdrawal {
			rows, err := qtx.ReleaseAccountFunds(ctx, settlement.AmountCents, settlement.AccountID)
			if err != nil {
				return fmt.Errorf("release reservation: %w", err)
			}
			if err := requireExactlyOne(rows, "release reservation"); err != nil {
				return err
			}
		}

		out = settlement
		out.Status = domain.SettlementStatusCancelled
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Get returns a settlement to its owner or an operator.
func (s *SettlementService) Get(ctx context.Context, settlementID, actorID uuid.UUID, actorIsOperator bool) (*models.Settlement, error) {
	settlement, err := s.store.Queries().GetSettlement(ctx, settlementID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrSettlementNotFound
		}
		return nil, fmt.Errorf("get settlement: %w", err)
	}
	if !actorIsOperator && settlement.UserRef != actorID {
		return nil, models.ErrNotAccountOwner
	}
	return &settlement, nil
}

// ListByAccount returns the account's settlement history, newest first.
func (s *SettlementService) ListByAccount(ctx context.Context, accountID, actorID uuid.UUID, actorIsOperator bool, limit, offset int32) ([]models.Settlement, error) {
	queries := s.store.Queries()
	account, err := queries.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrAccountNotFound
		}
		return nil, fmt.Errorf("get account: %w", err)
	}
	if !actorIsOperator && account.UserID != actorID {
		return nil, models.ErrNotAccountOwner
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return queries.ListSettlementsByAccount(ctx, accountID, limit, offset)
}

// Balance returns the account's balance view to its owner or an operator.
func (s *SettlementService) Balance(ctx context.Context, accountID, actorID uuid.UUID, actorIsOperator bool) (*models.Account, error) {
	account, err := s.store.Queries().GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrAccountNotFound
		}
		return nil, fmt.Errorf("get account: %w", err)
	}
	if !actorIsOperator && account.UserID != actorID {
		return nil, models.ErrNotAccountOwner
	}
	return &account, nil
}
