package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/greyfinance/settlement-bridge/internal/domain"
	"github.com/greyfinance/settlement-bridge/internal/models"
	"github.com/greyfinance/settlement-bridge/internal/observability"
	"github.com/greyfinance/settlement-bridge/internal/repository"
	"github.com/greyfinance/settlement-bridge/internal/signature"
)

// WebhookService processes status callbacks from the settlement protocol.
type WebhookService struct {
	store    QueryStore
	verifier *signature.Verifier
	skipSig  bool
	events   *EventService
	ledger   *LedgerService
}

// NewWebhookService creates a new WebhookService instance. skipSignature
// disables verification for local development only.
func NewWebhookService(store QueryStore, verifier *signature.Verifier, skipSignature bool, ledger *LedgerService) *WebhookService {
	return &WebhookService{
		store:    store,
		verifier: verifier,
		skipSig:  skipSignature,
		events:   NewEventService(store),
		ledger:   ledger,
	}
}

// WebhookEnvelope is the incoming callback payload. The event field is a
// closed set; anything else is rejected before touching the database.
type WebhookEnvelope struct {
	Event string      `json:"event"`
	Data  WebhookData `json:"data"`
}

type WebhookData struct {
	SettlementID   string `json:"settlement_id"`
	ChainSignature string `json:"solana_signature,omitempty"`
	FailureReason  string `json:"failure_reason,omitempty"`
}

// WebhookResponse acknowledges a processed callback.
type WebhookResponse struct {
	SettlementID uuid.UUID `json:"settlement_id"`
	Status       string    `json:"status"`
	Message      string    `json:"message"`
}

// HandleEvent verifies the callback signature and applies the event to the
// referenced settlement. Completed events flow through the ledger applier;
// redelivery of an already-applied completion acknowledges without
// touching balances.
func (s *WebhookService) HandleEvent(ctx context.Context, payload []byte, timestamp, nonce, sig string) (*WebhookResponse, error) {
	if !s.skipSig {
		if err := s.verifier.Verify(timestamp, nonce, payload, sig); err != nil {
			zap.L().Warn("webhook signature rejected", zap.Error(err))
			return nil, models.ErrInvalidSignature
		}
	}

	var envelope WebhookEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrMalformedWebhook, err)
	}

	settlementID, err := uuid.Parse(strings.TrimSpace(envelope.Data.SettlementID))
	if err != nil {
		return nil, fmt.Errorf("%w: settlement_id is not a UUID", models.ErrMalformedWebhook)
	}

	switch envelope.Event {
	case domain.EventSettlementCompleted:
		return s.handleCompleted(ctx, settlementID, envelope.Data)
	case domain.EventSettlementFailed:
		return s.handleFailed(ctx, settlementID, envelope.Data)
	case domain.EventSettlementProcessing:
		return s.handleProcessing(ctx, settlementID)
	default:
		observability.IncrementWebhookEvent(envelope.Event, "unknown")
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownEvent, envelope.Event)
	}
}

func (s *WebhookService) handleCompleted(ctx context.Context, settlementID uuid.UUID, data WebhookData) (*WebhookResponse, error) {
	var externalRef *string
	if ref := strings.TrimSpace(data.ChainSignature); ref != "" {
		externalRef = &ref
	}

	err := s.ledger.ApplyCompletion(ctx, settlementID, externalRef)
	if err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			// Late completion of a cancelled or failed settlement. Funds
			// must not move; keep the terminal state and reject the event.
			zap.L().Error("late completion for terminal settlement",
				zap.String("settlement_id", settlementID.String()),
				zap.Error(err))
			observability.IncrementWebhookEvent(domain.EventSettlementCompleted, "late")
			return nil, err
		}
		observability.IncrementWebhookEvent(domain.EventSettlementCompleted, "error")
		return nil, err
	}

	observability.IncrementWebhookEvent(domain.EventSettlementCompleted, "applied")
	return &WebhookResponse{
		SettlementID: settlementID,
		Status:       domain.SettlementStatusCompleted,
		Message:      "Settlement completed",
	}, nil
}

func (s *WebhookService) handleFailed(ctx context.Context, settlementID uuid.UUID, data WebhookData) (*WebhookResponse, error) {
	reason := strings.TrimSpace(data.FailureReason)
	if reason == "" {
		reason = "unspecified"
	}

	err := s.store.RunInTx(ctx, func(qtx *repository.Queries) error {
		settlement, err := qtx.GetSettlementForUpdate(ctx, settlementID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return models.ErrSettlementNotFound
			}
			return fmt.Errorf("lock settlement: %w", err)
		}
		if normalizeStatus(settlement.Status) == domain.SettlementStatusFailed {
			return nil
		}

		meta, err := json.Marshal(map[string]string{"failure_reason": reason})
		if err != nil {
			return fmt.Errorf("encode failure metadata: %w", err)
		}
		if err := transitionSettlementStatus(ctx, qtx, s.events, settlementID, domain.SettlementStatusFailed, nil, "failed", meta); err != nil {
			return err
		}
		if _, err := qtx.AppendSettlementMetadata(ctx, settlementID, meta); err != nil {
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
		return nil
	})
	if err != nil {
		observability.IncrementWebhookEvent(domain.EventSettlementFailed, "error")
		return nil, err
	}

	observability.IncrementWebhookEvent(domain.EventSettlementFailed, "applied")
	return &WebhookResponse{
		SettlementID: settlementID,
		Status:       domain.SettlementStatusFailed,
		Message:      "Settlement marked failed",
	}, nil
}

func (s *WebhookService) handleProcessing(ctx context.Context, settlementID uuid.UUID) (*WebhookResponse, error) {
	err := s.store.RunInTx(ctx, func(qtx *repository.Queries) error {
		settlement, err := qtx.GetSettlementForUpdate(ctx, settlementID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return models.ErrSettlementNotFound
			}
			return fmt.Errorf("lock settlement: %w", err)
		}
		// Progress markers on settled rows are stale redeliveries.
		if domain.IsTerminalStatus(normalizeStatus(settlement.Status)) {
			return nil
		}
		return transitionSettlementStatus(ctx, qtx, s.events, settlementID, domain.SettlementStatusProcessing, nil, "processing", nil)
	})
	if err != nil {
		observability.IncrementWebhookEvent(domain.EventSettlementProcessing, "error")
		return nil, err
	}

	observability.IncrementWebhookEvent(domain.EventSettlementProcessing, "applied")
	return &WebhookResponse{
		SettlementID: settlementID,
		Status:       domain.SettlementStatusProcessing,
		Message:      "Settlement processing",
	}, nil
}
