package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/greyfinance/settlement-bridge/internal/observability"
)

// ReconciliationService verifies ledger integrity invariants.
type ReconciliationService struct {
	store QueryStore
}

// NewReconciliationService creates a reconciliation service.
func NewReconciliationService(store QueryStore) *ReconciliationService {
	return &ReconciliationService{store: store}
}

// Run checks every account balance against the net of its completed
// settlements and reports drift. Drift is surfaced, never auto-corrected.
func (s *ReconciliationService) Run(ctx context.Context) error {
	drift, err := s.store.Queries().ListLedgerDrift(ctx)
	if err != nil {
		return fmt.Errorf("run ledger drift query: %w", err)
	}

	if len(drift) == 0 {
		zap.L().Info("ledger balanced")
		return nil
	}

	for _, row := range drift {
		observability.IncrementLedgerDrift(row.Currency)
		zap.L().Error("CRITICAL: ledger drift detected",
			zap.String("account_id", row.AccountID.String()),
			zap.String("currency", row.Currency),
			zap.Int64("balance_cents", row.BalanceCents),
			zap.Int64("settled_cents", row.SettledCents))
	}
	return nil
}
