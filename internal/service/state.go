package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/greyfinance/settlement-bridge/internal/models"
	"github.com/greyfinance/settlement-bridge/internal/repository"
)

var settlementTransitions = map[string]map[string]struct{}{
	"PENDING": {
		"PROCESSING": {},
		"FAILED":     {},
		"CANCELLED":  {},
	},
	"PROCESSING": {
		"COMPLETED": {},
		"FAILED":    {},
		"CANCELLED": {},
	},
	"COMPLETED": {},
	"FAILED":    {},
	"CANCELLED": {},
}

func normalizeStatus(status string) string {
	return strings.ToUpper(strings.TrimSpace(status))
}

func canTransition(current, next string) bool {
	current = normalizeStatus(current)
	next = normalizeStatus(next)
	nextStates, ok := settlementTransitions[current]
	if !ok {
		return false
	}
	_, ok = nextStates[next]
	return ok
}

// transitionSettlementStatus moves a settlement to nextStatus under a row
// lock, records the transition in the event trail, and treats a same-status
// update as a no-op. Callers must run it inside a transaction.
func transitionSettlementStatus(ctx context.Context, qtx *repository.Queries, events *EventService, settlementID uuid.UUID, nextStatus string, actorID *uuid.UUID, action string, metadata []byte) error {
	current, err := qtx.GetSettlementForUpdate(ctx, settlementID)
	if err != nil {
		return fmt.Errorf("get current settlement status: %w", err)
	}

	if normalizeStatus(current.Status) == normalizeStatus(nextStatus) {
		return nil
	}
	if !canTransition(current.Status, nextStatus) {
		return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, current.Status, nextStatus)
	}

	rows, err := qtx.UpdateSettlementStatus(ctx, nextStatus, settlementID)
	if err != nil {
		return fmt.Errorf("update settlement status: %w", err)
	}
	if err := requireExactlyOne(rows, "update settlement status"); err != nil {
		return err
	}

	return events.Write(ctx, qtx, settlementID, actorID, action, current.Status, nextStatus, metadata)
}
