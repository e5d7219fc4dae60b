package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/greyfinance/settlement-bridge/internal/repository"
)

// EventService writes immutable settlement audit entries.
type EventService struct {
	store QueryStore
}

func NewEventService(store QueryStore) *EventService {
	return &EventService{store: store}
}

// Write stores a single immutable event record.
func (s *EventService) Write(ctx context.Context, qtx *repository.Queries, settlementID uuid.UUID, actorID *uuid.UUID, action, prevStatus, nextStatus string, metadata []byte) error {
	if err := qtx.InsertSettlementEvent(ctx, repository.InsertSettlementEventParams{
		SettlementID: settlementID,
		ActorID:      actorID,
		Action:       action,
		PrevStatus:   textParam(prevStatus),
		NextStatus:   textParam(nextStatus),
		Metadata:     metadata,
	}); err != nil {
		return fmt.Errorf("insert settlement event: %w", err)
	}
	return nil
}

func textParam(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
