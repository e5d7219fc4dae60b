package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Account is the local ledger record. BalanceCents is only ever mutated by
// the ledger applier; LockedCents holds provisional withdrawal reservations.
type Account struct {
	ID           uuid.UUID `json:"id"`
	UserID       uuid.UUID `json:"user_id"`
	Currency     string    `json:"currency"`
	BalanceCents int64     `json:"balance_cents"`
	LockedCents  int64     `json:"locked_cents"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// AvailableCents is the balance usable for new withdrawals.
func (a Account) AvailableCents() int64 {
	return a.BalanceCents - a.LockedCents
}

// Settlement is one attempted transfer between the local ledger and the
// external settlement protocol, tracked from request to terminal outcome.
type Settlement struct {
	ID          uuid.UUID       `json:"id"`
	UserRef     uuid.UUID       `json:"user_ref"`
	AccountID   uuid.UUID       `json:"account_id"`
	Type        string          `json:"type"`
	Status      string          `json:"status"`
	AmountCents int64           `json:"amount_cents"`
	ExternalRef *string         `json:"external_ref,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// SettlementEvent is one append-only audit record for a settlement.
type SettlementEvent struct {
	ID           int64           `json:"id"`
	SettlementID uuid.UUID       `json:"settlement_id"`
	ActorID      *uuid.UUID      `json:"actor_id,omitempty"`
	Action       string          `json:"action"`
	PrevStatus   *string         `json:"prev_status,omitempty"`
	NextStatus   *string         `json:"next_status,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}
