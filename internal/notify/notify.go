// Package notify publishes balance-changed notifications after ledger
// writes commit. Consumers subscribe to the Redis channel to refresh
// cached balances.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const balanceChannel = "settlement-bridge:balance-changed"

// BalanceChange describes one committed balance movement.
type BalanceChange struct {
	AccountID    uuid.UUID `json:"account_id"`
	SettlementID uuid.UUID `json:"settlement_id"`
	Type         string    `json:"type"`
	AmountCents  int64     `json:"amount_cents"`
	Currency     string    `json:"currency"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// BalanceNotifier broadcasts balance changes. Publishing is best effort;
// the ledger write has already committed when it runs.
type BalanceNotifier interface {
	BalanceChanged(ctx context.Context, change BalanceChange)
}

// RedisNotifier publishes changes on a Redis pub/sub channel.
type RedisNotifier struct {
	client *redis.Client
}

func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client}
}

func (n *RedisNotifier) BalanceChanged(ctx context.Context, change BalanceChange) {
	payload, err := json.Marshal(change)
	if err != nil {
		zap.L().Error("encode balance notification", zap.Error(err))
		return
	}
	if err := n.client.Publish(ctx, balanceChannel, payload).Err(); err != nil {
		zap.L().Warn("publish balance notification",
			zap.Error(err),
			zap.String("settlement_id", change.SettlementID.String()))
	}
}

// NopNotifier discards notifications. Used by tests and by deployments
// without Redis.
type NopNotifier struct{}

func (NopNotifier) BalanceChanged(context.Context, BalanceChange) {}
