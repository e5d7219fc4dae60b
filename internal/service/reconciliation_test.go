package service

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/greyfinance/settlement-bridge/internal/protocol"
	"github.com/greyfinance/settlement-bridge/internal/repository"
)

func TestReconciliationRun(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	ctx := context.Background()
	account := createTestAccount(t, db, 0)
	store := repository.NewStore(db)
	settlements := NewSettlementService(store, protocol.NewMockClient(), decimal.NewFromInt(1))
	ledger := NewLedgerService(store, nil)
	reconcileSvc := NewReconciliationService(store)

	resp, err := settlements.Initiate(ctx, InitiateRequest{
		UserID: account.UserID, AccountID: account.ID, Type: "DEPOSIT", Amount: "50.00",
	})
	require.NoError(t, err)
	ref := "rec-sig-1"
	require.NoError(t, ledger.ApplyCompletion(ctx, resp.SettlementID, &ref))

	require.NoError(t, reconcileSvc.Run(ctx))
	drift, err := repository.New(db).ListLedgerDrift(ctx)
	require.NoError(t, err)
	require.Empty(t, drift)

	// Mutate the balance behind the ledger's back.
	_, err = db.Exec(ctx, "UPDATE accounts SET balance_cents = balance_cents + 123 WHERE id = $1", account.ID)
	require.NoError(t, err)

	require.NoError(t, reconcileSvc.Run(ctx))
	drift, err = repository.New(db).ListLedgerDrift(ctx)
	require.NoError(t, err)
	require.Len(t, drift, 1)
	require.Equal(t, account.ID, drift[0].AccountID)
	require.Equal(t, int64(5_123), drift[0].BalanceCents)
	require.Equal(t, int64(5_000), drift[0].SettledCents)
}
