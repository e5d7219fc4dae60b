package service

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/greyfinance/settlement-bridge/internal/chain"
	"github.com/greyfinance/settlement-bridge/internal/domain"
	"github.com/greyfinance/settlement-bridge/internal/models"
	"github.com/greyfinance/settlement-bridge/internal/repository"
)

const testTreasury = "treasury-wallet-addr"

func newVerificationService(store QueryStore, verifier chain.Verifier) *VerificationService {
	ledger := NewLedgerService(store, nil)
	return NewVerificationService(store, verifier, ledger, testTreasury,
		decimal.NewFromInt(10), decimal.RequireFromString("0.01"))
}

func TestVerifyDepositCredits(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	ctx := context.Background()
	account := createTestAccount(t, db, 0)
	store := repository.NewStore(db)
	verifier := chain.NewMockVerifier()
	svc := newVerificationService(store, verifier)

	sig := "chain-sig-" + uuid.NewString()
	verifier.Register(chain.Transaction{
		Signature:   sig,
		Destination: testTreasury,
		Amount:      decimal.RequireFromString("125"), // 12.50 local at ratio 10
		Confirmed:   true,
	})

	resp, err := svc.VerifyDeposit(ctx, VerifyDepositRequest{
		UserID:         account.UserID,
		AccountID:      account.ID,
		ChainSignature: sig,
		Amount:         "12.50",
	})
	require.NoError(t, err)
	require.Equal(t, domain.SettlementStatusCompleted, resp.Status)
	require.Equal(t, int64(1_250), resp.AmountCents)

	got, err := repository.New(db).GetAccount(ctx, account.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1_250), got.BalanceCents)

	settlement, err := repository.New(db).GetSettlementByExternalRef(ctx, sig)
	require.NoError(t, err)
	require.Equal(t, domain.SettlementStatusCompleted, settlement.Status)

	// The same signature cannot credit twice.
	_, err = svc.VerifyDeposit(ctx, VerifyDepositRequest{
		UserID:         account.UserID,
		AccountID:      account.ID,
		ChainSignature: sig,
		Amount:         "12.50",
	})
	require.ErrorIs(t, err, models.ErrAlreadyProcessed)
}

func TestVerifyDepositChecksOrder(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	ctx := context.Background()
	account := createTestAccount(t, db, 0)
	store := repository.NewStore(db)
	verifier := chain.NewMockVerifier()
	svc := newVerificationService(store, verifier)

	// Ownership fails before the chain is consulted.
	_, err := svc.VerifyDeposit(ctx, VerifyDepositRequest{
		UserID:         uuid.New(),
		AccountID:      account.ID,
		ChainSignature: "whatever",
		Amount:         "1.00",
	})
	require.ErrorIs(t, err, models.ErrNotAccountOwner)

	// Unknown signature.
	_, err = svc.VerifyDeposit(ctx, VerifyDepositRequest{
		UserID:         account.UserID,
		AccountID:      account.ID,
		ChainSignature: "missing-sig",
		Amount:         "1.00",
	})
	require.ErrorIs(t, err, models.ErrTxNotFound)

	// Unconfirmed transaction.
	verifier.Register(chain.Transaction{
		Signature:   "unconfirmed-sig",
		Destination: testTreasury,
		Amount:      decimal.NewFromInt(10),
		Confirmed:   false,
	})
	_, err = svc.VerifyDeposit(ctx, VerifyDepositRequest{
		UserID:         account.UserID,
		AccountID:      account.ID,
		ChainSignature: "unconfirmed-sig",
		Amount:         "1.00",
	})
	require.ErrorIs(t, err, models.ErrTxUnconfirmed)

	// Wrong destination wallet.
	verifier.Register(chain.Transaction{
		Signature:   "wrong-dest-sig",
		Destination: "someone-else",
		Amount:      decimal.NewFromInt(10),
		Confirmed:   true,
	})
	_, err = svc.VerifyDeposit(ctx, VerifyDepositRequest{
		UserID:         account.UserID,
		AccountID:      account.ID,
		ChainSignature: "wrong-dest-sig",
		Amount:         "1.00",
	})
	require.ErrorIs(t, err, models.ErrWrongDestination)

	// Already processed upstream.
	verifier.Register(chain.Transaction{
		Signature:   "processed-sig",
		Destination: testTreasury,
		Amount:      decimal.NewFromInt(10),
		Confirmed:   true,
		Processed:   true,
	})
	_, err = svc.VerifyDeposit(ctx, VerifyDepositRequest{
		UserID:         account.UserID,
		AccountID:      account.ID,
		ChainSignature: "processed-sig",
		Amount:         "1.00",
	})
	require.ErrorIs(t, err, models.ErrAlreadyProcessed)

	// Claimed amount does not match the transfer.
	verifier.Register(chain.Transaction{
		Signature:   "mismatch-sig",
		Destination: testTreasury,
		Amount:      decimal.NewFromInt(10),
		Confirmed:   true,
	})
	_, err = svc.VerifyDeposit(ctx, VerifyDepositRequest{
		UserID:         account.UserID,
		AccountID:      account.ID,
		ChainSignature: "mismatch-sig",
		Amount:         "5.00",
	})
	require.ErrorIs(t, err, models.ErrAmountMismatch)

	// Nothing above should have written a settlement.
	settlements, err := repository.New(db).ListSettlementsByAccount(ctx, account.ID, 10, 0)
	require.NoError(t, err)
	require.Empty(t, settlements)
}

func TestVerifyDepositAmountWithinTolerance(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	ctx := context.Background()
	account := createTestAccount(t, db, 0)
	store := repository.NewStore(db)
	verifier := chain.NewMockVerifier()
	svc := newVerificationService(store, verifier)

	sig := "tolerance-sig-" + uuid.NewString()
	verifier.Register(chain.Transaction{
		Signature:   sig,
		Destination: testTreasury,
		Amount:      decimal.RequireFromString("100.005"),
		Confirmed:   true,
	})

	resp, err := svc.VerifyDeposit(ctx, VerifyDepositRequest{
		UserID:         account.UserID,
		AccountID:      account.ID,
		ChainSignature: sig,
		Amount:         "10.00",
	})
	require.NoError(t, err)
	require.Equal(t, int64(1_000), resp.AmountCents)
}
