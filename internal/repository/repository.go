package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/greyfinance/settlement-bridge/internal/models"
)

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx so the same query set runs
// inside and outside transactions.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Queries is the hand-written query set over the settlement schema.
type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// WithTx rebinds the query set to a transaction.
func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{db: tx}
}

// IsUniqueViolation reports whether err is a Postgres unique-constraint
// violation (the atomic guard behind external_ref deduplication).
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const accountColumns = `id, user_id, currency, balance_cents, locked_cents, created_at, updated_at`

func scanAccount(row pgx.Row) (models.Account, error) {
	var a models.Account
	err := row.Scan(&a.ID, &a.UserID, &a.Currency, &a.BalanceCents, &a.LockedCents, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

func (q *Queries) CreateAccount(ctx context.Context, account *models.Account) error {
	query := `INSERT INTO accounts (id, user_id, currency, balance_cents, locked_cents, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW()) RETURNING created_at, updated_at`
	err := q.db.QueryRow(ctx, query, account.ID, account.UserID, account.Currency, account.BalanceCents, account.LockedCents).
		Scan(&account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

func (q *Queries) GetAccount(ctx context.Context, id uuid.UUID) (models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	return scanAccount(q.db.QueryRow(ctx, query, id))
}

// GetAccountForUpdate row-locks the account for the duration of the
// enclosing transaction.
func (q *Queries) GetAccountForUpdate(ctx context.Context, id uuid.UUID) (models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1 FOR UPDATE`
	return scanAccount(q.db.QueryRow(ctx, query, id))
}

// LockAccountFunds places a provisional withdrawal reservation. Zero rows
// means the available balance was insufficient.
func (q *Queries) LockAccountFunds(ctx context.Context, amountCents int64, id uuid.UUID) (int64, error) {
	tag, err := q.db.Exec(ctx, `UPDATE accounts
		SET locked_cents = locked_cents + $1, updated_at = NOW()
		WHERE id = $2 AND balance_cents - locked_cents >= $1`, amountCents, id)
	if err != nil {
		return 0, fmt.Errorf("lock account funds: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ReleaseAccountFunds returns a reservation after a failed or cancelled
// withdrawal.
func (q *Queries) ReleaseAccountFunds(ctx context.Context, amountCents int64, id uuid.UUID) (int64, error) {
	tag, err := q.db.Exec(ctx, `UPDATE accounts
		SET locked_cents = locked_cents - $1, updated_at = NOW()
		WHERE id = $2 AND locked_cents >= $1`, amountCents, id)
	if err != nil {
		return 0, fmt.Errorf("release account funds: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CreditAccountBalance applies a completed deposit.
func (q *Queries) CreditAccountBalance(ctx context.Context, amountCents int64, id uuid.UUID) (int64, error) {
	tag, err := q.db.Exec(ctx, `UPDATE accounts
		SET balance_cents = balance_cents + $1, updated_at = NOW()
		WHERE id = $2`, amountCents, id)
	if err != nil {
		return 0, fmt.Errorf("credit account balance: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeductLockedFunds consumes a withdrawal reservation and the backing
// balance together. Zero rows means the precondition no longer holds.
func (q *Queries) DeductLockedFunds(ctx context.Context, amountCents int64, id uuid.UUID) (int64, error) {
	tag, err := q.db.Exec(ctx, `UPDATE accounts
		SET balance_cents = balance_cents - $1, locked_cents = locked_cents - $1, updated_at = NOW()
		WHERE id = $2 AND locked_cents >= $1 AND balance_cents >= $1`, amountCents, id)
	if err != nil {
		return 0, fmt.Errorf("deduct locked funds: %w", err)
	}
	return tag.RowsAffected(), nil
}

const settlementColumns = `id, user_ref, account_id, type, status, amount_cents, external_ref, metadata, completed_at, created_at, updated_at`

func scanSettlement(row pgx.Row) (models.Settlement, error) {
	var s models.Settlement
	err := row.Scan(&s.ID, &s.UserRef, &s.AccountID, &s.Type, &s.Status, &s.AmountCents,
		&s.ExternalRef, &s.Metadata, &s.CompletedAt, &s.CreatedAt, &s.UpdatedAt)
	return s, err
}

type CreateSettlementParams struct {
	ID          uuid.UUID
	UserRef     uuid.UUID
	AccountID   uuid.UUID
	Type        string
	Status      string
	AmountCents int64
	ExternalRef *string
	Metadata    []byte
}

func (q *Queries) CreateSettlement(ctx context.Context, params CreateSettlementParams) error {
	metadata := params.Metadata
	if len(metadata) == 0 {
		metadata = []byte(`{}`)
	}
	_, err := q.db.Exec(ctx, `INSERT INTO settlements
		(id, user_ref, account_id, type, status, amount_cents, external_ref, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())`,
		params.ID, params.UserRef, params.AccountID, params.Type, params.Status,
		params.AmountCents, params.ExternalRef, metadata)
	return err
}

func (q *Queries) GetSettlement(ctx context.Context, id uuid.UUID) (models.Settlement, error) {
	query := `SELECT ` + settlementColumns + ` FROM settlements WHERE id = $1`
	return scanSettlement(q.db.QueryRow(ctx, query, id))
}

// GetSettlementForUpdate row-locks the settlement for a state transition.
func (q *Queries) GetSettlementForUpdate(ctx context.Context, id uuid.UUID) (models.Settlement, error) {
	query := `SELECT ` + settlementColumns + ` FROM settlements WHERE id = $1 FOR UPDATE`
	return scanSettlement(q.db.QueryRow(ctx, query, id))
}

func (q *Queries) GetSettlementByExternalRef(ctx context.Context, externalRef string) (models.Settlement, error) {
	query := `SELECT ` + settlementColumns + ` FROM settlements WHERE external_ref = $1`
	return scanSettlement(q.db.QueryRow(ctx, query, externalRef))
}

func (q *Queries) ListSettlementsByAccount(ctx context.Context, accountID uuid.UUID, limit, offset int32) ([]models.Settlement, error) {
	query := `SELECT ` + settlementColumns + ` FROM settlements
		WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	rows, err := q.db.Query(ctx, query, accountID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list settlements: %w", err)
	}
	defer rows.Close()

	var settlements []models.Settlement
	for rows.Next() {
		s, err := scanSettlement(rows)
		if err != nil {
			return nil, fmt.Errorf("scan settlement: %w", err)
		}
		settlements = append(settlements, s)
	}
	return settlements, rows.Err()
}

func (q *Queries) UpdateSettlementStatus(ctx context.Context, status string, id uuid.UUID) (int64, error) {
	tag, err := q.db.Exec(ctx, `UPDATE settlements SET status = $1, updated_at = NOW() WHERE id = $2`, status, id)
	if err != nil {
		return 0, fmt.Errorf("update settlement status: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MarkSettlementCompleted sets the terminal completed state; completed_at is
// written exactly once.
func (q *Queries) MarkSettlementCompleted(ctx context.Context, id uuid.UUID) (int64, error) {
	tag, err := q.db.Exec(ctx, `UPDATE settlements
		SET status = 'COMPLETED', completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND completed_at IS NULL`, id)
	if err != nil {
		return 0, fmt.Errorf("mark settlement completed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SetSettlementExternalRef records the chain signature or protocol reference.
// A unique violation here is the double-credit guard firing; callers check it
// with IsUniqueViolation.
func (q *Queries) SetSettlementExternalRef(ctx context.Context, id uuid.UUID, externalRef string) (int64, error) {
	tag, err := q.db.Exec(ctx, `UPDATE settlements
		SET external_ref = $1, updated_at = NOW()
		WHERE id = $2 AND (external_ref IS NULL OR external_ref = $1)`, externalRef, id)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// AppendSettlementMetadata merges keys into the append-only metadata map.
func (q *Queries) AppendSettlementMetadata(ctx context.Context, id uuid.UUID, metadata []byte) (int64, error) {
	tag, err := q.db.Exec(ctx, `UPDATE settlements
		SET metadata = metadata || $1::jsonb, updated_at = NOW()
		WHERE id = $2`, metadata, id)
	if err != nil {
		return 0, fmt.Errorf("append settlement metadata: %w", err)
	}
	return tag.RowsAffected(), nil
}

type InsertSettlementEventParams struct {
	SettlementID uuid.UUID
	ActorID      *uuid.UUID
	Action       string
	PrevStatus   *string
	NextStatus   *string
	Metadata     []byte
}

func (q *Queries) InsertSettlementEvent(ctx context.Context, params InsertSettlementEventParams) error {
	_, err := q.db.Exec(ctx, `INSERT INTO settlement_events
		(settlement_id, actor_id, action, prev_status, next_status, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
		params.SettlementID, params.ActorID, params.Action, params.PrevStatus, params.NextStatus, params.Metadata)
	if err != nil {
		return fmt.Errorf("insert settlement event: %w", err)
	}
	return nil
}

// DriftRow reports an account whose balance diverged from the net of its
// completed settlements.
type DriftRow struct {
	AccountID    uuid.UUID
	Currency     string
	BalanceCents int64
	SettledCents int64
}

// ListLedgerDrift returns every account where balance != completed deposits
// minus completed withdrawals.
func (q *Queries) ListLedgerDrift(ctx context.Context) ([]DriftRow, error) {
	query := `
		SELECT a.id, a.currency, a.balance_cents,
			COALESCE(SUM(CASE WHEN s.type = 'DEPOSIT' THEN s.amount_cents ELSE -s.amount_cents END)
				FILTER (WHERE s.status = 'COMPLETED'), 0) AS settled_cents
		FROM accounts a
		LEFT JOIN settlements s ON s.account_id = a.id
		GROUP BY a.id, a.currency, a.balance_cents
		HAVING a.balance_cents <> COALESCE(SUM(CASE WHEN s.type = 'DEPOSIT' THEN s.amount_cents ELSE -s.amount_cents END)
			FILTER (WHERE s.status = 'COMPLETED'), 0)`
	rows, err := q.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ledger drift query: %w", err)
	}
	defer rows.Close()

	var drift []DriftRow
	for rows.Next() {
		var d DriftRow
		if err := rows.Scan(&d.AccountID, &d.Currency, &d.BalanceCents, &d.SettledCents); err != nil {
			return nil, fmt.Errorf("scan drift row: %w", err)
		}
		drift = append(drift, d)
	}
	return drift, rows.Err()
}
