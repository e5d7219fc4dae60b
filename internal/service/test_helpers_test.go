package service

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/greyfinance/settlement-bridge/internal/models"
	"github.com/greyfinance/settlement-bridge/internal/repository"
)

// setupTestDB connects to the local Postgres instance, applies the schema
// and truncates all tables.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	connString := os.Getenv("DATABASE_URL")
	if connString == "" {
		t.Skip("Skipping integration test: DATABASE_URL not set")
	}
	db, err := pgxpool.New(context.Background(), connString)
	if err != nil {
		t.Fatalf("Failed to connect to DB: %v", err)
	}

	schema, err := os.ReadFile("../../migrations/0001_init.sql")
	if err != nil {
		t.Fatalf("Failed to read schema: %v", err)
	}
	if _, err := db.Exec(context.Background(), string(schema)); err != nil {
		t.Fatalf("Failed to apply schema: %v", err)
	}

	for _, table := range []string{"settlement_events", "settlements", "idempotency_keys", "accounts"} {
		stmt := fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table)
		if _, err := db.Exec(context.Background(), stmt); err != nil {
			t.Fatalf("Failed to truncate %s: %v", table, err)
		}
	}
	return db
}

// createTestAccount inserts an account with the given balance and returns it.
func createTestAccount(t *testing.T, db *pgxpool.Pool, balanceCents int64) models.Account {
	t.Helper()

	account := models.Account{
		ID:           uuid.New(),
		UserID:       uuid.New(),
		Currency:     "CRD",
		BalanceCents: balanceCents,
	}
	queries := repository.New(db)
	if err := queries.CreateAccount(context.Background(), &account); err != nil {
		t.Fatalf("Failed to create account: %v", err)
	}
	return account
}
