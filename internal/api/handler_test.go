package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/greyfinance/settlement-bridge/internal/api"
	"github.com/greyfinance/settlement-bridge/internal/api/middleware"
	"github.com/greyfinance/settlement-bridge/internal/chain"
	"github.com/greyfinance/settlement-bridge/internal/config"
	"github.com/greyfinance/settlement-bridge/internal/idempotency"
	"github.com/greyfinance/settlement-bridge/internal/models"
	"github.com/greyfinance/settlement-bridge/internal/protocol"
	"github.com/greyfinance/settlement-bridge/internal/repository"
	"github.com/greyfinance/settlement-bridge/internal/service"
	"github.com/greyfinance/settlement-bridge/internal/signature"
	"github.com/greyfinance/settlement-bridge/internal/testutil/dblock"
)

var testDB *pgxpool.Pool

const (
	testJWTSecret     = "test-secret-0123456789-test-secret"
	testJWTIssuer     = "settlement-bridge-test"
	testJWTAudience   = "settlement-api-test"
	testWebhookSecret = "webhook-test-secret"
	testTreasury      = "treasury-wallet-addr"
)

func TestMain(m *testing.M) {
	release := dblock.Acquire()
	if connStr := os.Getenv("DATABASE_URL"); connStr != "" {
		var err error
		testDB, err = pgxpool.New(context.Background(), connStr)
		if err != nil {
			release()
			fmt.Printf("Unable to connect to database: %v\n", err)
			os.Exit(1)
		}
		defer testDB.Close()

		schema, err := os.ReadFile("../../migrations/0001_init.sql")
		if err == nil {
			_, _ = testDB.Exec(context.Background(), string(schema))
		}
	}

	middleware.SetJWTSecret(testJWTSecret)
	middleware.SetJWTValidation(testJWTIssuer, testJWTAudience)

	code := m.Run()
	release()
	os.Exit(code)
}

func requireDB(t *testing.T) {
	t.Helper()
	if testDB == nil {
		t.Skip("Skipping integration test: DATABASE_URL not set")
	}
}

func cleanupDB(t *testing.T) {
	t.Helper()
	_, err := testDB.Exec(context.Background(),
		"TRUNCATE TABLE settlement_events, settlements, idempotency_keys, accounts CASCADE")
	require.NoError(t, err)
}

type testEnv struct {
	router   http.Handler
	protocol *protocol.MockClient
	chain    *chain.MockVerifier
}

func setupAPI() testEnv {
	store := repository.NewStore(testDB)
	mockProtocol := protocol.NewMockClient()
	mockChain := chain.NewMockVerifier()

	ledgerSvc := service.NewLedgerService(store, nil)
	settlementSvc := service.NewSettlementService(store, mockProtocol, decimal.NewFromInt(1))
	webhookVerifier := signature.NewVerifier(testWebhookSecret, 5*time.Minute)
	webhookSvc := service.NewWebhookService(store, webhookVerifier, false, ledgerSvc)
	verifySvc := service.NewVerificationService(store, mockChain, ledgerSvc, testTreasury,
		decimal.NewFromInt(1), decimal.RequireFromString("0.01"))

	cfg := &config.Config{
		HTTPPort:           "0",
		JWTSecret:          testJWTSecret,
		JWTIssuer:          testJWTIssuer,
		JWTAudience:        testJWTAudience,
		WebhookSecret:      testWebhookSecret,
		PublicRateLimitRPS: 1000,
		AuthRateLimitRPS:   1000,
		IdempotencyTTL:     time.Hour,
	}
	idemStore := idempotency.NewStore(nil, testDB, cfg.IdempotencyTTL)

	router := api.NewRouter(cfg, zap.NewNop(), testDB, idemStore, nil,
		settlementSvc, webhookSvc, verifySvc)
	return testEnv{router: router.Routes(), protocol: mockProtocol, chain: mockChain}
}

func generateTestToken(userID string) string {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"role":    "user",
		"sub":     userID,
		"iss":     testJWTIssuer,
		"aud":     testJWTAudience,
		"iat":     now.Unix(),
		"exp":     now.Add(time.Hour).Unix(),
	})
	signed, _ := token.SignedString([]byte(testJWTSecret))
	return signed
}

func createAccount(t *testing.T, balanceCents int64) models.Account {
	t.Helper()
	account := models.Account{
		ID:           uuid.New(),
		UserID:       uuid.New(),
		Currency:     "CRD",
		BalanceCents: balanceCents,
	}
	require.NoError(t, repository.New(testDB).CreateAccount(context.Background(), &account))
	return account
}

func signWebhook(payload []byte) (timestamp, nonce, sig string) {
	codec := signature.NewCodec(testWebhookSecret)
	timestamp = strconv.FormatInt(time.Now().Unix(), 10)
	nonce = uuid.NewString()
	return timestamp, nonce, codec.Sign(timestamp, payload)
}

func TestSettlementLifecycleOverHTTP(t *testing.T) {
	requireDB(t)
	cleanupDB(t)
	env := setupAPI()

	account := createAccount(t, 0)
	token := generateTestToken(account.UserID.String())

	body, _ := json.Marshal(map[string]interface{}{
		"account_id": account.ID.String(),
		"type":       "DEPOSIT",
		"amount":     "10.50",
	})
	req := httptest.NewRequest("POST", "/v1/settlements", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", "dep-key-1")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var initResp struct {
		SettlementID uuid.UUID `json:"settlement_id"`
		Status       string    `json:"status"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &initResp))
	assert.Equal(t, "PROCESSING", initResp.Status)
	require.Len(t, env.protocol.Deposits, 1)

	// Replaying the same idempotency key returns the stored response
	// without a second submission.
	req2 := httptest.NewRequest("POST", "/v1/settlements", bytes.NewReader(body))
	req2.Header.Set("Authorization", "Bearer "+token)
	req2.Header.Set("Content-Type", "application/json")
	req2.Header.Set("Idempotency-Key", "dep-key-1")
	w2 := httptest.NewRecorder()
	env.router.ServeHTTP(w2, req2)
	require.Equal(t, http.StatusAccepted, w2.Code)
	assert.Equal(t, w.Body.String(), w2.Body.String())
	assert.Len(t, env.protocol.Deposits, 1)

	// Completion webhook credits the balance.
	payload, _ := json.Marshal(map[string]interface{}{
		"event": "settlement.completed",
		"data": map[string]string{
			"settlement_id":    initResp.SettlementID.String(),
			"solana_signature": "sig-" + uuid.NewString(),
		},
	})
	timestamp, nonce, sig := signWebhook(payload)
	whReq := httptest.NewRequest("POST", "/v1/webhooks/settlement", bytes.NewReader(payload))
	whReq.Header.Set("X-Timestamp", timestamp)
	whReq.Header.Set("X-Nonce", nonce)
	whReq.Header.Set("X-Signature", sig)
	whW := httptest.NewRecorder()
	env.router.ServeHTTP(whW, whReq)
	require.Equal(t, http.StatusOK, whW.Code, whW.Body.String())

	balReq := httptest.NewRequest("GET", "/v1/accounts/"+account.ID.String()+"/balance", nil)
	balReq.Header.Set("Authorization", "Bearer "+token)
	balW := httptest.NewRecorder()
	env.router.ServeHTTP(balW, balReq)
	require.Equal(t, http.StatusOK, balW.Code)

	var balance struct {
		BalanceCents int64 `json:"balance_cents"`
	}
	require.NoError(t, json.Unmarshal(balW.Body.Bytes(), &balance))
	assert.Equal(t, int64(1_050), balance.BalanceCents)

	// History shows the completed settlement.
	listReq := httptest.NewRequest("GET", "/v1/accounts/"+account.ID.String()+"/settlements", nil)
	listReq.Header.Set("Authorization", "Bearer "+token)
	listW := httptest.NewRecorder()
	env.router.ServeHTTP(listW, listReq)
	require.Equal(t, http.StatusOK, listW.Code)
	assert.Contains(t, listW.Body.String(), "COMPLETED")
}

func TestSettlementRequiresAuth(t *testing.T) {
	requireDB(t)
	cleanupDB(t)
	env := setupAPI()

	req := httptest.NewRequest("POST", "/v1/settlements", bytes.NewReader([]byte(`{}`)))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest("GET", "/v1/settlements/"+uuid.NewString(), nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSettlementOwnershipEnforced(t *testing.T) {
	requireDB(t)
	cleanupDB(t)
	env := setupAPI()

	account := createAccount(t, 0)
	stranger := generateTestToken(uuid.NewString())

	body, _ := json.Marshal(map[string]interface{}{
		"account_id": account.ID.String(),
		"type":       "DEPOSIT",
		"amount":     "5.00",
	})
	req := httptest.NewRequest("POST", "/v1/settlements", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+stranger)
	req.Header.Set("Idempotency-Key", "stranger-key")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	balReq := httptest.NewRequest("GET", "/v1/accounts/"+account.ID.String()+"/balance", nil)
	balReq.Header.Set("Authorization", "Bearer "+stranger)
	balW := httptest.NewRecorder()
	env.router.ServeHTTP(balW, balReq)
	assert.Equal(t, http.StatusForbidden, balW.Code)
}

func TestWithdrawalRejectedOverAvailableBalance(t *testing.T) {
	requireDB(t)
	cleanupDB(t)
	env := setupAPI()

	account := createAccount(t, 1_000)
	token := generateTestToken(account.UserID.String())

	body, _ := json.Marshal(map[string]interface{}{
		"account_id":          account.ID.String(),
		"type":                "WITHDRAWAL",
		"amount":              "50.00",
		"destination_address": "wallet-dest",
	})
	req := httptest.NewRequest("POST", "/v1/settlements", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Idempotency-Key", "over-draw-key")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Empty(t, env.protocol.Withdrawals)
}

func TestWebhookRejectsBadSignatureOverHTTP(t *testing.T) {
	requireDB(t)
	cleanupDB(t)
	env := setupAPI()

	payload := []byte(fmt.Sprintf(`{"event":"settlement.completed","data":{"settlement_id":%q}}`, uuid.NewString()))
	timestamp, nonce, _ := signWebhook(payload)

	req := httptest.NewRequest("POST", "/v1/webhooks/settlement", bytes.NewReader(payload))
	req.Header.Set("X-Timestamp", timestamp)
	req.Header.Set("X-Nonce", nonce)
	req.Header.Set("X-Signature", "sha256=deadbeef")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Missing timestamp fails too.
	_, _, sig := signWebhook(payload)
	req = httptest.NewRequest("POST", "/v1/webhooks/settlement", bytes.NewReader(payload))
	req.Header.Set("X-Signature", sig)
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestVerifyDepositOverHTTP(t *testing.T) {
	requireDB(t)
	cleanupDB(t)
	env := setupAPI()

	account := createAccount(t, 0)
	token := generateTestToken(account.UserID.String())

	chainSig := "chain-sig-" + uuid.NewString()
	env.chain.Register(chain.Transaction{
		Signature:   chainSig,
		Destination: testTreasury,
		Amount:      decimal.RequireFromString("12.50"),
		Confirmed:   true,
	})

	body, _ := json.Marshal(map[string]string{
		"account_id": account.ID.String(),
		"signature":  chainSig,
		"amount":     "12.50",
	})
	req := httptest.NewRequest("POST", "/v1/deposits/verify", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Success      bool  `json:"success"`
		CreditsCents int64 `json:"credits_cents"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, int64(1_250), resp.CreditsCents)

	// Same signature a second time is a distinguishable conflict.
	req = httptest.NewRequest("POST", "/v1/deposits/verify", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "already")
}

func TestCancelOverHTTP(t *testing.T) {
	requireDB(t)
	cleanupDB(t)
	env := setupAPI()

	account := createAccount(t, 5_000)
	token := generateTestToken(account.UserID.String())

	body, _ := json.Marshal(map[string]interface{}{
		"account_id":          account.ID.String(),
		"type":                "WITHDRAWAL",
		"amount":              "20.00",
		"destination_address": "wallet-dest",
	})
	req := httptest.NewRequest("POST", "/v1/settlements", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Idempotency-Key", "cancel-key-1")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code)

	var initResp struct {
		SettlementID uuid.UUID `json:"settlement_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &initResp))

	cancelReq := httptest.NewRequest("POST", "/v1/settlements/"+initResp.SettlementID.String()+"/cancel", nil)
	cancelReq.Header.Set("Authorization", "Bearer "+token)
	cancelW := httptest.NewRecorder()
	env.router.ServeHTTP(cancelW, cancelReq)
	require.Equal(t, http.StatusOK, cancelW.Code)
	assert.Contains(t, cancelW.Body.String(), "CANCELLED")

	// Cancelling again conflicts.
	cancelW = httptest.NewRecorder()
	env.router.ServeHTTP(cancelW, httptest.NewRequest("POST", "/v1/settlements/"+initResp.SettlementID.String()+"/cancel", nil))
	assert.Equal(t, http.StatusUnauthorized, cancelW.Code)

	cancelReq2 := httptest.NewRequest("POST", "/v1/settlements/"+initResp.SettlementID.String()+"/cancel", nil)
	cancelReq2.Header.Set("Authorization", "Bearer "+token)
	cancelW2 := httptest.NewRecorder()
	env.router.ServeHTTP(cancelW2, cancelReq2)
	assert.Equal(t, http.StatusConflict, cancelW2.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	requireDB(t)
	env := setupAPI()

	cases := []struct {
		name string
		path string
	}{
		{name: "live", path: "/healthz"},
		{name: "ready", path: "/readyz"},
		{name: "metrics", path: "/metrics"},
		{name: "openapi", path: "/openapi.yaml"},
		{name: "swagger", path: "/swagger/index.html"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tc.path, nil)
			w := httptest.NewRecorder()
			env.router.ServeHTTP(w, req)
			assert.Equal(t, http.StatusOK, w.Code)
		})
	}
}

func TestWebhookMalformedBodyOverHTTP(t *testing.T) {
	requireDB(t)
	cleanupDB(t)
	env := setupAPI()

	// Permanently malformed events must not look retryable to the sender.
	payloads := [][]byte{
		[]byte(`{not json`),
		[]byte(`{"event":"settlement.completed","data":{"settlement_id":"not-a-uuid"}}`),
	}
	for _, payload := range payloads {
		timestamp, nonce, sig := signWebhook(payload)
		req := httptest.NewRequest("POST", "/v1/webhooks/settlement", bytes.NewReader(payload))
		req.Header.Set("X-Timestamp", timestamp)
		req.Header.Set("X-Nonce", nonce)
		req.Header.Set("X-Signature", sig)
		w := httptest.NewRecorder()
		env.router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code, "payload %s: %s", payload, w.Body.String())
	}
}

func TestWebhookLateCompletionConflictsOverHTTP(t *testing.T) {
	requireDB(t)
	cleanupDB(t)
	env := setupAPI()

	account := createAccount(t, 5_000)
	token := generateTestToken(account.UserID.String())

	body, _ := json.Marshal(map[string]interface{}{
		"account_id":          account.ID.String(),
		"type":                "WITHDRAWAL",
		"amount":              "20.00",
		"destination_address": "wallet-dest",
	})
	req := httptest.NewRequest("POST", "/v1/settlements", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Idempotency-Key", "late-completion-key")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code)

	var initResp struct {
		SettlementID uuid.UUID `json:"settlement_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &initResp))

	cancelReq := httptest.NewRequest("POST", "/v1/settlements/"+initResp.SettlementID.String()+"/cancel", nil)
	cancelReq.Header.Set("Authorization", "Bearer "+token)
	cancelW := httptest.NewRecorder()
	env.router.ServeHTTP(cancelW, cancelReq)
	require.Equal(t, http.StatusOK, cancelW.Code)

	// A completion for the cancelled settlement is a conflict, not an ack.
	payload, _ := json.Marshal(map[string]interface{}{
		"event": "settlement.completed",
		"data": map[string]string{
			"settlement_id":    initResp.SettlementID.String(),
			"solana_signature": "sig-" + uuid.NewString(),
		},
	})
	timestamp, nonce, sig := signWebhook(payload)
	whReq := httptest.NewRequest("POST", "/v1/webhooks/settlement", bytes.NewReader(payload))
	whReq.Header.Set("X-Timestamp", timestamp)
	whReq.Header.Set("X-Nonce", nonce)
	whReq.Header.Set("X-Signature", sig)
	whW := httptest.NewRecorder()
	env.router.ServeHTTP(whW, whReq)
	assert.Equal(t, http.StatusConflict, whW.Code, whW.Body.String())

	balReq := httptest.NewRequest("GET", "/v1/accounts/"+account.ID.String()+"/balance", nil)
	balReq.Header.Set("Authorization", "Bearer "+token)
	balW := httptest.NewRecorder()
	env.router.ServeHTTP(balW, balReq)
	require.Equal(t, http.StatusOK, balW.Code)

	var balance struct {
		BalanceCents int64 `json:"balance_cents"`
		LockedCents  int64 `json:"locked_cents"`
	}
	require.NoError(t, json.Unmarshal(balW.Body.Bytes(), &balance))
	assert.Equal(t, int64(5_000), balance.BalanceCents)
	assert.Equal(t, int64(0), balance.LockedCents)
}
