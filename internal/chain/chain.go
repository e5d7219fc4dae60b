// Package chain exposes the read/verify capability for the settlement
// chain. The bridge never runs a node itself; it talks to a verification
// endpoint operated alongside the RPC infrastructure.
package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

var ErrTransactionNotFound = errors.New("transaction not found on chain")

// Transaction is the verified view of one on-chain transfer.
type Transaction struct {
	Signature   string          `json:"signature"`
	Destination string          `json:"destination"`
	Amount      decimal.Decimal `json:"amount"`
	Confirmed   bool            `json:"confirmed"`
	Processed   bool            `json:"processed"`
}

// Verifier looks up a transaction by its signature.
type Verifier interface {
	GetTransaction(ctx context.Context, signature string) (*Transaction, error)
}

// HTTPVerifier queries the chain verification endpoint over HTTP.
type HTTPVerifier struct {
	baseURL string
	client  *http.Client
}

func NewHTTPVerifier(baseURL string, timeout time.Duration) *HTTPVerifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPVerifier{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (v *HTTPVerifier) GetTransaction(ctx context.Context, signature string) (*Transaction, error) {
	endpoint := fmt.Sprintf("%s/v1/transactions/%s", v.baseURL, url.PathEscape(signature))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build chain request: %w", err)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chain query: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrTransactionNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("chain query returned %d: %s", resp.StatusCode, body)
	}

	var tx Transaction
	if err := json.NewDecoder(resp.Body).Decode(&tx); err != nil {
		return nil, fmt.Errorf("decode chain response: %w", err)
	}
	if tx.Signature == "" {
		tx.Signature = signature
	}
	return &tx, nil
}
