// Package protocol implements the outbound client for the external
// token-settlement protocol. Every request is HMAC-signed and nonce-tagged;
// the settlement id travels as the correlation/idempotency key.
package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/greyfinance/settlement-bridge/internal/signature"
)

const (
	HeaderPlatformToken = "X-Platform-Token"
	HeaderTimestamp     = "X-Timestamp"
	HeaderSignature     = "X-Signature"
	HeaderNonce         = "X-Nonce"
)

// SettlementRequest carries one deposit or withdrawal to the protocol.
type SettlementRequest struct {
	SettlementID uuid.UUID
	UserRef      uuid.UUID
	// Amount is expressed in protocol units, already converted from the
	// local currency by the fixed exchange ratio.
	Amount decimal.Decimal
	// DestinationAddress is the withdrawal target wallet; empty for deposits.
	DestinationAddress string
}

// Ack is the protocol's HTTP-level acknowledgement of a submitted request.
type Ack struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
}

// Client submits settlement requests to the external protocol.
type Client interface {
	SubmitDeposit(ctx context.Context, req SettlementRequest) (*Ack, error)
	SubmitWithdrawal(ctx context.Context, req SettlementRequest) (*Ack, error)
}

// HTTPClient signs and posts requests to the protocol endpoint.
type HTTPClient struct {
	baseURL string
	token   string
	codec   *signature.Codec
	client  *http.Client
	nowFn   func() time.Time
}

func NewHTTPClient(baseURL, platformToken, signingSecret string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		token:   platformToken,
		codec:   signature.NewCodec(signingSecret),
		client:  &http.Client{Timeout: timeout},
		nowFn:   time.Now,
	}
}

// WithNow overrides the clock, for tests.
func (c *HTTPClient) WithNow(nowFn func() time.Time) *HTTPClient {
	c.nowFn = nowFn
	return c
}

type wirePayload struct {
	UserID             string `json:"userId"`
	Amount             string `json:"amount"`
	SettlementID       string `json:"settlementId"`
	DestinationAddress string `json:"destinationAddress,omitempty"`
}

func (c *HTTPClient) SubmitDeposit(ctx context.Context, req SettlementRequest) (*Ack, error) {
	return c.submit(ctx, "/v1/deposits", req)
}

func (c *HTTPClient) SubmitWithdrawal(ctx context.Context, req SettlementRequest) (*Ack, error) {
	return c.submit(ctx, "/v1/withdrawals", req)
}

func (c *HTTPClient) submit(ctx context.Context, path string, req SettlementRequest) (*Ack, error) {
	body, err := json.Marshal(wirePayload{
		UserID:             req.UserRef.String(),
		Amount:             req.Amount.String(),
		SettlementID:       req.SettlementID.String(),
		DestinationAddress: req.DestinationAddress,
	})
	if err != nil {
		return nil, fmt.Errorf("encode settlement payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build settlement request: %w", err)
	}

	timestamp := strconv.FormatInt(c.nowFn().Unix(), 10)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(HeaderPlatformToken, c.token)
	httpReq.Header.Set(HeaderTimestamp, timestamp)
	httpReq.Header.Set(HeaderSignature, c.codec.Sign(timestamp, body))
	httpReq.Header.Set(HeaderNonce, uuid.NewString())

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("settlement protocol call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("settlement protocol returned %d: %s", resp.StatusCode, snippet)
	}

	var ack Ack
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return nil, fmt.Errorf("decode protocol acknowledgement: %w", err)
	}
	return &ack, nil
}
