package protocol

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MockClient records submissions in memory and acknowledges them
// immediately. Used by tests and local development.
type MockClient struct {
	mu          sync.Mutex
	Deposits    []SettlementRequest
	Withdrawals []SettlementRequest

	// FailWith, when set, is returned by every submission.
	FailWith error
}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SubmitDeposit(_ context.Context, req SettlementRequest) (*Ack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return nil, m.FailWith
	}
	m.Deposits = append(m.Deposits, req)
	return &Ack{Reference: "mock-" + uuid.NewString(), Status: "accepted"}, nil
}

func (m *MockClient) SubmitWithdrawal(_ context.Context, req SettlementRequest) (*Ack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return nil, m.FailWith
	}
	m.Withdrawals = append(m.Withdrawals, req)
	return &Ack{Reference: "mock-" + uuid.NewString(), Status: "accepted"}, nil
}
