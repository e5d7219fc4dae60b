package chain

import (
	"context"
	"sync"
)

// MockVerifier serves registered transactions from memory, for tests and
// local development.
type MockVerifier struct {
	mu  sync.RWMutex
	txs map[string]Transaction
}

func NewMockVerifier() *MockVerifier {
	return &MockVerifier{txs: make(map[string]Transaction)}
}

// Register makes a transaction visible to subsequent lookups.
func (m *MockVerifier) Register(tx Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txs[tx.Signature] = tx
}

func (m *MockVerifier) GetTransaction(_ context.Context, signature string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.txs[signature]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return &tx, nil
}
