package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/artpar/metergate/ports"
)

// ErrInsufficientFunds is returned by the mock when a deduction exceeds the
// balance.
var ErrInsufficientFunds = errors.New("insufficient funds")

// Mock is an in-memory settlement service (for testing and local dev).
type Mock struct {
	mu       sync.Mutex
	balances map[string]float64
	calls    int
	failNext error
	seq      int
}

// NewMock creates a mock settlement service.
func NewMock() *Mock {
	return &Mock{balances: make(map[string]float64)}
}

// SetBalance seeds a developer balance.
func (m *Mock) SetBalance(developerID string, balance float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[developerID] = balance
}

// FailWith makes every subsequent DeductBalance call fail with err.
// Pass nil to restore normal behavior.
func (m *Mock) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

// Calls returns how many times DeductBalance has been invoked.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// DeductBalance deducts from the developer's balance and returns a fake
// transaction hash.
func (m *Mock) DeductBalance(ctx context.Context, developerID string, amountUSDC float64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	if m.failNext != nil {
		return "", m.failNext
	}

	balance := m.balances[developerID]
	if balance < amountUSDC {
		return "", ErrInsufficientFunds
	}
	m.balances[developerID] = balance - amountUSDC

	m.seq++
	return fmt.Sprintf("0xmock%06d", m.seq), nil
}

// GetBalance returns the developer's current balance.
func (m *Mock) GetBalance(ctx context.Context, developerID string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[developerID], nil
}

// Ensure interface compliance.
var _ ports.Settlement = (*Mock)(nil)
