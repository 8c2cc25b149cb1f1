package portfolio

import (
	"context"
	"sync"
)

// CapitalAccount tracks the account's running capital as realized results
// come in. It implements domain.CapitalLedger and is safe for concurrent use.
type CapitalAccount struct {
	mu      sync.Mutex
	balance float64
}

// NewCapitalAccount creates a CapitalAccount seeded with the starting
// capital.
func NewCapitalAccount(initial float64) *CapitalAccount {
	return &CapitalAccount{balance: initial}
}

// ApplyRealizedPnL adds a realized trade result to the balance. Losses are
// negative amounts.
func (c *CapitalAccount) ApplyRealizedPnL(_ context.Context, amount float64) error {
	c.mu.Lock()
	c.balance += amount
	c.mu.Unlock()
	return nil
}

// Balance returns the current capital.
func (c *CapitalAccount) Balance() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balance
}
