package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/classbank/exchange/internal/models"
)

// MemoryStore is an in-memory ledger used by tests and standalone mode.
type MemoryStore struct {
	mu       sync.Mutex
	balances map[string]int64
	holdings map[string]map[string]models.Holding // userID -> instrumentID -> holding
	txlog    map[string][]models.Transaction
}

// NewMemoryStore creates an empty in-memory ledger
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]int64),
		holdings: make(map[string]map[string]models.Holding),
		txlog:    make(map[string][]models.Transaction),
	}
}

// CreateAccount registers a user with an opening balance
func (m *MemoryStore) CreateAccount(userID string, balance int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[userID] = balance
}

func (m *MemoryStore) GetBalance(_ context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bal, ok := m.balances[userID]
	if !ok {
		return 0, fmt.Errorf("get balance for %s: %w", userID, ErrNoAccount)
	}
	return bal, nil
}

func (m *MemoryStore) Credit(_ context.Context, userID string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.balances[userID]; !ok {
		return fmt.Errorf("credit %s: %w", userID, ErrNoAccount)
	}
	m.balances[userID] += amount
	return nil
}

func (m *MemoryStore) Debit(_ context.Context, userID string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bal, ok := m.balances[userID]
	if !ok {
		return fmt.Errorf("debit %s: %w", userID, ErrNoAccount)
	}
	if bal < amount {
		return fmt.Errorf("debit %s of %d (balance %d): %w", userID, amount, bal, ErrInsufficientFunds)
	}
	m.balances[userID] = bal - amount
	return nil
}

func (m *MemoryStore) GetHolding(_ context.Context, userID, instrumentID string) (models.Holding, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.holdings[userID][instrumentID]
	return h, ok, nil
}

func (m *MemoryStore) SetHolding(_ context.Context, userID, instrumentID string, h models.Holding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h.Quantity == 0 {
		delete(m.holdings[userID], instrumentID)
		return nil
	}
	if m.holdings[userID] == nil {
		m.holdings[userID] = make(map[string]models.Holding)
	}
	m.holdings[userID][instrumentID] = h
	return nil
}

func (m *MemoryStore) RecordTransaction(_ context.Context, tx models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txlog[tx.UserID] = append(m.txlog[tx.UserID], tx)
	return nil
}

func (m *MemoryStore) RemoveTransaction(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for userID, txs := range m.txlog {
		for i, tx := range txs {
			if tx.ID == id {
				m.txlog[userID] = append(txs[:i], txs[i+1:]...)
				return nil
			}
		}
	}
	return nil
}

// Transactions returns the recorded log for a user, oldest first
func (m *MemoryStore) Transactions(userID string) []models.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Transaction, len(m.txlog[userID]))
	copy(out, m.txlog[userID])
	return out
}

// Holdings returns a copy of the user's positions
func (m *MemoryStore) Holdings(userID string) map[string]models.Holding {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]models.Holding, len(m.holdings[userID]))
	for k, v := range m.holdings[userID] {
		out[k] = v
	}
	return out
}
