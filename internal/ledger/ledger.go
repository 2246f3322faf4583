package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/classbank/exchange/internal/models"
)

var (
	ErrNoAccount         = errors.New("account not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// Store is the account ledger the matching engine settles against: cash
// balances, per-instrument holdings, and the signed transaction log.
// Implementations must make each call atomic; the engine handles
// compensating rollback across calls.
type Store interface {
	GetBalance(ctx context.Context, userID string) (int64, error)
	// Credit adds amount to the user's cash balance
	Credit(ctx context.Context, userID string, amount int64) error
	// Debit subtracts amount; fails with ErrInsufficientFunds rather than
	// going negative
	Debit(ctx context.Context, userID string, amount int64) error
	// GetHolding returns the user's position in an instrument; ok is false
	// when no entry exists (entries are deleted at zero, never stored empty)
	GetHolding(ctx context.Context, userID, instrumentID string) (models.Holding, bool, error)
	// SetHolding writes the position; a zero quantity deletes the entry
	SetHolding(ctx context.Context, userID, instrumentID string, h models.Holding) error
	RecordTransaction(ctx context.Context, tx models.Transaction) error
	// RemoveTransaction deletes a previously recorded entry. The engine
	// uses it to unwind log writes when a later settlement step fails;
	// removing an unknown id is a no-op.
	RemoveTransaction(ctx context.Context, id uuid.UUID) error
}
