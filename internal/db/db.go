package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/classbank/exchange/internal/ledger"
	"github.com/classbank/exchange/internal/models"
)

// ErrUsernameTaken is returned by CreateUser when the username already exists
var ErrUsernameTaken = errors.New("username already taken")

// DB wraps a PostgreSQL connection pool. It implements ledger.Store with
// accounts keyed by username, and persists users and instrument seed data.
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close() {
	db.Pool.Close()
}

// CreateUser inserts a new user with an opening cash balance
func (db *DB) CreateUser(ctx context.Context, username, passwordHash, role string, openingBalance int64) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO users (username, password_hash, role, balance) VALUES ($1, $2, $3, $4) RETURNING id, username, password_hash, role, created_at",
		username, passwordHash, role, openingBalance).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Role, &user.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, fmt.Errorf("create user %s: %w", username, ErrUsernameTaken)
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// GetUserByUsername retrieves a user by username
func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, username, password_hash, role, created_at FROM users WHERE username = $1",
		username).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Role, &user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// GetBalance returns the user's cash balance
func (db *DB) GetBalance(ctx context.Context, userID string) (int64, error) {
	var bal int64
	err := db.Pool.QueryRow(ctx, "SELECT balance FROM users WHERE username = $1", userID).Scan(&bal)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("get balance for %s: %w", userID, ledger.ErrNoAccount)
		}
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return bal, nil
}

// Credit adds amount to the user's cash balance
func (db *DB) Credit(ctx context.Context, userID string, amount int64) error {
	tag, err := db.Pool.Exec(ctx,
		"UPDATE users SET balance = balance + $1 WHERE username = $2", amount, userID)
	if err != nil {
		return fmt.Errorf("failed to credit %s: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("credit %s: %w", userID, ledger.ErrNoAccount)
	}
	return nil
}

// Debit subtracts amount; the WHERE clause stops the balance going negative
func (db *DB) Debit(ctx context.Context, userID string, amount int64) error {
	tag, err := db.Pool.Exec(ctx,
		"UPDATE users SET balance = balance - $1 WHERE username = $2 AND balance >= $1", amount, userID)
	if err != nil {
		return fmt.Errorf("failed to debit %s: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := db.Pool.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM users WHERE username = $1)", userID).Scan(&exists); err == nil && !exists {
			return fmt.Errorf("debit %s: %w", userID, ledger.ErrNoAccount)
		}
		return fmt.Errorf("debit %s of %d: %w", userID, amount, ledger.ErrInsufficientFunds)
	}
	return nil
}

// GetHolding returns the user's position in an instrument
func (db *DB) GetHolding(ctx context.Context, userID, instrumentID string) (models.Holding, bool, error) {
	var h models.Holding
	err := db.Pool.QueryRow(ctx,
		"SELECT quantity, average_price FROM holdings WHERE username = $1 AND instrument_id = $2",
		userID, instrumentID).Scan(&h.Quantity, &h.AveragePrice)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Holding{}, false, nil
		}
		return models.Holding{}, false, fmt.Errorf("failed to get holding: %w", err)
	}
	return h, true, nil
}

// SetHolding upserts the position; a zero quantity deletes the row
func (db *DB) SetHolding(ctx context.Context, userID, instrumentID string, h models.Holding) error {
	if h.Quantity == 0 {
		_, err := db.Pool.Exec(ctx,
			"DELETE FROM holdings WHERE username = $1 AND instrument_id = $2", userID, instrumentID)
		if err != nil {
			return fmt.Errorf("failed to delete holding: %w", err)
		}
		return nil
	}
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO holdings (username, instrument_id, quantity, average_price) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (username, instrument_id) DO UPDATE SET quantity = $3, average_price = $4`,
		userID, instrumentID, h.Quantity, h.AveragePrice)
	if err != nil {
		return fmt.Errorf("failed to set holding: %w", err)
	}
	return nil
}

// RecordTransaction appends one signed ledger entry
func (db *DB) RecordTransaction(ctx context.Context, tx models.Transaction) error {
	_, err := db.Pool.Exec(ctx,
		"INSERT INTO transactions (id, username, type, amount, memo, created_at) VALUES ($1, $2, $3, $4, $5, $6)",
		tx.ID, tx.UserID, tx.Type, tx.Amount, tx.Memo, tx.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record transaction: %w", err)
	}
	return nil
}

// RemoveTransaction deletes one ledger entry by id
func (db *DB) RemoveTransaction(ctx context.Context, id uuid.UUID) error {
	_, err := db.Pool.Exec(ctx, "DELETE FROM transactions WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to remove transaction: %w", err)
	}
	return nil
}

// GetUserTransactions retrieves a user's ledger entries, newest first
func (db *DB) GetUserTransactions(ctx context.Context, userID string) ([]models.Transaction, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT id, username, type, amount, memo, created_at FROM transactions WHERE username = $1 ORDER BY created_at DESC",
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get transactions: %w", err)
	}
	defer rows.Close()

	var txs []models.Transaction
	for rows.Next() {
		var tx models.Transaction
		if err := rows.Scan(&tx.ID, &tx.UserID, &tx.Type, &tx.Amount, &tx.Memo, &tx.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// UpsertInstrument stores instrument seed data
func (db *DB) UpsertInstrument(ctx context.Context, inst models.Instrument) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO instruments (id, name, current_price, open_price, total_shares) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET name = $2, current_price = $3, open_price = $4, total_shares = $5`,
		inst.ID, inst.Name, inst.CurrentPrice, inst.OpenPrice, inst.TotalShares)
	if err != nil {
		return fmt.Errorf("failed to upsert instrument: %w", err)
	}
	return nil
}

// GetInstruments loads all instruments, for engine startup
func (db *DB) GetInstruments(ctx context.Context) ([]models.Instrument, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT id, name, current_price, open_price, total_shares FROM instruments ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to get instruments: %w", err)
	}
	defer rows.Close()

	var insts []models.Instrument
	for rows.Next() {
		var inst models.Instrument
		if err := rows.Scan(&inst.ID, &inst.Name, &inst.CurrentPrice, &inst.OpenPrice, &inst.TotalShares); err != nil {
			return nil, fmt.Errorf("failed to scan instrument: %w", err)
		}
		insts = append(insts, inst)
	}
	return insts, rows.Err()
}
