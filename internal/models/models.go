package models

import (
	"time"

	"github.com/google/uuid"
)

// Side of an order or trade
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Valid reports whether s is a recognized order side
func (s Side) Valid() bool {
	return s == Buy || s == Sell
}

// Opposite returns the other side
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// User represents a registered citizen or the teacher account
type User struct {
	ID           int
	Username     string
	PasswordHash string
	Role         string // "student" or "teacher"
	CreatedAt    time.Time
}

// PricePoint is one sample of an instrument's price history
type PricePoint struct {
	Timestamp time.Time `json:"timestamp"`
	Price     int64     `json:"price"`
}

// Instrument is a tradable stock in the classroom market
type Instrument struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	CurrentPrice int64        `json:"current_price"` // integer currency units
	OpenPrice    int64        `json:"open_price"`    // reference for day-change
	TotalShares  int64        `json:"total_shares"`  // used for market cap
	History      []PricePoint `json:"history"`       // append-only
}

// MarketCap returns CurrentPrice * TotalShares
func (i *Instrument) MarketCap() int64 {
	return i.CurrentPrice * i.TotalShares
}

// Order is a resting limit order. Side is implicit in which book it lives in.
type Order struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Price     int64     `json:"price"`    // limit price
	Quantity  int64     `json:"quantity"`   // remaining unfilled amount
	CreatedAt time.Time `json:"created_at"` // used for time priority

	// CostBasis carries the average price of shares escrowed into a
	// resting sell, so a cancel can restore the position at its original
	// basis. Zero for buy orders.
	CostBasis int64 `json:"-"`
}

// Holding is one user's position in one instrument. Entries are deleted
// when Quantity reaches zero, never left at zero.
type Holding struct {
	Quantity     int64 `json:"quantity"`
	AveragePrice int64 `json:"average_price"` // cost basis, recomputed on buy
}

// Fill is the result of matching one chunk between a buyer and a seller
type Fill struct {
	TradeID      uuid.UUID `json:"trade_id"`
	InstrumentID string    `json:"instrument_id"`
	Buyer        string    `json:"buyer"`
	Seller       string    `json:"seller"`
	Quantity     int64     `json:"quantity"`
	Price        int64     `json:"price"` // resting order's price
	ExecutedAt   time.Time `json:"executed_at"`
}

// Transaction types recorded against the ledger
const (
	TxStockBuy     = "stock_buy"
	TxStockSell    = "stock_sell"
	TxEscrow       = "escrow"
	TxEscrowRefund = "escrow_refund"
	TxTax          = "tax"
)

// Transaction is one signed ledger entry; amount is negative for payments
// out of the account, positive for receipts.
type Transaction struct {
	ID        uuid.UUID `json:"id"`
	UserID    string    `json:"user_id"`
	Type      string    `json:"type"`
	Amount    int64     `json:"amount"`
	Memo      string    `json:"memo,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
