package engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/classbank/exchange/internal/book"
	"github.com/classbank/exchange/internal/ledger"
	"github.com/classbank/exchange/internal/models"
)

// Notifier receives fill notifications. Delivery is fire-and-forget:
// failures are never allowed to roll back settlement.
type Notifier interface {
	Notify(userID, message string)
}

// NopNotifier discards all notifications
type NopNotifier struct{}

func (NopNotifier) Notify(string, string) {}

// Config controls engine policy
type Config struct {
	// SelfTradePrevention skips a user's own resting orders during
	// matching. Off by default: the classroom market allows matching
	// against yourself.
	SelfTradePrevention bool
}

// Engine owns the per-instrument order books and runs matching and
// settlement against the ledger. All book and ledger mutation for one
// instrument happens under that instrument's mutex, so no two submissions
// against the same instrument can interleave.
type Engine struct {
	cfg      Config
	store    ledger.Store
	notifier Notifier
	log      zerolog.Logger

	mu      sync.RWMutex
	markets map[string]*market
}

// market is one instrument plus its book, guarded by a single mutex
type market struct {
	mu   sync.Mutex
	inst *models.Instrument
	book *book.Book
}

// New creates an engine settling against store
func New(cfg Config, store ledger.Store, notifier Notifier, log zerolog.Logger) *Engine {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Engine{
		cfg:      cfg,
		store:    store,
		notifier: notifier,
		log:      log,
		markets:  make(map[string]*market),
	}
}

// AddInstrument registers an instrument for trading. The opening price
// seeds the first history point.
func (e *Engine) AddInstrument(inst models.Instrument) {
	if len(inst.History) == 0 {
		inst.History = []models.PricePoint{{Timestamp: time.Now(), Price: inst.CurrentPrice}}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.markets[inst.ID] = &market{inst: &inst, book: book.New()}
}

func (e *Engine) market(instrumentID string) (*market, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, ok := e.markets[instrumentID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", instrumentID, ErrInstrumentNotFound)
	}
	return m, nil
}

// Instrument returns a snapshot copy of one instrument
func (e *Engine) Instrument(instrumentID string) (models.Instrument, error) {
	m, err := e.market(instrumentID)
	if err != nil {
		return models.Instrument{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return snapshotInstrument(m.inst), nil
}

// Instruments returns snapshot copies of every instrument
func (e *Engine) Instruments() []models.Instrument {
	e.mu.RLock()
	markets := make([]*market, 0, len(e.markets))
	for _, m := range e.markets {
		markets = append(markets, m)
	}
	e.mu.RUnlock()

	out := make([]models.Instrument, 0, len(markets))
	for _, m := range markets {
		m.mu.Lock()
		out = append(out, snapshotInstrument(m.inst))
		m.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func snapshotInstrument(inst *models.Instrument) models.Instrument {
	cp := *inst
	cp.History = make([]models.PricePoint, len(inst.History))
	copy(cp.History, inst.History)
	return cp
}

// OrderBook returns priority-ordered copies of both sides of one book
func (e *Engine) OrderBook(instrumentID string) (buys, sells []models.Order, err error) {
	m, err := e.market(instrumentID)
	if err != nil {
		return nil, nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.book.Orders(models.Buy) {
		buys = append(buys, *o)
	}
	for _, o := range m.book.Orders(models.Sell) {
		sells = append(sells, *o)
	}
	return buys, sells, nil
}

// OrderResult reports the outcome of a limit order submission
type OrderResult struct {
	OrderID      string              `json:"order_id,omitempty"` // set when a remainder rested
	MatchedQty   int64               `json:"matched_qty"`
	RemainingQty int64               `json:"remaining_qty"`
	AvgPrice     decimal.NullDecimal `json:"avg_price"` // null when nothing matched
}

// SubmitOrder runs price-time-priority matching for an incoming limit
// order, settling each matched chunk, then rests any remainder with its
// funds or shares escrowed up front. Each settled chunk is individually
// final: if ctx expires mid-walk, settled chunks stand and the remainder
// is returned unfilled without resting.
func (e *Engine) SubmitOrder(ctx context.Context, instrumentID string, side models.Side, ownerID string, limitPrice, quantity int64) (OrderResult, error) {
	if !side.Valid() {
		return OrderResult{}, validationErrorf("side must be %q or %q", models.Buy, models.Sell)
	}
	if quantity <= 0 {
		return OrderResult{}, validationErrorf("quantity must be positive, got %d", quantity)
	}
	if limitPrice <= 0 {
		return OrderResult{}, validationErrorf("price must be positive, got %d", limitPrice)
	}
	if quantity > math.MaxInt64/limitPrice {
		return OrderResult{}, validationErrorf("notional %d x %d overflows the maximum order size", limitPrice, quantity)
	}

	m, err := e.market(instrumentID)
	if err != nil {
		return OrderResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Funds check against the pre-trade snapshot. Worst case for a buy is
	// the full notional at the limit price: fills execute at or below it,
	// and the remainder escrows exactly at it.
	if side == models.Buy {
		bal, err := e.store.GetBalance(ctx, ownerID)
		if err != nil {
			return OrderResult{}, fmt.Errorf("balance check: %w", err)
		}
		if bal < limitPrice*quantity {
			return OrderResult{}, validationErrorf("balance %d below order notional %d", bal, limitPrice*quantity)
		}
	} else {
		h, ok, err := e.store.GetHolding(ctx, ownerID, instrumentID)
		if err != nil {
			return OrderResult{}, fmt.Errorf("holding check: %w", err)
		}
		if !ok || h.Quantity < quantity {
			return OrderResult{}, validationErrorf("holding %d below order quantity %d", h.Quantity, quantity)
		}
	}

	var candidates []*models.Order
	if side == models.Buy {
		candidates = m.book.SellAsksAtOrBelow(limitPrice)
	} else {
		candidates = m.book.BuyBidsAtOrAbove(limitPrice)
	}

	remaining := quantity
	var totalMatched, totalValue int64
	deadlineHit := false

	for _, cand := range candidates {
		if remaining == 0 {
			break
		}
		if ctx.Err() != nil {
			deadlineHit = true
			break
		}
		if e.cfg.SelfTradePrevention && cand.OwnerID == ownerID {
			continue
		}

		matched := min64(remaining, cand.Quantity)
		// The resting side sets the price: the incoming order is the
		// price-taker.
		price := cand.Price

		if err := e.settle(ctx, m, side, ownerID, cand, matched, price); err != nil {
			if totalMatched > 0 {
				e.applyBatchPrice(m, totalValue, totalMatched)
			}
			return OrderResult{}, err
		}

		cand.Quantity -= matched
		if cand.Quantity <= 0 {
			m.book.Remove(side.Opposite(), cand.ID)
		}
		remaining -= matched
		totalMatched += matched
		totalValue += matched * price
	}

	if totalMatched > 0 {
		e.applyBatchPrice(m, totalValue, totalMatched)
	}

	result := OrderResult{MatchedQty: totalMatched, RemainingQty: remaining}
	if totalMatched > 0 {
		result.AvgPrice = decimal.NewNullDecimal(
			decimal.NewFromInt(totalValue).Div(decimal.NewFromInt(totalMatched)))
	}

	if remaining > 0 && !deadlineHit {
		orderID, err := e.restRemainder(ctx, m, side, ownerID, limitPrice, remaining, instrumentID)
		if err != nil {
			return OrderResult{}, err
		}
		result.OrderID = orderID
	}

	e.log.Info().
		Str("instrument", instrumentID).
		Str("side", string(side)).
		Str("owner", ownerID).
		Int64("matched", totalMatched).
		Int64("remaining", remaining).
		Msg("order submitted")

	return result, nil
}

// settle applies the cash and holding effects of one matched chunk. Cash
// and shares already escrowed at placement time for the resting party are
// not moved again; only the incoming taker pays or delivers immediately.
// On any ledger failure, previously applied steps of this chunk are
// reverted before returning.
func (e *Engine) settle(ctx context.Context, m *market, incomingSide models.Side, takerID string, resting *models.Order, qty, price int64) error {
	value := qty * price

	var buyer, seller string
	buyerIsTaker := incomingSide == models.Buy
	if buyerIsTaker {
		buyer, seller = takerID, resting.OwnerID
	} else {
		buyer, seller = resting.OwnerID, takerID
	}

	var undo []func()
	rollback := func(cause error) error {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		return &SettlementError{Cause: cause}
	}

	// Buyer leg: cash out (unless escrowed at placement), shares in,
	// cost basis recomputed as a weighted average.
	if buyerIsTaker {
		if err := e.store.Debit(ctx, buyer, value); err != nil {
			return rollback(err)
		}
		undo = append(undo, func() { _ = e.store.Credit(ctx, buyer, value) })
	}

	h, ok, err := e.store.GetHolding(ctx, buyer, m.inst.ID)
	if err != nil {
		return rollback(err)
	}
	prev := h
	prevOK := ok
	newQty := h.Quantity + qty
	newAvg := (h.Quantity*h.AveragePrice + value) / newQty
	if err := e.store.SetHolding(ctx, buyer, m.inst.ID, models.Holding{Quantity: newQty, AveragePrice: newAvg}); err != nil {
		return rollback(err)
	}
	undo = append(undo, func() {
		if prevOK {
			_ = e.store.SetHolding(ctx, buyer, m.inst.ID, prev)
		} else {
			_ = e.store.SetHolding(ctx, buyer, m.inst.ID, models.Holding{})
		}
	})

	buyTxID, err := e.recordTx(ctx, buyer, models.TxStockBuy, -value, m.inst.Name)
	if err != nil {
		return rollback(err)
	}
	undo = append(undo, func() { _ = e.store.RemoveTransaction(ctx, buyTxID) })

	// Seller leg: shares out (unless escrowed at placement), cash in.
	if !buyerIsTaker {
		sh, _, err := e.store.GetHolding(ctx, seller, m.inst.ID)
		if err != nil {
			return rollback(err)
		}
		sprev := sh
		sh.Quantity -= qty
		if err := e.store.SetHolding(ctx, seller, m.inst.ID, sh); err != nil {
			return rollback(err)
		}
		undo = append(undo, func() { _ = e.store.SetHolding(ctx, seller, m.inst.ID, sprev) })
	}

	if err := e.store.Credit(ctx, seller, value); err != nil {
		return rollback(err)
	}
	undo = append(undo, func() { _ = e.store.Debit(ctx, seller, value) })

	if _, err := e.recordTx(ctx, seller, models.TxStockSell, value, m.inst.Name); err != nil {
		return rollback(err)
	}

	fill := models.Fill{
		TradeID:      newTxID(),
		InstrumentID: m.inst.ID,
		Buyer:        buyer,
		Seller:       seller,
		Quantity:     qty,
		Price:        price,
		ExecutedAt:   time.Now(),
	}
	e.notifier.Notify(buyer, fmt.Sprintf("Bought %d %s @ %d", qty, m.inst.Name, price))
	e.notifier.Notify(seller, fmt.Sprintf("Sold %d %s @ %d", qty, m.inst.Name, price))
	e.log.Debug().
		Str("trade", fill.TradeID.String()).
		Str("instrument", fill.InstrumentID).
		Str("buyer", buyer).
		Str("seller", seller).
		Int64("quantity", qty).
		Int64("price", price).
		Msg("fill")
	return nil
}

func (e *Engine) recordTx(ctx context.Context, userID, txType string, amount int64, memo string) (uuid.UUID, error) {
	id := newTxID()
	err := e.store.RecordTransaction(ctx, models.Transaction{
		ID:        id,
		UserID:    userID,
		Type:      txType,
		Amount:    amount,
		Memo:      memo,
		CreatedAt: time.Now(),
	})
	return id, err
}

// applyBatchPrice sets the instrument price to the volume-weighted
// execution price of the batch and appends a history point.
func (e *Engine) applyBatchPrice(m *market, totalValue, totalMatched int64) {
	m.inst.CurrentPrice = totalValue / totalMatched
	m.inst.History = append(m.inst.History, models.PricePoint{
		Timestamp: time.Now(),
		Price:     m.inst.CurrentPrice,
	})
}

// restRemainder inserts the unmatched remainder as a resting order and
// escrows its funding up front: a resting buy locks cash for its full
// notional, a resting sell locks the shares. Escrow at placement is what
// prevents two simultaneous orders from double-spending one balance.
func (e *Engine) restRemainder(ctx context.Context, m *market, side models.Side, ownerID string, limitPrice, remaining int64, instrumentID string) (string, error) {
	now := time.Now()
	order := &models.Order{
		ID:        fmt.Sprintf("%s_%d", side, now.UnixNano()),
		OwnerID:   ownerID,
		Price:     limitPrice,
		Quantity:  remaining,
		CreatedAt: now,
	}

	if side == models.Buy {
		notional := remaining * limitPrice
		if err := e.store.Debit(ctx, ownerID, notional); err != nil {
			return "", &SettlementError{Cause: err}
		}
		if _, err := e.recordTx(ctx, ownerID, models.TxEscrow, -notional, m.inst.Name); err != nil {
			_ = e.store.Credit(ctx, ownerID, notional)
			return "", &SettlementError{Cause: err}
		}
	} else {
		h, _, err := e.store.GetHolding(ctx, ownerID, instrumentID)
		if err != nil {
			return "", &SettlementError{Cause: err}
		}
		order.CostBasis = h.AveragePrice
		h.Quantity -= remaining
		if err := e.store.SetHolding(ctx, ownerID, instrumentID, h); err != nil {
			return "", &SettlementError{Cause: err}
		}
	}

	m.book.Insert(side, order)
	return order.ID, nil
}

// CancelOrder removes a resting order and releases its escrow: cash back
// for buys, shares back for sells. The refund is atomic with the book
// removal under the instrument mutex.
func (e *Engine) CancelOrder(ctx context.Context, instrumentID string, side models.Side, orderID, requesterID string) error {
	if !side.Valid() {
		return validationErrorf("side must be %q or %q", models.Buy, models.Sell)
	}
	m, err := e.market(instrumentID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.book.Get(side, orderID)
	if !ok {
		return fmt.Errorf("%s: %w", orderID, ErrOrderNotFound)
	}
	if o.OwnerID != requesterID {
		return fmt.Errorf("%s: %w", orderID, ErrNotOwner)
	}

	if side == models.Buy {
		notional := o.Quantity * o.Price
		if err := e.store.Credit(ctx, o.OwnerID, notional); err != nil {
			return &SettlementError{Cause: err}
		}
		if _, err := e.recordTx(ctx, o.OwnerID, models.TxEscrowRefund, notional, instrumentID); err != nil {
			_ = e.store.Debit(ctx, o.OwnerID, notional)
			return &SettlementError{Cause: err}
		}
	} else {
		h, ok, err := e.store.GetHolding(ctx, o.OwnerID, instrumentID)
		if err != nil {
			return &SettlementError{Cause: err}
		}
		// Returned shares keep the basis they carried into escrow,
		// blended with whatever position accrued meanwhile.
		newQty := h.Quantity + o.Quantity
		newAvg := o.CostBasis
		if ok && newQty > 0 {
			newAvg = (h.Quantity*h.AveragePrice + o.Quantity*o.CostBasis) / newQty
		}
		if err := e.store.SetHolding(ctx, o.OwnerID, instrumentID, models.Holding{Quantity: newQty, AveragePrice: newAvg}); err != nil {
			return &SettlementError{Cause: err}
		}
	}

	m.book.Remove(side, orderID)
	e.log.Info().Str("order", orderID).Str("instrument", instrumentID).Msg("order canceled")
	return nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
