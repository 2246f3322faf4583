package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/classbank/exchange/internal/models"
)

func newTxID() uuid.UUID {
	return uuid.New()
}

// MarketTradeResult reports a simple-mode execution
type MarketTradeResult struct {
	NewPrice  int64 `json:"new_price"`
	TotalCost int64 `json:"total_cost"`
}

// impactFactor scales how far one trade moves the price per unit traded
const impactFactor = 0.0001

// SubmitMarketTrade executes immediately against the instrument itself at
// the current price, then perturbs the price by a deterministic function
// of trade size. There is no order book, no counterparty, no partial fill
// and no escrow in this mode.
func (e *Engine) SubmitMarketTrade(ctx context.Context, instrumentID string, side models.Side, ownerID string, quantity int64) (MarketTradeResult, error) {
	if !side.Valid() {
		return MarketTradeResult{}, validationErrorf("side must be %q or %q", models.Buy, models.Sell)
	}
	if quantity <= 0 {
		return MarketTradeResult{}, validationErrorf("quantity must be positive, got %d", quantity)
	}

	m, err := e.market(instrumentID)
	if err != nil {
		return MarketTradeResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	price := m.inst.CurrentPrice
	if quantity > math.MaxInt64/price {
		return MarketTradeResult{}, validationErrorf("notional %d x %d overflows the maximum trade size", price, quantity)
	}
	cost := quantity * price

	if side == models.Buy {
		bal, err := e.store.GetBalance(ctx, ownerID)
		if err != nil {
			return MarketTradeResult{}, fmt.Errorf("balance check: %w", err)
		}
		if bal < cost {
			return MarketTradeResult{}, validationErrorf("balance %d below trade cost %d", bal, cost)
		}

		if err := e.store.Debit(ctx, ownerID, cost); err != nil {
			return MarketTradeResult{}, &SettlementError{Cause: err}
		}
		h, _, err := e.store.GetHolding(ctx, ownerID, instrumentID)
		if err != nil {
			_ = e.store.Credit(ctx, ownerID, cost)
			return MarketTradeResult{}, &SettlementError{Cause: err}
		}
		newQty := h.Quantity + quantity
		newAvg := (h.Quantity*h.AveragePrice + cost) / newQty
		if err := e.store.SetHolding(ctx, ownerID, instrumentID, models.Holding{Quantity: newQty, AveragePrice: newAvg}); err != nil {
			_ = e.store.Credit(ctx, ownerID, cost)
			return MarketTradeResult{}, &SettlementError{Cause: err}
		}
		if _, err := e.recordTx(ctx, ownerID, models.TxStockBuy, -cost, m.inst.Name); err != nil {
			_ = e.store.SetHolding(ctx, ownerID, instrumentID, h)
			_ = e.store.Credit(ctx, ownerID, cost)
			return MarketTradeResult{}, &SettlementError{Cause: err}
		}
	} else {
		h, ok, err := e.store.GetHolding(ctx, ownerID, instrumentID)
		if err != nil {
			return MarketTradeResult{}, fmt.Errorf("holding check: %w", err)
		}
		if !ok || h.Quantity < quantity {
			return MarketTradeResult{}, validationErrorf("holding %d below trade quantity %d", h.Quantity, quantity)
		}

		prev := h
		h.Quantity -= quantity
		if err := e.store.SetHolding(ctx, ownerID, instrumentID, h); err != nil {
			return MarketTradeResult{}, &SettlementError{Cause: err}
		}
		if err := e.store.Credit(ctx, ownerID, cost); err != nil {
			_ = e.store.SetHolding(ctx, ownerID, instrumentID, prev)
			return MarketTradeResult{}, &SettlementError{Cause: err}
		}
		if _, err := e.recordTx(ctx, ownerID, models.TxStockSell, cost, m.inst.Name); err != nil {
			_ = e.store.Debit(ctx, ownerID, cost)
			_ = e.store.SetHolding(ctx, ownerID, instrumentID, prev)
			return MarketTradeResult{}, &SettlementError{Cause: err}
		}
	}

	newPrice := impactPrice(price, side, quantity)
	m.inst.CurrentPrice = newPrice
	m.inst.History = append(m.inst.History, models.PricePoint{Timestamp: time.Now(), Price: newPrice})

	verb := "Bought"
	if side == models.Sell {
		verb = "Sold"
	}
	e.notifier.Notify(ownerID, fmt.Sprintf("%s %d %s @ %d", verb, quantity, m.inst.Name, price))

	e.log.Info().
		Str("instrument", instrumentID).
		Str("side", string(side)).
		Str("owner", ownerID).
		Int64("quantity", quantity).
		Int64("new_price", newPrice).
		Msg("market trade executed")

	return MarketTradeResult{NewPrice: newPrice, TotalCost: cost}, nil
}

// impactPrice moves the price monotonically with traded volume: buys push
// it up, sells push it down, floored at 1 so it can never go non-positive.
func impactPrice(price int64, side models.Side, quantity int64) int64 {
	shift := impactFactor * float64(quantity)
	var next int64
	if side == models.Buy {
		next = int64(math.Floor(float64(price) * (1 + shift)))
	} else {
		next = int64(math.Floor(float64(price) * (1 - shift)))
		if next < 1 {
			next = 1
		}
	}
	return next
}
