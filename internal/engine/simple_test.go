package engine

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classbank/exchange/internal/models"
)

func TestSubmitMarketTrade_BuyImpact(t *testing.T) {
	eng, store := newTestEngine(t, Config{})
	ctx := context.Background()

	res, err := eng.SubmitMarketTrade(ctx, instID, models.Buy, "alice", 100)
	require.NoError(t, err)
	assert.Equal(t, int64(100*500), res.TotalCost)
	// floor(500 * (1 + 0.0001*100)) = floor(505)
	assert.Equal(t, int64(505), res.NewPrice)

	bal, _ := store.GetBalance(ctx, "alice")
	assert.Equal(t, int64(100_000-50_000), bal)
	h, ok, _ := store.GetHolding(ctx, "alice", instID)
	require.True(t, ok)
	assert.Equal(t, int64(100), h.Quantity)
	assert.Equal(t, int64(500), h.AveragePrice)

	inst, err := eng.Instrument(instID)
	require.NoError(t, err)
	assert.Equal(t, int64(505), inst.CurrentPrice)
	assert.Len(t, inst.History, 2, "every trade appends exactly one history point")
}

func TestSubmitMarketTrade_SellImpact(t *testing.T) {
	eng, store := newTestEngine(t, Config{})
	ctx := context.Background()

	giveShares(t, store, "bob", 200, 400)
	res, err := eng.SubmitMarketTrade(ctx, instID, models.Sell, "bob", 50)
	require.NoError(t, err)
	assert.Equal(t, int64(50*500), res.TotalCost)
	// floor(500 * (1 - 0.0001*50)) = floor(497.5)
	assert.Equal(t, int64(497), res.NewPrice)

	h, ok, _ := store.GetHolding(ctx, "bob", instID)
	require.True(t, ok)
	assert.Equal(t, int64(150), h.Quantity)
	assert.Equal(t, int64(400), h.AveragePrice, "selling never changes the cost basis")
}

func TestSubmitMarketTrade_PriceFlooredAtOne(t *testing.T) {
	eng, store := newTestEngine(t, Config{})
	ctx := context.Background()

	giveShares(t, store, "bob", 1_000_000, 1)
	for i := 0; i < 10; i++ {
		res, err := eng.SubmitMarketTrade(ctx, instID, models.Sell, "bob", 50_000)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, res.NewPrice, int64(1), "price never drops below 1")
	}

	inst, err := eng.Instrument(instID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), inst.CurrentPrice)
}

func TestSubmitMarketTrade_Validation(t *testing.T) {
	eng, store := newTestEngine(t, Config{})
	ctx := context.Background()

	var verr *ValidationError

	_, err := eng.SubmitMarketTrade(ctx, instID, models.Buy, "alice", 0)
	require.ErrorAs(t, err, &verr)

	// More than the balance covers at the current price
	_, err = eng.SubmitMarketTrade(ctx, instID, models.Buy, "alice", 1000)
	require.ErrorAs(t, err, &verr)

	// Selling without shares
	_, err = eng.SubmitMarketTrade(ctx, instID, models.Sell, "alice", 1)
	require.ErrorAs(t, err, &verr)

	// Quantity so large the notional would overflow
	_, err = eng.SubmitMarketTrade(ctx, instID, models.Buy, "alice", math.MaxInt64/400)
	require.ErrorAs(t, err, &verr)

	bal, _ := store.GetBalance(ctx, "alice")
	assert.Equal(t, int64(100_000), bal)
}

func TestSubmitMarketTrade_SellToZeroDeletesHolding(t *testing.T) {
	eng, store := newTestEngine(t, Config{})
	ctx := context.Background()

	giveShares(t, store, "bob", 10, 400)
	_, err := eng.SubmitMarketTrade(ctx, instID, models.Sell, "bob", 10)
	require.NoError(t, err)

	_, ok, _ := store.GetHolding(ctx, "bob", instID)
	assert.False(t, ok)
}
