package book

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classbank/exchange/internal/models"
)

func order(id string, price, qty int64, at time.Time) *models.Order {
	return &models.Order{ID: id, OwnerID: "u", Price: price, Quantity: qty, CreatedAt: at}
}

func TestBook_SellAsksAtOrBelow(t *testing.T) {
	b := New()
	t0 := time.Now()

	b.Insert(models.Sell, order("s1", 10, 1, t0))
	b.Insert(models.Sell, order("s2", 10, 1, t0.Add(time.Second)))
	b.Insert(models.Sell, order("s3", 12, 1, t0.Add(2*time.Second)))
	b.Insert(models.Sell, order("s4", 15, 1, t0))

	asks := b.SellAsksAtOrBelow(12)
	require.Len(t, asks, 3)
	// Ascending by price, ties in arrival order
	assert.Equal(t, "s1", asks[0].ID)
	assert.Equal(t, "s2", asks[1].ID)
	assert.Equal(t, "s3", asks[2].ID)

	assert.Empty(t, b.SellAsksAtOrBelow(9))
}

func TestBook_BuyBidsAtOrAbove(t *testing.T) {
	b := New()
	t0 := time.Now()

	b.Insert(models.Buy, order("b1", 20, 1, t0.Add(time.Second)))
	b.Insert(models.Buy, order("b2", 20, 1, t0))
	b.Insert(models.Buy, order("b3", 25, 1, t0.Add(2*time.Second)))
	b.Insert(models.Buy, order("b4", 10, 1, t0))

	bids := b.BuyBidsAtOrAbove(20)
	require.Len(t, bids, 3)
	// Descending by price, ties in arrival order
	assert.Equal(t, "b3", bids[0].ID)
	assert.Equal(t, "b2", bids[1].ID)
	assert.Equal(t, "b1", bids[2].ID)
}

func TestBook_RemoveIsIdempotent(t *testing.T) {
	b := New()
	b.Insert(models.Buy, order("b1", 20, 1, time.Now()))

	assert.True(t, b.Remove(models.Buy, "b1"))
	assert.False(t, b.Remove(models.Buy, "b1"))
	assert.False(t, b.Remove(models.Buy, "missing"))
	assert.Equal(t, 0, b.Len(models.Buy))
}

func TestBook_GetAndLen(t *testing.T) {
	b := New()
	o := order("s1", 10, 3, time.Now())
	b.Insert(models.Sell, o)

	got, ok := b.Get(models.Sell, "s1")
	require.True(t, ok)
	assert.Same(t, o, got)

	_, ok = b.Get(models.Buy, "s1")
	assert.False(t, ok, "sides are independent")

	assert.Equal(t, 1, b.Len(models.Sell))
	assert.Equal(t, 0, b.Len(models.Buy))
}

func TestBook_OrdersReturnsPriorityOrder(t *testing.T) {
	b := New()
	t0 := time.Now()
	b.Insert(models.Sell, order("s1", 30, 1, t0))
	b.Insert(models.Sell, order("s2", 10, 1, t0))
	b.Insert(models.Sell, order("s3", 20, 1, t0))

	got := b.Orders(models.Sell)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"s2", "s3", "s1"}, []string{got[0].ID, got[1].ID, got[2].ID})
}

func TestBook_MutatedQuantityKeepsTreePosition(t *testing.T) {
	b := New()
	t0 := time.Now()
	o := order("s1", 10, 5, t0)
	b.Insert(models.Sell, o)

	// The engine decrements quantity in place during matching; the sort
	// key (price, time, id) is untouched so removal still works.
	o.Quantity = 2
	assert.True(t, b.Remove(models.Sell, "s1"))
	assert.Equal(t, 0, b.Len(models.Sell))
}
