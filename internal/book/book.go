package book

import (
	"github.com/tidwall/btree"

	"github.com/classbank/exchange/internal/models"
)

// Book holds the resting orders for one instrument: an id-keyed map per
// side for O(1) lookup plus a btree per side kept in price-time priority,
// so sorted views come straight off a scan. The book does no locking; the
// engine owning it serializes all mutations per instrument.
type Book struct {
	buys  *bookSide
	sells *bookSide
}

type bookSide struct {
	byID map[string]*models.Order
	tree *btree.BTreeG[*models.Order]
}

// priority orders a side's tree: best price first (highest for buys,
// lowest for sells), ties broken by earliest CreatedAt, then by id so the
// key is total.
func priority(side models.Side) func(a, b *models.Order) bool {
	return func(a, b *models.Order) bool {
		if a.Price != b.Price {
			if side == models.Buy {
				return a.Price > b.Price
			}
			return a.Price < b.Price
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	}
}

func newSide(s models.Side) *bookSide {
	return &bookSide{
		byID: make(map[string]*models.Order),
		tree: btree.NewBTreeG(priority(s)),
	}
}

// New creates an empty order book
func New() *Book {
	return &Book{
		buys:  newSide(models.Buy),
		sells: newSide(models.Sell),
	}
}

func (b *Book) side(s models.Side) *bookSide {
	if s == models.Buy {
		return b.buys
	}
	return b.sells
}

// Insert adds an order to the given side, keyed by its id. Callers
// guarantee id uniqueness (ids carry a side prefix and timestamp).
func (b *Book) Insert(s models.Side, o *models.Order) {
	side := b.side(s)
	side.byID[o.ID] = o
	side.tree.Set(o)
}

// Remove deletes the order with the given id; it is a no-op if absent.
func (b *Book) Remove(s models.Side, id string) bool {
	side := b.side(s)
	o, ok := side.byID[id]
	if !ok {
		return false
	}
	delete(side.byID, id)
	side.tree.Delete(o)
	return true
}

// Get returns the resting order with the given id, if present.
func (b *Book) Get(s models.Side, id string) (*models.Order, bool) {
	o, ok := b.side(s).byID[id]
	return o, ok
}

// Len returns the number of resting orders on the given side
func (b *Book) Len(s models.Side) int {
	return len(b.side(s).byID)
}

// SellAsksAtOrBelow returns sell orders priced at or below maxPrice,
// cheapest first, ties in arrival order.
func (b *Book) SellAsksAtOrBelow(maxPrice int64) []*models.Order {
	var out []*models.Order
	b.sells.tree.Scan(func(o *models.Order) bool {
		if o.Price > maxPrice {
			return false
		}
		out = append(out, o)
		return true
	})
	return out
}

// BuyBidsAtOrAbove returns buy orders priced at or above minPrice,
// highest bid first, ties in arrival order.
func (b *Book) BuyBidsAtOrAbove(minPrice int64) []*models.Order {
	var out []*models.Order
	b.buys.tree.Scan(func(o *models.Order) bool {
		if o.Price < minPrice {
			return false
		}
		out = append(out, o)
		return true
	})
	return out
}

// Orders returns the full side in priority order, for book views
func (b *Book) Orders(s models.Side) []*models.Order {
	side := b.side(s)
	out := make([]*models.Order, 0, side.tree.Len())
	side.tree.Scan(func(o *models.Order) bool {
		out = append(out, o)
		return true
	})
	return out
}
