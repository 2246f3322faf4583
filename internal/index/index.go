package index

import (
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/classbank/exchange/internal/models"
)

// DefaultBasePoint normalizes the raw market-cap sum into index points
const DefaultBasePoint = 1000

var ErrReferenceNotFound = errors.New("reference instrument not found")

// Point is one sample of the composite index series
type Point struct {
	Timestamp time.Time       `json:"timestamp"`
	Value     decimal.Decimal `json:"value"`
}

// Current computes the composite index from live prices:
// sum(currentPrice * totalShares) / basePoint.
func Current(insts []models.Instrument, basePoint int64) decimal.Decimal {
	if basePoint <= 0 {
		basePoint = DefaultBasePoint
	}
	var total int64
	for i := range insts {
		total += insts[i].MarketCap()
	}
	return decimal.NewFromInt(total).Div(decimal.NewFromInt(basePoint))
}

// Series builds a historical index series aligned to the reference
// instrument's sampling cadence. At each of the reference's history slots,
// every instrument contributes its last known price at or before that slot
// (carry-forward fill); instruments with no sample yet contribute nothing.
func Series(insts []models.Instrument, referenceID string, basePoint int64) ([]Point, error) {
	if basePoint <= 0 {
		basePoint = DefaultBasePoint
	}

	var ref *models.Instrument
	for i := range insts {
		if insts[i].ID == referenceID {
			ref = &insts[i]
			break
		}
	}
	if ref == nil {
		return nil, ErrReferenceNotFound
	}

	base := decimal.NewFromInt(basePoint)
	out := make([]Point, 0, len(ref.History))
	for _, slot := range ref.History {
		var total int64
		for i := range insts {
			price, ok := priceAtOrBefore(insts[i].History, slot.Timestamp)
			if !ok {
				continue
			}
			total += price * insts[i].TotalShares
		}
		out = append(out, Point{
			Timestamp: slot.Timestamp,
			Value:     decimal.NewFromInt(total).Div(base),
		})
	}
	return out, nil
}

// priceAtOrBefore returns the last history price at or before ts. History
// is append-only and time-ordered, so a binary search suffices.
func priceAtOrBefore(history []models.PricePoint, ts time.Time) (int64, bool) {
	// First index strictly after ts
	i := sort.Search(len(history), func(i int) bool {
		return history[i].Timestamp.After(ts)
	})
	if i == 0 {
		return 0, false
	}
	return history[i-1].Price, true
}
