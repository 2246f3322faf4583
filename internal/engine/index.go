package engine

import (
	"github.com/shopspring/decimal"

	"github.com/classbank/exchange/internal/index"
)

// IndexValue computes the current market-cap-weighted composite index
func (e *Engine) IndexValue(basePoint int64) decimal.Decimal {
	return index.Current(e.Instruments(), basePoint)
}

// GetIndexSeries computes the historical index series aligned to the
// reference instrument's sampling slots. The series is derived lazily from
// instrument histories on every call rather than maintained incrementally.
func (e *Engine) GetIndexSeries(referenceID string, basePoint int64) ([]index.Point, error) {
	return index.Series(e.Instruments(), referenceID, basePoint)
}
