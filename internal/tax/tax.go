package tax

// Bracket taxes the slice of income above From (up to the next bracket's
// From) at Rate, expressed in basis points to keep all money math in
// integer currency units.
type Bracket struct {
	From int64 `json:"from"`
	Rate int64 `json:"rate_bps"`
}

// DefaultBrackets is the classroom default schedule: 0% up to 1000, 10%
// to 5000, 20% to 20000, 30% above.
var DefaultBrackets = []Bracket{
	{From: 0, Rate: 0},
	{From: 1000, Rate: 1000},
	{From: 5000, Rate: 2000},
	{From: 20000, Rate: 3000},
}

// Calculate returns the tax owed on income under a progressive schedule:
// each bracket's rate applies only to the income falling inside it.
// Brackets must be ordered by ascending From, starting at 0.
func Calculate(brackets []Bracket, income int64) int64 {
	if income <= 0 || len(brackets) == 0 {
		return 0
	}
	var owed int64
	for i, b := range brackets {
		if income <= b.From {
			break
		}
		upper := income
		if i+1 < len(brackets) && brackets[i+1].From < income {
			upper = brackets[i+1].From
		}
		owed += (upper - b.From) * b.Rate / 10000
	}
	return owed
}
