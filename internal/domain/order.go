package domain

import (
	"time"
)

// Side of a child order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderState is the exchange-reported lifecycle state of a child order.
// The exchange may report other states (EXPIRED, REJECTED, ...); anything
// that is not ACTIVE or COMPLETED is purged during reconciliation.
type OrderState string

const (
	StateActive    OrderState = "ACTIVE"
	StateCompleted OrderState = "COMPLETED"
)

// Cycle is the recurring time bucket a strategy slot operates on.
type Cycle string

const (
	CycleHourly  Cycle = "hourly"
	CycleDaily   Cycle = "daily"
	CycleWeekly  Cycle = "weekly"
	CycleMonthly Cycle = "monthly"
)

// Cycles lists all cycles in slot order.
var Cycles = []Cycle{CycleHourly, CycleDaily, CycleWeekly, CycleMonthly}

// Lookback is the wall-clock window covered by one cycle. An ACTIVE order
// older than this is considered stale and gets cancelled and replaced.
func (c Cycle) Lookback() time.Duration {
	switch c {
	case CycleHourly:
		return time.Hour
	case CycleDaily:
		return 24 * time.Hour
	case CycleWeekly:
		return 7 * 24 * time.Hour
	case CycleMonthly:
		return 31 * 24 * time.Hour
	}
	return 24 * time.Hour
}

// SummaryWindow maps a cycle to the price-summary window its buy price is
// derived from. The hourly slot prices off the 6h window; one hour of trades
// is too thin to carry a meaningful local low.
func (c Cycle) SummaryWindow() Window {
	switch c {
	case CycleHourly:
		return Window6h
	case CycleDaily:
		return Window1d
	case CycleWeekly:
		return Window1w
	case CycleMonthly:
		return Window1m
	}
	return Window1d
}

// Term is a top-level strategy bucket with its own order table and rules.
type Term string

const (
	TermLong  Term = "long"
	TermShort Term = "short"
	TermDCA   Term = "dca"
)

// Terms lists all strategy terms.
var Terms = []Term{TermLong, TermShort, TermDCA}

// NoRelatedID is the legacy on-disk token for "not yet matched with a sell".
// In memory the absence of a relation is an empty RelatedID; the CSV codec
// translates both ways so tables written by older runs still load.
const NoRelatedID = "no_id"

// Order is one child order tracked in an OrderTable. The exchange owns
// AcceptanceID, Side, State, Price, Size and AcceptedAt; Cycle, RelatedID,
// commission and profit are local bookkeeping.
type Order struct {
	AcceptanceID string
	ProductCode  string
	Side         Side
	State        OrderState
	Price        int64
	Size         float64
	Cycle        Cycle

	// RelatedID links a SELL to the BUY it closes, and a sold BUY back to
	// its SELL. Empty means unlinked.
	RelatedID string

	// TotalCommissionYen is the fee charged on fill, in currency units.
	TotalCommissionYen float64

	// Profit is realized P&L, set on SELL fills only.
	Profit float64

	// CumsumProfit is the running profit total over the table in fill order.
	CumsumProfit float64

	AcceptedAt time.Time
}

// Volume is the order's notional value at creation, price times size.
func (o Order) Volume() float64 {
	return float64(o.Price) * o.Size
}

// HasRelated reports whether the order is linked to a counterpart order.
func (o Order) HasRelated() bool {
	return o.RelatedID != "" && o.RelatedID != NoRelatedID
}

// Unsold reports whether the order is a filled buy still waiting for a sell.
func (o Order) Unsold() bool {
	return o.Side == SideBuy && o.State == StateCompleted && !o.HasRelated()
}

// Age is the time elapsed since exchange acceptance.
func (o Order) Age(now time.Time) time.Duration {
	return now.Sub(o.AcceptedAt)
}

// SellProfit computes realized P&L for a completed sell against its buy:
// proceeds minus cost minus both commissions.
func SellProfit(sell, buy Order) float64 {
	return (float64(sell.Price)*sell.Size - float64(buy.Price)*buy.Size) -
		(sell.TotalCommissionYen + buy.TotalCommissionYen)
}
