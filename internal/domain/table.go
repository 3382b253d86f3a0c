package domain

import (
	"time"
)

// OrderTable is the durable record of child orders for one (product, term),
// keyed by acceptance id. Iteration order is insertion order, which matches
// fill order closely enough for the running profit total; the persistence
// adapters preserve it across save/load.
type OrderTable struct {
	orders []Order
	index  map[string]int
}

// NewOrderTable returns an empty table.
func NewOrderTable() *OrderTable {
	return &OrderTable{index: make(map[string]int)}
}

// Len returns the number of tracked orders.
func (t *OrderTable) Len() int {
	return len(t.orders)
}

// Get returns the order with the given acceptance id.
func (t *OrderTable) Get(acceptanceID string) (Order, bool) {
	i, ok := t.index[acceptanceID]
	if !ok {
		return Order{}, false
	}
	return t.orders[i], true
}

// Upsert inserts the order or replaces the existing row in place, keeping
// its position in insertion order.
func (t *OrderTable) Upsert(o Order) {
	if i, ok := t.index[o.AcceptanceID]; ok {
		t.orders[i] = o
		return
	}
	t.index[o.AcceptanceID] = len(t.orders)
	t.orders = append(t.orders, o)
}

// Remove deletes the order with the given acceptance id. It reports whether
// the order was present.
func (t *OrderTable) Remove(acceptanceID string) bool {
	i, ok := t.index[acceptanceID]
	if !ok {
		return false
	}
	t.orders = append(t.orders[:i], t.orders[i+1:]...)
	delete(t.index, acceptanceID)
	for j := i; j < len(t.orders); j++ {
		t.index[t.orders[j].AcceptanceID] = j
	}
	return true
}

// Orders returns the rows in insertion order. The slice is a copy; mutate
// through Upsert.
func (t *OrderTable) Orders() []Order {
	out := make([]Order, len(t.orders))
	copy(out, t.orders)
	return out
}

// ActiveInCycle returns ACTIVE orders of the given side in the given cycle.
func (t *OrderTable) ActiveInCycle(cycle Cycle, side Side) []Order {
	var out []Order
	for _, o := range t.orders {
		if o.State == StateActive && o.Cycle == cycle && o.Side == side {
			out = append(out, o)
		}
	}
	return out
}

// CompletedUnsold returns filled buy orders in the given cycle that have not
// been matched with a sell yet.
func (t *OrderTable) CompletedUnsold(cycle Cycle) []Order {
	var out []Order
	for _, o := range t.orders {
		if o.Unsold() && o.Cycle == cycle {
			out = append(out, o)
		}
	}
	return out
}

// AnyUnsold reports whether any filled-but-unsold buy exists in any cycle.
func (t *OrderTable) AnyUnsold() bool {
	for _, o := range t.orders {
		if o.Unsold() {
			return true
		}
	}
	return false
}

// BuysSince returns buy orders in the given cycle accepted after the cutoff,
// regardless of state. Used for the per-cycle cool-down guard.
func (t *OrderTable) BuysSince(cycle Cycle, cutoff time.Time) []Order {
	var out []Order
	for _, o := range t.orders {
		if o.Side == SideBuy && o.Cycle == cycle && o.AcceptedAt.After(cutoff) {
			out = append(out, o)
		}
	}
	return out
}

// RecomputeCumulativeProfit rebuilds the running profit column over the
// whole table in insertion order.
func (t *OrderTable) RecomputeCumulativeProfit() {
	var sum float64
	for i := range t.orders {
		sum += t.orders[i].Profit
		t.orders[i].CumsumProfit = sum
	}
}

// RealizedProfit is the total profit of all filled sells, negative when
// commissions outweigh the spread. Summing the per-row profits matches the
// final cumulative value without depending on when the running column was
// last rebuilt.
func (t *OrderTable) RealizedProfit() float64 {
	var sum float64
	for _, o := range t.orders {
		sum += o.Profit
	}
	return sum
}

// UnrealizedProfit marks filled-but-unsold buys (including buys referenced
// by a still-ACTIVE sell) to the current price, net of the buy commission.
func (t *OrderTable) UnrealizedProfit(currentPrice float64) float64 {
	var sum float64
	for _, o := range t.orders {
		held := o.Unsold()
		if !held && o.Side == SideBuy && o.State == StateCompleted && o.HasRelated() {
			if sell, ok := t.Get(o.RelatedID); ok && sell.State == StateActive {
				held = true
			}
		}
		if held {
			sum += (currentPrice-float64(o.Price))*o.Size - o.TotalCommissionYen
		}
	}
	return sum
}

// Equal reports whether two tables hold identical rows in identical order.
func (t *OrderTable) Equal(other *OrderTable) bool {
	if len(t.orders) != len(other.orders) {
		return false
	}
	for i := range t.orders {
		if t.orders[i] != other.orders[i] {
			return false
		}
	}
	return true
}
