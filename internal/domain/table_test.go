package domain_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ymiyake/flyerbot/internal/domain"
)

func makeOrder(id string, side domain.Side, state domain.OrderState, cycle domain.Cycle, price int64) domain.Order {
	return domain.Order{
		AcceptanceID: id,
		ProductCode:  "ETH_JPY",
		Side:         side,
		State:        state,
		Price:        price,
		Size:         0.1,
		Cycle:        cycle,
		AcceptedAt:   time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestOrderTable_UpsertKeepsPosition(t *testing.T) {
	table := domain.NewOrderTable()
	table.Upsert(makeOrder("a", domain.SideBuy, domain.StateActive, domain.CycleDaily, 100))
	table.Upsert(makeOrder("b", domain.SideBuy, domain.StateActive, domain.CycleWeekly, 200))

	updated := makeOrder("a", domain.SideBuy, domain.StateCompleted, domain.CycleDaily, 100)
	table.Upsert(updated)

	orders := table.Orders()
	require.Len(t, orders, 2)
	assert.Equal(t, "a", orders[0].AcceptanceID)
	assert.Equal(t, domain.StateCompleted, orders[0].State)
}

func TestOrderTable_RemoveReindexes(t *testing.T) {
	table := domain.NewOrderTable()
	table.Upsert(makeOrder("a", domain.SideBuy, domain.StateActive, domain.CycleDaily, 100))
	table.Upsert(makeOrder("b", domain.SideBuy, domain.StateActive, domain.CycleDaily, 200))
	table.Upsert(makeOrder("c", domain.SideBuy, domain.StateActive, domain.CycleDaily, 300))

	require.True(t, table.Remove("b"))
	assert.False(t, table.Remove("b"))

	c, ok := table.Get("c")
	require.True(t, ok)
	assert.Equal(t, int64(300), c.Price)
	assert.Equal(t, 2, table.Len())
}

func TestOrderTable_QueriesFilterBySideStateCycle(t *testing.T) {
	table := domain.NewOrderTable()
	table.Upsert(makeOrder("buy-active", domain.SideBuy, domain.StateActive, domain.CycleDaily, 100))
	table.Upsert(makeOrder("buy-done", domain.SideBuy, domain.StateCompleted, domain.CycleDaily, 100))
	table.Upsert(makeOrder("sell-active", domain.SideSell, domain.StateActive, domain.CycleWeekly, 150))

	assert.Len(t, table.ActiveInCycle(domain.CycleDaily, domain.SideBuy), 1)
	assert.Empty(t, table.ActiveInCycle(domain.CycleDaily, domain.SideSell))
	assert.Len(t, table.CompletedUnsold(domain.CycleDaily), 1)
	assert.True(t, table.AnyUnsold())

	// A linked buy is no longer unsold.
	sold := makeOrder("buy-done", domain.SideBuy, domain.StateCompleted, domain.CycleDaily, 100)
	sold.RelatedID = "sell-active"
	table.Upsert(sold)
	assert.Empty(t, table.CompletedUnsold(domain.CycleDaily))
	assert.False(t, table.AnyUnsold())
}

func TestOrderTable_BuysSince(t *testing.T) {
	table := domain.NewOrderTable()
	old := makeOrder("old", domain.SideBuy, domain.StateCompleted, domain.CycleDaily, 100)
	old.AcceptedAt = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	table.Upsert(old)
	table.Upsert(makeOrder("new", domain.SideBuy, domain.StateActive, domain.CycleDaily, 100))

	cutoff := time.Date(2024, 2, 15, 0, 0, 0, 0, time.UTC)
	got := table.BuysSince(domain.CycleDaily, cutoff)
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].AcceptanceID)
}

func TestSellProfit_Conservation(t *testing.T) {
	buy := domain.Order{Side: domain.SideBuy, Price: 100, Size: 1, TotalCommissionYen: 1}
	sell := domain.Order{Side: domain.SideSell, Price: 150, Size: 1, TotalCommissionYen: 1.5}

	assert.InDelta(t, 47.5, domain.SellProfit(sell, buy), 1e-9)
}

func TestOrderTable_RecomputeCumulativeProfit(t *testing.T) {
	table := domain.NewOrderTable()

	s1 := makeOrder("s1", domain.SideSell, domain.StateCompleted, domain.CycleDaily, 150)
	s1.Profit = 40
	table.Upsert(s1)

	s2 := makeOrder("s2", domain.SideSell, domain.StateCompleted, domain.CycleWeekly, 180)
	s2.Profit = 10
	table.Upsert(s2)

	table.RecomputeCumulativeProfit()

	orders := table.Orders()
	assert.InDelta(t, 40, orders[0].CumsumProfit, 1e-9)
	assert.InDelta(t, 50, orders[1].CumsumProfit, 1e-9)
	assert.InDelta(t, 50, table.RealizedProfit(), 1e-9)
}

func TestOrderTable_RealizedProfitCanBeNegative(t *testing.T) {
	table := domain.NewOrderTable()

	// A tight spread where the commission eats the gain.
	s := makeOrder("s1", domain.SideSell, domain.StateCompleted, domain.CycleDaily, 101)
	s.Profit = -0.5
	table.Upsert(s)
	table.RecomputeCumulativeProfit()

	assert.InDelta(t, -0.5, table.RealizedProfit(), 1e-9)

	// A fresh buy appended after the last recompute does not reset the total.
	table.Upsert(makeOrder("b2", domain.SideBuy, domain.StateActive, domain.CycleDaily, 95))
	assert.InDelta(t, -0.5, table.RealizedProfit(), 1e-9)
}

func TestOrderTable_UnrealizedProfit(t *testing.T) {
	table := domain.NewOrderTable()

	held := makeOrder("held", domain.SideBuy, domain.StateCompleted, domain.CycleDaily, 100)
	held.Size = 1
	held.TotalCommissionYen = 2
	table.Upsert(held)

	// A buy under a still-ACTIVE sell is still held.
	hedged := makeOrder("hedged", domain.SideBuy, domain.StateCompleted, domain.CycleWeekly, 200)
	hedged.Size = 1
	hedged.RelatedID = "sell"
	table.Upsert(hedged)
	sell := makeOrder("sell", domain.SideSell, domain.StateActive, domain.CycleWeekly, 250)
	sell.RelatedID = "hedged"
	table.Upsert(sell)

	// (150-100)*1 - 2 + (150-200)*1 - 0 = 48 - 50
	assert.InDelta(t, -2, table.UnrealizedProfit(150), 1e-9)
}

func TestOrderTable_Equal(t *testing.T) {
	a := domain.NewOrderTable()
	b := domain.NewOrderTable()
	o := makeOrder("x", domain.SideBuy, domain.StateActive, domain.CycleDaily, 100)
	a.Upsert(o)
	b.Upsert(o)

	assert.True(t, a.Equal(b))

	o.Price = 101
	b.Upsert(o)
	assert.False(t, a.Equal(b))
}
