package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ymiyake/flyerbot/internal/domain"
	"github.com/ymiyake/flyerbot/internal/engine"
)

func testSummary(price, ath, buyLow, buyHigh, sellHigh float64) domain.PriceSummary {
	return domain.PriceSummary{
		ProductCode: "ETH_JPY",
		TakenAt:     time.Now(),
		Price:       price,
		Sides: map[domain.Side]map[domain.Window]domain.OHLC{
			domain.SideBuy: {
				domain.Window1d:  {Open: buyLow, High: buyHigh, Low: buyLow, Close: price},
				domain.WindowAll: {Open: ath, High: ath, Low: buyLow, Close: price},
			},
			domain.SideSell: {
				domain.Window1d: {Open: sellHigh, High: sellHigh, Low: sellHigh * 0.9, Close: sellHigh},
			},
		},
	}
}

func shortPolicy() engine.TermPolicy {
	return engine.TermPolicy{
		Buy: engine.BuyParams{
			MaxBuyRate: 0.75,
			MinGapRate: 0.03,
			MinSize:    0.001,
			MinVolume:  1000,
			MaxVolume:  10000,
		},
		MinRewardRate: 0.01,
		Slots:         []engine.CycleSlot{{Cycle: domain.CycleDaily, SellRate: 1.10}},
	}
}

func newTestScheduler(ex *fakeExchange, store *fakeStore, notifier *fakeNotifier) *engine.Scheduler {
	rec := fastReconciler("ETH_JPY", ex, store, notifier)
	return engine.NewScheduler("ETH_JPY", ex, notifier, rec)
}

func assertAtMostOneActive(t *testing.T, table *domain.OrderTable) {
	t.Helper()
	for _, cycle := range domain.Cycles {
		for _, side := range []domain.Side{domain.SideBuy, domain.SideSell} {
			assert.LessOrEqual(t, len(table.ActiveInCycle(cycle, side)), 1,
				"cycle=%s side=%s", cycle, side)
		}
	}
}

func TestScheduler_PlacesBuyOncePerSlot(t *testing.T) {
	ex := newFakeExchange()
	store := newFakeStore()
	sched := newTestScheduler(ex, store, &fakeNotifier{})
	table := domain.NewOrderTable()
	summary := testSummary(1000, 1500, 900, 1000, 1000)

	require.NoError(t, sched.RunTerm(context.Background(), domain.TermShort, shortPolicy(), table, summary))
	require.Len(t, ex.placed, 1)
	assert.Equal(t, domain.SideBuy, ex.placed[0].Side)
	assertAtMostOneActive(t, table)

	// Same summary, same proposed quote: the resting order stays untouched.
	require.NoError(t, sched.RunTerm(context.Background(), domain.TermShort, shortPolicy(), table, summary))
	assert.Len(t, ex.placed, 1)
	assert.Empty(t, ex.cancelled)
	assertAtMostOneActive(t, table)
}

func TestScheduler_ReplacesRepricedQuote(t *testing.T) {
	ex := newFakeExchange()
	store := newFakeStore()
	sched := newTestScheduler(ex, store, &fakeNotifier{})
	table := domain.NewOrderTable()

	require.NoError(t, sched.RunTerm(context.Background(), domain.TermShort, shortPolicy(), table,
		testSummary(1000, 1500, 900, 1000, 1000)))
	require.Len(t, ex.placed, 1)
	firstPrice := ex.placed[0].Price

	// The market moved: the cancel is confirmed before the replacement goes
	// out and the one-active invariant holds.
	require.NoError(t, sched.RunTerm(context.Background(), domain.TermShort, shortPolicy(), table,
		testSummary(950, 1500, 850, 950, 950)))
	require.Len(t, ex.placed, 2)
	require.Len(t, ex.cancelled, 1)
	assert.NotEqual(t, firstPrice, ex.placed[1].Price)
	assertAtMostOneActive(t, table)
}

func TestScheduler_CancelFailureAbortsTerm(t *testing.T) {
	ex := newFakeExchange()
	store := newFakeStore()
	sched := newTestScheduler(ex, store, &fakeNotifier{})
	table := domain.NewOrderTable()

	require.NoError(t, sched.RunTerm(context.Background(), domain.TermShort, shortPolicy(), table,
		testSummary(1000, 1500, 900, 1000, 1000)))

	ex.cancelErr = errors.New("cancel rejected")
	err := sched.RunTerm(context.Background(), domain.TermShort, shortPolicy(), table,
		testSummary(950, 1500, 850, 950, 950))
	require.Error(t, err)

	// The tracked row survives: nothing was removed without a confirmed
	// cancel.
	assert.Len(t, table.ActiveInCycle(domain.CycleDaily, domain.SideBuy), 1)
}

func TestScheduler_ShortTermBlocksWhileUnsold(t *testing.T) {
	ex := newFakeExchange()
	store := newFakeStore()
	sched := newTestScheduler(ex, store, &fakeNotifier{})

	// A filled buy in another cycle still blocks every new short buy.
	held := trackedOrder("JRF-HELD", domain.SideBuy, domain.StateCompleted, domain.CycleWeekly, 800, 1)
	ex.orders[held.AcceptanceID] = held
	table := domain.NewOrderTable()
	table.Upsert(held)

	require.NoError(t, sched.RunTerm(context.Background(), domain.TermShort, shortPolicy(), table,
		testSummary(1000, 1500, 900, 1000, 1000)))
	assert.Empty(t, ex.placed)
}

func TestScheduler_SellPairsCompletedBuy(t *testing.T) {
	ex := newFakeExchange()
	store := newFakeStore()
	sched := newTestScheduler(ex, store, &fakeNotifier{})

	buy := trackedOrder("JRF-BUY", domain.SideBuy, domain.StateCompleted, domain.CycleDaily, 800, 1)
	ex.orders[buy.AcceptanceID] = buy
	table := domain.NewOrderTable()
	table.Upsert(buy)

	require.NoError(t, sched.RunTerm(context.Background(), domain.TermShort, shortPolicy(), table,
		testSummary(1000, 1500, 900, 1000, 1000)))

	require.Len(t, ex.placed, 1)
	placed := ex.placed[0]
	assert.Equal(t, domain.SideSell, placed.Side)
	// max(800*1.10, recent sell high 1000) = 1000.
	assert.Equal(t, int64(1000), placed.Price)

	// Two-way link after acceptance.
	sells := table.ActiveInCycle(domain.CycleDaily, domain.SideSell)
	require.Len(t, sells, 1)
	assert.Equal(t, "JRF-BUY", sells[0].RelatedID)

	got, ok := table.Get("JRF-BUY")
	require.True(t, ok)
	assert.Equal(t, sells[0].AcceptanceID, got.RelatedID)
	assert.False(t, got.Unsold())
	assertAtMostOneActive(t, table)

	// The next tick neither re-buys nor re-sells.
	require.NoError(t, sched.RunTerm(context.Background(), domain.TermShort, shortPolicy(), table,
		testSummary(1000, 1500, 900, 1000, 1000)))
	assert.Len(t, ex.placed, 1)
}

func TestScheduler_CooldownBlocksRebuy(t *testing.T) {
	ex := newFakeExchange()
	store := newFakeStore()
	sched := newTestScheduler(ex, store, &fakeNotifier{})

	done := trackedOrder("JRF-DONE", domain.SideBuy, domain.StateCompleted, domain.CycleDaily, 800, 1)
	done.RelatedID = "JRF-SOLD" // already sold, so only the cooldown applies
	ex.orders[done.AcceptanceID] = done
	table := domain.NewOrderTable()
	table.Upsert(done)

	policy := shortPolicy()
	policy.Slots[0].SellRate = 0 // isolate the buy leg

	require.NoError(t, sched.RunTerm(context.Background(), domain.TermLong, policy, table,
		testSummary(1000, 1500, 900, 1000, 1000)))
	assert.Empty(t, ex.placed)
}

func TestScheduler_DCABuysBelowCeilingOncePerCycle(t *testing.T) {
	ex := newFakeExchange()
	store := newFakeStore()
	sched := newTestScheduler(ex, store, &fakeNotifier{})
	table := domain.NewOrderTable()

	policy := engine.DCAPolicy{
		Cycle:       domain.CycleMonthly,
		CeilingRate: 0.70,
		Buy: engine.BuyParams{
			MaxBuyRate: 0.70,
			MinSize:    0.001,
			MinVolume:  3000,
			MaxVolume:  3000,
		},
	}

	summary := testSummary(900, 1500, 850, 950, 950) // 900 < 1500*0.70
	require.NoError(t, sched.RunDCA(context.Background(), policy, table, summary))
	require.Len(t, ex.placed, 1)
	assert.Equal(t, int64(900), ex.placed[0].Price)

	// Resting order from this cycle: no second buy.
	require.NoError(t, sched.RunDCA(context.Background(), policy, table, summary))
	assert.Len(t, ex.placed, 1)
}

func TestScheduler_DCASkipsAboveCeiling(t *testing.T) {
	ex := newFakeExchange()
	store := newFakeStore()
	sched := newTestScheduler(ex, store, &fakeNotifier{})
	table := domain.NewOrderTable()

	policy := engine.DCAPolicy{
		Cycle:       domain.CycleMonthly,
		CeilingRate: 0.70,
		Buy:         engine.BuyParams{MaxBuyRate: 0.70, MinSize: 0.001, MinVolume: 3000, MaxVolume: 3000},
	}

	require.NoError(t, sched.RunDCA(context.Background(), policy, table,
		testSummary(1200, 1500, 1100, 1250, 1250))) // 1200 >= 1050
	assert.Empty(t, ex.placed)
}
