package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ymiyake/flyerbot/internal/adapters/storage"
	"github.com/ymiyake/flyerbot/internal/domain"
)

func TestSQLiteStore_RoundTrip(t *testing.T) {
	db, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	table := domain.NewOrderTable()
	buy := sampleOrder("JRF-BUY")
	sell := sampleOrder("JRF-SELL")
	sell.Side = domain.SideSell
	sell.RelatedID = "JRF-BUY"
	sell.Profit = 100
	sell.CumsumProfit = 100
	table.Upsert(buy)
	table.Upsert(sell)

	require.NoError(t, db.Save(ctx, "ETH_JPY", domain.TermShort, table))

	loaded, err := db.Load(ctx, "ETH_JPY", domain.TermShort)
	require.NoError(t, err)
	require.Equal(t, 2, loaded.Len())

	orders := loaded.Orders()
	assert.Equal(t, "JRF-BUY", orders[0].AcceptanceID)
	assert.Equal(t, "JRF-SELL", orders[1].AcceptanceID)
	assert.Equal(t, "JRF-BUY", orders[1].RelatedID)
	assert.InDelta(t, 100, orders[1].CumsumProfit, 1e-9)
	assert.True(t, buy.AcceptedAt.Equal(orders[0].AcceptedAt))
}

func TestSQLiteStore_SaveReplacesWholeTable(t *testing.T) {
	db, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	table := domain.NewOrderTable()
	table.Upsert(sampleOrder("JRF-A"))
	table.Upsert(sampleOrder("JRF-B"))
	require.NoError(t, db.Save(ctx, "ETH_JPY", domain.TermLong, table))

	table.Remove("JRF-A")
	require.NoError(t, db.Save(ctx, "ETH_JPY", domain.TermLong, table))

	loaded, err := db.Load(ctx, "ETH_JPY", domain.TermLong)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.Len())
	_, ok := loaded.Get("JRF-A")
	assert.False(t, ok)
}

func TestSQLiteStore_TermsAreIsolated(t *testing.T) {
	db, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	long := domain.NewOrderTable()
	long.Upsert(sampleOrder("JRF-LONG"))
	require.NoError(t, db.Save(ctx, "ETH_JPY", domain.TermLong, long))

	short, err := db.Load(ctx, "ETH_JPY", domain.TermShort)
	require.NoError(t, err)
	assert.Equal(t, 0, short.Len())
}

func TestSQLiteStore_ProfitUpsert(t *testing.T) {
	db, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, db.SaveDaily(ctx, domain.ProfitRecord{
		Date: day, ProductCode: "ETH_JPY", Realized: 10, Unrealized: 1,
	}))
	require.NoError(t, db.SaveDaily(ctx, domain.ProfitRecord{
		Date: day, ProductCode: "ETH_JPY", Realized: 20, Unrealized: 2,
	}))

	history, err := db.History(ctx, "ETH_JPY")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.InDelta(t, 20, history[0].Realized, 1e-9)
	assert.InDelta(t, 22, history[0].Total(), 1e-9)
}
