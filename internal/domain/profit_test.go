package domain_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ymiyake/flyerbot/internal/domain"
)

func day(s string) time.Time {
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestRollupProfits_KeepsLatestDayPerMonth(t *testing.T) {
	history := []domain.ProfitRecord{
		{Date: day("2026-01-10"), ProductCode: "ETH_JPY", Realized: 100, Unrealized: -5},
		{Date: day("2026-01-20"), ProductCode: "ETH_JPY", Realized: 150, Unrealized: 10},
		{Date: day("2026-02-01"), ProductCode: "ETH_JPY", Realized: 150, Unrealized: 30},
	}

	monthly := domain.RollupProfits(history, "2006-01")
	require.Len(t, monthly, 2)

	assert.Equal(t, day("2026-01-01"), monthly[0].Date)
	assert.InDelta(t, 150, monthly[0].Realized, 1e-9)
	assert.InDelta(t, 10, monthly[0].Unrealized, 1e-9)

	assert.Equal(t, day("2026-02-01"), monthly[1].Date)
	assert.InDelta(t, 30, monthly[1].Unrealized, 1e-9)
}

func TestRollupProfits_Yearly(t *testing.T) {
	history := []domain.ProfitRecord{
		{Date: day("2025-12-31"), ProductCode: "ETH_JPY", Realized: 80, Unrealized: 0},
		{Date: day("2026-01-01"), ProductCode: "ETH_JPY", Realized: 90, Unrealized: 5},
	}

	yearly := domain.RollupProfits(history, "2006")
	require.Len(t, yearly, 2)
	assert.InDelta(t, 80, yearly[0].Realized, 1e-9)
	assert.InDelta(t, 95, yearly[1].Total(), 1e-9)
}
