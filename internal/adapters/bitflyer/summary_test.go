package bitflyer_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ymiyake/flyerbot/internal/adapters/bitflyer"
	"github.com/ymiyake/flyerbot/internal/domain"
)

func execJSON(id int64, side string, price float64, at time.Time) map[string]any {
	return map[string]any{
		"id":        id,
		"side":      side,
		"price":     price,
		"size":      0.1,
		"exec_date": at.UTC().Format("2006-01-02T15:04:05"),
	}
}

func TestSummarizer_BuildsWindowsFromFeed(t *testing.T) {
	now := time.Now().UTC()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Newest first, like the real feed.
		json.NewEncoder(w).Encode([]map[string]any{
			execJSON(3, "BUY", 1000, now.Add(-10*time.Second)),
			execJSON(2, "SELL", 980, now.Add(-time.Hour)),
			execJSON(1, "BUY", 900, now.Add(-2*time.Hour)),
		})
	}))
	defer srv.Close()

	client := bitflyer.NewClient(srv.URL, "", "", time.UTC)
	s := bitflyer.NewSummarizer(client, t.TempDir())

	summary, err := s.LatestSummary(context.Background(), "ETH_JPY")
	require.NoError(t, err)

	assert.InDelta(t, 1000, summary.Price, 1e-9)
	assert.InDelta(t, 1000, summary.AllTimeHigh(), 1e-9)

	buy6h, ok := summary.Window(domain.SideBuy, domain.Window6h)
	require.True(t, ok)
	assert.InDelta(t, 900, buy6h.Low, 1e-9)
	assert.InDelta(t, 1000, buy6h.High, 1e-9)

	sell6h, ok := summary.Window(domain.SideSell, domain.Window6h)
	require.True(t, ok)
	assert.InDelta(t, 980, sell6h.High, 1e-9)
}

func TestSummarizer_PersistsAllTimeHigh(t *testing.T) {
	dir := t.TempDir()
	now := time.Now().UTC()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode([]map[string]any{
			execJSON(1, "BUY", 1500, now.Add(-time.Minute)),
		})
	}))
	defer srv.Close()

	client := bitflyer.NewClient(srv.URL, "", "", time.UTC)
	s := bitflyer.NewSummarizer(client, dir)
	_, err := s.LatestSummary(context.Background(), "ETH_JPY")
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(dir, "summary", "ETH_JPY.json"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "all_time_high")

	// A fresh summarizer over the same state dir keeps the peak even though
	// the feed has moved on to lower prices.
	srv2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode([]map[string]any{
			execJSON(2, "BUY", 800, now),
		})
	}))
	defer srv2.Close()

	s2 := bitflyer.NewSummarizer(bitflyer.NewClient(srv2.URL, "", "", time.UTC), dir)
	summary, err := s2.LatestSummary(context.Background(), "ETH_JPY")
	require.NoError(t, err)
	assert.InDelta(t, 1500, summary.AllTimeHigh(), 1e-9)
}

func TestSummarizer_WeeklyWindowIsChronological(t *testing.T) {
	now := time.Now().UTC()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode([]map[string]any{
			execJSON(3, "BUY", 1000, now.Add(-time.Minute)),
			execJSON(2, "BUY", 950, now.Add(-2*24*time.Hour)),
			execJSON(1, "BUY", 900, now.Add(-3*24*time.Hour)),
		})
	}))
	defer srv.Close()

	client := bitflyer.NewClient(srv.URL, "", "", time.UTC)
	s := bitflyer.NewSummarizer(client, t.TempDir())

	summary, err := s.LatestSummary(context.Background(), "ETH_JPY")
	require.NoError(t, err)

	week, ok := summary.Window(domain.SideBuy, domain.Window1w)
	require.True(t, ok)
	assert.InDelta(t, 900, week.Open, 1e-9)
	assert.InDelta(t, 1000, week.Close, 1e-9)
}

func TestSummarizer_RequestsOnlyNewExecutions(t *testing.T) {
	var afters []string
	now := time.Now().UTC()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		afters = append(afters, r.URL.Query().Get("after"))
		json.NewEncoder(w).Encode([]map[string]any{
			execJSON(7, "BUY", 1000, now),
		})
	}))
	defer srv.Close()

	client := bitflyer.NewClient(srv.URL, "", "", time.UTC)
	s := bitflyer.NewSummarizer(client, t.TempDir())

	_, err := s.LatestSummary(context.Background(), "ETH_JPY")
	require.NoError(t, err)
	_, err = s.LatestSummary(context.Background(), "ETH_JPY")
	require.NoError(t, err)

	require.Len(t, afters, 2)
	assert.Equal(t, "", afters[0])
	assert.Equal(t, "7", afters[1])
}
