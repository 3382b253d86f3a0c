package bitflyer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ymiyake/flyerbot/internal/domain"
	"github.com/ymiyake/flyerbot/internal/ports"
)

const (
	executionFetchCount = 500
	recentRetention     = 24 * time.Hour
	dayKeyLayout        = "2006-01-02"
)

// Summarizer builds per-side rolling price statistics from the public
// execution feed. Short windows come from executions held in memory; longer
// windows and the all-time high come from daily aggregates persisted as one
// JSON state file per product, so they survive restarts.
type Summarizer struct {
	client   *Client
	stateDir string

	mu     sync.Mutex
	states map[string]*summaryState
	recent map[string][]Execution

	now func() time.Time
}

var _ ports.MarketData = (*Summarizer)(nil)

// summaryState is the persisted part of a product's price history.
type summaryState struct {
	LastExecID  int64                                  `json:"last_exec_id"`
	AllTimeHigh float64                                `json:"all_time_high"`
	Days        map[string]map[domain.Side]domain.OHLC `json:"days"`
}

// NewSummarizer builds a summarizer storing its state under dir.
func NewSummarizer(client *Client, dir string) *Summarizer {
	return &Summarizer{
		client:   client,
		stateDir: dir,
		states:   make(map[string]*summaryState),
		recent:   make(map[string][]Execution),
		now:      time.Now,
	}
}

// LatestSummary fetches executions since the last call, folds them into the
// daily aggregates and returns a fresh snapshot.
func (s *Summarizer) LatestSummary(ctx context.Context, productCode string) (domain.PriceSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.state(productCode)
	if err != nil {
		return domain.PriceSummary{}, fmt.Errorf("bitflyer.LatestSummary: %w", err)
	}

	execs, err := s.client.Executions(ctx, productCode, executionFetchCount, 0, state.LastExecID)
	if err != nil {
		return domain.PriceSummary{}, fmt.Errorf("bitflyer.LatestSummary: %w", err)
	}

	now := s.now()
	s.fold(productCode, state, execs, now)

	if err := s.persist(productCode, state); err != nil {
		return domain.PriceSummary{}, fmt.Errorf("bitflyer.LatestSummary: %w", err)
	}
	return s.snapshot(productCode, state, now), nil
}

// fold applies new executions to the in-memory tail and daily aggregates.
// The feed is newest first, so it is walked backwards to keep Close pointing
// at the latest trade.
func (s *Summarizer) fold(productCode string, state *summaryState, execs []Execution, now time.Time) {
	recent := s.recent[productCode]
	for i := len(execs) - 1; i >= 0; i-- {
		e := execs[i]
		if e.ID > state.LastExecID {
			state.LastExecID = e.ID
		}
		recent = append(recent, e)

		day := e.ExecTime.Format(dayKeyLayout)
		byDay, ok := state.Days[day]
		if !ok {
			byDay = make(map[domain.Side]domain.OHLC)
			state.Days[day] = byDay
		}
		byDay[e.Side] = mergePoint(byDay[e.Side], e.Price)

		if e.Side == domain.SideBuy && e.Price > state.AllTimeHigh {
			state.AllTimeHigh = e.Price
		}
	}

	cutoff := now.Add(-recentRetention)
	kept := recent[:0]
	for _, e := range recent {
		if e.ExecTime.After(cutoff) {
			kept = append(kept, e)
		}
	}
	s.recent[productCode] = kept
}

// snapshot assembles the per-side windows for one tick.
func (s *Summarizer) snapshot(productCode string, state *summaryState, now time.Time) domain.PriceSummary {
	sides := make(map[domain.Side]map[domain.Window]domain.OHLC, 2)
	recent := s.recent[productCode]

	for _, side := range []domain.Side{domain.SideBuy, domain.SideSell} {
		windows := make(map[domain.Window]domain.OHLC)

		if w, ok := aggregateRecent(recent, side, now.Add(-time.Minute)); ok {
			windows[domain.WindowNow] = w
		}
		if w, ok := aggregateRecent(recent, side, now.Add(-6*time.Hour)); ok {
			windows[domain.Window6h] = w
		}
		if w, ok := aggregateRecent(recent, side, now.Add(-recentRetention)); ok {
			windows[domain.Window1d] = w
		}

		for window, span := range map[domain.Window]time.Duration{
			domain.Window1w: 7 * 24 * time.Hour,
			domain.Window1m: 31 * 24 * time.Hour,
			domain.Window1y: 365 * 24 * time.Hour,
		} {
			if w, ok := aggregateDays(state.Days, side, now.Add(-span)); ok {
				windows[window] = w
			}
		}

		if w, ok := aggregateDays(state.Days, side, time.Time{}); ok {
			if side == domain.SideBuy && state.AllTimeHigh > w.High {
				w.High = state.AllTimeHigh
			}
			windows[domain.WindowAll] = w
		} else if side == domain.SideBuy && state.AllTimeHigh > 0 {
			windows[domain.WindowAll] = domain.OHLC{
				Open: state.AllTimeHigh, High: state.AllTimeHigh,
				Low: state.AllTimeHigh, Close: state.AllTimeHigh,
			}
		}

		sides[side] = windows
	}

	var price float64
	if len(recent) > 0 {
		price = recent[len(recent)-1].Price
	}

	return domain.PriceSummary{
		ProductCode: productCode,
		TakenAt:     now,
		Sides:       sides,
		Price:       price,
	}
}

func aggregateRecent(execs []Execution, side domain.Side, since time.Time) (domain.OHLC, bool) {
	var w domain.OHLC
	found := false
	for _, e := range execs {
		if e.Side != side || !e.ExecTime.After(since) {
			continue
		}
		if !found {
			w = domain.OHLC{Open: e.Price, High: e.Price, Low: e.Price, Close: e.Price}
			found = true
			continue
		}
		w = mergePoint(w, e.Price)
	}
	return w, found
}

func aggregateDays(days map[string]map[domain.Side]domain.OHLC, side domain.Side, since time.Time) (domain.OHLC, bool) {
	// Day keys sort chronologically, so walking them in order keeps Open on
	// the earliest day and Close on the latest.
	keys := make([]string, 0, len(days))
	for key := range days {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var w domain.OHLC
	found := false
	for _, key := range keys {
		day, err := time.Parse(dayKeyLayout, key)
		if err != nil || day.Before(since.Truncate(24*time.Hour)) {
			continue
		}
		stats, ok := days[key][side]
		if !ok {
			continue
		}
		if !found {
			w = stats
			found = true
			continue
		}
		if stats.High > w.High {
			w.High = stats.High
		}
		if stats.Low < w.Low {
			w.Low = stats.Low
		}
		w.Close = stats.Close
	}
	return w, found
}

func mergePoint(w domain.OHLC, price float64) domain.OHLC {
	if w.Low == 0 && w.High == 0 {
		return domain.OHLC{Open: price, High: price, Low: price, Close: price}
	}
	if price > w.High {
		w.High = price
	}
	if price < w.Low {
		w.Low = price
	}
	w.Close = price
	return w
}

func (s *Summarizer) state(productCode string) (*summaryState, error) {
	if st, ok := s.states[productCode]; ok {
		return st, nil
	}

	st := &summaryState{Days: make(map[string]map[domain.Side]domain.OHLC)}
	data, err := os.ReadFile(s.statePath(productCode))
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("read summary state: %w", err)
	default:
		if err := json.Unmarshal(data, st); err != nil {
			return nil, fmt.Errorf("parse summary state: %w", err)
		}
		if st.Days == nil {
			st.Days = make(map[string]map[domain.Side]domain.OHLC)
		}
	}
	s.states[productCode] = st
	return st, nil
}

func (s *Summarizer) persist(productCode string, state *summaryState) error {
	path := s.statePath(productCode)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create summary dir: %w", err)
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode summary state: %w", err)
	}

	// Write-then-rename so a crash mid-write cannot truncate the history.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write summary state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace summary state: %w", err)
	}
	return nil
}

func (s *Summarizer) statePath(productCode string) string {
	return filepath.Join(s.stateDir, "summary", productCode+".json")
}
