package domain

import "time"

// Window identifies a lookback bucket inside a PriceSummary.
type Window string

const (
	WindowNow Window = "now"
	Window6h  Window = "6h"
	Window1d  Window = "1d"
	Window1w  Window = "1w"
	Window1m  Window = "1m"
	Window1y  Window = "1y"
	WindowAll Window = "all"
)

// OHLC holds open/high/low/close statistics for one window.
type OHLC struct {
	Open  float64
	High  float64
	Low   float64
	Close float64
}

// Valid reports whether the window carries usable prices.
func (w OHLC) Valid() bool {
	return w.Low > 0 && w.High >= w.Low
}

// PriceSummary is an immutable snapshot of rolling price statistics per
// execution side, supplied by the market-data pipeline once per tick.
type PriceSummary struct {
	ProductCode string
	TakenAt     time.Time
	Sides       map[Side]map[Window]OHLC

	// Price is the most recent trade price.
	Price float64
}

// Window returns the stats for one side and window.
func (s PriceSummary) Window(side Side, w Window) (OHLC, bool) {
	byWindow, ok := s.Sides[side]
	if !ok {
		return OHLC{}, false
	}
	stats, ok := byWindow[w]
	return stats, ok
}

// AllTimeHigh is the highest traded buy price on record.
func (s PriceSummary) AllTimeHigh() float64 {
	stats, ok := s.Window(SideBuy, WindowAll)
	if !ok {
		return 0
	}
	return stats.High
}
