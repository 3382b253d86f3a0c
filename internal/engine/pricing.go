package engine

import (
	"errors"
	"fmt"
	"math"

	"github.com/ymiyake/flyerbot/internal/domain"
)

// Proposal rejections. All wrap ErrRejected so callers can distinguish
// "no trade this tick" from real failures with a single errors.Is check.
var (
	ErrRejected = errors.New("proposal rejected")

	ErrNearAllTimeHigh    = fmt.Errorf("%w: price too close to all-time high", ErrRejected)
	ErrBelowSanityBound   = fmt.Errorf("%w: price too far below current price", ErrRejected)
	ErrTooCloseToHigh     = fmt.Errorf("%w: insufficient discount from local high", ErrRejected)
	ErrNarrowRange        = fmt.Errorf("%w: local price range too narrow", ErrRejected)
	ErrBelowRewardFloor   = fmt.Errorf("%w: sell price below minimum reward", ErrRejected)
	ErrInsufficientFunds  = fmt.Errorf("%w: insufficient available balance", ErrRejected)
	ErrInvalidPriceInputs = fmt.Errorf("%w: summary window unusable", ErrRejected)
)

// BuyParams are the per-term pricing parameters.
type BuyParams struct {
	MaxBuyRate float64 // fraction of all-time high above which no buy happens
	MinGapRate float64 // minimum local high/low spread
	MinSize    float64
	MinVolume  float64
	MaxVolume  float64
}

// SellParams control the sell leg of a completed buy. When AbsolutePrice is
// set it overrides the multiple; RecentHigh lifts the candidate when the
// market already trades above the target.
type SellParams struct {
	TargetMultiple float64
	AbsolutePrice  int64
	RecentHigh     float64
	MinRewardRate  float64
}

// The sanity floor below which a computed buy price is considered the
// product of a stale or broken summary rather than a real discount.
const buySanityRate = 0.75

// ProposeBuyPrice computes the candidate limit price for a new buy from the
// local window and the all-time high. Pure function, no I/O.
//
// The price rate is a downward parabola in r = low/allTimeHigh, centred at
// r=0.5: at or below the midpoint the local low is taken as-is, and as the
// market approaches its historical peak the rate falls toward MaxBuyRate,
// pushing the bid further below the local low.
func ProposeBuyPrice(local domain.OHLC, allTimeHigh, currentPrice float64, p BuyParams) (int64, error) {
	if !local.Valid() || allTimeHigh <= 0 || currentPrice <= 0 {
		return 0, ErrInvalidPriceInputs
	}
	if local.High/local.Low < 1+p.MinGapRate {
		return 0, ErrNarrowRange
	}

	r := local.Low / allTimeHigh
	priceRate := 1.0
	if 1-r <= 0.5 {
		priceRate = -4*(1-p.MaxBuyRate)*math.Pow(0.5-r, 2) + 1
	}

	price := int64(math.Floor(local.Low * priceRate))

	switch {
	case float64(price) >= allTimeHigh*p.MaxBuyRate:
		return 0, ErrNearAllTimeHigh
	case float64(price) <= currentPrice*buySanityRate:
		return 0, ErrBelowSanityBound
	case float64(price) > local.High*(1-p.MinGapRate):
		return 0, ErrTooCloseToHigh
	}
	return price, nil
}

// ProposeBuyVolume sizes the buy. Volume interpolates linearly from
// MaxVolume at half the all-time high down to MinVolume as the price
// approaches the MaxBuyRate boundary, then is clamped to the available
// balance. Size is truncated to the exchange's 3-decimal lot convention.
func ProposeBuyVolume(price int64, allTimeHigh float64, p BuyParams, available float64) (size, volume float64, err error) {
	if price <= 0 || allTimeHigh <= 0 {
		return 0, 0, ErrInvalidPriceInputs
	}

	ratio := float64(price) / allTimeHigh
	volume = p.MaxVolume
	if ratio > 0.5 && p.MaxBuyRate > 0.5 {
		t := (ratio - 0.5) / (p.MaxBuyRate - 0.5)
		volume = p.MaxVolume - (p.MaxVolume-p.MinVolume)*t
	}
	volume = math.Max(p.MinVolume, math.Min(p.MaxVolume, volume))
	volume = math.Min(volume, available)

	size = math.Floor(volume/float64(price)*1e3) / 1e3
	if size < p.MinSize {
		size = p.MinSize
	}

	volume = float64(price) * size
	if volume > available {
		return 0, 0, ErrInsufficientFunds
	}
	return size, volume, nil
}

// ProposeSellPrice computes the sell limit price paired to a completed buy.
// Rejects any candidate at or below the minimum-reward floor; the bot never
// closes a position for less than MinRewardRate over the buy price.
func ProposeSellPrice(buyPrice int64, p SellParams) (int64, error) {
	if buyPrice <= 0 {
		return 0, ErrInvalidPriceInputs
	}

	var candidate float64
	if p.AbsolutePrice > 0 {
		candidate = float64(p.AbsolutePrice)
	} else {
		candidate = float64(buyPrice) * p.TargetMultiple
		if p.RecentHigh > candidate {
			candidate = p.RecentHigh
		}
	}

	price := int64(math.Floor(candidate))
	if float64(price) <= float64(buyPrice)*(1+p.MinRewardRate) {
		return 0, ErrBelowRewardFloor
	}
	return price, nil
}

// RoundSize truncates a quantity to the exchange's 3-decimal lot size.
func RoundSize(size float64) float64 {
	return math.Floor(size*1e3) / 1e3
}
