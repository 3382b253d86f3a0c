package ports

import (
	"context"

	"github.com/ymiyake/flyerbot/internal/domain"
)

// MarketData supplies the rolling price summary consumed by the pricing
// engine. One snapshot per scheduler tick; the engine never builds its own.
type MarketData interface {
	LatestSummary(ctx context.Context, productCode string) (domain.PriceSummary, error)
}
