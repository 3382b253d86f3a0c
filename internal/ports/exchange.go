package ports

import (
	"context"
	"errors"

	"github.com/ymiyake/flyerbot/internal/domain"
)

// Gateway error taxonomy. ErrOrderNotFound is load-bearing: it is the only
// signal the reconciler accepts as proof that an order vanished server-side.
// A transport failure must never be collapsed into it.
var (
	ErrOrderNotFound     = errors.New("order not found on exchange")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrPriceTooLow       = errors.New("order price too low")
	ErrPriceTooHigh      = errors.New("order price too high")
	ErrMaintenance       = errors.New("exchange under maintenance")
)

// IsBusinessRejection reports whether the error is an exchange-side refusal
// of an otherwise well-formed request. These are logged and skipped, never
// retried within a tick.
func IsBusinessRejection(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrPriceTooLow) ||
		errors.Is(err, ErrPriceTooHigh) ||
		errors.Is(err, ErrMaintenance)
}

// OrderRequest describes a limit child order to be submitted.
type OrderRequest struct {
	ProductCode string
	Side        domain.Side
	Price       int64
	Size        float64

	// TTLMinutes defaults to 43200 (30 days) when zero.
	TTLMinutes int
	// TimeInForce defaults to GTC when empty.
	TimeInForce string
}

// Exchange places, cancels and queries child orders on a single venue.
type Exchange interface {
	// BoardRunning reports whether the exchange board accepts orders.
	BoardRunning(ctx context.Context, productCode string) (bool, error)

	// Balance returns available amounts keyed by currency code.
	Balance(ctx context.Context) (map[string]float64, error)

	// GetOrder returns the current exchange-side view of one child order.
	// Returns ErrOrderNotFound when the exchange answers the query but no
	// longer knows the id; any other error is a transport failure.
	GetOrder(ctx context.Context, productCode, acceptanceID string) (domain.Order, error)

	// PlaceOrder submits a limit order and returns the acceptance id.
	PlaceOrder(ctx context.Context, req OrderRequest) (string, error)

	// CancelOrder cancels a child order by acceptance id.
	CancelOrder(ctx context.Context, productCode, acceptanceID string) error

	// TradingCommission returns the commission rate charged on fills.
	TradingCommission(ctx context.Context, productCode string) (float64, error)
}
