package paper

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ymiyake/flyerbot/internal/domain"
	"github.com/ymiyake/flyerbot/internal/ports"
)

const defaultCommissionRate = 0.0015

// Exchange simulates the venue for dry runs. Limit orders rest until the
// observed market price crosses them, balances settle at fill time and
// acceptance ids are locally generated UUIDs.
type Exchange struct {
	mu         sync.Mutex
	balances   map[string]float64
	orders     map[string]*restingOrder
	lastPrice  map[string]float64
	commission float64

	now func() time.Time
}

type restingOrder struct {
	order domain.Order
}

var _ ports.Exchange = (*Exchange)(nil)

// NewExchange builds a simulator seeded with starting balances, e.g.
// {"JPY": 500000}.
func NewExchange(balances map[string]float64) *Exchange {
	b := make(map[string]float64, len(balances))
	for k, v := range balances {
		b[k] = v
	}
	return &Exchange{
		balances:   b,
		orders:     make(map[string]*restingOrder),
		lastPrice:  make(map[string]float64),
		commission: defaultCommissionRate,
		now:        time.Now,
	}
}

// SetPrice records the latest market price and fills any resting order it
// crosses.
func (e *Exchange) SetPrice(productCode string, price float64) {
	if price <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.lastPrice[productCode] = price
	for _, r := range e.orders {
		o := &r.order
		if o.ProductCode != productCode || o.State != domain.StateActive {
			continue
		}
		crossed := (o.Side == domain.SideBuy && price <= float64(o.Price)) ||
			(o.Side == domain.SideSell && price >= float64(o.Price))
		if crossed {
			e.fill(o)
		}
	}
}

// fill settles one order against the balances. Caller holds the lock.
func (e *Exchange) fill(o *domain.Order) {
	base, quote := splitProduct(o.ProductCode)
	cost := float64(o.Price) * o.Size
	if o.Side == domain.SideBuy {
		e.balances[quote] -= cost
		e.balances[base] += o.Size
	} else {
		e.balances[base] -= o.Size
		e.balances[quote] += cost
	}
	o.State = domain.StateCompleted
}

// BoardRunning always reports true: the simulator has no maintenance window.
func (e *Exchange) BoardRunning(context.Context, string) (bool, error) {
	return true, nil
}

// Balance returns a copy of the current balances.
func (e *Exchange) Balance(context.Context) (map[string]float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]float64, len(e.balances))
	for k, v := range e.balances {
		out[k] = v
	}
	return out, nil
}

// GetOrder returns the simulated view of one order.
func (e *Exchange) GetOrder(_ context.Context, _, acceptanceID string) (domain.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.orders[acceptanceID]
	if !ok {
		return domain.Order{}, fmt.Errorf("paper.GetOrder: %s: %w", acceptanceID, ports.ErrOrderNotFound)
	}
	return r.order, nil
}

// PlaceOrder accepts a limit order after a funds check and fills it
// immediately when the last observed price already crosses it.
func (e *Exchange) PlaceOrder(_ context.Context, req ports.OrderRequest) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	base, quote := splitProduct(req.ProductCode)
	if req.Side == domain.SideBuy {
		if e.balances[quote] < float64(req.Price)*req.Size {
			return "", fmt.Errorf("paper.PlaceOrder: %w", ports.ErrInsufficientFunds)
		}
	} else if e.balances[base] < req.Size {
		return "", fmt.Errorf("paper.PlaceOrder: %w", ports.ErrInsufficientFunds)
	}

	id := "PAPER-" + uuid.NewString()
	r := &restingOrder{order: domain.Order{
		AcceptanceID: id,
		ProductCode:  req.ProductCode,
		Side:         req.Side,
		State:        domain.StateActive,
		Price:        req.Price,
		Size:         req.Size,
		AcceptedAt:   e.now(),
	}}
	e.orders[id] = r

	if price, ok := e.lastPrice[req.ProductCode]; ok {
		crossed := (req.Side == domain.SideBuy && price <= float64(req.Price)) ||
			(req.Side == domain.SideSell && price >= float64(req.Price))
		if crossed {
			e.fill(&r.order)
		}
	}
	return id, nil
}

// CancelOrder drops a resting order. Cancelling a filled or unknown order
// fails like the real venue does.
func (e *Exchange) CancelOrder(_ context.Context, _, acceptanceID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.orders[acceptanceID]
	if !ok {
		return fmt.Errorf("paper.CancelOrder: %s: %w", acceptanceID, ports.ErrOrderNotFound)
	}
	if r.order.State != domain.StateActive {
		return fmt.Errorf("paper.CancelOrder: %s already %s", acceptanceID, r.order.State)
	}
	delete(e.orders, acceptanceID)
	return nil
}

// TradingCommission returns the simulated commission rate.
func (e *Exchange) TradingCommission(context.Context, string) (float64, error) {
	return e.commission, nil
}

// PriceFeed decorates a MarketData source so every summary also advances the
// simulator's clock of observed prices.
type PriceFeed struct {
	Inner    ports.MarketData
	Exchange *Exchange
}

var _ ports.MarketData = (*PriceFeed)(nil)

// LatestSummary fetches from the inner source and feeds the price to the
// simulator.
func (f *PriceFeed) LatestSummary(ctx context.Context, productCode string) (domain.PriceSummary, error) {
	s, err := f.Inner.LatestSummary(ctx, productCode)
	if err != nil {
		return s, err
	}
	f.Exchange.SetPrice(productCode, s.Price)
	return s, nil
}

func splitProduct(productCode string) (base, quote string) {
	if i := strings.Index(productCode, "_"); i >= 0 {
		return productCode[:i], productCode[i+1:]
	}
	return productCode, productCode
}
