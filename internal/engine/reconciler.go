package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ymiyake/flyerbot/internal/domain"
	"github.com/ymiyake/flyerbot/internal/ports"
)

const (
	// Window for re-polling a failed status lookup. bitFlyer needs a few
	// seconds to index a just-accepted order, so a not-found inside this
	// window is not yet proof of absence.
	defaultStatusPollTimeout  = 5 * time.Second
	defaultStatusPollInterval = 500 * time.Millisecond
)

// Reconciler keeps a local order table consistent with the exchange-side
// order state and derives commission and profit on fills.
type Reconciler struct {
	product  string
	exchange ports.Exchange
	store    ports.TableStore
	notifier ports.Notifier

	// ScaleCommissionBySize switches the fill commission from the source
	// formula (rate * price) to rate * price * size. Off by default for
	// parity with recorded history.
	ScaleCommissionBySize bool

	// StatusPollTimeout and StatusPollInterval bound the re-poll loop for
	// order-status lookups.
	StatusPollTimeout  time.Duration
	StatusPollInterval time.Duration

	now func() time.Time

	commissionRate   float64
	commissionCached bool
}

// NewReconciler builds a reconciler for one product.
func NewReconciler(product string, exchange ports.Exchange, store ports.TableStore, notifier ports.Notifier) *Reconciler {
	return &Reconciler{
		product:            product,
		exchange:           exchange,
		store:              store,
		notifier:           notifier,
		StatusPollTimeout:  defaultStatusPollTimeout,
		StatusPollInterval: defaultStatusPollInterval,
		now:                time.Now,
	}
}

// Refresh re-queries every ACTIVE order in the table and applies the latest
// exchange state. The table is persisted after each individual update so a
// failure on one order cannot lose updates already applied to others.
func (r *Reconciler) Refresh(ctx context.Context, term domain.Term, table *domain.OrderTable) error {
	for _, o := range table.Orders() {
		if o.State != domain.StateActive {
			continue
		}
		if err := r.Track(ctx, term, table, o.AcceptanceID, o.Cycle, o.RelatedID); err != nil {
			return fmt.Errorf("engine.Refresh: order %s: %w", o.AcceptanceID, err)
		}
	}
	return nil
}

// Track fetches one child order from the exchange and inserts or updates its
// row, preserving the local-only cycle and relation fields. Used both during
// refresh and immediately after placing a new order.
//
// An ErrOrderNotFound that persists through the whole poll window means the
// order was cancelled or expired out of band: the row is dropped and a
// notification sent. Transport errors are re-polled within the same window
// and then surfaced, never treated as absence.
func (r *Reconciler) Track(ctx context.Context, term domain.Term, table *domain.OrderTable,
	acceptanceID string, cycle domain.Cycle, relatedID string) error {

	remote, err := r.pollOrder(ctx, acceptanceID)
	if errors.Is(err, ports.ErrOrderNotFound) {
		return r.dropVanished(ctx, term, table, acceptanceID)
	}
	if err != nil {
		return fmt.Errorf("fetch order state: %w", err)
	}

	prev, existed := table.Get(acceptanceID)

	// Local bookkeeping fields are not known to the exchange.
	remote.Cycle = cycle
	remote.RelatedID = relatedID
	if existed {
		remote.Profit = prev.Profit
		remote.CumsumProfit = prev.CumsumProfit
		remote.TotalCommissionYen = prev.TotalCommissionYen
	}

	if remote.State != domain.StateActive && remote.State != domain.StateCompleted {
		// Expired/rejected/unknown states are not tracked.
		slog.Warn("order in terminal exchange state, purging",
			"product", r.product, "term", term, "id", acceptanceID, "state", remote.State)
		table.Remove(acceptanceID)
		return r.save(ctx, term, table)
	}

	newlyFilled := remote.State == domain.StateCompleted &&
		(!existed || prev.State != domain.StateCompleted)

	table.Upsert(remote)

	if newlyFilled {
		if err := r.onFill(ctx, term, table, remote); err != nil {
			return err
		}
	}

	return r.save(ctx, term, table)
}

// pollOrder queries order status, retrying any failure within the bounded
// poll window. A not-found on a just-accepted order is usually indexing lag,
// so it is re-polled like a transport failure and trusted only once the
// window expires.
func (r *Reconciler) pollOrder(ctx context.Context, acceptanceID string) (domain.Order, error) {
	deadline := r.now().Add(r.StatusPollTimeout)
	for {
		o, err := r.exchange.GetOrder(ctx, r.product, acceptanceID)
		if err == nil {
			return o, nil
		}
		if r.now().After(deadline) {
			if errors.Is(err, ports.ErrOrderNotFound) {
				return domain.Order{}, err
			}
			return domain.Order{}, fmt.Errorf("status poll timed out: %w", err)
		}
		slog.Debug("order status lookup failed, retrying",
			"product", r.product, "id", acceptanceID, "err", err)

		select {
		case <-ctx.Done():
			return domain.Order{}, ctx.Err()
		case <-time.After(r.StatusPollInterval):
		}
	}
}

// dropVanished removes an order the exchange no longer recognizes. If the
// vanished order was a sell, its related buy is re-fetched so the unsold
// position stays visible for the next sell attempt.
func (r *Reconciler) dropVanished(ctx context.Context, term domain.Term, table *domain.OrderTable, acceptanceID string) error {
	o, existed := table.Get(acceptanceID)
	if !existed {
		return nil
	}

	table.Remove(acceptanceID)
	if err := r.save(ctx, term, table); err != nil {
		return err
	}

	slog.Warn("order vanished on exchange, removed from table",
		"product", r.product, "term", term, "cycle", o.Cycle, "side", o.Side, "id", acceptanceID)
	r.notify(ctx, fmt.Sprintf("[%s %s %s] order %s was cancelled on the exchange and removed",
		r.product, term, o.Cycle, acceptanceID))

	if o.Side == domain.SideSell && o.HasRelated() {
		if buy, ok := table.Get(o.RelatedID); ok {
			return r.Track(ctx, term, table, buy.AcceptanceID, buy.Cycle, "")
		}
	}
	return nil
}

// onFill handles an ACTIVE→COMPLETED transition: commission, notification,
// and for sells the realized profit and cumulative total.
func (r *Reconciler) onFill(ctx context.Context, term domain.Term, table *domain.OrderTable, o domain.Order) error {
	rate, err := r.tradingCommission(ctx)
	if err != nil {
		slog.Warn("commission rate unavailable, recording zero fee",
			"product", r.product, "id", o.AcceptanceID, "err", err)
		rate = 0
	}

	commission := float64(o.Price) * rate
	if r.ScaleCommissionBySize {
		commission *= o.Size
	}
	o.TotalCommissionYen = commission
	table.Upsert(o)

	slog.Info("order filled",
		"product", r.product, "term", term, "cycle", o.Cycle,
		"side", o.Side, "price", o.Price, "size", o.Size, "id", o.AcceptanceID)
	r.notify(ctx, fmt.Sprintf("[%s %s %s %s] order filled at %d x %.3f",
		r.product, term, o.Cycle, o.Side, o.Price, o.Size))

	if o.Side != domain.SideSell {
		return nil
	}

	buy, ok := table.Get(o.RelatedID)
	if !ok {
		slog.Error("filled sell has no tracked related buy",
			"product", r.product, "id", o.AcceptanceID, "related", o.RelatedID)
		return nil
	}

	o.Profit = domain.SellProfit(o, buy)
	table.Upsert(o)
	table.RecomputeCumulativeProfit()

	slog.Info("profit realized",
		"product", r.product, "term", term, "cycle", o.Cycle,
		"profit", fmt.Sprintf("%.1f", o.Profit))
	r.notify(ctx, fmt.Sprintf("[%s %s %s] realized profit: %.1f yen",
		r.product, term, o.Cycle, o.Profit))
	return nil
}

func (r *Reconciler) tradingCommission(ctx context.Context) (float64, error) {
	if r.commissionCached {
		return r.commissionRate, nil
	}
	rate, err := r.exchange.TradingCommission(ctx, r.product)
	if err != nil {
		return 0, err
	}
	r.commissionRate = rate
	r.commissionCached = true
	return rate, nil
}

func (r *Reconciler) save(ctx context.Context, term domain.Term, table *domain.OrderTable) error {
	if err := r.store.Save(ctx, r.product, term, table); err != nil {
		return fmt.Errorf("persist %s table: %w", term, err)
	}
	return nil
}

func (r *Reconciler) notify(ctx context.Context, text string) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.Notify(ctx, text); err != nil {
		slog.Warn("notification failed", "err", err)
	}
}
