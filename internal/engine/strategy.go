package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ymiyake/flyerbot/internal/domain"
	"github.com/ymiyake/flyerbot/internal/ports"
)

// CycleSlot is one enabled recurring slot within a term.
type CycleSlot struct {
	Cycle     domain.Cycle
	SellRate  float64
	SellPrice int64
}

// TermPolicy carries a term's pricing parameters and its enabled slots.
type TermPolicy struct {
	Buy           BuyParams
	MinRewardRate float64
	Slots         []CycleSlot
}

// DCAPolicy is the dollar-cost-average variant: one slot, a price ceiling,
// no sell leg.
type DCAPolicy struct {
	Cycle       domain.Cycle
	CeilingRate float64
	Buy         BuyParams
}

// Scheduler drives the per-term state machine: place buys, cancel and
// replace stale or repriced orders, and pair sells to completed buys.
type Scheduler struct {
	product    string
	exchange   ports.Exchange
	notifier   ports.Notifier
	reconciler *Reconciler

	now func() time.Time
}

// NewScheduler builds a scheduler for one product.
func NewScheduler(product string, exchange ports.Exchange, notifier ports.Notifier, rec *Reconciler) *Scheduler {
	return &Scheduler{
		product:    product,
		exchange:   exchange,
		notifier:   notifier,
		reconciler: rec,
		now:        time.Now,
	}
}

// RunTerm executes one tick of a long or short term: refresh, then one buy
// decision per slot, then (short only) one sell decision per slot.
//
// Only a rejected cancel is fatal; every other failure is logged and the
// remaining slots still run, so one bad slot cannot starve the others.
func (s *Scheduler) RunTerm(ctx context.Context, term domain.Term, policy TermPolicy,
	table *domain.OrderTable, summary domain.PriceSummary) error {

	if err := s.reconciler.Refresh(ctx, term, table); err != nil {
		slog.Warn("refresh failed, deciding on possibly stale table",
			"product", s.product, "term", term, "err", err)
	}

	for _, slot := range policy.Slots {
		if err := s.runBuy(ctx, term, policy, slot, table, summary); err != nil {
			return fmt.Errorf("engine.RunTerm: %s %s buy: %w", term, slot.Cycle, err)
		}
	}

	if term != domain.TermShort {
		return nil
	}
	for _, slot := range policy.Slots {
		if slot.SellRate <= 0 && slot.SellPrice <= 0 {
			continue
		}
		if err := s.runSell(ctx, term, policy, slot, table, summary); err != nil {
			return fmt.Errorf("engine.RunTerm: %s %s sell: %w", term, slot.Cycle, err)
		}
	}
	return nil
}

// runBuy decides whether the (term, cycle) slot gets a new buy order this
// tick, cancelling the previous one first when it went stale or repriced.
func (s *Scheduler) runBuy(ctx context.Context, term domain.Term, policy TermPolicy,
	slot CycleSlot, table *domain.OrderTable, summary domain.PriceSummary) error {

	local, ok := summary.Window(domain.SideBuy, slot.Cycle.SummaryWindow())
	if !ok {
		slog.Warn("summary window missing, skipping slot",
			"product", s.product, "term", term, "cycle", slot.Cycle)
		return nil
	}

	price, err := ProposeBuyPrice(local, summary.AllTimeHigh(), summary.Price, policy.Buy)
	if errors.Is(err, ErrRejected) {
		slog.Info("buy rejected", "product", s.product, "term", term, "cycle", slot.Cycle, "reason", err)
		return nil
	}
	if err != nil {
		return err
	}

	available, err := s.availableBalance(ctx)
	if err != nil {
		slog.Warn("balance unavailable, skipping buy",
			"product", s.product, "term", term, "cycle", slot.Cycle, "err", err)
		return nil
	}

	size, volume, err := ProposeBuyVolume(price, summary.AllTimeHigh(), policy.Buy, available)
	if errors.Is(err, ErrRejected) {
		slog.Info("buy rejected", "product", s.product, "term", term, "cycle", slot.Cycle,
			"price", price, "reason", err)
		return nil
	}
	if err != nil {
		return err
	}

	// Short positions are never stacked: an unhedged filled buy anywhere in
	// the term blocks new short buys until it is sold.
	if term == domain.TermShort && table.AnyUnsold() {
		slog.Info("unsold position exists, skipping buy",
			"product", s.product, "term", term, "cycle", slot.Cycle)
		return nil
	}

	if len(table.ActiveInCycle(slot.Cycle, domain.SideSell)) > 0 {
		slog.Info("active sell in cycle, skipping buy",
			"product", s.product, "term", term, "cycle", slot.Cycle)
		return nil
	}

	if s.inCooldown(table, slot.Cycle) {
		slog.Info("completed buy within lookback, skipping buy",
			"product", s.product, "term", term, "cycle", slot.Cycle)
		return nil
	}

	actives := table.ActiveInCycle(slot.Cycle, domain.SideBuy)
	if len(actives) >= 2 {
		slog.Error("data integrity: multiple ACTIVE buys in one cycle, using first",
			"product", s.product, "term", term, "cycle", slot.Cycle, "count", len(actives))
	}
	if len(actives) > 0 {
		active := actives[0]
		stale := active.Age(s.now()) > slot.Cycle.Lookback()
		repriced := active.Price != price || active.Size != size
		if !stale && !repriced {
			return nil
		}

		// The replacement is never sent before the cancel is confirmed;
		// a rejected cancel aborts this term's run entirely.
		if err := s.exchange.CancelOrder(ctx, s.product, active.AcceptanceID); err != nil {
			s.notify(ctx, fmt.Sprintf("[%s %s %s] cancel of %s failed: %v",
				s.product, term, slot.Cycle, active.AcceptanceID, err))
			return fmt.Errorf("cancel %s: %w", active.AcceptanceID, err)
		}
		table.Remove(active.AcceptanceID)
		if err := s.reconciler.save(ctx, term, table); err != nil {
			return err
		}
		slog.Info("cancelled previous order",
			"product", s.product, "term", term, "cycle", slot.Cycle,
			"id", active.AcceptanceID, "stale", stale, "repriced", repriced)
	}

	id, err := s.exchange.PlaceOrder(ctx, ports.OrderRequest{
		ProductCode: s.product,
		Side:        domain.SideBuy,
		Price:       price,
		Size:        size,
	})
	if err != nil {
		return s.reportPlaceFailure(ctx, term, slot.Cycle, domain.SideBuy, price, size, err)
	}

	slog.Info("buy order placed",
		"product", s.product, "term", term, "cycle", slot.Cycle,
		"price", price, "size", size, "volume", fmt.Sprintf("%.0f", volume), "id", id)
	s.notify(ctx, fmt.Sprintf("[%s %s %s] buy placed: %d x %.3f (%s)",
		s.product, term, slot.Cycle, price, size, id))

	return s.reconciler.Track(ctx, term, table, id, slot.Cycle, "")
}

// runSell pairs a sell to the slot's completed-but-unsold buy, then links
// both records to each other once the sell is accepted.
func (s *Scheduler) runSell(ctx context.Context, term domain.Term, policy TermPolicy,
	slot CycleSlot, table *domain.OrderTable, summary domain.PriceSummary) error {

	unsold := table.CompletedUnsold(slot.Cycle)
	if len(unsold) == 0 {
		slog.Debug("no completed buy to sell against",
			"product", s.product, "term", term, "cycle", slot.Cycle)
		return nil
	}
	if len(unsold) >= 2 {
		slog.Error("data integrity: multiple unsold buys in one cycle, using first",
			"product", s.product, "term", term, "cycle", slot.Cycle, "count", len(unsold))
	}
	buy := unsold[0]

	if len(table.ActiveInCycle(slot.Cycle, domain.SideSell)) > 0 {
		return nil
	}

	var recentHigh float64
	if w, ok := summary.Window(domain.SideSell, slot.Cycle.SummaryWindow()); ok {
		recentHigh = w.High
	}

	price, err := ProposeSellPrice(buy.Price, SellParams{
		TargetMultiple: slot.SellRate,
		AbsolutePrice:  slot.SellPrice,
		RecentHigh:     recentHigh,
		MinRewardRate:  policy.MinRewardRate,
	})
	if errors.Is(err, ErrRejected) {
		slog.Info("sell rejected", "product", s.product, "term", term, "cycle", slot.Cycle,
			"buy_price", buy.Price, "reason", err)
		return nil
	}
	if err != nil {
		return err
	}

	size := RoundSize(buy.Size)
	id, err := s.exchange.PlaceOrder(ctx, ports.OrderRequest{
		ProductCode: s.product,
		Side:        domain.SideSell,
		Price:       price,
		Size:        size,
	})
	if err != nil {
		return s.reportPlaceFailure(ctx, term, slot.Cycle, domain.SideSell, price, size, err)
	}

	slog.Info("sell order placed",
		"product", s.product, "term", term, "cycle", slot.Cycle,
		"price", price, "size", size, "buy_id", buy.AcceptanceID, "id", id)
	s.notify(ctx, fmt.Sprintf("[%s %s %s] sell placed: %d x %.3f against %s",
		s.product, term, slot.Cycle, price, size, buy.AcceptanceID))

	// Two-way link: the sell references the buy it closes, and the buy is
	// marked sold by pointing back at the sell.
	if err := s.reconciler.Track(ctx, term, table, id, slot.Cycle, buy.AcceptanceID); err != nil {
		return err
	}
	return s.reconciler.Track(ctx, term, table, buy.AcceptanceID, buy.Cycle, id)
}

// RunDCA executes one tick of the dollar-cost-average strategy: buy at the
// current price once per cycle while below the ceiling, never sell.
func (s *Scheduler) RunDCA(ctx context.Context, policy DCAPolicy,
	table *domain.OrderTable, summary domain.PriceSummary) error {

	term := domain.TermDCA
	if err := s.reconciler.Refresh(ctx, term, table); err != nil {
		slog.Warn("refresh failed, deciding on possibly stale table",
			"product", s.product, "term", term, "err", err)
	}

	if s.inCooldown(table, policy.Cycle) {
		slog.Debug("dca already bought this cycle", "product", s.product, "cycle", policy.Cycle)
		return nil
	}

	ath := summary.AllTimeHigh()
	if ath <= 0 || summary.Price <= 0 {
		return nil
	}
	if summary.Price >= ath*policy.CeilingRate {
		slog.Info("dca skipped, price above ceiling",
			"product", s.product, "price", summary.Price,
			"ceiling", fmt.Sprintf("%.0f", ath*policy.CeilingRate))
		return nil
	}

	price := int64(summary.Price)
	available, err := s.availableBalance(ctx)
	if err != nil {
		slog.Warn("balance unavailable, skipping dca buy", "product", s.product, "err", err)
		return nil
	}

	size, _, err := ProposeBuyVolume(price, ath, policy.Buy, available)
	if errors.Is(err, ErrRejected) {
		slog.Info("dca buy rejected", "product", s.product, "price", price, "reason", err)
		return nil
	}
	if err != nil {
		return err
	}

	if actives := table.ActiveInCycle(policy.Cycle, domain.SideBuy); len(actives) > 0 {
		active := actives[0]
		if active.Age(s.now()) <= policy.Cycle.Lookback() {
			return nil
		}
		if err := s.exchange.CancelOrder(ctx, s.product, active.AcceptanceID); err != nil {
			return fmt.Errorf("engine.RunDCA: cancel %s: %w", active.AcceptanceID, err)
		}
		table.Remove(active.AcceptanceID)
		if err := s.reconciler.save(ctx, term, table); err != nil {
			return err
		}
	}

	id, err := s.exchange.PlaceOrder(ctx, ports.OrderRequest{
		ProductCode: s.product,
		Side:        domain.SideBuy,
		Price:       price,
		Size:        size,
	})
	if err != nil {
		return s.reportPlaceFailure(ctx, term, policy.Cycle, domain.SideBuy, price, size, err)
	}

	slog.Info("dca buy placed", "product", s.product, "cycle", policy.Cycle,
		"price", price, "size", size, "id", id)
	s.notify(ctx, fmt.Sprintf("[%s dca %s] buy placed: %d x %.3f (%s)",
		s.product, policy.Cycle, price, size, id))

	return s.reconciler.Track(ctx, term, table, id, policy.Cycle, "")
}

// inCooldown reports whether a filled buy already landed in this cycle's
// lookback window.
func (s *Scheduler) inCooldown(table *domain.OrderTable, cycle domain.Cycle) bool {
	cutoff := s.now().Add(-cycle.Lookback())
	for _, o := range table.BuysSince(cycle, cutoff) {
		if o.State == domain.StateCompleted {
			return true
		}
	}
	return false
}

// reportPlaceFailure classifies a placement error: business rejections are
// notified and absorbed, transport failures are logged and retried next tick.
func (s *Scheduler) reportPlaceFailure(ctx context.Context, term domain.Term, cycle domain.Cycle,
	side domain.Side, price int64, size float64, err error) error {

	if ports.IsBusinessRejection(err) {
		slog.Info("order rejected by exchange",
			"product", s.product, "term", term, "cycle", cycle,
			"side", side, "price", price, "size", size, "reason", err)
		s.notify(ctx, fmt.Sprintf("[%s %s %s %s] order rejected: %v",
			s.product, term, cycle, side, err))
		return nil
	}
	slog.Warn("order placement failed, will retry next tick",
		"product", s.product, "term", term, "cycle", cycle,
		"side", side, "price", price, "size", size, "err", err)
	return nil
}

func (s *Scheduler) notify(ctx context.Context, text string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, text); err != nil {
		slog.Warn("notification failed", "product", s.product, "err", err)
	}
}

// availableBalance returns the free amount of the product's quote currency.
func (s *Scheduler) availableBalance(ctx context.Context) (float64, error) {
	balances, err := s.exchange.Balance(ctx)
	if err != nil {
		return 0, err
	}
	return balances[quoteCurrency(s.product)], nil
}

// quoteCurrency extracts the settlement currency from a product code like
// BTC_JPY.
func quoteCurrency(productCode string) string {
	if i := strings.LastIndex(productCode, "_"); i >= 0 {
		return productCode[i+1:]
	}
	return productCode
}
