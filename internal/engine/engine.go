package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ymiyake/flyerbot/internal/domain"
	"github.com/ymiyake/flyerbot/internal/ports"
)

// ProductPlan binds one product code to the strategies enabled for it. A nil
// policy means that term is disabled.
type ProductPlan struct {
	Code  string
	Long  *TermPolicy
	Short *TermPolicy
	DCA   *DCAPolicy
}

// CycleResult summarizes one engine tick across all products.
type CycleResult struct {
	Products int
	Skipped  int
	Profits  []domain.ProfitRecord
	Warnings []string
}

// Engine runs every product's strategies once per tick against a shared
// exchange, market-data source and store.
type Engine struct {
	exchange ports.Exchange
	market   ports.MarketData
	store    ports.TableStore
	profits  ports.ProfitStore
	notifier ports.Notifier
	plans    []ProductPlan
	interval time.Duration
	loc      *time.Location

	schedulers map[string]*Scheduler
	now        func() time.Time
}

// New builds the engine. loc is the exchange's calendar for daily profit
// bucketing. Schedulers are created lazily per product so the commission rate
// is fetched once and cached for the process lifetime.
func New(exchange ports.Exchange, market ports.MarketData, store ports.TableStore,
	profits ports.ProfitStore, notifier ports.Notifier,
	plans []ProductPlan, interval time.Duration, loc *time.Location) *Engine {

	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Engine{
		exchange:   exchange,
		market:     market,
		store:      store,
		profits:    profits,
		notifier:   notifier,
		plans:      plans,
		interval:   interval,
		loc:        loc,
		schedulers: make(map[string]*Scheduler),
		now:        time.Now,
	}
}

// Run ticks RunOnce on the configured interval until the context is done.
// The first tick fires immediately.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		result, err := e.RunOnce(ctx)
		if err != nil {
			slog.Error("cycle failed", "err", err)
		} else {
			slog.Info("cycle done",
				"products", result.Products, "skipped", result.Skipped,
				"warnings", len(result.Warnings))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce executes one full cycle: for each product, gate on board state,
// snapshot prices, run every enabled term and record the day's profit. A
// failing product does not stop the others.
func (e *Engine) RunOnce(ctx context.Context) (*CycleResult, error) {
	result := &CycleResult{Products: len(e.plans)}

	for _, plan := range e.plans {
		if err := e.runProduct(ctx, plan, result); err != nil {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("%s: %v", plan.Code, err))
			slog.Error("product cycle failed", "product", plan.Code, "err", err)
		}
	}
	return result, nil
}

func (e *Engine) runProduct(ctx context.Context, plan ProductPlan, result *CycleResult) error {
	// 1. Gate: no decisions while the board is halted or in maintenance.
	running, err := e.exchange.BoardRunning(ctx, plan.Code)
	if err != nil {
		result.Skipped++
		slog.Warn("board state unavailable, skipping product", "product", plan.Code, "err", err)
		return nil
	}
	if !running {
		result.Skipped++
		slog.Info("board not running, skipping product", "product", plan.Code)
		return nil
	}

	// 2. Snapshot: one price summary serves every term this tick.
	summary, err := e.market.LatestSummary(ctx, plan.Code)
	if err != nil {
		return fmt.Errorf("engine.runProduct: price summary: %w", err)
	}

	sched := e.scheduler(plan.Code)

	// 3. Strategies: long and short share the buy/sell machinery, dca only
	// buys. Each term owns its table file.
	tables := make(map[domain.Term]*domain.OrderTable)

	for _, term := range []domain.Term{domain.TermLong, domain.TermShort} {
		policy := plan.Long
		if term == domain.TermShort {
			policy = plan.Short
		}
		if policy == nil {
			continue
		}
		table, err := e.store.Load(ctx, plan.Code, term)
		if err != nil {
			return fmt.Errorf("engine.runProduct: load %s table: %w", term, err)
		}
		tables[term] = table
		if err := sched.RunTerm(ctx, term, *policy, table, summary); err != nil {
			return err
		}
	}

	if plan.DCA != nil {
		table, err := e.store.Load(ctx, plan.Code, domain.TermDCA)
		if err != nil {
			return fmt.Errorf("engine.runProduct: load dca table: %w", err)
		}
		tables[domain.TermDCA] = table
		if err := sched.RunDCA(ctx, *plan.DCA, table, summary); err != nil {
			return err
		}
	}

	// 4. Rollup: one profit record per product per day.
	rec := e.profitRecord(plan.Code, tables, summary.Price)
	result.Profits = append(result.Profits, rec)
	if e.profits != nil {
		if err := e.profits.SaveDaily(ctx, rec); err != nil {
			slog.Warn("profit record not saved", "product", plan.Code, "err", err)
		}
	}
	return nil
}

func (e *Engine) scheduler(product string) *Scheduler {
	if s, ok := e.schedulers[product]; ok {
		return s
	}
	rec := NewReconciler(product, e.exchange, e.store, e.notifier)
	s := NewScheduler(product, e.exchange, e.notifier, rec)
	e.schedulers[product] = s
	return s
}

// profitRecord sums realized profit from every term's sells and marks all
// held buys to the current price. The day boundary follows the exchange's
// calendar, not UTC.
func (e *Engine) profitRecord(product string, tables map[domain.Term]*domain.OrderTable,
	currentPrice float64) domain.ProfitRecord {

	y, m, d := e.now().In(e.loc).Date()
	rec := domain.ProfitRecord{
		Date:        time.Date(y, m, d, 0, 0, 0, 0, e.loc),
		ProductCode: product,
	}
	for _, table := range tables {
		rec.Realized += table.RealizedProfit()
		rec.Unrealized += table.UnrealizedProfit(currentPrice)
	}
	return rec
}
