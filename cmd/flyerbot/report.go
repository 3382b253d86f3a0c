package main

import (
	"context"
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"

	"github.com/ymiyake/flyerbot/config"
	"github.com/ymiyake/flyerbot/internal/domain"
	"github.com/ymiyake/flyerbot/internal/ports"
)

// runReport prints every product's order tables and profit history to
// stdout. Read-only: no API calls, no writes.
func runReport(ctx context.Context, cfg *config.Config, store ports.TableStore, profits ports.ProfitStore) error {
	for _, p := range cfg.Products {
		fmt.Printf("\n=== %s ===\n", p.Code)

		for _, term := range domain.Terms {
			table, err := store.Load(ctx, p.Code, term)
			if err != nil {
				return fmt.Errorf("load %s %s: %w", p.Code, term, err)
			}
			if table.Len() == 0 {
				continue
			}

			fmt.Printf("\n%s term (%d orders)\n", term, table.Len())
			printOrders(table)
		}

		history, err := profits.History(ctx, p.Code)
		if err != nil {
			return fmt.Errorf("profit history %s: %w", p.Code, err)
		}
		if len(history) > 0 {
			fmt.Printf("\nprofit by day\n")
			printProfits(history, "2006-01-02")
			fmt.Printf("\nprofit by month\n")
			printProfits(domain.RollupProfits(history, "2006-01"), "2006-01")
			fmt.Printf("\nprofit by year\n")
			printProfits(domain.RollupProfits(history, "2006"), "2006")
		}
	}
	return nil
}

func printOrders(table *domain.OrderTable) {
	t := tablewriter.NewWriter(os.Stdout)
	t.Header("ID", "Side", "State", "Cycle", "Price", "Size", "Related", "Fee", "Profit", "Cumsum", "Accepted")

	for _, o := range table.Orders() {
		related := o.RelatedID
		if related == "" {
			related = "-"
		}
		t.Append(
			o.AcceptanceID,
			string(o.Side),
			string(o.State),
			string(o.Cycle),
			fmt.Sprintf("%d", o.Price),
			fmt.Sprintf("%.3f", o.Size),
			related,
			fmt.Sprintf("%.1f", o.TotalCommissionYen),
			fmt.Sprintf("%.1f", o.Profit),
			fmt.Sprintf("%.1f", o.CumsumProfit),
			o.AcceptedAt.Format("2006-01-02 15:04"),
		)
	}
	t.Render()
}

func printProfits(history []domain.ProfitRecord, layout string) {
	t := tablewriter.NewWriter(os.Stdout)
	t.Header("Date", "Realized", "Unrealized", "Total")

	for _, rec := range history {
		t.Append(
			rec.Date.Format(layout),
			fmt.Sprintf("%.1f", rec.Realized),
			fmt.Sprintf("%.1f", rec.Unrealized),
			fmt.Sprintf("%.1f", rec.Total()),
		)
	}
	t.Render()
}
