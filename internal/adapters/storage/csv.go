package storage

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ymiyake/flyerbot/internal/domain"
	"github.com/ymiyake/flyerbot/internal/ports"
)

// CSV column layout for order tables. The related-id column keeps the
// legacy "no_id" sentinel on disk so files written by older deployments
// stay readable and diffable.
var orderHeader = []string{
	"child_order_acceptance_id",
	"product_code",
	"side",
	"child_order_state",
	"price",
	"size",
	"child_order_cycle",
	"related_child_order_acceptance_id",
	"total_commission_yen",
	"profit",
	"cumsum_profit",
	"child_order_date",
}

var profitHeader = []string{"date", "product_code", "realized", "unrealized"}

const csvTimeLayout = time.RFC3339

// CSVStore persists order tables and profit rollups as flat CSV files under
// a data directory:
//
//	<dir>/child_orders/<product>/<term>_term.csv
//	<dir>/profit/<product>.csv
//
// Files are rewritten whole on every save via write-then-rename.
type CSVStore struct {
	dir string
}

var (
	_ ports.TableStore  = (*CSVStore)(nil)
	_ ports.ProfitStore = (*CSVStore)(nil)
)

// NewCSVStore builds a store rooted at dir.
func NewCSVStore(dir string) *CSVStore {
	return &CSVStore{dir: dir}
}

// Load reads the table for (product, term). A missing file is an empty
// table, not an error.
func (s *CSVStore) Load(_ context.Context, productCode string, term domain.Term) (*domain.OrderTable, error) {
	table := domain.NewOrderTable()

	f, err := os.Open(s.tablePath(productCode, term))
	if os.IsNotExist(err) {
		return table, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage.Load: %w", err)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("storage.Load: parse %s %s: %w", productCode, term, err)
	}

	for i, row := range rows {
		if i == 0 {
			continue // header
		}
		o, err := decodeOrderRow(row)
		if err != nil {
			return nil, fmt.Errorf("storage.Load: %s %s row %d: %w", productCode, term, i+1, err)
		}
		table.Upsert(o)
	}
	return table, nil
}

// Save rewrites the table file for (product, term).
func (s *CSVStore) Save(_ context.Context, productCode string, term domain.Term, table *domain.OrderTable) error {
	rows := [][]string{orderHeader}
	for _, o := range table.Orders() {
		rows = append(rows, encodeOrderRow(o))
	}
	if err := s.writeFile(s.tablePath(productCode, term), rows); err != nil {
		return fmt.Errorf("storage.Save: %s %s: %w", productCode, term, err)
	}
	return nil
}

// SaveDaily upserts the profit record for its (date, product) slot.
func (s *CSVStore) SaveDaily(ctx context.Context, rec domain.ProfitRecord) error {
	history, err := s.History(ctx, rec.ProductCode)
	if err != nil {
		return err
	}

	day := rec.Date.Format("2006-01-02")
	replaced := false
	for i, h := range history {
		if h.Date.Format("2006-01-02") == day {
			history[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		history = append(history, rec)
	}

	rows := [][]string{profitHeader}
	for _, h := range history {
		rows = append(rows, []string{
			h.Date.Format("2006-01-02"),
			h.ProductCode,
			strconv.FormatFloat(h.Realized, 'f', -1, 64),
			strconv.FormatFloat(h.Unrealized, 'f', -1, 64),
		})
	}
	if err := s.writeFile(s.profitPath(rec.ProductCode), rows); err != nil {
		return fmt.Errorf("storage.SaveDaily: %s: %w", rec.ProductCode, err)
	}
	return nil
}

// History returns all profit records for a product in file order.
func (s *CSVStore) History(_ context.Context, productCode string) ([]domain.ProfitRecord, error) {
	f, err := os.Open(s.profitPath(productCode))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage.History: %w", err)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("storage.History: parse %s: %w", productCode, err)
	}

	var out []domain.ProfitRecord
	for i, row := range rows {
		if i == 0 {
			continue
		}
		if len(row) != len(profitHeader) {
			return nil, fmt.Errorf("storage.History: %s row %d: want %d fields, got %d",
				productCode, i+1, len(profitHeader), len(row))
		}
		date, err := time.Parse("2006-01-02", row[0])
		if err != nil {
			return nil, fmt.Errorf("storage.History: %s row %d: %w", productCode, i+1, err)
		}
		realized, err := strconv.ParseFloat(row[2], 64)
		if err != nil {
			return nil, fmt.Errorf("storage.History: %s row %d: %w", productCode, i+1, err)
		}
		unrealized, err := strconv.ParseFloat(row[3], 64)
		if err != nil {
			return nil, fmt.Errorf("storage.History: %s row %d: %w", productCode, i+1, err)
		}
		out = append(out, domain.ProfitRecord{
			Date:        date,
			ProductCode: row[1],
			Realized:    realized,
			Unrealized:  unrealized,
		})
	}
	return out, nil
}

func encodeOrderRow(o domain.Order) []string {
	related := o.RelatedID
	if related == "" {
		related = domain.NoRelatedID
	}
	return []string{
		o.AcceptanceID,
		o.ProductCode,
		string(o.Side),
		string(o.State),
		strconv.FormatInt(o.Price, 10),
		strconv.FormatFloat(o.Size, 'f', -1, 64),
		string(o.Cycle),
		related,
		strconv.FormatFloat(o.TotalCommissionYen, 'f', -1, 64),
		strconv.FormatFloat(o.Profit, 'f', -1, 64),
		strconv.FormatFloat(o.CumsumProfit, 'f', -1, 64),
		o.AcceptedAt.Format(csvTimeLayout),
	}
}

func decodeOrderRow(row []string) (domain.Order, error) {
	if len(row) != len(orderHeader) {
		return domain.Order{}, fmt.Errorf("want %d fields, got %d", len(orderHeader), len(row))
	}

	price, err := strconv.ParseInt(row[4], 10, 64)
	if err != nil {
		return domain.Order{}, fmt.Errorf("price: %w", err)
	}
	size, err := strconv.ParseFloat(row[5], 64)
	if err != nil {
		return domain.Order{}, fmt.Errorf("size: %w", err)
	}
	commission, err := strconv.ParseFloat(row[8], 64)
	if err != nil {
		return domain.Order{}, fmt.Errorf("total_commission_yen: %w", err)
	}
	profit, err := strconv.ParseFloat(row[9], 64)
	if err != nil {
		return domain.Order{}, fmt.Errorf("profit: %w", err)
	}
	cumsum, err := strconv.ParseFloat(row[10], 64)
	if err != nil {
		return domain.Order{}, fmt.Errorf("cumsum_profit: %w", err)
	}
	acceptedAt, err := time.Parse(csvTimeLayout, row[11])
	if err != nil {
		return domain.Order{}, fmt.Errorf("child_order_date: %w", err)
	}

	related := row[7]
	if related == domain.NoRelatedID {
		related = ""
	}

	return domain.Order{
		AcceptanceID:       row[0],
		ProductCode:        row[1],
		Side:               domain.Side(row[2]),
		State:              domain.OrderState(row[3]),
		Price:              price,
		Size:               size,
		Cycle:              domain.Cycle(row[6]),
		RelatedID:          related,
		TotalCommissionYen: commission,
		Profit:             profit,
		CumsumProfit:       cumsum,
		AcceptedAt:         acceptedAt,
	}, nil
}

func (s *CSVStore) tablePath(productCode string, term domain.Term) string {
	return filepath.Join(s.dir, "child_orders", productCode, string(term)+"_term.csv")
}

func (s *CSVStore) profitPath(productCode string) string {
	return filepath.Join(s.dir, "profit", productCode+".csv")
}

func (s *CSVStore) writeFile(path string, rows [][]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	w := csv.NewWriter(f)
	if err := w.WriteAll(rows); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write rows: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace file: %w", err)
	}
	return nil
}
