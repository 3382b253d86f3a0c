package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ymiyake/flyerbot/internal/domain"
	"github.com/ymiyake/flyerbot/internal/ports"
)

const schema = `
-- One row per tracked child order. seq preserves insertion order so the
-- cumulative profit column replays identically after a reload.
CREATE TABLE IF NOT EXISTS child_orders (
    product_code         TEXT    NOT NULL,
    term                 TEXT    NOT NULL,
    seq                  INTEGER NOT NULL,
    acceptance_id        TEXT    NOT NULL,
    side                 TEXT    NOT NULL,
    state                TEXT    NOT NULL,
    price                INTEGER NOT NULL,
    size                 REAL    NOT NULL,
    cycle                TEXT    NOT NULL,
    related_id           TEXT    NOT NULL DEFAULT '',
    total_commission_yen REAL    NOT NULL DEFAULT 0,
    profit               REAL    NOT NULL DEFAULT 0,
    cumsum_profit        REAL    NOT NULL DEFAULT 0,
    accepted_at          DATETIME NOT NULL,
    PRIMARY KEY (product_code, term, acceptance_id)
);

CREATE TABLE IF NOT EXISTS daily_profit (
    day          TEXT NOT NULL,
    product_code TEXT NOT NULL,
    realized     REAL NOT NULL DEFAULT 0,
    unrealized   REAL NOT NULL DEFAULT 0,
    PRIMARY KEY (day, product_code)
);

CREATE INDEX IF NOT EXISTS idx_orders_table ON child_orders(product_code, term, seq);
CREATE INDEX IF NOT EXISTS idx_profit_prod  ON daily_profit(product_code, day);
`

// SQLiteStore keeps order tables and profit rollups in a single SQLite file
// (pure Go driver, no CGo). Each Save replaces the (product, term) slice in
// one transaction, mirroring the whole-file rewrite of the CSV backend.
type SQLiteStore struct {
	db *sql.DB
}

var (
	_ ports.TableStore  = (*SQLiteStore)(nil)
	_ ports.ProfitStore = (*SQLiteStore)(nil)
)

// NewSQLiteStore opens (or creates) the database at path and applies the
// schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteStore: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStore: apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Load reads the table for (product, term) in insertion order. No rows is an
// empty table.
func (s *SQLiteStore) Load(ctx context.Context, productCode string, term domain.Term) (*domain.OrderTable, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT acceptance_id, side, state, price, size, cycle, related_id,
		       total_commission_yen, profit, cumsum_profit, accepted_at
		FROM child_orders
		WHERE product_code = ? AND term = ?
		ORDER BY seq`,
		productCode, string(term))
	if err != nil {
		return nil, fmt.Errorf("storage.Load: query %s %s: %w", productCode, term, err)
	}
	defer rows.Close()

	table := domain.NewOrderTable()
	for rows.Next() {
		var (
			o          domain.Order
			side       string
			state      string
			cycle      string
			acceptedAt string
		)
		if err := rows.Scan(&o.AcceptanceID, &side, &state, &o.Price, &o.Size, &cycle,
			&o.RelatedID, &o.TotalCommissionYen, &o.Profit, &o.CumsumProfit, &acceptedAt); err != nil {
			return nil, fmt.Errorf("storage.Load: scan: %w", err)
		}
		o.ProductCode = productCode
		o.Side = domain.Side(side)
		o.State = domain.OrderState(state)
		o.Cycle = domain.Cycle(cycle)
		o.AcceptedAt, _ = time.Parse(time.RFC3339, acceptedAt)
		table.Upsert(o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage.Load: rows: %w", err)
	}
	return table, nil
}

// Save replaces all rows of (product, term) with the table's current
// contents in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, productCode string, term domain.Term, table *domain.OrderTable) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.Save: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM child_orders WHERE product_code = ? AND term = ?`,
		productCode, string(term)); err != nil {
		return fmt.Errorf("storage.Save: clear %s %s: %w", productCode, term, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO child_orders (
			product_code, term, seq, acceptance_id, side, state, price, size,
			cycle, related_id, total_commission_yen, profit, cumsum_profit, accepted_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("storage.Save: prepare: %w", err)
	}
	defer stmt.Close()

	for seq, o := range table.Orders() {
		if _, err := stmt.ExecContext(ctx,
			productCode, string(term), seq, o.AcceptanceID,
			string(o.Side), string(o.State), o.Price, o.Size,
			string(o.Cycle), o.RelatedID, o.TotalCommissionYen,
			o.Profit, o.CumsumProfit, o.AcceptedAt.Format(time.RFC3339)); err != nil {
			return fmt.Errorf("storage.Save: insert %s: %w", o.AcceptanceID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage.Save: commit: %w", err)
	}
	return nil
}

// SaveDaily upserts the (day, product) profit row.
func (s *SQLiteStore) SaveDaily(ctx context.Context, rec domain.ProfitRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daily_profit (day, product_code, realized, unrealized)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(day, product_code) DO UPDATE SET
			realized   = excluded.realized,
			unrealized = excluded.unrealized`,
		rec.Date.Format("2006-01-02"), rec.ProductCode, rec.Realized, rec.Unrealized)
	if err != nil {
		return fmt.Errorf("storage.SaveDaily: %s: %w", rec.ProductCode, err)
	}
	return nil
}

// History returns all profit records for a product ordered by date.
func (s *SQLiteStore) History(ctx context.Context, productCode string) ([]domain.ProfitRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT day, realized, unrealized
		FROM daily_profit
		WHERE product_code = ?
		ORDER BY day`,
		productCode)
	if err != nil {
		return nil, fmt.Errorf("storage.History: query %s: %w", productCode, err)
	}
	defer rows.Close()

	var out []domain.ProfitRecord
	for rows.Next() {
		var (
			day string
			rec domain.ProfitRecord
		)
		if err := rows.Scan(&day, &rec.Realized, &rec.Unrealized); err != nil {
			return nil, fmt.Errorf("storage.History: scan: %w", err)
		}
		rec.Date, err = time.Parse("2006-01-02", day)
		if err != nil {
			return nil, fmt.Errorf("storage.History: day %q: %w", day, err)
		}
		rec.ProductCode = productCode
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage.History: rows: %w", err)
	}
	return out, nil
}
