package ports

import (
	"context"

	"github.com/ymiyake/flyerbot/internal/domain"
)

// TableStore persists one order table per (product, term). Implementations
// rewrite the whole table on every save; there is no append-only log. A
// missing table loads as empty, not as an error.
type TableStore interface {
	Load(ctx context.Context, productCode string, term domain.Term) (*domain.OrderTable, error)
	Save(ctx context.Context, productCode string, term domain.Term, table *domain.OrderTable) error
}

// ProfitStore persists daily profit rollups.
type ProfitStore interface {
	// SaveDaily upserts the record for its (date, product) slot.
	SaveDaily(ctx context.Context, rec domain.ProfitRecord) error

	// History returns all records for a product ordered by date.
	History(ctx context.Context, productCode string) ([]domain.ProfitRecord, error)
}
