package domain

import "time"

// ProfitRecord is one day of realized and unrealized profit for a product.
// Realized comes from the short table's sell fills; unrealized marks held
// long positions to the current price.
type ProfitRecord struct {
	Date        time.Time
	ProductCode string
	Realized    float64
	Unrealized  float64
}

// Total is realized plus unrealized profit.
func (r ProfitRecord) Total() float64 {
	return r.Realized + r.Unrealized
}

// RollupProfits groups daily records by the given date layout ("2006-01" for
// months, "2006" for years). Daily records carry cumulative snapshots, so
// each period keeps the record from its latest day. Periods come back in
// ascending date order.
func RollupProfits(records []ProfitRecord, layout string) []ProfitRecord {
	byPeriod := make(map[string]int)
	latest := make(map[string]time.Time)
	var out []ProfitRecord
	for _, rec := range records {
		key := rec.Date.Format(layout)
		i, ok := byPeriod[key]
		if !ok {
			start, err := time.Parse(layout, key)
			if err != nil {
				start = rec.Date
			}
			byPeriod[key] = len(out)
			latest[key] = rec.Date
			out = append(out, ProfitRecord{
				Date:        start,
				ProductCode: rec.ProductCode,
				Realized:    rec.Realized,
				Unrealized:  rec.Unrealized,
			})
			continue
		}
		if rec.Date.Before(latest[key]) {
			continue
		}
		latest[key] = rec.Date
		out[i].Realized = rec.Realized
		out[i].Unrealized = rec.Unrealized
	}
	return out
}
