package fetcher

import (
	"github.com/viktsys/optionscan/calendar"
	"github.com/viktsys/optionscan/ingest"
	"github.com/viktsys/optionscan/models"
)

// OIDetail is the open-interest side of one underlying, built from its chain.
type OIDetail struct {
	Symbol          string
	OpenInterest    *models.OpenInterest
	ContractOI      map[string]int64
	UnderlyingPrice models.NullFloat
}

// DetailFromChain folds a parsed option chain into an OIDetail.
func DetailFromChain(symbol string, date calendar.TradingDate, contracts []models.ContractSnapshot, opts ingest.AggregateOptions) OIDetail {
	d := OIDetail{Symbol: symbol, ContractOI: make(map[string]int64)}
	for _, c := range contracts {
		if c.OpenInterest.Valid && c.Ticker != "" {
			d.ContractOI[c.Ticker] = c.OpenInterest.Int
		}
	}
	if agg, ok := ingest.Aggregate(contracts, date, opts)[symbol]; ok {
		d.OpenInterest = agg.OpenInterest
		d.UnderlyingPrice = agg.UnderlyingPrice
	}
	return d
}

// MergeOpenInterest supplements volume-side aggregates with OI detail keyed by
// symbol. Detail for a symbol with no volume-side aggregate is dropped. It
// returns how many aggregates gained open interest and how many details were dropped.
func MergeOpenInterest(aggs map[string]models.UnderlyingAggregate, details []OIDetail) (merged, dropped int) {
	for _, d := range details {
		agg, ok := aggs[d.Symbol]
		if !ok {
			dropped++
			continue
		}
		if !agg.UnderlyingPrice.Valid {
			agg.UnderlyingPrice = d.UnderlyingPrice
		}
		if d.OpenInterest != nil {
			oi := *d.OpenInterest
			agg.OpenInterest = &oi
			merged++

			top := make([]models.TopContract, len(agg.TopContracts))
			copy(top, agg.TopContracts)
			for i := range top {
				if v, ok := d.ContractOI[top[i].Ticker]; ok {
					top[i].OpenInterest = models.Int(v)
				}
			}
			agg.TopContracts = top
		}
		aggs[d.Symbol] = agg
	}
	return merged, dropped
}
