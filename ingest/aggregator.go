package ingest

import (
	"sort"

	"github.com/shopspring/decimal"
	"github.com/viktsys/optionscan/calendar"
	"github.com/viktsys/optionscan/models"
)

const (
	DefaultTopK         = 3
	DefaultClusterDepth = 10
)

// AggregateOptions tunes the per-underlying fold.
type AggregateOptions struct {
	TopK int `yaml:"top_k"`

	// ClusterDepth is how many of the most traded contracts the expiry
	// cluster is measured over.
	ClusterDepth int `yaml:"cluster_depth"`

	// StrikeBandWidth is the width of a strike band in price units. Zero picks
	// a width from the dominant strike's price level.
	StrikeBandWidth float64 `yaml:"strike_band_width"`
}

func DefaultAggregateOptions() AggregateOptions {
	return AggregateOptions{TopK: DefaultTopK, ClusterDepth: DefaultClusterDepth}
}

// Aggregate folds contracts into one aggregate per underlying. The result
// depends only on the set of snapshots, not on their order.
func Aggregate(snapshots []models.ContractSnapshot, date calendar.TradingDate, opts AggregateOptions) map[string]models.UnderlyingAggregate {
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	if opts.ClusterDepth <= 0 {
		opts.ClusterDepth = DefaultClusterDepth
	}

	groups := make(map[string][]models.ContractSnapshot)
	for _, s := range snapshots {
		groups[s.Underlying] = append(groups[s.Underlying], s)
	}

	out := make(map[string]models.UnderlyingAggregate, len(groups))
	for symbol, contracts := range groups {
		out[symbol] = aggregateUnderlying(symbol, date, contracts, opts)
	}
	return out
}

func aggregateUnderlying(symbol string, date calendar.TradingDate, contracts []models.ContractSnapshot, opts AggregateOptions) models.UnderlyingAggregate {
	agg := models.UnderlyingAggregate{Symbol: symbol, Date: date}

	var (
		oi       models.OpenInterest
		hasOI    bool
		priceKey string
	)
	for _, c := range contracts {
		switch c.Type {
		case models.Call:
			agg.CallVolume += c.Volume
			agg.CallContracts++
			if c.IsLEAP() {
				agg.LeapCallVolume += c.Volume
			}
		case models.Put:
			agg.PutVolume += c.Volume
			agg.PutContracts++
			if c.IsLEAP() {
				agg.LeapPutVolume += c.Volume
			}
		}

		if c.OpenInterest.Valid {
			hasOI = true
			if c.Type == models.Call {
				oi.Call += c.OpenInterest.Int
			} else {
				oi.Put += c.OpenInterest.Int
			}
		}

		// every contract should carry the same spot; pick one independent of input order
		if c.UnderlyingPrice.Valid && (priceKey == "" || c.Ticker < priceKey) {
			priceKey = c.Ticker
			agg.UnderlyingPrice = c.UnderlyingPrice
		}
	}

	agg.TotalVolume = agg.CallVolume + agg.PutVolume
	agg.PutCallVolumeRatio = models.SideRatio(agg.PutVolume, agg.CallVolume)
	agg.LeapCallPutRatio = models.SideRatio(agg.LeapCallVolume, agg.LeapPutVolume)
	ranked := rankContracts(contracts)
	agg.TopContracts = topContracts(ranked, agg.TotalVolume, opts.TopK)
	agg.ExpiryCluster = expiryCluster(ranked, opts.ClusterDepth)

	if hasOI {
		oi.Total = oi.Call + oi.Put
		oi.PutCallRatio = models.SideRatio(oi.Put, oi.Call)
		oi.StrikeConcentration = StrikeConcentration(contracts, opts.StrikeBandWidth)
		agg.OpenInterest = &oi
	}
	return agg
}

// lessContract orders by volume descending, then earlier expiry, lower
// strike, call before put and finally ticker.
func lessContract(a, b models.ContractSnapshot) bool {
	if a.Volume != b.Volume {
		return a.Volume > b.Volume
	}
	if !a.Expiry.Equal(b.Expiry) {
		return a.Expiry.Before(b.Expiry)
	}
	if c := a.Strike.Cmp(b.Strike); c != 0 {
		return c < 0
	}
	if a.Type != b.Type {
		return a.Type == models.Call
	}
	return a.Ticker < b.Ticker
}

// rankContracts returns the traded contracts ordered by lessContract.
func rankContracts(contracts []models.ContractSnapshot) []models.ContractSnapshot {
	ranked := make([]models.ContractSnapshot, 0, len(contracts))
	for _, c := range contracts {
		if c.Volume > 0 {
			ranked = append(ranked, c)
		}
	}
	sort.Slice(ranked, func(i, j int) bool { return lessContract(ranked[i], ranked[j]) })
	return ranked
}

func topContracts(ranked []models.ContractSnapshot, totalVolume int64, k int) []models.TopContract {
	if len(ranked) > k {
		ranked = ranked[:k]
	}

	top := make([]models.TopContract, 0, len(ranked))
	for _, c := range ranked {
		top = append(top, models.TopContract{
			Ticker:       c.Ticker,
			Type:         c.Type,
			Strike:       c.Strike,
			Expiry:       c.Expiry.Format("2006-01-02"),
			Volume:       c.Volume,
			VolumeShare:  models.Divide(float64(c.Volume), float64(totalVolume)),
			OpenInterest: c.OpenInterest,
			Moneyness:    c.Moneyness,
		})
	}
	return top
}

// expiryCluster finds the expiry shared by the most contracts among the
// depth most traded ones. Ties go to the earlier expiry.
func expiryCluster(ranked []models.ContractSnapshot, depth int) *models.ExpiryCluster {
	if len(ranked) > depth {
		ranked = ranked[:depth]
	}
	if len(ranked) == 0 {
		return nil
	}
	counts := make(map[string]int)
	for _, c := range ranked {
		counts[c.Expiry.Format("2006-01-02")]++
	}
	cluster := &models.ExpiryCluster{Depth: len(ranked)}
	for expiry, n := range counts {
		if n > cluster.Contracts || (n == cluster.Contracts && expiry < cluster.Expiry) {
			cluster.Expiry, cluster.Contracts = expiry, n
		}
	}
	return cluster
}

// AdaptiveBandWidth picks a strike band width from the price level of the strike.
func AdaptiveBandWidth(strike decimal.Decimal) decimal.Decimal {
	switch {
	case strike.LessThan(decimal.NewFromInt(50)):
		return decimal.NewFromInt(5)
	case strike.LessThan(decimal.NewFromInt(200)):
		return decimal.NewFromInt(10)
	case strike.LessThan(decimal.NewFromInt(500)):
		return decimal.NewFromInt(20)
	default:
		return decimal.NewFromInt(50)
	}
}

type strikeOI struct {
	strike decimal.Decimal
	oi     int64
}

// StrikeConcentration finds the strike band holding the most open interest.
// Bands are [k*width, (k+1)*width); ties go to the lower band. It returns nil
// when the contracts carry no open interest.
func StrikeConcentration(contracts []models.ContractSnapshot, bandWidth float64) *models.StrikeConcentration {
	byStrike := make(map[string]*strikeOI)
	var total int64
	for _, c := range contracts {
		if !c.OpenInterest.Valid || c.OpenInterest.Int <= 0 {
			continue
		}
		key := c.Strike.StringFixed(3)
		s, ok := byStrike[key]
		if !ok {
			s = &strikeOI{strike: c.Strike}
			byStrike[key] = s
		}
		s.oi += c.OpenInterest.Int
		total += c.OpenInterest.Int
	}
	if total == 0 {
		return nil
	}

	strikes := make([]strikeOI, 0, len(byStrike))
	for _, s := range byStrike {
		strikes = append(strikes, *s)
	}
	sort.Slice(strikes, func(i, j int) bool { return strikes[i].strike.LessThan(strikes[j].strike) })

	width := decimal.NewFromFloat(bandWidth)
	if !width.IsPositive() {
		peak := strikes[0]
		for _, s := range strikes[1:] {
			if s.oi > peak.oi {
				peak = s
			}
		}
		width = AdaptiveBandWidth(peak.strike)
	}

	bands := make(map[int64]int64)
	for _, s := range strikes {
		bands[s.strike.Div(width).Floor().IntPart()] += s.oi
	}
	var (
		best   int64
		bestOI int64 = -1
	)
	for idx, v := range bands {
		if v > bestOI || (v == bestOI && idx < best) {
			best, bestOI = idx, v
		}
	}

	low := width.Mul(decimal.NewFromInt(best))
	high := low.Add(width)
	var dominant strikeOI
	dominant.oi = -1
	for _, s := range strikes {
		if s.strike.LessThan(low) || !s.strike.LessThan(high) {
			continue
		}
		if s.oi > dominant.oi {
			dominant = s
		}
	}

	return &models.StrikeConcentration{
		BandLow:        low,
		BandHigh:       high,
		DominantStrike: dominant.strike,
		BandOI:         bestOI,
		Share:          models.Divide(float64(bestOI), float64(total)),
	}
}
