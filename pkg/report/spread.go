package report

// Spread summarizes a product's latest prices across shops, in the currency
// most shops use.
type Spread struct {
	Currency      string  `json:"currency"`
	Shops         int     `json:"shops"`
	MinCents      int64   `json:"min_cents"`
	MaxCents      int64   `json:"max_cents"`
	MedianCents   float64 `json:"median_cents"`
	MinCompetitor int64   `json:"min_competitor_id"`
	MaxCompetitor int64   `json:"max_competitor_id"`
}

// Position labels.
const (
	PosOnly          = "only-shop"
	PosCheapest      = "cheapest"
	PosMostExpensive = "most-expensive"
	PosBelowMedian   = "below-median"
	PosAtMedian      = "at-median"
	PosAboveMedian   = "above-median"
	PosNotListed     = "not-listed"
)

// Position is where the reference shop sits in a Spread.
type Position struct {
	CompetitorID       int64   `json:"competitor_id"`
	Label              string  `json:"label"`
	Rank               int     `json:"rank,omitempty"`
	Of                 int     `json:"of,omitempty"`
	PriceCents         *int64  `json:"price_cents,omitempty"`
	DeltaToMinCents    int64   `json:"delta_to_min_cents,omitempty"`
	DeltaToMedianCents float64 `json:"delta_to_median_cents,omitempty"`
}

// spread computes min, max and median over prices sorted ascending.
func spread(prices []shopPrice) *Spread {
	prices = dominantCurrency(prices)
	if len(prices) == 0 {
		return nil
	}
	n := len(prices)
	s := &Spread{
		Currency:      prices[0].Currency,
		Shops:         n,
		MinCents:      prices[0].Cents,
		MaxCents:      prices[n-1].Cents,
		MinCompetitor: prices[0].CompetitorID,
		MaxCompetitor: prices[n-1].CompetitorID,
	}
	if n%2 == 1 {
		s.MedianCents = float64(prices[n/2].Cents)
	} else {
		s.MedianCents = float64(prices[n/2-1].Cents+prices[n/2].Cents) / 2
	}
	return s
}

func dominantCurrency(prices []shopPrice) []shopPrice {
	counts := make(map[string]int)
	best := ""
	for _, p := range prices {
		counts[p.Currency]++
		if c := counts[p.Currency]; c > counts[best] || (c == counts[best] && p.Currency < best) {
			best = p.Currency
		}
	}
	out := prices[:0:0]
	for _, p := range prices {
		if p.Currency == best {
			out = append(out, p)
		}
	}
	return out
}

func position(prices []shopPrice, s *Spread, competitorID int64) *Position {
	pos := &Position{CompetitorID: competitorID, Label: PosNotListed}
	if s == nil {
		return pos
	}
	prices = dominantCurrency(prices)

	var ref *shopPrice
	for i := range prices {
		if prices[i].CompetitorID == competitorID {
			ref = &prices[i]
			break
		}
	}
	if ref == nil {
		return pos
	}

	rank := 1
	for _, p := range prices {
		if p.Cents < ref.Cents {
			rank++
		}
	}
	cents := ref.Cents
	pos.PriceCents = &cents
	pos.Rank = rank
	pos.Of = s.Shops
	pos.DeltaToMinCents = cents - s.MinCents
	pos.DeltaToMedianCents = float64(cents) - s.MedianCents

	switch {
	case s.Shops == 1:
		pos.Label = PosOnly
	case cents == s.MinCents:
		pos.Label = PosCheapest
	case cents == s.MaxCents:
		pos.Label = PosMostExpensive
	case float64(cents) < s.MedianCents:
		pos.Label = PosBelowMedian
	case float64(cents) > s.MedianCents:
		pos.Label = PosAboveMedian
	default:
		pos.Label = PosAtMedian
	}
	return pos
}
