package catalog

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/dgnsrekt/mdlake/internal/model"
)

// Plan derives the at-the-money option contracts to track for one
// underlying: nearest expiry today or later, strike step from the minimum
// positive spacing of available strikes, ATM at the spot rounded to that
// step, then the nearest call and put for every rung of the
// [-strikesAround, +strikesAround] ladder.
//
// A resolution miss (no option rows, no future expiry, no strikes, or one
// side of the chain entirely absent) returns no contracts; the resolved
// expiry is still reported when one was found so callers can publish it.
func (c *Catalog) Plan(underlying string, spot float64, strikesAround int) ([]model.Contract, string) {
	underlying = strings.ToUpper(underlying)

	cands := c.candidates(underlying)
	if len(cands) == 0 {
		return nil, ""
	}

	expiry, ok := nearestExpiry(cands, c.now())
	if !ok {
		return nil, ""
	}
	expiryISO := expiry.Format("2006-01-02")

	var chain []optionRow
	for _, opt := range cands {
		if opt.expiry.Equal(expiry) {
			chain = append(chain, opt)
		}
	}

	raw := make([]float64, 0, len(chain))
	for _, opt := range chain {
		if opt.strike > 0 {
			raw = append(raw, opt.strike)
		}
	}
	if len(raw) == 0 {
		return nil, ""
	}

	// Some catalogs encode strikes in minor units; a median an order of
	// magnitude past the spot gives that away.
	scale := 1.0
	if spot > 0 && median(raw) > spot*10 {
		scale = 100.0
	}

	strikes := make([]float64, len(raw))
	for i, v := range raw {
		strikes[i] = v / scale
	}
	step := strikeStep(strikes)
	atm := math.Round(spot/step) * step

	var calls, puts []optionRow
	for _, opt := range chain {
		switch opt.cp {
		case "CE":
			calls = append(calls, opt)
		case "PE":
			puts = append(puts, opt)
		}
	}
	if len(calls) == 0 || len(puts) == 0 {
		return nil, expiryISO
	}

	var contracts []model.Contract
	for i := -strikesAround; i <= strikesAround; i++ {
		target := atm + float64(i)*step
		for _, opt := range []optionRow{nearestStrike(calls, target, scale), nearestStrike(puts, target, scale)} {
			strike := opt.strike / scale
			if strike == 0 {
				strike = target
			}
			contracts = append(contracts, model.Contract{
				Token:         opt.token,
				TradingSymbol: opt.symbol,
				Underlying:    underlying,
				Expiry:        expiryISO,
				Strike:        strike,
				CP:            opt.cp,
				Exchange:      "NFO",
			})
		}
	}
	return contracts, expiryISO
}

// candidates returns the NFO option rows for an underlying, preferring the
// name index and falling back to a symbol-prefix scan.
func (c *Catalog) candidates(underlying string) []optionRow {
	if idxs, ok := c.optionsByName[underlying]; ok {
		out := make([]optionRow, 0, len(idxs))
		for _, i := range idxs {
			if strings.HasPrefix(c.options[i].symbol, underlying) {
				out = append(out, c.options[i])
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	var out []optionRow
	for _, opt := range c.options {
		if strings.HasPrefix(opt.symbol, underlying) {
			out = append(out, opt)
		}
	}
	return out
}

func nearestExpiry(opts []optionRow, now time.Time) (time.Time, bool) {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	var best time.Time
	found := false
	for _, opt := range opts {
		if opt.expiry.IsZero() || opt.expiry.Before(today) {
			continue
		}
		if !found || opt.expiry.Before(best) {
			best = opt.expiry
			found = true
		}
	}
	return best, found
}

// strikeStep is the minimum positive difference between consecutive distinct
// strikes, defaulting to 1 when fewer than two distinct strikes exist.
func strikeStep(strikes []float64) float64 {
	distinct := make([]float64, 0, len(strikes))
	seen := make(map[float64]struct{}, len(strikes))
	for _, v := range strikes {
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			distinct = append(distinct, v)
		}
	}
	if len(distinct) < 2 {
		return 1
	}
	sort.Float64s(distinct)

	step := 0.0
	for i := 1; i < len(distinct); i++ {
		d := distinct[i] - distinct[i-1]
		if d > 0 && (step == 0 || d < step) {
			step = d
		}
	}
	if step == 0 {
		return 1
	}
	return step
}

// nearestStrike picks the first row minimizing absolute strike distance;
// catalog order breaks ties.
func nearestStrike(opts []optionRow, target, scale float64) optionRow {
	best := opts[0]
	bestDiff := math.Abs(best.strike/scale - target)
	for _, opt := range opts[1:] {
		if d := math.Abs(opt.strike/scale - target); d < bestDiff {
			best = opt
			bestDiff = d
		}
	}
	return best
}

func median(vals []float64) float64 {
	s := make([]float64, len(vals))
	copy(s, vals)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}
