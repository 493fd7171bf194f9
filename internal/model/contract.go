package model

import "strconv"

// Contract identifies one option contract chosen by the subscription
// planner. Contracts are rebuilt wholesale on every planning cycle and
// never mutated afterwards.
type Contract struct {
	Token         string
	TradingSymbol string
	Underlying    string
	Expiry        string // ISO date
	Strike        float64 // currency units, scale-corrected
	CP            string  // "CE" or "PE"
	Exchange      string
}

// MetaFields is the hash stored under meta:opt:{token} so other processes
// can resolve a token back to its contract.
func (c Contract) MetaFields() map[string]string {
	return map[string]string{
		"underlying":    c.Underlying,
		"tradingsymbol": c.TradingSymbol,
		"expiry":        c.Expiry,
		"strike":        strconv.FormatFloat(c.Strike, 'f', -1, 64),
		"cp":            c.CP,
		"exchange":      c.Exchange,
	}
}
