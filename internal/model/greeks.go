package model

import "strconv"

// Greeks holds the five option sensitivities attached to enriched ticks.
// Values stay as text because the analytics API returns a mix of numbers
// and strings, and the log transmits everything as text anyway. The zero
// value is the "no analytics available" sentinel.
type Greeks struct {
	IV    string
	Delta string
	Gamma string
	Theta string
	Vega  string
}

// GreeksSnapshot is one analytics poll result for an (underlying, expiry)
// pair. DataJSON is the raw per-contract list exactly as the API returned it.
type GreeksSnapshot struct {
	TsRecv     int64
	Underlying string
	Expiry     string // ISO date
	DataJSON   string
}

func (s GreeksSnapshot) Fields() map[string]string {
	return map[string]string{
		"ts_recv":    strconv.FormatInt(s.TsRecv, 10),
		"underlying": s.Underlying,
		"expiry":     s.Expiry,
		"data_json":  s.DataJSON,
	}
}

// LatestGreeksKey is the keyed-store entry the joiner reads snapshots from.
func LatestGreeksKey(underlying, expiry string) string {
	return "md:greeks:latest:" + underlying + ":" + expiry
}

// ActiveExpiryKey is the hash mapping underlying -> planned expiry ISO date.
const ActiveExpiryKey = "md:active_expiry"

// ActiveExpiryTsKey records when the active expiry mapping was last published.
const ActiveExpiryTsKey = "md:active_expiry:ts_ms"
