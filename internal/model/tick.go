package model

import (
	"strconv"
	"time"
)

// EquityTick is one price update for a cash-market instrument. All stream
// fields are transmitted as text; zero-valued prices serialize as empty
// strings so downstream readers can tell "absent" from a real quote.
type EquityTick struct {
	TsRecv int64 // ingest time, unix ms
	TsExch int64 // exchange time, unix ms, 0 when the feed omitted it
	Token  string
	Symbol string
	LTP    float64
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
	TBQ    int64 // total buy quantity
	TSQ    int64 // total sell quantity
}

func (t EquityTick) Fields() map[string]string {
	return map[string]string{
		"ts_recv": strconv.FormatInt(t.TsRecv, 10),
		"ts_exch": formatInt(t.TsExch),
		"token":   t.Token,
		"symbol":  t.Symbol,
		"ltp":     formatPrice(t.LTP),
		"o":       formatPrice(t.Open),
		"h":       formatPrice(t.High),
		"l":       formatPrice(t.Low),
		"c":       formatPrice(t.Close),
		"vol":     formatInt(t.Volume),
		"tbq":     formatInt(t.TBQ),
		"tsq":     formatInt(t.TSQ),
	}
}

// OptionTick is one price update for an option contract, carrying the
// contract identity alongside the quote.
type OptionTick struct {
	TsRecv        int64
	TsExch        int64
	Token         string
	Underlying    string
	TradingSymbol string
	Expiry        string // ISO date
	Strike        float64
	CP            string // "CE" or "PE"
	LTP           float64
	OI            int64
	Volume        int64
	Open          float64
	High          float64
	Low           float64
	Close         float64
	TBQ           int64
	TSQ           int64
}

func (t OptionTick) Fields() map[string]string {
	return map[string]string{
		"ts_recv":       strconv.FormatInt(t.TsRecv, 10),
		"ts_exch":       formatInt(t.TsExch),
		"token":         t.Token,
		"underlying":    t.Underlying,
		"tradingsymbol": t.TradingSymbol,
		"expiry":        t.Expiry,
		"strike":        strconv.FormatFloat(t.Strike, 'f', -1, 64),
		"cp":            t.CP,
		"ltp":           formatPrice(t.LTP),
		"oi":            formatInt(t.OI),
		"vol":           formatInt(t.Volume),
		"o":             formatPrice(t.Open),
		"h":             formatPrice(t.High),
		"l":             formatPrice(t.Low),
		"c":             formatPrice(t.Close),
		"tbq":           formatInt(t.TBQ),
		"tsq":           formatInt(t.TSQ),
	}
}

// OptionTickFromFields decodes leniently: missing or malformed values become
// zero values, never errors, so one bad message cannot wedge a consumer group.
func OptionTickFromFields(f map[string]string) OptionTick {
	return OptionTick{
		TsRecv:        parseInt(f["ts_recv"]),
		TsExch:        parseInt(f["ts_exch"]),
		Token:         f["token"],
		Underlying:    f["underlying"],
		TradingSymbol: f["tradingsymbol"],
		Expiry:        f["expiry"],
		Strike:        parseFloat(f["strike"]),
		CP:            f["cp"],
		LTP:           parseFloat(f["ltp"]),
		OI:            parseInt(f["oi"]),
		Volume:        parseInt(f["vol"]),
		Open:          parseFloat(f["o"]),
		High:          parseFloat(f["h"]),
		Low:           parseFloat(f["l"]),
		Close:         parseFloat(f["c"]),
		TBQ:           parseInt(f["tbq"]),
		TSQ:           parseInt(f["tsq"]),
	}
}

// NowMillis returns the current wall clock as unix milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// PaiseToRupees converts a minor-unit price from the wire into currency units.
func PaiseToRupees(paise float64) float64 {
	return paise / 100.0
}

func formatPrice(v float64) string {
	if v == 0 {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatInt(v int64) string {
	if v == 0 {
		return ""
	}
	return strconv.FormatInt(v, 10)
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func parseInt(s string) int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
