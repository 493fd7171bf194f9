// Package feed turns broker push-channel ticks into log entries and owns the
// option subscription plan: once enough spot prices are known (or the warmup
// window elapses), it plans at-the-money contracts per underlying, subscribes
// to them, and publishes the active expiry mapping for the analytics poller.
package feed

import "github.com/dgnsrekt/mdlake/internal/model"

// Subscription modes understood by the broker transport.
const (
	ModeLTP       = 1
	ModeQuote     = 2
	ModeSnapQuote = 3
)

// Exchange segments understood by the broker transport.
const (
	ExchangeNSECM = 1 // NSE cash market
	ExchangeNSEFO = 2 // NSE futures & options
)

// RawTick is one decoded push-channel update, prices still in minor units.
type RawTick struct {
	Token        string
	ExchangeTsMs int64
	LTP          float64
	Open         float64
	High         float64
	Low          float64
	Close        float64
	Volume       int64
	OI           int64
	TBQ          int64
	TSQ          int64
}

// Subscriber is the transport-side contract the manager drives. Subscribe
// registers interest in tokens on one exchange segment; the transport owns
// framing and any per-message token limits below the batch size the manager
// already respects.
type Subscriber interface {
	Subscribe(correlationID string, mode, exchangeType int, tokens []string) error
}

// Planner derives the option contracts and active expiry for one underlying.
type Planner interface {
	Plan(underlying string, spot float64, strikesAround int) ([]model.Contract, string)
}
