package broker

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dgnsrekt/mdlake/internal/feed"
)

const (
	feedURL = "wss://smartapisocket.angelone.in/smart-stream"

	// Server expects a heartbeat at least every 30s.
	heartbeatPeriod = 25 * time.Second
	writeWait       = 10 * time.Second
)

// Feed is the broker push-channel client. It dials with the session's
// identification headers, sends JSON subscribe frames, answers the
// heartbeat, and decodes the binary quote frames into feed.RawTick values
// for the single read loop to dispatch.
type Feed struct {
	conn   *websocket.Conn
	logger *zap.Logger
	onTick func(feed.RawTick)

	// Guards all frame writes: subscribes run on the read-loop goroutine
	// while the heartbeat ticks on its own, and the connection allows only
	// one writer at a time.
	writeMu sync.Mutex
}

func DialFeed(ctx context.Context, session *Session, onTick func(feed.RawTick), logger *zap.Logger) (*Feed, error) {
	header := http.Header{}
	header.Set("Authorization", session.AuthToken)
	header.Set("x-api-key", session.APIKey)
	header.Set("x-client-code", session.ClientCode)
	header.Set("x-feed-token", session.FeedToken)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, feedURL, header)
	if err != nil {
		return nil, fmt.Errorf("dialing feed: %w", err)
	}

	logger.Info("feed connected")
	return &Feed{conn: conn, logger: logger, onTick: onTick}, nil
}

type subscribeRequest struct {
	CorrelationID string          `json:"correlationID"`
	Action        int             `json:"action"`
	Params        subscribeParams `json:"params"`
}

type subscribeParams struct {
	Mode      int         `json:"mode"`
	TokenList []tokenList `json:"tokenList"`
}

type tokenList struct {
	ExchangeType int      `json:"exchangeType"`
	Tokens       []string `json:"tokens"`
}

// Subscribe implements feed.Subscriber.
func (f *Feed) Subscribe(correlationID string, mode, exchangeType int, tokens []string) error {
	req := subscribeRequest{
		CorrelationID: correlationID,
		Action:        1,
		Params: subscribeParams{
			Mode:      mode,
			TokenList: []tokenList{{ExchangeType: exchangeType, Tokens: tokens}},
		},
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding subscribe %s: %w", correlationID, err)
	}
	if err := f.write(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("subscribing %s (%d tokens): %w", correlationID, len(tokens), err)
	}
	return nil
}

func (f *Feed) write(messageType int, data []byte) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	_ = f.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return f.conn.WriteMessage(messageType, data)
}

// Run reads frames until ctx is cancelled or the connection drops. Binary
// frames are decoded and dispatched; text frames are heartbeat replies and
// are ignored.
func (f *Feed) Run(ctx context.Context) error {
	defer f.conn.Close()

	go f.heartbeat(ctx)
	go func() {
		<-ctx.Done()
		// Unblocks the read loop promptly on shutdown.
		_ = f.conn.Close()
	}()

	for {
		msgType, data, err := f.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				f.logger.Info("feed closed")
				return nil
			}
			return fmt.Errorf("reading feed: %w", err)
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		tick, ok := decodeTick(data)
		if !ok {
			f.logger.Debug("short feed frame", zap.Int("bytes", len(data)))
			continue
		}
		f.onTick(tick)
	}
}

func (f *Feed) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.write(websocket.TextMessage, []byte("ping")); err != nil {
				f.logger.Warn("heartbeat failed", zap.Error(err))
				return
			}
		}
	}
}

// Binary frame layout (little-endian): mode and exchange bytes, a 25-byte
// null-padded token, then fixed-width int64 fields. Quote frames stop after
// the OHLC block; snap-quote frames add open interest.
const (
	offToken     = 2
	offExchTs    = 35
	offLTP       = 43
	offVolume    = 67
	offTBQ       = 75
	offTSQ       = 83
	offOpen      = 91
	offHigh      = 99
	offLow       = 107
	offClose     = 115
	offOI        = 131
	lenLTPFrame  = 51
	lenQuote     = 123
	lenSnapQuote = 139
)

func decodeTick(data []byte) (feed.RawTick, bool) {
	if len(data) < lenLTPFrame {
		return feed.RawTick{}, false
	}

	tick := feed.RawTick{
		Token:        tokenString(data[offToken : offToken+25]),
		ExchangeTsMs: int64(binary.LittleEndian.Uint64(data[offExchTs : offExchTs+8])),
		LTP:          float64(int64(binary.LittleEndian.Uint64(data[offLTP : offLTP+8]))),
	}

	if len(data) >= lenQuote {
		tick.Volume = int64(binary.LittleEndian.Uint64(data[offVolume : offVolume+8]))
		// Buy/sell quantities are transmitted as doubles.
		tick.TBQ = int64(math.Float64frombits(binary.LittleEndian.Uint64(data[offTBQ : offTBQ+8])))
		tick.TSQ = int64(math.Float64frombits(binary.LittleEndian.Uint64(data[offTSQ : offTSQ+8])))
		tick.Open = float64(int64(binary.LittleEndian.Uint64(data[offOpen : offOpen+8])))
		tick.High = float64(int64(binary.LittleEndian.Uint64(data[offHigh : offHigh+8])))
		tick.Low = float64(int64(binary.LittleEndian.Uint64(data[offLow : offLow+8])))
		tick.Close = float64(int64(binary.LittleEndian.Uint64(data[offClose : offClose+8])))
	}
	if len(data) >= lenSnapQuote {
		tick.OI = int64(binary.LittleEndian.Uint64(data[offOI : offOI+8]))
	}
	return tick, true
}

func tokenString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
