package broker

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dgnsrekt/mdlake/internal/feed"
)

func putToken(frame []byte, token string) {
	copy(frame[offToken:offToken+25], token)
}

func putInt(frame []byte, off int, v int64) {
	binary.LittleEndian.PutUint64(frame[off:off+8], uint64(v))
}

func putDouble(frame []byte, off int, v float64) {
	binary.LittleEndian.PutUint64(frame[off:off+8], math.Float64bits(v))
}

func TestDecodeLTPFrame(t *testing.T) {
	frame := make([]byte, lenLTPFrame)
	putToken(frame, "11536")
	putInt(frame, offExchTs, 1787479200000)
	putInt(frame, offLTP, 248150) // minor units

	tick, ok := decodeTick(frame)
	if !ok {
		t.Fatal("frame rejected")
	}
	if tick.Token != "11536" {
		t.Errorf("token = %q, want 11536", tick.Token)
	}
	if tick.ExchangeTsMs != 1787479200000 {
		t.Errorf("ts = %d", tick.ExchangeTsMs)
	}
	if tick.LTP != 248150 {
		t.Errorf("ltp = %v, want raw minor units 248150", tick.LTP)
	}
	// LTP frame carries no OHLC or depth.
	if tick.Volume != 0 || tick.Open != 0 || tick.OI != 0 {
		t.Errorf("ltp frame decoded extra fields: %+v", tick)
	}
}

func TestDecodeSnapQuoteFrame(t *testing.T) {
	frame := make([]byte, lenSnapQuote)
	putToken(frame, "50001")
	putInt(frame, offExchTs, 1787479200000)
	putInt(frame, offLTP, 4155)
	putInt(frame, offVolume, 120000)
	putDouble(frame, offTBQ, 4500)
	putDouble(frame, offTSQ, 5200)
	putInt(frame, offOpen, 4000)
	putInt(frame, offHigh, 4300)
	putInt(frame, offLow, 3900)
	putInt(frame, offClose, 4100)
	putInt(frame, offOI, 987654)

	tick, ok := decodeTick(frame)
	if !ok {
		t.Fatal("frame rejected")
	}
	if tick.Volume != 120000 || tick.OI != 987654 {
		t.Errorf("volume/oi = %d/%d", tick.Volume, tick.OI)
	}
	// Depth quantities travel as doubles, not int64s.
	if tick.TBQ != 4500 || tick.TSQ != 5200 {
		t.Errorf("tbq/tsq = %d/%d, want 4500/5200", tick.TBQ, tick.TSQ)
	}
	if tick.Open != 4000 || tick.High != 4300 || tick.Low != 3900 || tick.Close != 4100 {
		t.Errorf("ohlc = %v %v %v %v", tick.Open, tick.High, tick.Low, tick.Close)
	}
}

func TestDecodeQuoteFrameHasNoOI(t *testing.T) {
	frame := make([]byte, lenQuote)
	putToken(frame, "11536")
	putInt(frame, offLTP, 248150)
	putInt(frame, offVolume, 42)

	tick, ok := decodeTick(frame)
	if !ok {
		t.Fatal("frame rejected")
	}
	if tick.Volume != 42 {
		t.Errorf("volume = %d", tick.Volume)
	}
	if tick.OI != 0 {
		t.Errorf("oi = %d, want 0 for quote frame", tick.OI)
	}
}

func TestDecodeShortFrameRejected(t *testing.T) {
	if _, ok := decodeTick(make([]byte, lenLTPFrame-1)); ok {
		t.Error("short frame must be rejected")
	}
}

// Subscribes fire from the read-loop goroutine while the heartbeat writes
// from its own; the connection permits one writer at a time, so concurrent
// Subscribe calls must come out as whole, well-formed frames.
func TestConcurrentSubscribesAreSerialized(t *testing.T) {
	frames := make(chan []byte, 256)
	var upgrader websocket.Upgrader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			_, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			frames <- data
		}
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	f := &Feed{conn: conn, logger: zap.NewNop()}

	const writers, perWriter = 8, 10
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				id := fmt.Sprintf("OPT%02d", i)
				if err := f.Subscribe(id, feed.ModeSnapQuote, feed.ExchangeNSEFO, []string{"50001", "50002"}); err != nil {
					t.Errorf("subscribe %s: %v", id, err)
				}
			}
		}(i)
	}
	wg.Wait()
	conn.Close()

	for n := 0; n < writers*perWriter; n++ {
		select {
		case data := <-frames:
			var req subscribeRequest
			if err := json.Unmarshal(data, &req); err != nil {
				t.Fatalf("frame %d is not valid JSON: %v", n, err)
			}
			if req.Action != 1 || len(req.Params.TokenList) != 1 {
				t.Fatalf("frame %d malformed: %+v", n, req)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of %d frames arrived", n, writers*perWriter)
		}
	}
}

func TestTokenStringStopsAtNull(t *testing.T) {
	b := make([]byte, 25)
	copy(b, "2885")
	if got := tokenString(b); got != "2885" {
		t.Errorf("tokenString = %q, want 2885", got)
	}
	full := []byte("1234567890123456789012345")
	if got := tokenString(full); got != "1234567890123456789012345" {
		t.Errorf("tokenString full = %q", got)
	}
}
