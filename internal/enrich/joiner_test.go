package enrich

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/mdlake/internal/model"
	"github.com/dgnsrekt/mdlake/internal/stream"
)

type fakeLog struct {
	added  []map[string]string
	addErr error
}

func (f *fakeLog) EnsureGroup(ctx context.Context, s, g string) error { return nil }

func (f *fakeLog) Add(ctx context.Context, s string, fields map[string]string, maxLen int64) error {
	if f.addErr != nil {
		return f.addErr
	}
	f.added = append(f.added, fields)
	return nil
}

func (f *fakeLog) ReadGroup(ctx context.Context, args stream.ReadArgs) ([]stream.Message, error) {
	return nil, nil
}

func (f *fakeLog) Ack(ctx context.Context, s, g string, ids ...string) error { return nil }

func (f *fakeLog) Delete(ctx context.Context, s string, ids ...string) error { return nil }

func optionMsg(id string) stream.Message {
	return stream.Message{ID: id, Fields: map[string]string{
		"token":         "43125",
		"tradingsymbol": "TCS27JAN263100CE",
		"underlying":    "TCS",
		"expiry":        "2026-01-27",
		"ltp":           "41.55",
		"ts_recv":       "1787479200000",
	}}
}

func newTestJoiner(log *fakeLog, store *fakeStore) *Joiner {
	cache := NewCache(store, time.Minute, zap.NewNop())
	return NewJoiner(log, cache, JoinerConfig{OutStream: "md:features:opt", OutMaxLen: 1000}, zap.NewNop())
}

func TestProcessAttachesCachedGreeks(t *testing.T) {
	store := newFakeStore()
	store.latest[model.LatestGreeksKey("TCS", "2026-01-27")] = snapshot
	log := &fakeLog{}
	j := newTestJoiner(log, store)

	ids, err := j.Process(context.Background(), []stream.Message{optionMsg("1-0")})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(ids) != 1 || ids[0] != "1-0" {
		t.Fatalf("ids = %v, want [1-0]", ids)
	}

	out := log.added[0]
	if out["delta"] != "0.52" || out["iv"] != "18.25" {
		t.Errorf("analytics not attached: %v", out)
	}
	if out["ltp"] != "41.55" || out["token"] != "43125" {
		t.Errorf("original fields altered: %v", out)
	}
}

// No analytics for the contract: the tick still flows through with the five
// analytics fields present but empty.
func TestProcessPassesThroughWithoutGreeks(t *testing.T) {
	log := &fakeLog{}
	j := newTestJoiner(log, newFakeStore())

	ids, err := j.Process(context.Background(), []stream.Message{optionMsg("1-0")})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("ids = %v, want one", ids)
	}

	out := log.added[0]
	for _, k := range []string{"iv", "delta", "gamma", "theta", "vega"} {
		v, ok := out[k]
		if !ok {
			t.Errorf("missing analytics field %q", k)
		}
		if v != "" {
			t.Errorf("%s = %q, want empty", k, v)
		}
	}
	if out["ltp"] != "41.55" || out["ts_recv"] != "1787479200000" {
		t.Errorf("original fields altered: %v", out)
	}
}

func TestProcessRepublishFailureWithholdsBatch(t *testing.T) {
	log := &fakeLog{addErr: errors.New("stream unavailable")}
	j := newTestJoiner(log, newFakeStore())

	ids, err := j.Process(context.Background(), []stream.Message{optionMsg("1-0"), optionMsg("2-0")})
	if err == nil {
		t.Fatal("want error when republish fails")
	}
	if ids != nil {
		t.Errorf("ids = %v, want nil on failure", ids)
	}
}
