package consumer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/mdlake/internal/stream"
)

// fakeLog simulates a consumer-grouped stream with per-consumer pending
// lists: a ">" read delivers unread entries and marks them pending for the
// calling consumer, a cursor read replays only that consumer's pending
// entries after the cursor, and Ack removes an entry no matter which
// consumer holds it.
type fakeLog struct {
	entries   []stream.Message
	delivered int
	pending   map[string]map[string]bool // consumer -> unacked delivery ids
	acked     []string
	deleted   []string
	groups    []string
	readErr   error
}

func newFakeLog(msgs ...stream.Message) *fakeLog {
	return &fakeLog{entries: msgs, pending: make(map[string]map[string]bool)}
}

func (f *fakeLog) pendingFor(consumer string) map[string]bool {
	if f.pending[consumer] == nil {
		f.pending[consumer] = make(map[string]bool)
	}
	return f.pending[consumer]
}

func (f *fakeLog) totalPending() int {
	n := 0
	for _, own := range f.pending {
		n += len(own)
	}
	return n
}

func (f *fakeLog) EnsureGroup(ctx context.Context, s, g string) error {
	f.groups = append(f.groups, s+"/"+g)
	return nil
}

func (f *fakeLog) Add(ctx context.Context, s string, fields map[string]string, maxLen int64) error {
	return nil
}

func (f *fakeLog) ReadGroup(ctx context.Context, args stream.ReadArgs) ([]stream.Message, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	if args.ID == ">" {
		own := f.pendingFor(args.Consumer)
		var out []stream.Message
		for f.delivered < len(f.entries) && int64(len(out)) < args.Count {
			m := f.entries[f.delivered]
			own[m.ID] = true
			out = append(out, m)
			f.delivered++
		}
		return out, nil
	}
	own := f.pendingFor(args.Consumer)
	var out []stream.Message
	for _, m := range f.entries {
		if m.ID > args.ID && own[m.ID] && int64(len(out)) < args.Count {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeLog) Ack(ctx context.Context, s, g string, ids ...string) error {
	for _, id := range ids {
		for _, own := range f.pending {
			delete(own, id)
		}
		f.acked = append(f.acked, id)
	}
	return nil
}

func (f *fakeLog) Delete(ctx context.Context, s string, ids ...string) error {
	f.deleted = append(f.deleted, ids...)
	return nil
}

func msg(id string) stream.Message {
	return stream.Message{ID: id, Fields: map[string]string{"token": "123"}}
}

func testConfig() Config {
	return Config{Stream: "md:ticks:opt", Group: "g", Consumer: "c1", ReadCount: 2, Block: time.Millisecond}
}

// Simulates a crashed consumer: three delivered-but-unacked entries must be
// replayed and acknowledged before any new message is seen.
func TestRecoveryReplaysPendingBeforeNewMessages(t *testing.T) {
	log := newFakeLog(msg("1-0"), msg("2-0"), msg("3-0"), msg("4-0"))
	// First three were delivered before the "crash".
	log.delivered = 3
	for _, id := range []string{"1-0", "2-0", "3-0"} {
		log.pendingFor("c1")[id] = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	var order []string
	process := func(ctx context.Context, msgs []stream.Message) ([]string, error) {
		ids := make([]string, 0, len(msgs))
		for _, m := range msgs {
			order = append(order, m.ID)
			ids = append(ids, m.ID)
		}
		if len(msgs) > 0 && msgs[len(msgs)-1].ID == "4-0" {
			cancel()
		}
		return ids, nil
	}

	engine := New(log, testConfig(), process, zap.NewNop())
	if err := engine.Run(ctx); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	want := []string{"1-0", "2-0", "3-0", "4-0"}
	if fmt.Sprint(order) != fmt.Sprint(want) {
		t.Errorf("processing order = %v, want %v", order, want)
	}
	sort.Strings(log.acked)
	if fmt.Sprint(log.acked) != fmt.Sprint(want) {
		t.Errorf("acked = %v, want %v", log.acked, want)
	}
	if log.totalPending() != 0 {
		t.Errorf("pending not drained: %v", log.pending)
	}
}

// A full restart cycle: the first run reads a batch and dies before acking,
// the second run comes back under the same consumer identity and finishes
// the in-flight work during recovery.
func TestRestartReplaysCrashedBatch(t *testing.T) {
	log := newFakeLog(msg("1-0"), msg("2-0"))
	cfg := testConfig()

	ctx1, cancel1 := context.WithCancel(context.Background())
	crashed := New(log, cfg, func(ctx context.Context, msgs []stream.Message) ([]string, error) {
		if len(msgs) == 0 {
			return nil, nil
		}
		cancel1()
		return nil, errors.New("killed before ack")
	}, zap.NewNop())
	if err := crashed.Run(ctx1); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if len(log.pendingFor(cfg.Consumer)) != 2 {
		t.Fatalf("crash setup failed, pending = %v", log.pending)
	}

	ctx2, cancel2 := context.WithCancel(context.Background())
	var replayed []string
	restarted := New(log, cfg, func(ctx context.Context, msgs []stream.Message) ([]string, error) {
		if len(msgs) == 0 {
			cancel2()
			return nil, nil
		}
		ids := make([]string, 0, len(msgs))
		for _, m := range msgs {
			ids = append(ids, m.ID)
		}
		replayed = append(replayed, ids...)
		return ids, nil
	}, zap.NewNop())
	if err := restarted.Run(ctx2); err != nil {
		t.Fatalf("second run: %v", err)
	}

	if fmt.Sprint(replayed) != "[1-0 2-0]" {
		t.Errorf("replayed = %v, want [1-0 2-0]", replayed)
	}
	if log.totalPending() != 0 {
		t.Errorf("pending not drained after restart: %v", log.pending)
	}
}

// A processing failure must withhold acknowledgment so the messages stay in
// the pending-entries list for a later replay.
func TestFailedBatchIsNotAcked(t *testing.T) {
	log := newFakeLog(msg("1-0"), msg("2-0"))

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	process := func(ctx context.Context, msgs []stream.Message) ([]string, error) {
		if len(msgs) == 0 {
			return nil, nil
		}
		calls++
		if calls >= 1 {
			cancel()
		}
		return nil, errors.New("downstream write failed")
	}

	engine := New(log, testConfig(), process, zap.NewNop())
	if err := engine.Run(ctx); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if len(log.acked) != 0 {
		t.Errorf("acked = %v, want none", log.acked)
	}
	own := log.pendingFor("c1")
	if !own["1-0"] || !own["2-0"] {
		t.Errorf("messages should remain pending, got %v", log.pending)
	}
}

// Recovery must terminate even when a poisoned batch keeps failing; the
// cursor advances past it and the entries stay pending for the next run.
func TestRecoveryAdvancesPastFailingBatch(t *testing.T) {
	log := newFakeLog(msg("1-0"), msg("2-0"), msg("3-0"))
	log.delivered = 3
	for _, id := range []string{"1-0", "2-0", "3-0"} {
		log.pendingFor("c1")[id] = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	process := func(ctx context.Context, msgs []stream.Message) ([]string, error) {
		if len(msgs) == 0 {
			// Recovery finished without acking anything.
			cancel()
			return nil, nil
		}
		return nil, errors.New("still broken")
	}

	engine := New(log, testConfig(), process, zap.NewNop())

	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("recovery did not terminate")
	}

	if len(log.pendingFor("c1")) != 3 {
		t.Errorf("want 3 still-pending messages, got %v", log.pending)
	}
}

// Only the IDs the processor reports as durable may be acknowledged.
func TestPartialAckFollowsProcessor(t *testing.T) {
	log := newFakeLog(msg("1-0"), msg("2-0"))

	ctx, cancel := context.WithCancel(context.Background())
	process := func(ctx context.Context, msgs []stream.Message) ([]string, error) {
		if len(msgs) == 0 {
			cancel()
			return nil, nil
		}
		// Pretend only the first message's effect committed.
		return []string{msgs[0].ID}, nil
	}

	engine := New(log, testConfig(), process, zap.NewNop())
	if err := engine.Run(ctx); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if fmt.Sprint(log.acked) != "[1-0]" {
		t.Errorf("acked = %v, want [1-0]", log.acked)
	}
	if !log.pendingFor("c1")["2-0"] {
		t.Error("unreported message should remain pending")
	}
}

// A read failure is fatal and surfaces to the operator.
func TestReadErrorIsFatal(t *testing.T) {
	log := newFakeLog()
	log.readErr = errors.New("connection reset")

	engine := New(log, testConfig(), func(ctx context.Context, msgs []stream.Message) ([]string, error) {
		return nil, nil
	}, zap.NewNop())

	if err := engine.Run(context.Background()); err == nil {
		t.Fatal("want error from failed read, got nil")
	}
}

func TestDeleteAckedTrimsStream(t *testing.T) {
	log := newFakeLog(msg("1-0"))

	ctx, cancel := context.WithCancel(context.Background())
	cfg := testConfig()
	cfg.DeleteAcked = true
	engine := New(log, cfg, func(ctx context.Context, msgs []stream.Message) ([]string, error) {
		if len(msgs) == 0 {
			cancel()
			return nil, nil
		}
		return []string{msgs[0].ID}, nil
	}, zap.NewNop())

	if err := engine.Run(ctx); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if fmt.Sprint(log.deleted) != "[1-0]" {
		t.Errorf("deleted = %v, want [1-0]", log.deleted)
	}
}
