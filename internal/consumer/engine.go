// Package consumer implements the read-batch-process-acknowledge engine
// shared by the archiver and the joiner. The engine guarantees at-least-once
// processing: a message is acknowledged only after the processor reports its
// side effect durably committed, so a crash between effect and ack causes a
// harmless re-run while a crash before the effect loses nothing.
package consumer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/mdlake/internal/stream"
)

// Process handles one batch and returns the IDs whose side effects are now
// durable; only those are acknowledged. msgs may be empty (a blocking read
// timed out) so processors with time-based flush policies still get a turn.
// A returned error fails the batch's acknowledgment but not the engine; the
// messages stay pending and are replayed on the next recovery pass.
type Process func(ctx context.Context, msgs []stream.Message) ([]string, error)

type Config struct {
	Stream   string
	Group    string
	Consumer string
	// ReadCount bounds one read; Block bounds how long a steady-state read
	// waits for new messages, which is also the shutdown latency ceiling.
	ReadCount int64
	Block     time.Duration
	// DeleteAcked trims acknowledged entries from the stream. Usually off;
	// the stream's maxlen cap handles retention.
	DeleteAcked bool
}

type Engine struct {
	log     stream.Log
	cfg     Config
	process Process
	logger  *zap.Logger
}

func New(log stream.Log, cfg Config, process Process, logger *zap.Logger) *Engine {
	return &Engine{log: log, cfg: cfg, process: process, logger: logger}
}

// Run drains the group's pending entries, then tails new messages until ctx
// is cancelled. A read failure is fatal and surfaces to the caller; process
// failures are logged and retried via the pending-entries list.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.log.EnsureGroup(ctx, e.cfg.Stream, e.cfg.Group); err != nil {
		return err
	}

	e.logger.Info("consumer running",
		zap.String("stream", e.cfg.Stream),
		zap.String("group", e.cfg.Group),
		zap.String("consumer", e.cfg.Consumer),
	)

	if err := e.recover(ctx); err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			e.logger.Info("consumer stopping", zap.String("consumer", e.cfg.Consumer))
			return nil
		}

		msgs, err := e.log.ReadGroup(ctx, stream.ReadArgs{
			Stream:   e.cfg.Stream,
			Group:    e.cfg.Group,
			Consumer: e.cfg.Consumer,
			ID:       ">",
			Count:    e.cfg.ReadCount,
			Block:    e.cfg.Block,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading new messages: %w", err)
		}

		e.handle(ctx, msgs)
	}
}

// recover replays this consumer's pending entries before any new work,
// advancing the cursor past each batch so one poisoned batch cannot be
// re-read in a tight loop.
func (e *Engine) recover(ctx context.Context) error {
	cursor := "0"
	replayed := 0
	for {
		msgs, err := e.log.ReadGroup(ctx, stream.ReadArgs{
			Stream:   e.cfg.Stream,
			Group:    e.cfg.Group,
			Consumer: e.cfg.Consumer,
			ID:       cursor,
			Count:    e.cfg.ReadCount,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading pending messages: %w", err)
		}
		if len(msgs) == 0 {
			break
		}

		replayed += len(msgs)
		e.handle(ctx, msgs)
		cursor = msgs[len(msgs)-1].ID
	}

	// Give buffering processors a final empty pass so recovered rows are
	// flushed before steady-state tailing begins.
	e.handle(ctx, nil)

	if replayed > 0 {
		e.logger.Info("replayed pending messages", zap.Int("count", replayed))
	}
	return nil
}

func (e *Engine) handle(ctx context.Context, msgs []stream.Message) {
	acked, err := e.process(ctx, msgs)
	if err != nil {
		e.logger.Warn("batch processing failed, withholding ack",
			zap.Int("batch", len(msgs)),
			zap.Error(err),
		)
	}
	if len(acked) == 0 {
		return
	}

	if err := e.log.Ack(ctx, e.cfg.Stream, e.cfg.Group, acked...); err != nil {
		// Redelivery after a failed ack is harmless; the effect already ran.
		e.logger.Warn("ack failed", zap.Int("ids", len(acked)), zap.Error(err))
		return
	}
	if e.cfg.DeleteAcked {
		if err := e.log.Delete(ctx, e.cfg.Stream, acked...); err != nil {
			e.logger.Warn("post-ack delete failed", zap.Error(err))
		}
	}
}
