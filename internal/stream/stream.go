package stream

import (
	"context"
	"time"
)

// Message is one immutable entry read from the durable log. Consumers hold
// read-only copies; the ID is the log's opaque monotonic identifier.
type Message struct {
	ID     string
	Fields map[string]string
}

// ReadArgs parameterizes a consumer-group read.
//
// ID is ">" to receive new messages, or a pending-entries cursor (start at
// "0") to replay delivered-but-unacknowledged messages after a crash.
// Block < 0 means do not block; pending reads never block.
type ReadArgs struct {
	Stream   string
	Group    string
	Consumer string
	ID       string
	Count    int64
	Block    time.Duration
}

// Log is the append-only, consumer-grouped log the pipeline coordinates
// through. Implementations must make EnsureGroup idempotent and keep
// unacknowledged deliveries readable via the pending-entries cursor.
type Log interface {
	EnsureGroup(ctx context.Context, stream, group string) error
	Add(ctx context.Context, stream string, fields map[string]string, maxLen int64) error
	ReadGroup(ctx context.Context, args ReadArgs) ([]Message, error)
	Ack(ctx context.Context, stream, group string, ids ...string) error
	Delete(ctx context.Context, stream string, ids ...string) error
}

// Store is the keyed store used for analytics snapshots and planner output.
type Store interface {
	SetLatest(ctx context.Context, key, value string, ttl time.Duration) error
	// GetLatest returns "" with a nil error when the key is absent.
	GetLatest(ctx context.Context, key string) (string, error)
	SetMeta(ctx context.Context, key string, fields map[string]string) error
	GetMeta(ctx context.Context, key string) (map[string]string, error)
}
