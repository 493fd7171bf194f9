package stream

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis implements Log and Store on a single Redis connection using streams
// for the log and plain keys/hashes for the store.
type Redis struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedis(ctx context.Context, addr, password string, db int, logger *zap.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}
	logger.Info("connected to redis", zap.String("addr", addr), zap.Int("db", db))
	return &Redis{client: client, logger: logger}, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) EnsureGroup(ctx context.Context, stream, group string) error {
	err := r.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return fmt.Errorf("creating group %q on %q: %w", group, stream, err)
	}
	r.logger.Info("created consumer group", zap.String("stream", stream), zap.String("group", group))
	return nil
}

func (r *Redis) Add(ctx context.Context, stream string, fields map[string]string, maxLen int64) error {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("appending to %q: %w", stream, err)
	}
	return nil
}

func (r *Redis) ReadGroup(ctx context.Context, args ReadArgs) ([]Message, error) {
	block := args.Block
	if args.ID != ">" {
		// Pending reads must not block: BLOCK 0 would wait forever.
		block = -1
	}
	res, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    args.Group,
		Consumer: args.Consumer,
		Streams:  []string{args.Stream, args.ID},
		Count:    args.Count,
		Block:    block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %q as %s/%s: %w", args.Stream, args.Group, args.Consumer, err)
	}

	var msgs []Message
	for _, s := range res {
		for _, m := range s.Messages {
			fields := make(map[string]string, len(m.Values))
			for k, v := range m.Values {
				fields[k] = fmt.Sprint(v)
			}
			msgs = append(msgs, Message{ID: m.ID, Fields: fields})
		}
	}
	return msgs, nil
}

func (r *Redis) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := r.client.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return fmt.Errorf("acking %d ids on %q: %w", len(ids), stream, err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, stream string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := r.client.XDel(ctx, stream, ids...).Err(); err != nil {
		return fmt.Errorf("deleting %d ids on %q: %w", len(ids), stream, err)
	}
	return nil
}

func (r *Redis) SetLatest(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("setting %q: %w", key, err)
	}
	return nil
}

func (r *Redis) GetLatest(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", nil
		}
		return "", fmt.Errorf("getting %q: %w", key, err)
	}
	return val, nil
}

func (r *Redis) SetMeta(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	if err := r.client.HSet(ctx, key, values).Err(); err != nil {
		return fmt.Errorf("setting hash %q: %w", key, err)
	}
	return nil
}

func (r *Redis) GetMeta(ctx context.Context, key string) (map[string]string, error) {
	res, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("getting hash %q: %w", key, err)
	}
	return res, nil
}
