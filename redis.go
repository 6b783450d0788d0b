package auditspool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisEmitter appends audit records to one Redis stream per destination.
type RedisEmitter struct {
	client redis.Cmdable
	prefix string
	maxLen int64
}

// RedisOption configures RedisEmitter.
type RedisOption func(*RedisEmitter)

// WithRedisStreamPrefix sets the stream name prefix. The stream of a
// destination is prefix + destination name.
func WithRedisStreamPrefix(prefix string) RedisOption {
	return func(e *RedisEmitter) { e.prefix = prefix }
}

// WithRedisMaxLen caps each stream at approximately n entries. Zero keeps
// every entry.
func WithRedisMaxLen(n int64) RedisOption {
	return func(e *RedisEmitter) { e.maxLen = n }
}

// NewRedisEmitter creates an emitter using client.
func NewRedisEmitter(client redis.Cmdable, opts ...RedisOption) *RedisEmitter {
	e := &RedisEmitter{client: client, prefix: "audit:"}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Stream returns the stream name used for destination.
func (e *RedisEmitter) Stream(destination string) string {
	return e.prefix + destination
}

// Emit implements Emitter.
func (e *RedisEmitter) Emit(ctx context.Context, destination string, rec *AuditRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("auditspool: redis emitter failed to marshal record %s: %w", rec.ID, err)
	}
	args := &redis.XAddArgs{
		Stream: e.Stream(destination),
		Values: map[string]interface{}{
			"id":         rec.ID,
			"event_code": rec.EventCode,
			"record":     string(payload),
		},
	}
	if e.maxLen > 0 {
		args.MaxLen = e.maxLen
		args.Approx = true
	}
	if err := e.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("auditspool: redis emitter failed to add record %s: %w", rec.ID, err)
	}
	return nil
}
