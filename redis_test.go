package auditspool

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisEmitter(t *testing.T) {
	_, client := newTestRedis(t)
	e := NewRedisEmitter(client, WithRedisStreamPrefix("audit:test:"))
	rec := testRecord()
	ctx := context.Background()

	if err := e.Emit(ctx, "arr", rec); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	if got := e.Stream("arr"); got != "audit:test:arr" {
		t.Errorf("Unexpected stream name %s", got)
	}
	msgs, err := client.XRange(ctx, e.Stream("arr"), "-", "+").Result()
	if err != nil {
		t.Fatalf("XRange failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 stream entry, got %d", len(msgs))
	}
	values := msgs[0].Values
	if values["id"] != rec.ID || values["event_code"] != CodeStoreCreate {
		t.Errorf("Unexpected entry %v", values)
	}
	var decoded AuditRecord
	if err := json.Unmarshal([]byte(values["record"].(string)), &decoded); err != nil {
		t.Fatalf("Failed to decode record: %v", err)
	}
	if decoded.ID != rec.ID {
		t.Errorf("Expected record %s, got %s", rec.ID, decoded.ID)
	}
}

func TestRedisEmitterMaxLen(t *testing.T) {
	_, client := newTestRedis(t)
	e := NewRedisEmitter(client, WithRedisMaxLen(2))
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := e.Emit(ctx, "arr", testRecord()); err != nil {
			t.Fatalf("Emit failed: %v", err)
		}
	}
	n, err := client.XLen(ctx, e.Stream("arr")).Result()
	if err != nil {
		t.Fatalf("XLen failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected stream to be trimmed to 2 entries, got %d", n)
	}
}

func TestRedisEmitterFailure(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	e := NewRedisEmitter(client)
	if err := e.Emit(context.Background(), "arr", testRecord()); err == nil {
		t.Error("Expected error when Redis is unavailable")
	}
}
