// Package rtdb implements the Real-Time Data Bus abstraction of spec.md
// §3.3/§4.2 (component C2): a typed K/V + hash + list + pub/sub contract
// with two interchangeable backends — an in-memory variant for tests
// (memory.go) and a remote-cache-backed variant over
// github.com/gomodule/redigo (redis.go), the client evidenced in the pack
// by centrifugal/centrifugo's engineredis backend.
package rtdb

import (
	"context"
	"time"
)

// HashField is one field/value pair within a hash, used by HashMSet and
// PipelineHashMSet.
type HashField struct {
	Field string
	Value []byte
}

// KeyFields batches a hash key with the fields to write to it in one
// pipelined round-trip (spec.md §4.2 pipeline_hash_mset).
type KeyFields struct {
	Key    string
	Fields []HashField
}

// Message is one pub/sub delivery.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is a live pub/sub listener. Callers read from C() until
// Close is called or the underlying connection fails.
type Subscription interface {
	C() <-chan Message
	Close() error
}

// Rtdb is the capability set required by the core from a real-time data
// bus, per spec.md §4.2. Both the in-memory and redis-backed
// implementations satisfy it identically; higher layers never type-switch
// on the concrete backend.
type Rtdb interface {
	Set(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Del(ctx context.Context, key string) error

	HashSet(ctx context.Context, key, field string, value []byte) error
	HashGet(ctx context.Context, key, field string) ([]byte, bool, error)
	HashMSet(ctx context.Context, key string, fields []HashField) error
	HashDel(ctx context.Context, key, field string) error
	HashGetAll(ctx context.Context, key string) (map[string][]byte, error)

	SAdd(ctx context.Context, key, member string) error
	SRem(ctx context.Context, key, member string) error

	LPush(ctx context.Context, key string, value []byte) error
	// BLPop pops the first available value from the given keys, blocking
	// up to timeout. ok=false means the timeout elapsed with nothing
	// available (spec.md §4.6 "Ok(None) -> continue").
	BLPop(ctx context.Context, timeout time.Duration, keys ...string) (key string, value []byte, ok bool, err error)
	LRange(ctx context.Context, key string, start, stop int) ([][]byte, error)

	Publish(ctx context.Context, channel string, value []byte) error
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)

	ScanMatch(ctx context.Context, pattern string) ([]string, error)

	// PipelineHashMSet writes multiple hash keys in one round-trip.
	// Atomic per-key, not across keys (spec.md §4.2 Consistency).
	PipelineHashMSet(ctx context.Context, batch []KeyFields) error

	// TimeMillis returns the server-side clock, used for cross-producer
	// timestamp consistency (spec.md §4.2, Design Notes "Timestamp source").
	TimeMillis(ctx context.Context) (int64, error)
}
