// Package batcher implements the Write Batcher of spec.md §4.3 (component
// C3): buffer_hash_set returns after a lock-free-ish insert into a
// per-key-sharded pending map, and a background flush loop periodically
// drains it into one pipelined rtdb.PipelineHashMSet call. Ported from
// original_source/libs/voltage-rtdb/src/write_buffer.rs, with the
// DashMap<String, DashMap<Arc<str>, Bytes>> sharded-map idea translated to
// a sync.Map of per-key mutex-guarded field maps (Go has no ref-counted
// Arc<str>; see DESIGN.md for why that optimization doesn't carry over).
package batcher

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/comsrv/edge-core/internal/coreerr"
	"github.com/comsrv/edge-core/internal/logging"
	"github.com/comsrv/edge-core/internal/rtdb"
)

// Config mirrors original_source's WriteBufferConfig.
type Config struct {
	FlushInterval   time.Duration
	MaxFieldsPerKey int
}

// DefaultConfig matches spec.md §4.3's documented defaults.
func DefaultConfig() Config {
	return Config{FlushInterval: 20 * time.Millisecond, MaxFieldsPerKey: 1000}
}

// LowLatencyConfig matches original_source's WriteBufferConfig::low_latency.
func LowLatencyConfig() Config {
	return Config{FlushInterval: 10 * time.Millisecond, MaxFieldsPerKey: 500}
}

// HighThroughputConfig matches original_source's
// WriteBufferConfig::high_throughput.
func HighThroughputConfig() Config {
	return Config{FlushInterval: 50 * time.Millisecond, MaxFieldsPerKey: 2000}
}

// Stats are the atomic counters of spec.md §4.3, named the same as
// original_source's WriteBufferStats fields.
type Stats struct {
	BufferedWrites uint64
	FlushCount     uint64
	FieldsFlushed  uint64
	ForcedFlushes  uint64
	FlushErrors    uint64
}

type statsInternal struct {
	bufferedWrites uint64
	flushCount     uint64
	fieldsFlushed  uint64
	forcedFlushes  uint64
	flushErrors    uint64
}

func (s *statsInternal) Snapshot() Stats {
	return Stats{
		BufferedWrites: atomic.LoadUint64(&s.bufferedWrites),
		FlushCount:     atomic.LoadUint64(&s.flushCount),
		FieldsFlushed:  atomic.LoadUint64(&s.fieldsFlushed),
		ForcedFlushes:  atomic.LoadUint64(&s.forcedFlushes),
		FlushErrors:    atomic.LoadUint64(&s.flushErrors),
	}
}

type pendingKey struct {
	mu     sync.Mutex
	fields map[string][]byte
}

// Batcher is the Write Batcher of component C3.
type Batcher struct {
	rtdb   rtdb.Rtdb
	cfg    Config
	stats  statsInternal
	log    *logging.Logger
	notify chan struct{}

	pending sync.Map // string -> *pendingKey
}

// New constructs a Batcher over the given Rtdb backend.
func New(db rtdb.Rtdb, cfg Config) *Batcher {
	return &Batcher{
		rtdb:   db,
		cfg:    cfg,
		log:    logging.Named("batcher"),
		notify: make(chan struct{}, 1),
	}
}

func (b *Batcher) Stats() Stats { return b.stats.Snapshot() }

func (b *Batcher) notifyForced() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// BufferHashSet inserts a pending field write and returns immediately
// (spec.md §4.3): the insert only ever takes the lock of the single key's
// pendingKey, never a global lock, so concurrent writes to different keys
// never contend.
func (b *Batcher) BufferHashSet(key, field string, value []byte) {
	v, _ := b.pending.LoadOrStore(key, &pendingKey{fields: make(map[string][]byte)})
	pk := v.(*pendingKey)

	pk.mu.Lock()
	pk.fields[field] = value
	n := len(pk.fields)
	pk.mu.Unlock()

	atomic.AddUint64(&b.stats.bufferedWrites, 1)

	if n >= b.cfg.MaxFieldsPerKey {
		atomic.AddUint64(&b.stats.forcedFlushes, 1)
		b.notifyForced()
	}
}

// BufferHashMSet buffers several fields for one key in one call.
func (b *Batcher) BufferHashMSet(key string, fields []rtdb.HashField) {
	for _, f := range fields {
		b.BufferHashSet(key, f.Field, f.Value)
	}
}

// Flush drains the pending map and issues one pipelined write, returning
// the number of fields flushed. Per spec.md §3's drain algorithm ("do not
// drop data that failed"), a pipeline error re-buffers the snapshotted
// fields for the next cycle instead of discarding them; flush_errors still
// increments and the error is logged.
func (b *Batcher) Flush(ctx context.Context) (int, error) {
	type drained struct {
		pk     *pendingKey
		fields []rtdb.HashField
	}

	var batch []rtdb.KeyFields
	var drainedKeys []drained
	fieldCount := 0

	b.pending.Range(func(k, v interface{}) bool {
		pk := v.(*pendingKey)
		pk.mu.Lock()
		if len(pk.fields) == 0 {
			pk.mu.Unlock()
			return true
		}
		fields := make([]rtdb.HashField, 0, len(pk.fields))
		for f, val := range pk.fields {
			fields = append(fields, rtdb.HashField{Field: f, Value: val})
		}
		pk.fields = make(map[string][]byte)
		pk.mu.Unlock()

		batch = append(batch, rtdb.KeyFields{Key: k.(string), Fields: fields})
		drainedKeys = append(drainedKeys, drained{pk: pk, fields: fields})
		fieldCount += len(fields)
		return true
	})

	if len(batch) == 0 {
		return 0, nil
	}

	if err := b.rtdb.PipelineHashMSet(ctx, batch); err != nil {
		atomic.AddUint64(&b.stats.flushErrors, 1)
		b.log.Errorf("flush failed: %v", err)

		// Re-buffer what we drained. A field already overwritten by a
		// newer BufferHashSet call since the drain keeps that newer
		// value; only fields still absent are restored.
		for _, d := range drainedKeys {
			d.pk.mu.Lock()
			for _, f := range d.fields {
				if _, exists := d.pk.fields[f.Field]; !exists {
					d.pk.fields[f.Field] = f.Value
				}
			}
			d.pk.mu.Unlock()
		}

		return 0, coreerr.New(coreerr.Storage, "Flush", err)
	}

	atomic.AddUint64(&b.stats.flushCount, 1)
	atomic.AddUint64(&b.stats.fieldsFlushed, uint64(fieldCount))
	return fieldCount, nil
}

// Run is the flush loop of spec.md §4.3/§4.6's
// "flush_loop_with_shutdown": it selects on {shutdown, interval, notify}
// and performs one final drain before returning, per spec.md invariant I4.
func (b *Batcher) Run(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if _, err := b.Flush(context.Background()); err != nil {
				b.log.Errorf("final drain on shutdown failed: %v", err)
			}
			return
		case <-ticker.C:
			if _, err := b.Flush(ctx); err != nil {
				b.log.Warnf("periodic flush error: %v", err)
			}
		case <-b.notify:
			if _, err := b.Flush(ctx); err != nil {
				b.log.Warnf("forced flush error: %v", err)
			}
		}
	}
}
