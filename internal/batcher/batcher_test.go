package batcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/comsrv/edge-core/internal/rtdb"
)

// failingOnceRtdb wraps a Memory and fails its first PipelineHashMSet
// call, to exercise Flush's re-buffer-on-error path.
type failingOnceRtdb struct {
	*rtdb.Memory
	failuresLeft int
}

func (f *failingOnceRtdb) PipelineHashMSet(ctx context.Context, batch []rtdb.KeyFields) error {
	if f.failuresLeft > 0 {
		f.failuresLeft--
		return errors.New("simulated pipeline failure")
	}
	return f.Memory.PipelineHashMSet(ctx, batch)
}

// S4 — Batcher coalescing.
func TestBatcherCoalescesLastWriterWins(t *testing.T) {
	ctx := context.Background()
	db := rtdb.NewMemory()
	b := New(db, DefaultConfig())

	b.BufferHashSet("k", "f1", []byte("v1"))
	b.BufferHashSet("k", "f1", []byte("v2"))
	b.BufferHashSet("k", "f2", []byte("v3"))

	n, err := b.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	v, ok, err := db.HashGet(ctx, "k", "f1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v2", string(v))

	v, ok, err = db.HashGet(ctx, "k", "f2")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v3", string(v))
}

// P3
func TestFlushThenHashGetSeesValue(t *testing.T) {
	ctx := context.Background()
	db := rtdb.NewMemory()
	b := New(db, DefaultConfig())

	b.BufferHashSet("key", "field", []byte("value"))
	_, err := b.Flush(ctx)
	require.NoError(t, err)

	v, ok, err := db.HashGet(ctx, "key", "field")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "value", string(v))
}

// I4 — draining an empty pending set is a no-op.
func TestFlushEmptyIsNoop(t *testing.T) {
	ctx := context.Background()
	db := rtdb.NewMemory()
	b := New(db, DefaultConfig())

	n, err := b.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestFlushTwiceDrainsOnceThenIdempotent(t *testing.T) {
	ctx := context.Background()
	db := rtdb.NewMemory()
	b := New(db, DefaultConfig())

	b.BufferHashSet("k", "f", []byte("v"))
	n, err := b.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = b.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n, "second flush with nothing new buffered must be a no-op")
}

func TestStatsTrackFlushesAndFields(t *testing.T) {
	ctx := context.Background()
	db := rtdb.NewMemory()
	b := New(db, DefaultConfig())

	b.BufferHashSet("a", "f1", []byte("1"))
	b.BufferHashSet("a", "f2", []byte("2"))
	b.BufferHashSet("b", "f1", []byte("3"))
	_, err := b.Flush(ctx)
	require.NoError(t, err)

	stats := b.Stats()
	require.Equal(t, uint64(3), stats.BufferedWrites)
	require.Equal(t, uint64(1), stats.FlushCount)
	require.Equal(t, uint64(3), stats.FieldsFlushed)
	require.Equal(t, uint64(0), stats.FlushErrors)
}

// Per spec.md §3's drain algorithm ("do not drop data that failed"), a
// flush that hits a pipeline error must re-buffer its snapshotted fields
// so the next Flush retries them rather than losing the write.
func TestFlushErrorRebuffersFieldsForNextFlush(t *testing.T) {
	ctx := context.Background()
	db := &failingOnceRtdb{Memory: rtdb.NewMemory(), failuresLeft: 1}
	b := New(db, DefaultConfig())

	b.BufferHashSet("k", "f", []byte("v"))

	n, err := b.Flush(ctx)
	require.Error(t, err)
	require.Equal(t, 0, n)
	require.Equal(t, uint64(1), b.Stats().FlushErrors)

	_, ok, err := db.HashGet(ctx, "k", "f")
	require.NoError(t, err)
	require.False(t, ok, "the failed write must not have reached storage")

	n, err = b.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n, "the re-buffered field must be retried on the next flush")

	v, ok, err := db.HashGet(ctx, "k", "f")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", string(v))
}

// A field rewritten after a failed flush must keep the newer value rather
// than being clobbered by the stale re-buffered one.
func TestFlushErrorRebufferDoesNotClobberNewerWrite(t *testing.T) {
	ctx := context.Background()
	db := &failingOnceRtdb{Memory: rtdb.NewMemory(), failuresLeft: 1}
	b := New(db, DefaultConfig())

	b.BufferHashSet("k", "f", []byte("stale"))
	_, err := b.Flush(ctx)
	require.Error(t, err)

	b.BufferHashSet("k", "f", []byte("fresh"))

	n, err := b.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	v, ok, err := db.HashGet(ctx, "k", "f")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "fresh", string(v))
}

func TestForcedFlushOnMaxFieldsPerKey(t *testing.T) {
	db := rtdb.NewMemory()
	b := New(db, Config{FlushInterval: time.Hour, MaxFieldsPerKey: 2})

	b.BufferHashSet("k", "f1", []byte("1"))
	b.BufferHashSet("k", "f2", []byte("2")) // hits the limit, should notify

	select {
	case <-b.notify:
	default:
		t.Fatal("expected forced-flush notification once max fields per key is reached")
	}
	require.Equal(t, uint64(1), b.Stats().ForcedFlushes)
}
