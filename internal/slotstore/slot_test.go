package slotstore

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestSlotSize(t *testing.T) {
	require.Equal(t, uintptr(32), unsafe.Sizeof(Slot{}), "Slot must stay 32 bytes per spec.md §3.1")
}

// S1 — Point read round-trip.
func TestPointReadRoundTrip(t *testing.T) {
	store := New(1, Telemetry, []uint32{101})

	ok := store.Set(101, 650.5, 6505.0, 1_729_000_815_000, 0)
	require.True(t, ok)

	data, ok := store.Get(101)
	require.True(t, ok)
	require.Equal(t, 650.5, data.Value)
	require.Equal(t, 6505.0, data.Raw)
	require.Equal(t, uint64(1_729_000_815_000), data.TimestampMs)

	require.True(t, store.IsDirty(101))
	store.ClearDirty(101)
	require.False(t, store.IsDirty(101))
}

// P1
func TestSetThenGetReturnsLatest(t *testing.T) {
	store := New(1, Telemetry, []uint32{5, 10, 20})

	require.True(t, store.Set(10, 1.0, 1.0, 100, 0))
	data, ok := store.Get(10)
	require.True(t, ok)
	require.Equal(t, 1.0, data.Value)

	require.True(t, store.Set(10, 2.0, 2.0, 200, 0))
	data, ok = store.Get(10)
	require.True(t, ok)
	require.Equal(t, 2.0, data.Value)
	require.Equal(t, uint64(200), data.TimestampMs)
}

// P2
func TestUnregisteredPointIsNone(t *testing.T) {
	store := New(1, Telemetry, []uint32{5, 10})

	_, ok := store.Get(999)
	require.False(t, ok)

	ok = store.Set(999, 1, 1, 1, 0)
	require.False(t, ok)

	_, ok = store.Get(0)
	require.False(t, ok)
}

func TestEmptyStoreHasZeroMaxID(t *testing.T) {
	store := New(1, Control, nil)
	require.Equal(t, uint32(0), store.MaxPointID())
	_, ok := store.Get(0)
	require.False(t, ok)
}

func TestChannelStoreRegistersPerType(t *testing.T) {
	cs := NewChannelStore()
	cs.Register(Telemetry, 1, []uint32{1, 2})
	cs.Register(Signal, 1, []uint32{10})

	require.NotNil(t, cs.For(Telemetry))
	require.NotNil(t, cs.For(Signal))
	require.Nil(t, cs.For(Control))

	require.True(t, cs.For(Telemetry).Set(1, 3.14, 3.14, 1, 0))
	require.False(t, cs.For(Signal).Set(1, 1, 1, 1, 0)) // point 1 not registered for Signal
}

func TestSnapshotSkipsUnregistered(t *testing.T) {
	store := New(1, Telemetry, []uint32{2, 9})
	store.Set(2, 1, 1, 1, 0)
	store.Set(9, 2, 2, 2, 0)

	snap := store.Snapshot()
	require.Len(t, snap, 2)
	require.Contains(t, snap, uint32(2))
	require.Contains(t, snap, uint32(9))
}
