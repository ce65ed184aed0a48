package channel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/comsrv/edge-core/internal/batcher"
	"github.com/comsrv/edge-core/internal/config"
	"github.com/comsrv/edge-core/internal/rtdb"
	"github.com/comsrv/edge-core/internal/slotstore"
)

// fakeDriver is a minimal in-package Driver used only to exercise Runtime,
// avoiding an import of internal/channel/drivers (which itself imports
// package channel).
type fakeDriver struct {
	mu      sync.Mutex
	state   State
	points  map[slotstore.PointType]map[uint32]slotstore.PointData
	written []PointWrite
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		state:  Connected,
		points: map[slotstore.PointType]map[uint32]slotstore.PointData{},
	}
}

func (f *fakeDriver) Initialize(context.Context, config.Config) error { return nil }
func (f *fakeDriver) Connect(context.Context) error                   { return nil }
func (f *fakeDriver) Disconnect(context.Context) error                { return nil }
func (f *fakeDriver) State() State                                    { return f.state }
func (f *fakeDriver) ChannelID() uint16                                { return 1 }

func (f *fakeDriver) ReadFourTelemetry(_ context.Context, pt slotstore.PointType) (map[uint32]slotstore.PointData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[uint32]slotstore.PointData, len(f.points[pt]))
	for k, v := range f.points[pt] {
		out[k] = v
	}
	return out, nil
}

func (f *fakeDriver) Control(_ context.Context, writes []PointWrite) ([]WriteResult, error) {
	f.mu.Lock()
	f.written = append(f.written, writes...)
	f.mu.Unlock()
	results := make([]WriteResult, len(writes))
	for i, w := range writes {
		results[i] = WriteResult{PointID: w.PointID, OK: true}
	}
	return results, nil
}

func (f *fakeDriver) Adjustment(ctx context.Context, writes []PointWrite) ([]WriteResult, error) {
	return f.Control(ctx, writes)
}

func (f *fakeDriver) seed(pt slotstore.PointType, id uint32, value float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.points[pt] == nil {
		f.points[pt] = map[uint32]slotstore.PointData{}
	}
	f.points[pt][id] = slotstore.PointData{PointID: id, Value: value, Raw: value}
}

var _ Driver = (*fakeDriver)(nil)

func newTestRuntime(t *testing.T) (*Runtime, *fakeDriver, *rtdb.Memory) {
	t.Helper()
	driver := newFakeDriver()
	store := slotstore.NewChannelStore()
	store.Register(slotstore.Telemetry, 1, []uint32{100})
	mem := rtdb.NewMemory()
	wb := batcher.New(mem, batcher.DefaultConfig())
	var seen []uint32
	var mu sync.Mutex
	uplink := func(_ context.Context, channelID uint16, pt slotstore.PointType, pointID uint32, value float64, ts uint64) {
		mu.Lock()
		seen = append(seen, pointID)
		mu.Unlock()
	}
	rt := NewRuntime(1, driver, store, wb, uplink, RuntimeConfig{})
	_ = seen
	return rt, driver, mem
}

func TestPollOnceWritesSlotAndBuffersBatch(t *testing.T) {
	rt, driver, mem := newTestRuntime(t)
	driver.seed(slotstore.Telemetry, 100, 3.14)

	now := func() uint64 { return 1000 }
	rt.pollOnce(context.Background(), now)

	store := rt.store.For(slotstore.Telemetry)
	require.NotNil(t, store)
	pd, ok := store.Get(100)
	require.True(t, ok)
	require.Equal(t, 3.14, pd.Value)

	n, err := rt.batcher.Flush(context.Background())
	require.NoError(t, err)
	require.Greater(t, n, 0)

	fields, err := mem.HashGetAll(context.Background(), "1:T")
	require.NoError(t, err)
	require.Len(t, fields, 1)
}

func TestDispatchControlReachesDriver(t *testing.T) {
	rt, driver, _ := newTestRuntime(t)
	result, err := rt.Dispatch(context.Background(), Command{Kind: CommandControl, PointID: 5, Value: 1})
	require.NoError(t, err)
	require.True(t, result.OK)
	require.Len(t, driver.written, 1)
	require.Equal(t, uint32(5), driver.written[0].PointID)
}

func TestDispatchAdjustmentReachesDriver(t *testing.T) {
	rt, driver, _ := newTestRuntime(t)
	result, err := rt.Dispatch(context.Background(), Command{Kind: CommandAdjustment, PointID: 9, Value: 42})
	require.NoError(t, err)
	require.True(t, result.OK)
	require.Len(t, driver.written, 1)
	require.Equal(t, uint32(9), driver.written[0].PointID)
}

func TestRuntimeRunStopsOnContextCancel(t *testing.T) {
	rt, driver, _ := newTestRuntime(t)
	driver.seed(slotstore.Telemetry, 100, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rt.Run(ctx, func() uint64 { return 1 })
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}
