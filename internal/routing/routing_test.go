package routing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/comsrv/edge-core/internal/rtdb"
	"github.com/comsrv/edge-core/internal/slotstore"
)

type fakeSource struct {
	measurements []MeasurementRow
	actions      []ActionRow
}

func (f *fakeSource) LoadMeasurementRouting(context.Context) ([]MeasurementRow, error) {
	return f.measurements, nil
}

func (f *fakeSource) LoadActionRouting(context.Context) ([]ActionRow, error) {
	return f.actions, nil
}

func TestCacheRefreshThenLookup(t *testing.T) {
	src := &fakeSource{
		measurements: []MeasurementRow{
			{ChannelID: 1, ChannelType: slotstore.Telemetry, ChannelPointID: 100, InstanceID: 5, MeasurementID: 9},
		},
		actions: []ActionRow{
			{InstanceID: 5, ActionID: 3, ChannelID: 1, ChannelType: slotstore.Control, ChannelPointID: 200},
		},
	}
	cache := NewCache()
	require.NoError(t, cache.Refresh(context.Background(), src))

	target, ok := cache.C2MLookup(1, slotstore.Telemetry, 100)
	require.True(t, ok)
	require.Equal(t, C2MTarget{InstanceID: 5, MeasurementID: 9}, target)

	m2c, ok := cache.M2CLookup(5, 3)
	require.True(t, ok)
	require.Equal(t, M2CTarget{ChannelID: 1, PointType: slotstore.Control, PointID: 200}, m2c)
}

func TestCacheLookupMissReturnsFalse(t *testing.T) {
	cache := NewCache()
	_, ok := cache.C2MLookup(99, slotstore.Telemetry, 1)
	require.False(t, ok)
}

func TestCacheRefreshSwapIsAtomicAcrossConcurrentReads(t *testing.T) {
	cache := NewCache()
	src := &fakeSource{measurements: []MeasurementRow{
		{ChannelID: 1, ChannelType: slotstore.Signal, ChannelPointID: 1, InstanceID: 1, MeasurementID: 1},
	}}
	require.NoError(t, cache.Refresh(context.Background(), src))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			cache.C2MLookup(1, slotstore.Signal, 1)
		}
		close(done)
	}()
	require.NoError(t, cache.Refresh(context.Background(), src))
	<-done
}

func TestUplinkWritesInstanceHashWhenRouted(t *testing.T) {
	mem := rtdb.NewMemory()
	cache := NewCache()
	require.NoError(t, cache.Refresh(context.Background(), &fakeSource{
		measurements: []MeasurementRow{{ChannelID: 1, ChannelType: slotstore.Telemetry, ChannelPointID: 100, InstanceID: 5, MeasurementID: 9}},
	}))
	p := NewPropagator(cache, mem)

	require.NoError(t, p.Uplink(context.Background(), 1, slotstore.Telemetry, 100, 42.5))

	fields, err := mem.HashGetAll(context.Background(), "inst:5:M")
	require.NoError(t, err)
	require.Equal(t, "42.5", string(fields["9"]))
}

func TestUplinkNoRouteIsNoop(t *testing.T) {
	mem := rtdb.NewMemory()
	cache := NewCache()
	p := NewPropagator(cache, mem)
	require.NoError(t, p.Uplink(context.Background(), 1, slotstore.Telemetry, 999, 1))

	fields, err := mem.HashGetAll(context.Background(), "inst:5:M")
	require.NoError(t, err)
	require.Empty(t, fields)
}

func TestDownlinkRoutedAppendsTriggerCommand(t *testing.T) {
	mem := rtdb.NewMemory()
	cache := NewCache()
	require.NoError(t, cache.Refresh(context.Background(), &fakeSource{
		actions: []ActionRow{{InstanceID: 5, ActionID: 3, ChannelID: 1, ChannelType: slotstore.Control, ChannelPointID: 200}},
	}))
	p := NewPropagator(cache, mem)

	routed, err := p.Downlink(context.Background(), 5, 3, 1.0, "cmd_1", 1700000000000)
	require.NoError(t, err)
	require.True(t, routed)

	fields, err := mem.HashGetAll(context.Background(), "1:C")
	require.NoError(t, err)
	require.Equal(t, "1", string(fields["200"]))

	_, payload, ok, err := mem.BLPop(context.Background(), 0, "comsrv:trigger:1:C")
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, string(payload), `"command_id":"cmd_1"`)
	require.Contains(t, string(payload), `"source":"m2c"`)
}

func TestDownlinkUnroutedReturnsFalseNoError(t *testing.T) {
	mem := rtdb.NewMemory()
	cache := NewCache()
	p := NewPropagator(cache, mem)

	routed, err := p.Downlink(context.Background(), 5, 99, 1.0, "", 1700000000000)
	require.NoError(t, err)
	require.False(t, routed)
}
