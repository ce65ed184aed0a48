package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/comsrv/edge-core/internal/batcher"
	"github.com/comsrv/edge-core/internal/channel"
	"github.com/comsrv/edge-core/internal/channel/drivers"
	"github.com/comsrv/edge-core/internal/coreerr"
	"github.com/comsrv/edge-core/internal/routing"
	"github.com/comsrv/edge-core/internal/rtdb"
	"github.com/comsrv/edge-core/internal/trigger"
)

func newTestSupervisor() (*Supervisor, *rtdb.Memory) {
	mem := rtdb.NewMemory()
	wb := batcher.New(mem, batcher.DefaultConfig())
	cache := routing.NewCache()
	prop := routing.NewPropagator(cache, mem)
	return New(mem, wb, prop), mem
}

func TestStartAllConnectsAllChannels(t *testing.T) {
	sup, _ := newTestSupervisor()
	sup.AddChannel(1, channel.ProtocolVirtual, drivers.NewVirtual(1), channel.RuntimeConfig{PollInterval: 5 * time.Millisecond}, trigger.Config{})
	sup.AddChannel(2, channel.ProtocolVirtual, drivers.NewVirtual(2), channel.RuntimeConfig{PollInterval: 5 * time.Millisecond}, trigger.Config{})

	require.NoError(t, sup.StartAll(context.Background()))
	defer sup.StopAll()

	stats := sup.CollectStats()
	require.Equal(t, 2, stats.RunningCount)
	require.Equal(t, 2, stats.ProtocolCounts["virtual"])
}

func TestStopAllDisconnectsChannels(t *testing.T) {
	sup, _ := newTestSupervisor()
	v := drivers.NewVirtual(1)
	sup.AddChannel(1, channel.ProtocolVirtual, v, channel.RuntimeConfig{PollInterval: 5 * time.Millisecond}, trigger.Config{})

	require.NoError(t, sup.StartAll(context.Background()))
	sup.StopAll()

	require.Equal(t, channel.Closed, v.State())
}

func TestRestartReconnectsChannel(t *testing.T) {
	sup, _ := newTestSupervisor()
	v := drivers.NewVirtual(1)
	sup.AddChannel(1, channel.ProtocolVirtual, v, channel.RuntimeConfig{PollInterval: 5 * time.Millisecond}, trigger.Config{})
	require.NoError(t, sup.StartAll(context.Background()))
	defer sup.StopAll()

	require.NoError(t, sup.Restart(context.Background(), 1))
	require.Equal(t, channel.Connected, v.State())
}

func TestRestartUnknownChannelReturnsNotFound(t *testing.T) {
	sup, _ := newTestSupervisor()
	err := sup.Restart(context.Background(), 99)
	require.Error(t, err)
	require.ErrorIs(t, err, coreerr.NotFoundErr)
}
