package trigger

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/comsrv/edge-core/internal/channel"
	"github.com/comsrv/edge-core/internal/rtdb"
)

func TestParseCommandFillsDefaults(t *testing.T) {
	raw := []byte(`{"command_type":"control","point_id":1001,"value":1.0}`)
	cmd, err := parseCommand(raw, 7)
	require.NoError(t, err)
	require.Equal(t, channel.CommandControl, cmd.Kind)
	require.Equal(t, uint16(7), cmd.ChannelID)
	require.Equal(t, uint32(1001), cmd.PointID)
	require.Equal(t, 1.0, cmd.Value)
	require.NotEmpty(t, cmd.CommandID)
	require.NotZero(t, cmd.Timestamp)
}

func TestParseCommandHonorsExplicitChannelID(t *testing.T) {
	raw := []byte(`{"channel_id":3,"command_type":"A","point_id":5,"value":2.0}`)
	cmd, err := parseCommand(raw, 7)
	require.NoError(t, err)
	require.Equal(t, uint16(3), cmd.ChannelID)
	require.Equal(t, channel.CommandAdjustment, cmd.Kind)
}

func TestParseCommandRejectsUnknownType(t *testing.T) {
	raw := []byte(`{"command_type":"bogus","point_id":1,"value":1}`)
	_, err := parseCommand(raw, 1)
	require.Error(t, err)
}

func recordingDispatch() (DispatchFunc, func() []channel.Command) {
	var mu sync.Mutex
	var seen []channel.Command
	fn := func(_ context.Context, cmd channel.Command) (channel.WriteResult, error) {
		mu.Lock()
		seen = append(seen, cmd)
		mu.Unlock()
		return channel.WriteResult{PointID: cmd.PointID, OK: true}, nil
	}
	getter := func() []channel.Command {
		mu.Lock()
		defer mu.Unlock()
		return append([]channel.Command(nil), seen...)
	}
	return fn, getter
}

func TestListQueueLoopDispatchesPushedCommand(t *testing.T) {
	mem := rtdb.NewMemory()
	dispatch, seen := recordingDispatch()
	tr := New(mem, Config{ChannelID: 1, BlockTimeout: 200 * time.Millisecond}, dispatch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.Start(ctx)
	defer tr.Stop()

	payload, err := json.Marshal(map[string]interface{}{
		"command_type": "control",
		"point_id":     42,
		"value":        9.5,
	})
	require.NoError(t, err)
	require.NoError(t, mem.LPush(context.Background(), "comsrv:trigger:1:C", payload))

	require.Eventually(t, func() bool {
		return len(seen()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cmds := seen()
	require.Equal(t, uint32(42), cmds[0].PointID)
	require.Equal(t, "list_queue", cmds[0].Metadata["trigger_source"])
}

func TestPubSubLoopDispatchesPublishedCommand(t *testing.T) {
	mem := rtdb.NewMemory()
	dispatch, seen := recordingDispatch()
	tr := New(mem, Config{ChannelID: 2, Mode: PubSub}, dispatch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.Start(ctx)
	defer tr.Stop()

	time.Sleep(20 * time.Millisecond) // let Subscribe register before Publish

	payload, err := json.Marshal(map[string]interface{}{
		"command_type": "adjustment",
		"point_id":     7,
		"value":        3.0,
	})
	require.NoError(t, err)
	require.NoError(t, mem.Publish(context.Background(), "cmd:2:adjustment", payload))

	require.Eventually(t, func() bool {
		return len(seen()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cmds := seen()
	require.Equal(t, channel.CommandAdjustment, cmds[0].Kind)
	require.Equal(t, "pubsub", cmds[0].Metadata["trigger_source"])
}

func TestStartTwiceIsNoop(t *testing.T) {
	mem := rtdb.NewMemory()
	dispatch, _ := recordingDispatch()
	tr := New(mem, Config{ChannelID: 1}, dispatch)

	ctx := context.Background()
	tr.Start(ctx)
	tr.Start(ctx) // should warn, not panic or start a second loop
	tr.Stop()
}
