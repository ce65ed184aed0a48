// Package trigger implements the Command Trigger of spec.md §4.6/§6.2
// (component C6): a consumer that listens for externally-submitted
// ChannelCommand payloads and hands them to a channel's Dispatch. Grounded
// on original_source/services/comsrv/src/core/combase/trigger.rs's
// CommandTrigger, rewritten in the teacher's gen-server idiom (a dedicated
// goroutine plus a stop channel, see secondary/dataport/endpoint.go's
// run()/Close()) instead of tokio tasks and a watch channel.
package trigger

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/comsrv/edge-core/internal/channel"
	"github.com/comsrv/edge-core/internal/logging"
	"github.com/comsrv/edge-core/internal/rtdb"
)

// Mode selects which Redis primitive feeds the trigger. ListQueue is the
// zero value, matching original_source's "Default for TriggerMode ->
// ListQueue" (recommended; PubSub is the legacy path).
type Mode int

const (
	ListQueue Mode = iota
	PubSub
)

func (m Mode) String() string {
	if m == PubSub {
		return "pubsub"
	}
	return "list_queue"
}

// DefaultBlockTimeout is the BLPOP timeout used when Config.BlockTimeout is
// unset, ported from original_source's default_timeout() (30s, chosen to
// bound idle loops while a select-equivalent still reacts to Stop quickly).
const DefaultBlockTimeout = 30 * time.Second

const (
	minReconnectDelay = time.Second
	maxReconnectDelay = 30 * time.Second
)

// Config configures one channel's trigger.
type Config struct {
	ChannelID    uint16
	Mode         Mode
	BlockTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = DefaultBlockTimeout
	}
	return c
}

// DispatchFunc hands a parsed command to the owning channel's runtime,
// matching Runtime.Dispatch's signature so a Trigger can be wired directly
// to a *channel.Runtime without an adapter.
type DispatchFunc func(ctx context.Context, cmd channel.Command) (channel.WriteResult, error)

// Trigger listens for commands addressed to one channel and dispatches
// them, per spec.md §4.6.
type Trigger struct {
	rtdb     rtdb.Rtdb
	cfg      Config
	dispatch DispatchFunc
	log      *logging.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// New constructs a Trigger for one channel. db must be the same Rtdb
// instance the rest of the core uses so list/pubsub keys resolve to the
// same backend.
func New(db rtdb.Rtdb, cfg Config, dispatch DispatchFunc) *Trigger {
	cfg = cfg.withDefaults()
	return &Trigger{
		rtdb:     db,
		cfg:      cfg,
		dispatch: dispatch,
		log:      logging.Named("trigger").Named(strconv.Itoa(int(cfg.ChannelID))),
	}
}

// Start launches the trigger's background loop. Calling Start twice
// without an intervening Stop is a no-op, matching original_source's
// "already running" guard.
func (t *Trigger) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		t.log.Warnf("trigger already running")
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	t.running = true

	t.log.Infof("starting command trigger in %s mode", t.cfg.Mode)
	go func() {
		defer close(t.done)
		switch t.cfg.Mode {
		case PubSub:
			t.pubsubLoop(runCtx)
		default:
			t.listQueueLoop(runCtx)
		}
	}()
}

// Stop signals the loop to exit and waits up to 5s for it to finish,
// mirroring original_source's stop()'s bounded join.
func (t *Trigger) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	cancel := t.cancel
	done := t.done
	t.running = false
	t.mu.Unlock()

	cancel()
	select {
	case <-done:
		t.log.Infof("command trigger stopped")
	case <-time.After(5 * time.Second):
		t.log.Warnf("command trigger stop timed out")
	}
}

func (t *Trigger) controlQueue() string {
	return fmt.Sprintf("comsrv:trigger:%d:C", t.cfg.ChannelID)
}

func (t *Trigger) adjustmentQueue() string {
	return fmt.Sprintf("comsrv:trigger:%d:A", t.cfg.ChannelID)
}

// listQueueLoop implements the ListQueue mode: BLPOP across the control and
// adjustment queues, with exponential reconnect backoff on error (1s up to
// 30s cap), ported from original_source's list_queue_loop.
func (t *Trigger) listQueueLoop(ctx context.Context) {
	queues := []string{t.controlQueue(), t.adjustmentQueue()}
	delay := minReconnectDelay

	for {
		if ctx.Err() != nil {
			return
		}
		key, value, ok, err := t.rtdb.BLPop(ctx, t.cfg.BlockTimeout, queues...)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.log.Errorf("blpop error, will retry in %s: %v", delay, err)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			delay *= 2
			if delay > maxReconnectDelay {
				delay = maxReconnectDelay
			}
			continue
		}
		delay = minReconnectDelay
		if !ok {
			continue // BLPOP timed out, nothing queued; loop again
		}
		t.handlePayload(ctx, key, value, "list_queue")
	}
}

// pubsubLoop implements the legacy PubSub mode: subscribe to
// cmd:{channel}:control and cmd:{channel}:adjustment.
func (t *Trigger) pubsubLoop(ctx context.Context) {
	controlChannel := fmt.Sprintf("cmd:%d:control", t.cfg.ChannelID)
	adjustmentChannel := fmt.Sprintf("cmd:%d:adjustment", t.cfg.ChannelID)

	sub, err := t.rtdb.Subscribe(ctx, controlChannel, adjustmentChannel)
	if err != nil {
		t.log.Errorf("failed to subscribe: %v", err)
		return
	}
	defer sub.Close()

	t.log.Infof("command subscription established")
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				t.log.Warnf("subscription closed")
				return
			}
			t.handlePayload(ctx, msg.Channel, msg.Payload, "pubsub")
		}
	}
}

func (t *Trigger) handlePayload(ctx context.Context, source string, payload []byte, triggerSource string) {
	cmd, err := parseCommand(payload, t.cfg.ChannelID)
	if err != nil {
		t.log.Warnf("failed to parse command from %s: %v, raw=%s", source, err, payload)
		return
	}
	if cmd.Metadata == nil {
		cmd.Metadata = map[string]interface{}{}
	}
	cmd.Metadata["trigger_source"] = triggerSource

	if cmd.ChannelID != t.cfg.ChannelID {
		t.log.Warnf("command for wrong channel: expected %d, got %d", t.cfg.ChannelID, cmd.ChannelID)
		return
	}

	t.log.Infof("%s command: point=%d value=%v cmd_id=%s", cmd.Kind, cmd.PointID, cmd.Value, cmd.CommandID)
	if _, err := t.dispatch(ctx, cmd); err != nil {
		t.log.Errorf("dispatch failed for cmd_id=%s: %v", cmd.CommandID, err)
	}
}
