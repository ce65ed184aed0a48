// Package supervisor implements the Channel Supervisor of spec.md §4.10
// (component C10): owns every channel's Runtime, starts/stops them in
// parallel with per-channel timeouts, and reports aggregate stats.
// Grounded on the teacher's connection-pool-wide start/stop fan-out (see
// secondary/dataport's Feeds/Endpoints lifecycle) generalized with
// golang.org/x/sync/errgroup instead of hand-rolled WaitGroup+error
// channel plumbing.
package supervisor

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/comsrv/edge-core/internal/batcher"
	"github.com/comsrv/edge-core/internal/channel"
	"github.com/comsrv/edge-core/internal/coreerr"
	"github.com/comsrv/edge-core/internal/logging"
	"github.com/comsrv/edge-core/internal/routing"
	"github.com/comsrv/edge-core/internal/rtdb"
	"github.com/comsrv/edge-core/internal/slotstore"
	"github.com/comsrv/edge-core/internal/trigger"
)

// StartTimeout bounds how long one channel's Connect may take during
// StartAll before it is considered failed (driver-internal retries are the
// driver's concern per spec.md §4.5; this is the supervisor-level ceiling).
const StartTimeout = 10 * time.Second

// managedChannel bundles everything the Supervisor owns per channel.
type managedChannel struct {
	id       uint16
	protocol channel.ProtocolType
	driver   channel.Driver
	runtime  *channel.Runtime
	trigger  *trigger.Trigger
	cancel   context.CancelFunc
}

// Stats is the Supervisor's aggregate snapshot, per spec.md §4.10.
type Stats struct {
	RunningCount   int
	TotalPoints    int
	ProtocolCounts map[string]int
}

// Supervisor owns a set of channels keyed by id.
type Supervisor struct {
	rtdb       rtdb.Rtdb
	batcher    *batcher.Batcher
	store      *slotstore.ChannelStore
	propagator *routing.Propagator
	log        *logging.Logger

	mu       sync.Mutex
	channels map[uint16]*managedChannel
}

// New wires the shared Write Batcher, Routing Propagator, and RTDB handle
// that every channel it creates will be handed (spec.md §4.10).
func New(db rtdb.Rtdb, wb *batcher.Batcher, prop *routing.Propagator) *Supervisor {
	return &Supervisor{
		rtdb:       db,
		batcher:    wb,
		store:      slotstore.NewChannelStore(),
		propagator: prop,
		log:        logging.Named("supervisor"),
		channels:   make(map[uint16]*managedChannel),
	}
}

// AddChannel registers a driver under the given channel id with a
// RuntimeConfig, wiring its uplink hook to the shared Propagator and its
// Trigger to the same channel's Dispatch. The channel is not started until
// StartAll or Restart runs its Connect.
func (s *Supervisor) AddChannel(id uint16, protocol channel.ProtocolType, driver channel.Driver, cfg channel.RuntimeConfig, triggerCfg trigger.Config) {
	rt := channel.NewRuntime(id, driver, s.store, s.batcher, s.makeUplink(), cfg)
	triggerCfg.ChannelID = id
	trg := trigger.New(s.rtdb, triggerCfg, rt.Dispatch)

	s.mu.Lock()
	s.channels[id] = &managedChannel{id: id, protocol: protocol, driver: driver, runtime: rt, trigger: trg}
	s.mu.Unlock()
}

func (s *Supervisor) makeUplink() channel.UplinkFunc {
	return func(ctx context.Context, channelID uint16, pointType slotstore.PointType, pointID uint32, value float64, _ uint64) {
		if s.propagator == nil {
			return
		}
		if err := s.propagator.Uplink(ctx, channelID, pointType, pointID, value); err != nil {
			s.log.Warnf("uplink propagation failed for channel %d point %d: %v", channelID, pointID, err)
		}
	}
}

func nowMillis() uint64 { return uint64(time.Now().UnixMilli()) }

// startChannel connects the driver (bounded by StartTimeout) and, on
// success, launches its polling loop and trigger under ctx.
func (s *Supervisor) startChannel(ctx context.Context, mc *managedChannel) error {
	connectCtx, cancel := context.WithTimeout(ctx, StartTimeout)
	defer cancel()
	if err := mc.driver.Connect(connectCtx); err != nil {
		return coreerr.New(coreerr.Transport, "supervisor.start_channel", err)
	}

	runCtx, runCancel := context.WithCancel(ctx)
	mc.cancel = runCancel
	go mc.runtime.Run(runCtx, nowMillis)
	mc.trigger.Start(runCtx)
	return nil
}

// StartAll connects every channel's driver in parallel (each bounded by
// StartTimeout) and launches its polling loop and trigger, per spec.md
// §4.10. A Config error on one channel does not prevent others from
// starting (spec.md §7); every failure is logged and the returned error is
// the first one.
func (s *Supervisor) StartAll(ctx context.Context) error {
	s.mu.Lock()
	channels := make([]*managedChannel, 0, len(s.channels))
	for _, mc := range s.channels {
		channels = append(channels, mc)
	}
	s.mu.Unlock()

	var g errgroup.Group
	for _, mc := range channels {
		mc := mc
		g.Go(func() error {
			if err := s.startChannel(ctx, mc); err != nil {
				s.log.Errorf("channel %d failed to start: %v", mc.id, err)
				return err
			}
			s.log.Infof("channel %d (%s) started", mc.id, mc.protocol)
			return nil
		})
	}
	return g.Wait()
}

// StopAll cancels every channel's polling loop and trigger, in parallel,
// waiting for each trigger's own grace window.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	channels := make([]*managedChannel, 0, len(s.channels))
	for _, mc := range s.channels {
		channels = append(channels, mc)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, mc := range channels {
		mc := mc
		wg.Add(1)
		go func() {
			defer wg.Done()
			if mc.cancel != nil {
				mc.cancel()
			}
			mc.trigger.Stop()
			_ = mc.driver.Disconnect(context.Background())
			s.log.Infof("channel %d stopped", mc.id)
		}()
	}
	wg.Wait()
}

// Restart stops and restarts one channel by id, per spec.md §4.10.
func (s *Supervisor) Restart(ctx context.Context, id uint16) error {
	s.mu.Lock()
	mc, ok := s.channels[id]
	s.mu.Unlock()
	if !ok {
		return coreerr.New(coreerr.NotFound, "supervisor.restart", nil)
	}

	if mc.cancel != nil {
		mc.cancel()
	}
	mc.trigger.Stop()
	_ = mc.driver.Disconnect(ctx)

	return s.startChannel(ctx, mc)
}

// CollectStats reports the aggregate view of spec.md §4.10.
func (s *Supervisor) CollectStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{ProtocolCounts: make(map[string]int)}
	for _, mc := range s.channels {
		if mc.runtime.State() == channel.Connected {
			stats.RunningCount++
		}
		stats.ProtocolCounts[mc.protocol.String()]++
	}
	for _, pt := range []slotstore.PointType{slotstore.Telemetry, slotstore.Signal, slotstore.Control, slotstore.Adjustment} {
		if st := s.store.For(pt); st != nil {
			stats.TotalPoints += st.PointCount()
		}
	}
	return stats
}

// Store exposes the shared ChannelStore so bootstrap code can register
// point tables per channel before StartAll.
func (s *Supervisor) Store() *slotstore.ChannelStore { return s.store }
