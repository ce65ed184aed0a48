package channel

import (
	"context"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/comsrv/edge-core/internal/batcher"
	"github.com/comsrv/edge-core/internal/logging"
	"github.com/comsrv/edge-core/internal/rtdb"
	"github.com/comsrv/edge-core/internal/slotstore"
)

// UplinkFunc is the C8 uplink rule's entry point, invoked by the Runtime
// after every channel-point write (spec.md §4.8: "called by drivers after
// hash_set of a channel point"). It is injected rather than imported
// directly so package channel never depends on package routing (the design
// notes' "break cycles with one-way message passing").
type UplinkFunc func(ctx context.Context, channelID uint16, pointType slotstore.PointType, pointID uint32, value float64, timestampMs uint64)

// RuntimeConfig configures one channel's polling loop.
type RuntimeConfig struct {
	PollInterval time.Duration
	// PollBurst bounds how many consecutive polls rate.Limiter allows to
	// run back-to-back, matching the teacher's "no busy-wait" design intent.
	PollBurst int
	// PointTypes lists which of T/S/C/A this channel polls; most drivers
	// poll T and S (inputs) and only write C/A on command.
	PointTypes []slotstore.PointType
}

// Runtime executes one channel's acquisition loop: at the configured rate,
// read current values from the driver, update the local slot, buffer them
// into the Write Batcher's hash_set calls for value/:ts/:raw, then invoke
// the uplink propagator (spec.md §4.5's polling loop steps a/b/c).
type Runtime struct {
	driver  Driver
	store   *slotstore.ChannelStore
	batcher *batcher.Batcher
	uplink  UplinkFunc
	cfg     RuntimeConfig
	log     *logging.Logger

	channelID uint16
}

// NewRuntime wires a Driver to its slot store, the shared Write Batcher,
// and the uplink propagator. The Supervisor (C10) calls this once per
// channel at creation (spec.md §4.10).
func NewRuntime(channelID uint16, driver Driver, store *slotstore.ChannelStore, wb *batcher.Batcher, uplink UplinkFunc, cfg RuntimeConfig) *Runtime {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.PollBurst <= 0 {
		cfg.PollBurst = 1
	}
	if len(cfg.PointTypes) == 0 {
		cfg.PointTypes = []slotstore.PointType{slotstore.Telemetry, slotstore.Signal}
	}
	return &Runtime{
		driver:    driver,
		store:     store,
		batcher:   wb,
		uplink:    uplink,
		cfg:       cfg,
		log:       logging.Named("channel").Named(strconv.Itoa(int(channelID))),
		channelID: channelID,
	}
}

func (r *Runtime) State() State { return r.driver.State() }

// pollOnce performs one read/write/uplink cycle across all configured
// point types.
func (r *Runtime) pollOnce(ctx context.Context, nowMs func() uint64) {
	for _, pt := range r.cfg.PointTypes {
		data, err := r.driver.ReadFourTelemetry(ctx, pt)
		if err != nil {
			r.log.Warnf("read %s failed: %v", pt, err)
			continue
		}
		for pointID, pd := range data {
			ts := pd.TimestampMs
			if ts == 0 {
				ts = nowMs()
			}
			store := r.store.For(pt)
			if store != nil {
				store.Set(pointID, pd.Value, pd.Raw, ts, pd.Quality)
			}

			base := rtdb.KeyJoin(strconv.Itoa(int(r.channelID)), pt.String())
			r.batcher.BufferHashSet(base, strconv.FormatUint(uint64(pointID), 10), []byte(formatValue(pd.Value)))
			r.batcher.BufferHashSet(base+":ts", strconv.FormatUint(uint64(pointID), 10), []byte(strconv.FormatUint(ts, 10)))
			r.batcher.BufferHashSet(base+":raw", strconv.FormatUint(uint64(pointID), 10), []byte(formatValue(pd.Raw)))

			if (pt == slotstore.Telemetry || pt == slotstore.Signal) && r.uplink != nil {
				r.uplink(ctx, r.channelID, pt, pointID, pd.Value, ts)
			}
		}
	}
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Run drives the polling loop until ctx is cancelled. A rate.Limiter
// throttles how fast consecutive polls can fire even if the driver
// responds instantly, matching spec.md §5's "CPU-bound work is
// synchronous" guidance without turning the loop into a busy-wait.
func (r *Runtime) Run(ctx context.Context, nowMs func() uint64) {
	limiter := rate.NewLimiter(rate.Every(r.cfg.PollInterval), r.cfg.PollBurst)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
		r.pollOnce(ctx, nowMs)
	}
}

// Dispatch issues a Control or Adjustment command to the driver, per
// spec.md §4.5/§4.6's "hands ChannelCommand to driver". It is the point
// where the Command Trigger (C6) and the Routing Propagator's downlink
// rule (C8) both ultimately land.
func (r *Runtime) Dispatch(ctx context.Context, cmd Command) (WriteResult, error) {
	write := []PointWrite{{PointID: cmd.PointID, Value: cmd.Value}}
	var (
		results []WriteResult
		err     error
	)
	switch cmd.Kind {
	case CommandControl:
		results, err = r.driver.Control(ctx, write)
	case CommandAdjustment:
		results, err = r.driver.Adjustment(ctx, write)
	}
	if err != nil {
		return WriteResult{PointID: cmd.PointID, OK: false, Err: err}, err
	}
	if len(results) == 0 {
		return WriteResult{PointID: cmd.PointID, OK: false}, nil
	}
	return results[0], nil
}
