// Package drivers holds the protocol-specific Channel Driver Contract
// implementations of spec.md §4.5 (component C5): Modbus TCP and a Virtual
// driver used for testing/simulation and as the DI/DO "missing GPIO
// filesystem" fallback spec.md explicitly permits.
package drivers

import (
	"context"
	"sync"

	"github.com/comsrv/edge-core/internal/channel"
	"github.com/comsrv/edge-core/internal/config"
	"github.com/comsrv/edge-core/internal/logging"
	"github.com/comsrv/edge-core/internal/slotstore"
)

// Virtual is a software-only Driver: no transport at all, values are
// whatever the last Control/Adjustment call (or test harness) set them to.
// It backs both pure unit tests and the documented simulation-mode
// fallback for DI/DO channels with no GPIO filesystem present.
type Virtual struct {
	channelID uint16
	state     channel.State
	mu        sync.Mutex
	points    map[slotstore.PointType]map[uint32]slotstore.PointData
	log       *logging.Logger
}

// NewVirtual constructs a Virtual driver for the given channel id.
func NewVirtual(channelID uint16) *Virtual {
	return &Virtual{
		channelID: channelID,
		state:     channel.Uninitialized,
		points:    make(map[slotstore.PointType]map[uint32]slotstore.PointData),
		log:       logging.Named("driver.virtual"),
	}
}

func (v *Virtual) ChannelID() uint16  { return v.channelID }
func (v *Virtual) State() channel.State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

func (v *Virtual) setState(s channel.State) { v.mu.Lock(); v.state = s; v.mu.Unlock() }

// Initialize ensures an (initially empty) point table exists for each of
// T/S/C/A. cfg is not read; values enter the tables through SeedPoint,
// Control or Adjustment.
func (v *Virtual) Initialize(_ context.Context, _ config.Config) error {
	v.setState(channel.Initializing)
	v.mu.Lock()
	for _, pt := range []slotstore.PointType{slotstore.Telemetry, slotstore.Signal, slotstore.Control, slotstore.Adjustment} {
		if _, ok := v.points[pt]; !ok {
			v.points[pt] = make(map[uint32]slotstore.PointData)
		}
	}
	v.mu.Unlock()
	v.setState(channel.Connecting)
	return nil
}

// Connect always succeeds: a Virtual channel has no transport, the
// simulation-mode behavior spec.md §4.5 permits for DI/DO with no GPIO
// filesystem.
func (v *Virtual) Connect(_ context.Context) error {
	v.setState(channel.Connected)
	return nil
}

func (v *Virtual) Disconnect(_ context.Context) error {
	v.setState(channel.Closed)
	return nil
}

// SeedPoint lets tests and the bootstrap config pre-populate a value
// without going through Control/Adjustment.
func (v *Virtual) SeedPoint(pointType slotstore.PointType, pointID uint32, value float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.points[pointType] == nil {
		v.points[pointType] = make(map[uint32]slotstore.PointData)
	}
	v.points[pointType][pointID] = slotstore.PointData{PointID: pointID, Value: value, Raw: value}
}

func (v *Virtual) ReadFourTelemetry(_ context.Context, pointType slotstore.PointType) (map[uint32]slotstore.PointData, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[uint32]slotstore.PointData, len(v.points[pointType]))
	for id, d := range v.points[pointType] {
		out[id] = d
	}
	return out, nil
}

func (v *Virtual) write(pointType slotstore.PointType, writes []channel.PointWrite) []channel.WriteResult {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.points[pointType] == nil {
		v.points[pointType] = make(map[uint32]slotstore.PointData)
	}
	results := make([]channel.WriteResult, len(writes))
	for i, w := range writes {
		v.points[pointType][w.PointID] = slotstore.PointData{PointID: w.PointID, Value: w.Value, Raw: w.Value}
		results[i] = channel.WriteResult{PointID: w.PointID, OK: true}
	}
	return results
}

func (v *Virtual) Control(_ context.Context, writes []channel.PointWrite) ([]channel.WriteResult, error) {
	return v.write(slotstore.Control, writes), nil
}

func (v *Virtual) Adjustment(_ context.Context, writes []channel.PointWrite) ([]channel.WriteResult, error) {
	return v.write(slotstore.Adjustment, writes), nil
}

var _ channel.Driver = (*Virtual)(nil)
