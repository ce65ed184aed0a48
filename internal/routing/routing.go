// Package routing implements the Routing Cache and Routing Propagator of
// spec.md §3.4/§4.7/§4.8 (components C7/C8): three atomically-swapped
// lookup maps sourced from a canonical SQLite table, plus the uplink and
// downlink rules that push values between Channel and Instance hash
// spaces. Grounded on the teacher's "build fresh, then atomically swap"
// refresh pattern used for metadata/cluster-info caches (see
// secondary/manager's cluster-info reload), generalized here with
// sync/atomic.Pointer instead of a mutex-guarded struct.
package routing

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"

	"github.com/comsrv/edge-core/internal/coreerr"
	"github.com/comsrv/edge-core/internal/logging"
	"github.com/comsrv/edge-core/internal/rtdb"
	"github.com/comsrv/edge-core/internal/slotstore"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// C2MTarget is the resolved measurement target of a channel-to-measurement
// route, per spec.md §3.3 (route:c2m value shape "{iid}:M:{mid}").
type C2MTarget struct {
	InstanceID    uint16
	MeasurementID uint32
}

// M2CTarget is the resolved channel target of a measurement-to-channel
// (downlink) route.
type M2CTarget struct {
	ChannelID uint16
	PointType slotstore.PointType // C or A
	PointID   uint32
}

// c2mKey/m2cKey are the lookup keys, kept as plain strings so the maps can
// be built and swapped without a custom hash function.
func c2mKey(channelID uint16, pointType slotstore.PointType, pointID uint32) string {
	return fmt.Sprintf("%d:%s:%d", channelID, pointType, pointID)
}

func m2cKey(instanceID uint16, actionID uint32) string {
	return fmt.Sprintf("%d:%d", instanceID, actionID)
}

// tables is the atomically-swapped triple spec.md §3.4 requires: readers
// never observe a torn pair because all three maps live behind one
// pointer, replaced in a single atomic store.
type tables struct {
	c2m map[string]C2MTarget
	m2c map[string]M2CTarget
	c2c map[string]string // reserved, always empty in this revision
}

// Cache is the Routing Cache of spec.md §4.7.
type Cache struct {
	current atomic.Pointer[tables]
	log     *logging.Logger
}

// NewCache returns an empty Cache; call Refresh before first use.
func NewCache() *Cache {
	c := &Cache{log: logging.Named("routing.cache")}
	c.current.Store(&tables{c2m: map[string]C2MTarget{}, m2c: map[string]M2CTarget{}, c2c: map[string]string{}})
	return c
}

// Refresh atomically replaces all three maps with rows from the canonical
// source: it builds new maps and swaps them in with one atomic store. The
// two tables are read by two separate Source calls, not inside one
// transaction.
func (c *Cache) Refresh(ctx context.Context, src Source) error {
	rows, err := src.LoadMeasurementRouting(ctx)
	if err != nil {
		return coreerr.New(coreerr.Storage, "routing.refresh", err)
	}
	actions, err := src.LoadActionRouting(ctx)
	if err != nil {
		return coreerr.New(coreerr.Storage, "routing.refresh", err)
	}

	next := &tables{
		c2m: make(map[string]C2MTarget, len(rows)),
		m2c: make(map[string]M2CTarget, len(actions)),
		c2c: map[string]string{},
	}
	for _, r := range rows {
		next.c2m[c2mKey(r.ChannelID, r.ChannelType, r.ChannelPointID)] = C2MTarget{
			InstanceID:    r.InstanceID,
			MeasurementID: r.MeasurementID,
		}
	}
	for _, a := range actions {
		next.m2c[m2cKey(a.InstanceID, a.ActionID)] = M2CTarget{
			ChannelID: a.ChannelID,
			PointType: a.ChannelType,
			PointID:   a.ChannelPointID,
		}
	}

	c.current.Store(next)
	c.log.Infof("routing cache refreshed: %d c2m, %d m2c routes", len(next.c2m), len(next.m2c))
	return nil
}

// C2MLookup resolves a channel point to its measurement target.
func (c *Cache) C2MLookup(channelID uint16, pointType slotstore.PointType, pointID uint32) (C2MTarget, bool) {
	t := c.current.Load()
	target, ok := t.c2m[c2mKey(channelID, pointType, pointID)]
	return target, ok
}

// M2CLookup resolves an instance action to its channel target.
func (c *Cache) M2CLookup(instanceID uint16, actionID uint32) (M2CTarget, bool) {
	t := c.current.Load()
	target, ok := t.m2c[m2cKey(instanceID, actionID)]
	return target, ok
}

// MeasurementRow/ActionRow mirror the two SQLite tables of spec.md §6.4.
type MeasurementRow struct {
	ChannelID      uint16
	ChannelType    slotstore.PointType // 'T' or 'S'
	ChannelPointID uint32
	InstanceID     uint16
	MeasurementID  uint32
}

type ActionRow struct {
	InstanceID     uint16
	ActionID       uint32
	ChannelID      uint16
	ChannelType    slotstore.PointType // 'C' or 'A'
	ChannelPointID uint32
}

// Source is the canonical routing table reader the Cache refreshes from.
// Implemented by *SQLiteSource (production) and a slice-backed fake in
// tests.
type Source interface {
	LoadMeasurementRouting(ctx context.Context) ([]MeasurementRow, error)
	LoadActionRouting(ctx context.Context) ([]ActionRow, error)
}

// Propagator implements the uplink/downlink rules of spec.md §4.8,
// reading/writing instance and channel hashes through the shared Rtdb and
// the channel's own command queues.
type Propagator struct {
	cache *Cache
	rtdb  rtdb.Rtdb
	log   *logging.Logger
}

func NewPropagator(cache *Cache, db rtdb.Rtdb) *Propagator {
	return &Propagator{cache: cache, rtdb: db, log: logging.Named("routing.propagator")}
}

// Uplink is called by the Channel Runtime after every hash_set of a
// channel point (spec.md §4.8). It is a no-op, not an error, when no C2M
// route exists.
func (p *Propagator) Uplink(ctx context.Context, channelID uint16, pointType slotstore.PointType, pointID uint32, value float64) error {
	target, ok := p.cache.C2MLookup(channelID, pointType, pointID)
	if !ok {
		return nil
	}
	key := fmt.Sprintf("inst:%d:M", target.InstanceID)
	field := strconv.FormatUint(uint64(target.MeasurementID), 10)
	if err := p.rtdb.HashSet(ctx, key, field, []byte(formatFloat(value))); err != nil {
		return coreerr.New(coreerr.Storage, "routing.uplink", err)
	}
	return nil
}

// Downlink is called by Instance Manager's execute_action (spec.md §4.9).
// It always returns nil on success, even when no M2C route exists — the
// local-store write in step (1) is the caller's responsibility and is not
// performed here; Downlink only performs steps (2) and (3), returning
// routed=false when there is nothing to propagate.
func (p *Propagator) Downlink(ctx context.Context, instanceID uint16, actionID uint32, value float64, commandID string, timestampMs int64) (routed bool, err error) {
	target, ok := p.cache.M2CLookup(instanceID, actionID)
	if !ok {
		return false, nil
	}

	channelKey := fmt.Sprintf("%d:%s", target.ChannelID, target.PointType)
	field := strconv.FormatUint(uint64(target.PointID), 10)
	if err := p.rtdb.HashSet(ctx, channelKey, field, []byte(formatFloat(value))); err != nil {
		p.log.Warnf("downlink channel hash_set failed (cache update only): %v", err)
	}

	if commandID == "" {
		commandID = fmt.Sprintf("cmd_%d", timestampMs)
	}
	payload := buildCommandJSON(commandID, target.ChannelID, target.PointType, target.PointID, value, timestampMs)
	queue := fmt.Sprintf("comsrv:trigger:%d:%s", target.ChannelID, target.PointType)
	if err := p.rtdb.LPush(ctx, queue, payload); err != nil {
		return true, coreerr.New(coreerr.Storage, "routing.downlink", err)
	}
	return true, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// downlinkCommand is the wire shape of spec.md §4.8 step (3)'s lpush
// payload: a ChannelCommand annotated with metadata.source="m2c".
type downlinkCommand struct {
	CommandID   string                 `json:"command_id"`
	ChannelID   uint16                 `json:"channel_id"`
	CommandType string                 `json:"command_type"`
	PointID     uint32                 `json:"point_id"`
	Value       float64                `json:"value"`
	Timestamp   int64                  `json:"timestamp"`
	Metadata    map[string]interface{} `json:"metadata"`
}

// buildCommandJSON serializes the downlink's trigger-queue payload.
func buildCommandJSON(commandID string, channelID uint16, pointType slotstore.PointType, pointID uint32, value float64, timestampMs int64) []byte {
	commandType := "control"
	if pointType == slotstore.Adjustment {
		commandType = "adjustment"
	}
	payload, _ := json.Marshal(downlinkCommand{
		CommandID:   commandID,
		ChannelID:   channelID,
		CommandType: commandType,
		PointID:     pointID,
		Value:       value,
		Timestamp:   timestampMs,
		Metadata:    map[string]interface{}{"source": "m2c"},
	})
	return payload
}
