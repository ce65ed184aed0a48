package channel

import (
	"context"

	"github.com/comsrv/edge-core/internal/config"
	"github.com/comsrv/edge-core/internal/slotstore"
)

// PointWrite is one point/value pair submitted to Control or Adjustment.
type PointWrite struct {
	PointID uint32
	Value   float64
}

// Driver is the Channel Driver Contract of spec.md §4.5 (component C5),
// implemented by each protocol (Modbus TCP/RTU, IEC-104, CAN, DI/DO,
// Virtual). It is the "polymorphic capability set" the design notes call
// for in place of inheritance: variant tags (ProtocolType, chosen by the
// Supervisor's constructor) select which implementation backs a Driver
// value — no shared base class is needed.
type Driver interface {
	// Initialize loads point tables, allocates slots, validates mappings.
	Initialize(ctx context.Context, cfg config.Config) error
	// Connect performs the transport handshake. May succeed in simulation
	// mode if hardware is missing; documented per driver (spec.md §4.5).
	Connect(ctx context.Context) error
	// Disconnect flushes, closes, and releases the transport.
	Disconnect(ctx context.Context) error

	// ReadFourTelemetry snapshots the driver's current view for one point
	// type (T, S, C, or A).
	ReadFourTelemetry(ctx context.Context, pointType slotstore.PointType) (map[uint32]slotstore.PointData, error)

	// Control issues protocol writes for control points; order preserved.
	Control(ctx context.Context, writes []PointWrite) ([]WriteResult, error)
	// Adjustment is the same shape for adjustment/analog-output points.
	Adjustment(ctx context.Context, writes []PointWrite) ([]WriteResult, error)

	State() State
	ChannelID() uint16
}

// ProtocolType tags which Driver constructor the Supervisor should use,
// per the design notes' "variant tags for ProtocolType select the
// constructor; no inheritance required".
type ProtocolType int

const (
	ProtocolModbusTCP ProtocolType = iota
	ProtocolModbusRTU
	ProtocolIEC104
	ProtocolCAN
	ProtocolDIDO
	ProtocolVirtual
)

func (p ProtocolType) String() string {
	switch p {
	case ProtocolModbusTCP:
		return "modbus_tcp"
	case ProtocolModbusRTU:
		return "modbus_rtu"
	case ProtocolIEC104:
		return "iec104"
	case ProtocolCAN:
		return "can"
	case ProtocolDIDO:
		return "dido"
	case ProtocolVirtual:
		return "virtual"
	default:
		return "unknown"
	}
}
