// Package modbus implements the stack-allocated PDU and builder of
// spec.md §4.4 / §6.3 (component C4), ported from
// original_source/libs/voltage-protocols/src/modbus/pdu.rs: a fixed-size
// backing array plus a length, so request construction never allocates.
package modbus

import (
	"fmt"

	"github.com/comsrv/edge-core/internal/coreerr"
)

// MaxPDUSize is the Modbus RTU/TCP PDU upper bound (RFC: 253 data bytes).
const MaxPDUSize = 253

// Read request function codes accepted by BuildReadRequest.
const (
	FCReadCoils            byte = 0x01
	FCReadDiscreteInputs   byte = 0x02
	FCReadHoldingRegisters byte = 0x03
	FCReadInputRegisters   byte = 0x04
)

// Pdu is a fixed-capacity byte buffer with a length, per spec.md §4.4.
type Pdu struct {
	data [MaxPDUSize]byte
	len  int
}

// New returns an empty PDU.
func New() *Pdu {
	return &Pdu{}
}

// FromSlice validates length and copies data into a new Pdu.
func FromSlice(data []byte) (*Pdu, error) {
	if len(data) > MaxPDUSize {
		return nil, coreerr.New(coreerr.Protocol, "FromSlice",
			fmt.Errorf("PDU too large: %d bytes (max %d)", len(data), MaxPDUSize))
	}
	p := New()
	copy(p.data[:], data)
	p.len = len(data)
	return p, nil
}

// Push appends a single byte, leaving the PDU unchanged on overflow.
func (p *Pdu) Push(b byte) error {
	if p.len >= MaxPDUSize {
		return coreerr.New(coreerr.Protocol, "Push", fmt.Errorf("PDU buffer full"))
	}
	p.data[p.len] = b
	p.len++
	return nil
}

// PushU16 appends a big-endian uint16.
func (p *Pdu) PushU16(v uint16) error {
	if p.len+2 > MaxPDUSize {
		return coreerr.New(coreerr.Protocol, "PushU16", fmt.Errorf("PDU would exceed max size"))
	}
	// Push byte-by-byte so a partial write never happens: each Push below
	// cannot fail since the capacity check above already covers both bytes.
	_ = p.Push(byte(v >> 8))
	_ = p.Push(byte(v & 0xFF))
	return nil
}

// Extend appends a byte slice, leaving the PDU unchanged on overflow.
func (p *Pdu) Extend(data []byte) error {
	if p.len+len(data) > MaxPDUSize {
		return coreerr.New(coreerr.Protocol, "Extend",
			fmt.Errorf("PDU would exceed max size: %d + %d > %d", p.len, len(data), MaxPDUSize))
	}
	copy(p.data[p.len:], data)
	p.len += len(data)
	return nil
}

// AsSlice returns the logical (non-capacity) contents.
func (p *Pdu) AsSlice() []byte {
	return p.data[:p.len]
}

// Len returns the current length.
func (p *Pdu) Len() int { return p.len }

// IsEmpty reports whether the PDU holds no bytes.
func (p *Pdu) IsEmpty() bool { return p.len == 0 }

// Reset truncates the PDU to zero length without zeroing the backing array,
// matching original_source's ModbusPdu::clear() (zeroing left optional).
func (p *Pdu) Reset() { p.len = 0 }

// FunctionCode returns byte 0, or ok=false if the PDU is empty.
func (p *Pdu) FunctionCode() (byte, bool) {
	if p.len == 0 {
		return 0, false
	}
	return p.data[0], true
}

// IsException reports whether bit 7 of the function code is set (spec.md §6.3).
func (p *Pdu) IsException() bool {
	fc, ok := p.FunctionCode()
	return ok && fc&0x80 != 0
}

// ExceptionCode returns byte 1 when IsException and at least 2 bytes are present.
func (p *Pdu) ExceptionCode() (byte, bool) {
	if !p.IsException() || p.len < 2 {
		return 0, false
	}
	return p.data[1], true
}

// FunctionCodeName returns a human-readable description for log messages,
// ported from the original's function_code_description helper. It strips
// the exception bit before lookup.
func FunctionCodeName(fc byte) string {
	switch fc & 0x7F {
	case 0x01:
		return "Read Coils"
	case 0x02:
		return "Read Discrete Inputs"
	case 0x03:
		return "Read Holding Registers"
	case 0x04:
		return "Read Input Registers"
	case 0x05:
		return "Write Single Coil"
	case 0x06:
		return "Write Single Register"
	case 0x0F:
		return "Write Multiple Coils"
	case 0x10:
		return "Write Multiple Registers"
	case 0x17:
		return "Read/Write Multiple Registers"
	default:
		return "Unknown Function"
	}
}

// Builder is a chainable PDU constructor; each method returns the Builder.
// The first operation that would overflow the underlying Pdu is recorded
// and leaves the Pdu unchanged; Build returns that error.
type Builder struct {
	pdu *Pdu
	err error
}

func NewBuilder() *Builder {
	return &Builder{pdu: New()}
}

func (b *Builder) FunctionCode(fc byte) *Builder {
	if b.err == nil {
		b.err = b.pdu.Push(fc)
	}
	return b
}

func (b *Builder) Address(addr uint16) *Builder {
	if b.err == nil {
		b.err = b.pdu.PushU16(addr)
	}
	return b
}

func (b *Builder) Quantity(qty uint16) *Builder {
	if b.err == nil {
		b.err = b.pdu.PushU16(qty)
	}
	return b
}

func (b *Builder) Byte(v byte) *Builder {
	if b.err == nil {
		b.err = b.pdu.Push(v)
	}
	return b
}

func (b *Builder) Data(data []byte) *Builder {
	if b.err == nil {
		b.err = b.pdu.Extend(data)
	}
	return b
}

// Build returns the accumulated PDU, or the first error encountered.
func (b *Builder) Build() (*Pdu, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.pdu, nil
}

// BuildReadRequest is the spec.md §4.4 convenience constructor for FC
// 0x01-0x04: [fc][addr_hi][addr_lo][qty_hi][qty_lo].
func BuildReadRequest(fc byte, startAddr, quantity uint16) (*Pdu, error) {
	if fc < FCReadCoils || fc > FCReadInputRegisters {
		return nil, coreerr.New(coreerr.Protocol, "BuildReadRequest",
			fmt.Errorf("build_read_request only supports FC01-04, got FC%02X", fc))
	}
	return NewBuilder().FunctionCode(fc).Address(startAddr).Quantity(quantity).Build()
}
