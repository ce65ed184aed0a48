package modbus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// S2 — PDU builder FC03.
func TestBuildReadRequestFC03(t *testing.T) {
	pdu, err := BuildReadRequest(0x03, 0x006B, 3)
	require.NoError(t, err)
	require.Equal(t, []byte{0x03, 0x00, 0x6B, 0x00, 0x03}, pdu.AsSlice())
	require.Equal(t, 5, pdu.Len())
}

// S3 — Exception response.
func TestExceptionResponse(t *testing.T) {
	pdu := New()
	require.NoError(t, pdu.Push(0x83))
	require.NoError(t, pdu.Push(0x02))

	require.True(t, pdu.IsException())
	code, ok := pdu.ExceptionCode()
	require.True(t, ok)
	require.Equal(t, byte(0x02), code)

	fc, ok := pdu.FunctionCode()
	require.True(t, ok)
	require.Equal(t, byte(0x83), fc)
}

// P4 — builder never exceeds MaxPDUSize; overflow leaves state unchanged.
func TestPushOverflowLeavesStateUnchanged(t *testing.T) {
	pdu := New()
	for i := 0; i < MaxPDUSize; i++ {
		require.NoError(t, pdu.Push(byte(i)))
	}
	require.Equal(t, MaxPDUSize, pdu.Len())

	err := pdu.Push(0xFF)
	require.Error(t, err)
	require.Equal(t, MaxPDUSize, pdu.Len())

	err = pdu.Extend([]byte{1, 2, 3})
	require.Error(t, err)
	require.Equal(t, MaxPDUSize, pdu.Len())
}

// P5 — FromSlice is a left inverse of AsSlice.
func TestFromSliceRoundTrip(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03, 0x04, 0x05}
	pdu, err := FromSlice(data)
	require.NoError(t, err)
	require.Equal(t, data, pdu.AsSlice())
}

func TestFromSliceTooLarge(t *testing.T) {
	data := make([]byte, MaxPDUSize+1)
	_, err := FromSlice(data)
	require.Error(t, err)
}

// P6 — exception detection iff bit 7 of byte 0 is set.
func TestIsExceptionBitSeven(t *testing.T) {
	cases := []struct {
		fc   byte
		want bool
	}{
		{0x03, false},
		{0x83, true},
		{0x01, false},
		{0x81, true},
	}
	for _, c := range cases {
		pdu := New()
		require.NoError(t, pdu.Push(c.fc))
		require.Equal(t, c.want, pdu.IsException())
	}
}

func TestEmptyPduHasNoFunctionCode(t *testing.T) {
	pdu := New()
	_, ok := pdu.FunctionCode()
	require.False(t, ok)
	require.False(t, pdu.IsException())
	require.True(t, pdu.IsEmpty())
}

func TestBuildReadRequestRejectsOtherFunctionCodes(t *testing.T) {
	_, err := BuildReadRequest(0x10, 0, 1)
	require.Error(t, err)
}

func TestResetTruncatesLength(t *testing.T) {
	pdu, err := FromSlice([]byte{1, 2, 3})
	require.NoError(t, err)
	pdu.Reset()
	require.True(t, pdu.IsEmpty())
	require.Equal(t, 0, pdu.Len())
}

func TestFunctionCodeName(t *testing.T) {
	require.Equal(t, "Read Holding Registers", FunctionCodeName(0x03))
	require.Equal(t, "Read Holding Registers", FunctionCodeName(0x83)) // exception bit stripped
	require.Equal(t, "Unknown Function", FunctionCodeName(0x99))
}
