package drivers

import (
	"context"
	"encoding/binary"
	"math"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/comsrv/edge-core/internal/channel"
	"github.com/comsrv/edge-core/internal/slotstore"
)

// pipeTransport adapts one half of a net.Pipe to the Transport interface
// (net.Conn already satisfies it; this alias just documents the intent).
type pipeTransport struct{ net.Conn }

// fakeServer plays the other half of the pipe: it reads one MBAP+PDU frame
// and replies with a canned holding-register response carrying value.
func fakeServer(t *testing.T, conn net.Conn, value float32) {
	header := make([]byte, 7)
	if _, err := readFull(conn, header); err != nil {
		return
	}
	length := binary.BigEndian.Uint16(header[4:6])
	body := make([]byte, length-1)
	if _, err := readFull(conn, body); err != nil {
		return
	}

	bits := math.Float32bits(value)
	resp := make([]byte, 0, 7)
	resp = append(resp, body[0], 4) // fc, byte count
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, bits)
	resp = append(resp, buf...)

	frame := make([]byte, 7+len(resp))
	copy(frame[0:2], header[0:2])
	binary.BigEndian.PutUint16(frame[4:6], uint16(len(resp)+1))
	frame[6] = header[6]
	copy(frame[7:], resp)
	_, _ = conn.Write(frame)
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		k, err := conn.Read(buf[n:])
		n += k
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func pipeDialer(serverConn net.Conn) func(ctx context.Context, addr string) (Transport, error) {
	return func(ctx context.Context, addr string) (Transport, error) {
		return pipeTransport{serverConn}, nil
	}
}

func TestModbusTCPReadFourTelemetryDecodesFloat(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go fakeServer(t, server, 12.5)

	drv := NewModbusTCP(1, "unused", 1, pipeDialer(client))
	drv.AddPoint(slotstore.Telemetry, 9, 100)

	require.NoError(t, drv.Connect(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := drv.ReadFourTelemetry(ctx, slotstore.Telemetry)
	require.NoError(t, err)
	require.Contains(t, data, uint32(9))
	require.InDelta(t, 12.5, data[9].Value, 0.001)
}

func TestModbusTCPReadUnmappedPointTypeIsEmpty(t *testing.T) {
	drv := NewModbusTCP(1, "unused", 1, func(ctx context.Context, addr string) (Transport, error) {
		t.Fatal("dialer should not be called with no points registered")
		return nil, nil
	})
	data, err := drv.ReadFourTelemetry(context.Background(), slotstore.Signal)
	require.NoError(t, err)
	require.Empty(t, data)
}

func TestModbusTCPConnectFailureSetsErrorState(t *testing.T) {
	drv := NewModbusTCP(1, "unused", 1, func(ctx context.Context, addr string) (Transport, error) {
		return nil, net.ErrClosed
	})
	err := drv.Connect(context.Background())
	require.Error(t, err)
	require.Equal(t, channel.Error, drv.State())
}
