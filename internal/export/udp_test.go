package export

import (
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"rtk-rover/internal/nmea"
	"rtk-rover/internal/telemetry"
)

type fakeConn struct {
	writes    [][]byte
	writeErr  error
	closed    bool
	writeHits int
}

func (c *fakeConn) Write(p []byte) (int, error) {
	c.writeHits++
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	c.writes = append(c.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func TestNewUDPForwarder_DialsResolvedAddr(t *testing.T) {
	var gotNetwork string
	var gotRaddr *net.UDPAddr
	fc := &fakeConn{}
	dial := func(network string, laddr, raddr *net.UDPAddr) (udpConn, error) {
		gotNetwork = network
		gotRaddr = raddr
		return fc, nil
	}

	f, err := newUDPForwarder("127.0.0.1:10110", nil, net.ResolveUDPAddr, dial)
	if err != nil {
		t.Fatalf("newUDPForwarder() error: %v", err)
	}
	if gotNetwork != "udp" {
		t.Fatalf("network=%q want udp", gotNetwork)
	}
	if gotRaddr == nil || gotRaddr.Port != 10110 || !gotRaddr.IP.Equal(net.IPv4(127, 0, 0, 1)) {
		t.Fatalf("raddr=%v want 127.0.0.1:10110", gotRaddr)
	}
	if err := f.Close(); err != nil || !fc.closed {
		t.Fatalf("Close() err=%v closed=%v", err, fc.closed)
	}
}

func TestNewUDPForwarder_ResolveFailure(t *testing.T) {
	resolveErr := errors.New("nope")
	resolve := func(network, address string) (*net.UDPAddr, error) { return nil, resolveErr }
	dial := func(network string, laddr, raddr *net.UDPAddr) (udpConn, error) { return &fakeConn{}, nil }

	if _, err := newUDPForwarder("bad:addr", nil, resolve, dial); !errors.Is(err, resolveErr) {
		t.Fatalf("err=%v want %v", err, resolveErr)
	}
}

func TestUDPForwarder_RecordSendsFixesOnly(t *testing.T) {
	fc := &fakeConn{}
	f := &UDPForwarder{dest: "x", conn: fc}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	in := nmea.Encode("GNGGA,123519.00,4807.038,N,01131.000,E,4,12,0.9,545.400,M,46.900,M,1.0,0123")
	msg, err := nmea.Decode(now, in)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	f.Record(now, msg)
	f.Record(now, telemetry.Gga{Time: "123520.00", LocationLatitude: "4807.038,N", LocationLongitude: "01131.000,E"})
	f.Record(now, telemetry.Txt{Message: "RTK FIX"})

	if fc.writeHits != 1 {
		t.Fatalf("writes=%d want 1", fc.writeHits)
	}
	got := strings.TrimSpace(string(fc.writes[0]))
	if got != in {
		t.Fatalf("sentence=%q want %q", got, in)
	}
	if !strings.HasSuffix(string(fc.writes[0]), "\r\n") {
		t.Fatalf("missing CRLF: %q", fc.writes[0])
	}
}

func TestUDPForwarder_SendEmptyNoWrite(t *testing.T) {
	fc := &fakeConn{}
	f := &UDPForwarder{dest: "x", conn: fc}
	if err := f.Send(nil); err != nil {
		t.Fatalf("Send(nil) error: %v", err)
	}
	if fc.writeHits != 0 {
		t.Fatalf("expected no writes, got %d", fc.writeHits)
	}
}

func TestUDPForwarder_SendPropagatesError(t *testing.T) {
	wantErr := errors.New("boom")
	f := &UDPForwarder{dest: "x", conn: &fakeConn{writeErr: wantErr}}
	if err := f.Send([]byte{0x01}); !errors.Is(err, wantErr) {
		t.Fatalf("err=%v want %v", err, wantErr)
	}
}
