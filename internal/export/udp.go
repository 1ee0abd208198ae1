package export

import (
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"rtk-rover/internal/nmea"
	"rtk-rover/internal/telemetry"
)

type udpConn interface {
	Write(p []byte) (int, error)
	Close() error
}

type (
	resolveFunc func(network, address string) (*net.UDPAddr, error)
	dialFunc    func(network string, laddr, raddr *net.UDPAddr) (udpConn, error)
)

// UDPForwarder re-emits each position fix as a GGA sentence in its own
// datagram, for chart plotters and mapping tools that listen for NMEA.
type UDPForwarder struct {
	dest string
	conn udpConn
	log  zerolog.Logger
}

func NewUDPForwarder(dest string, log *zerolog.Logger) (*UDPForwarder, error) {
	return newUDPForwarder(dest, log, net.ResolveUDPAddr, func(network string, laddr, raddr *net.UDPAddr) (udpConn, error) {
		return net.DialUDP(network, laddr, raddr)
	})
}

func newUDPForwarder(dest string, log *zerolog.Logger, resolve resolveFunc, dial dialFunc) (*UDPForwarder, error) {
	addr, err := resolve("udp", dest)
	if err != nil {
		return nil, fmt.Errorf("resolve dest: %w", err)
	}
	// DialUDP selects a suitable local address automatically.
	conn, err := dial("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dial udp: %w", err)
	}
	l := zerolog.Nop()
	if log != nil {
		l = *log
	}
	return &UDPForwarder{dest: dest, conn: conn, log: l}, nil
}

func (f *UDPForwarder) Send(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	_, err := f.conn.Write(payload)
	return err
}

// Record implements Recorder. Messages without a fix are skipped.
func (f *UDPForwarder) Record(_ time.Time, msg telemetry.Message) {
	var gga telemetry.Gga
	switch m := msg.(type) {
	case telemetry.Gga:
		gga = m
	case *telemetry.Gga:
		gga = *m
	default:
		return
	}
	line, ok := GGASentence(gga)
	if !ok {
		return
	}
	if err := f.Send([]byte(line + "\r\n")); err != nil {
		f.log.Debug().Err(err).Str("dest", f.dest).Msg("udp send failed")
	}
}

// GGASentence frames gga back into NMEA. It reports false for messages
// without a fix or without a position.
func GGASentence(gga telemetry.Gga) (string, bool) {
	if gga.Quality == 0 || gga.LocationLatitude == "" || gga.LocationLongitude == "" {
		return "", false
	}
	return nmea.Encode(fmt.Sprintf("GNGGA,%s,%s,%s,%d,%02d,%.1f,%.3f,M,%.3f,M,%.1f,%s",
		gga.Time, gga.LocationLatitude, gga.LocationLongitude, gga.Quality,
		gga.SatelliteCount, gga.Hdop, gga.ReferenceAltitude, gga.GeoidSeparation,
		gga.CorrectionAge, gga.CorrectionStationID)), true
}

func (f *UDPForwarder) Close() error {
	if f.conn == nil {
		return nil
	}
	return f.conn.Close()
}
