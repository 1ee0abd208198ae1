package serialrx

import (
	"context"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.bug.st/serial"
)

const gpsdPrefix = "gpsd://"

// Seams for tests.
var (
	openPortFn  = openPort
	listPortsFn = listPorts
)

// openPort opens either a local serial device or, for gpsd:// ids, a gpsd
// socket streaming raw NMEA.
func openPort(id string, baud int) (io.ReadWriteCloser, error) {
	if addr, ok := strings.CutPrefix(id, gpsdPrefix); ok {
		return dialGPSD(context.Background(), addr)
	}
	return openSerial(id, baud)
}

// listPorts merges the serial enumerator with the usual USB receiver device
// nodes, which some enumerators miss.
func listPorts() ([]string, error) {
	seen := map[string]struct{}{}
	var out []string
	ports, err := serial.GetPortsList()
	for _, p := range ports {
		if _, dup := seen[p]; !dup {
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	for _, pattern := range []string{"/dev/ttyACM*", "/dev/ttyUSB*"} {
		matches, _ := filepath.Glob(pattern)
		for _, m := range matches {
			if _, dup := seen[m]; !dup {
				seen[m] = struct{}{}
				out = append(out, m)
			}
		}
	}
	sort.Strings(out)
	if err != nil && len(out) == 0 {
		return nil, err
	}
	return out, nil
}

func dialGPSD(ctx context.Context, addr string) (net.Conn, error) {
	if strings.TrimSpace(addr) == "" {
		addr = "127.0.0.1:2947"
	}
	d := &net.Dialer{Timeout: 2 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	// Ask for the receiver's own NMEA instead of gpsd's JSON reports.
	if _, err := conn.Write([]byte("?WATCH={\"enable\":true,\"nmea\":true}\n")); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("gpsd watch failed: %w", err)
	}
	return conn, nil
}
