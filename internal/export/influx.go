package export

import (
	"context"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog"

	"rtk-rover/internal/telemetry"
)

type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
	// Device tags every point. When empty DeviceFn is asked per point.
	Device   string
	DeviceFn func() string
	Log      *zerolog.Logger
}

type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// PositionRecorder writes every GGA fix as a "position" point.
type PositionRecorder struct {
	cfg    InfluxConfig
	writer pointWriter
	client influxdb2.Client
	log    zerolog.Logger
}

// NewInflux connects to InfluxDB and checks its health before returning.
func NewInflux(ctx context.Context, cfg InfluxConfig) (*PositionRecorder, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to influxdb: %w", err)
	}
	if health.Status != "pass" {
		client.Close()
		return nil, fmt.Errorf("influxdb health check failed: %s", health.Status)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	r := newPositionRecorder(cfg, writeAPI)
	r.client = client
	go func() {
		for err := range writeAPI.Errors() {
			r.log.Warn().Err(err).Msg("influx write failed")
		}
	}()
	return r, nil
}

func newPositionRecorder(cfg InfluxConfig, w pointWriter) *PositionRecorder {
	l := zerolog.Nop()
	if cfg.Log != nil {
		l = *cfg.Log
	}
	return &PositionRecorder{cfg: cfg, writer: w, log: l}
}

func (r *PositionRecorder) Record(nowUTC time.Time, msg telemetry.Message) {
	var gga telemetry.Gga
	switch m := msg.(type) {
	case telemetry.Gga:
		gga = m
	case *telemetry.Gga:
		gga = *m
	default:
		return
	}
	// No fix, nothing to plot.
	if gga.Quality == 0 {
		return
	}
	ts := nowUTC
	if gga.Timestamp > 0 {
		ts = time.UnixMilli(gga.Timestamp).UTC()
	}
	tags := map[string]string{
		"device":  r.device(),
		"quality": strconv.Itoa(gga.Quality),
	}
	fields := map[string]interface{}{
		"lat":            gga.CoordinateLatitude,
		"lon":            gga.CoordinateLongitude,
		"alt_m":          gga.ReferenceAltitude,
		"satellites":     gga.SatelliteCount,
		"hdop":           gga.Hdop,
		"correction_age": gga.CorrectionAge,
	}
	r.writer.WritePoint(influxdb2.NewPoint("position", tags, fields, ts))
	r.log.Debug().Int("quality", gga.Quality).Float64("lat", gga.CoordinateLatitude).Float64("lon", gga.CoordinateLongitude).Msg("position queued")
}

func (r *PositionRecorder) device() string {
	if r.cfg.Device != "" {
		return r.cfg.Device
	}
	if r.cfg.DeviceFn != nil {
		if d := r.cfg.DeviceFn(); d != "" {
			return d
		}
	}
	return "unknown"
}

func (r *PositionRecorder) Close() {
	r.writer.Flush()
	if r.client != nil {
		r.client.Close()
	}
}
