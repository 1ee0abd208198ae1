// Package export ships telemetry and controller events to external systems:
// an MQTT broker, InfluxDB and NMEA listeners on UDP.
package export

import (
	"time"

	"rtk-rover/internal/telemetry"
)

// Recorder consumes decoded messages next to the presentation board.
type Recorder interface {
	Record(nowUTC time.Time, msg telemetry.Message)
}

// Tee renders messages onto a board and hands each one to every recorder.
// It satisfies peripheral.Sink.
type Tee struct {
	Board     *telemetry.Board
	Recorders []Recorder
}

func (t *Tee) Handle(nowUTC time.Time, msg telemetry.Message) telemetry.Rendered {
	r := t.Board.Handle(nowUTC, msg)
	for _, rec := range t.Recorders {
		if rec != nil {
			rec.Record(nowUTC, msg)
		}
	}
	return r
}
