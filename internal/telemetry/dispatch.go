package telemetry

import (
	"strconv"
	"strings"
)

// Channel names the presentation slot a message is rendered into.
type Channel string

const (
	ChannelPosition        Channel = "position"
	ChannelErrorStatistics Channel = "error-statistics"
	ChannelText            Channel = "text"
)

// Rendered is the result of routing one message.
type Rendered struct {
	Channel Channel `json:"channel"`
	Kind    Kind    `json:"kind"`
	// Raw is set for messages that were not recognized by the decoder.
	Raw  bool   `json:"raw,omitempty"`
	Text string `json:"text"`
}

// Route classifies msg onto exactly one channel and renders it.
//
// Route has no state and never fails. A nil message renders as an empty
// unknown message.
func Route(msg Message) Rendered {
	switch m := msg.(type) {
	case Gga:
		return Rendered{Channel: ChannelPosition, Kind: KindGGA, Text: FormatGga(m)}
	case *Gga:
		return Route(*m)
	case Gst:
		return Rendered{Channel: ChannelErrorStatistics, Kind: KindGST, Text: FormatGst(m)}
	case *Gst:
		return Route(*m)
	case Txt:
		return Rendered{Channel: ChannelText, Kind: KindTXT, Text: FormatTxt(m)}
	case *Txt:
		return Route(*m)
	case Unknown:
		return Rendered{Channel: ChannelText, Kind: KindUnknown, Raw: true, Text: "Unknown: " + m.Raw}
	case *Unknown:
		return Route(*m)
	default:
		return Rendered{Channel: ChannelText, Kind: KindUnknown, Raw: true, Text: "Unknown: "}
	}
}

func FormatGga(m Gga) string {
	var b lines
	b.add("Time", m.Time)
	b.add("Timestamp", itoa64(m.Timestamp))
	b.add("Latitude", m.LocationLatitude)
	b.add("Longitude", m.LocationLongitude)
	b.add("Quality", strconv.Itoa(m.Quality))
	b.add("Satellite Count", strconv.Itoa(m.SatelliteCount))
	b.add("HDOP", ftoa(m.Hdop))
	b.add("Reference Altitude", ftoa(m.ReferenceAltitude))
	b.add("Geoid Separation", ftoa(m.GeoidSeparation))
	b.add("Correction Age", ftoa(m.CorrectionAge))
	b.add("Correction Station ID", m.CorrectionStationID)
	b.add("Coordinate Latitude", ftoa(m.CoordinateLatitude))
	b.add("Coordinate Longitude", ftoa(m.CoordinateLongitude))
	return b.String()
}

func FormatGst(m Gst) string {
	var b lines
	b.add("Time", m.Time)
	b.add("Timestamp", itoa64(m.Timestamp))
	b.add("RMS", ftoa(m.Rms))
	b.add("SemiMajor1SigmaError", ftoa(m.SemiMajor1SigmaError))
	b.add("SemiMinor1SigmaError", ftoa(m.SemiMinor1SigmaError))
	b.add("ErrorEllipseOrientation", ftoa(m.ErrorEllipseOrientation))
	b.add("Latitude Error", ftoa(m.LatitudeError))
	b.add("Longitude Error", ftoa(m.LongitudeError))
	b.add("Altitude Error", ftoa(m.AltitudeError))
	b.add("Accuracy Horizontal", ftoa(m.AccuracyHorizontal))
	b.add("Accuracy Vertical", ftoa(m.AccuracyVertical))
	return b.String()
}

func FormatTxt(m Txt) string {
	var b lines
	b.add("Time", m.Time)
	b.add("Timestamp", itoa64(m.Timestamp))
	b.add("Latitude", ftoa(m.CoordinateLatitude))
	b.add("Longitude", ftoa(m.CoordinateLongitude))
	b.add("Satellite Count", strconv.Itoa(m.SatelliteCount))
	b.add("HDOP", ftoa(m.Hdop))
	b.add("VDOP", ftoa(m.Vdop))
	b.add("PDOP", ftoa(m.Pdop))
	b.add("Accuracy Horizontal", ftoa(m.AccuracyHorizontal))
	b.add("Accuracy Vertical", ftoa(m.AccuracyVertical))
	b.add("Total Number Of Message", strconv.Itoa(m.TotalNumberOfMessage))
	b.add("Message Number", strconv.Itoa(m.MessageNumber))
	b.add("Text Identifier", strconv.Itoa(m.TextIdentifier))
	b.add("Message", m.Message)
	return b.String()
}

type lines struct {
	sb strings.Builder
}

func (l *lines) add(label, value string) {
	if l.sb.Len() > 0 {
		l.sb.WriteByte('\n')
	}
	l.sb.WriteString(label)
	l.sb.WriteString(": ")
	l.sb.WriteString(value)
}

func (l *lines) String() string { return l.sb.String() }

// ftoa renders the shortest decimal that round-trips, without exponent.
func ftoa(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func itoa64(v int64) string {
	return strconv.FormatInt(v, 10)
}
