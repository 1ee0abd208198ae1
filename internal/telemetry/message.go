package telemetry

// Message is one decoded telemetry message received from the receiver.
//
// The concrete types are Gga, Gst, Txt and Unknown. Messages are produced by
// a decoder and are never mutated afterwards.
type Message interface {
	Kind() Kind
}

type Kind string

const (
	KindGGA     Kind = "GGA"
	KindGST     Kind = "GST"
	KindTXT     Kind = "TXT"
	KindUnknown Kind = "UNKNOWN"
)

// Gga carries a position fix.
//
// LocationLatitude/LocationLongitude are the raw NMEA fields
// (ddmm.mmmm plus hemisphere); CoordinateLatitude/CoordinateLongitude are
// decimal degrees.
type Gga struct {
	Time                string  `json:"time"`
	Timestamp           int64   `json:"timestamp"`
	LocationLatitude    string  `json:"location_latitude"`
	LocationLongitude   string  `json:"location_longitude"`
	Quality             int     `json:"quality"`
	SatelliteCount      int     `json:"satellite_count"`
	Hdop                float64 `json:"hdop"`
	ReferenceAltitude   float64 `json:"reference_altitude"`
	GeoidSeparation     float64 `json:"geoid_separation"`
	CorrectionAge       float64 `json:"correction_age"`
	CorrectionStationID string  `json:"correction_station_id"`
	CoordinateLatitude  float64 `json:"coordinate_latitude"`
	CoordinateLongitude float64 `json:"coordinate_longitude"`
}

// Gst carries pseudorange error statistics.
type Gst struct {
	Time                    string  `json:"time"`
	Timestamp               int64   `json:"timestamp"`
	Rms                     float64 `json:"rms"`
	SemiMajor1SigmaError    float64 `json:"semi_major_1sigma_error"`
	SemiMinor1SigmaError    float64 `json:"semi_minor_1sigma_error"`
	ErrorEllipseOrientation float64 `json:"error_ellipse_orientation"`
	LatitudeError           float64 `json:"latitude_error"`
	LongitudeError          float64 `json:"longitude_error"`
	AltitudeError           float64 `json:"altitude_error"`
	AccuracyHorizontal      float64 `json:"accuracy_horizontal"`
	AccuracyVertical        float64 `json:"accuracy_vertical"`
}

// Txt is the receiver's text message. Besides the free text it carries the
// solution summary the receiver appends to it.
type Txt struct {
	Time                 string  `json:"time"`
	Timestamp            int64   `json:"timestamp"`
	CoordinateLatitude   float64 `json:"coordinate_latitude"`
	CoordinateLongitude  float64 `json:"coordinate_longitude"`
	SatelliteCount       int     `json:"satellite_count"`
	Hdop                 float64 `json:"hdop"`
	Vdop                 float64 `json:"vdop"`
	Pdop                 float64 `json:"pdop"`
	AccuracyHorizontal   float64 `json:"accuracy_horizontal"`
	AccuracyVertical     float64 `json:"accuracy_vertical"`
	TotalNumberOfMessage int     `json:"total_number_of_message"`
	MessageNumber        int     `json:"message_number"`
	TextIdentifier       int     `json:"text_identifier"`
	Message              string  `json:"message"`
}

// Unknown wraps anything the decoder could not classify.
type Unknown struct {
	Raw string `json:"raw"`
}

func (Gga) Kind() Kind     { return KindGGA }
func (Gst) Kind() Kind     { return KindGST }
func (Txt) Kind() Kind     { return KindTXT }
func (Unknown) Kind() Kind { return KindUnknown }
