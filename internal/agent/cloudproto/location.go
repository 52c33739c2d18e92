package cloudproto

// LocationSource identifies how a location sample was obtained.
type LocationSource int

const (
	SourceUnknown LocationSource = iota
	SourceFixed
	SourceGPS
	SourceWiFi
	SourceM2MLocate
)

func (s LocationSource) wireValue() string {
	switch s {
	case SourceFixed:
		return "manual"
	case SourceGPS:
		return "gps"
	case SourceWiFi:
		return "wifi"
	case SourceM2MLocate:
		return "m2m-locate"
	default:
		return ""
	}
}

// locationField bits record which optional fields of Location are set; an
// unset field MUST NOT be emitted on the wire.
type locationField uint8

const (
	fieldAccuracy locationField = 1 << iota
	fieldAltitude
	fieldAltitudeAccuracy
	fieldHeading
	fieldSpeed
	fieldTag
)

// Location is a geodetic sample. Lat/Lng are always present; every other
// field is optional and tracked by a presence bitmask so the encoder can
// omit unset fields exactly as the cloud protocol requires.
type Location struct {
	Lat, Lng float64
	Source   LocationSource

	set             locationField
	accuracy        float64
	altitude        float64
	altitudeAccuracy float64
	heading         float64
	speed           float64
	tag             string
}

func (l *Location) SetAccuracy(m float64) *Location {
	l.accuracy, l.set = m, l.set|fieldAccuracy
	return l
}

func (l *Location) SetAltitude(m float64) *Location {
	l.altitude, l.set = m, l.set|fieldAltitude
	return l
}

func (l *Location) SetAltitudeAccuracy(m float64) *Location {
	l.altitudeAccuracy, l.set = m, l.set|fieldAltitudeAccuracy
	return l
}

func (l *Location) SetHeading(deg float64) *Location {
	l.heading, l.set = deg, l.set|fieldHeading
	return l
}

func (l *Location) SetSpeed(mps float64) *Location {
	l.speed, l.set = mps, l.set|fieldSpeed
	return l
}

func (l *Location) SetTag(tag string) *Location {
	l.tag, l.set = tag, l.set|fieldTag
	return l
}

func (l Location) has(f locationField) bool { return l.set&f != 0 }
