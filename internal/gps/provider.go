package gps

import "errors"

// ErrNotConnected is returned by Read when the provider has no open source.
var ErrNotConnected = errors.New("gps: not connected")

// Provider is the interface for location sources.
type Provider interface {
	Name() string
	Connect() error
	Close() error
	// Read returns the latest GPS fix. May block briefly.
	// An error means the source is gone and must be reconnected.
	Read() (*Data, error)
}

// Data holds a single GPS fix as reported by a provider.
type Data struct {
	Valid      bool    `json:"valid"`      // Fix is valid
	Latitude   float64 `json:"latitude"`   // Decimal degrees
	Longitude  float64 `json:"longitude"`  // Decimal degrees
	Speed      float64 `json:"speed"`      // km/h
	Heading    float64 `json:"heading"`    // Degrees true
	Satellites int     `json:"satellites"` // Sats in use
	FixQuality int     `json:"fixQuality"` // 0=none, 1=GPS, 2=DGPS
	Timestamp  string  `json:"timestamp"`  // UTC hhmmss from the receiver
}

// hasPosition reports whether the fix carries coordinates at all.
func (d *Data) hasPosition() bool {
	return d.Latitude != 0 || d.Longitude != 0
}
