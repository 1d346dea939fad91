package gps

import "time"

// Sample is one location observation handed to subscribers. It is a value:
// each new observation supersedes the previous one instead of mutating it.
type Sample struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Speed      float64   `json:"speed"` // m/s
	CapturedAt time.Time `json:"capturedAt"`
}

// Priority selects which fixes a subscription accepts.
type Priority int

const (
	// PriorityHighAccuracy delivers only fixes the receiver marked valid.
	PriorityHighAccuracy Priority = iota
	// PriorityBalanced also accepts positioned fixes the receiver has not validated.
	PriorityBalanced
)

func (p Priority) String() string {
	switch p {
	case PriorityBalanced:
		return "balanced"
	default:
		return "high_accuracy"
	}
}

// ParsePriority maps a config value to a Priority, defaulting to high accuracy.
func ParsePriority(s string) Priority {
	if s == "balanced" {
		return PriorityBalanced
	}
	return PriorityHighAccuracy
}

// Request describes the cadence of a location subscription.
type Request struct {
	Interval time.Duration // Desired sampling interval
	Fastest  time.Duration // Floor: never deliver faster than this
	Priority Priority
}

// NewRequest builds a request whose fastest interval is half the interval.
func NewRequest(interval time.Duration, priority Priority) Request {
	return Request{
		Interval: interval,
		Fastest:  interval / 2,
		Priority: priority,
	}
}

// sampleFromData converts a provider fix into a Sample, applying the
// subscription's priority. ok is false when the fix must not be delivered.
func sampleFromData(d *Data, p Priority, now time.Time) (Sample, bool) {
	if d == nil || !d.hasPosition() {
		return Sample{}, false
	}
	if !d.Valid && p != PriorityBalanced {
		return Sample{}, false
	}
	return Sample{
		Latitude:   d.Latitude,
		Longitude:  d.Longitude,
		Speed:      d.Speed / 3.6, // km/h to m/s
		CapturedAt: now,
	}, true
}
