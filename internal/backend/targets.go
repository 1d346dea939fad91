package backend

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
)

// Target is a named circular area of interest.
type Target struct {
	Name         string  `json:"name"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	RadiusMeters int     `json:"radius"`
}

type wireTarget struct {
	Latitude  numString `json:"latitude"`
	Longitude numString `json:"longitude"`
	Radius    numString `json:"radius"`
	Name      string    `json:"name"`
}

func (w wireTarget) target() (Target, error) {
	lat, err := w.Latitude.Float()
	if err != nil {
		return Target{}, fmt.Errorf("latitude %q: %w", string(w.Latitude), err)
	}
	lon, err := w.Longitude.Float()
	if err != nil {
		return Target{}, fmt.Errorf("longitude %q: %w", string(w.Longitude), err)
	}
	radius, err := w.Radius.Int()
	if err != nil {
		return Target{}, fmt.Errorf("radius %q: %w", string(w.Radius), err)
	}
	return Target{Name: w.Name, Latitude: lat, Longitude: lon, RadiusMeters: radius}, nil
}

// FetchTargets retrieves every target and hands each one to fn as soon as it
// is parsed, in service order. It returns how many were delivered. On error,
// targets already delivered stay delivered.
func (c *Client) FetchTargets(ctx context.Context, fn func(Target)) (int, error) {
	resp, err := c.post(ctx, getAllTargetsPath, nil)
	if err != nil {
		return 0, err
	}
	payload, err := unwrap(resp, "GetAllTargetsResult")
	if err != nil {
		return 0, err
	}

	var items []json.RawMessage
	if err := json.Unmarshal(payload, &items); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPayload, err)
	}

	delivered := 0
	for i, raw := range items {
		var w wireTarget
		if err := json.Unmarshal(raw, &w); err != nil {
			return delivered, fmt.Errorf("%w: target %d: %v", ErrPayload, i, err)
		}
		t, err := w.target()
		if err != nil {
			return delivered, fmt.Errorf("%w: target %d: %v", ErrPayload, i, err)
		}
		fn(t)
		delivered++
	}
	return delivered, nil
}
