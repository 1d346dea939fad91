package gps

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// DemoConfig places the simulated route.
type DemoConfig struct {
	CenterLat float64 `yaml:"center_lat" json:"centerLat"`
	CenterLon float64 `yaml:"center_lon" json:"centerLon"`
	RadiusDeg float64 `yaml:"radius_deg" json:"radiusDeg"`
}

// DemoGPS generates simulated GPS data for testing: a vehicle driving a
// circle around a fixed point.
type DemoGPS struct {
	mu  sync.Mutex
	cfg DemoConfig
	t   float64
}

func NewDemoGPS(cfg DemoConfig) *DemoGPS {
	if cfg.CenterLat == 0 && cfg.CenterLon == 0 {
		cfg.CenterLat = 3.011233 // Putrajaya
		cfg.CenterLon = 101.670246
	}
	if cfg.RadiusDeg == 0 {
		cfg.RadiusDeg = 0.005 // ~500m
	}
	return &DemoGPS{cfg: cfg}
}

func (d *DemoGPS) Name() string   { return "Demo GPS (Simulated)" }
func (d *DemoGPS) Connect() error { return nil }
func (d *DemoGPS) Close() error   { return nil }

func (d *DemoGPS) Read() (*Data, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.t += 0.1

	return &Data{
		Valid:      true,
		Latitude:   d.cfg.CenterLat + d.cfg.RadiusDeg*math.Sin(d.t*0.1),
		Longitude:  d.cfg.CenterLon + d.cfg.RadiusDeg*math.Cos(d.t*0.1),
		Speed:      50 + 30*math.Sin(d.t*0.3) + rand.Float64()*5,
		Heading:    math.Mod(d.t*10, 360),
		Satellites: 12,
		FixQuality: 1,
		Timestamp:  time.Now().UTC().Format("150405.00"),
	}, nil
}
