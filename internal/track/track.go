// Package track records delivered location samples to CSV files together
// with the reporting cadence in force when each sample was taken.
package track

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/shaunagostinho/geofenced/internal/gps"
	"github.com/shaunagostinho/geofenced/internal/report"
)

// Config holds recorder settings.
type Config struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path"`
	IntervalMs int    `yaml:"interval_ms" json:"intervalMs"`
}

const maxRowsPerFile = 100_000

var csvHeader = []string{
	"timestamp", "captured_at", "lat", "lon", "speed_mps",
	"interval_ms", "fastest_ms", "distance_to_closest",
}

// StateSource supplies the cadence written next to each sample.
type StateSource interface {
	Snapshot() report.Snapshot
}

// Recorder writes one row per sample, throttled to a minimum spacing.
type Recorder struct {
	mu       sync.Mutex
	dir      string
	interval time.Duration
	enabled  bool
	state    StateSource
	now      func() time.Time

	file   *os.File
	writer *csv.Writer
	lastTs time.Time
	rows   int
	path   string
}

// New creates a recorder. state may be nil.
func New(cfg Config, state StateSource) *Recorder {
	if cfg.Path == "" {
		cfg.Path = "/var/log/geofenced"
	}
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval < 0 {
		interval = 0
	}
	return &Recorder{
		dir:      cfg.Path,
		interval: interval,
		enabled:  cfg.Enabled,
		state:    state,
		now:      time.Now,
	}
}

// SetEnabled toggles recording at runtime.
func (r *Recorder) SetEnabled(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = on
	if !on {
		r.closeFile()
	}
}

func (r *Recorder) IsEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// Path returns the file currently written, or "" when none is open.
func (r *Recorder) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}

// OnSample matches gps.Handler so the recorder can subscribe to a sampler.
func (r *Recorder) OnSample(s gps.Sample, _ string) {
	r.Record(s)
}

// Record writes a sample if the minimum spacing has elapsed.
func (r *Recorder) Record(s gps.Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.enabled {
		return
	}

	now := r.now()
	if !r.lastTs.IsZero() && now.Sub(r.lastTs) < r.interval {
		return
	}
	r.lastTs = now

	if r.writer == nil || r.rows >= maxRowsPerFile {
		if err := r.rotateFile(now); err != nil {
			log.Printf("[track] rotate failed: %v", err)
			return
		}
	}

	if err := r.writer.Write(r.buildRow(now, s)); err != nil {
		log.Printf("[track] write failed: %v", err)
		return
	}
	r.writer.Flush()
	r.rows++
}

// Close flushes and closes the current file.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeFile()
}

func (r *Recorder) rotateFile(now time.Time) error {
	r.closeFile()

	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", r.dir, err)
	}

	// Two rotations inside one second would collide on the name.
	name := fmt.Sprintf("track_%s.csv", now.Format("2006-01-02_150405.000"))
	path := filepath.Join(r.dir, name)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	r.file = f
	r.writer = csv.NewWriter(f)
	r.rows = 0
	r.path = path

	if err := r.writer.Write(csvHeader); err != nil {
		return err
	}
	r.writer.Flush()

	log.Printf("[track] opened %s", path)
	return nil
}

func (r *Recorder) closeFile() {
	if r.writer != nil {
		r.writer.Flush()
		r.writer = nil
	}
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
	r.path = ""
}

func (r *Recorder) buildRow(ts time.Time, s gps.Sample) []string {
	row := make([]string, len(csvHeader))
	row[0] = ts.Format(time.RFC3339Nano)
	row[1] = s.CapturedAt.Format(time.RFC3339Nano)
	row[2] = strconv.FormatFloat(s.Latitude, 'f', 6, 64)
	row[3] = strconv.FormatFloat(s.Longitude, 'f', 6, 64)
	row[4] = strconv.FormatFloat(s.Speed, 'f', 2, 64)

	if r.state != nil {
		snap := r.state.Snapshot()
		row[5] = strconv.FormatInt(snap.CurrentIntervalMs, 10)
		row[6] = strconv.FormatInt(snap.FastestIntervalMs, 10)
		if snap.DistanceToClosest >= 0 {
			row[7] = strconv.FormatFloat(snap.DistanceToClosest, 'f', 1, 64)
		}
	}
	return row
}
