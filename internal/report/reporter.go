// Package report runs the adaptive reporting loop: every sample is sent to
// the location service and the reply decides how often to sample next.
package report

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/shaunagostinho/geofenced/internal/backend"
	"github.com/shaunagostinho/geofenced/internal/gps"
	"github.com/shaunagostinho/geofenced/internal/metrics"
)

// Backend is the part of the location service the reporter needs.
type Backend interface {
	UpdateLocation(ctx context.Context, u backend.LocationUpdate) (float64, error)
}

// Configurer receives new sampling requests.
type Configurer interface {
	Configure(req gps.Request)
}

// Config tunes the reporter.
type Config struct {
	MaxInFlight int          `yaml:"max_in_flight" json:"maxInFlight"`
	Priority    gps.Priority `yaml:"-" json:"-"`
}

// Reporter turns samples into reports and adapts the sampler's cadence.
type Reporter struct {
	backend  Backend
	sampler  Configurer
	state    *State
	metrics  *metrics.Metrics
	priority gps.Priority
	sem      *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	// cfgMu orders state changes with the matching Configure call.
	cfgMu sync.Mutex

	listenersMu sync.RWMutex
	listeners   []func(Snapshot)
}

// New creates a reporter. m may be nil.
func New(b Backend, sampler Configurer, state *State, cfg Config, m *metrics.Metrics) *Reporter {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 8
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.SetInterval(state.Snapshot().CurrentIntervalMs)
	return &Reporter{
		backend:  b,
		sampler:  sampler,
		state:    state,
		metrics:  m,
		priority: cfg.Priority,
		sem:      semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// OnChange registers fn for every state change that resubscribed the sampler.
func (r *Reporter) OnChange(fn func(Snapshot)) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Snapshot returns the current reporting state.
func (r *Reporter) Snapshot() Snapshot {
	return r.state.Snapshot()
}

// OnSample reports one sample in the background. It never blocks: with no
// identity the sample is skipped, and with the pool full it is dropped.
func (r *Reporter) OnSample(sample gps.Sample, userID string) {
	if userID == "" {
		r.metrics.ReportResult(metrics.ResultNoIdentity)
		return
	}
	if r.closed.Load() {
		return
	}
	if !r.sem.TryAcquire(1) {
		log.Printf("[report] pool full, dropping sample at %.6f,%.6f", sample.Latitude, sample.Longitude)
		r.metrics.ReportResult(metrics.ResultDropped)
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.sem.Release(1)
		r.report(sample, userID)
	}()
}

// report performs one report cycle. Every failure is logged and swallowed;
// the cadence stays at its last good value.
func (r *Reporter) report(sample gps.Sample, userID string) {
	r.metrics.ReportStarted()
	start := time.Now()
	dist, err := r.backend.UpdateLocation(r.ctx, backend.LocationUpdate{
		ID:        userID,
		Longitude: sample.Longitude,
		Latitude:  sample.Latitude,
	})
	r.metrics.ReportFinished(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, backend.ErrEnvelope) || errors.Is(err, backend.ErrPayload) {
			r.metrics.ReportResult(metrics.ResultParse)
		} else {
			r.metrics.ReportResult(metrics.ResultNetwork)
		}
		log.Printf("[report] update failed: %v", err)
		return
	}
	if r.closed.Load() {
		r.metrics.ReportResult(metrics.ResultIgnored)
		return
	}
	r.metrics.ReportResult(metrics.ResultOK)
	r.metrics.SetDistance(dist)

	r.apply(userID, dist)
}

func (r *Reporter) apply(userID string, dist float64) {
	interval := IntervalForDistance(dist)

	r.cfgMu.Lock()
	snap, changed := r.state.Apply(userID, dist, interval)
	if changed {
		r.sampler.Configure(gps.NewRequest(interval, r.priority))
	}
	r.cfgMu.Unlock()

	if !changed {
		return
	}
	log.Printf("[report] distance %.0fm -> interval %dms (fastest %dms)", dist, snap.CurrentIntervalMs, snap.FastestIntervalMs)
	r.metrics.Resubscribed(snap.CurrentIntervalMs)

	r.listenersMu.RLock()
	listeners := r.listeners
	r.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(snap)
	}
}

// Close stops accepting samples. Reports already in flight finish, but
// their results no longer touch the state.
func (r *Reporter) Close() {
	r.closed.Store(true)
}

// Wait blocks until all in-flight reports have finished.
func (r *Reporter) Wait() {
	r.wg.Wait()
}

// Abort cancels in-flight requests, e.g. on shutdown once Close and a grace
// period have passed.
func (r *Reporter) Abort() {
	r.Close()
	r.cancel()
}
