package report

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/geofenced/internal/backend"
	"github.com/shaunagostinho/geofenced/internal/gps"
	"github.com/shaunagostinho/geofenced/internal/metrics"
)

type fakeBackend struct {
	mu        sync.Mutex
	calls     int
	updates   []backend.LocationUpdate
	distances []float64
	err       error
	block     chan struct{}
}

func (f *fakeBackend) UpdateLocation(ctx context.Context, u backend.LocationUpdate) (float64, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.updates = append(f.updates, u)
	if f.err != nil {
		return 0, f.err
	}
	d := f.distances[0]
	if len(f.distances) > 1 {
		f.distances = f.distances[1:]
	}
	return d, nil
}

func (f *fakeBackend) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSampler struct {
	mu   sync.Mutex
	reqs []gps.Request
}

func (f *fakeSampler) Configure(req gps.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
}

func (f *fakeSampler) requests() []gps.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gps.Request(nil), f.reqs...)
}

var here = gps.Sample{Latitude: 3.011233, Longitude: 101.670246, Speed: 4, CapturedAt: time.Now()}

// send reports one sample and waits for the cycle to finish.
func send(r *Reporter, userID string) {
	r.OnSample(here, userID)
	r.Wait()
}

func TestIntervalForDistance(t *testing.T) {
	tests := []struct {
		meters float64
		want   time.Duration
	}{
		{0, 100 * time.Millisecond},
		{250, 100 * time.Millisecond},
		{499.99, 100 * time.Millisecond},
		{500, 500 * time.Millisecond},
		{999, 500 * time.Millisecond},
		{1000, 30 * time.Second},
		{4999, 30 * time.Second},
		{5000, 2 * time.Minute},
		{15000, 2 * time.Minute},
		{19999.9, 2 * time.Minute},
		{20000, 5 * time.Minute},
		{1e7, 5 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.meters), func(t *testing.T) {
			assert.Equal(t, tt.want, IntervalForDistance(tt.meters))
		})
	}
}

func TestReportAdjustsInterval(t *testing.T) {
	tests := []struct {
		distance    float64
		wantCurrent int64
		wantFastest int64
	}{
		{250, 100, 50},
		{600, 500, 250},
		{15000, 120000, 60000},
		{25000, 300000, 150000},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.distance), func(t *testing.T) {
			b := &fakeBackend{distances: []float64{tt.distance}}
			s := &fakeSampler{}
			r := New(b, s, NewState(5*time.Second), Config{}, nil)

			send(r, "user-1")

			snap := r.Snapshot()
			assert.Equal(t, tt.wantCurrent, snap.CurrentIntervalMs)
			assert.Equal(t, tt.wantFastest, snap.FastestIntervalMs)
			assert.Equal(t, snap.CurrentIntervalMs/2, snap.FastestIntervalMs)
			assert.Equal(t, tt.distance, snap.DistanceToClosest)
			assert.Equal(t, "user-1", snap.UserID)

			reqs := s.requests()
			require.Len(t, reqs, 1)
			assert.Equal(t, time.Duration(tt.wantCurrent)*time.Millisecond, reqs[0].Interval)
			assert.Equal(t, time.Duration(tt.wantFastest)*time.Millisecond, reqs[0].Fastest)
		})
	}
}

func TestSameIntervalDoesNotResubscribe(t *testing.T) {
	b := &fakeBackend{distances: []float64{600, 600}}
	s := &fakeSampler{}
	r := New(b, s, NewState(5*time.Second), Config{}, nil)

	var changes []Snapshot
	r.OnChange(func(snap Snapshot) { changes = append(changes, snap) })

	send(r, "user-1")
	send(r, "user-1")

	assert.Equal(t, 2, b.callCount())
	assert.Len(t, s.requests(), 1)
	assert.Len(t, changes, 1)
	snap := r.Snapshot()
	assert.Equal(t, int64(500), snap.CurrentIntervalMs)
	assert.Equal(t, int64(2), snap.Reports)
}

func TestStartingIntervalIsNotResubscribed(t *testing.T) {
	// 1000..4999m maps to 30s; starting there already means nothing to do.
	b := &fakeBackend{distances: []float64{2000}}
	s := &fakeSampler{}
	r := New(b, s, NewState(30*time.Second), Config{}, nil)

	send(r, "user-1")

	assert.Empty(t, s.requests())
	assert.Equal(t, 2000.0, r.Snapshot().DistanceToClosest)
}

func TestEmptyUserSkipsNetwork(t *testing.T) {
	b := &fakeBackend{distances: []float64{250}}
	s := &fakeSampler{}
	m := metrics.New()
	r := New(b, s, NewState(5*time.Second), Config{}, m)

	send(r, "")

	assert.Zero(t, b.callCount())
	assert.Empty(t, s.requests())
	assert.Equal(t, int64(5000), r.Snapshot().CurrentIntervalMs)
	assert.Contains(t, scrape(t, m), `geofenced_reports_total{result="no_identity"} 1`)
}

func TestMalformedResponseLeavesStateUnchanged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"UpdateLocationResult":"{\"status\":\"ok\"}"}`))
	}))
	defer srv.Close()

	s := &fakeSampler{}
	m := metrics.New()
	state := NewState(5 * time.Second)
	before := state.Snapshot()
	r := New(backend.New(backend.Config{BaseURL: srv.URL}), s, state, Config{}, m)

	send(r, "user-1")

	assert.Equal(t, before, r.Snapshot())
	assert.Empty(t, s.requests())
	assert.Contains(t, scrape(t, m), `geofenced_reports_total{result="parse_error"} 1`)
}

func TestNetworkFailureLeavesStateUnchanged(t *testing.T) {
	b := &fakeBackend{err: errors.New("connection refused")}
	s := &fakeSampler{}
	m := metrics.New()
	r := New(b, s, NewState(5*time.Second), Config{}, m)
	before := r.Snapshot()

	send(r, "user-1")

	assert.Equal(t, 1, b.callCount())
	assert.Equal(t, before, r.Snapshot())
	assert.Empty(t, s.requests())
	assert.Contains(t, scrape(t, m), `geofenced_reports_total{result="network_error"} 1`)
}

func TestFullPoolDropsSamples(t *testing.T) {
	b := &fakeBackend{distances: []float64{250}, block: make(chan struct{})}
	s := &fakeSampler{}
	m := metrics.New()
	r := New(b, s, NewState(5*time.Second), Config{MaxInFlight: 2}, m)

	for i := 0; i < 5; i++ {
		r.OnSample(here, "user-1")
	}
	close(b.block)
	r.Wait()

	assert.Equal(t, 2, b.callCount())
	assert.Contains(t, scrape(t, m), `geofenced_reports_total{result="dropped"} 3`)
	assert.Len(t, s.requests(), 1)
}

func TestClosedReporterIgnoresResults(t *testing.T) {
	b := &fakeBackend{distances: []float64{250}, block: make(chan struct{})}
	s := &fakeSampler{}
	r := New(b, s, NewState(5*time.Second), Config{}, nil)

	r.OnSample(here, "user-1")
	r.Close()
	close(b.block)
	r.Wait()

	assert.Equal(t, 1, b.callCount())
	assert.Empty(t, s.requests())
	assert.Equal(t, int64(5000), r.Snapshot().CurrentIntervalMs)

	send(r, "user-1")
	assert.Equal(t, 1, b.callCount())
}

func TestAbortCancelsInFlight(t *testing.T) {
	b := &fakeBackend{distances: []float64{250}, block: make(chan struct{})}
	r := New(b, &fakeSampler{}, NewState(5*time.Second), Config{}, nil)

	r.OnSample(here, "user-1")
	r.Abort()

	done := make(chan struct{})
	go func() {
		r.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight report not cancelled")
	}
	assert.Zero(t, b.callCount())
}

func TestConcurrentReportsKeepIntervalsPaired(t *testing.T) {
	var n atomic.Int64
	distances := []float64{250, 600, 2000, 15000, 30000}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := distances[int(n.Add(1))%len(distances)]
		fmt.Fprintf(w, `{"UpdateLocationResult":"{\"payload\":\"{\\\"distanceToClosest\\\":\\\"%v\\\"}\"}"}`, d)
	}))
	defer srv.Close()

	s := &fakeSampler{}
	r := New(backend.New(backend.Config{BaseURL: srv.URL}), s, NewState(5*time.Second), Config{MaxInFlight: 16}, nil)

	for i := 0; i < 40; i++ {
		r.OnSample(here, "user-1")
	}
	r.Wait()

	snap := r.Snapshot()
	assert.Equal(t, snap.CurrentIntervalMs/2, snap.FastestIntervalMs)
	reqs := s.requests()
	require.NotEmpty(t, reqs)
	last := reqs[len(reqs)-1]
	assert.Equal(t, snap.Interval(), last.Interval)
}

func TestBandsAscending(t *testing.T) {
	for i := 1; i < len(Bands); i++ {
		assert.Less(t, Bands[i-1].Below, Bands[i].Below)
		assert.Less(t, Bands[i-1].Interval, Bands[i].Interval)
	}
	assert.Less(t, Bands[len(Bands)-1].Interval, FarInterval)
}

func scrape(t *testing.T, m *metrics.Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}
