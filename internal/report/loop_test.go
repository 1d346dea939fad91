package report

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/geofenced/internal/backend"
	"github.com/shaunagostinho/geofenced/internal/gps"
)

type fixedProvider struct{}

func (fixedProvider) Name() string   { return "fixed" }
func (fixedProvider) Connect() error { return nil }
func (fixedProvider) Close() error   { return nil }
func (fixedProvider) Read() (*gps.Data, error) {
	return &gps.Data{Valid: true, Latitude: 3.011233, Longitude: 101.670246, Satellites: 9, FixQuality: 1}, nil
}

// Samples flow from a live sampler through the reporter, whose result
// reconfigures that same sampler from the report goroutine.
func TestReporterDrivesSampler(t *testing.T) {
	var hits atomic.Int32
	distances := []float64{600, 600}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		i := int(hits.Add(1)) - 1
		d := distances[min(i, len(distances)-1)]
		fmt.Fprintf(w, `{"UpdateLocationResult":"{\"payload\":\"{\\\"distanceToClosest\\\":\\\"%v\\\"}\"}"}`, d)
	}))
	defer srv.Close()

	sampler := gps.NewSampler(fixedProvider{}, nil, gps.SamplerConfig{RetryDelay: 10 * time.Millisecond})
	sampler.Configure(gps.NewRequest(50*time.Millisecond, gps.PriorityHighAccuracy))
	r := New(backend.New(backend.Config{BaseURL: srv.URL}), sampler, NewState(5*time.Second), Config{}, nil)
	sampler.OnSample(r.OnSample)

	sampler.Start(context.Background(), "user-1")
	assert.Equal(t, int64(1), sampler.Subscriptions())

	require.Eventually(t, func() bool { return sampler.Subscriptions() == 2 }, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return hits.Load() >= 2 }, 3*time.Second, 10*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		sampler.Stop()
		r.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("sampler and reporter did not shut down")
	}

	assert.Equal(t, int64(2), sampler.Subscriptions())
	req := sampler.Request()
	assert.Equal(t, 500*time.Millisecond, req.Interval)
	assert.Equal(t, 250*time.Millisecond, req.Fastest)

	snap := r.Snapshot()
	assert.Equal(t, int64(500), snap.CurrentIntervalMs)
	assert.Equal(t, 600.0, snap.DistanceToClosest)
}
