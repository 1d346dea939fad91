package report

import (
	"sync"
	"time"
)

// Snapshot is a consistent copy of the reporting state.
type Snapshot struct {
	CurrentIntervalMs int64     `json:"currentIntervalMs"`
	FastestIntervalMs int64     `json:"fastestIntervalMs"`
	UserID            string    `json:"userId"`
	DistanceToClosest float64   `json:"distanceToClosest"`
	Reports           int64     `json:"reports"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Interval returns the current interval as a duration.
func (s Snapshot) Interval() time.Duration {
	return time.Duration(s.CurrentIntervalMs) * time.Millisecond
}

// State owns the reporting cadence. The interval pair is always written
// together so FastestIntervalMs == CurrentIntervalMs/2 holds for any reader.
type State struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewState starts at the given interval.
func NewState(interval time.Duration) *State {
	ms := interval.Milliseconds()
	return &State{snap: Snapshot{
		CurrentIntervalMs: ms,
		FastestIntervalMs: ms / 2,
		DistanceToClosest: -1,
	}}
}

// Snapshot returns a copy of the state.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Apply records a successful report. changed is true when the fastest
// interval differs from the stored one.
func (s *State) Apply(userID string, distance float64, interval time.Duration) (snap Snapshot, changed bool) {
	ms := interval.Milliseconds()

	s.mu.Lock()
	defer s.mu.Unlock()

	changed = ms/2 != s.snap.FastestIntervalMs
	s.snap.CurrentIntervalMs = ms
	s.snap.FastestIntervalMs = ms / 2
	s.snap.UserID = userID
	s.snap.DistanceToClosest = distance
	s.snap.Reports++
	s.snap.UpdatedAt = time.Now()
	return s.snap, changed
}
