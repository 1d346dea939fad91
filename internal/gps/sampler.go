package gps

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// State is the lifecycle of a Sampler.
type State int32

const (
	StateUnstarted State = iota
	StateConnecting
	StateActive
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateStopped:
		return "stopped"
	default:
		return "unstarted"
	}
}

// Handler receives every delivered sample together with the user id the
// sampler was started (or later registered) with.
type Handler func(sample Sample, userID string)

// SamplerConfig tunes reconnect behaviour.
type SamplerConfig struct {
	// RetryDelay is the fixed pause between reconnect attempts. Reconnects are
	// retried without limit.
	RetryDelay time.Duration
}

// Sampler keeps the most recent observation from a Provider and notifies
// handlers at the cadence of its current Request.
//
// Handlers run on the subscription goroutine, one at a time and in
// observation order. They must not call Configure, Resubscribe or Stop
// synchronously: those wait for the subscription goroutine to exit.
type Sampler struct {
	prov       Provider
	perm       Permission
	retryDelay time.Duration
	starts     atomic.Int64

	// subMu serializes subscription changes. The subscription goroutine
	// never takes it.
	subMu sync.Mutex
	base  context.Context
	sub   *subscription
	req   Request

	mu            sync.RWMutex
	state         State
	userID        string
	connected     bool
	latest        Sample
	hasLatest     bool
	lastDelivered time.Time
	handlers      []Handler
}

type subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSampler creates a sampler over prov. A nil perm grants access.
func NewSampler(prov Provider, perm Permission, cfg SamplerConfig) *Sampler {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if perm == nil {
		perm = StaticPermission(true)
	}
	return &Sampler{
		prov:       prov,
		perm:       perm,
		retryDelay: cfg.RetryDelay,
		req:        NewRequest(5*time.Second, PriorityHighAccuracy),
	}
}

// OnSample registers h for every future delivered sample.
func (s *Sampler) OnSample(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

// Configure replaces the subscription request. An active subscription is
// cancelled, and its goroutine has exited, before the new one starts.
func (s *Sampler) Configure(req Request) {
	if req.Interval <= 0 {
		log.Printf("[gps] ignoring request with interval %v", req.Interval)
		return
	}
	s.subMu.Lock()
	defer s.subMu.Unlock()

	s.req = req
	if s.sub != nil {
		s.cancelLocked()
		s.startLocked()
	}
	log.Printf("[gps] request: interval=%v fastest=%v priority=%s", req.Interval, req.Fastest, req.Priority)
}

// Resubscribe cancels and reissues the active subscription with the current request.
func (s *Sampler) Resubscribe() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.sub == nil {
		return
	}
	s.cancelLocked()
	s.startLocked()
}

// Start begins sampling. Without location permission it logs and does
// nothing; the sampler stays unstarted.
func (s *Sampler) Start(ctx context.Context, userID string) {
	if !s.perm.LocationAllowed() {
		log.Printf("[gps] %v, %s not started", ErrPermissionDenied, s.prov.Name())
		return
	}

	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.sub != nil {
		log.Printf("[gps] sampler already started")
		return
	}

	s.mu.Lock()
	s.userID = userID
	s.state = StateConnecting
	s.mu.Unlock()

	s.base = ctx
	s.startLocked()
}

// Stop cancels the subscription and closes the provider. It is idempotent.
func (s *Sampler) Stop() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.sub == nil {
		return
	}
	s.cancelLocked()

	s.mu.Lock()
	connected := s.connected
	s.connected = false
	s.state = StateStopped
	s.mu.Unlock()

	if connected {
		if err := s.prov.Close(); err != nil {
			log.Printf("[gps] close %s: %v", s.prov.Name(), err)
		}
	}
	log.Printf("[gps] sampler stopped")
}

// Latest returns the most recent observation. ok is false until the first one arrives.
func (s *Sampler) Latest() (Sample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, s.hasLatest
}

// State returns the current lifecycle state.
func (s *Sampler) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// UserID returns the identity handed to handlers.
func (s *Sampler) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

// SetUserID replaces the identity handed to handlers, e.g. once the device
// registration arrives.
func (s *Sampler) SetUserID(id string) {
	s.mu.Lock()
	s.userID = id
	s.mu.Unlock()
	log.Printf("[gps] user id set to %q", id)
}

// Request returns the current subscription request.
func (s *Sampler) Request() Request {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	return s.req
}

// Subscriptions returns how many subscriptions have been started.
func (s *Sampler) Subscriptions() int64 {
	return s.starts.Load()
}

func (s *Sampler) cancelLocked() {
	s.sub.cancel()
	<-s.sub.done
	s.sub = nil
}

func (s *Sampler) startLocked() {
	ctx, cancel := context.WithCancel(s.base)
	sub := &subscription{cancel: cancel, done: make(chan struct{})}
	s.sub = sub
	s.starts.Add(1)
	go s.run(ctx, s.req, sub.done)
}

func (s *Sampler) run(ctx context.Context, req Request, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(req.Interval)
	defer ticker.Stop()

	for {
		if !s.isConnected() && !s.connect(ctx, req) {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		data, err := s.prov.Read()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[gps] %s: %v, reconnecting", s.prov.Name(), err)
			s.disconnect()
			continue
		}
		s.observe(data, req)
	}
}

// connect retries until the provider connects or ctx ends. There is no
// attempt limit and no backoff.
func (s *Sampler) connect(ctx context.Context, req Request) bool {
	s.setState(StateConnecting)
	attempt := 0
	for {
		err := s.prov.Connect()
		if err == nil {
			break
		}
		attempt++
		log.Printf("[gps] connect attempt %d failed: %v (retry in %v)", attempt, err, s.retryDelay)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(s.retryDelay):
		}
	}

	s.mu.Lock()
	s.connected = true
	s.state = StateActive
	seed := !s.hasLatest
	s.mu.Unlock()
	log.Printf("[gps] %s active (attempt %d)", s.prov.Name(), attempt+1)

	// Seed Latest with the current fix without notifying handlers.
	if seed {
		if data, err := s.prov.Read(); err == nil {
			if sample, ok := sampleFromData(data, req.Priority, time.Now()); ok {
				s.mu.Lock()
				if !s.hasLatest {
					s.latest = sample
					s.hasLatest = true
				}
				s.mu.Unlock()
			}
		}
	}
	return true
}

func (s *Sampler) disconnect() {
	s.mu.Lock()
	s.connected = false
	s.state = StateConnecting
	s.mu.Unlock()
	if err := s.prov.Close(); err != nil {
		log.Printf("[gps] close %s: %v", s.prov.Name(), err)
	}
}

func (s *Sampler) observe(d *Data, req Request) {
	now := time.Now()
	sample, ok := sampleFromData(d, req.Priority, now)
	if !ok {
		return
	}

	s.mu.Lock()
	if !s.lastDelivered.IsZero() && now.Sub(s.lastDelivered) < req.Fastest {
		s.mu.Unlock()
		return
	}
	s.latest = sample
	s.hasLatest = true
	s.lastDelivered = now
	handlers := s.handlers
	userID := s.userID
	s.mu.Unlock()

	for _, h := range handlers {
		h(sample, userID)
	}
}

func (s *Sampler) isConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

func (s *Sampler) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}
