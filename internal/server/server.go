package server

import (
	"context"
	"io"
	"io/fs"
	"log"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/shaunagostinho/geofenced/internal/backend"
	"github.com/shaunagostinho/geofenced/internal/geo"
	"github.com/shaunagostinho/geofenced/internal/gps"
	"github.com/shaunagostinho/geofenced/internal/metrics"
	"github.com/shaunagostinho/geofenced/internal/report"
)

// Locator is the read side of the location sampler.
type Locator interface {
	Latest() (gps.Sample, bool)
	State() gps.State
	UserID() string
}

// IdentitySetter accepts a user id from the API.
type IdentitySetter interface {
	SetUserID(id string)
}

// StateSource exposes the reporting cadence.
type StateSource interface {
	Snapshot() report.Snapshot
}

// Deps are the collaborators the server reads from. Any may be nil except
// Config.
type Deps struct {
	Config   *Config
	Locator  Locator
	Identity IdentitySetter
	State    StateSource
	Metrics  *metrics.Metrics
	WebFS    fs.FS
}

// Server polls the sampler once a second and pushes frames to map clients.
type Server struct {
	cfg      *Config
	loc      Locator
	ident    IdentitySetter
	state    StateSource
	metrics  *metrics.Metrics
	webFS    fs.FS
	onConfig []func(*Config)

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader

	targetsMu sync.RWMutex
	targets   []backend.Target

	// Odometer, in-memory only
	odoMu     sync.Mutex
	odoTotal  float64 // km
	lastPos   geo.Point
	lastValid bool
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Position    *Position        `json:"position,omitempty"`
	Sampler     string           `json:"sampler,omitempty"`
	Reporting   *report.Snapshot `json:"reporting,omitempty"`
	Nearest     *NearestData     `json:"nearest,omitempty"`
	Odo         *OdoData         `json:"odo,omitempty"`
	Targets     []backend.Target `json:"targets,omitempty"`
	TargetAdded *backend.Target  `json:"targetAdded,omitempty"`
	Stamp       int64            `json:"stamp"` // Unix ms
}

// Position is the marker the map draws for the device.
type Position struct {
	Latitude   float64 `json:"lat"`
	Longitude  float64 `json:"lon"`
	SpeedKph   float64 `json:"speedKph"`
	CapturedAt int64   `json:"capturedAt"` // Unix ms
}

// NearestData is a local estimate of the closest target. It is for display
// only; the cadence always follows the service's distance.
type NearestData struct {
	Name   string  `json:"name"`
	Meters float64 `json:"meters"`
	Inside bool    `json:"inside"`
}

// OdoData is the odometer info sent to clients.
type OdoData struct {
	Total float64 `json:"total"` // km
}

// StateResponse is served by /api/state.
type StateResponse struct {
	Sampler   string           `json:"sampler"`
	UserID    string           `json:"userId"`
	Position  *Position        `json:"position,omitempty"`
	Reporting *report.Snapshot `json:"reporting,omitempty"`
}

// New creates a new Server.
func New(d Deps) *Server {
	return &Server{
		cfg:     d.Config,
		loc:     d.Locator,
		ident:   d.Identity,
		state:   d.State,
		metrics: d.Metrics,
		webFS:   d.WebFS,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// OnConfigChange registers fn to run after every accepted config update.
func (s *Server) OnConfigChange(fn func(*Config)) {
	s.onConfig = append(s.onConfig, fn)
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/state", s.handleState)
	mux.HandleFunc("/api/identity", s.handleIdentity)
	mux.HandleFunc("/api/targets", s.handleTargets)
	mux.Handle("/metrics", s.metrics.Handler())
	return mux
}

// Run starts the HTTP server and the display poll loop.
func (s *Server) Run(ctx context.Context) error {
	go s.pollLoop(ctx)

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", s.cfg.Server.ListenAddr)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// AddTarget stores a fetched target and pushes it to connected clients.
func (s *Server) AddTarget(t backend.Target) {
	// Held across the broadcast so a connecting client sees t either in its
	// hello frame or as TargetAdded, never both.
	s.targetsMu.Lock()
	defer s.targetsMu.Unlock()
	s.targets = append(s.targets, t)
	s.metrics.SetTargets(len(s.targets))
	s.broadcast(Frame{TargetAdded: &t, Stamp: time.Now().UnixMilli()})
}

// Targets returns a copy of the fetched targets in arrival order.
func (s *Server) Targets() []backend.Target {
	s.targetsMu.RLock()
	defer s.targetsMu.RUnlock()
	return append([]backend.Target(nil), s.targets...)
}

// BroadcastState pushes a cadence change without waiting for the next tick.
func (s *Server) BroadcastState(snap report.Snapshot) {
	s.broadcast(Frame{Reporting: &snap, Stamp: time.Now().UnixMilli()})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, 64),
	}

	// Initial frame: every known target plus the current cadence
	hello := Frame{
		Odo:   s.odometer(),
		Stamp: time.Now().UnixMilli(),
	}
	if s.state != nil {
		snap := s.state.Snapshot()
		hello.Reporting = &snap
	}

	// Lock order matches AddTarget: targets, then clients. The hello frame is
	// queued before the client can receive any TargetAdded.
	s.targetsMu.RLock()
	hello.Targets = append([]backend.Target(nil), s.targets...)
	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	if data, err := json.Marshal(hello); err == nil {
		client.send <- data
	}
	s.clientsMu.Unlock()
	s.targetsMu.RUnlock()
	s.metrics.SetWSClients(n)

	log.Printf("[ws] client %s connected (%d total)", client.id[:8], n)

	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			close(client.send)
			s.clientsMu.Unlock()
			s.metrics.SetWSClients(n)
			log.Printf("[ws] client %s disconnected (%d total)", client.id[:8], n)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// configResponse answers a config update. RestartRequired lists the saved
// settings the running daemon does not pick up.
type configResponse struct {
	Status          string   `json:"status"`
	RestartRequired []string `json:"restartRequired,omitempty"`
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		restart, err := s.cfg.UpdateFromJSON(body)
		if err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if err := s.cfg.Save(); err != nil {
			log.Printf("[config] save failed: %v", err)
		}
		if len(restart) > 0 {
			log.Printf("[config] saved, takes effect after restart: %s", strings.Join(restart, ", "))
		}
		for _, fn := range s.onConfig {
			fn(s.cfg)
		}
		writeJSON(w, configResponse{Status: "ok", RestartRequired: restart})

	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	resp := StateResponse{Sampler: gps.StateUnstarted.String()}
	if s.loc != nil {
		resp.Sampler = s.loc.State().String()
		resp.UserID = s.loc.UserID()
		if sample, ok := s.loc.Latest(); ok {
			resp.Position = positionOf(sample)
		}
	}
	if s.state != nil {
		snap := s.state.Snapshot()
		resp.Reporting = &snap
	}
	writeJSON(w, resp)
}

func (s *Server) handleIdentity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	var req struct {
		UserID string `json:"userId"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil {
		http.Error(w, "bad request", 400)
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		http.Error(w, "userId required", 400)
		return
	}
	if s.ident == nil {
		http.Error(w, "identity not supported", 503)
		return
	}
	s.ident.SetUserID(req.UserID)
	log.Printf("[server] identity set to %s", req.UserID)
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleTargets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	targets := s.Targets()
	if targets == nil {
		targets = []backend.Target{}
	}
	writeJSON(w, targets)
}

// pollLoop reads the latest sample on a fixed 1s cadence, independent of the
// sampling interval, and broadcasts it.
func (s *Server) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if frame, ok := s.tick(); ok {
				s.broadcast(frame)
			}
		}
	}
}

// tick builds the periodic display frame. ok is false until the sampler has
// produced its first sample.
func (s *Server) tick() (Frame, bool) {
	if s.loc == nil {
		return Frame{}, false
	}
	s.metrics.SetSamplerState(int(s.loc.State()))

	sample, ok := s.loc.Latest()
	if !ok {
		return Frame{}, false
	}
	s.updateOdometer(sample)

	frame := Frame{
		Position: positionOf(sample),
		Sampler:  s.loc.State().String(),
		Nearest:  s.nearest(sample),
		Odo:      s.odometer(),
		Stamp:    time.Now().UnixMilli(),
	}
	if s.state != nil {
		snap := s.state.Snapshot()
		frame.Reporting = &snap
	}
	return frame, true
}

func positionOf(sample gps.Sample) *Position {
	return &Position{
		Latitude:   sample.Latitude,
		Longitude:  sample.Longitude,
		SpeedKph:   math.Round(sample.Speed*3.6*10) / 10,
		CapturedAt: sample.CapturedAt.UnixMilli(),
	}
}

func (s *Server) nearest(sample gps.Sample) *NearestData {
	targets := s.Targets()
	if len(targets) == 0 {
		return nil
	}
	circles := make([]geo.Circle, len(targets))
	for i, t := range targets {
		circles[i] = geo.Circle{
			Center:       geo.Point{Lat: t.Latitude, Lng: t.Longitude},
			RadiusMeters: float64(t.RadiusMeters),
		}
	}
	idx, meters := geo.Nearest(geo.Point{Lat: sample.Latitude, Lng: sample.Longitude}, circles)
	if idx < 0 {
		return nil
	}
	return &NearestData{
		Name:   targets[idx].Name,
		Meters: math.Round(meters),
		Inside: meters == 0,
	}
}

// updateOdometer accumulates distance between consecutive samples.
func (s *Server) updateOdometer(sample gps.Sample) {
	p := geo.Point{Lat: sample.Latitude, Lng: sample.Longitude}

	s.odoMu.Lock()
	defer s.odoMu.Unlock()

	if !s.lastValid {
		// First fix seeds the position
		s.lastPos = p
		s.lastValid = true
		return
	}

	dist := geo.DistanceMeters(s.lastPos, p) / 1000

	// Ignore jumps > 500m per tick (GPS glitch)
	if dist > 0.5 {
		s.lastPos = p
		return
	}

	// Minimum movement threshold: ~2 meters
	if dist > 0.002 {
		s.odoTotal += dist
		s.lastPos = p
	}
}

func (s *Server) odometer() *OdoData {
	s.odoMu.Lock()
	defer s.odoMu.Unlock()
	return &OdoData{Total: math.Round(s.odoTotal*10) / 10}
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
