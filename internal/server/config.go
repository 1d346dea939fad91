package server

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/geofenced/internal/backend"
	"github.com/shaunagostinho/geofenced/internal/gps"
	"github.com/shaunagostinho/geofenced/internal/notify"
	"github.com/shaunagostinho/geofenced/internal/track"
)

// Config holds all daemon configuration.
type Config struct {
	mu sync.RWMutex

	GPS        GPSConfig        `yaml:"gps" json:"gps"`
	Backend    BackendConfig    `yaml:"backend" json:"backend"`
	Report     ReportConfig     `yaml:"report" json:"report"`
	Server     ServerConfig     `yaml:"server" json:"server"`
	MQTT       notify.Config    `yaml:"mqtt" json:"mqtt"`
	Track      track.Config     `yaml:"track" json:"track"`
	Permission PermissionConfig `yaml:"permission" json:"permission"`

	path string // file path for save/load
}

type GPSConfig struct {
	Type         string         `yaml:"type" json:"type"`          // "nmea" or "demo"
	PortPath     string         `yaml:"port_path" json:"portPath"` // e.g. /dev/ttyGPS
	BaudRate     int            `yaml:"baud_rate" json:"baudRate"`
	Priority     string         `yaml:"priority" json:"priority"` // "high_accuracy" or "balanced"
	IntervalMs   int            `yaml:"interval_ms" json:"intervalMs"`
	RetryDelayMs int            `yaml:"retry_delay_ms" json:"retryDelayMs"`
	Demo         gps.DemoConfig `yaml:"demo" json:"demo"`
}

type BackendConfig struct {
	backend.Config `yaml:",inline"`
	UserID         string `yaml:"user_id" json:"userId"`
}

type ReportConfig struct {
	MaxInFlight int `yaml:"max_in_flight" json:"maxInFlight"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// PermissionConfig gates location access. With CheckDevice the GPS device
// node must also be readable.
type PermissionConfig struct {
	Location    bool `yaml:"location" json:"location"`
	CheckDevice bool `yaml:"check_device" json:"checkDevice"`
}

// DefaultPath is where the config is saved when none was loaded.
const DefaultPath = "/etc/geofenced/config.yaml"

// liveKeys are applied by the running daemon; every other setting is read
// once at startup.
var liveKeys = map[string]bool{
	"track.enabled": true,
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		path: DefaultPath,
		GPS: GPSConfig{
			Type:         "demo",
			PortPath:     "/dev/ttyGPS",
			BaudRate:     9600,
			Priority:     gps.PriorityHighAccuracy.String(),
			IntervalMs:   5000,
			RetryDelayMs: 1000,
		},
		Backend: BackendConfig{
			Config: backend.Config{
				BaseURL:   backend.DefaultBaseURL,
				TimeoutMs: 30000,
			},
		},
		Report: ReportConfig{
			MaxInFlight: 8,
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
		MQTT: notify.DefaultConfig(),
		Track: track.Config{
			Enabled: false,
			Path:    "/var/log/geofenced",
		},
		Permission: PermissionConfig{
			Location: true,
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	if path != "" {
		cfg.path = path
	}

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		if path != "" {
			cfg.path = path
		}
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	// .env next to the config first, then CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		// Real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

func envBool(v string) bool {
	return v == "1" || v == "true" || v == "yes"
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: GPS_TYPE, GPS_PORT, GPS_BAUD, BACKEND_URL, BACKEND_TIMEOUT_MS,
// USER_ID, LISTEN_ADDR, MQTT_BROKER, MQTT_ENABLED, TRACK_ENABLED, TRACK_PATH,
// REPORT_MAX_IN_FLIGHT
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("GPS_TYPE"); v != "" {
		c.GPS.Type = v
	}
	if v := os.Getenv("GPS_PORT"); v != "" {
		c.GPS.PortPath = v
	}
	if v := os.Getenv("GPS_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.GPS.BaudRate = n
		}
	}
	if v := os.Getenv("BACKEND_URL"); v != "" {
		c.Backend.BaseURL = v
	}
	if v := os.Getenv("BACKEND_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Backend.TimeoutMs = n
		}
	}
	if v := os.Getenv("USER_ID"); v != "" {
		c.Backend.UserID = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
	}
	if v := os.Getenv("MQTT_ENABLED"); v != "" {
		c.MQTT.Enabled = envBool(v)
	}
	if v := os.Getenv("TRACK_ENABLED"); v != "" {
		c.Track.Enabled = envBool(v)
	}
	if v := os.Getenv("TRACK_PATH"); v != "" {
		c.Track.Path = v
	}
	if v := os.Getenv("REPORT_MAX_IN_FLIGHT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Report.MaxInFlight = n
		}
	}
}

// Path returns the file the config is saved to.
func (c *Config) Path() string {
	return c.path
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// TrackEnabled reads the recorder switch under the config lock.
func (c *Config) TrackEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Track.Enabled
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved. It returns the sorted JSON paths of changed
// settings that only take effect after a restart.
func (c *Config) UpdateFromJSON(data []byte) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return nil, fmt.Errorf("unmarshal current config: %w", err)
	}
	before := flatten("", base, map[string]interface{}{})

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return nil, fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("marshal merged config: %w", err)
	}
	if err := json.Unmarshal(merged, c); err != nil {
		return nil, err
	}

	after, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal merged config: %w", err)
	}
	var next map[string]interface{}
	if err := json.Unmarshal(after, &next); err != nil {
		return nil, fmt.Errorf("unmarshal merged config: %w", err)
	}

	var restart []string
	for key, val := range flatten("", next, map[string]interface{}{}) {
		if liveKeys[key] {
			continue
		}
		if !reflect.DeepEqual(before[key], val) {
			restart = append(restart, key)
		}
	}
	sort.Strings(restart)
	return restart, nil
}

// flatten collects the leaves of m under dotted paths.
func flatten(prefix string, m map[string]interface{}, out map[string]interface{}) map[string]interface{} {
	for key, val := range m {
		if prefix != "" {
			key = prefix + "." + key
		}
		if sub, ok := val.(map[string]interface{}); ok {
			flatten(key, sub, out)
			continue
		}
		out[key] = val
	}
	return out
}

// deepMerge recursively merges src into dst. Nested maps are merged, all
// other values are replaced.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
