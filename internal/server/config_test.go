package server

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/geofenced/internal/backend"
)

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))

	assert.Equal(t, "demo", cfg.GPS.Type)
	assert.Equal(t, 5000, cfg.GPS.IntervalMs)
	assert.Equal(t, 1000, cfg.GPS.RetryDelayMs)
	assert.Equal(t, backend.DefaultBaseURL, cfg.Backend.BaseURL)
	assert.Equal(t, 30000, cfg.Backend.TimeoutMs)
	assert.Equal(t, 8, cfg.Report.MaxInFlight)
	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.False(t, cfg.MQTT.Enabled)
	assert.True(t, cfg.Permission.Location)
}

func TestLoadConfigYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
gps:
  type: nmea
  port_path: /dev/ttyUSB0
  priority: balanced
backend:
  base_url: http://localhost:9000
  user_id: abc
mqtt:
  enabled: true
  device_id: car-7
track:
  enabled: true
  path: /tmp/tracks
`), 0644))

	cfg := LoadConfig(path)
	assert.Equal(t, "nmea", cfg.GPS.Type)
	assert.Equal(t, "/dev/ttyUSB0", cfg.GPS.PortPath)
	assert.Equal(t, 9600, cfg.GPS.BaudRate)
	assert.Equal(t, "balanced", cfg.GPS.Priority)
	assert.Equal(t, "http://localhost:9000", cfg.Backend.BaseURL)
	assert.Equal(t, 30000, cfg.Backend.TimeoutMs)
	assert.Equal(t, "abc", cfg.Backend.UserID)
	assert.True(t, cfg.MQTT.Enabled)
	assert.Equal(t, "car-7", cfg.MQTT.DeviceID)
	assert.Equal(t, 1883, cfg.MQTT.Port)
	assert.True(t, cfg.Track.Enabled)
	assert.Equal(t, path, cfg.Path())
}

func TestLoadConfigBadYAMLFallsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("gps: [unclosed"), 0644))

	cfg := LoadConfig(path)
	assert.Equal(t, "demo", cfg.GPS.Type)
	assert.Equal(t, path, cfg.Path())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("GPS_TYPE", "nmea")
	t.Setenv("GPS_BAUD", "38400")
	t.Setenv("BACKEND_URL", "http://example.test")
	t.Setenv("BACKEND_TIMEOUT_MS", "1500")
	t.Setenv("USER_ID", "env-user")
	t.Setenv("LISTEN_ADDR", ":9090")
	t.Setenv("MQTT_BROKER", "broker.local")
	t.Setenv("MQTT_ENABLED", "yes")
	t.Setenv("TRACK_ENABLED", "1")
	t.Setenv("TRACK_PATH", "/data/track")
	t.Setenv("REPORT_MAX_IN_FLIGHT", "0")

	cfg := LoadConfig(filepath.Join(t.TempDir(), "none.yaml"))
	assert.Equal(t, "nmea", cfg.GPS.Type)
	assert.Equal(t, 38400, cfg.GPS.BaudRate)
	assert.Equal(t, "http://example.test", cfg.Backend.BaseURL)
	assert.Equal(t, 1500, cfg.Backend.TimeoutMs)
	assert.Equal(t, "env-user", cfg.Backend.UserID)
	assert.Equal(t, ":9090", cfg.Server.ListenAddr)
	assert.Equal(t, "broker.local", cfg.MQTT.Broker)
	assert.True(t, cfg.MQTT.Enabled)
	assert.True(t, cfg.Track.Enabled)
	assert.Equal(t, "/data/track", cfg.Track.Path)
	assert.Equal(t, 8, cfg.Report.MaxInFlight, "non-positive pool size is ignored")
}

func TestEnvFileDoesNotOverrideRealEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(
		"# comment\nUSER_ID=\"from-file\"\nLISTEN_ADDR=:7000\nbroken line\n"), 0644))
	t.Setenv("USER_ID", "")
	t.Setenv("LISTEN_ADDR", ":6000")

	cfg := LoadConfig(filepath.Join(dir, "config.yaml"))
	assert.Equal(t, "from-file", cfg.Backend.UserID)
	assert.Equal(t, ":6000", cfg.Server.ListenAddr)
}

func TestUpdateFromJSONMerges(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MQTT.Password = "secret"

	restart, err := cfg.UpdateFromJSON([]byte(`{"track":{"enabled":true},"gps":{"priority":"balanced"}}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"gps.priority"}, restart)
	assert.True(t, cfg.TrackEnabled())
	assert.Equal(t, "/var/log/geofenced", cfg.Track.Path)
	assert.Equal(t, "balanced", cfg.GPS.Priority)
	assert.Equal(t, "/dev/ttyGPS", cfg.GPS.PortPath)
	assert.Equal(t, "secret", cfg.MQTT.Password)

	_, err = cfg.UpdateFromJSON([]byte(`{"track":`))
	assert.Error(t, err)
}

func TestUpdateFromJSONRestartKeys(t *testing.T) {
	cfg := DefaultConfig()

	restart, err := cfg.UpdateFromJSON([]byte(`{"gps":{"intervalMs":1000,"priority":"high_accuracy"},"report":{"maxInFlight":2}}`))
	require.NoError(t, err)
	// priority is unchanged, so only two settings wait for a restart.
	assert.Equal(t, []string{"gps.intervalMs", "report.maxInFlight"}, restart)
	assert.Equal(t, 1000, cfg.GPS.IntervalMs)
	assert.Equal(t, 2, cfg.Report.MaxInFlight)

	restart, err = cfg.UpdateFromJSON([]byte(`{"track":{"enabled":true}}`))
	require.NoError(t, err)
	assert.Empty(t, restart)
}

func TestConfigPath(t *testing.T) {
	assert.Equal(t, DefaultPath, DefaultConfig().Path())
	assert.Equal(t, DefaultPath, LoadConfig("").Path())

	path := filepath.Join(t.TempDir(), "config.yaml")
	assert.Equal(t, path, LoadConfig(path).Path())
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := LoadConfig(path)
	cfg.Backend.UserID = "saved"
	require.NoError(t, cfg.Save())

	again := LoadConfig(path)
	assert.Equal(t, "saved", again.Backend.UserID)
}

func TestToJSONHidesPassword(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MQTT.Password = "secret"
	data, err := cfg.ToJSON()
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secret")
	assert.Contains(t, string(data), `"baseUrl":"http://api.1.name.my"`)
}
