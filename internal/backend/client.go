// Package backend talks to the GeoLocationService HTTP endpoints.
package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

const (
	// DefaultBaseURL is the production service host.
	DefaultBaseURL = "http://api.1.name.my"

	updateLocationPath = "/GeoLocationService.svc/UpdateLocation"
	getAllTargetsPath  = "/GeoLocationService.svc/GetAllTargets"

	maxBodyBytes = 4 << 20
)

// Config holds backend connection settings.
type Config struct {
	BaseURL   string `yaml:"base_url" json:"baseUrl"`
	TimeoutMs int    `yaml:"timeout_ms" json:"timeoutMs"`
}

// Client calls the location service.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a Client. An empty base URL selects DefaultBaseURL; a
// non-positive timeout selects 30s.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// LocationUpdate is the UpdateLocation request body. Speed is never
// transmitted.
type LocationUpdate struct {
	ID        string  `json:"id"`
	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
}

type distancePayload struct {
	DistanceToClosest numString `json:"distanceToClosest"`
}

// UpdateLocation reports a position and returns the service's distance, in
// meters, to the closest target.
func (c *Client) UpdateLocation(ctx context.Context, u LocationUpdate) (float64, error) {
	body, err := json.Marshal(u)
	if err != nil {
		return 0, fmt.Errorf("encode update: %w", err)
	}
	resp, err := c.post(ctx, updateLocationPath, body)
	if err != nil {
		return 0, err
	}

	payload, err := unwrap(resp, "UpdateLocationResult")
	if err != nil {
		return 0, err
	}
	var p distancePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPayload, err)
	}
	dist, err := p.DistanceToClosest.Float()
	if err != nil {
		return 0, fmt.Errorf("%w: distanceToClosest %q: %v", ErrPayload, string(p.DistanceToClosest), err)
	}
	return dist, nil
}

func (c *Client) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	var rd io.Reader = http.NoBody
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, rd)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s: %d", ErrStatus, path, resp.StatusCode)
	}
	log.Printf("[backend] %s -> %d bytes", path, len(data))
	return data, nil
}
