package gps

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// NMEAProvider reads standard NMEA 0183 sentences from a UART GPS.
// Compatible with u-blox NEO-M8N and any standard NMEA GPS.
//
// A background reader drains the port continuously so the fix returned by
// Read is always the newest one, however rarely Read is called.
type NMEAProvider struct {
	portPath string
	baudRate int
	open     func(path string, mode *serial.Mode) (io.ReadCloser, error)

	mu   sync.Mutex
	conn *nmeaConn
	last Data
}

// nmeaConn is one open port and the reader draining it.
type nmeaConn struct {
	port io.ReadCloser
	err  error // set when the reader stopped
}

// NMEAConfig holds configuration for the NMEA GPS provider.
type NMEAConfig struct {
	PortPath string `yaml:"port_path" json:"portPath"`
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
}

// NewNMEA creates a new NMEA GPS provider.
func NewNMEA(cfg NMEAConfig) *NMEAProvider {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 9600 // Standard NMEA default
	}
	return &NMEAProvider{
		portPath: cfg.PortPath,
		baudRate: cfg.BaudRate,
		open:     openSerial,
	}
}

func openSerial(path string, mode *serial.Mode) (io.ReadCloser, error) {
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}
	if err := port.SetReadTimeout(200 * time.Millisecond); err != nil {
		port.Close()
		return nil, err
	}
	return quietPort{port}, nil
}

var errReadTimeout = errors.New("gps: read timeout")

// quietPort turns the serial driver's (0, nil) timeout result into an error
// so a scan ends after one quiet period instead of spinning until bufio gives up.
type quietPort struct {
	io.ReadCloser
}

func (q quietPort) Read(p []byte) (int, error) {
	n, err := q.ReadCloser.Read(p)
	if n == 0 && err == nil {
		return 0, errReadTimeout
	}
	return n, err
}

func (n *NMEAProvider) Name() string { return "NMEA GPS" }

func (n *NMEAProvider) Connect() error {
	mode := &serial.Mode{
		BaudRate: n.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := n.open(n.portPath, mode)
	if err != nil {
		return fmt.Errorf("gps: failed to open %s: %w", n.portPath, err)
	}

	c := &nmeaConn{port: port}
	n.mu.Lock()
	old := n.conn
	n.conn = c
	n.last = Data{}
	n.mu.Unlock()
	if old != nil {
		old.port.Close()
	}

	go n.readLoop(c)

	log.Printf("[gps] connected to %s at %d baud", n.portPath, n.baudRate)
	return nil
}

func (n *NMEAProvider) Close() error {
	n.mu.Lock()
	c := n.conn
	n.conn = nil
	n.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.port.Close()
}

// Read returns a copy of the newest fix. It fails once the reader has hit
// a hard error or the end of the stream.
func (n *NMEAProvider) Read() (*Data, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.conn == nil {
		return nil, ErrNotConnected
	}
	if n.conn.err != nil {
		return nil, n.conn.err
	}
	fix := n.last
	return &fix, nil
}

// readLoop parses sentences until the port fails or is replaced.
func (n *NMEAProvider) readLoop(c *nmeaConn) {
	scanner := bufio.NewScanner(c.port)
	for {
		if !scanner.Scan() {
			err := scanner.Err()
			if errors.Is(err, errReadTimeout) || errors.Is(err, io.ErrNoProgress) {
				// The receiver is quiet, not gone. A stopped scanner cannot be reused.
				if !n.current(c) {
					return
				}
				scanner = bufio.NewScanner(c.port)
				continue
			}
			if err == nil {
				err = io.EOF
			}
			n.mu.Lock()
			c.err = fmt.Errorf("gps: read %s: %w", n.portPath, err)
			n.mu.Unlock()
			return
		}

		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "$") || !validateNMEAChecksum(line) {
			continue
		}

		n.mu.Lock()
		if n.conn != c {
			n.mu.Unlock()
			return
		}
		switch {
		case strings.HasPrefix(line, "$GPRMC"), strings.HasPrefix(line, "$GNRMC"):
			n.parseRMC(line)
		case strings.HasPrefix(line, "$GPGGA"), strings.HasPrefix(line, "$GNGGA"):
			n.parseGGA(line)
		}
		n.mu.Unlock()
	}
}

func (n *NMEAProvider) current(c *nmeaConn) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conn == c
}

func (n *NMEAProvider) parseRMC(line string) {
	// $GPRMC,hhmmss.ss,A,llll.ll,a,yyyyy.yy,a,x.x,x.x,ddmmyy,x.x,a*hh
	parts := splitNMEA(line)
	if len(parts) < 10 {
		return
	}

	n.last.Timestamp = parts[1]
	n.last.Valid = parts[2] == "A"

	if !n.last.Valid {
		// No position until a GGA in this epoch supplies one
		n.last.Latitude = 0
		n.last.Longitude = 0
		n.last.Speed = 0
		return
	}

	n.last.Latitude = parseNMEACoord(parts[3], parts[4])
	n.last.Longitude = parseNMEACoord(parts[5], parts[6])

	if spd, err := strconv.ParseFloat(parts[7], 64); err == nil {
		n.last.Speed = spd * 1.852 // Knots to km/h
	}
	if hdg, err := strconv.ParseFloat(parts[8], 64); err == nil {
		n.last.Heading = hdg
	}
}

func (n *NMEAProvider) parseGGA(line string) {
	// $GPGGA,hhmmss.ss,llll.ll,a,yyyyy.yy,a,x,xx,x.x,x.x,M,x.x,M,x.x,xxxx*hh
	parts := splitNMEA(line)
	if len(parts) < 11 {
		return
	}

	if fix, err := strconv.Atoi(parts[6]); err == nil {
		n.last.FixQuality = fix
	}
	if sats, err := strconv.Atoi(parts[7]); err == nil {
		n.last.Satellites = sats
	}
	// GGA carries a position even when RMC is void; keep it for balanced
	// subscriptions. An empty GGA position clears the previous one.
	if !n.last.Valid {
		n.last.Latitude = parseNMEACoord(parts[2], parts[3])
		n.last.Longitude = parseNMEACoord(parts[4], parts[5])
	}
}

// splitNMEA splits a sentence and strips the checksum suffix.
func splitNMEA(line string) []string {
	if idx := strings.Index(line, "*"); idx >= 0 {
		line = line[:idx]
	}
	line = strings.TrimPrefix(line, "$")
	return strings.Split(line, ",")
}

// parseNMEACoord converts NMEA ddmm.mmmm format to decimal degrees.
func parseNMEACoord(raw, dir string) float64 {
	if raw == "" || dir == "" {
		return 0
	}
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	deg := math.Floor(val / 100)
	min := val - deg*100
	result := deg + min/60

	if dir == "S" || dir == "W" {
		result = -result
	}
	return result
}

// validateNMEAChecksum checks the XOR checksum after *.
func validateNMEAChecksum(line string) bool {
	idx := strings.Index(line, "*")
	if idx < 0 || idx+3 > len(line) {
		return false
	}
	body := line[1:idx] // Between $ and *
	var calc byte
	for i := 0; i < len(body); i++ {
		calc ^= body[i]
	}
	expected, err := strconv.ParseUint(line[idx+1:idx+3], 16, 8)
	if err != nil {
		return false
	}
	return byte(expected) == calc
}
