package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shaunagostinho/geofenced/internal/backend"
	"github.com/shaunagostinho/geofenced/internal/gps"
	"github.com/shaunagostinho/geofenced/internal/metrics"
	"github.com/shaunagostinho/geofenced/internal/notify"
	"github.com/shaunagostinho/geofenced/internal/report"
	"github.com/shaunagostinho/geofenced/internal/server"
	"github.com/shaunagostinho/geofenced/internal/track"
	"github.com/shaunagostinho/geofenced/web"
)

func main() {
	configPath := flag.String("config", "/etc/geofenced/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run with a simulated GPS")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	userID := flag.String("user", "", "Override the user id reported to the service")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] geofenced starting")

	cfg := server.LoadConfig(*configPath)
	if *demo {
		cfg.GPS.Type = "demo"
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if *userID != "" {
		cfg.Backend.UserID = *userID
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	m := metrics.New()

	// GPS provider and permission gate
	var gpsProv gps.Provider
	var perm gps.Permission = gps.StaticPermission(cfg.Permission.Location)
	switch cfg.GPS.Type {
	case "nmea":
		gpsProv = gps.NewNMEA(gps.NMEAConfig{
			PortPath: cfg.GPS.PortPath,
			BaudRate: cfg.GPS.BaudRate,
		})
		if cfg.Permission.Location && cfg.Permission.CheckDevice {
			perm = gps.DevicePermission{Path: cfg.GPS.PortPath}
		}
	default:
		gpsProv = gps.NewDemoGPS(cfg.GPS.Demo)
	}

	interval := time.Duration(cfg.GPS.IntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 5 * time.Second
	}
	priority := gps.ParsePriority(cfg.GPS.Priority)

	sampler := gps.NewSampler(gpsProv, perm, gps.SamplerConfig{
		RetryDelay: time.Duration(cfg.GPS.RetryDelayMs) * time.Millisecond,
	})
	sampler.Configure(gps.NewRequest(interval, priority))

	// Reporting loop
	client := backend.New(cfg.Backend.Config)
	state := report.NewState(interval)
	reporter := report.New(client, sampler, state, report.Config{
		MaxInFlight: cfg.Report.MaxInFlight,
		Priority:    priority,
	}, m)

	recorder := track.New(cfg.Track, state)

	sampler.OnSample(func(gps.Sample, string) { m.SampleDelivered() })
	sampler.OnSample(reporter.OnSample)
	sampler.OnSample(recorder.OnSample)

	srv := server.New(server.Deps{
		Config:   cfg,
		Locator:  sampler,
		Identity: sampler,
		State:    reporter,
		Metrics:  m,
		WebFS:    web.FS,
	})
	srv.OnConfigChange(func(c *server.Config) {
		recorder.SetEnabled(c.TrackEnabled())
	})
	reporter.OnChange(srv.BroadcastState)

	// MQTT delivers the user id once the push service registers the device
	notifier := notify.New(cfg.MQTT, func(id string) {
		sampler.SetUserID(id)
	})
	reporter.OnChange(func(snap report.Snapshot) {
		if err := notifier.PublishState(snap); err != nil {
			log.Printf("[mqtt] publish failed: %v", err)
		}
	})
	if cfg.MQTT.Enabled {
		go connectWithRetry(ctx, "mqtt", notifier, 10)
	}

	if cfg.Backend.UserID == "" {
		log.Printf("[main] no user id yet, reports are skipped until one arrives")
	}
	sampler.Start(ctx, cfg.Backend.UserID)

	go fetchTargets(ctx, client, srv)

	// Start server; blocks until ctx is cancelled
	if err := srv.Run(ctx); err != nil {
		log.Printf("[main] server exited: %v", err)
		cancel()
	}

	sampler.Stop()
	reporter.Close()
	drainReports(reporter, 5*time.Second)
	recorder.Close()
	notifier.Close()
	log.Println("[main] stopped")
}

// fetchTargets loads every target once and hands each to the display as it
// is parsed.
func fetchTargets(ctx context.Context, c *backend.Client, srv *server.Server) {
	n, err := c.FetchTargets(ctx, srv.AddTarget)
	if err != nil {
		log.Printf("[main] target fetch stopped after %d targets: %v", n, err)
		return
	}
	log.Printf("[main] loaded %d targets", n)
}

// drainReports waits for in-flight reports, cancelling them after grace.
func drainReports(r *report.Reporter, grace time.Duration) {
	done := make(chan struct{})
	go func() {
		r.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		log.Printf("[main] reports still in flight after %v, cancelling", grace)
		r.Abort()
		<-done
	}
}

type connectable interface {
	Connect() error
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, retries up to maxAttempts
// then continues at max interval indefinitely.
func connectWithRetry(ctx context.Context, name string, c connectable, maxAttempts int) {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := c.Connect()
		if err == nil {
			log.Printf("[%s] connected successfully (attempt %d)", name, attempt+1)
			return
		}

		attempt++
		if attempt <= maxAttempts {
			log.Printf("[%s] connect attempt %d/%d failed: %v (retry in %v)",
				name, attempt, maxAttempts, err, delay)
		} else {
			log.Printf("[%s] connect attempt %d failed: %v (retry in %v)",
				name, attempt, err, delay)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
