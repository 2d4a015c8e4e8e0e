// Command anemometer acquires wind telemetry from serial-attached
// ultrasonic anemometers, archives it, and exports synchronized CSVs on
// shutdown.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/anemometer/internal/config"
	"github.com/banshee-data/anemometer/internal/db"
	"github.com/banshee-data/anemometer/internal/export"
	"github.com/banshee-data/anemometer/internal/monitoring"
	"github.com/banshee-data/anemometer/internal/security"
	"github.com/banshee-data/anemometer/internal/sensor"
	"github.com/banshee-data/anemometer/internal/serialmux"
	"github.com/banshee-data/anemometer/internal/version"
)

var (
	configPath = flag.String("config", config.DefaultConfigPath, "Station config file")
	dbPath     = flag.String("db", "", "SQLite archive path (overrides config; empty uses config)")
	csvDir     = flag.String("csv-dir", "", "Directory for shutdown CSV exports (overrides config)")
	devMode    = flag.Bool("dev", false, "Run against simulated sensors instead of real serial ports")
	verbose    = flag.Bool("verbose", false, "Enable per-line debug logging")
)

func main() {
	flag.Parse()
	monitoring.Verbose = *verbose
	log.Printf("anemometer %s (%s)", version.Version, version.GitSHA)

	cfg, err := config.Load(*configPath)
	if err != nil {
		if *devMode {
			log.Printf("config %s unavailable (%v), using defaults", *configPath, err)
			cfg = config.Default()
		} else {
			log.Fatalf("failed to load config: %v", err)
		}
	}
	if *dbPath != "" {
		cfg.DatabasePath = *dbPath
	}
	if *csvDir != "" {
		cfg.CSVDir = *csvDir
	}

	var factory serialmux.SerialPortFactory = serialmux.RealSerialPortFactory{}
	if *devMode {
		log.Print("dev mode: using simulated sensors")
		factory = serialmux.ReplayPortFactory{}
	}

	var archive *db.DB
	if cfg.DatabasePath != "" {
		archive, err = db.NewDB(cfg.DatabasePath)
		if err != nil {
			log.Fatalf("failed to open reading archive: %v", err)
		}
		defer archive.Close()
		log.Printf("archiving to %s (session %s)", cfg.DatabasePath, archive.SessionID)
	}

	station := sensor.NewStation(factory)
	for _, wc := range cfg.WorkerConfigs() {
		if _, err := station.AddSensor(wc); err != nil {
			log.Fatalf("failed to add sensor %s: %v", wc.SensorID, err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	// Housekeeping loop: periodic resource usage logging.
	wg.Add(1)
	go func() {
		defer wg.Done()
		station.Run(ctx)
	}()

	// Archive subscriber: every accepted reading goes to SQLite.
	if archive != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, events := station.Subscribe()
			defer station.Unsubscribe(id)
			for {
				select {
				case ev := <-events:
					if ev.Kind != sensor.EventReading || ev.Reading == nil {
						continue
					}
					if err := archive.RecordReading(*ev.Reading); err != nil {
						log.Printf("failed to archive reading from %s: %v", ev.SensorID, err)
					}
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	station.ConnectAll()
	log.Printf("station %s started with sensors %v", cfg.Name, station.SensorIDs())

	<-ctx.Done()
	log.Print("shutting down...")

	station.DisconnectAll()
	wg.Wait()

	if cfg.CSVDir != "" {
		exportCSVs(station, cfg.CSVDir)
	}
	log.Print("graceful shutdown complete")
}

// exportCSVs writes one per-sensor CSV plus a synchronized multi-sensor
// CSV from the buffered readings. Export failures are logged, not fatal.
func exportCSVs(station *sensor.Station, dir string) {
	snaps := station.Snapshots()
	stamp := time.Now().Format("20060102_150405")
	w := export.NewWriter(nil)

	for id, readings := range snaps {
		if len(readings) == 0 {
			continue
		}
		path := filepath.Join(dir, security.SanitizeFilename(id)+"_"+stamp+".csv")
		if err := security.ValidatePathWithinDirectory(path, dir); err != nil {
			log.Printf("refusing export for %s: %v", id, err)
			continue
		}
		if err := w.WriteSingle(path, readings); err != nil {
			log.Printf("failed to export %s: %v", id, err)
		}
	}

	if len(snaps) > 1 {
		path := filepath.Join(dir, "combined_"+stamp+".csv")
		if err := w.WriteMulti(path, snaps); err != nil {
			log.Printf("failed to export combined CSV: %v", err)
		}
	}
}
