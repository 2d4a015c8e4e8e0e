package sensor

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/anemometer/internal/monitoring"
	"github.com/banshee-data/anemometer/internal/serialmux"
	"github.com/banshee-data/anemometer/internal/timeutil"
	"github.com/banshee-data/anemometer/internal/wind"
)

// MaxSensors is the number of simultaneous sensor links a station supports.
const MaxSensors = 4

// housekeepingInterval paces the station's memory usage sampling.
const housekeepingInterval = 30 * time.Second

// Station holds up to four independent sensor controllers and fans their
// events out to subscribers. Sensor links never share state, so a fault on
// one link cannot block another.
type Station struct {
	factory serialmux.SerialPortFactory
	clock   timeutil.Clock

	mu          sync.Mutex
	controllers map[string]*Controller
	subscribers map[string]chan Event
}

// NewStation creates an empty station using factory for all sensor links.
func NewStation(factory serialmux.SerialPortFactory) *Station {
	return &Station{
		factory:     factory,
		clock:       timeutil.RealClock{},
		controllers: make(map[string]*Controller),
		subscribers: make(map[string]chan Event),
	}
}

// AddSensor registers a sensor link. Identifiers must be unique and the
// station holds at most MaxSensors links.
func (s *Station) AddSensor(cfg WorkerConfig) (*Controller, error) {
	if cfg.SensorID == "" {
		return nil, fmt.Errorf("sensor id must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.controllers[cfg.SensorID]; ok {
		return nil, fmt.Errorf("sensor %q already registered", cfg.SensorID)
	}
	if len(s.controllers) >= MaxSensors {
		return nil, fmt.Errorf("station supports at most %d sensors", MaxSensors)
	}

	ctrl := NewController(cfg, s.factory, s.publish)
	s.controllers[cfg.SensorID] = ctrl
	monitoring.Logf("station: registered sensor %s on %s", cfg.SensorID, cfg.Port)
	return ctrl, nil
}

// Controller returns the controller for a sensor id.
func (s *Station) Controller(sensorID string) (*Controller, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctrl, ok := s.controllers[sensorID]
	return ctrl, ok
}

// SensorIDs returns the registered sensor ids in sorted order.
func (s *Station) SensorIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.controllers))
	for id := range s.controllers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ConnectAll starts every registered sensor, logging per-sensor failures.
func (s *Station) ConnectAll() {
	for _, id := range s.SensorIDs() {
		ctrl, _ := s.Controller(id)
		if err := ctrl.Connect(); err != nil {
			monitoring.Logf("station: connect %s: %v", id, err)
		}
	}
}

// DisconnectAll stops every registered sensor.
func (s *Station) DisconnectAll() {
	for _, id := range s.SensorIDs() {
		ctrl, _ := s.Controller(id)
		ctrl.Disconnect()
	}
}

// Subscribe creates a channel receiving every event from every sensor. The
// returned id identifies the subscription for Unsubscribe.
func (s *Station) Subscribe() (string, <-chan Event) {
	id := uuid.NewString()
	ch := make(chan Event, 64)

	s.mu.Lock()
	s.subscribers[id] = ch
	s.mu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscription and closes its channel.
func (s *Station) Unsubscribe(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// publish fans one event out to all subscribers. Sends never block: a
// subscriber that falls behind misses events rather than stalling the
// acquisition path.
func (s *Station) publish(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Snapshots returns a point-in-time copy of every sensor's buffer, keyed by
// sensor id. The input shape the synchronizer and multi-sensor export take.
func (s *Station) Snapshots() map[string][]wind.Reading {
	out := make(map[string][]wind.Reading)
	for _, id := range s.SensorIDs() {
		ctrl, _ := s.Controller(id)
		out[id] = ctrl.Snapshot()
	}
	return out
}

// Run performs periodic housekeeping until ctx is cancelled: memory usage
// sampling and per-sensor buffer accounting. Acquisition goroutines are
// never blocked by it.
func (s *Station) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(housekeepingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.logUsage()
		}
	}
}

func (s *Station) logUsage() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	total := 0
	for _, id := range s.SensorIDs() {
		ctrl, _ := s.Controller(id)
		total += ctrl.BufferLen()
	}
	monitoring.Logf("station: housekeeping: %d buffered readings, heap %.1f MiB, %d goroutines",
		total, float64(mem.HeapAlloc)/(1<<20), runtime.NumGoroutine())
}
