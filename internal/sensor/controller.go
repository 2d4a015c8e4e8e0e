package sensor

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/anemometer/internal/monitoring"
	"github.com/banshee-data/anemometer/internal/serialmux"
	"github.com/banshee-data/anemometer/internal/wind"
)

const (
	// MaxReconnectAttempts bounds automatic reconnection; past it the
	// sensor stays down until a manual reconnect.
	MaxReconnectAttempts = 4

	// reconnectBaseDelay seeds the exponential backoff schedule:
	// 1s, 2s, 4s, 8s.
	reconnectBaseDelay = time.Second

	// stopJoinTimeout bounds the wait for a worker to exit on manual
	// disconnect; reconnectJoinTimeout bounds it during a retry.
	stopJoinTimeout      = 5 * time.Second
	reconnectJoinTimeout = 2 * time.Second
)

var ErrAlreadyConnected = errors.New("sensor already connected")

// ConnectionState is the per-sensor connection record. Only the controller
// mutates it, from its event-processing goroutine.
type ConnectionState struct {
	Connected      bool
	ReconnectCount int
	LastError      string
	Info           *SensorInfo
}

// retryScheduler runs fn after delay and returns a cancel function.
// The default uses time.AfterFunc; tests substitute a recorder.
type retryScheduler func(delay time.Duration, fn func()) (cancel func() bool)

// Controller supervises one sensor: it owns the reading buffer, consumes
// its worker's events, and reconnects with bounded exponential backoff when
// the link drops without a deliberate disconnect.
type Controller struct {
	cfg     WorkerConfig
	factory serialmux.SerialPortFactory
	buffer  *wind.Buffer

	// sink receives every worker event after the controller has processed
	// it. May be nil.
	sink func(Event)

	schedule retryScheduler

	mu           sync.Mutex
	state        ConnectionState
	worker       *Worker
	manual       bool // deliberate disconnect, suppresses reconnection
	reconnecting bool // a retry is already scheduled
	cancelRetry  func() bool

	wg sync.WaitGroup
}

// NewController creates a controller for one configured sensor link.
func NewController(cfg WorkerConfig, factory serialmux.SerialPortFactory, sink func(Event)) *Controller {
	return &Controller{
		cfg:     cfg,
		factory: factory,
		buffer:  wind.NewBuffer(0),
		sink:    sink,
		schedule: func(delay time.Duration, fn func()) func() bool {
			return time.AfterFunc(delay, fn).Stop
		},
	}
}

// SensorID returns the configured sensor identifier.
func (c *Controller) SensorID() string { return c.cfg.SensorID }

// Connect starts a fresh worker for this sensor. It fails if one is
// already running.
func (c *Controller) Connect() error {
	c.mu.Lock()
	if c.worker != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	w := NewWorker(c.cfg, c.factory)
	c.worker = w
	c.manual = false
	c.mu.Unlock()

	monitoring.Logf("%s: starting sensor connection", c.cfg.SensorID)
	w.Start()

	c.wg.Add(1)
	go c.process(w)
	return nil
}

// process drains the worker's event stream until the worker closes it.
func (c *Controller) process(w *Worker) {
	defer c.wg.Done()
	for ev := range w.Events() {
		c.handle(ev)
		if c.sink != nil {
			c.sink(ev)
		}
	}
}

func (c *Controller) handle(ev Event) {
	switch ev.Kind {
	case EventReading:
		c.buffer.Append(*ev.Reading)

	case EventStatus:
		c.mu.Lock()
		c.state.Connected = ev.Connected
		if ev.Connected {
			// A successful connection resets the backoff chain.
			c.state.ReconnectCount = 0
			c.reconnecting = false
			c.cancelRetry = nil
		} else if !c.manual {
			c.scheduleReconnectLocked()
		}
		c.mu.Unlock()

	case EventError:
		c.mu.Lock()
		c.state.LastError = ev.Message
		c.mu.Unlock()

	case EventSensorInfo:
		c.mu.Lock()
		c.state.Info = ev.Info
		c.mu.Unlock()
	}
}

// scheduleReconnectLocked arms one backoff retry. Re-entrant triggers while
// a retry is pending are ignored; exhausting the attempt budget is terminal
// until a manual reconnect. Caller holds c.mu.
func (c *Controller) scheduleReconnectLocked() {
	if c.reconnecting {
		return
	}
	if c.state.ReconnectCount >= MaxReconnectAttempts {
		monitoring.Logf("%s: max reconnection attempts (%d) reached, giving up",
			c.cfg.SensorID, MaxReconnectAttempts)
		return
	}

	delay := reconnectBaseDelay * (1 << c.state.ReconnectCount)
	c.reconnecting = true
	c.state.ReconnectCount++
	monitoring.Logf("%s: scheduling reconnection attempt %d/%d in %s",
		c.cfg.SensorID, c.state.ReconnectCount, MaxReconnectAttempts, delay)

	c.cancelRetry = c.schedule(delay, c.attemptReconnect)
}

// attemptReconnect tears down the failed worker and starts a new one. A
// failed start is not rescheduled here; the new worker's own open failure
// re-enters the backoff chain through its status event.
func (c *Controller) attemptReconnect() {
	c.mu.Lock()
	if !c.reconnecting {
		// Cancelled by a manual disconnect after the timer fired.
		c.mu.Unlock()
		return
	}
	attempt := c.state.ReconnectCount
	old := c.worker
	c.worker = nil
	c.mu.Unlock()

	monitoring.Logf("%s: attempting reconnection (attempt %d/%d)",
		c.cfg.SensorID, attempt, MaxReconnectAttempts)

	if old != nil {
		old.Stop()
		if !waitDone(old, reconnectJoinTimeout) {
			monitoring.Logf("%s: old worker did not stop before reconnect", c.cfg.SensorID)
		}
	}

	c.mu.Lock()
	c.reconnecting = false
	c.cancelRetry = nil
	c.mu.Unlock()

	if err := c.Connect(); err != nil {
		monitoring.Logf("%s: reconnection attempt failed: %v", c.cfg.SensorID, err)
	}
}

// Disconnect stops the worker and cancels any pending reconnection. It is
// the deliberate path: no retry follows.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	c.manual = true
	if c.cancelRetry != nil {
		c.cancelRetry()
		c.cancelRetry = nil
	}
	c.reconnecting = false
	c.state.ReconnectCount = 0
	w := c.worker
	c.worker = nil
	c.mu.Unlock()

	if w != nil {
		w.Stop()
		if !waitDone(w, stopJoinTimeout) {
			monitoring.Logf("%s: worker did not stop within %s", c.cfg.SensorID, stopJoinTimeout)
		}
	}

	c.mu.Lock()
	c.state.Connected = false
	c.mu.Unlock()
}

func waitDone(w *Worker, timeout time.Duration) bool {
	select {
	case <-w.Done():
		return true
	case <-time.After(timeout):
		return false
	}
}

// State returns a copy of the connection record.
func (c *Controller) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the link is currently up.
func (c *Controller) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Connected
}

// Snapshot returns a copy of the buffered readings, oldest first.
func (c *Controller) Snapshot() []wind.Reading { return c.buffer.Snapshot() }

// Latest returns the most recent reading, if any.
func (c *Controller) Latest() (wind.Reading, bool) { return c.buffer.Latest() }

// BufferLen returns the number of buffered readings.
func (c *Controller) BufferLen() int { return c.buffer.Len() }

// ClearBuffer discards all buffered readings.
func (c *Controller) ClearBuffer() {
	c.buffer.Clear()
	monitoring.Logf("%s: reading buffer cleared", c.cfg.SensorID)
}

// Overflows reports input backlog flushes on the current worker.
func (c *Controller) Overflows() int64 {
	c.mu.Lock()
	w := c.worker
	c.mu.Unlock()
	if w == nil {
		return 0
	}
	return w.Overflows()
}

// SendCommand injects a raw command into the sensor's stream.
func (c *Controller) SendCommand(command string) error {
	c.mu.Lock()
	w := c.worker
	c.mu.Unlock()
	if w == nil {
		return errPortNotOpen
	}
	return w.SendCommand(command)
}

// SetOutputRate changes the telemetry rate. Only the structured protocol
// supports the command, so it is refused on legacy and unknown links.
func (c *Controller) SetOutputRate(rate int) error {
	if rate <= 0 {
		return fmt.Errorf("invalid output rate %d", rate)
	}

	c.mu.Lock()
	info := c.state.Info
	w := c.worker
	c.mu.Unlock()

	if w == nil {
		return errPortNotOpen
	}
	if info == nil || info.Protocol != ProtocolStructured {
		return fmt.Errorf("output rate control requires the structured protocol")
	}
	return w.SendCommand(fmt.Sprintf("{outputrate %d}", rate))
}

// Join waits for the controller's event-processing goroutine to finish,
// bounded by timeout.
func (c *Controller) Join(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
