package sensor

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/anemometer/internal/monitoring"
	"github.com/banshee-data/anemometer/internal/parse"
	"github.com/banshee-data/anemometer/internal/serialmux"
	"github.com/banshee-data/anemometer/internal/wind"
)

// WorkerState tracks the worker lifecycle. Transitions run strictly forward:
// Idle, Opening, Negotiating, Reading, Stopping, Closed, with Reading
// jumping straight to Closed on I/O failure.
type WorkerState int32

const (
	StateIdle WorkerState = iota
	StateOpening
	StateNegotiating
	StateReading
	StateStopping
	StateClosed
)

func (s WorkerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpening:
		return "opening"
	case StateNegotiating:
		return "negotiating"
	case StateReading:
		return "reading"
	case StateStopping:
		return "stopping"
	case StateClosed:
		return "closed"
	default:
		return "invalid"
	}
}

const (
	// portReadTimeout bounds each driver read so the loop can observe
	// stop requests.
	portReadTimeout = time.Second

	// overflowThreshold is the unread-byte count past which the input
	// backlog is flushed instead of parsed.
	overflowThreshold = 4096
)

// WorkerConfig describes one sensor link.
type WorkerConfig struct {
	SensorID     string
	Port         string
	Options      serialmux.PortOptions
	InitCommands []string
}

var errPortNotOpen = errors.New("serial port not open")

// Worker owns one serial connection for its whole lifetime: open, protocol
// negotiation, the steady-state read loop, close. It reports everything it
// learns through its event channel, which closes when the worker exits.
type Worker struct {
	cfg     WorkerConfig
	factory serialmux.SerialPortFactory

	events chan Event
	done   chan struct{}

	state    atomic.Int32
	stopFlag atomic.Bool

	portMu sync.Mutex
	port   serialmux.SerialPorter

	overflows atomic.Int64

	// commandPace is the inter-byte delay for injected commands and
	// readTimeout the per-read bound on the port. Tests shrink both.
	commandPace time.Duration
	readTimeout time.Duration

	// tuneNegotiator, when set, adjusts handshake timeouts before the
	// negotiator runs.
	tuneNegotiator func(*negotiator)
}

// NewWorker creates a worker for the given link. Call Start to run it.
func NewWorker(cfg WorkerConfig, factory serialmux.SerialPortFactory) *Worker {
	return &Worker{
		cfg:         cfg,
		factory:     factory,
		events:      make(chan Event, 64),
		done:        make(chan struct{}),
		commandPace: 10 * time.Millisecond,
		readTimeout: portReadTimeout,
	}
}

// Events returns the worker's event stream. The channel closes when the
// worker has fully shut down.
func (w *Worker) Events() <-chan Event { return w.events }

// Done is closed when the worker goroutine has exited.
func (w *Worker) Done() <-chan struct{} { return w.done }

// State returns the current lifecycle state.
func (w *Worker) State() WorkerState { return WorkerState(w.state.Load()) }

// Overflows returns how many times the input backlog was flushed.
func (w *Worker) Overflows() int64 { return w.overflows.Load() }

// Start launches the worker goroutine.
func (w *Worker) Start() {
	go w.run()
}

// Stop requests a cooperative shutdown. The read loop exits at its next
// iteration boundary; callers should then wait on Done with a timeout.
func (w *Worker) Stop() {
	monitoring.Logf("%s: stop requested", w.cfg.SensorID)
	w.stopFlag.Store(true)
}

func (w *Worker) stopped() bool { return w.stopFlag.Load() }

func (w *Worker) setState(s WorkerState) { w.state.Store(int32(s)) }

func (w *Worker) emit(ev Event) {
	ev.SensorID = w.cfg.SensorID
	w.events <- ev
}

func (w *Worker) run() {
	defer close(w.done)
	defer close(w.events)
	defer w.setState(StateClosed)

	w.setState(StateOpening)
	monitoring.Logf("%s: opening serial port %s", w.cfg.SensorID, w.cfg.Port)

	port, err := w.factory.Open(w.cfg.Port, w.cfg.Options)
	if err != nil {
		monitoring.Logf("%s: open failed: %v", w.cfg.SensorID, err)
		w.emit(Event{Kind: EventError, Message: fmt.Sprintf("serial port error: %v", err)})
		w.emit(Event{Kind: EventStatus, Connected: false})
		return
	}

	w.portMu.Lock()
	w.port = port
	w.portMu.Unlock()

	if tp, ok := port.(serialmux.TimeoutSerialPorter); ok {
		if err := tp.SetReadTimeout(w.readTimeout); err != nil {
			monitoring.Logf("%s: failed to set read timeout: %v", w.cfg.SensorID, err)
		}
	}
	if br, ok := port.(serialmux.BufferResetter); ok {
		// Drop whatever a previous session left behind.
		br.ResetInputBuffer()
		br.ResetOutputBuffer()
	}

	w.emit(Event{Kind: EventStatus, Connected: true})
	monitoring.Logf("%s: serial port opened", w.cfg.SensorID)

	reader := newLineReader(port)

	w.setState(StateNegotiating)
	neg := newNegotiator(w.cfg.SensorID, port, reader, w.emit, w.stopped)
	neg.pace = w.commandPace
	if w.tuneNegotiator != nil {
		w.tuneNegotiator(neg)
	}
	info := neg.negotiate(w.cfg.InitCommands)
	w.emit(Event{Kind: EventSensorInfo, Info: info})

	w.setState(StateReading)
	w.readLoop(reader)

	w.setState(StateStopping)
	w.closePort()
}

// readLoop is the steady state: read a line, parse it, emit a reading.
// Parse failures drop the line and continue; I/O failures end the loop and
// report the connection lost.
func (w *Worker) readLoop(reader *lineReader) {
	monitoring.Logf("%s: entering read loop", w.cfg.SensorID)

	waiter, hasWaiter := w.port.(serialmux.InputWaiter)

	for !w.stopped() {
		if hasWaiter {
			if pending, err := waiter.InputWaiting(); err == nil && pending > overflowThreshold {
				count := w.overflows.Add(1)
				monitoring.Logf("%s: input backlog of %d bytes, flushing (overflow count %d)",
					w.cfg.SensorID, pending, count)
				if br, ok := w.port.(serialmux.BufferResetter); ok {
					br.ResetInputBuffer()
				}
				reader.Discard()
				continue
			}
		}

		line, err := reader.ReadLine()
		if errors.Is(err, errLineTimeout) {
			continue
		}
		if err != nil {
			if w.stopped() {
				return
			}
			monitoring.Logf("%s: serial read failed: %v", w.cfg.SensorID, err)
			w.emit(Event{Kind: EventError, Message: fmt.Sprintf("serial read failed: %v", err)})
			w.emit(Event{Kind: EventStatus, Connected: false})
			return
		}
		if line == "" {
			continue
		}

		fields, err := parse.Line(line)
		if err != nil {
			monitoring.Debugf("%s: parse error: %v (line %q)", w.cfg.SensorID, err, line)
			continue
		}
		if !parse.Validate(fields) {
			monitoring.Logf("%s: incomplete data line, skipping: %q", w.cfg.SensorID, line)
			continue
		}

		reading, err := wind.FromFields(w.cfg.SensorID, fields, time.Now())
		if err != nil {
			monitoring.Logf("%s: failed to build reading: %v", w.cfg.SensorID, err)
			continue
		}
		w.emit(Event{Kind: EventReading, Reading: &reading})
	}
}

// SendCommand writes a command to the port with inter-byte pacing. Safe to
// call from any goroutine while the port is open; it never alters worker
// state.
func (w *Worker) SendCommand(command string) error {
	w.portMu.Lock()
	defer w.portMu.Unlock()

	if w.port == nil {
		return errPortNotOpen
	}

	monitoring.Logf("%s: sending command: %s", w.cfg.SensorID, command)
	if err := pacedWrite(w.port, command, w.commandPace); err != nil {
		return fmt.Errorf("send command %q: %w", command, err)
	}
	return nil
}

func (w *Worker) closePort() {
	w.portMu.Lock()
	port := w.port
	w.port = nil
	w.portMu.Unlock()

	if port == nil {
		return
	}
	if err := port.Close(); err != nil {
		// Close failures during teardown are logged, not surfaced.
		monitoring.Logf("%s: error closing port: %v", w.cfg.SensorID, err)
		return
	}
	monitoring.Logf("%s: serial port closed", w.cfg.SensorID)
}
