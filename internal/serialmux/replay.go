package serialmux

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"time"
)

// DefaultReplayLine is the telemetry line a ReplayPort emits when none is
// configured.
const DefaultReplayLine = "S 9.89 D 134.00 U -4.52 V 4.36 W -7.64 T 27.96 PI 2.10 RO -1.30"

// ReplayPort simulates a structured-protocol anemometer for development
// without hardware. It answers the handshake commands with canned responses
// and streams a fixture telemetry line on a fixed interval, interleaved with
// responses the way a real device shares its one output stream.
type ReplayPort struct {
	mu       sync.Mutex
	cond     *sync.Cond
	pending  bytes.Buffer
	partial  string // accumulates paced single-byte command writes
	closed   bool
	timeout  time.Duration
	line     string
	interval time.Duration
	stop     chan struct{}
}

// NewReplayPort creates a replay port streaming line every interval. An empty
// line selects DefaultReplayLine; a non-positive interval selects 40ms (25 Hz).
func NewReplayPort(line string, interval time.Duration) *ReplayPort {
	if line == "" {
		line = DefaultReplayLine
	}
	if interval <= 0 {
		interval = 40 * time.Millisecond
	}

	p := &ReplayPort{
		line:     line,
		interval: interval,
		stop:     make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)

	go p.stream()
	return p
}

func (p *ReplayPort) stream() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.enqueue(p.line + "\r\n")
		}
	}
}

func (p *ReplayPort) enqueue(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.pending.WriteString(s)
	p.cond.Broadcast()
}

// Read blocks until data is pending, the read timeout elapses (zero-byte
// read, like the serial driver), or the port is closed.
func (p *ReplayPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	deadline := time.Now().Add(p.timeout)
	for !p.closed && p.pending.Len() == 0 {
		if p.timeout > 0 && !time.Now().Before(deadline) {
			return 0, nil
		}
		wake := time.AfterFunc(5*time.Millisecond, p.cond.Broadcast)
		p.cond.Wait()
		wake.Stop()
	}
	if p.closed {
		return 0, errors.New("replay port closed")
	}
	return p.pending.Read(b)
}

// Write accepts a command and queues the canned response for it. Commands
// arrive byte-paced from the worker, so responses are queued only once the
// closing brace (or the newline, for legacy commands) is seen.
func (p *ReplayPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, errors.New("replay port closed")
	}
	p.partial += string(b)
	command, complete := completeCommand(p.partial)
	if complete {
		p.partial = ""
	}
	p.mu.Unlock()

	if complete {
		p.respond(command)
	}
	return len(b), nil
}

func completeCommand(s string) (string, bool) {
	s = strings.TrimLeft(s, "\x03")
	if strings.HasPrefix(s, "{") {
		if i := strings.Index(s, "}"); i >= 0 {
			return s[:i+1], true
		}
		return "", false
	}
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		return strings.TrimSpace(s[:i]), true
	}
	return "", false
}

func (p *ReplayPort) respond(command string) {
	switch {
	case command == "{json}":
		p.enqueue(`{"JSON":"Enabled","Version":"3.1.0"}` + "\r\n")
	case command == "{version}":
		p.enqueue(`{"Version":{"Model":"TriSonica Mini","Serial Number":"REPLAY-0001","Firmware":"3.1.0"}}` + "\r\n")
	case command == "{settings}":
		p.enqueue(`{"Settings":{"Model":"TriSonica Mini","Serial Number":"REPLAY-0001",` +
			`"Probe":{"SampleRate":25},` +
			`"Output":{"Wind Speed":"Yes","Wind Direction":"Yes","U":"Yes","V":"Yes","W":"Yes",` +
			`"Sonic Temperature":"Yes","Pitch":"Yes","Roll":"Yes","Status":"No"}}}` + "\r\n")
	case strings.HasPrefix(command, "{outputrate"):
		p.enqueue(`{"OutputRate":"OK"}` + "\r\n")
	case strings.HasPrefix(command, "{"):
		p.enqueue("Invalid Command\r\n")
	}
	// Legacy text commands get no response; the replay device is a
	// structured-protocol sensor.
}

// Close stops the telemetry stream and fails all pending reads.
func (p *ReplayPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.stop)
	p.cond.Broadcast()
	return nil
}

// SetReadTimeout implements TimeoutSerialPorter.
func (p *ReplayPort) SetReadTimeout(timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeout = timeout
	return nil
}

// InputWaiting implements InputWaiter.
func (p *ReplayPort) InputWaiting() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending.Len(), nil
}

// ResetInputBuffer implements BufferResetter.
func (p *ReplayPort) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending.Reset()
	return nil
}

// ResetOutputBuffer implements BufferResetter.
func (p *ReplayPort) ResetOutputBuffer() error {
	return nil
}

// ReplayPortFactory hands every Open call a fresh ReplayPort. Used by the
// daemon's dev mode to run the full pipeline without hardware.
type ReplayPortFactory struct {
	// Line overrides the emitted telemetry line when non-empty.
	Line string
	// Interval overrides the emission interval when positive.
	Interval time.Duration
}

// Open implements SerialPortFactory.
func (f ReplayPortFactory) Open(path string, opts PortOptions) (SerialPorter, error) {
	if _, err := opts.Normalize(); err != nil {
		return nil, err
	}
	return NewReplayPort(f.Line, f.Interval), nil
}
