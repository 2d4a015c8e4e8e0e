package serialmux

import (
	"bytes"
	"errors"
	"sync"
	"time"
)

// TestableSerialPort implements SerialPorter with configurable behaviour for
// testing. It provides fine-grained control over reads, writes, errors, and
// the optional timeout/backlog/reset interfaces the acquisition layer probes.
type TestableSerialPort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls
	ReadBuffer *bytes.Buffer

	// WriteBuffer captures data written to the port
	WriteBuffer *bytes.Buffer

	// ReadError is returned by the next Read call if set
	ReadError error

	// WriteError is returned by the next Write call if set
	WriteError error

	// CloseError is returned by Close if set
	CloseError error

	// Closed indicates whether Close was called
	Closed bool

	// ReadCalls records the number of Read calls
	ReadCalls int

	// WriteCalls records the number of Write calls
	WriteCalls int

	// ReadTimeout is the current read timeout
	ReadTimeout time.Duration

	// BlockReads causes an empty-buffer Read to wait for the timeout and
	// return a zero-byte read, matching the driver's timeout semantics,
	// instead of returning io.EOF from the drained buffer.
	BlockReads bool

	// Waiting overrides the InputWaiting result when non-negative.
	// When negative, InputWaiting reports the unread buffer length.
	Waiting int

	// InputResets counts ResetInputBuffer calls
	InputResets int

	// OutputResets counts ResetOutputBuffer calls
	OutputResets int

	readCond *sync.Cond
}

// NewTestableSerialPort creates a new TestableSerialPort for testing.
func NewTestableSerialPort() *TestableSerialPort {
	tsp := &TestableSerialPort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
		Waiting:     -1,
	}
	tsp.readCond = sync.NewCond(&tsp.mu)
	return tsp
}

// Read reads from the read buffer, simulating timeouts and errors.
func (t *TestableSerialPort) Read(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadCalls++

	if t.Closed {
		return 0, errors.New("serial port closed")
	}

	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		return 0, err
	}

	if t.BlockReads && t.ReadBuffer.Len() == 0 {
		deadline := time.Now().Add(t.ReadTimeout)
		for !t.Closed && t.ReadBuffer.Len() == 0 {
			if t.ReadTimeout > 0 && !time.Now().Before(deadline) {
				return 0, nil // timeout tick, like the real driver
			}
			wake := time.AfterFunc(5*time.Millisecond, t.readCond.Broadcast)
			t.readCond.Wait()
			wake.Stop()
		}
		if t.Closed {
			return 0, errors.New("serial port closed")
		}
	}

	return t.ReadBuffer.Read(p)
}

// Write writes to the write buffer, simulating errors when configured.
func (t *TestableSerialPort) Write(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.WriteCalls++

	if t.Closed {
		return 0, errors.New("serial port closed")
	}

	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return 0, err
	}

	return t.WriteBuffer.Write(p)
}

// Close marks the port as closed and wakes any blocked readers.
func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Closed = true
	t.readCond.Broadcast()

	return t.CloseError
}

// SetReadTimeout implements TimeoutSerialPorter.
func (t *TestableSerialPort) SetReadTimeout(timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadTimeout = timeout
	return nil
}

// InputWaiting implements InputWaiter.
func (t *TestableSerialPort) InputWaiting() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Waiting >= 0 {
		return t.Waiting, nil
	}
	return t.ReadBuffer.Len(), nil
}

// ResetInputBuffer implements BufferResetter.
func (t *TestableSerialPort) ResetInputBuffer() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.InputResets++
	t.ReadBuffer.Reset()
	return nil
}

// ResetOutputBuffer implements BufferResetter.
func (t *TestableSerialPort) ResetOutputBuffer() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.OutputResets++
	return nil
}

// AddReadData adds data to be returned by subsequent Read calls.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadBuffer.Write(data)
	t.readCond.Broadcast()
}

// AddReadLine queues a CRLF-terminated telemetry line.
func (t *TestableSerialPort) AddReadLine(line string) {
	t.AddReadData([]byte(line + "\r\n"))
}

// SetReadError arms the error returned by the next Read call.
func (t *TestableSerialPort) SetReadError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ReadError = err
}

// SetWaiting overrides the InputWaiting result.
func (t *TestableSerialPort) SetWaiting(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Waiting = n
}

// InputResetCount returns how many times ResetInputBuffer was called.
func (t *TestableSerialPort) InputResetCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.InputResets
}

// IsClosed reports whether Close was called.
func (t *TestableSerialPort) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Closed
}

// GetWrittenData returns all data written to the port.
func (t *TestableSerialPort) GetWrittenData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]byte(nil), t.WriteBuffer.Bytes()...)
}

// Reset clears all buffers and resets state.
func (t *TestableSerialPort) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadBuffer.Reset()
	t.WriteBuffer.Reset()
	t.ReadCalls = 0
	t.WriteCalls = 0
	t.Closed = false
	t.ReadError = nil
	t.WriteError = nil
	t.CloseError = nil
	t.InputResets = 0
	t.OutputResets = 0
	t.Waiting = -1
}

// MockSerialPortFactory implements SerialPortFactory for testing.
type MockSerialPortFactory struct {
	mu sync.Mutex

	// Port is returned from Open when the queue is empty
	Port SerialPorter

	// Queue holds ports handed out in order, ahead of Port. Reconnection
	// tests use it so each open attempt gets a fresh port.
	Queue []SerialPorter

	// Err is returned by Open if set
	Err error

	// OpenCalls records all Open calls
	OpenCalls []MockOpenCall
}

// MockOpenCall records details of an Open call.
type MockOpenCall struct {
	Path string
	Opts PortOptions
}

// NewMockSerialPortFactory creates a factory that always returns port.
func NewMockSerialPortFactory(port SerialPorter) *MockSerialPortFactory {
	return &MockSerialPortFactory{Port: port}
}

// Open returns the next queued port, the default port, or the configured error.
func (f *MockSerialPortFactory) Open(path string, opts PortOptions) (SerialPorter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.OpenCalls = append(f.OpenCalls, MockOpenCall{Path: path, Opts: opts})

	if f.Err != nil {
		return nil, f.Err
	}

	if len(f.Queue) > 0 {
		port := f.Queue[0]
		f.Queue = f.Queue[1:]
		return port, nil
	}

	if f.Port == nil {
		return nil, errors.New("mock factory has no port configured")
	}
	return f.Port, nil
}

// LastCall returns the most recent Open call, or nil if none.
func (f *MockSerialPortFactory) LastCall() *MockOpenCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.OpenCalls) == 0 {
		return nil
	}
	return &f.OpenCalls[len(f.OpenCalls)-1]
}

// OpenCount returns the number of Open calls so far.
func (f *MockSerialPortFactory) OpenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.OpenCalls)
}
