// Package serialmux abstracts serial port access for the acquisition layer:
// the port interfaces, connection options, the real-hardware factory, and
// scripted ports for tests and device-free replay.
package serialmux

import (
	"io"
	"time"
)

// SerialPorter defines the minimal interface needed for a serial port.
// This abstraction enables unit testing without real sensor hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// TimeoutSerialPorter extends SerialPorter with timeout capabilities.
// This is an optional interface that serial ports may implement; the read
// loop relies on it to wake periodically and observe stop requests.
type TimeoutSerialPorter interface {
	SerialPorter
	// SetReadTimeout sets the read timeout for the serial port.
	SetReadTimeout(timeout time.Duration) error
}

// InputWaiter reports the number of unread bytes pending in the driver's
// input buffer. Optional; ports that implement it let the acquisition loop
// detect backlog buildup and flush instead of parsing stale data.
type InputWaiter interface {
	InputWaiting() (int, error)
}

// BufferResetter discards driver-side input and output buffers. Optional;
// called once after open so bytes left over from a previous session cannot
// pollute the protocol handshake.
type BufferResetter interface {
	ResetInputBuffer() error
	ResetOutputBuffer() error
}

// SerialPortFactory defines an interface for creating serial ports.
// This abstraction enables dependency injection of serial port creation.
type SerialPortFactory interface {
	// Open opens a serial port at the specified path with the given options.
	Open(path string, opts PortOptions) (SerialPorter, error)
}

// SerialPortOpener adapts a plain function to the SerialPortFactory
// interface for tests that only need a closure.
type SerialPortOpener func(path string, opts PortOptions) (SerialPorter, error)

// Open implements SerialPortFactory.
func (f SerialPortOpener) Open(path string, opts PortOptions) (SerialPorter, error) {
	return f(path, opts)
}
