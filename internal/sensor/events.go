// Package sensor drives the per-sensor acquisition pipeline: the serial
// worker with its protocol negotiation and read loop, the controller that
// owns the reading buffer and reconnection policy, and the station that
// fans events out to subscribers.
package sensor

import "github.com/banshee-data/anemometer/internal/wind"

// EventKind discriminates the events a worker emits.
type EventKind int

const (
	// EventReading carries one parsed telemetry sample.
	EventReading EventKind = iota
	// EventStatus carries a connection state change.
	EventStatus
	// EventError carries a non-fatal error description.
	EventError
	// EventInitProgress carries a human-readable initialization step.
	EventInitProgress
	// EventSensorInfo carries the device metadata learned at negotiation.
	EventSensorInfo
)

func (k EventKind) String() string {
	switch k {
	case EventReading:
		return "reading"
	case EventStatus:
		return "status"
	case EventError:
		return "error"
	case EventInitProgress:
		return "init-progress"
	case EventSensorInfo:
		return "sensor-info"
	default:
		return "unknown"
	}
}

// Protocol identifies which device protocol negotiation settled on.
// It is decided once per connection and never changes afterwards.
type Protocol int

const (
	// ProtocolUnknown means neither protocol was confirmed; the device is
	// assumed to already be streaming telemetry.
	ProtocolUnknown Protocol = iota
	// ProtocolStructured is the brace-delimited JSON command protocol.
	ProtocolStructured
	// ProtocolLegacy is the interrupt-driven CLI protocol.
	ProtocolLegacy
)

func (p Protocol) String() string {
	switch p {
	case ProtocolStructured:
		return "structured"
	case ProtocolLegacy:
		return "legacy"
	default:
		return "unknown"
	}
}

// SensorInfo is the device metadata assembled during protocol negotiation.
type SensorInfo struct {
	Protocol     Protocol
	Model        string
	SerialNumber string
	Firmware     string
	SampleRate   int
	EnabledTags  []string

	// Raw retains response text that could not be parsed structurally.
	Raw string
}

// Event is the message a worker delivers to its controller. Exactly the
// fields relevant to Kind are populated.
type Event struct {
	SensorID  string
	Kind      EventKind
	Reading   *wind.Reading // EventReading
	Connected bool          // EventStatus
	Message   string        // EventError, EventInitProgress
	Info      *SensorInfo   // EventSensorInfo
}
