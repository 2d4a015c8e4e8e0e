package sensor

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/anemometer/internal/serialmux"
)

// testNegotiator builds a negotiator over port with timeouts small enough
// for tests, collecting emitted events.
func testNegotiator(port serialmux.SerialPorter) (*negotiator, *[]Event) {
	var events []Event
	reader := newLineReader(port)
	n := newNegotiator("Sensor1", port, reader, func(ev Event) {
		events = append(events, ev)
	}, func() bool { return false })

	n.probeTimeout = 50 * time.Millisecond
	n.versionTimeout = 50 * time.Millisecond
	n.settingsTimeout = 50 * time.Millisecond
	n.promptTimeout = 50 * time.Millisecond
	n.commandWindow = 30 * time.Millisecond
	n.pace = 0
	n.pause = time.Millisecond
	return n, &events
}

func TestNegotiateStructured(t *testing.T) {
	port := serialmux.NewTestableSerialPort()
	port.AddReadLine(`{"JSON":"Enabled","Version":"3.1.0"}`)
	port.AddReadLine(`{"Version":{"Model":"TriSonica Mini","Serial Number":"TSM-001","Firmware":"3.1.0"}}`)
	port.AddReadLine(`{"Settings":{"Model":"TriSonica Mini","Serial Number":"TSM-001","Probe":{"SampleRate":10},"Output":{"Wind Speed":"Yes","Wind Direction":"Yes","U":"Yes","V":"Yes","W":"Yes","Sonic Temperature":"Yes","Pitch":"No","Roll":"No"}}}`)

	n, events := testNegotiator(port)
	info := n.negotiate(nil)

	require.NotNil(t, info)
	assert.Equal(t, ProtocolStructured, info.Protocol)
	assert.Equal(t, "TriSonica Mini", info.Model)
	assert.Equal(t, "TSM-001", info.SerialNumber)
	assert.Equal(t, "3.1.0", info.Firmware)
	assert.Equal(t, 10, info.SampleRate)
	assert.Equal(t, []string{"S", "D", "U", "V", "W", "T"}, info.EnabledTags)

	// Each handshake step reports progress.
	var progress []string
	for _, ev := range *events {
		if ev.Kind == EventInitProgress {
			progress = append(progress, ev.Message)
		}
	}
	require.NotEmpty(t, progress)
	assert.Contains(t, progress[0], "JSON protocol")

	// The handshake commands went out in order.
	written := string(port.GetWrittenData())
	assert.Equal(t, "{json}{version}{settings}", written)
}

func TestNegotiateStructuredSkipsTelemetry(t *testing.T) {
	port := serialmux.NewTestableSerialPort()
	// High-rate telemetry interleaves with the handshake response.
	port.AddReadLine("S 9.89 D 134.00 U -4.52 V 4.36 W -7.64 T 27.96")
	port.AddReadLine(`{"JSON":"Enabled","Version":"3.1.0"}`)
	port.AddReadLine("S 9.91 D 133.00 U -4.49 V 4.31 W -7.60 T 27.95")
	port.AddReadLine(`{"Version":{"Model":"TriSonica Mini","Serial Number":"TSM-002","Firmware":"3.1.0"}}`)
	port.AddReadLine(`{"Settings":{"Probe":{"SampleRate":25},"Output":{"Wind Speed":"Yes"}}}`)

	n, _ := testNegotiator(port)
	info := n.negotiate(nil)

	require.NotNil(t, info)
	assert.Equal(t, ProtocolStructured, info.Protocol)
	assert.Equal(t, "TSM-002", info.SerialNumber)
	assert.Equal(t, 25, info.SampleRate)
}

// respondWhenWritten feeds lines to the port once marker shows up in the
// written data, mimicking a device that answers what it is sent.
func respondWhenWritten(t *testing.T, port *serialmux.TestableSerialPort, marker string, lines ...string) {
	t.Helper()
	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if strings.Contains(string(port.GetWrittenData()), marker) {
				for _, l := range lines {
					port.AddReadLine(l)
				}
				return
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()
}

func TestNegotiateRejectionFallsBackToLegacy(t *testing.T) {
	port := serialmux.NewTestableSerialPort()
	port.BlockReads = true
	port.SetReadTimeout(5 * time.Millisecond)
	respondWhenWritten(t, port, "{json}", "Invalid Command")
	respondWhenWritten(t, port, string(rune(interruptByte)), ">")
	respondWhenWritten(t, port, "LT\r\n", "OK")

	n, events := testNegotiator(port)
	info := n.negotiate([]string{"LT"})

	require.NotNil(t, info)
	assert.Equal(t, ProtocolLegacy, info.Protocol)

	written := port.GetWrittenData()
	assert.Contains(t, string(written), "{json}")
	assert.Contains(t, string(written), string(rune(interruptByte)))
	assert.Contains(t, string(written), "LT\r\n")

	for _, ev := range *events {
		assert.NotEqual(t, EventError, ev.Kind, "clean init must not emit errors")
	}
}

func TestNegotiateLegacyCommandErrorIsNonFatal(t *testing.T) {
	port := serialmux.NewTestableSerialPort()
	port.BlockReads = true
	port.SetReadTimeout(5 * time.Millisecond)
	// No probe response at all: the structured attempt times out.
	respondWhenWritten(t, port, string(rune(interruptByte)), ">")
	respondWhenWritten(t, port, "BAD\r\n", "Error: invalid parameter")
	// The second command still runs after the first one errored.
	respondWhenWritten(t, port, "LT\r\n", "OK")

	n, events := testNegotiator(port)
	info := n.negotiate([]string{"BAD", "LT"})

	require.NotNil(t, info)
	assert.Equal(t, ProtocolLegacy, info.Protocol)
	assert.Contains(t, string(port.GetWrittenData()), "LT\r\n")

	var errs []string
	for _, ev := range *events {
		if ev.Kind == EventError {
			errs = append(errs, ev.Message)
		}
	}
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "BAD")
}

func TestNegotiateNoInitCommandsAssumesStreaming(t *testing.T) {
	port := serialmux.NewTestableSerialPort()
	// No handshake response at all.

	n, _ := testNegotiator(port)
	info := n.negotiate(nil)

	require.NotNil(t, info)
	assert.Equal(t, ProtocolUnknown, info.Protocol)
}

func TestNegotiateStopInterruptsLegacyInit(t *testing.T) {
	port := serialmux.NewTestableSerialPort()
	port.AddReadLine(">")

	var events []Event
	reader := newLineReader(port)
	stopped := false
	n := newNegotiator("Sensor1", port, reader, func(ev Event) {
		events = append(events, ev)
	}, func() bool { return stopped })
	n.probeTimeout = 20 * time.Millisecond
	n.promptTimeout = 20 * time.Millisecond
	n.commandWindow = 20 * time.Millisecond
	n.pace = 0
	n.pause = time.Millisecond

	stopped = true
	info := n.negotiate([]string{"LT", "UT"})

	require.NotNil(t, info)
	// The stop request lands before any command is written.
	assert.NotContains(t, string(port.GetWrittenData()), "LT")
}

func TestParseResponseUnwrapsSingleKey(t *testing.T) {
	resp := parseResponse(`{"Settings":{"Model":"TriSonica Mini"}}`)
	require.NotNil(t, resp.object)
	assert.Equal(t, "TriSonica Mini", stringField(resp.object, "Model"))
}

func TestParseResponseRawText(t *testing.T) {
	text := "TriSonica Mini\nSerial Number: TSM-003\nVersion: 2.9.1"
	resp := parseResponse(text)
	assert.Nil(t, resp.object)
	assert.False(t, resp.rejected)

	info := &SensorInfo{}
	n := &negotiator{sensorID: "Sensor1"}
	n.mergeVersion(info, resp)
	assert.Equal(t, "TriSonica Mini", info.Model)
	assert.Equal(t, "TSM-003", info.SerialNumber)
	assert.Equal(t, "2.9.1", info.Firmware)
}

func TestParseResponseRejection(t *testing.T) {
	for _, text := range []string{"Invalid Command", "Invalid Parameter: json"} {
		if !parseResponse(text).rejected {
			t.Errorf("parseResponse(%q) not rejected", text)
		}
	}
}

func TestPacedWriteOrder(t *testing.T) {
	var sb strings.Builder
	if err := pacedWrite(&sb, "{json}", 0); err != nil {
		t.Fatalf("pacedWrite: %v", err)
	}
	if sb.String() != "{json}" {
		t.Errorf("paced write = %q", sb.String())
	}
}
