package sensor

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/banshee-data/anemometer/internal/monitoring"
	"github.com/banshee-data/anemometer/internal/parse"
	"github.com/banshee-data/anemometer/internal/serialmux"
)

// interruptByte forces the legacy firmware out of streaming mode and into
// its command prompt.
const interruptByte = 0x03

var (
	errNoResponse = errors.New("no response")
	errStopped    = errors.New("stopped")
)

// negotiator runs the one-shot protocol handshake after a port opens. It
// first probes for the structured JSON protocol; if the device rejects the
// probe it falls back to the legacy CLI init sequence, and if neither
// applies the device is assumed to already be streaming.
//
// Telemetry and command responses share the one serial stream, so every
// response read filters out telemetry-shaped lines first.
type negotiator struct {
	sensorID string
	port     serialmux.SerialPorter
	reader   *lineReader
	emit     func(Event)
	stopped  func() bool

	// Timeouts are fields so tests can shrink them.
	probeTimeout    time.Duration
	versionTimeout  time.Duration
	settingsTimeout time.Duration
	promptTimeout   time.Duration
	commandWindow   time.Duration
	pace            time.Duration
	pause           time.Duration
}

func newNegotiator(sensorID string, port serialmux.SerialPorter, reader *lineReader, emit func(Event), stopped func() bool) *negotiator {
	return &negotiator{
		sensorID: sensorID,
		port:     port,
		reader:   reader,
		emit:     emit,
		stopped:  stopped,

		probeTimeout:    2 * time.Second,
		versionTimeout:  2 * time.Second,
		settingsTimeout: 3 * time.Second,
		promptTimeout:   2 * time.Second,
		commandWindow:   2 * time.Second,
		pace:            10 * time.Millisecond,
		pause:           100 * time.Millisecond,
	}
}

// negotiate runs the handshake and returns the assembled sensor info. A
// failed handshake is not an error: the returned info then carries
// ProtocolLegacy or ProtocolUnknown.
func (n *negotiator) negotiate(initCommands []string) *SensorInfo {
	if info := n.tryStructured(); info != nil {
		return info
	}

	if len(initCommands) > 0 {
		monitoring.Logf("%s: structured protocol unavailable, running legacy init commands", n.sensorID)
		n.runLegacyInit(initCommands)
		return &SensorInfo{Protocol: ProtocolLegacy}
	}

	monitoring.Logf("%s: no initialization path, assuming device is already streaming", n.sensorID)
	return &SensorInfo{Protocol: ProtocolUnknown}
}

// tryStructured probes for the JSON protocol and, when confirmed, collects
// version and settings metadata. Returns nil when the protocol is not
// supported.
func (n *negotiator) tryStructured() *SensorInfo {
	resp, err := n.query("{json}", n.probeTimeout)
	if err != nil {
		monitoring.Logf("%s: structured protocol probe got no usable response: %v", n.sensorID, err)
		return nil
	}
	if resp.rejected || resp.object == nil {
		monitoring.Logf("%s: structured protocol not supported", n.sensorID)
		return nil
	}
	if _, ok := resp.object["JSON"]; !ok {
		monitoring.Logf("%s: unexpected probe response: %s", n.sensorID, resp.text)
		return nil
	}

	info := &SensorInfo{
		Protocol: ProtocolStructured,
		Firmware: stringField(resp.object, "Version"),
	}
	n.progress(fmt.Sprintf("JSON protocol v%s", info.Firmware))

	if version, err := n.query("{version}", n.versionTimeout); err == nil {
		n.mergeVersion(info, version)
		n.progress(fmt.Sprintf("Model: %s", orUnknown(info.Model)))
	} else {
		monitoring.Logf("%s: version query failed: %v", n.sensorID, err)
	}

	if settings, err := n.query("{settings}", n.settingsTimeout); err == nil {
		n.mergeSettings(info, settings)
		n.progress(fmt.Sprintf("S/N: %s, Rate: %dHz", orUnknown(info.SerialNumber), info.SampleRate))
	} else {
		monitoring.Logf("%s: settings query failed: %v", n.sensorID, err)
	}

	monitoring.Logf("%s: structured negotiation complete (model=%q serial=%q fw=%q rate=%d)",
		n.sensorID, info.Model, info.SerialNumber, info.Firmware, info.SampleRate)
	return info
}

// runLegacyInit interrupts the stream into the CLI prompt and replays the
// configured init commands. Command errors are surfaced as events but never
// abort the sequence; a stop request does.
func (n *negotiator) runLegacyInit(commands []string) {
	if _, err := n.port.Write([]byte{interruptByte}); err != nil {
		monitoring.Logf("%s: failed to send interrupt: %v", n.sensorID, err)
		return
	}
	n.progress("entering command mode")

	deadline := time.Now().Add(n.promptTimeout)
	prompted := false
	for !prompted && !n.stopped() {
		line, err := n.reader.ReadLineUntil(deadline)
		if errors.Is(err, errLineTimeout) {
			break
		}
		if err != nil {
			monitoring.Logf("%s: error awaiting command prompt: %v", n.sensorID, err)
			return
		}
		if strings.Contains(line, ">") {
			prompted = true
		}
	}
	if !prompted {
		monitoring.Logf("%s: command prompt not detected, continuing anyway", n.sensorID)
	}

	for _, cmd := range commands {
		if n.stopped() {
			monitoring.Logf("%s: legacy init interrupted by stop request", n.sensorID)
			return
		}

		if _, err := n.port.Write([]byte(cmd + "\r\n")); err != nil {
			monitoring.Logf("%s: failed to send init command %q: %v", n.sensorID, cmd, err)
			n.emit(Event{Kind: EventError, Message: fmt.Sprintf("init command %q failed: %v", cmd, err)})
			return
		}
		n.progress(cmd)

		window := time.Now().Add(n.commandWindow)
		responded := false
		for !n.stopped() {
			line, err := n.reader.ReadLineUntil(window)
			if errors.Is(err, errLineTimeout) {
				break
			}
			if err != nil {
				monitoring.Logf("%s: error reading init response: %v", n.sensorID, err)
				return
			}
			if line == "" || parse.TelemetryShaped(line) {
				continue
			}
			responded = true
			lower := strings.ToLower(line)
			if strings.Contains(lower, "error") || strings.Contains(lower, "invalid") {
				msg := fmt.Sprintf("command %q returned error: %s", cmd, line)
				monitoring.Logf("%s: %s", n.sensorID, msg)
				n.emit(Event{Kind: EventError, Message: msg})
			}
		}
		if !responded {
			monitoring.Logf("%s: no response to command %q (may be normal)", n.sensorID, cmd)
		}

		time.Sleep(n.pause)
	}
	monitoring.Logf("%s: legacy init sequence completed", n.sensorID)
}

func (n *negotiator) progress(msg string) {
	n.emit(Event{Kind: EventInitProgress, Message: msg})
}

// response is one framed command response.
type response struct {
	text     string
	object   map[string]any
	rejected bool
}

// query sends one structured command and reads its brace-framed response:
// lines accumulate until the running `{`/`}` count returns to zero, bounded
// by timeout. Telemetry lines interleaved with the response are skipped.
func (n *negotiator) query(command string, timeout time.Duration) (response, error) {
	if err := pacedWrite(n.port, command, n.pace); err != nil {
		return response{}, err
	}

	deadline := time.Now().Add(timeout)
	var lines []string
	depth := 0
	started := false

	for {
		if n.stopped() {
			return response{}, errStopped
		}
		line, err := n.reader.ReadLineUntil(deadline)
		if errors.Is(err, errLineTimeout) {
			break
		}
		if err != nil {
			return response{}, err
		}
		if line == "" || parse.TelemetryShaped(line) {
			continue
		}

		lines = append(lines, line)
		if strings.Contains(line, "{") {
			started = true
		}
		depth += strings.Count(line, "{") - strings.Count(line, "}")
		if started && depth <= 0 {
			break
		}
	}

	if len(lines) == 0 {
		return response{}, fmt.Errorf("%w to %s", errNoResponse, command)
	}
	return parseResponse(strings.Join(lines, "\n")), nil
}

// parseResponse interprets the framed response text. Single-key object
// wrappers are unwrapped to their inner object; unparseable responses keep
// the raw text only.
func parseResponse(text string) response {
	resp := response{text: text}

	if strings.Contains(text, "Invalid Parameter") || strings.Contains(text, "Invalid Command") {
		resp.rejected = true
		return resp
	}

	if !strings.HasPrefix(text, "{") || !strings.HasSuffix(text, "}") {
		return resp
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		// The outer braces may be a non-JSON wrapper around an inner object.
		start := strings.Index(text[1:], "{")
		end := strings.LastIndex(text[:len(text)-1], "}")
		if start >= 0 && end > start {
			if err := json.Unmarshal([]byte(text[start+1:end+1]), &parsed); err != nil {
				return resp
			}
		} else {
			return resp
		}
	}

	if len(parsed) == 1 {
		for _, v := range parsed {
			if inner, ok := v.(map[string]any); ok {
				resp.object = inner
				return resp
			}
		}
	}
	resp.object = parsed
	return resp
}

func (n *negotiator) mergeVersion(info *SensorInfo, resp response) {
	if resp.object != nil {
		setIfEmpty(&info.Model, stringField(resp.object, "Model"))
		setIfEmpty(&info.SerialNumber, stringField(resp.object, "Serial Number"))
		if fw := stringField(resp.object, "Firmware"); fw != "" {
			info.Firmware = fw
		}
		return
	}

	// Raw text response: scan known line prefixes.
	for _, line := range strings.Split(resp.text, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.Contains(line, "TriSonica"):
			setIfEmpty(&info.Model, line)
		case strings.HasPrefix(line, "Serial Number:"):
			setIfEmpty(&info.SerialNumber, strings.TrimSpace(strings.TrimPrefix(line, "Serial Number:")))
		case strings.HasPrefix(line, "Version:") && info.Firmware == "":
			info.Firmware = strings.TrimSpace(strings.TrimPrefix(line, "Version:"))
		}
	}
	if resp.object == nil && info.Raw == "" {
		info.Raw = resp.text
	}
}

func (n *negotiator) mergeSettings(info *SensorInfo, resp response) {
	obj := resp.object
	if obj == nil {
		if info.Raw == "" {
			info.Raw = resp.text
		}
		return
	}
	if nested, ok := obj["Settings"].(map[string]any); ok {
		obj = nested
	}

	setIfEmpty(&info.Model, stringField(obj, "Model"))
	setIfEmpty(&info.SerialNumber, stringField(obj, "Serial Number"))

	if probe, ok := obj["Probe"].(map[string]any); ok {
		if rate, ok := probe["SampleRate"].(float64); ok {
			info.SampleRate = int(rate)
		}
	}

	output, ok := obj["Output"].(map[string]any)
	if !ok {
		return
	}
	var enabled []string
	for _, m := range outputTagNames {
		if v, ok := output[m.name].(string); ok && strings.EqualFold(v, "Yes") {
			enabled = append(enabled, m.tag)
		}
	}
	if len(enabled) > 0 {
		info.EnabledTags = enabled
		monitoring.Logf("%s: enabled tags: %s", n.sensorID, strings.Join(enabled, ", "))
	}
}

// outputTagNames maps the device's output-channel names, as reported by the
// settings command, to the short tags used on telemetry lines. Order fixes
// the order of SensorInfo.EnabledTags.
var outputTagNames = []struct {
	name string
	tag  string
}{
	{"Wind Speed", "S"},
	{"Wind Direction", "D"},
	{"Vertical Direction", "DV"},
	{"U", "U"},
	{"V", "V"},
	{"W", "W"},
	{"Sonic Temperature", "T"},
	{"Pitch", "PI"},
	{"Roll", "RO"},
	{"Status", "ST"},
}

// pacedWrite writes data one byte at a time with an inter-byte delay; the
// device drops characters when commands arrive at full line rate.
func pacedWrite(w io.Writer, data string, pace time.Duration) error {
	for i := 0; i < len(data); i++ {
		if _, err := w.Write([]byte{data[i]}); err != nil {
			return fmt.Errorf("write byte %d of %q: %w", i, data, err)
		}
		if pace > 0 {
			time.Sleep(pace)
		}
	}
	return nil
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func setIfEmpty(dst *string, v string) {
	if *dst == "" && v != "" {
		*dst = v
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}
