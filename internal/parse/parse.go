// Package parse decodes tagged anemometer telemetry lines.
//
// A telemetry line is a run of whitespace-separated tag/value pairs with
// variable spacing and variable tag order, for example:
//
//	S  09.89 D  134 U -04.52 V  04.36 W -07.64 T  27.96 PI  02.1 RO -01.3
package parse

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/banshee-data/anemometer/internal/monitoring"
)

// Fields maps a short tag ("S", "U", "PI", ...) to its numeric value.
type Fields map[string]float64

// KnownTags documents the tags current firmware emits. Unknown tags that look
// like tags are still accepted; this table only suppresses the unknown-tag log.
var KnownTags = map[string]string{
	"S":  "2D wind speed (m/s)",
	"D":  "horizontal direction (degrees)",
	"DV": "vertical direction (degrees)",
	"U":  "U component (m/s)",
	"V":  "V component (m/s)",
	"W":  "W component (m/s)",
	"T":  "sonic temperature (degrees C)",
	"PI": "pitch (degrees)",
	"RO": "roll (degrees)",
}

// RequiredTags must all be present for a line to yield a usable reading.
var RequiredTags = []string{"S", "D", "U", "V", "W", "T"}

// errorSentinels are the values the sensor substitutes for a channel it
// cannot currently measure.
var errorSentinels = []float64{-99.9, -99.99}

// ErrEmptyLine is returned for empty or whitespace-only input.
var ErrEmptyLine = errors.New("empty line")

// Line parses one telemetry line into tag/value pairs.
//
// Tokens are scanned pairwise: a token is accepted as a tag when it is a
// known tag or is shaped like one (1-2 uppercase letters) and the next token
// parses as a float. Anything else is skipped one token at a time, so a stray
// unparseable token does not abort the line. An error is returned only when
// the line is empty or yields no pairs at all.
func Line(line string) (Fields, error) {
	tokens := strings.Fields(line)
	if len(tokens) == 0 {
		return nil, ErrEmptyLine
	}

	fields := make(Fields)
	for i := 0; i < len(tokens); {
		tag := strings.ToUpper(tokens[i])
		if i+1 < len(tokens) {
			if value, err := strconv.ParseFloat(tokens[i+1], 64); err == nil {
				if _, known := KnownTags[tag]; known || tagShaped(tag) {
					if !known {
						monitoring.Debugf("parse: unknown tag %q = %v", tag, value)
					}
					fields[tag] = value
					i += 2
					continue
				}
			}
		}
		i++
	}

	if len(fields) == 0 {
		return nil, fmt.Errorf("no tag/value pairs in line %.50q", line)
	}
	return fields, nil
}

// tagShaped reports whether a token matches the 1-2 uppercase-letter tag
// pattern. Forward compatible: new firmware tags are accepted without a table
// update.
func tagShaped(token string) bool {
	if len(token) < 1 || len(token) > 2 {
		return false
	}
	for _, r := range token {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// IsErrorValue reports whether v is one of the sensor's error sentinels.
// Comparison uses a 0.001 absolute tolerance rather than equality: the values
// arrive through float formatting and must not be matched bit-exactly.
func IsErrorValue(v float64) bool {
	for _, sentinel := range errorSentinels {
		if math.Abs(v-sentinel) < 0.001 {
			return true
		}
	}
	return false
}

// Validate reports whether all required tags are present. Optional tags
// (PI, RO, and any forward-compatible unknowns) do not participate.
func Validate(fields Fields) bool {
	if len(fields) == 0 {
		return false
	}
	for _, tag := range RequiredTags {
		if _, ok := fields[tag]; !ok {
			monitoring.Debugf("parse: missing required tag %s", tag)
			return false
		}
	}
	return true
}

// HasErrorValues reports whether any parsed value is an error sentinel.
func HasErrorValues(fields Fields) bool {
	for _, v := range fields {
		if IsErrorValue(v) {
			return true
		}
	}
	return false
}

// TelemetryShaped reports whether a line looks like streaming telemetry
// rather than command output: its first token is a required tag and its
// second token is numeric. Command-response readers use this to discard
// telemetry interleaved on the shared stream.
func TelemetryShaped(line string) bool {
	tokens := strings.Fields(line)
	if len(tokens) < 2 {
		return false
	}
	first := strings.ToUpper(tokens[0])
	required := false
	for _, tag := range RequiredTags {
		if first == tag {
			required = true
			break
		}
	}
	if !required {
		return false
	}
	_, err := strconv.ParseFloat(tokens[1], 64)
	return err == nil
}
