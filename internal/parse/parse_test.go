package parse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineFullReading(t *testing.T) {
	fields, err := Line("S  09.89 D  134 U -04.52 V  04.36 W -07.64 T  27.96 PI  02.1 RO -01.3")
	require.NoError(t, err)

	assert.Equal(t, Fields{
		"S":  9.89,
		"D":  134.0,
		"U":  -4.52,
		"V":  4.36,
		"W":  -7.64,
		"T":  27.96,
		"PI": 2.1,
		"RO": -1.3,
	}, fields)
}

func TestLineVariableSpacingAndTabs(t *testing.T) {
	fields, err := Line("S\t9.89   D 134\tU -4.52")
	require.NoError(t, err)
	assert.Len(t, fields, 3)
	assert.Equal(t, 9.89, fields["S"])
}

func TestLineUnknownTagAccepted(t *testing.T) {
	// Forward compatibility: tag-shaped unknowns are recorded, not rejected.
	fields, err := Line("S 1.0 XY 42.5")
	require.NoError(t, err)
	assert.Equal(t, 42.5, fields["XY"])
}

func TestLineSkipsGarbageTokens(t *testing.T) {
	fields, err := Line("garbage S 9.89 ??? D 134")
	require.NoError(t, err)
	assert.Equal(t, Fields{"S": 9.89, "D": 134.0}, fields)
}

func TestLineTagWithoutValueSkipped(t *testing.T) {
	// "D" is followed by a non-number, so only S survives.
	fields, err := Line("S 9.89 D abc")
	require.NoError(t, err)
	assert.Equal(t, Fields{"S": 9.89}, fields)
}

func TestLineEmptyInputs(t *testing.T) {
	for _, line := range []string{"", "   ", "\t\t"} {
		_, err := Line(line)
		assert.ErrorIs(t, err, ErrEmptyLine, "line %q", line)
	}
}

func TestLineNoPairsFails(t *testing.T) {
	_, err := Line("this is not telemetry at all")
	assert.Error(t, err)
}

func TestLineLowercaseTagsNormalized(t *testing.T) {
	fields, err := Line("s 9.89 d 134")
	require.NoError(t, err)
	assert.Equal(t, 9.89, fields["S"])
	assert.Equal(t, 134.0, fields["D"])
}

func TestIsErrorValue(t *testing.T) {
	cases := []struct {
		value float64
		want  bool
	}{
		{-99.9, true},
		{-99.99, true},
		{-99.9001, true}, // inside 0.001 tolerance
		{-99.89, false},
		{5.23, false},
		{0.0, false},
		{-40.0, false},
		{99.9, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, IsErrorValue(tc.value), "value %v", tc.value)
	}
}

func TestValidateRequiredTags(t *testing.T) {
	full := Fields{"S": 9.89, "D": 134, "U": -4.52, "V": 4.36, "W": -7.64, "T": 27.96}
	assert.True(t, Validate(full))

	// Dropping any single required tag fails validation, no matter how many
	// optional tags are present.
	for _, tag := range RequiredTags {
		partial := Fields{"PI": 2.1, "RO": -1.3, "DV": 12.0}
		for k, v := range full {
			if k != tag {
				partial[k] = v
			}
		}
		assert.False(t, Validate(partial), "missing %s", tag)
	}

	assert.False(t, Validate(nil))
	assert.False(t, Validate(Fields{}))
}

func TestHasErrorValues(t *testing.T) {
	assert.False(t, HasErrorValues(Fields{"S": 9.89, "T": 27.96}))
	assert.True(t, HasErrorValues(Fields{"S": 9.89, "T": -99.99}))
}

func TestTelemetryShaped(t *testing.T) {
	assert.True(t, TelemetryShaped("S 09.89 D 134 U -4.52"))
	assert.True(t, TelemetryShaped("s 09.89 d 134"))
	assert.True(t, TelemetryShaped("T 27.96"))
	assert.False(t, TelemetryShaped(`{"JSON": "3.0.0"}`))
	assert.False(t, TelemetryShaped("Serial Number: TS-1234"))
	assert.False(t, TelemetryShaped(">"))
	assert.False(t, TelemetryShaped(""))
}
