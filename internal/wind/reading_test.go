package wind

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/anemometer/internal/parse"
)

func fullFields() parse.Fields {
	return parse.Fields{
		"S": 9.89, "D": 134.0, "U": -4.52, "V": 4.36, "W": -7.64, "T": 27.96,
		"PI": 2.1, "RO": -1.3,
	}
}

func TestFromFields(t *testing.T) {
	ts := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	r, err := FromFields("Sensor1", fullFields(), ts)
	require.NoError(t, err)

	assert.Equal(t, "Sensor1", r.SensorID)
	assert.Equal(t, ts, r.Timestamp)
	assert.Equal(t, 9.89, r.Speed2D)
	assert.Equal(t, 134.0, r.Direction)
	assert.Equal(t, -4.52, r.U)
	assert.Equal(t, 4.36, r.V)
	assert.Equal(t, -7.64, r.W)
	assert.Equal(t, 27.96, r.Temperature)
	assert.Equal(t, 2.1, r.Pitch)
	assert.Equal(t, -1.3, r.Roll)
	assert.True(t, r.Valid)
}

func TestFromFieldsOptionalDefaults(t *testing.T) {
	fields := fullFields()
	delete(fields, "PI")
	delete(fields, "RO")

	r, err := FromFields("Sensor1", fields, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0.0, r.Pitch)
	assert.Equal(t, 0.0, r.Roll)
	assert.True(t, r.Valid)
}

func TestFromFieldsErrorSentinelInvalidates(t *testing.T) {
	fields := fullFields()
	fields["T"] = -99.99

	r, err := FromFields("Sensor1", fields, time.Now())
	require.NoError(t, err)
	assert.False(t, r.Valid, "error sentinel must mark the reading invalid")
}

func TestFromFieldsMissingRequiredTag(t *testing.T) {
	fields := fullFields()
	delete(fields, "W")

	_, err := FromFields("Sensor1", fields, time.Now())
	assert.Error(t, err)
}

func TestFromFieldsEmptySensorID(t *testing.T) {
	_, err := FromFields("", fullFields(), time.Now())
	assert.Error(t, err)
}
