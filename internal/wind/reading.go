// Package wind holds the anemometer reading model and the in-memory stores
// built on it: the per-sensor bounded buffer and the multi-sensor
// timestamp synchronizer.
package wind

import (
	"fmt"
	"time"

	"github.com/banshee-data/anemometer/internal/parse"
)

// Reading is a single immutable anemometer sample. It is constructed once at
// ingestion time and never mutated; Valid is derived at construction from the
// sensor's error-sentinel values and invalid readings are stored and
// forwarded like any other.
type Reading struct {
	Timestamp time.Time
	SensorID  string

	Speed2D     float64 // S
	Direction   float64 // D
	U           float64 // U
	V           float64 // V
	W           float64 // W
	Temperature float64 // T
	Pitch       float64 // PI, 0 when the sensor does not emit it
	Roll        float64 // RO, 0 when the sensor does not emit it

	Valid bool
}

// FromFields builds a Reading from a parsed field map. All six required tags
// must be present; pitch and roll default to zero. The capture timestamp is
// the receipt time supplied by the caller.
func FromFields(sensorID string, fields parse.Fields, ts time.Time) (Reading, error) {
	if sensorID == "" {
		return Reading{}, fmt.Errorf("empty sensor id")
	}
	for _, tag := range parse.RequiredTags {
		if _, ok := fields[tag]; !ok {
			return Reading{}, fmt.Errorf("missing required tag %s", tag)
		}
	}

	r := Reading{
		Timestamp:   ts,
		SensorID:    sensorID,
		Speed2D:     fields["S"],
		Direction:   fields["D"],
		U:           fields["U"],
		V:           fields["V"],
		W:           fields["W"],
		Temperature: fields["T"],
		Pitch:       fields["PI"],
		Roll:        fields["RO"],
	}

	r.Valid = true
	for _, v := range r.Channels() {
		if parse.IsErrorValue(v) {
			r.Valid = false
			break
		}
	}
	return r, nil
}

// Channels returns the eight scalar channels in export column order
// (S, D, U, V, W, T, PI, RO).
func (r Reading) Channels() [8]float64 {
	return [8]float64{
		r.Speed2D, r.Direction, r.U, r.V, r.W, r.Temperature, r.Pitch, r.Roll,
	}
}

func (r Reading) String() string {
	return fmt.Sprintf("Reading(%s @ %s: U=%.2f V=%.2f W=%.2f T=%.2f valid=%t)",
		r.SensorID, r.Timestamp.Format("15:04:05.000"), r.U, r.V, r.W, r.Temperature, r.Valid)
}
