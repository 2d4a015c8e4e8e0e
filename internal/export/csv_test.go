package export

import (
	"bytes"
	"encoding/csv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/anemometer/internal/fsutil"
	"github.com/banshee-data/anemometer/internal/wind"
)

func sample(id string, ts time.Time, speed float64) wind.Reading {
	return wind.Reading{
		Timestamp:   ts,
		SensorID:    id,
		Speed2D:     speed,
		Direction:   134,
		U:           -4.52,
		V:           4.36,
		W:           -7.64,
		Temperature: 27.96,
		Pitch:       2.1,
		Roll:        -1.3,
		Valid:       true,
	}
}

// readCSV strips the byte-order mark and parses the remainder.
func readCSV(t *testing.T, fs *fsutil.MemoryFileSystem, path string) [][]string {
	t.Helper()
	data, err := fs.ReadFile(path)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(data, utf8BOM), "export must start with a UTF-8 BOM")

	records, err := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(data, utf8BOM))).ReadAll()
	require.NoError(t, err)
	return records
}

func TestWriteSingle(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	w := NewWriter(fs)

	base := time.Date(2026, 8, 23, 12, 0, 0, 125_000_000, time.UTC)
	readings := []wind.Reading{
		sample("Sensor1", base, 9.89),
		sample("Sensor1", base.Add(40*time.Millisecond), 10.02),
	}

	require.NoError(t, w.WriteSingle("exports/wind.csv", readings))
	assert.True(t, fs.Exists("exports"), "parent directory must be created")

	records := readCSV(t, fs, "exports/wind.csv")
	require.Len(t, records, 3)
	assert.Equal(t, SingleHeader, records[0])
	assert.Equal(t, []string{
		"2026-08-23 12:00:00.125", "Sensor1",
		"9.89", "134.00", "-4.52", "4.36", "-7.64", "27.96", "2.10", "-1.30",
	}, records[1])
	assert.Equal(t, "2026-08-23 12:00:00.165", records[2][0])
}

func TestWriteSingleNoData(t *testing.T) {
	w := NewWriter(fsutil.NewMemoryFileSystem())
	assert.Error(t, w.WriteSingle("wind.csv", nil))
}

func TestWriteMultiSortedColumns(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	w := NewWriter(fs)

	ts := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	bySensor := map[string][]wind.Reading{
		"Sensor2": {sample("Sensor2", ts.Add(100*time.Millisecond), 5.0)},
		"Sensor1": {sample("Sensor1", ts, 9.89)},
	}

	require.NoError(t, w.WriteMulti("combined.csv", bySensor))

	records := readCSV(t, fs, "combined.csv")
	require.NotEmpty(t, records)

	// Sensor1's columns come before Sensor2's regardless of map order.
	header := records[0]
	assert.Equal(t, "Timestamp", header[0])
	assert.Equal(t, "Sensor1_ID", header[1])
	assert.Equal(t, "Sensor1_RO", header[9])
	assert.Equal(t, "Sensor2_ID", header[10])
	assert.Equal(t, "Sensor2_RO", header[18])
	assert.Len(t, header, 19)
}

func TestWriteMultiMatchesWithinTolerance(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	w := NewWriter(fs)

	ts := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	bySensor := map[string][]wind.Reading{
		"Sensor1": {sample("Sensor1", ts, 9.89)},
		"Sensor2": {sample("Sensor2", ts.Add(300*time.Millisecond), 5.0)},
	}

	require.NoError(t, w.WriteMulti("combined.csv", bySensor))

	records := readCSV(t, fs, "combined.csv")
	require.Len(t, records, 3, "header plus one row per distinct timestamp")
	for _, row := range records[1:] {
		assert.Equal(t, "Sensor1", row[1])
		assert.Equal(t, "Sensor2", row[10])
	}
}

func TestWriteMultiFillsMissingSensors(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	w := NewWriter(fs)

	ts := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	bySensor := map[string][]wind.Reading{
		"Sensor1": {sample("Sensor1", ts, 9.89)},
		"Sensor2": {sample("Sensor2", ts.Add(2*time.Second), 5.0)},
	}

	require.NoError(t, w.WriteMulti("combined.csv", bySensor))

	records := readCSV(t, fs, "combined.csv")
	require.Len(t, records, 3)

	first, second := records[1], records[2]
	assert.Equal(t, "Sensor1", first[1])
	for i := 10; i < 19; i++ {
		assert.Equal(t, "N/A", first[i])
	}
	assert.Equal(t, "N/A", second[1])
	assert.Equal(t, "Sensor2", second[10])
}

func TestWriteMultiNoSynchronizedData(t *testing.T) {
	w := NewWriter(fsutil.NewMemoryFileSystem())
	assert.Error(t, w.WriteMulti("combined.csv", nil))
	assert.Error(t, w.WriteMulti("combined.csv", map[string][]wind.Reading{"Sensor1": nil}))
}

func TestWriteSingleCreateFailure(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	fs.CreateErr = assert.AnError
	w := NewWriter(fs)

	err := w.WriteSingle("wind.csv", []wind.Reading{sample("Sensor1", time.Now(), 1)})
	assert.ErrorContains(t, err, "failed to create export file")
}

func TestWriteSingleWriteFailure(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	fs.WriteErr = assert.AnError
	w := NewWriter(fs)

	err := w.WriteSingle("wind.csv", []wind.Reading{sample("Sensor1", time.Now(), 1)})
	assert.Error(t, err)
}
