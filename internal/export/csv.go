// Package export writes single- and multi-sensor CSV exports. Files carry a
// UTF-8 byte-order mark so spreadsheet tools detect the encoding.
package export

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/banshee-data/anemometer/internal/fsutil"
	"github.com/banshee-data/anemometer/internal/monitoring"
	"github.com/banshee-data/anemometer/internal/wind"
)

// utf8BOM is prepended to every export for Excel compatibility.
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// timestampLayout renders timestamps with millisecond precision.
const timestampLayout = "2006-01-02 15:04:05.000"

// SingleHeader is the fixed column order of a single-sensor export.
var SingleHeader = []string{
	"Timestamp", "Sensor_ID", "S", "D", "U", "V", "W", "T", "PI", "RO",
}

// missingCell fills the per-sensor columns of a row the sensor has no
// reading for.
const missingCell = "N/A"

// Writer produces CSV exports through a FileSystem, so tests can run
// against memory instead of disk.
type Writer struct {
	fs fsutil.FileSystem
}

// NewWriter creates a Writer backed by fs. A nil fs selects the OS
// filesystem.
func NewWriter(fs fsutil.FileSystem) *Writer {
	if fs == nil {
		fs = fsutil.OSFileSystem{}
	}
	return &Writer{fs: fs}
}

// WriteSingle exports one sensor's readings to path. Readings are written
// in the order given; numeric channels are fixed to two decimals.
func (w *Writer) WriteSingle(path string, readings []wind.Reading) error {
	if len(readings) == 0 {
		return fmt.Errorf("no data to export")
	}

	cw, closeFn, err := w.open(path)
	if err != nil {
		return err
	}

	if err := cw.Write(SingleHeader); err != nil {
		closeFn()
		return fmt.Errorf("failed to write header: %w", err)
	}
	for _, r := range readings {
		row := append([]string{r.Timestamp.Format(timestampLayout), r.SensorID}, channelCells(r)...)
		if err := cw.Write(row); err != nil {
			closeFn()
			return fmt.Errorf("failed to write row: %w", err)
		}
	}

	if err := closeFn(); err != nil {
		return err
	}
	monitoring.Logf("export: wrote %d records to %s", len(readings), path)
	return nil
}

// WriteMulti exports several sensors' readings to path as synchronized
// rows. Sensor column groups appear in sorted sensor-id order regardless of
// map iteration; cells without a matched reading hold N/A.
func (w *Writer) WriteMulti(path string, bySensor map[string][]wind.Reading) error {
	rows := wind.Synchronize(bySensor)
	if len(rows) == 0 {
		return fmt.Errorf("no synchronized data available")
	}

	ids := sortedIDs(bySensor)

	cw, closeFn, err := w.open(path)
	if err != nil {
		return err
	}

	header := MultiHeader(ids)
	if err := cw.Write(header); err != nil {
		closeFn()
		return fmt.Errorf("failed to write header: %w", err)
	}

	for _, row := range rows {
		record := make([]string, 0, len(header))
		record = append(record, row.Timestamp.Format(timestampLayout))
		for _, id := range ids {
			r := row.BySensor[id]
			if r == nil {
				for i := 0; i < 9; i++ {
					record = append(record, missingCell)
				}
				continue
			}
			record = append(record, r.SensorID)
			record = append(record, channelCells(*r)...)
		}
		if err := cw.Write(record); err != nil {
			closeFn()
			return fmt.Errorf("failed to write row: %w", err)
		}
	}

	if err := closeFn(); err != nil {
		return err
	}
	monitoring.Logf("export: wrote %d synchronized records for %d sensors to %s", len(rows), len(ids), path)
	return nil
}

// MultiHeader builds the combined-export header for the given sensor ids:
// a Timestamp column, then nine columns per sensor.
func MultiHeader(ids []string) []string {
	header := []string{"Timestamp"}
	for _, id := range ids {
		for _, col := range []string{"ID", "S", "D", "U", "V", "W", "T", "PI", "RO"} {
			header = append(header, id+"_"+col)
		}
	}
	return header
}

// open creates path (and its parent directory), writes the BOM, and hands
// back a csv.Writer plus a close function that flushes and surfaces any
// deferred write error.
func (w *Writer) open(path string) (*csv.Writer, func() error, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "/" {
		if err := w.fs.MkdirAll(dir, os.FileMode(0o755)); err != nil {
			return nil, nil, fmt.Errorf("failed to create export directory: %w", err)
		}
	}

	f, err := w.fs.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create export file: %w", err)
	}
	if _, err := f.Write(utf8BOM); err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("failed to write byte-order mark: %w", err)
	}

	cw := csv.NewWriter(f)
	closeFn := func() error {
		cw.Flush()
		flushErr := cw.Error()
		closeErr := f.Close()
		if flushErr != nil {
			return fmt.Errorf("failed to flush export: %w", flushErr)
		}
		if closeErr != nil {
			return fmt.Errorf("failed to close export file: %w", closeErr)
		}
		return nil
	}
	return cw, closeFn, nil
}

func channelCells(r wind.Reading) []string {
	channels := r.Channels()
	cells := make([]string, len(channels))
	for i, v := range channels {
		cells[i] = strconv.FormatFloat(v, 'f', 2, 64)
	}
	return cells
}

func sortedIDs(bySensor map[string][]wind.Reading) []string {
	ids := make([]string, 0, len(bySensor))
	for id := range bySensor {
		ids = append(ids, id)
	}
	// Sorted ids fix the column group order.
	sort.Strings(ids)
	return ids
}
