package fsutil

import (
	"errors"
	"io/fs"
	"testing"
)

func TestMemoryFileSystemRoundTrip(t *testing.T) {
	m := NewMemoryFileSystem()

	w, err := m.Create("exports/wind.csv")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := w.Write([]byte("Timestamp,Sensor_ID\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := m.ReadFile("exports/wind.csv")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "Timestamp,Sensor_ID\n" {
		t.Errorf("ReadFile = %q", data)
	}
	if !m.Exists("exports/wind.csv") {
		t.Error("Exists = false after write")
	}
}

func TestMemoryFileSystemMissingFile(t *testing.T) {
	m := NewMemoryFileSystem()

	_, err := m.ReadFile("absent.csv")
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("ReadFile err = %v, want ErrNotExist", err)
	}
	if m.Exists("absent.csv") {
		t.Error("Exists = true for missing file")
	}
}

func TestMemoryFileSystemMkdirAllCreatesParents(t *testing.T) {
	m := NewMemoryFileSystem()

	if err := m.MkdirAll("a/b/c", 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	for _, dir := range []string{"a", "a/b", "a/b/c"} {
		if !m.Exists(dir) {
			t.Errorf("Exists(%q) = false", dir)
		}
	}
}

func TestMemoryFileSystemInjectedFailures(t *testing.T) {
	m := NewMemoryFileSystem()
	m.CreateErr = errors.New("disk full")

	if _, err := m.Create("x.csv"); err == nil {
		t.Error("Create should fail with injected error")
	}

	m.CreateErr = nil
	m.WriteErr = errors.New("disk full")
	w, err := m.Create("x.csv")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := w.Write([]byte("row")); err == nil {
		t.Error("Write should fail with injected error")
	}
}
