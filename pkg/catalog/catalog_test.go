package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestScan_SortsAndClassifies(t *testing.T) {
	tmpDir := t.TempDir()

	// root/
	//   0010.dat
	//   0001.dat
	//   0002.dat
	//   b/
	//   a/
	//   link -> 0001.dat
	for _, name := range []string{"0010.dat", "0001.dat", "0002.dat"} {
		if err := os.WriteFile(filepath.Join(tmpDir, name), []byte("x"), 0644); err != nil {
			t.Fatalf("failed to create %s: %v", name, err)
		}
	}
	for _, name := range []string{"b", "a"} {
		if err := os.Mkdir(filepath.Join(tmpDir, name), 0755); err != nil {
			t.Fatalf("failed to create %s/: %v", name, err)
		}
	}
	if err := os.Symlink(filepath.Join(tmpDir, "0001.dat"), filepath.Join(tmpDir, "link")); err != nil {
		t.Fatalf("failed to create symlink: %v", err)
	}

	listing, err := Scan(tmpDir, DefaultLimits())
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}

	wantFiles := []string{"0001.dat", "0002.dat", "0010.dat"}
	if !reflect.DeepEqual(listing.Files, wantFiles) {
		t.Errorf("Files = %v, want %v", listing.Files, wantFiles)
	}
	wantDirs := []string{"a", "b"}
	if !reflect.DeepEqual(listing.Dirs, wantDirs) {
		t.Errorf("Dirs = %v, want %v", listing.Dirs, wantDirs)
	}
}

func TestScan_ManyEntries(t *testing.T) {
	tmpDir := t.TempDir()
	const n = 3*readBatch + 7
	for i := n - 1; i >= 0; i-- {
		name := fmt.Sprintf("%06d.dat", i)
		if err := os.WriteFile(filepath.Join(tmpDir, name), nil, 0644); err != nil {
			t.Fatalf("failed to create %s: %v", name, err)
		}
	}

	listing, err := Scan(tmpDir, DefaultLimits())
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if len(listing.Files) != n {
		t.Fatalf("len(Files) = %d, want %d", len(listing.Files), n)
	}
	for i, name := range listing.Files {
		if want := fmt.Sprintf("%06d.dat", i); name != want {
			t.Fatalf("Files[%d] = %s, want %s", i, name, want)
		}
	}
}

func TestScan_Empty(t *testing.T) {
	listing, err := Scan(t.TempDir(), DefaultLimits())
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if len(listing.Files) != 0 || len(listing.Dirs) != 0 {
		t.Errorf("Scan() = %+v, want empty", listing)
	}
}

func TestScan_NotADirectory(t *testing.T) {
	tmpDir := t.TempDir()
	file := filepath.Join(tmpDir, "plain.dat")
	if err := os.WriteFile(file, nil, 0644); err != nil {
		t.Fatalf("failed to create file: %v", err)
	}

	if _, err := Scan(file, DefaultLimits()); !errors.Is(err, ErrNotADirectory) {
		t.Errorf("Scan(file) error = %v, want ErrNotADirectory", err)
	}
	if _, err := Scan(filepath.Join(tmpDir, "missing"), DefaultLimits()); !errors.Is(err, ErrNotADirectory) {
		t.Errorf("Scan(missing) error = %v, want ErrNotADirectory", err)
	}
}

func TestScan_NameTooLong(t *testing.T) {
	tmpDir := t.TempDir()
	for _, name := range []string{"ok.dat", strings.Repeat("n", 20) + ".dat"} {
		if err := os.WriteFile(filepath.Join(tmpDir, name), nil, 0644); err != nil {
			t.Fatalf("failed to create %s: %v", name, err)
		}
	}

	_, err := Scan(tmpDir, Limits{MaxNameLength: 16, MaxPathLength: 4096})
	if !errors.Is(err, ErrNameTooLong) {
		t.Errorf("Scan() error = %v, want ErrNameTooLong", err)
	}
}

func TestScan_PathTooLong(t *testing.T) {
	tmpDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(tmpDir, "a.dat"), nil, 0644); err != nil {
		t.Fatalf("failed to create file: %v", err)
	}

	limit := len(tmpDir) + 3 // room for "/a" but not "/a.dat"
	_, err := Scan(tmpDir, Limits{MaxNameLength: 255, MaxPathLength: limit})
	if !errors.Is(err, ErrPathTooLong) {
		t.Errorf("Scan() error = %v, want ErrPathTooLong", err)
	}
}
