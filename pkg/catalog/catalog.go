// Package catalog lists the immediate children of a directory in delivery order.
package catalog

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

const (
	// DefaultMaxPathLength matches the fixed path buffers of the instrument firmware.
	DefaultMaxPathLength = 256
	// DefaultMaxNameLength is NAME_MAX on the deployed filesystems.
	DefaultMaxNameLength = 255

	readBatch = 128
)

var (
	// ErrNotADirectory indicates the scanned path is missing or not a directory.
	ErrNotADirectory = errors.New("not a directory")
	// ErrPathTooLong indicates an entry's full path exceeds the configured limit.
	ErrPathTooLong = errors.New("path too long")
	// ErrNameTooLong indicates an entry's name exceeds the configured limit.
	ErrNameTooLong = errors.New("name too long")
)

// Limits bounds entry names and full paths.
type Limits struct {
	MaxPathLength int
	MaxNameLength int
}

// DefaultLimits returns the deployed limits.
func DefaultLimits() Limits {
	return Limits{
		MaxPathLength: DefaultMaxPathLength,
		MaxNameLength: DefaultMaxNameLength,
	}
}

// Listing holds the regular files and subdirectories of one directory,
// each sorted lexicographically by raw name.
type Listing struct {
	Files []string
	Dirs  []string
}

// Scan lists dirPath. Entries that are neither regular files nor directories
// are ignored. Any entry that violates limits aborts the scan: skipping it
// would silently drop data.
func Scan(dirPath string, limits Limits) (Listing, error) {
	info, err := os.Stat(dirPath)
	if err != nil {
		return Listing{}, fmt.Errorf("%w: %s: %v", ErrNotADirectory, dirPath, err)
	}
	if !info.IsDir() {
		return Listing{}, fmt.Errorf("%w: %s", ErrNotADirectory, dirPath)
	}

	dir, err := os.Open(dirPath)
	if err != nil {
		return Listing{}, fmt.Errorf("cannot open %s: %w", dirPath, err)
	}
	defer dir.Close()

	var listing Listing
	for {
		entries, err := dir.ReadDir(readBatch)
		for _, entry := range entries {
			if err := classify(&listing, dirPath, entry, limits); err != nil {
				return Listing{}, err
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return Listing{}, fmt.Errorf("cannot read %s: %w", dirPath, err)
		}
	}

	sort.Strings(listing.Files)
	sort.Strings(listing.Dirs)
	return listing, nil
}

func classify(listing *Listing, dirPath string, entry fs.DirEntry, limits Limits) error {
	name := entry.Name()
	if name == "." || name == ".." {
		return nil
	}
	if limits.MaxNameLength > 0 && len(name) > limits.MaxNameLength {
		return fmt.Errorf("%w: %q (%d > %d)", ErrNameTooLong, name, len(name), limits.MaxNameLength)
	}
	full := filepath.Join(dirPath, name)
	if limits.MaxPathLength > 0 && len(full) > limits.MaxPathLength {
		return fmt.Errorf("%w: %q (%d > %d)", ErrPathTooLong, full, len(full), limits.MaxPathLength)
	}

	switch typ := entry.Type(); {
	case typ.IsRegular():
		listing.Files = append(listing.Files, name)
	case typ.IsDir():
		listing.Dirs = append(listing.Dirs, name)
	}
	return nil
}
