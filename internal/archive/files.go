package archive

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Files is a Source backed by loose files, keyed by entry name.
// The pack stage uses it to checksum content before it is bundled.
type Files map[string]string

// Exists reports whether the entry is mapped to a readable regular file.
func (f Files) Exists(name string) bool {
	path, ok := f[NormalizeName(name)]
	if !ok {
		return false
	}

	info, err := os.Stat(path)

	return err == nil && info.Mode().IsRegular()
}

// Open opens the file mapped to the entry.
func (f Files) Open(name string) (io.ReadCloser, error) {
	path, ok := f[NormalizeName(name)]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrEntryNotFound)
	}

	file, err := os.Open(filepath.Clean(path))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", name, ErrEntryNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	return file, nil
}
