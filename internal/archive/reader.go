package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrEntryNotFound is returned when the archive has no regular file with the requested name.
var ErrEntryNotFound = errors.New("archive entry not found")

// Source is the read side of an update archive.
type Source interface {
	// Exists reports whether the archive holds the named entry.
	Exists(name string) bool
	// Open streams the named entry. The caller closes the stream.
	Open(name string) (io.ReadCloser, error)
}

// Reader reads entries from a tar file on disk.
type Reader struct {
	// path is the location of the tar file.
	path string
}

// NewReader returns a reader for the tar file at path. The file is not opened until an entry is requested.
func NewReader(path string) *Reader {
	return &Reader{
		path: filepath.Clean(path),
	}
}

// Path returns the location of the archive.
func (r *Reader) Path() string {
	return r.path
}

// Readable checks that the archive can be opened and starts with a valid tar header.
func (r *Reader) Readable() error {
	file, err := os.Open(r.path)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}

	defer func() {
		_ = file.Close()
	}()

	if _, err = tar.NewReader(file).Next(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read archive %s: %w", r.path, err)
	}

	return nil
}

// Exists reports whether the archive holds the named entry.
// An unreadable archive reports false; callers check Readable for that.
func (r *Reader) Exists(name string) bool {
	rc, err := r.Open(name)
	if err != nil {
		return false
	}

	_ = rc.Close()

	return true
}

// Open streams the named entry from the archive.
func (r *Reader) Open(name string) (io.ReadCloser, error) {
	file, err := os.Open(r.path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	want := NormalizeName(name)
	tr := tar.NewReader(file)

	for {
		var header *tar.Header

		header, err = tr.Next()
		if errors.Is(err, io.EOF) {
			_ = file.Close()

			return nil, fmt.Errorf("%s: %w", name, ErrEntryNotFound)
		}

		if err != nil {
			_ = file.Close()

			return nil, fmt.Errorf("read archive %s: %w", r.path, err)
		}

		if header.Typeflag != tar.TypeReg || NormalizeName(header.Name) != want {
			continue
		}

		return struct {
			io.Reader
			io.Closer
		}{
			Reader: tr,
			Closer: file,
		}, nil
	}
}

// Entries lists the names of all regular files in archive order.
func (r *Reader) Entries() ([]string, error) {
	file, err := os.Open(r.path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	defer func() {
		_ = file.Close()
	}()

	var (
		names []string
		tr    = tar.NewReader(file)
	)

	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return names, nil
		}

		if err != nil {
			return nil, fmt.Errorf("read archive %s: %w", r.path, err)
		}

		if header.Typeflag == tar.TypeReg {
			names = append(names, NormalizeName(header.Name))
		}
	}
}

// Extract copies the named entry of src to dst with the given mode and returns the byte count.
// Anything already at dst, such as residue of an interrupted run, is replaced.
func Extract(src Source, name, dst string, mode os.FileMode) (written int64, err error) {
	rc, err := src.Open(name)
	if err != nil {
		return 0, err
	}

	defer func() {
		_ = rc.Close()
	}()

	partial := dst + ".part"

	file, err := os.OpenFile(filepath.Clean(partial), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", partial, err)
	}

	written, err = io.Copy(file, rc)
	if err = errors.Join(err, file.Sync(), file.Close()); err != nil {
		_ = os.Remove(partial)

		return written, fmt.Errorf("extract %s: %w", name, err)
	}

	if err = os.Chmod(partial, mode); err != nil {
		_ = os.Remove(partial)

		return written, fmt.Errorf("chmod %s: %w", partial, err)
	}

	if err = os.Rename(partial, dst); err != nil {
		_ = os.Remove(partial)

		return written, fmt.Errorf("rename %s: %w", dst, err)
	}

	return written, nil
}

// NormalizeName strips a leading "./" and cleans the entry name, so that
// "./rootfs.img" and "rootfs.img" address the same entry.
func NormalizeName(name string) string {
	return strings.TrimPrefix(path.Clean("/"+strings.TrimPrefix(name, "./")), "/")
}
