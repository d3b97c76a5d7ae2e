package overlay

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/spf13/afero"

	"github.com/oshokin/kobo-updater/internal/logger"
)

var (
	// ErrCorrupt is returned when the overlay is not a readable gzip-compressed tar.
	ErrCorrupt = errors.New("corrupt overlay")
	// ErrUnsafePath is returned for entries that would land outside the root.
	ErrUnsafePath = errors.New("overlay entry escapes the root")
	// ErrUnsupportedEntry is returned for entry types other than files, directories and symlinks.
	ErrUnsupportedEntry = errors.New("unsupported overlay entry")
	// errSymlinksUnsupported is returned when the target filesystem cannot create links.
	errSymlinksUnsupported = errors.New("filesystem does not support symlinks")
)

// Stats counts what an overlay contains or wrote.
type Stats struct {
	// Files is the number of regular files.
	Files int
	// Dirs is the number of directories.
	Dirs int
	// Links is the number of symlinks.
	Links int
	// HardLinks is the number of hard links to earlier entries.
	HardLinks int
}

// Total returns the number of entries.
func (s Stats) Total() int {
	return s.Files + s.Dirs + s.Links + s.HardLinks
}

// Test reads the whole overlay at path without writing anything.
// It fails on gzip or tar corruption, unsafe names and unsupported entry types.
func Test(filename string) (Stats, error) {
	var stats Stats

	err := walk(filename, func(header *tar.Header, name string, content io.Reader) error {
		if _, err := io.Copy(io.Discard, content); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrCorrupt, name, err)
		}

		count(&stats, header)

		return nil
	})

	return stats, err
}

// Applier unpacks overlays onto a filesystem.
type Applier struct {
	// fs is the target filesystem, rooted at the live root.
	fs afero.Fs
}

// NewApplier returns an Applier writing onto fs.
func NewApplier(fs afero.Fs) *Applier {
	return &Applier{fs: fs}
}

// NewRootApplier returns an Applier writing below rootDir on the OS filesystem.
func NewRootApplier(rootDir string) *Applier {
	return NewApplier(afero.NewBasePathFs(afero.NewOsFs(), rootDir))
}

// Apply unpacks the overlay at filename. Run Test first: a failure halfway
// leaves the entries written so far in place.
func (a *Applier) Apply(ctx context.Context, filename string) (Stats, error) {
	var stats Stats

	err := walk(filename, func(header *tar.Header, name string, content io.Reader) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		logger.DebugKV(ctx, "Applying overlay entry", "name", name, "type", string(header.Typeflag))

		var err error

		switch header.Typeflag {
		case tar.TypeDir:
			err = a.fs.MkdirAll(name, header.FileInfo().Mode().Perm())
		case tar.TypeReg:
			err = a.writeFile(name, content, header.FileInfo().Mode().Perm())
		case tar.TypeSymlink:
			err = a.symlink(header.Linkname, name)
		case tar.TypeLink:
			err = a.hardlink(header.Linkname, name)
		}

		if err != nil {
			return fmt.Errorf("apply %s: %w", name, err)
		}

		if header.Typeflag != tar.TypeSymlink {
			// Not every filesystem keeps times.
			_ = a.fs.Chtimes(name, header.AccessTime, header.ModTime)
		}

		count(&stats, header)

		return nil
	})

	return stats, err
}

// writeFile replaces name with the content, so a running binary is unlinked rather than overwritten.
func (a *Applier) writeFile(name string, content io.Reader, perm os.FileMode) error {
	if err := a.prepare(name); err != nil {
		return err
	}

	file, err := a.fs.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}

	_, err = io.Copy(file, content)
	if err = errors.Join(err, file.Sync(), file.Close()); err != nil {
		return err
	}

	// The umask may have narrowed the mode on create.
	return a.fs.Chmod(name, perm)
}

func (a *Applier) symlink(target, name string) error {
	if err := a.prepare(name); err != nil {
		return err
	}

	// BasePathFs rebases the link target as well, but targets are relative to the device root.
	if base, ok := a.fs.(*afero.BasePathFs); ok {
		realName, err := base.RealPath(name)
		if err != nil {
			return err
		}

		return os.Symlink(target, realName)
	}

	linker, ok := a.fs.(afero.Linker)
	if !ok {
		return errSymlinksUnsupported
	}

	return linker.SymlinkIfPossible(target, name)
}

// hardlink links name to target, an entry written earlier by the same overlay.
// Filesystems other than the OS one get a copy of the target instead.
func (a *Applier) hardlink(target, name string) error {
	if err := a.prepare(name); err != nil {
		return err
	}

	if base, ok := a.fs.(*afero.BasePathFs); ok {
		realTarget, err := base.RealPath(target)
		if err != nil {
			return err
		}

		realName, err := base.RealPath(name)
		if err != nil {
			return err
		}

		return os.Link(realTarget, realName)
	}

	info, err := a.fs.Stat(target)
	if err != nil {
		return err
	}

	content, err := afero.ReadFile(a.fs, target)
	if err != nil {
		return err
	}

	return afero.WriteFile(a.fs, name, content, info.Mode().Perm())
}

// prepare creates the parent directory of name and removes whatever non-directory sits at name.
func (a *Applier) prepare(name string) error {
	if err := a.fs.MkdirAll(path.Dir(name), 0o755); err != nil {
		return err
	}

	info, err := lstat(a.fs, name)

	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil
	case err != nil:
		return err
	case info.IsDir():
		return fmt.Errorf("%s is a directory", name)
	default:
		return a.fs.Remove(name)
	}
}

func lstat(fs afero.Fs, name string) (os.FileInfo, error) {
	if lstater, ok := fs.(afero.Lstater); ok {
		info, _, err := lstater.LstatIfPossible(name)

		return info, err
	}

	return fs.Stat(name)
}

// walk opens the overlay and calls fn for every entry with its cleaned name.
func walk(filename string, fn func(header *tar.Header, name string, content io.Reader) error) error {
	file, err := os.Open(filepath.Clean(filename))
	if err != nil {
		return fmt.Errorf("open overlay: %w", err)
	}

	defer func() {
		_ = file.Close()
	}()

	gzr, err := gzip.NewReader(file)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	}

	defer func() {
		_ = gzr.Close()
	}()

	tr := tar.NewReader(gzr)

	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return fmt.Errorf("%w: %w", ErrCorrupt, err)
		}

		name, err := entryName(header.Name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeReg, tar.TypeDir, tar.TypeSymlink:
		case tar.TypeLink:
			// Hard link names are archive paths, so they get the same rooting as entry names.
			target, err := entryName(header.Linkname)
			if err != nil {
				return err
			}

			if target == "" {
				return fmt.Errorf("%w: %s links to the root", ErrUnsafePath, header.Name)
			}

			header.Linkname = target
		default:
			return fmt.Errorf("%w: %s (type %q)", ErrUnsupportedEntry, header.Name, string(header.Typeflag))
		}

		if name == "" {
			// The "./" entry of the root itself.
			continue
		}

		if err = fn(header, name, tr); err != nil {
			return err
		}
	}
}

// entryName turns a tar name into an absolute path below the root.
// Absolute names are taken as relative to the root, names climbing above it are rejected.
func entryName(name string) (string, error) {
	cleaned := path.Clean(strings.TrimLeft(name, "/"))
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}

	if cleaned == "." {
		return "", nil
	}

	return "/" + cleaned, nil
}

func count(stats *Stats, header *tar.Header) {
	switch header.Typeflag {
	case tar.TypeReg:
		stats.Files++
	case tar.TypeDir:
		stats.Dirs++
	case tar.TypeSymlink:
		stats.Links++
	case tar.TypeLink:
		stats.HardLinks++
	}
}
