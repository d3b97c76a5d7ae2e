package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Writer creates a tar file holding regular-file entries.
type Writer struct {
	file *os.File
	tw   *tar.Writer
}

// Create starts a new archive at path, replacing any existing file.
func Create(path string) (*Writer, error) {
	file, err := os.Create(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("create archive: %w", err)
	}

	return &Writer{
		file: file,
		tw:   tar.NewWriter(file),
	}, nil
}

// AddBytes appends an entry holding data.
func (w *Writer) AddBytes(name string, data []byte, mode os.FileMode) error {
	header := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     NormalizeName(name),
		Mode:     int64(mode.Perm()),
		Size:     int64(len(data)),
		ModTime:  time.Now().UTC().Truncate(time.Second),
		Format:   tar.FormatPAX,
	}

	if err := w.tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write header %s: %w", name, err)
	}

	if _, err := w.tw.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}

	return nil
}

// AddFile appends an entry named name with the content and mode of the file at src.
func (w *Writer) AddFile(name, src string) error {
	file, err := os.Open(filepath.Clean(src))
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}

	defer func() {
		_ = file.Close()
	}()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", src, err)
	}

	if !info.Mode().IsRegular() {
		return fmt.Errorf("add %s: %s is not a regular file", name, src)
	}

	header := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     NormalizeName(name),
		Mode:     int64(info.Mode().Perm()),
		Size:     info.Size(),
		ModTime:  info.ModTime().UTC().Truncate(time.Second),
		Format:   tar.FormatPAX,
	}

	if err = w.tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write header %s: %w", name, err)
	}

	if _, err = io.Copy(w.tw, file); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}

	return nil
}

// Close finishes the archive and flushes it to disk.
func (w *Writer) Close() error {
	return errors.Join(w.tw.Close(), w.file.Sync(), w.file.Close())
}
