package flasher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/oshokin/kobo-updater/internal/archive"
	"github.com/oshokin/kobo-updater/internal/decompress"
	"github.com/oshokin/kobo-updater/internal/logger"
	"github.com/oshokin/kobo-updater/internal/partition"
)

// BlockSize is the write unit, matching the erase block handling of the eMMC.
const BlockSize = 4 << 20

// ErrShortWrite is returned when the device accepted fewer bytes than requested.
var ErrShortWrite = errors.New("short write to device")

// Flasher streams archive entries through a decompressor onto partitions.
type Flasher struct {
	// src is the verified update archive.
	src archive.Source
	// decompressor turns stored bytes into raw image bytes.
	decompressor decompress.Decompressor
	// resolver finds the device node of a label.
	resolver partition.Resolver
	// blockSize is the size of each write.
	blockSize int
}

// New returns a Flasher.
func New(src archive.Source, decompressor decompress.Decompressor, resolver partition.Resolver) *Flasher {
	return &Flasher{
		src:          src,
		decompressor: decompressor,
		resolver:     resolver,
		blockSize:    BlockSize,
	}
}

// FlashImage writes the archive entry onto the partition with the given label.
// The partition is checked first; an absent entry is SkippedAbsent.
func (f *Flasher) FlashImage(ctx context.Context, entry, label string) Result {
	result := Result{Entry: entry, Label: label}

	device, err := f.resolver.Resolve(label)
	if err != nil {
		result.Outcome = FailedFatal
		result.Reason = err

		return result
	}

	result.Device = device

	if !f.src.Exists(entry) {
		result.Outcome = SkippedAbsent

		return result
	}

	logger.InfoKV(ctx, "Flashing image",
		"entry", entry, "label", label, "device", device, "decompressor", f.decompressor.Name())

	stored, err := f.src.Open(entry)
	if err != nil {
		result.Outcome = FailedFatal
		result.Reason = fmt.Errorf("open entry: %w", err)

		return result
	}

	defer func() {
		_ = stored.Close()
	}()

	raw, err := f.decompressor.Decompress(ctx, stored)
	if err != nil {
		result.Outcome = FailedFatal
		result.Reason = fmt.Errorf("decompress: %w", err)

		return result
	}

	written, err := f.writeDevice(ctx, device, raw)
	result.Written = written

	if closeErr := raw.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("decompress: %w", closeErr)
	}

	if err != nil {
		result.Outcome = FailedFatal
		result.Reason = err

		return result
	}

	result.Outcome = Flashed

	logger.InfoKV(ctx, "Image flashed", "entry", entry, "device", device, "bytes", written)

	return result
}

// FlashFile writes a raw image file, not taken from the archive, onto the partition.
// A missing file is SkippedAbsent.
func (f *Flasher) FlashFile(ctx context.Context, path, label string) Result {
	result := Result{Entry: path, Label: label}

	device, err := f.resolver.Resolve(label)
	if err != nil {
		result.Outcome = FailedFatal
		result.Reason = err

		return result
	}

	result.Device = device

	file, err := os.Open(filepath.Clean(path))
	if errors.Is(err, os.ErrNotExist) {
		result.Outcome = SkippedAbsent

		return result
	}

	if err != nil {
		result.Outcome = FailedFatal
		result.Reason = err

		return result
	}

	defer func() {
		_ = file.Close()
	}()

	logger.InfoKV(ctx, "Flashing raw image", "path", path, "label", label, "device", device)

	result.Written, err = f.writeDevice(ctx, device, file)
	if err != nil {
		result.Outcome = FailedFatal
		result.Reason = err

		return result
	}

	result.Outcome = Flashed

	return result
}

// BestEffort flashes an optional image: an absent entry is logged and ignored,
// every other failure is returned.
func (f *Flasher) BestEffort(ctx context.Context, entry, label string) error {
	result := f.FlashImage(ctx, entry, label)

	switch result.Outcome {
	case SkippedAbsent:
		logger.InfoKV(ctx, "Not flashing "+entry+": not present in the archive", "label", label)

		return nil
	case Flashed:
		return nil
	default:
		return result.Err()
	}
}

// writeDevice copies r onto the device in blocks, flushes it and returns the byte count.
func (f *Flasher) writeDevice(ctx context.Context, device string, r io.Reader) (int64, error) {
	file, err := os.OpenFile(device, os.O_WRONLY, 0)
	if err != nil {
		return 0, fmt.Errorf("open device: %w", err)
	}

	written, err := f.copyBlocks(ctx, file, r)
	if err == nil {
		err = truncateRegular(file, written)
	}

	if err = errors.Join(err, file.Sync(), file.Close()); err != nil {
		return written, fmt.Errorf("write %s: %w", device, err)
	}

	return written, nil
}

// copyBlocks reads full blocks from r and writes each one with a single call.
// Only a clean io.EOF ends the copy successfully.
func (f *Flasher) copyBlocks(ctx context.Context, w io.Writer, r io.Reader) (int64, error) {
	var (
		buf     = make([]byte, f.blockSize)
		written int64
	)

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		n, readErr := fill(r, buf)
		if n > 0 {
			m, err := w.Write(buf[:n])
			written += int64(m)

			if err != nil {
				return written, err
			}

			if m != n {
				return written, ErrShortWrite
			}

			logger.DebugKV(ctx, "Wrote block", "bytes", written)
		}

		if errors.Is(readErr, io.EOF) {
			return written, nil
		}

		if readErr != nil {
			return written, fmt.Errorf("read image: %w", readErr)
		}
	}
}

// fill reads until buf is full or r fails. Unlike io.ReadFull it passes a
// truncated-stream io.ErrUnexpectedEOF from the decompressor through untouched.
func fill(r io.Reader, buf []byte) (int, error) {
	var n int

	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m

		if err != nil {
			return n, err
		}
	}

	return n, nil
}

// truncateRegular trims a regular-file target to the written size.
// Block devices are left alone.
func truncateRegular(file *os.File, size int64) error {
	info, err := file.Stat()
	if err != nil {
		return err
	}

	if !info.Mode().IsRegular() {
		return nil
	}

	return file.Truncate(size)
}
