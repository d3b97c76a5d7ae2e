package decompress

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	goupdate "github.com/doitdistributed/go-update"
	"golang.org/x/sys/unix"

	"github.com/oshokin/kobo-updater/internal/archive"
	"github.com/oshokin/kobo-updater/internal/domain/update"
	"github.com/oshokin/kobo-updater/internal/logger"
)

const (
	// ExecutableMode is applied to the staged decompressor.
	ExecutableMode os.FileMode = 0o755

	// scratchDirMode is used when creating the scratch directory.
	scratchDirMode os.FileMode = 0o755
)

var (
	// ErrDecompressorMissing is returned when the archive carries no decompressor entry.
	ErrDecompressorMissing = errors.New("archive has no decompressor")
	// ErrNotExecutable is returned when the staged decompressor cannot be executed.
	ErrNotExecutable = errors.New("decompressor is not executable")
)

// Stage extracts the decompressor entry of src into scratchDir and checks it can be executed.
// It returns the path of the staged program.
func Stage(ctx context.Context, src archive.Source, scratchDir string) (string, error) {
	if err := os.MkdirAll(scratchDir, scratchDirMode); err != nil {
		return "", fmt.Errorf("create scratch directory: %w", err)
	}

	target := filepath.Join(scratchDir, update.EntryDecompressor)

	rc, err := src.Open(update.EntryDecompressor)
	if errors.Is(err, archive.ErrEntryNotFound) {
		return "", ErrDecompressorMissing
	}

	if err != nil {
		return "", err
	}

	defer func() {
		_ = rc.Close()
	}()

	// go-update swaps an existing file out, so the first run needs a placeholder.
	if _, err = os.Stat(target); errors.Is(err, os.ErrNotExist) {
		var placeholder *os.File

		placeholder, err = os.Create(target)
		if err != nil {
			return "", fmt.Errorf("create %s: %w", target, err)
		}

		if err = placeholder.Close(); err != nil {
			return "", err
		}
	}

	logger.DebugKV(ctx, "Staging decompressor", "path", target)

	options := goupdate.Options{
		TargetPath: target,
		TargetMode: ExecutableMode,
	}

	if err = goupdate.Apply(rc, options); err != nil {
		return "", fmt.Errorf("stage decompressor: %w", err)
	}

	if err = CheckExecutable(target); err != nil {
		return "", err
	}

	return target, nil
}

// CheckExecutable verifies that path is a regular file the current process may execute.
func CheckExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotExecutable, err)
	}

	if !info.Mode().IsRegular() || info.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("%w: %s has mode %s", ErrNotExecutable, path, info.Mode())
	}

	if err = unix.Access(path, unix.X_OK); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrNotExecutable, path, err)
	}

	return nil
}
