package packager

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"

	"github.com/oshokin/kobo-updater/internal/archive"
	"github.com/oshokin/kobo-updater/internal/checksum"
	"github.com/oshokin/kobo-updater/internal/config"
	"github.com/oshokin/kobo-updater/internal/domain/update"
	"github.com/oshokin/kobo-updater/internal/logger"
)

var (
	// ErrNothingToPack is returned when the work directory holds no overlay tar.
	ErrNothingToPack = errors.New("no KoboRoot.tar to pack")
	// errOutputIsInput is returned when the output would overwrite the input archive.
	errOutputIsInput = errors.New("pack output must differ from the input archive")
)

// Options contains inputs for the pack stage.
type Options struct {
	// ArchivePath is the verified input archive. The output defaults to its directory.
	ArchivePath string
	// DecompressorPath is the decompressor staged from the input archive.
	DecompressorPath string
	// Settings are the pack settings of the configuration.
	Settings config.PackConfig
}

// packager holds the resolved paths of one pack run.
type packager struct {
	// source is the uncompressed overlay tar.
	source string
	// compressed is where KoboRoot.tgz is written.
	compressed string
	// driver is the executable bundled as the driver entry.
	driver string
	// decompressor is the staged decompressor.
	decompressor string
	// output is the archive to create.
	output string
}

// Run executes the pack stage and returns the path of the created archive.
func Run(ctx context.Context, opts *Options) (string, error) {
	ctx = logger.WithName(ctx, "pack")

	pkg, err := newPackager(opts)
	if err != nil {
		return "", err
	}

	logger.InfoKV(ctx, "Compressing overlay", "source", pkg.source, "target", pkg.compressed)

	if err = compressFile(pkg.source, pkg.compressed); err != nil {
		return "", fmt.Errorf("compress overlay: %w", err)
	}

	logger.InfoKV(ctx, "Writing update archive", "output", pkg.output, "driver", pkg.driver)

	if err = pkg.writeArchive(); err != nil {
		return "", err
	}

	logger.InfoKV(ctx, "Update archive packed", "output", pkg.output)

	return pkg.output, nil
}

// newPackager resolves every path and checks the overlay tar is there.
func newPackager(opts *Options) (*packager, error) {
	workDir := opts.Settings.WorkDir
	if workDir == "" {
		workDir = "."
	}

	sourceName := opts.Settings.Source
	if sourceName == "" {
		sourceName = config.DefaultPackSource
	}

	pkg := &packager{
		source:       filepath.Join(workDir, sourceName),
		compressed:   filepath.Join(workDir, update.EntryOverlay),
		driver:       opts.Settings.Driver,
		decompressor: opts.DecompressorPath,
		output:       opts.Settings.Output,
	}

	info, err := os.Stat(pkg.source)
	if errors.Is(err, os.ErrNotExist) || (err == nil && !info.Mode().IsRegular()) {
		return nil, fmt.Errorf("%w in %s", ErrNothingToPack, workDir)
	}

	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", pkg.source, err)
	}

	if pkg.driver == "" {
		if pkg.driver, err = os.Executable(); err != nil {
			return nil, fmt.Errorf("locate updater executable: %w", err)
		}
	}

	if pkg.output == "" {
		pkg.output = filepath.Join(filepath.Dir(opts.ArchivePath), config.DefaultPackOutputName)
	}

	if sameFile(pkg.output, opts.ArchivePath) {
		return nil, fmt.Errorf("%w: %s", errOutputIsInput, pkg.output)
	}

	return pkg, nil
}

// writeArchive bundles the entries with a fresh manifest, replacing the output only when complete.
func (p *packager) writeArchive() error {
	files := archive.Files{
		update.EntryDriver:       p.driver,
		update.EntryDecompressor: p.decompressor,
		update.EntryOverlay:      p.compressed,
	}

	names := []string{update.EntryDriver, update.EntryDecompressor, update.EntryOverlay}

	manifest, err := checksum.Compute(files, names...)
	if err != nil {
		return fmt.Errorf("compute checksums: %w", err)
	}

	var sums bytes.Buffer
	if _, err = manifest.WriteTo(&sums); err != nil {
		return fmt.Errorf("render checksums: %w", err)
	}

	partial := p.output + ".part"

	w, err := archive.Create(partial)
	if err != nil {
		return err
	}

	for _, name := range names {
		if err = w.AddFile(name, files[name]); err != nil {
			_ = w.Close()
			_ = os.Remove(partial)

			return err
		}
	}

	err = w.AddBytes(update.EntryManifest, sums.Bytes(), config.DefaultFilePermissions)
	if err = errors.Join(err, w.Close()); err != nil {
		_ = os.Remove(partial)

		return err
	}

	return os.Rename(partial, p.output)
}

// compressFile gzips src into dst.
func compressFile(src, dst string) (err error) {
	in, err := os.Open(filepath.Clean(src))
	if err != nil {
		return err
	}

	defer func() {
		_ = in.Close()
	}()

	partial := dst + ".part"

	out, err := os.OpenFile(partial, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, config.DefaultFilePermissions)
	if err != nil {
		return err
	}

	defer func() {
		if err != nil {
			_ = os.Remove(partial)
		}
	}()

	gzw, err := gzip.NewWriterLevel(out, gzip.BestCompression)
	if err != nil {
		_ = out.Close()

		return err
	}

	_, err = io.Copy(gzw, in)
	if err = errors.Join(err, gzw.Close(), out.Sync(), out.Close()); err != nil {
		return err
	}

	return os.Rename(partial, dst)
}

func sameFile(a, b string) bool {
	if b == "" {
		return false
	}

	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)

	return errA == nil && errB == nil && absA == absB
}
