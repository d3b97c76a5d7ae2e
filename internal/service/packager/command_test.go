package packager

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"

	"github.com/oshokin/kobo-updater/internal/archive"
	"github.com/oshokin/kobo-updater/internal/checksum"
	"github.com/oshokin/kobo-updater/internal/config"
	"github.com/oshokin/kobo-updater/internal/domain/update"
)

// packFixture lays out a work directory with an overlay tar, a driver and a staged decompressor.
type packFixture struct {
	workDir      string
	archivePath  string
	driver       string
	decompressor string
	overlay      []byte
}

func newPackFixture(t *testing.T, withOverlay bool) *packFixture {
	t.Helper()

	dir := t.TempDir()
	fx := &packFixture{
		workDir:      filepath.Join(dir, "work"),
		archivePath:  filepath.Join(dir, "update.tar"),
		driver:       filepath.Join(dir, "kobo-updater"),
		decompressor: filepath.Join(dir, "scratch", "decompressor"),
		overlay:      bytes.Repeat([]byte("usr/local/Kobo/nickel\x00"), 512),
	}

	require.NoError(t, os.MkdirAll(fx.workDir, 0o755))
	require.NoError(t, os.MkdirAll(filepath.Dir(fx.decompressor), 0o755))
	require.NoError(t, os.WriteFile(fx.driver, []byte("#!/bin/sh\n"), 0o755))
	require.NoError(t, os.WriteFile(fx.decompressor, []byte("#!/bin/sh\ncat\n"), 0o755))
	require.NoError(t, os.WriteFile(fx.archivePath, []byte("input"), 0o600))

	if withOverlay {
		require.NoError(t, os.WriteFile(filepath.Join(fx.workDir, config.DefaultPackSource), fx.overlay, 0o600))
	}

	return fx
}

func (fx *packFixture) options() *Options {
	return &Options{
		ArchivePath:      fx.archivePath,
		DecompressorPath: fx.decompressor,
		Settings: config.PackConfig{
			WorkDir: fx.workDir,
			Driver:  fx.driver,
		},
	}
}

// TestPackBuildsVerifiableArchive produces an archive whose manifest verifies.
func TestPackBuildsVerifiableArchive(t *testing.T) {
	t.Parallel()

	fx := newPackFixture(t, true)

	output, err := Run(context.Background(), fx.options())
	require.NoError(t, err)
	require.Equal(t, filepath.Join(filepath.Dir(fx.archivePath), config.DefaultPackOutputName), output)

	reader := archive.NewReader(output)
	entries, err := reader.Entries()
	require.NoError(t, err)
	require.Equal(t, []string{
		update.EntryDriver, update.EntryDecompressor, update.EntryOverlay, update.EntryManifest,
	}, entries)

	manifest, err := checksum.NewVerifier(reader, t.TempDir()).Verify(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{update.EntryDriver, update.EntryDecompressor, update.EntryOverlay}, manifest.Names())

	rc, err := reader.Open(update.EntryOverlay)
	require.NoError(t, err)

	defer func() {
		_ = rc.Close()
	}()

	gzr, err := gzip.NewReader(rc)
	require.NoError(t, err)

	raw, err := io.ReadAll(gzr)
	require.NoError(t, err)
	require.Equal(t, fx.overlay, raw)

	_, err = os.Stat(filepath.Join(fx.workDir, update.EntryOverlay))
	require.NoError(t, err)

	_, err = os.Stat(output + ".part")
	require.ErrorIs(t, err, os.ErrNotExist)
}

// TestPackCustomOutput writes to the configured output and bundles the staged decompressor.
func TestPackCustomOutput(t *testing.T) {
	t.Parallel()

	fx := newPackFixture(t, true)
	opts := fx.options()
	opts.Settings.Output = filepath.Join(t.TempDir(), "custom.tar")

	output, err := Run(context.Background(), opts)
	require.NoError(t, err)
	require.Equal(t, opts.Settings.Output, output)

	staged := filepath.Join(t.TempDir(), "decompressor")
	_, err = archive.Extract(archive.NewReader(output), update.EntryDecompressor, staged, 0o755)
	require.NoError(t, err)

	data, err := os.ReadFile(staged)
	require.NoError(t, err)
	require.Equal(t, "#!/bin/sh\ncat\n", string(data))
}

// TestPackWithoutOverlay aborts when there is no KoboRoot.tar.
func TestPackWithoutOverlay(t *testing.T) {
	t.Parallel()

	fx := newPackFixture(t, false)

	_, err := Run(context.Background(), fx.options())
	require.ErrorIs(t, err, ErrNothingToPack)
	require.ErrorContains(t, err, "no KoboRoot.tar to pack")

	_, err = os.Stat(filepath.Join(filepath.Dir(fx.archivePath), config.DefaultPackOutputName))
	require.ErrorIs(t, err, os.ErrNotExist)
}

// TestPackRefusesToOverwriteInput keeps the input archive intact.
func TestPackRefusesToOverwriteInput(t *testing.T) {
	t.Parallel()

	fx := newPackFixture(t, true)
	opts := fx.options()
	opts.Settings.Output = fx.archivePath

	_, err := Run(context.Background(), opts)
	require.ErrorIs(t, err, errOutputIsInput)

	data, err := os.ReadFile(fx.archivePath)
	require.NoError(t, err)
	require.Equal(t, "input", string(data))
}

// TestPackMissingDecompressor fails before the output appears.
func TestPackMissingDecompressor(t *testing.T) {
	t.Parallel()

	fx := newPackFixture(t, true)
	opts := fx.options()
	opts.DecompressorPath = filepath.Join(t.TempDir(), "absent")

	_, err := Run(context.Background(), opts)
	require.ErrorIs(t, err, archive.ErrEntryNotFound)

	_, err = os.Stat(filepath.Join(filepath.Dir(fx.archivePath), config.DefaultPackOutputName))
	require.ErrorIs(t, err, os.ErrNotExist)
}
