package updater

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"

	"github.com/oshokin/kobo-updater/internal/archive"
	"github.com/oshokin/kobo-updater/internal/checksum"
	"github.com/oshokin/kobo-updater/internal/config"
	"github.com/oshokin/kobo-updater/internal/decompress"
	"github.com/oshokin/kobo-updater/internal/domain/update"
	"github.com/oshokin/kobo-updater/internal/hwcfg"
	"github.com/oshokin/kobo-updater/internal/overlay"
	"github.com/oshokin/kobo-updater/internal/partition"
	"github.com/oshokin/kobo-updater/internal/repository/state"
	"github.com/oshokin/kobo-updater/internal/service/packager"
)

// deviceLayout maps partition labels to device nodes of the fake eMMC.
//
//nolint:gochecknoglobals // Test fixture.
var deviceLayout = map[string]string{
	"hwcfg":    "mmcblk0p3",
	"recovery": "mmcblk0p9",
	"vendor":   "mmcblk0p10",
	"system_a": "mmcblk0p11",
}

var (
	rawRootfs = bytes.Repeat([]byte("rootfs "), 4096)
	rawVendor = bytes.Repeat([]byte("vendor "), 2048)
	blank     = bytes.Repeat([]byte{0xEE}, 512)
)

// member is one entry of a test archive.
type member struct {
	name string
	data []byte
}

// fixture is a fake device root with by-label symlinks, a scratch directory and recorded hooks.
type fixture struct {
	base        string
	root        string
	archivePath string
	cfg         *config.Config
	syncs       int
	guards      int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	base := t.TempDir()
	fx := &fixture{
		base:        base,
		root:        filepath.Join(base, "root"),
		archivePath: filepath.Join(base, "update.tar"),
	}

	byLabel := filepath.Join(fx.root, "dev", "disk", "by-label")
	require.NoError(t, os.MkdirAll(byLabel, 0o755))

	for label, node := range deviceLayout {
		content := blank
		if label == "hwcfg" {
			content = append([]byte("PCB=77\nBootPartNo=9\n"), make([]byte, hwcfg.BlobSize)...)
		}

		require.NoError(t, os.WriteFile(filepath.Join(fx.root, "dev", node), content, 0o600))
		require.NoError(t, os.Symlink(filepath.Join("..", "..", node), filepath.Join(byLabel, label)))
	}

	fx.cfg = &config.Config{
		ScratchDir: filepath.Join(base, "scratch"),
		RootDir:    fx.root,
		ImageCodec: decompress.CodecGzip,
	}
	require.NoError(t, config.Validate(fx.cfg))

	return fx
}

func (fx *fixture) hooks() hooks {
	return hooks{
		guard: func(context.Context) error {
			fx.guards++

			return nil
		},
		sync: func() {
			fx.syncs++
		},
	}
}

func (fx *fixture) run(stage, product string) error {
	opts := &Options{
		ArchivePath: fx.archivePath,
		Stage:       stage,
		Product:     product,
		Config:      fx.cfg,
	}

	return run(context.Background(), opts, fx.hooks())
}

// writeArchive stores the decompressor, members and a manifest listing all of them.
// Entries named in tampered get a wrong checksum.
func (fx *fixture) writeArchive(t *testing.T, members []member, tampered ...string) {
	t.Helper()

	members = append([]member{{name: update.EntryDecompressor, data: []byte("#!/bin/sh\nexec cat\n")}}, members...)

	var manifest strings.Builder

	for _, m := range members {
		sum := digest.FromBytes(m.data)
		for _, name := range tampered {
			if name == m.name {
				sum = digest.FromString("tampered")
			}
		}

		_, _ = fmt.Fprintf(&manifest, "%s  %s\n", sum.Encoded(), m.name)
	}

	writeRawArchive(t, fx.archivePath, append(members, member{name: update.EntryManifest, data: []byte(manifest.String())}))
}

func writeRawArchive(t *testing.T, path string, members []member) {
	t.Helper()

	w, err := archive.Create(path)
	require.NoError(t, err)

	for _, m := range members {
		require.NoError(t, w.AddBytes(m.name, m.data, 0o644))
	}

	require.NoError(t, w.Close())
}

func (fx *fixture) device(t *testing.T, label string) []byte {
	t.Helper()

	data, err := os.ReadFile(filepath.Join(fx.root, "dev", deviceLayout[label]))
	require.NoError(t, err)

	return data
}

func (fx *fixture) bootPartNo(t *testing.T) int {
	t.Helper()

	store := hwcfg.NewStore(partition.NewByLabel(fx.root, config.DefaultByLabelDir), "hwcfg")

	value, ok, err := store.GetInt(context.Background(), hwcfg.KeyBootPartNo)
	require.NoError(t, err)
	require.True(t, ok)

	return value
}

func gzipped(t *testing.T, data []byte) []byte {
	t.Helper()

	var buf bytes.Buffer

	gzw := gzip.NewWriter(&buf)
	_, err := gzw.Write(data)
	require.NoError(t, err)
	require.NoError(t, gzw.Close())

	return buf.Bytes()
}

// overlayTgz builds a KoboRoot.tgz holding the given files.
func overlayTgz(t *testing.T, files map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer

	gzw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gzw)

	for name, body := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Mode:     0o644,
			Size:     int64(len(body)),
		}))

		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}

	require.NoError(t, tw.Close())
	require.NoError(t, gzw.Close())

	return buf.Bytes()
}

// TestStage2ChecksumMismatchLeavesRootUntouched aborts before any partition is written.
func TestStage2ChecksumMismatchLeavesRootUntouched(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.cfg.Stage2.FlashRootfs = true
	fx.writeArchive(t, []member{
		{name: update.EntryRootfs, data: gzipped(t, rawRootfs)},
		{name: update.EntryVendor, data: gzipped(t, rawVendor)},
	}, update.EntryRootfs)

	hwcfgBefore := fx.device(t, "hwcfg")

	err := fx.run("stage2", "condor")

	var mismatch *checksum.MismatchError
	require.ErrorAs(t, err, &mismatch)
	require.Equal(t, update.EntryRootfs, mismatch.Name)

	require.Equal(t, blank, fx.device(t, "system_a"))
	require.Equal(t, blank, fx.device(t, "vendor"))
	require.Equal(t, hwcfgBefore, fx.device(t, "hwcfg"))
	require.Zero(t, fx.syncs)
}

// TestStage2WithoutVendorSelectsRoot skips the absent vendor image and boots system_a.
func TestStage2WithoutVendorSelectsRoot(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.writeArchive(t, []member{{name: update.EntryUpdateScript, data: []byte("#!/bin/sh\nreboot\n")}})

	require.NoError(t, fx.run("stage2", "spaBW"))

	require.Equal(t, blank, fx.device(t, "vendor"))
	require.Equal(t, 11, fx.bootPartNo(t))
	require.Equal(t, 1, fx.syncs)
	require.Equal(t, 1, fx.guards)
}

// TestStage2FlashesImagesRepeatably writes the same bytes on every run.
func TestStage2FlashesImagesRepeatably(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.cfg.Stage2.FlashRootfs = true
	fx.writeArchive(t, []member{
		{name: update.EntryRootfs, data: gzipped(t, rawRootfs)},
		{name: update.EntryVendor, data: gzipped(t, rawVendor)},
	})

	require.NoError(t, fx.run("stage2", "monza"))

	firstRootfs, firstVendor, firstHWConfig := fx.device(t, "system_a"), fx.device(t, "vendor"), fx.device(t, "hwcfg")
	require.Equal(t, rawRootfs, firstRootfs)
	require.Equal(t, rawVendor, firstVendor)
	require.Equal(t, 11, fx.bootPartNo(t))

	require.NoError(t, fx.run("stage2", "monza"))

	require.Equal(t, firstRootfs, fx.device(t, "system_a"))
	require.Equal(t, firstVendor, fx.device(t, "vendor"))
	require.Equal(t, firstHWConfig, fx.device(t, "hwcfg"))
	require.Equal(t, 2, fx.syncs)
}

// TestStage2RootfsDisabledByDefault leaves system_a alone even when the archive carries an image.
func TestStage2RootfsDisabledByDefault(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.writeArchive(t, []member{{name: update.EntryRootfs, data: gzipped(t, rawRootfs)}})

	require.NoError(t, fx.run("stage2", ""))
	require.Equal(t, blank, fx.device(t, "system_a"))
	require.Equal(t, 11, fx.bootPartNo(t))
}

// TestStage2RecoveryRootfsFallback flashes the image baked into recovery when the archive has none.
func TestStage2RecoveryRootfsFallback(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.cfg.Stage2.FlashRootfs = true
	fx.cfg.Stage2.RecoveryRootfsImage = filepath.Join(fx.base, "rootfs.img")
	require.NoError(t, os.WriteFile(fx.cfg.Stage2.RecoveryRootfsImage, rawRootfs, 0o600))
	fx.writeArchive(t, nil)

	require.NoError(t, fx.run("stage2", "condor"))
	require.Equal(t, rawRootfs, fx.device(t, "system_a"))
}

// TestStage2MissingPartitionIsFatal stops before the boot partition changes.
func TestStage2MissingPartitionIsFatal(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.cfg.Stage2.OptionalImages = append(fx.cfg.Stage2.OptionalImages, config.ImageTarget{Entry: "tee.img", Label: "tee"})
	fx.writeArchive(t, []member{{name: "tee.img", data: gzipped(t, []byte("tee"))}})

	err := fx.run("stage2", "condor")
	require.ErrorIs(t, err, partition.ErrPartitionMissing)
	require.Equal(t, 9, fx.bootPartNo(t))
	require.Equal(t, 1, fx.syncs)
}

// TestStage1WithoutOverlayHalts exits with the stage1 status and still syncs.
func TestStage1WithoutOverlayHalts(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.writeArchive(t, nil)

	require.ErrorIs(t, fx.run("stage1", "condor"), ErrStage1Halted)
	require.Equal(t, 1, fx.syncs)
}

// TestStage1AppliesOverlayOnce applies, records and logs the overlay, then skips it on the next run.
func TestStage1AppliesOverlayOnce(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.writeArchive(t, []member{{
		name: update.EntryOverlay,
		data: overlayTgz(t, map[string]string{"./usr/local/Kobo/nickel": "new nickel"}),
	}})

	revision := filepath.Join(fx.root, config.DefaultRevisionFile)
	require.NoError(t, os.MkdirAll(filepath.Dir(revision), 0o755))
	require.NoError(t, os.WriteFile(revision, []byte("N249,4.38.21908\n"), 0o600))

	require.ErrorIs(t, fx.run("stage1", "spaColour"), ErrStage1Halted)

	applied := filepath.Join(fx.root, "usr", "local", "Kobo", "nickel")
	got, err := os.ReadFile(applied)
	require.NoError(t, err)
	require.Equal(t, "new nickel", string(got))

	record, err := state.NewFileRepository(filepath.Join(fx.root, config.DefaultStateFile)).Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, "spaColour", record.Product)
	require.Equal(t, 1, record.Files)

	_, err = os.Stat(filepath.Join(fx.cfg.ScratchDir, update.EntryOverlay))
	require.ErrorIs(t, err, os.ErrNotExist)

	// A second run must not touch the root again.
	require.NoError(t, os.WriteFile(applied, []byte("edited"), 0o600))
	require.ErrorIs(t, fx.run("stage1", "spaColour"), ErrStage1Halted)

	got, err = os.ReadFile(applied)
	require.NoError(t, err)
	require.Equal(t, "edited", string(got))

	log, err := os.ReadFile(filepath.Join(fx.root, config.DefaultInstallLog))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(log)), "\n")
	require.Len(t, lines, 1)
	require.Contains(t, lines[0], "product=spaColour family=spa revision=N249,4.38.21908 overlay="+record.Digest)
	require.Equal(t, 2, fx.syncs)
}

// TestStage1RetriesAfterInstallLogFailure records the overlay only once it is logged.
func TestStage1RetriesAfterInstallLogFailure(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.writeArchive(t, []member{{
		name: update.EntryOverlay,
		data: overlayTgz(t, map[string]string{"etc/version": "4.38"}),
	}})

	// A directory where the log file belongs makes the append fail.
	installLog := filepath.Join(fx.root, config.DefaultInstallLog)
	require.NoError(t, os.MkdirAll(installLog, 0o755))

	err := fx.run("stage1", "condor")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrStage1Halted)

	_, err = state.NewFileRepository(filepath.Join(fx.root, config.DefaultStateFile)).Load(context.Background())
	require.ErrorIs(t, err, state.ErrNotFound)

	require.NoError(t, os.Remove(installLog))
	require.ErrorIs(t, fx.run("stage1", "condor"), ErrStage1Halted)

	log, err := os.ReadFile(installLog)
	require.NoError(t, err)
	require.Contains(t, string(log), "product=condor family=condor")

	record, err := state.NewFileRepository(filepath.Join(fx.root, config.DefaultStateFile)).Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, "condor", record.Product)
}

// TestStage1CorruptOverlay fails the integrity test without writing anything.
func TestStage1CorruptOverlay(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.writeArchive(t, []member{{name: update.EntryOverlay, data: []byte("not a gzip stream")}})

	err := fx.run("stage1", "condor")
	require.ErrorIs(t, err, overlay.ErrCorrupt)
	require.NotErrorIs(t, err, ErrStage1Halted)

	_, err = os.Stat(filepath.Join(fx.root, config.DefaultStateFile))
	require.ErrorIs(t, err, os.ErrNotExist)
}

// TestUnsupportedProductFailsBeforeArchive never touches the archive or the process table.
func TestUnsupportedProductFailsBeforeArchive(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)

	require.ErrorIs(t, fx.run("stage2", "kraken"), update.ErrUnsupportedProduct)
	require.Zero(t, fx.guards)
	require.Zero(t, fx.syncs)

	_, err := os.Stat(fx.cfg.ScratchDir)
	require.ErrorIs(t, err, os.ErrNotExist)
}

// TestUnknownStage rejects the stage before anything else.
func TestUnknownStage(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)

	require.ErrorIs(t, fx.run("stage3", "condor"), update.ErrUnknownStage)
	require.Zero(t, fx.guards)
}

// TestAnotherUpdaterRunning stops before the archive is read.
func TestAnotherUpdaterRunning(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.writeArchive(t, nil)

	h := fx.hooks()
	h.guard = func(context.Context) error {
		return errUpdaterAlreadyRunning
	}

	err := run(context.Background(), &Options{
		ArchivePath: fx.archivePath,
		Stage:       "stage2",
		Config:      fx.cfg,
	}, h)
	require.ErrorIs(t, err, errUpdaterAlreadyRunning)

	_, err = os.Stat(fx.cfg.ScratchDir)
	require.ErrorIs(t, err, os.ErrNotExist)
}

// TestMissingManifest is fatal.
func TestMissingManifest(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	writeRawArchive(t, fx.archivePath, []member{{name: update.EntryDecompressor, data: []byte("#!/bin/sh\n")}})

	require.ErrorIs(t, fx.run("stage2", "condor"), checksum.ErrManifestMissing)
	require.Equal(t, 9, fx.bootPartNo(t))
}

// TestMissingDecompressor is fatal.
func TestMissingDecompressor(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	writeRawArchive(t, fx.archivePath, []member{{name: update.EntryManifest, data: nil}})

	require.ErrorIs(t, fx.run("stage2", "condor"), decompress.ErrDecompressorMissing)
}

// TestUnreadableArchive is fatal.
func TestUnreadableArchive(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)

	require.Error(t, fx.run("stage2", "condor"))
	require.Zero(t, fx.syncs)
}

// TestPackStage bundles the work directory next to the input archive.
func TestPackStage(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.writeArchive(t, nil)

	fx.cfg.Pack.WorkDir = filepath.Join(fx.base, "work")
	fx.cfg.Pack.Driver = filepath.Join(fx.base, "driver")
	require.NoError(t, os.MkdirAll(fx.cfg.Pack.WorkDir, 0o755))
	require.NoError(t, os.WriteFile(fx.cfg.Pack.Driver, []byte("driver"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(fx.cfg.Pack.WorkDir, config.DefaultPackSource), []byte("tar"), 0o600))

	require.NoError(t, fx.run("pack", "condor"))

	output := filepath.Join(fx.base, config.DefaultPackOutputName)
	_, err := checksum.NewVerifier(archive.NewReader(output), t.TempDir()).Verify(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, fx.syncs)
	require.Equal(t, blank, fx.device(t, "system_a"))
}

// TestPackStageWithoutOverlay aborts.
func TestPackStageWithoutOverlay(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.writeArchive(t, nil)
	fx.cfg.Pack.WorkDir = t.TempDir()

	require.ErrorIs(t, fx.run("pack", "condor"), packager.ErrNothingToPack)
}

// TestStage2ThroughStagedDecompressor runs the program shipped in the archive.
// Not parallel: executing a freshly written file races with forks of other tests (ETXTBSY).
func TestStage2ThroughStagedDecompressor(t *testing.T) {
	fx := newFixture(t)
	fx.cfg.ImageCodec = ""
	fx.writeArchive(t, []member{{name: update.EntryVendor, data: rawVendor}})

	require.NoError(t, fx.run("stage2", "condor"))
	require.Equal(t, rawVendor, fx.device(t, "vendor"))
}
