package updater

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/oshokin/kobo-updater/internal/archive"
	"github.com/oshokin/kobo-updater/internal/checksum"
	"github.com/oshokin/kobo-updater/internal/config"
	"github.com/oshokin/kobo-updater/internal/decompress"
	"github.com/oshokin/kobo-updater/internal/domain/update"
	"github.com/oshokin/kobo-updater/internal/logger"
	"github.com/oshokin/kobo-updater/internal/partition"
	"github.com/oshokin/kobo-updater/internal/version"
)

// ErrStage1Halted ends every stage1 run, including successful ones. The
// firmware scripts expect stage1 to exit with a failure status, after which
// the device reboots into recovery for stage2.
var ErrStage1Halted = errors.New("stage1 finished, halting")

// Options are inputs accepted by the updater entry point.
type Options struct {
	// ArchivePath is the update archive.
	ArchivePath string
	// Stage is stage1, stage2 or pack.
	Stage string
	// Product overrides the PRODUCT environment variable.
	Product string
	// ConfigPath is the settings file, used when Config is nil.
	ConfigPath string
	// Config is an already loaded configuration.
	Config *config.Config
}

// hooks are the process-wide side effects of a run.
type hooks struct {
	// guard refuses to run next to another updater process.
	guard func(ctx context.Context) error
	// sync flushes every filesystem.
	sync func()
}

func defaultHooks() hooks {
	return hooks{
		guard: ensureSingleInstance,
		sync:  unix.Sync,
	}
}

// runner holds what a single stage dispatch needs.
type runner struct {
	// cfg is the validated configuration.
	cfg *config.Config
	// profile is the resolved device.
	profile update.Profile
	// archivePath is the update archive location.
	archivePath string
	// src reads the verified archive.
	src *archive.Reader
	// resolver finds partitions by label.
	resolver partition.Resolver
	// decompressorPath is the staged decompressor.
	decompressorPath string
	// decompressor turns stored images into raw bytes.
	decompressor decompress.Decompressor
}

// Run executes one updater run and is the public entry point for the CLI.
func Run(ctx context.Context, opts *Options) error {
	return run(ctx, opts, defaultHooks())
}

func run(ctx context.Context, opts *Options, h hooks) error {
	ctx = logger.WithName(ctx, "kobo-updater")

	stage, err := update.ParseStage(opts.Stage)
	if err != nil {
		return err
	}

	profile, err := update.ResolveProduct(opts.Product)
	if err != nil {
		return err
	}

	ctx = logger.WithKV(ctx, "stage", stage.String(), "product", profile.Product)

	logger.InfoKV(ctx, "Starting update", append([]any{"archive", opts.ArchivePath, "family", profile.Family},
		version.Fields()...)...)

	cfg := opts.Config
	if cfg == nil {
		if cfg, err = config.Load(opts.ConfigPath); err != nil {
			return err
		}
	}

	if err = h.guard(ctx); err != nil {
		return err
	}

	r, err := newRunner(ctx, cfg, profile, opts.ArchivePath)
	if err != nil {
		return err
	}

	defer func() {
		logger.Info(ctx, "Syncing filesystems")
		h.sync()
	}()

	if err = r.dispatch(ctx, stage); err != nil {
		return fmt.Errorf("%s for %s: %w", stage, profile.Product, err)
	}

	logger.Info(ctx, "Update completed")

	return nil
}

// newRunner opens the archive, stages the decompressor and verifies the checksums.
func newRunner(ctx context.Context, cfg *config.Config, profile update.Profile, archivePath string) (*runner, error) {
	r := &runner{
		cfg:         cfg,
		profile:     profile,
		archivePath: archivePath,
		src:         archive.NewReader(archivePath),
		resolver:    newResolver(cfg),
	}

	if err := r.src.Readable(); err != nil {
		return nil, err
	}

	logger.InfoKV(ctx, "Staging decompressor", "scratch", cfg.ScratchDir)

	staged, err := decompress.Stage(ctx, r.src, cfg.ScratchDir)
	if err != nil {
		return nil, err
	}

	r.decompressorPath = staged

	if r.decompressor, err = chooseDecompressor(cfg.ImageCodec, staged); err != nil {
		return nil, err
	}

	logger.InfoKV(ctx, "Verifying archive checksums", "decompressor", r.decompressor.Name())

	if _, err = checksum.NewVerifier(r.src, cfg.ScratchDir).Verify(ctx); err != nil {
		return nil, fmt.Errorf("verify archive: %w", err)
	}

	if r.src.Exists(update.EntryUpdateScript) {
		logger.WarnKV(ctx, "Archive carries an update script, ignoring it", "entry", update.EntryUpdateScript)
	}

	return r, nil
}

// dispatch runs the action set of stage.
func (r *runner) dispatch(ctx context.Context, stage update.Stage) error {
	logger.InfoKV(ctx, "Dispatching stage", "stage", stage.String())

	switch stage {
	case update.StageOne:
		return r.stage1(ctx)
	case update.StageTwo:
		return r.stage2(ctx)
	case update.StagePack:
		return r.pack(ctx)
	default:
		return fmt.Errorf("%w: %q", update.ErrUnknownStage, stage)
	}
}

// newResolver looks labels up in the configured table first, then in the by-label directory.
func newResolver(cfg *config.Config) partition.Resolver {
	return partition.Chain{
		partition.Table(cfg.Partitions),
		partition.NewByLabel(cfg.RootDir, cfg.ByLabelDir),
	}
}

// chooseDecompressor returns the configured built-in codec, or the staged program.
func chooseDecompressor(codec, staged string) (decompress.Decompressor, error) {
	if codec == "" {
		return decompress.NewCommand(staged), nil
	}

	return decompress.ForCodec(codec)
}

// onRoot places a configured path below the live root directory.
func (r *runner) onRoot(path string) string {
	return filepath.Join(r.cfg.RootDir, path)
}
