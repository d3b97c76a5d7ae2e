package updater

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oshokin/kobo-updater/internal/archive"
	"github.com/oshokin/kobo-updater/internal/bootpart"
	"github.com/oshokin/kobo-updater/internal/domain/update"
	"github.com/oshokin/kobo-updater/internal/flasher"
	"github.com/oshokin/kobo-updater/internal/hwcfg"
	"github.com/oshokin/kobo-updater/internal/logger"
	"github.com/oshokin/kobo-updater/internal/overlay"
	"github.com/oshokin/kobo-updater/internal/repository/state"
	"github.com/oshokin/kobo-updater/internal/service/packager"
	"github.com/oshokin/kobo-updater/internal/version"
)

// overlayMode is used for the scratch copy of the overlay.
const overlayMode os.FileMode = 0o600

// stage1 applies the overlay onto the live root. It always ends with ErrStage1Halted unless something failed.
func (r *runner) stage1(ctx context.Context) error {
	if !r.src.Exists(update.EntryOverlay) {
		logger.InfoKV(ctx, "No overlay in the archive, nothing to apply", "entry", update.EntryOverlay)

		return ErrStage1Halted
	}

	scratch := filepath.Join(r.cfg.ScratchDir, update.EntryOverlay)

	logger.InfoKV(ctx, "Extracting overlay", "path", scratch)

	if _, err := archive.Extract(r.src, update.EntryOverlay, scratch, overlayMode); err != nil {
		return err
	}

	defer func() {
		_ = os.Remove(scratch)
	}()

	dgst, err := overlay.Digest(scratch)
	if err != nil {
		return err
	}

	ctx = logger.WithKV(ctx, "overlay", dgst.String())

	logger.Info(ctx, "Testing overlay integrity")

	if _, err = overlay.Test(scratch); err != nil {
		return fmt.Errorf("overlay integrity: %w", err)
	}

	repo := state.NewFileRepository(r.onRoot(r.cfg.Overlay.StateFile))

	record, err := repo.Load(ctx)

	switch {
	case err == nil && record.Matches(dgst.String()):
		logger.InfoKV(ctx, "Overlay already applied, skipping", "applied_at", record.AppliedAt)

		return ErrStage1Halted
	case err != nil && !errors.Is(err, state.ErrNotFound):
		logger.WarnKV(ctx, "Unable to read the overlay state, applying anyway", "error", err)
	}

	logger.InfoKV(ctx, "Applying overlay", "root", r.cfg.RootDir)

	stats, err := overlay.NewRootApplier(r.cfg.RootDir).Apply(ctx, scratch)
	if err != nil {
		return fmt.Errorf("apply overlay: %w", err)
	}

	logger.InfoKV(ctx, "Overlay applied", "files", stats.Files, "dirs", stats.Dirs, "links", stats.Links, "hard_links", stats.HardLinks)

	now := time.Now().UTC()

	// The record goes last: a failure before it makes the next run apply and log again.
	err = overlay.AppendInstallLog(ctx, r.onRoot(r.cfg.Overlay.InstallLog), overlay.InstallEntry{
		Time:     now,
		Product:  r.profile.Product,
		Family:   r.profile.Family,
		Revision: overlay.ReadRevision(r.onRoot(r.cfg.Overlay.RevisionFile)),
		Digest:   dgst,
		Version:  version.Short(),
	})
	if err != nil {
		return err
	}

	err = repo.Save(ctx, &update.OverlayRecord{
		Digest:    dgst.String(),
		AppliedAt: now,
		Product:   r.profile.Product,
		Files:     stats.Files + stats.Links + stats.HardLinks,
	})
	if err != nil {
		return fmt.Errorf("record overlay: %w", err)
	}

	return ErrStage1Halted
}

// stage2 flashes the partitions from recovery, then points the bootloader at the root filesystem.
func (r *runner) stage2(ctx context.Context) error {
	fl := flasher.New(r.src, r.decompressor, r.resolver)

	if err := r.flashRootfs(ctx, fl); err != nil {
		return err
	}

	for _, target := range r.cfg.Stage2.OptionalImages {
		if err := fl.BestEffort(ctx, target.Entry, target.Label); err != nil {
			return err
		}
	}

	selector := bootpart.NewSelector(
		r.resolver,
		hwcfg.NewStore(r.resolver, r.cfg.HWConfigLabel),
		r.cfg.BootLabels,
	)

	return selector.SetBootPartition(ctx, bootpart.RoleRoot)
}

// flashRootfs handles the root filesystem slot: the archive image first, then
// the image baked into the recovery environment.
func (r *runner) flashRootfs(ctx context.Context, fl *flasher.Flasher) error {
	target := r.cfg.Stage2.Rootfs

	if !r.cfg.Stage2.FlashRootfs {
		logger.InfoKV(ctx, "Root filesystem flashing is disabled, skipping", "entry", target.Entry, "label", target.Label)

		return nil
	}

	result := fl.FlashImage(ctx, target.Entry, target.Label)
	if result.Outcome != flasher.SkippedAbsent {
		return result.Err()
	}

	if r.cfg.Stage2.RecoveryRootfsImage == "" {
		logger.InfoKV(ctx, "Not flashing "+target.Entry+": not present in the archive", "label", target.Label)

		return nil
	}

	logger.InfoKV(ctx, "Falling back to the recovery root filesystem image", "path", r.cfg.Stage2.RecoveryRootfsImage)

	result = fl.FlashFile(ctx, r.cfg.Stage2.RecoveryRootfsImage, target.Label)
	if result.Outcome == flasher.SkippedAbsent {
		logger.InfoKV(ctx, "No root filesystem image available, skipping", "label", target.Label)

		return nil
	}

	return result.Err()
}

// pack bundles a new archive from the work directory.
func (r *runner) pack(ctx context.Context) error {
	output, err := packager.Run(ctx, &packager.Options{
		ArchivePath:      r.archivePath,
		DecompressorPath: r.decompressorPath,
		Settings:         r.cfg.Pack,
	})
	if err != nil {
		return err
	}

	logger.InfoKV(ctx, "Packed update archive", "output", output)

	return nil
}
