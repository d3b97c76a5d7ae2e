// Package updater orchestrates one run of the firmware updater.
//
// A run parses the stage, resolves the device profile, stages the
// decompressor shipped in the archive, verifies every checksum listed in the
// archive manifest and only then dispatches to stage1 (overlay onto the live
// root), stage2 (flash partitions from recovery and select the boot
// partition) or pack (bundle a new archive). Filesystems are synced after
// every dispatch, whatever its outcome.
package updater
