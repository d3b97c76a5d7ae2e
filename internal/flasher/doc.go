// Package flasher writes images from an update archive onto partitions.
//
// The outcome of every flash is a Result tagged Flashed, SkippedAbsent or
// FailedFatal. An image missing from the archive is skipped; a missing
// partition, a decompression failure or a short write is fatal and must stop
// the stage.
package flasher
