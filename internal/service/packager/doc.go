// Package packager implements the pack stage: it bundles a pre-built overlay
// into a new update archive.
//
// The uncompressed KoboRoot.tar found in the work directory is gzipped to
// KoboRoot.tgz and written, together with the updater executable and the
// staged decompressor, into a fresh tar archive carrying a regenerated
// sha2-256sums manifest. Partitions are never touched.
package packager
