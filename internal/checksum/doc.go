// Package checksum verifies update archive entries against the sha2-256sums manifest.
//
// The manifest uses the sha256sum text format. Every listed entry is hashed
// as stored in the archive, before decompression, and the first mismatch
// aborts verification.
package checksum
