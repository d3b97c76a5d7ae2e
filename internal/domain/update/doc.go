// Package update contains the core domain types of a firmware update run.
//
// It defines the Stage enum, the static product-to-family device table, the
// well-known archive entry names and OverlayRecord, the persisted marker of
// the last overlay applied onto the live root filesystem.
package update
