// Package state persists the record of the last overlay applied onto the live root.
//
// FileRepository keeps an update.OverlayRecord as YAML next to a lock file, so
// two updater runs never interleave their reads and writes.
package state
