// Package version exposes build metadata of the updater.
//
// Version, Commit and BuildTime are injected with -ldflags by the firmware
// build and keep development defaults otherwise.
package version
