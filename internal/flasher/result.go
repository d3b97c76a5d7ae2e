package flasher

import "fmt"

// Outcome tags the result of a flash.
type Outcome int

const (
	// Flashed means the image was written completely and flushed.
	Flashed Outcome = iota + 1
	// SkippedAbsent means the archive does not carry the image; nothing was written.
	SkippedAbsent
	// FailedFatal means the flash failed and the stage must stop.
	FailedFatal
)

// String implements fmt.Stringer.
func (o Outcome) String() string {
	switch o {
	case Flashed:
		return "flashed"
	case SkippedAbsent:
		return "skipped-absent"
	case FailedFatal:
		return "failed-fatal"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result describes one flash.
type Result struct {
	// Outcome tags the result.
	Outcome Outcome
	// Entry is the archive entry or source file.
	Entry string
	// Label is the partition label.
	Label string
	// Device is the resolved device node, empty when resolution failed.
	Device string
	// Written is the number of raw bytes written.
	Written int64
	// Reason is set for FailedFatal.
	Reason error
}

// Err returns Reason for FailedFatal results and nil otherwise.
func (r Result) Err() error {
	if r.Outcome != FailedFatal {
		return nil
	}

	if r.Reason == nil {
		return fmt.Errorf("flash %s to %s failed", r.Entry, r.Label)
	}

	return fmt.Errorf("flash %s to %s: %w", r.Entry, r.Label, r.Reason)
}
