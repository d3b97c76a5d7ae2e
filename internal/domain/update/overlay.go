package update

import "time"

// OverlayRecord remembers the last overlay applied onto the live root filesystem.
type OverlayRecord struct {
	// Digest is the content digest of the applied KoboRoot.tgz, e.g. "sha256:...".
	Digest string `yaml:"digest"`
	// AppliedAt is when the overlay finished applying.
	AppliedAt time.Time `yaml:"applied_at"`
	// Product is the product the overlay was applied for.
	Product string `yaml:"product"`
	// Files is the number of regular files and links written.
	Files int `yaml:"files"`
}

// Matches reports whether the record describes an overlay with the given digest.
func (r *OverlayRecord) Matches(digest string) bool {
	return r != nil && r.Digest != "" && r.Digest == digest
}

// Clone returns a copy of the record to avoid leaking internal references.
func (r *OverlayRecord) Clone() *OverlayRecord {
	if r == nil {
		return nil
	}

	cloned := *r

	return &cloned
}
