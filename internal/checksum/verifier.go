package checksum

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"

	"github.com/oshokin/kobo-updater/internal/archive"
	"github.com/oshokin/kobo-updater/internal/domain/update"
	"github.com/oshokin/kobo-updater/internal/logger"
)

// manifestMode is used for the scratch copy of the manifest.
const manifestMode os.FileMode = 0o600

// ErrManifestMissing is returned when the archive has no checksum manifest.
// An update without a manifest is untrusted.
var ErrManifestMissing = errors.New("checksum manifest missing")

// MismatchError reports an entry whose content does not match the manifest.
type MismatchError struct {
	// Name is the archive entry.
	Name string
	// Expected is the digest recorded in the manifest.
	Expected digest.Digest
	// Actual is the digest of the stored content, empty when the entry is absent.
	Actual digest.Digest
}

// Error implements error.
func (e *MismatchError) Error() string {
	if e.Actual == "" {
		return fmt.Sprintf("checksum mismatch for %s: entry missing from archive", e.Name)
	}

	return fmt.Sprintf("checksum mismatch for %s: expected %s, got %s", e.Name, e.Expected, e.Actual)
}

// ContentVerifier checks content against an expected digest.
type ContentVerifier interface {
	// Verify returns nil when content hashes to expected and the actual digest otherwise.
	Verify(expected digest.Digest, content io.Reader) (digest.Digest, error)
}

// DigestVerifier is the go-digest backed ContentVerifier.
type DigestVerifier struct{}

// Verify hashes content with the algorithm of expected.
func (DigestVerifier) Verify(expected digest.Digest, content io.Reader) (digest.Digest, error) {
	algorithm := expected.Algorithm()
	if !algorithm.Available() {
		return "", fmt.Errorf("digest algorithm %q unavailable", algorithm)
	}

	actual, err := algorithm.FromReader(content)
	if err != nil {
		return "", fmt.Errorf("hash content: %w", err)
	}

	if actual != expected {
		return actual, &MismatchError{Expected: expected, Actual: actual}
	}

	return actual, nil
}

// Verifier checks every manifest entry of an archive.
type Verifier struct {
	// src is the archive being verified.
	src archive.Source
	// scratchDir receives the extracted manifest for the duration of Verify.
	scratchDir string
	// content compares entry bytes against expected digests.
	content ContentVerifier
}

// Option customizes a Verifier.
type Option func(*Verifier)

// WithContentVerifier replaces the go-digest comparison.
func WithContentVerifier(cv ContentVerifier) Option {
	return func(v *Verifier) {
		v.content = cv
	}
}

// NewVerifier returns a verifier for src using scratchDir for the manifest copy.
func NewVerifier(src archive.Source, scratchDir string, options ...Option) *Verifier {
	v := &Verifier{
		src:        src,
		scratchDir: scratchDir,
		content:    DigestVerifier{},
	}

	for _, option := range options {
		option(v)
	}

	return v
}

// Verify loads the manifest and checks each listed entry in order.
// It returns the manifest on success, ErrManifestMissing or the first *MismatchError.
func (v *Verifier) Verify(ctx context.Context) (Manifest, error) {
	manifest, err := v.loadManifest(ctx)
	if err != nil {
		return nil, err
	}

	for _, entry := range manifest {
		logger.InfoKV(ctx, "Verifying checksum", "entry", entry.Name)

		if err = v.verifyEntry(entry); err != nil {
			logger.ErrorKV(ctx, "Checksum verification failed", "entry", entry.Name, "error", err)

			return nil, err
		}
	}

	logger.InfoKV(ctx, "All checksums match", "entries", len(manifest))

	return manifest, nil
}

// loadManifest extracts the manifest into the scratch directory, parses it and removes the copy.
func (v *Verifier) loadManifest(ctx context.Context) (Manifest, error) {
	if err := os.MkdirAll(v.scratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch directory: %w", err)
	}

	scratchCopy := filepath.Join(v.scratchDir, update.EntryManifest)

	defer func() {
		_ = os.Remove(scratchCopy)
	}()

	if _, err := archive.Extract(v.src, update.EntryManifest, scratchCopy, manifestMode); err != nil {
		if errors.Is(err, archive.ErrEntryNotFound) {
			return nil, ErrManifestMissing
		}

		return nil, fmt.Errorf("extract manifest: %w", err)
	}

	file, err := os.Open(scratchCopy)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}

	defer func() {
		_ = file.Close()
	}()

	manifest, err := ParseManifest(file)
	if err != nil {
		return nil, err
	}

	logger.DebugKV(ctx, "Loaded checksum manifest", "entries", manifest.Names())

	return manifest, nil
}

// verifyEntry re-opens the entry from the archive and compares its stored bytes.
func (v *Verifier) verifyEntry(entry Entry) error {
	rc, err := v.src.Open(entry.Name)
	if errors.Is(err, archive.ErrEntryNotFound) {
		return &MismatchError{Name: entry.Name, Expected: entry.Digest}
	}

	if err != nil {
		return err
	}

	defer func() {
		_ = rc.Close()
	}()

	actual, err := v.content.Verify(entry.Digest, rc)

	var mismatch *MismatchError
	if errors.As(err, &mismatch) {
		return &MismatchError{Name: entry.Name, Expected: entry.Digest, Actual: actual}
	}

	return err
}

// Compute builds a manifest for the named entries of src.
func Compute(src archive.Source, names ...string) (Manifest, error) {
	manifest := make(Manifest, 0, len(names))

	for _, name := range names {
		rc, err := src.Open(name)
		if err != nil {
			return nil, err
		}

		d, err := digest.SHA256.FromReader(rc)
		_ = rc.Close()

		if err != nil {
			return nil, fmt.Errorf("hash %s: %w", name, err)
		}

		manifest = append(manifest, Entry{Digest: d, Name: name})
	}

	return manifest, nil
}
