package overlay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/opencontainers/go-digest"

	"github.com/oshokin/kobo-updater/internal/config"
	"github.com/oshokin/kobo-updater/internal/logger"
)

// UnknownRevision is logged when the device has no revision file.
const UnknownRevision = "unknown"

// InstallEntry is one line of the install log.
type InstallEntry struct {
	// Time is when the overlay finished applying.
	Time time.Time
	// Product and Family identify the device.
	Product string
	Family  string
	// Revision is the device revision before the update.
	Revision string
	// Digest identifies the overlay.
	Digest digest.Digest
	// Version is the updater version.
	Version string
}

// String renders the entry as a single log line.
func (e InstallEntry) String() string {
	return fmt.Sprintf("%s product=%s family=%s revision=%s overlay=%s updater=%s",
		e.Time.UTC().Format(time.RFC3339), e.Product, e.Family, e.Revision, e.Digest, e.Version)
}

// Digest returns the sha256 digest of the file at filename.
func Digest(filename string) (digest.Digest, error) {
	file, err := os.Open(filepath.Clean(filename))
	if err != nil {
		return "", fmt.Errorf("open overlay: %w", err)
	}

	defer func() {
		_ = file.Close()
	}()

	dgst, err := digest.SHA256.FromReader(file)
	if err != nil {
		return "", fmt.Errorf("digest overlay: %w", err)
	}

	return dgst, nil
}

// ReadRevision returns the first line of the revision file, or UnknownRevision.
func ReadRevision(filename string) string {
	file, err := os.Open(filepath.Clean(filename))
	if err != nil {
		return UnknownRevision
	}

	defer func() {
		_ = file.Close()
	}()

	scanner := bufio.NewScanner(file)
	if !scanner.Scan() {
		return UnknownRevision
	}

	revision := strings.TrimSpace(scanner.Text())
	if revision == "" {
		return UnknownRevision
	}

	return revision
}

// AppendInstallLog appends entry to the log at filename, creating it when needed.
func AppendInstallLog(ctx context.Context, filename string, entry InstallEntry) error {
	filename = filepath.Clean(filename)

	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return fmt.Errorf("create install log directory: %w", err)
	}

	lock := flock.New(filename + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock install log: %w", err)
	}

	defer func() {
		_ = lock.Unlock()
	}()

	file, err := os.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_APPEND, config.DefaultFilePermissions)
	if err != nil {
		return fmt.Errorf("open install log: %w", err)
	}

	line := entry.String()

	_, err = file.WriteString(line + "\n")
	if err = errors.Join(err, file.Sync(), file.Close()); err != nil {
		return fmt.Errorf("write install log: %w", err)
	}

	logger.InfoKV(ctx, "Recorded installation", "log", filename, "entry", line)

	return nil
}
