package checksum

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/opencontainers/go-digest"
	"github.com/samber/lo"

	"github.com/oshokin/kobo-updater/internal/archive"

	// Register sha256 for go-digest.
	_ "crypto/sha256"
)

var (
	// ErrMalformedManifest is returned for a manifest line that is not "<hex> <name>".
	ErrMalformedManifest = errors.New("malformed checksum manifest")
	// ErrDuplicateEntry is returned when a manifest names the same entry twice.
	ErrDuplicateEntry = errors.New("duplicate manifest entry")
)

// Entry is one line of a checksum manifest.
type Entry struct {
	// Digest is the expected content digest.
	Digest digest.Digest
	// Name is the archive entry the digest covers.
	Name string
}

// Manifest is an ordered list of checksum entries.
type Manifest []Entry

// ParseManifest reads a sha256sum style manifest.
// Blank lines are skipped and a "*" binary marker in front of the name is accepted.
func ParseManifest(r io.Reader) (Manifest, error) {
	var (
		manifest Manifest
		scanner  = bufio.NewScanner(r)
		lineNo   int
	)

	for scanner.Scan() {
		lineNo++

		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		entry, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}

		manifest = append(manifest, entry)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	duplicates := lo.FindDuplicatesBy(manifest, func(e Entry) string {
		return archive.NormalizeName(e.Name)
	})
	if len(duplicates) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateEntry, duplicates[0].Name)
	}

	return manifest, nil
}

func parseLine(line string) (Entry, error) {
	idx := strings.IndexAny(line, " \t")
	if idx <= 0 {
		return Entry{}, fmt.Errorf("%w: %q", ErrMalformedManifest, line)
	}

	hexDigest := strings.ToLower(line[:idx])
	name := strings.TrimPrefix(strings.TrimLeft(line[idx:], " \t"), "*")

	if name == "" {
		return Entry{}, fmt.Errorf("%w: no file name in %q", ErrMalformedManifest, line)
	}

	d := digest.NewDigestFromEncoded(digest.SHA256, hexDigest)
	if err := d.Validate(); err != nil {
		return Entry{}, fmt.Errorf("%w: %w", ErrMalformedManifest, err)
	}

	return Entry{
		Digest: d,
		Name:   name,
	}, nil
}

// Names returns the entry names in manifest order.
func (m Manifest) Names() []string {
	return lo.Map(m, func(e Entry, _ int) string {
		return e.Name
	})
}

// WriteTo writes the manifest in sha256sum format.
func (m Manifest) WriteTo(w io.Writer) (int64, error) {
	var total int64

	for _, entry := range m {
		n, err := fmt.Fprintf(w, "%s  %s\n", entry.Digest.Encoded(), entry.Name)
		total += int64(n)

		if err != nil {
			return total, err
		}
	}

	return total, nil
}
