package partition

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
)

var (
	// ErrPartitionMissing is returned when a label has no device node.
	ErrPartitionMissing = errors.New("partition missing")
	// ErrNoPartitionNumber is returned for a device path without trailing digits.
	ErrNoPartitionNumber = errors.New("device path has no partition number")
)

// trailingDigits matches the partition number at the end of a device path.
var trailingDigits = regexp.MustCompile(`(\d+)$`)

// Resolver maps a partition label to the canonical path of its device node.
type Resolver interface {
	Resolve(label string) (string, error)
}

// ByLabel resolves labels through a directory of udev symlinks.
type ByLabel struct {
	// dir holds one symlink per label, e.g. /dev/disk/by-label.
	dir string
}

// NewByLabel returns a resolver for the by-label directory under rootDir.
func NewByLabel(rootDir, byLabelDir string) *ByLabel {
	return &ByLabel{
		dir: filepath.Join(rootDir, byLabelDir),
	}
}

// Resolve follows the label symlink to the device node.
func (b *ByLabel) Resolve(label string) (string, error) {
	if label == "" || filepath.Base(label) != label {
		return "", fmt.Errorf("%w: invalid label %q", ErrPartitionMissing, label)
	}

	link := filepath.Join(b.dir, label)

	target, err := filepath.EvalSymlinks(link)
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrPartitionMissing, label)
	}

	if err != nil {
		return "", fmt.Errorf("cannot read device link %s: %w", link, err)
	}

	return target, nil
}

// Table resolves labels from a fixed label to device node map.
// Device nodes that do not exist count as missing partitions.
type Table map[string]string

// Resolve looks the label up and checks that the node exists.
func (t Table) Resolve(label string) (string, error) {
	node, ok := t[label]
	if !ok || node == "" {
		return "", fmt.Errorf("%w: %s", ErrPartitionMissing, label)
	}

	target, err := filepath.EvalSymlinks(node)
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s (%s)", ErrPartitionMissing, label, node)
	}

	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", node, err)
	}

	return target, nil
}

// Chain tries each resolver in order. Only ErrPartitionMissing moves on to the next one.
type Chain []Resolver

// Resolve returns the first successful resolution.
func (c Chain) Resolve(label string) (string, error) {
	err := fmt.Errorf("%w: %s", ErrPartitionMissing, label)

	for _, resolver := range c {
		var node string

		node, err = resolver.Resolve(label)
		if err == nil {
			return node, nil
		}

		if !errors.Is(err, ErrPartitionMissing) {
			return "", err
		}
	}

	return "", err
}

// Number extracts the partition number from the end of a device path,
// e.g. 11 for /dev/mmcblk0p11.
func Number(device string) (int, error) {
	match := trailingDigits.FindString(filepath.Base(device))
	if match == "" {
		return 0, fmt.Errorf("%w: %s", ErrNoPartitionNumber, device)
	}

	n, err := strconv.Atoi(match)
	if err != nil {
		return 0, fmt.Errorf("parse partition number of %s: %w", device, err)
	}

	return n, nil
}
