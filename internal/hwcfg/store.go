package hwcfg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/oshokin/kobo-updater/internal/logger"
	"github.com/oshokin/kobo-updater/internal/partition"
)

// KeyBootPartNo selects the partition the bootloader starts next.
const KeyBootPartNo = "BootPartNo"

// Store persists the hardware configuration on the partition with the given label.
type Store struct {
	// resolver finds the device node of the partition.
	resolver partition.Resolver
	// label is the partition label, usually "hwcfg".
	label string
}

// NewStore returns a store kept on the partition labelled label.
func NewStore(resolver partition.Resolver, label string) *Store {
	return &Store{
		resolver: resolver,
		label:    label,
	}
}

// Load reads the store from the partition.
func (s *Store) Load(_ context.Context) (*Blob, error) {
	device, err := s.resolver.Resolve(s.label)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(device)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", device, err)
	}

	defer func() {
		_ = file.Close()
	}()

	data := make([]byte, BlobSize)

	n, err := io.ReadFull(file, data)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read %s: %w", device, err)
	}

	return Decode(data[:n]), nil
}

// Save writes the store to the start of the partition and flushes it.
func (s *Store) Save(ctx context.Context, blob *Blob) error {
	data, err := blob.Encode()
	if err != nil {
		return err
	}

	device, err := s.resolver.Resolve(s.label)
	if err != nil {
		return err
	}

	file, err := os.OpenFile(device, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", device, err)
	}

	_, err = file.WriteAt(data, 0)
	if err = errors.Join(err, file.Sync(), file.Close()); err != nil {
		return fmt.Errorf("write %s: %w", device, err)
	}

	logger.DebugKV(ctx, "Saved hardware configuration", "device", device)

	return nil
}

// GetInt returns the integer stored under key. The bool is false when the key is absent.
func (s *Store) GetInt(ctx context.Context, key string) (int, bool, error) {
	blob, err := s.Load(ctx)
	if err != nil {
		return 0, false, err
	}

	value, ok := blob.Get(key)
	if !ok {
		return 0, false, nil
	}

	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, true, fmt.Errorf("%s is not a number: %w", key, err)
	}

	return n, true, nil
}

// SetInt stores an integer under key, keeping every other entry.
func (s *Store) SetInt(ctx context.Context, key string, value int) error {
	blob, err := s.Load(ctx)
	if err != nil {
		return err
	}

	blob.Set(key, strconv.Itoa(value))

	return s.Save(ctx, blob)
}
