package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"gopkg.in/yaml.v3"

	"github.com/oshokin/kobo-updater/internal/config"
	"github.com/oshokin/kobo-updater/internal/domain/update"
)

// Repository defines persistence operations for the overlay record.
type Repository interface {
	Load(ctx context.Context) (*update.OverlayRecord, error)
	Save(ctx context.Context, record *update.OverlayRecord) error
}

// FileRepository persists the overlay record to a YAML file on disk.
type FileRepository struct {
	// path is the filesystem location of the YAML state file.
	path string
	// lock guards the state file across processes.
	lock *flock.Flock
}

var (
	// ErrNotFound is returned when no overlay has been recorded yet.
	ErrNotFound = errors.New("state not found")
	// errRecordIsNotSet is returned when Save gets a nil record.
	errRecordIsNotSet = errors.New("overlay record is not set")
)

// NewFileRepository creates a repository that reads/writes YAML at the provided path.
func NewFileRepository(path string) *FileRepository {
	path = filepath.Clean(path)

	return &FileRepository{
		path: path,
		lock: flock.New(path + ".lock"),
	}
}

// Path returns the location of the state file.
func (r *FileRepository) Path() string {
	return r.path
}

// Load reads the record under a shared lock. An empty file counts as not found.
func (r *FileRepository) Load(_ context.Context) (*update.OverlayRecord, error) {
	// The lock file sits next to the state file, so nothing is locked until the state exists.
	if _, err := os.Stat(r.path); errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}

	if err := r.lock.RLock(); err != nil {
		return nil, fmt.Errorf("lock state file: %w", err)
	}

	defer func() {
		_ = r.lock.Unlock()
	}()

	contents, err := os.ReadFile(r.path)
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var record update.OverlayRecord
	if err = yaml.Unmarshal(contents, &record); err != nil {
		return nil, fmt.Errorf("decode state file: %w", err)
	}

	if record.Digest == "" {
		return nil, ErrNotFound
	}

	return &record, nil
}

// Save writes the record under an exclusive lock and flushes it to disk.
func (r *FileRepository) Save(_ context.Context, record *update.OverlayRecord) error {
	if record == nil {
		return errRecordIsNotSet
	}

	data, err := yaml.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	if err = os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	if err = r.lock.Lock(); err != nil {
		return fmt.Errorf("lock state file: %w", err)
	}

	defer func() {
		_ = r.lock.Unlock()
	}()

	file, err := os.OpenFile(r.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, config.DefaultFilePermissions)
	if err != nil {
		return fmt.Errorf("open state file: %w", err)
	}

	_, err = file.Write(data)
	if err = errors.Join(err, file.Sync(), file.Close()); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}

	return nil
}
