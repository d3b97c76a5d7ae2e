package updater

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mitchellh/go-ps"
	"github.com/samber/lo"

	"github.com/oshokin/kobo-updater/internal/logger"
)

// commLength is how much of an executable name the kernel keeps in the process table.
const commLength = 15

var errUpdaterAlreadyRunning = errors.New("the updater is already running")

// ensureSingleInstance fails when another process runs the same executable.
func ensureSingleInstance(ctx context.Context) error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate updater executable: %w", err)
	}

	name := lo.Substring(filepath.Base(self), 0, commLength)

	logger.DebugKV(ctx, "Checking for another updater process", "executable", name)

	processes, err := ps.Processes()
	if err != nil {
		return fmt.Errorf("list processes: %w", err)
	}

	other, found := lo.Find(processes, func(process ps.Process) bool {
		return process.Pid() != os.Getpid() && process.Pid() != os.Getppid() && process.Executable() == name
	})
	if found {
		return fmt.Errorf("%w: pid %d", errUpdaterAlreadyRunning, other.Pid())
	}

	return nil
}
