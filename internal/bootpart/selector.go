package bootpart

import (
	"context"
	"errors"
	"fmt"

	"github.com/oshokin/kobo-updater/internal/hwcfg"
	"github.com/oshokin/kobo-updater/internal/logger"
	"github.com/oshokin/kobo-updater/internal/partition"
)

// Role names which filesystem the device boots next.
type Role string

const (
	// RoleRecovery boots the recovery filesystem, where stage2 runs.
	RoleRecovery Role = "recovery"
	// RoleRoot boots the primary root filesystem.
	RoleRoot Role = "root"
)

// ErrUnknownRole is returned for a role other than recovery and root.
var ErrUnknownRole = errors.New("unknown boot role")

// ParseRole converts a command line argument to a Role.
func ParseRole(s string) (Role, error) {
	switch role := Role(s); role {
	case RoleRecovery, RoleRoot:
		return role, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
	}
}

// Store keeps integer settings read by the bootloader.
type Store interface {
	SetInt(ctx context.Context, key string, value int) error
}

// Selector writes the boot partition number of a role.
type Selector struct {
	// resolver finds the device node of a label.
	resolver partition.Resolver
	// store receives BootPartNo.
	store Store
	// labels maps each role to its partition label.
	labels map[Role]string
}

// NewSelector returns a Selector. labels is keyed by role name, as in the configuration.
func NewSelector(resolver partition.Resolver, store Store, labels map[string]string) *Selector {
	roles := map[Role]string{
		RoleRecovery: "recovery",
		RoleRoot:     "system_a",
	}

	for role, label := range labels {
		if label != "" {
			roles[Role(role)] = label
		}
	}

	return &Selector{
		resolver: resolver,
		store:    store,
		labels:   roles,
	}
}

// SetBootPartition points the bootloader at the partition of role.
func (s *Selector) SetBootPartition(ctx context.Context, role Role) error {
	if role != RoleRecovery && role != RoleRoot {
		return fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}

	label := s.labels[role]

	device, err := s.resolver.Resolve(label)
	if err != nil {
		return fmt.Errorf("resolve %s partition: %w", role, err)
	}

	number, err := partition.Number(device)
	if err != nil {
		return fmt.Errorf("%s partition number: %w", role, err)
	}

	logger.InfoKV(ctx, "Setting boot partition", "role", role, "label", label, "device", device, "number", number)

	if err = s.store.SetInt(ctx, hwcfg.KeyBootPartNo, number); err != nil {
		return fmt.Errorf("set %s: %w", hwcfg.KeyBootPartNo, err)
	}

	return nil
}
