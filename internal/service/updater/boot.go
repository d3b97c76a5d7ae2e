package updater

import (
	"context"

	"github.com/oshokin/kobo-updater/internal/bootpart"
	"github.com/oshokin/kobo-updater/internal/config"
	"github.com/oshokin/kobo-updater/internal/hwcfg"
	"github.com/oshokin/kobo-updater/internal/logger"
)

// SelectBoot points the bootloader at the partition of role without applying an archive.
func SelectBoot(ctx context.Context, cfg *config.Config, role string) error {
	return selectBoot(ctx, cfg, role, defaultHooks())
}

func selectBoot(ctx context.Context, cfg *config.Config, role string, h hooks) error {
	ctx = logger.WithName(ctx, "set-boot")

	parsed, err := bootpart.ParseRole(role)
	if err != nil {
		return err
	}

	if err = h.guard(ctx); err != nil {
		return err
	}

	defer h.sync()

	resolver := newResolver(cfg)
	selector := bootpart.NewSelector(resolver, hwcfg.NewStore(resolver, cfg.HWConfigLabel), cfg.BootLabels)

	return selector.SetBootPartition(ctx, parsed)
}
