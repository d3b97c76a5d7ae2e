package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/kobo-updater/internal/config"
	"github.com/oshokin/kobo-updater/internal/domain/update"
	"github.com/oshokin/kobo-updater/internal/logger"
	"github.com/oshokin/kobo-updater/internal/service/updater"
	"github.com/oshokin/kobo-updater/internal/version"
)

var (
	// configPath to the configuration YAML file.
	configPath string

	// logLevel overrides the level from the configuration file.
	logLevel string

	// settings are loaded once the flags are parsed.
	settings *config.Config

	errUnknownLogLevel = errors.New("unknown log level")

	// rootCmd applies an update archive for the given stage.
	rootCmd = &cobra.Command{
		Use:   "kobo-updater <archive> <" + strings.Join(update.Stages(), "|") + "> [product]",
		Short: "Apply a firmware update archive",
		Long: "Verify an update archive and run one stage of the update: stage1 applies the overlay " +
			"onto the running system, stage2 flashes partitions from recovery, pack builds a new archive. " +
			"The product defaults to $" + update.ProductEnv + ", then to " + update.DefaultProduct + ".",
		Args:              cobra.RangeArgs(2, 3), //nolint:mnd // archive, stage and optional product.
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: loadSettings,
		RunE: func(_ *cobra.Command, args []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			options := &updater.Options{
				ArchivePath: args[0],
				Stage:       args[1],
				Config:      settings,
			}

			if len(args) > 2 { //nolint:mnd // Third argument is the product.
				options.Product = args[2]
			}

			return updater.Run(ctx, options)
		},
	}

	// setBootCmd switches the boot partition without an archive.
	setBootCmd = &cobra.Command{
		Use:       "set-boot <recovery|root>",
		Short:     "Select the partition the device boots next",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"recovery", "root"},
		RunE: func(_ *cobra.Command, args []string) error {
			return updater.SelectBoot(context.Background(), settings, args[0])
		},
	}

	// configCmd prints the effective configuration.
	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return config.Dump(cmd.OutOrStdout(), settings)
		},
	}
)

// Execute runs the kobo-updater CLI and exits with non-zero status on error.
// Stage1 always ends here with status 1.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)
	rootCmd.AddCommand(setBootCmd, configCmd)

	err := rootCmd.Execute()
	if err != nil {
		reportError(logger.WithName(context.Background(), "kobo-updater"), err)
	}

	logger.Flush()

	if err != nil {
		os.Exit(1)
	}
}

// reportError logs the error that ends the run. The stage1 halt is the expected
// outcome of stage1, so it is not reported as a failure.
func reportError(ctx context.Context, err error) {
	if errors.Is(err, updater.ErrStage1Halted) {
		logger.Info(ctx, "Stage1 finished, exiting with status 1 to reboot into recovery")

		return
	}

	logger.ErrorKV(ctx, "Update aborted", "error", err)
}

// loadSettings reads the configuration and applies the log level.
func loadSettings(cmd *cobra.Command, _ []string) error {
	if cmd.Name() == "version" {
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level := cfg.LogLevel
	if cmd.Flags().Changed("log-level") || level == "" {
		level = logLevel
	}

	parsed, ok := logger.ParseLogLevel(level)
	if !ok {
		return fmt.Errorf("%w: %q", errUnknownLogLevel, level)
	}

	logger.SetLevel(parsed)

	settings = cfg

	return nil
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	// Setup command flags with consistent naming and descriptions.
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultConfigFilename, "path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "minimum log level: debug, info, warn or error")
}
