package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ImageTarget binds an archive entry to the partition label it is flashed to.
type ImageTarget struct {
	// Entry is the archive entry name, e.g. "vendor.img".
	Entry string `yaml:"entry"`
	// Label is the by-label name of the target partition, e.g. "vendor".
	Label string `yaml:"label"`
}

// Stage2Config lists what the recovery stage flashes.
type Stage2Config struct {
	// FlashRootfs enables the root filesystem slot. Off by default.
	FlashRootfs bool `yaml:"flash_rootfs"`
	// Rootfs is the root filesystem image and its partition.
	Rootfs ImageTarget `yaml:"rootfs"`
	// RecoveryRootfsImage is a raw image baked into the recovery environment,
	// flashed when the archive carries no root filesystem. Empty disables it.
	RecoveryRootfsImage string `yaml:"recovery_rootfs_image"`
	// OptionalImages are flashed when present in the archive and skipped otherwise.
	OptionalImages []ImageTarget `yaml:"optional_images"`
}

// OverlayConfig controls the in-place overlay applied by stage1.
type OverlayConfig struct {
	// StateFile records the digest of the last applied overlay, relative to RootDir.
	StateFile string `yaml:"state_file"`
	// InstallLog is appended with revision information after each application,
	// relative to RootDir.
	InstallLog string `yaml:"install_log"`
	// RevisionFile holds the device revision, relative to RootDir.
	RevisionFile string `yaml:"revision_file"`
}

// PackConfig controls the pack stage.
type PackConfig struct {
	// WorkDir is where the pre-built overlay is looked up. Defaults to the current directory.
	WorkDir string `yaml:"work_dir"`
	// Source is the uncompressed overlay file name inside WorkDir.
	Source string `yaml:"source"`
	// Driver is the executable bundled into the archive. Defaults to the running updater.
	Driver string `yaml:"driver"`
	// Output is the archive to create. Defaults to a file next to the input archive.
	Output string `yaml:"output"`
}

// Config holds the settings of a single updater run.
type Config struct {
	// ScratchDir holds the staged decompressor and transient files.
	ScratchDir string `yaml:"scratch_dir"`
	// RootDir is the root of the live filesystem, overlays are applied onto it.
	RootDir string `yaml:"root_dir"`
	// ByLabelDir is the udev directory of partition label symlinks, relative to RootDir.
	ByLabelDir string `yaml:"by_label_dir"`
	// Partitions overrides label resolution with explicit device nodes.
	Partitions map[string]string `yaml:"partitions"`
	// HWConfigLabel is the label of the hardware-configuration partition.
	HWConfigLabel string `yaml:"hwcfg_label"`
	// BootLabels maps a boot role (recovery, root) to a partition label.
	BootLabels map[string]string `yaml:"boot_labels"`
	// ImageCodec replaces the staged decompressor with a built-in codec when set.
	ImageCodec string `yaml:"image_codec"`
	// LogLevel is the minimum level of console output.
	LogLevel string `yaml:"log_level"`
	// Stage2 lists the recovery stage images.
	Stage2 Stage2Config `yaml:"stage2"`
	// Overlay controls stage1.
	Overlay OverlayConfig `yaml:"overlay"`
	// Pack controls the pack stage.
	Pack PackConfig `yaml:"pack"`
}

const (
	// DefaultConfigFilename is where the updater looks for its settings.
	DefaultConfigFilename = "/etc/kobo-updater.yaml"

	// DefaultScratchDir holds the staged decompressor and the extracted manifest.
	DefaultScratchDir = "/tmp/kobo-updater"

	// DefaultByLabelDir is the udev label directory.
	DefaultByLabelDir = "/dev/disk/by-label"

	// DefaultHWConfigLabel is the label of the hardware-configuration partition.
	DefaultHWConfigLabel = "hwcfg"

	// DefaultStateFile records the last applied overlay. It lives on user storage
	// so it survives a root filesystem reflash.
	DefaultStateFile = "/mnt/onboard/.kobo/updater-state.yaml"

	// DefaultInstallLog is appended after an overlay application.
	DefaultInstallLog = "/mnt/onboard/.kobo/install.log"

	// DefaultRevisionFile holds the device revision string.
	DefaultRevisionFile = "/mnt/onboard/.kobo/version"

	// DefaultPackSource is the pre-built overlay looked up by the pack stage.
	DefaultPackSource = "KoboRoot.tar"

	// DefaultPackOutputName is the archive name produced by the pack stage.
	DefaultPackOutputName = "update-packed.tar"

	// DefaultFilePermissions is used for state and log files.
	DefaultFilePermissions = 0o644
)

var (
	// errConfigIsNotSet is returned when a nil configuration is provided.
	errConfigIsNotSet = errors.New("configuration is not set")
	// errRelativeScratch is returned when the scratch directory is not absolute.
	errRelativeScratch = errors.New("scratch directory must be an absolute path")
	// errIncompleteTarget is returned for an image target missing its entry or label.
	errIncompleteTarget = errors.New("image target needs both entry and label")
	// errUnknownBootRole is returned for boot_labels keys other than recovery and root.
	errUnknownBootRole = errors.New("unknown boot role")
)

// Default returns a validated configuration with every default filled in.
func Default() *Config {
	cfg := new(Config)

	// Validate cannot fail on an empty configuration.
	_ = Validate(cfg)

	return cfg
}

// Load reads configuration from the provided path and validates it.
// A missing file is not an error: the defaults are returned.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFilename
	}

	contents, err := os.ReadFile(filepath.Clean(path))
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}

	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	var cfg Config
	if err = yaml.Unmarshal(contents, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	if err = Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Dump writes the configuration as YAML.
func Dump(w io.Writer, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)

	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	return encoder.Close()
}

// Validate checks the provided settings and fills in defaults.
//
//nolint:cyclop // A flat list of defaults reads better than helpers.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if cfg.ScratchDir == "" {
		cfg.ScratchDir = DefaultScratchDir
	}

	if !filepath.IsAbs(cfg.ScratchDir) {
		return fmt.Errorf("%w: %q", errRelativeScratch, cfg.ScratchDir)
	}

	if cfg.RootDir == "" {
		cfg.RootDir = "/"
	}

	if cfg.ByLabelDir == "" {
		cfg.ByLabelDir = DefaultByLabelDir
	}

	if cfg.HWConfigLabel == "" {
		cfg.HWConfigLabel = DefaultHWConfigLabel
	}

	if cfg.BootLabels == nil {
		cfg.BootLabels = make(map[string]string, 2)
	}

	for role := range cfg.BootLabels {
		if role != "recovery" && role != "root" {
			return fmt.Errorf("%w: %q", errUnknownBootRole, role)
		}
	}

	if cfg.BootLabels["recovery"] == "" {
		cfg.BootLabels["recovery"] = "recovery"
	}

	if cfg.BootLabels["root"] == "" {
		cfg.BootLabels["root"] = "system_a"
	}

	cfg.ImageCodec = strings.ToLower(strings.TrimSpace(cfg.ImageCodec))

	if cfg.Stage2.Rootfs.Entry == "" {
		cfg.Stage2.Rootfs.Entry = "rootfs.img"
	}

	if cfg.Stage2.Rootfs.Label == "" {
		cfg.Stage2.Rootfs.Label = cfg.BootLabels["root"]
	}

	if cfg.Stage2.OptionalImages == nil {
		cfg.Stage2.OptionalImages = []ImageTarget{{Entry: "vendor.img", Label: "vendor"}}
	}

	for _, target := range cfg.Stage2.OptionalImages {
		if target.Entry == "" || target.Label == "" {
			return fmt.Errorf("%w: %+v", errIncompleteTarget, target)
		}
	}

	if cfg.Overlay.StateFile == "" {
		cfg.Overlay.StateFile = DefaultStateFile
	}

	if cfg.Overlay.InstallLog == "" {
		cfg.Overlay.InstallLog = DefaultInstallLog
	}

	if cfg.Overlay.RevisionFile == "" {
		cfg.Overlay.RevisionFile = DefaultRevisionFile
	}

	if cfg.Pack.Source == "" {
		cfg.Pack.Source = DefaultPackSource
	}

	if cfg.Pack.WorkDir == "" {
		cfg.Pack.WorkDir = "."
	}

	return nil
}
