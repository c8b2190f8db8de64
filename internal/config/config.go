package config

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oshokin/release-packer/internal/domain/bundle"
)

// Config holds the packaging settings of one project.
type Config struct {
	// AppName names the staging directory under BuildDir. When empty it is
	// resolved from the project's package.json.
	AppName string `yaml:"app_name,omitempty"`
	// BuildDir is the root-relative directory holding the staging tree and the archive.
	BuildDir string `yaml:"build_dir"`
	// ArchiveName is the file name of the produced archive.
	ArchiveName string `yaml:"archive_name"`
	// ArchiveLocation selects where the archive is written: inside BuildDir or at the project root.
	ArchiveLocation string `yaml:"archive_location"`
	// Archiver selects the archive implementation.
	Archiver string `yaml:"archiver"`
	// ArchiveCommand is the executable used by the external archiver.
	ArchiveCommand string `yaml:"archive_command"`
	// InstallScript is the root-relative path of the dependency-install script.
	InstallScript string `yaml:"install_script"`
	// InstallRunner selects how the install script is executed.
	InstallRunner string `yaml:"install_runner"`
	// Exclusions lists root-relative paths that are never packaged.
	Exclusions []string `yaml:"exclusions"`
	// MarkerLifetime is the age after which a leftover run marker is considered stale.
	// It only applies together with StepTimeout; an unbounded run keeps its marker while alive.
	MarkerLifetime time.Duration `yaml:"marker_lifetime"`
	// StepTimeout bounds each external step. Zero means no limit.
	StepTimeout time.Duration `yaml:"step_timeout"`
}

const (
	// DefaultConfigFilename is the default filename for packer settings.
	DefaultConfigFilename = "release-packer.yaml"

	// DefaultBuildDir is the default root-relative build directory.
	DefaultBuildDir = "build"

	// DefaultArchiveName is the default archive file name.
	DefaultArchiveName = "build.zip"

	// DefaultArchiveCommand is the default external compression utility.
	DefaultArchiveCommand = "zip"

	// DefaultInstallScript is the default dependency-install script.
	DefaultInstallScript = "install-deps.sh"

	// DefaultMarkerLifetime is the default age of a stale run marker.
	DefaultMarkerLifetime = 30 * time.Minute

	// DefaultFilePermissions is the default file permission for config files.
	DefaultFilePermissions = 0o600
)

// Archive locations.
const (
	LocationBuild = "build"
	LocationRoot  = "root"
)

// Archivers.
const (
	ArchiverExternal = "external"
	ArchiverBuiltin  = "builtin"
)

// Install runners.
const (
	RunnerShell = "shell"
	RunnerExec  = "exec"
)

var (
	// errConfigIsNotSet is returned when a nil configuration is provided.
	errConfigIsNotSet = errors.New("configuration is not set")

	// ErrInvalidSetting is returned when a setting has an unsupported value.
	ErrInvalidSetting = errors.New("invalid setting")
)

// Default returns settings matching the second revision of the packaging
// layout: archive inside the build directory, config.yml excluded.
func Default() *Config {
	cfg := new(Config)

	//nolint:errcheck // Defaults always validate.
	_ = Validate(cfg)

	return cfg
}

// Load reads configuration from the provided path and validates it.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFilename
	}

	contents, err := os.ReadFile(filepath.Clean(path))
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

// LoadOptional behaves like Load but falls back to Default when the file does not exist.
func LoadOptional(path string) (*Config, bool, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), false, nil
	}

	if err != nil {
		return nil, false, err
	}

	return cfg, true, nil
}

// Save writes settings to the provided path.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if path == "" {
		path = DefaultConfigFilename
	}

	if err := Validate(cfg); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	// Restrict permissions.
	if err = os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// Validate fills defaults and checks the settings for unsupported values.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	setDefaults(cfg)

	if cfg.AppName != "" && !isPlainName(cfg.AppName) {
		return fmt.Errorf("%w: app_name %q must be a single path segment", ErrInvalidSetting, cfg.AppName)
	}

	if !isPlainName(cfg.ArchiveName) {
		return fmt.Errorf("%w: archive_name %q must be a single path segment", ErrInvalidSetting, cfg.ArchiveName)
	}

	if !isRelativeInside(cfg.BuildDir) {
		return fmt.Errorf("%w: build_dir %q must stay inside the project root", ErrInvalidSetting, cfg.BuildDir)
	}

	if !isRelativeInside(cfg.InstallScript) {
		return fmt.Errorf("%w: install_script %q must stay inside the project root", ErrInvalidSetting, cfg.InstallScript)
	}

	if err := oneOf("archive_location", cfg.ArchiveLocation, LocationBuild, LocationRoot); err != nil {
		return err
	}

	if err := oneOf("archiver", cfg.Archiver, ArchiverExternal, ArchiverBuiltin); err != nil {
		return err
	}

	if err := oneOf("install_runner", cfg.InstallRunner, RunnerShell, RunnerExec); err != nil {
		return err
	}

	if cfg.StepTimeout < 0 {
		return fmt.Errorf("%w: step_timeout must not be negative", ErrInvalidSetting)
	}

	return nil
}

// StagingDir returns the root-relative staging directory.
func (c *Config) StagingDir() string {
	return path.Join(c.BuildDir, c.AppName)
}

// ArchivePath returns the root-relative archive path.
func (c *Config) ArchivePath() string {
	if c.ArchiveLocation == LocationRoot {
		return c.ArchiveName
	}

	return path.Join(c.BuildDir, c.ArchiveName)
}

func setDefaults(cfg *Config) {
	cfg.AppName = strings.TrimSpace(cfg.AppName)

	if cfg.BuildDir == "" {
		cfg.BuildDir = DefaultBuildDir
	}

	cfg.BuildDir = path.Clean(filepath.ToSlash(cfg.BuildDir))

	if cfg.ArchiveName == "" {
		cfg.ArchiveName = DefaultArchiveName
	}

	if cfg.ArchiveLocation == "" {
		cfg.ArchiveLocation = LocationBuild
	}

	if cfg.Archiver == "" {
		cfg.Archiver = ArchiverExternal
	}

	if cfg.ArchiveCommand == "" {
		cfg.ArchiveCommand = DefaultArchiveCommand
	}

	if cfg.InstallScript == "" {
		cfg.InstallScript = DefaultInstallScript
	}

	cfg.InstallScript = path.Clean(filepath.ToSlash(cfg.InstallScript))

	if cfg.InstallRunner == "" {
		cfg.InstallRunner = RunnerShell
	}

	if cfg.Exclusions == nil {
		cfg.Exclusions = bundle.DefaultExclusions()
	}

	if cfg.MarkerLifetime <= 0 {
		cfg.MarkerLifetime = DefaultMarkerLifetime
	}
}

func oneOf(name, value string, allowed ...string) error {
	if slices.Contains(allowed, value) {
		return nil
	}

	return fmt.Errorf("%w: %s %q, expected one of %s", ErrInvalidSetting, name, value, strings.Join(allowed, ", "))
}

func isPlainName(name string) bool {
	return name != "." && name != ".." && !strings.ContainsAny(name, `/\`)
}

func isRelativeInside(p string) bool {
	if p == "." || path.IsAbs(p) || filepath.IsAbs(p) {
		return false
	}

	return p != ".." && !strings.HasPrefix(p, "../")
}
