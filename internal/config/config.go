package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the settings shared by the release-builder and update-applier
// binaries. It is constructed once at process start and passed into services;
// no component reads ambient environment state directly.
type Config struct {
	// SigningKeyPath selects the private key used by the signer.
	SigningKeyPath string `yaml:"signing_key"`
	// PublicKeyPath selects the pinned public key used by the verifier.
	PublicKeyPath string `yaml:"public_key"`
	// Version is the configured release version. It ranks below an explicit
	// override and above the project VERSION marker file.
	Version string `yaml:"version"`
	// SkipGates bypasses the acceptance gate stage. The bypass is recorded
	// in the release manifest so it can never be mistaken for a passed check.
	SkipGates bool `yaml:"skip_gates"`
	// Kinds lists the artifact kinds to package. When empty, the standard
	// kinds are built.
	Kinds []string `yaml:"kinds"`
	// OutputDir is where a published release lands.
	OutputDir string `yaml:"output_dir"`
	// StagingDir is the base directory for in-flight build output. When empty,
	// staging happens next to OutputDir so the final rename stays on one filesystem.
	StagingDir string `yaml:"staging_dir"`
	// InstallDir is where the update-applier unpacks verified bundle contents.
	InstallDir string `yaml:"install_dir"`
	// ToolTimeout bounds every signing and verification invocation.
	ToolTimeout time.Duration `yaml:"tool_timeout"`
}

const (
	// DefaultConfigFilename is the default filename for pipeline settings.
	DefaultConfigFilename = "release-pipeline.yaml"

	// DefaultOutputDir is the default published artifacts directory.
	DefaultOutputDir = "artifacts"

	// DefaultToolTimeout is the default bound for signing and verification calls.
	DefaultToolTimeout = 30 * time.Second

	// DefaultFilePermissions is the default file permission for config files.
	DefaultFilePermissions = 0o600
)

// errConfigIsNotSet is returned when a nil configuration is provided.
var errConfigIsNotSet = errors.New("configuration is not set")

// Load reads configuration from the provided path and validates essential fields.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFilename
	}

	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(contents, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes the configuration to the provided path.
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
	if err := os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// Validate checks the provided configuration and fills defaults.
// Key paths are validated by the component that needs them: the builder
// requires a signing key, the applier a public key.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if cfg.OutputDir == "" {
		cfg.OutputDir = DefaultOutputDir
	}

	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = DefaultToolTimeout
	}

	return nil
}
