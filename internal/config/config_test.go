package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestValidate checks defaulting behavior and the nil-config error.
func TestValidate(t *testing.T) {
	t.Parallel()

	require.Error(t, Validate(nil))

	cfg := new(Config)
	require.NoError(t, Validate(cfg))
	require.Equal(t, DefaultOutputDir, cfg.OutputDir)
	require.Equal(t, DefaultToolTimeout, cfg.ToolTimeout)

	// Explicit values survive validation.
	cfg = &Config{
		OutputDir:   "dist",
		ToolTimeout: time.Minute,
	}
	require.NoError(t, Validate(cfg))
	require.Equal(t, "dist", cfg.OutputDir)
	require.Equal(t, time.Minute, cfg.ToolTimeout)
}

// TestSaveLoadRoundtrip ensures settings are persisted and loaded back correctly.
func TestSaveLoadRoundtrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")

	cfg := &Config{
		SigningKeyPath: "/keys/release-signing.key",
		PublicKeyPath:  "/keys/release-signing.pub",
		Version:        "2.1.0",
		SkipGates:      true,
		OutputDir:      "dist",
	}

	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.SigningKeyPath, loaded.SigningKeyPath)
	require.Equal(t, cfg.PublicKeyPath, loaded.PublicKeyPath)
	require.Equal(t, cfg.Version, loaded.Version)
	require.True(t, loaded.SkipGates)
	require.Equal(t, DefaultToolTimeout, loaded.ToolTimeout)
}
