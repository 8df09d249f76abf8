package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, validate(Default()))
}

func TestLoadNoFilesReturnsDefaults(t *testing.T) {
	dir := t.TempDir()

	cfg, sources, err := Load(dir, "", nil)
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
	require.Empty(t, sources.Project)
}

func TestLoadProjectOverridesDefaults(t *testing.T) {
	dir := t.TempDir()

	content := `{
  // JSONC comments are fine
  "page_size": 1048576,
  "transporter_mode": "batch",
}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(content), 0o644))

	cfg, sources, err := Load(dir, "", nil)
	require.NoError(t, err)
	require.Equal(t, 1048576, cfg.PageSize)
	require.Equal(t, ModeBatch, cfg.TransporterMode)
	require.NotEmpty(t, sources.Project)
	// Unset fields still come from defaults.
	require.Equal(t, Default().BloomFalsePositiveRate, cfg.BloomFalsePositiveRate)
}

func TestLoadExplicitConfigMustExist(t *testing.T) {
	dir := t.TempDir()

	_, _, err := Load(dir, "missing.jsonc", nil)
	require.Error(t, err)
}

func TestLoadRejectsInvalidTransporterMode(t *testing.T) {
	dir := t.TempDir()

	content := `{"transporter_mode": "nonsense"}`
	path := filepath.Join(dir, "cfg.jsonc")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	_, _, err := Load(dir, path, nil)
	require.Error(t, err)
}
