package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HyphaGroup/colloquy/internal/config"
)

func TestLoadConfigFromDir(t *testing.T) {
	home := t.TempDir()
	_, err := config.WriteStarter(home)
	require.NoError(t, err)

	cfg, fromFile, err := loadConfig(home)
	require.NoError(t, err)
	assert.True(t, fromFile)
	assert.Equal(t, ":3001", cfg.Server.Address)
	assert.Len(t, cfg.Drivers, 4)
}

func TestLoadConfigMissingDir(t *testing.T) {
	_, _, err := loadConfig(t.TempDir())
	assert.Error(t, err)
}

func TestLoadConfigFallsBackToDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv(config.HomeEnv, home)
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())

	cfg, fromFile, err := loadConfig("")
	require.NoError(t, err)
	assert.False(t, fromFile)
	assert.Equal(t, home, cfg.Home)
}

func TestLoadConfigMalformedIsError(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(home, "config"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(home, "config", config.FileName), []byte("{oops"), 0o644))
	t.Setenv(config.HomeEnv, home)

	_, _, err := loadConfig("")
	assert.Error(t, err)
}

func TestResolveHome(t *testing.T) {
	dir := t.TempDir()
	got, err := resolveHome(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, got)

	t.Setenv(config.HomeEnv, "")
	t.Setenv("HOME", "/home/someone")
	got, err = resolveHome("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/home/someone", ".colloquy"), got)
}
