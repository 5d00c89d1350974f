package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 1<<20, cfg.ChunkSize)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFile(t *testing.T) {
	name := filepath.Join(t.TempDir(), "imgwalk.yaml")
	require.NoError(t, os.WriteFile(name, []byte(
		"sector_size: 4096\ncase_id: CASE-7\nallow_offset_zero_fallback: true\nworkers: 2\n"), 0600))

	cfg, err := Load(name)
	require.NoError(t, err)
	assert.Equal(t, 4096, cfg.SectorSize)
	assert.Equal(t, "CASE-7", cfg.CaseID)
	assert.True(t, cfg.AllowOffsetZeroFallback)
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, DefaultChunkSize, cfg.ChunkSize)
	assert.Equal(t, "examiner", cfg.Actor)
}

func TestLoadHashSwitch(t *testing.T) {
	name := filepath.Join(t.TempDir(), "imgwalk.yaml")
	require.NoError(t, os.WriteFile(name, []byte("hash: false\n"), 0600))
	cfg, err := Load(name)
	require.NoError(t, err)
	assert.False(t, cfg.Hash)

	require.NoError(t, os.WriteFile(name, []byte("workers: 3\n"), 0600))
	cfg, err = Load(name)
	require.NoError(t, err)
	assert.True(t, cfg.Hash)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	name := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(name, []byte("sector_size: 1000\n"), 0600))
	_, err = Load(name)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(name, []byte("sector_size: [\n"), 0600))
	_, err = Load(name)
	assert.Error(t, err)
}

func TestMerge(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Merge(Config{ChunkSize: 4096, StorePath: "case.db"}))
	assert.Equal(t, 4096, cfg.ChunkSize)
	assert.Equal(t, "case.db", cfg.StorePath)
	assert.Equal(t, 512, cfg.SectorSize)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*Config)
	}{
		{"sector", func(c *Config) { c.SectorSize = 520 }},
		{"chunk", func(c *Config) { c.ChunkSize = 0 }},
		{"workers", func(c *Config) { c.Workers = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mod(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
