package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, uint32(100), cfg.LTP.MaxSessions)
	assert.Equal(t, 500*time.Millisecond, cfg.LTP.AggTime)
	assert.Equal(t, "_", cfg.Restage.FieldSeparator)
	assert.Equal(t, uint64(100*1024*1024), cfg.Restage.MinDiskSpace)
	assert.Equal(t, uint64(1024*1024), cfg.Restage.MinQuotaAvail)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dtnd.yaml")
	data := `
local_eid: ipn:7.0
accept_custody: false
suppress_duplicates: true
ltp:
  seg_size: 900
  retran_retries: 5
restage:
  ttl_override: 86400
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ipn:7.0", cfg.LocalEID)
	assert.False(t, cfg.AcceptCustody)
	assert.True(t, cfg.SuppressDuplicates)
	assert.Equal(t, uint32(900), cfg.LTP.SegSize)
	assert.Equal(t, uint32(5), cfg.LTP.RetranRetries)
	assert.Equal(t, uint64(86400), cfg.Restage.TTLOverride)
	// untouched defaults survive
	assert.Equal(t, uint64(1000000), cfg.LTP.AggSize)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad eid", func(c *Config) { c.LocalEID = "bogus" }},
		{"zero seg size", func(c *Config) { c.LTP.SegSize = 0 }},
		{"equal separators", func(c *Config) { c.Restage.EIDFieldSeparator = "_" }},
		{"long separator", func(c *Config) { c.Restage.FieldSeparator = "__" }},
		{"email without from", func(c *Config) { c.Restage.EmailEnabled = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
