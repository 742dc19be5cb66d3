package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "auction.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_DefaultsWhenDefaultFileMissing(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("AUCTION_CONFIG", "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 120*time.Second, cfg.Auction.RoundDuration)
	assert.Equal(t, 5*time.Second, cfg.Auction.BroadcastInterval)
	assert.False(t, cfg.Ledger.Enabled)
}

func TestLoad_ExplicitMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
server:
  port: 9000
  send_queue_size: 8
auction:
  round_duration: 30s
  broadcast_interval: 1s
ledger:
  enabled: true
  driver: postgres
  table: rounds
`)
	t.Setenv("ROUND_DURATION", "45s")
	t.Setenv("DB_HOST", "db.internal")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 8, cfg.Server.SendQueueSize)
	assert.Equal(t, 45*time.Second, cfg.Auction.RoundDuration)
	assert.Equal(t, time.Second, cfg.Auction.BroadcastInterval)
	assert.Equal(t, 2*time.Second, cfg.Auction.ResetGrace)
	assert.True(t, cfg.Ledger.Enabled)
	assert.Equal(t, "postgres", cfg.Ledger.Driver)
	assert.Equal(t, "rounds", cfg.Ledger.Table)
	assert.Equal(t, "db.internal", cfg.Ledger.Host)
}

func TestLoad_InvalidValues(t *testing.T) {
	path := writeConfig(t, "auction:\n  broadcast_interval: 0s\n")
	_, err := Load(path)
	assert.Error(t, err)

	path = writeConfig(t, "server: [not, a, map]\n")
	_, err = Load(path)
	assert.Error(t, err)
}

func TestSetPort(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.SetPort("9090"))
	assert.Equal(t, 9090, cfg.Server.Port)

	assert.Error(t, cfg.SetPort("http"))
	assert.Error(t, cfg.SetPort("70000"))
}
