package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Outbox.MaxRetry)
	assert.Equal(t, 5*time.Second, cfg.Outbox.BaseRetryDelay)
	assert.Equal(t, 10*time.Second, cfg.Outbox.ConfirmTimeout)
	assert.Equal(t, 30*time.Second, cfg.Outbox.TimeoutScanInterval)
	assert.Equal(t, 60*time.Second, cfg.Outbox.RecoveryRescanInterval)
	assert.Equal(t, "im.push", cfg.Kafka.PushTopic)
	assert.NotEmpty(t, cfg.Session.KickNotice)
	assert.Equal(t, 60*time.Second, cfg.Session.HeartbeatTimeout)
	assert.Equal(t, 2*cfg.Session.HeartbeatTimeout, cfg.Session.PresenceTTL)
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("outbox:\n  max_retry: 7\nhttp:\n  addr: \":9090\"\n"), 0o600))

	t.Setenv("IMGW_OUTBOX_CONFIRM_TIMEOUT", "2s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Outbox.MaxRetry)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, 2*time.Second, cfg.Outbox.ConfirmTimeout)
	// untouched keys keep their defaults
	assert.Equal(t, 5*time.Second, cfg.Outbox.BaseRetryDelay)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Outbox.MaxRetry)
}

func TestValidate(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	bad := cfg
	bad.Outbox.MaxRetry = -1
	bad.Outbox.ConfirmTimeout = 0
	err = bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outbox.max_retry")
	assert.Contains(t, err.Error(), "outbox.confirm_timeout")

	neg := cfg
	neg.Session.HeartbeatTimeout = -time.Second
	assert.ErrorContains(t, neg.Validate(), "session.heartbeat_timeout")

	zero := cfg
	zero.Outbox.MaxRetry = 0
	assert.NoError(t, zero.Validate())
}
