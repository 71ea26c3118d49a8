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
	p := filepath.Join(t.TempDir(), "syncConfig.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadDefaults(t *testing.T) {
	// 在空目录下启动，找不到配置文件时使用默认值
	t.Chdir(t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.Running.Port)
	assert.Equal(t, 500*time.Millisecond, cfg.Sync.ConflictWindow)
	assert.Zero(t, cfg.Sync.ConflictTimeout)
	assert.True(t, cfg.Sync.EchoToWriter)
	assert.Equal(t, 300*time.Millisecond, cfg.Client.Debounce)
	assert.Equal(t, 30*time.Second, cfg.Client.MaxReconnectDelay)
	assert.Equal(t, "memory", cfg.History.Backend)
	assert.Equal(t, 1000, cfg.History.MaxEvents)
	assert.Equal(t, "param-commits", cfg.Kafka.Topic)
	assert.Empty(t, cfg.Kafka.Brokers)
	assert.Len(t, cfg.Transport.AllowedOrigins, 4)
}

func TestLoadFileAndEnv(t *testing.T) {
	p := writeConfig(t, `
running:
  port: 9100
sync:
  conflictWindow: 250ms
  conflictTimeout: 30s
history:
  backend: redis
redis:
  addrs: ["127.0.0.1:6379"]
`)
	t.Setenv("PARAMSYNC_RUNNING_PORT", "9200")
	t.Setenv("PARAMSYNC_KAFKA_TOPIC", "commits-test")

	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, 9200, cfg.Running.Port, "env overrides file")
	assert.Equal(t, 250*time.Millisecond, cfg.Sync.ConflictWindow)
	assert.Equal(t, 30*time.Second, cfg.Sync.ConflictTimeout)
	assert.Equal(t, []string{"127.0.0.1:6379"}, cfg.Redis.Addrs)
	assert.Equal(t, "commits-test", cfg.Kafka.Topic)
}

func TestLoadInvalid(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	p := writeConfig(t, "history:\n  backend: mysql\n")
	_, err = Load(p)
	assert.ErrorContains(t, err, "mysql.dsn")

	p = writeConfig(t, "history:\n  backend: sqlite\n")
	_, err = Load(p)
	assert.ErrorContains(t, err, "unknown history.backend")

	p = writeConfig(t, "sync:\n  conflictWindow: 0s\n")
	_, err = Load(p)
	assert.ErrorContains(t, err, "conflictWindow")
}
