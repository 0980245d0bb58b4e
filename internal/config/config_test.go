package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, DefaultServerAddr, cfg.Server.Addr)
	assert.Equal(t, DefaultHeartbeatInterval, cfg.Runner.HeartbeatInterval)
	assert.Equal(t, DefaultLivenessWindow, cfg.Runner.LivenessWindow)
	assert.Equal(t, DefaultEventLimit, cfg.API.EventLimit)
	assert.NotEmpty(t, cfg.Runner.ID, "a runner id is generated when none is configured")
	assert.False(t, cfg.KafkaEnabled())
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runner.yaml")
	content := `
server:
  addr: ":9000"
database:
  type: sqlite
  dsn: runner.db
runner:
  id: runner-a
  max_concurrent: 4
  heartbeat_interval: 2s
  liveness_window: 10s
kafka:
  brokers: ["k1:9092"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("RUNNER_ID", "runner-from-env")
	t.Setenv("RUNNER_SWEEP_INTERVAL", "3s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "runner.db", cfg.Database.DSN)
	assert.Equal(t, "runner-from-env", cfg.Runner.ID)
	assert.Equal(t, 4, cfg.Runner.MaxConcurrent)
	assert.Equal(t, 2*time.Second, cfg.Runner.HeartbeatInterval)
	assert.Equal(t, 10*time.Second, cfg.Runner.LivenessWindow)
	assert.Equal(t, 3*time.Second, cfg.Runner.SweepInterval)
	assert.True(t, cfg.KafkaEnabled())
	assert.Equal(t, DefaultEventTopic, cfg.Kafka.EventTopic)
	assert.Equal(t, "task-runner-runner-from-env", cfg.KafkaGroupID())
}

func TestLoad_KafkaNeedsStableConsumerGroup(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092")

	_, err := Load("")
	assert.ErrorContains(t, err, "runner.id")

	t.Setenv("KAFKA_GROUP_ID", "runners-eu-1")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.Runner.ID)
	assert.Equal(t, "runners-eu-1", cfg.KafkaGroupID())
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "invalid.yaml")
	require.NoError(t, os.WriteFile(path, []byte("runner: [unclosed"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate_LivenessWindowMustExceedHeartbeat(t *testing.T) {
	cfg := Default()
	cfg.Runner.LivenessWindow = cfg.Runner.HeartbeatInterval
	assert.Error(t, cfg.Validate())

	t.Setenv("RUNNER_HEARTBEAT_INTERVAL", "not-a-duration")
	_, err := Load("")
	assert.Error(t, err)
}
