package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(values map[string]string) EnvLookup {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)

	assert.Equal(t, "eigenavs", cfg.Docker.Network)
	assert.Equal(t, 5000, cfg.Inference.Port)
	assert.Equal(t, "avs-inference", cfg.Inference.NamePrefix)
	assert.Equal(t, 5009, cfg.Checker.Port)
	assert.Equal(t, "avs-checker", cfg.Checker.NamePrefix)
	assert.Equal(t, 200*time.Millisecond, cfg.Readiness.InitialInterval)
	assert.Equal(t, 2*time.Second, cfg.Readiness.MaxInterval)
	assert.Equal(t, 30*time.Second, cfg.Readiness.Timeout)
	assert.Equal(t, "/process-audio", cfg.Pipeline.CheckerPath)
	assert.Equal(t, int64(1<<20), cfg.Pipeline.BodyLimit)
	assert.Equal(t, ZeroAddress, cfg.Ledger.ContractAddress)
	assert.Equal(t, "info", cfg.Observability.Logging.Level)
	assert.True(t, cfg.Observability.Metrics.Enabled)
	assert.Equal(t, 1.0, cfg.Observability.Tracing.SampleRate)
	assert.True(t, cfg.Server.Enabled)
}

func TestLoadWithoutSources(t *testing.T) {
	cfg, err := Load(WithEnv(envMap(nil)), WithDotEnv())
	require.NoError(t, err)
	assert.True(t, cfg.UsesZeroContract())
	assert.Equal(t, "p270_306.wav", cfg.Trigger.DefaultFileReference)
}

func TestLoadPriority(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
avs:
  docker:
    network: from-yaml
  checker:
    port: 7000
  readiness:
    timeout: 10s
  observability:
    logging:
      level: debug
other:
  ignored: true
`), 0o600))

	dotEnvPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(dotEnvPath, []byte(
		"AVS_CHECKER_PORT=7100\nTASK_MANAGER_ADDRESS=0x1111111111111111111111111111111111111111\nAVS_SERVER_ADDR=:1\n",
	), 0o600))

	env := envMap(map[string]string{
		"AVS_CHECKER_PORT": "7200",
	})
	addr := "127.0.0.1:9999"

	cfg, err := Load(
		WithConfigPath(yamlPath),
		WithDotEnv(dotEnvPath),
		WithEnv(env),
		WithOverrides(Overrides{ServerAddr: &addr}),
	)
	require.NoError(t, err)

	assert.Equal(t, "from-yaml", cfg.Docker.Network)
	assert.Equal(t, 10*time.Second, cfg.Readiness.Timeout)
	assert.Equal(t, "debug", cfg.Observability.Logging.Level)
	assert.Equal(t, 7200, cfg.Checker.Port, "process env beats .env and yaml")
	assert.Equal(t, "0x1111111111111111111111111111111111111111", cfg.Ledger.ContractAddress)
	assert.False(t, cfg.UsesZeroContract())
	assert.Equal(t, addr, cfg.Server.Addr, "overrides beat everything")
	assert.Equal(t, 5000, cfg.Inference.Port, "untouched fields keep defaults")
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(
		WithConfigPath(filepath.Join(t.TempDir(), "absent.yaml")),
		WithDotEnv(filepath.Join(t.TempDir(), "absent.env")),
		WithEnv(envMap(nil)),
	)
	require.NoError(t, err)
	assert.Equal(t, "eigenavs", cfg.Docker.Network)
}

func TestLoadRejectsBadEnv(t *testing.T) {
	_, err := Load(WithDotEnv(), WithEnv(envMap(map[string]string{"AVS_READINESS_TIMEOUT": "soon"})))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AVS_READINESS_TIMEOUT")
}

func TestLoadRejectsInvalidPort(t *testing.T) {
	_, err := Load(WithDotEnv(), WithEnv(envMap(map[string]string{"AVS_INFERENCE_PORT": "70000"})))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inference.port")
}

func TestLoadFloatAndUintFields(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("avs:\n  observability:\n    tracing:\n      sample_rate: 0.25\n"), 0o600))

	cfg, err := Load(
		WithConfigPath(yamlPath),
		WithDotEnv(),
		WithEnv(envMap(map[string]string{"AVS_START_BLOCK": "42"})),
	)
	require.NoError(t, err)
	assert.Equal(t, 0.25, cfg.Observability.Tracing.SampleRate)
	assert.Equal(t, uint64(42), cfg.Trigger.StartBlock)
}

func TestKeystorePassword(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)

	_, err := KeystorePassword(cfg, WithDotEnv(), WithEnv(envMap(nil)))
	assert.Error(t, err)

	pw, err := KeystorePassword(cfg, WithDotEnv(), WithEnv(envMap(map[string]string{"AVS_KEYSTORE_PASSWORD": "hunter2"})))
	require.NoError(t, err)
	assert.Equal(t, "hunter2", pw)
}

func TestSidecarViews(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)

	inf := cfg.Inference.Sidecar()
	assert.Equal(t, "inference", inf.Role)
	assert.Equal(t, "stevenmomenta/pytorch-audio-inference:latest", inf.Image)

	chk := cfg.Checker.Sidecar()
	assert.Equal(t, "checker", chk.Role)
	assert.Equal(t, "stevenmomenta/audio-checking-docker:latest", chk.Image)
}
