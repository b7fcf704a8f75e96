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
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8001, cfg.Server.Port)
	assert.Equal(t, "config/api_keys.json", cfg.Auth.APIKeysFile)
	assert.Equal(t, "admin", cfg.Auth.AdminUser)
	assert.Zero(t, cfg.RateLimit.Concurrent)
	assert.Zero(t, cfg.RateLimit.TokensPerMinute)
	assert.Equal(t, 300*time.Second, cfg.Proxy.Timeout)
	assert.Equal(t, 2048, cfg.Proxy.MaxConnections)
	assert.Equal(t, 10*time.Second, cfg.Router.RefreshTimeout)

	assert.True(t, cfg.VLLM.Enabled)
	assert.False(t, cfg.SGLang.Enabled)
	assert.Equal(t, "http://localhost:8002", cfg.VLLM.BaseURL())
	assert.Equal(t, "http://localhost:8003", cfg.SGLang.BaseURL())
	assert.Equal(t, ".pids/vllm.pid", cfg.VLLM.PIDFile)
	assert.Equal(t, "logs/sglang.log", cfg.SGLang.LogFile)
	assert.Equal(t, 10*time.Second, cfg.VLLM.GracePeriod)
	assert.Equal(t, 4, cfg.VLLM.LoRA.MaxLoRAs)
	assert.Equal(t, []string{"lora_filesystem_resolver"}, cfg.VLLM.LoRA.RuntimeResolver.Plugins)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 9000
rate_limit:
  concurrent: 4
  tokens_per_minute: 1000
backends:
  - engine: sglang
    url: http://10.0.0.2:30000
manual_models:
  - model: Qwen/Qwen2-7B-Instruct
    engine: vllm
vllm:
  managed: true
  start_cmd: "vllm serve /models/qwen --port 8002"
  extra_env:
    - CUDA_VISIBLE_DEVICES=0
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 4, cfg.RateLimit.Concurrent)
	assert.Equal(t, 1000, cfg.RateLimit.TokensPerMinute)
	require.Len(t, cfg.Backends, 1)
	assert.Equal(t, "sglang", cfg.Backends[0].Engine)
	require.Len(t, cfg.ManualModels, 1)
	assert.Equal(t, "Qwen/Qwen2-7B-Instruct", cfg.ManualModels[0].Model)
	assert.True(t, cfg.VLLM.Managed)
	assert.Equal(t, []string{"CUDA_VISIBLE_DEVICES=0"}, cfg.VLLM.ExtraEnv)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("GATEWAY_PORT", "9100")
	t.Setenv("INFERGATE_RATE_LIMIT_QPS", "7")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, 7, cfg.RateLimit.QPS)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "negative limit",
			mutate:  func(c *Config) { c.RateLimit.Concurrent = -1 },
			wantErr: "must not be negative",
		},
		{
			name:    "unknown backend engine",
			mutate:  func(c *Config) { c.Backends = []BackendConfig{{Engine: "tgi", URL: "http://x"}} },
			wantErr: "unknown engine",
		},
		{
			name:    "manual model without name",
			mutate:  func(c *Config) { c.ManualModels = []ManualModelConfig{{Engine: "vllm"}} },
			wantErr: "without a model name",
		},
		{
			name:    "bad launch mode",
			mutate:  func(c *Config) { c.SGLang.LaunchMode = "docker" },
			wantErr: "launch_mode",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
			require.NoError(t, err)
			tt.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
