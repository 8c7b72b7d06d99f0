package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_DefaultsApplied(t *testing.T) {
	path := writeConfig(t, `
llm:
  api_key: test-key
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "test-key", cfg.LLM.APIKey)
	assert.Equal(t, "https://api.deepseek.com", cfg.LLM.BaseURL)
	assert.Equal(t, "deepseek-chat", cfg.LLM.Model)
	assert.Equal(t, 0.1, cfg.LLM.Temperature)

	assert.Equal(t, 30, cfg.Pipeline.SplitBatchSize)
	assert.Equal(t, 10, cfg.Pipeline.TopN)
	assert.False(t, cfg.Pipeline.KeepUnsplit)

	assert.Equal(t, "uploads", cfg.Paths.UploadsDir)
	assert.Equal(t, ":8000", cfg.Server.Addr)
	assert.Equal(t, int64(50*1024*1024), cfg.Server.MaxUploadSize)
	assert.Equal(t, "@every 5m", cfg.Server.CategoryRefresh)
	assert.Equal(t, 100, cfg.Domyland.MaxPages)
}

func TestLoad_ExplicitValuesWin(t *testing.T) {
	path := writeConfig(t, `
llm:
  api_key: test-key
  model: gpt-4o-mini
pipeline:
  split_batch_size: 10
  keep_unsplit: true
server:
  addr: ":9090"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.Model)
	assert.Equal(t, 10, cfg.Pipeline.SplitBatchSize)
	assert.True(t, cfg.Pipeline.KeepUnsplit)
	assert.Equal(t, ":9090", cfg.Server.Addr)
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_LLM_KEY", "секретный-ключ")
	path := writeConfig(t, `
llm:
  api_key: ${TEST_LLM_KEY}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "секретный-ключ", cfg.LLM.APIKey)
}

func TestLoad_MissingAPIKey(t *testing.T) {
	path := writeConfig(t, `
llm:
  base_url: https://api.deepseek.com
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "нет.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestLoad_InvalidTimeout(t *testing.T) {
	path := writeConfig(t, `
llm:
  api_key: test-key
  timeout: сто секунд
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
}

func TestLoad_S3RequiresBucket(t *testing.T) {
	path := writeConfig(t, `
llm:
  api_key: test-key
s3:
  endpoint: minio.local:9000
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3.bucket")
}

func TestParseTimeout(t *testing.T) {
	c := LLMConfig{Timeout: "90s"}
	d, err := c.ParseTimeout()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)
}
