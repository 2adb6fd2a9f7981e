package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livestory/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "/v1", cfg.Server.BasePath)
	assert.Equal(t, "none", cfg.Generator.Backend)
	assert.Equal(t, 30*time.Second, cfg.Generator.Timeout())
	assert.Equal(t, 2*time.Second, cfg.LockTimeout())
	assert.Equal(t, 10*time.Second, cfg.PollInterval())
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
generator:
  backend: http
  url: http://localhost:9000
risk:
  high_field_count: 6
`))
	require.NoError(t, err)
	assert.Equal(t, "http", cfg.Generator.Backend)
	assert.Equal(t, 6, cfg.Risk.HighFieldCount)
	assert.Equal(t, 2, cfg.Risk.MediumFieldCount)
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Addr)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"backend":  "generator:\n  backend: openai\n",
		"http url": "generator:\n  backend: http\n  url: \"\"\n",
		"risk":     "risk:\n  high_field_count: 1\n  medium_field_count: 3\n",
		"lock":     "queue:\n  lock_timeout_millis: 0\n",
		"log":      "log:\n  level: trace\n",
		"auth":     "server:\n  require_auth: true\n  allow_actor_header: false\n",
	}
	for name, doc := range cases {
		_, err := config.FromYAML([]byte(doc))
		assert.Error(t, err, name)
	}
}

func TestLoadFallsBackToDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.Storage.Workspace)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "livestory.yml"), []byte("log:\n  format: json\n"), 0o644))
	cfg, err = config.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestGeneratorAPIKeyFromEnv(t *testing.T) {
	t.Setenv("LIVESTORY_TEST_KEY", "k-123")
	g := config.GeneratorConfig{APIKeyEnv: "LIVESTORY_TEST_KEY"}
	assert.Equal(t, "k-123", g.APIKey())
	assert.Empty(t, config.GeneratorConfig{}.APIKey())
}
