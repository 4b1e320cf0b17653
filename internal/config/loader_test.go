package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, []string{"semantic", "code", "summary"}, cfg.Memory.Heads)
	assert.Equal(t, 100, cfg.Embeddings.MaxBatchSize)
	assert.Equal(t, 10, cfg.Operations.MaxIterations)
	assert.Equal(t, 30*time.Second, cfg.Heartbeat.Interval)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Server.Listen, cfg.Server.Listen)
}

func TestLoadOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mira.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  listen: "127.0.0.1:9999"
memory:
  recall_recent: 20
operations:
  max_iterations: 3
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", cfg.Server.Listen)
	assert.Equal(t, 20, cfg.Memory.RecallRecent)
	assert.Equal(t, 3, cfg.Operations.MaxIterations)
	// Untouched sections keep their defaults.
	assert.Equal(t, Default().Embeddings.Model, cfg.Embeddings.Model)
}

func TestEnvOverridesSecrets(t *testing.T) {
	t.Setenv("MIRA_LLM_API_KEY", "from-env")
	t.Setenv("MIRA_LISTEN", "0.0.0.0:8000")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.LLM.APIKey)
	assert.Equal(t, "0.0.0.0:8000", cfg.Server.Listen)
}

func TestValidateRejectsBadWeights(t *testing.T) {
	cfg := Default()
	cfg.Memory.WeightRecency = 0.9
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsEmptyHeads(t *testing.T) {
	cfg := Default()
	cfg.Memory.Heads = nil
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsBadDimension(t *testing.T) {
	cfg := Default()
	cfg.Embeddings.Dimension = 0
	assert.Error(t, cfg.Validate())
}
