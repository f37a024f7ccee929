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
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadWithFileDefaults(t *testing.T) {
	path := writeConfig(t, `
store:
  path: /tmp/taskgate-test.db
`)
	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/taskgate-test.db", cfg.Store.Path)
	assert.Equal(t, "main", cfg.GitHub.BaseBranch)
	assert.Equal(t, float64(5), cfg.GitHub.RequestsPerSecond)
	assert.Equal(t, 5, cfg.Pipeline.MaxRevisions)
	assert.Equal(t, 2*time.Minute, cfg.Pipeline.DispatchTimeout.Duration())
	assert.Equal(t, 30*time.Second, cfg.Pipeline.SyncTimeout.Duration())
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "taskgate", cfg.Logging.Fields["service"])
}

func TestLoadWithFileValues(t *testing.T) {
	path := writeConfig(t, `
store:
  path: /tmp/taskgate-test.db
github:
  owner: fyrsmithlabs
  repo: widget
  base_branch: develop
  token: ghp_secret
pipeline:
  max_revisions: 3
  dispatch_timeout: 45s
agents:
  validator: "run-agent --role validator"
`)
	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, "fyrsmithlabs", cfg.GitHub.Owner)
	assert.Equal(t, "develop", cfg.GitHub.BaseBranch)
	assert.Equal(t, "ghp_secret", cfg.GitHub.Token.Value())
	assert.Equal(t, 3, cfg.Pipeline.MaxRevisions)
	assert.Equal(t, 45*time.Second, cfg.Pipeline.DispatchTimeout.Duration())
	assert.Equal(t, "run-agent --role validator", cfg.Agents["validator"])
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
store:
  path: /tmp/taskgate-test.db
github:
  base_branch: develop
`)
	t.Setenv("TASKGATE_GITHUB_BASE_BRANCH", "release")
	t.Setenv("TASKGATE_PIPELINE_MAX_REVISIONS", "7")

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)
	assert.Equal(t, "release", cfg.GitHub.BaseBranch)
	assert.Equal(t, 7, cfg.Pipeline.MaxRevisions)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := writeConfig(t, `
store:
  path: /tmp/taskgate-test.db
pipeline:
  max_revisions: -1
`)
	_, err := LoadWithFile(path)
	assert.Error(t, err)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadWithFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.Store.Path)
	assert.Equal(t, 5, cfg.Pipeline.MaxRevisions)
}

func TestSecretRedaction(t *testing.T) {
	s := Secret("ghp_value")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "ghp_value", s.Value())
	assert.True(t, s.IsSet())

	b, err := s.MarshalJSON()
	require.NoError(t, err)
	assert.NotContains(t, string(b), "ghp_value")

	assert.Equal(t, "", Secret("").String())
	assert.False(t, Secret("").IsSet())
}

func TestDurationParsing(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("-5s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))

	text, err := Duration(2 * time.Minute).MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "2m0s", string(text))
}
