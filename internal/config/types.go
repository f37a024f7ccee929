// Package config provides configuration loading for taskgate.
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/taskgate/internal/logging"
	"github.com/fyrsmithlabs/taskgate/internal/telemetry"
)

// Duration wraps time.Duration for human-readable config values ("2m", "30s").
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	if parsed < 0 {
		return fmt.Errorf("duration cannot be negative: %s", text)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration().String()), nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration().String())
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Secret wraps strings that should be redacted in logs and serialization.
// Use Value() to access the actual secret value.
type Secret string

// String implements fmt.Stringer. Always returns redacted value.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

// GoString implements fmt.GoStringer for %#v formatting.
func (s Secret) GoString() string {
	return "Secret([REDACTED])"
}

// Value returns the actual secret value. Use sparingly.
func (s Secret) Value() string {
	return string(s)
}

// IsSet returns true if the secret has a non-empty value.
func (s Secret) IsSet() bool {
	return s != ""
}

// MarshalJSON implements json.Marshaler. Always returns redacted value.
func (s Secret) MarshalJSON() ([]byte, error) {
	if s == "" {
		return json.Marshal("")
	}
	return json.Marshal("[REDACTED]")
}

// MarshalText implements encoding.TextMarshaler. Always returns redacted value.
func (s Secret) MarshalText() ([]byte, error) {
	if s == "" {
		return []byte(""), nil
	}
	return []byte("[REDACTED]"), nil
}

// Config is the root configuration for taskgate.
type Config struct {
	Store    StoreConfig    `koanf:"store"`
	GitHub   GitHubConfig   `koanf:"github"`
	Pipeline PipelineConfig `koanf:"pipeline"`
	Logging  logging.Config `koanf:"logging"`

	// Telemetry configures OTLP trace and metric export. Disabled by
	// default.
	Telemetry telemetry.Config `koanf:"telemetry"`

	// Agents maps a sub-agent name to the command line that evaluates
	// its gates. Agents without an entry cannot be dispatched.
	//
	// The command line is split on whitespace only; there is no shell
	// quoting. An argument that needs spaces must come from a wrapper
	// script.
	//
	//	agents:
	//	  validator: "claude-agent --role validator"
	Agents map[string]string `koanf:"agents"`
}

// StoreConfig configures the SQLite task store.
type StoreConfig struct {
	// Path is the SQLite database file.
	Path string `koanf:"path"`
}

// GitHubConfig configures the version-control and issue-tracker adapters.
type GitHubConfig struct {
	Owner      string `koanf:"owner"`
	Repo       string `koanf:"repo"`
	BaseBranch string `koanf:"base_branch"`
	Token      Secret `koanf:"token"`

	// LocalRepoPath is the local clone used to resolve base refs and
	// inspect the worktree. Defaults to the current directory.
	LocalRepoPath string `koanf:"local_repo_path"`

	// BaseURL overrides the API endpoint. Used for GitHub Enterprise
	// and in tests.
	BaseURL string `koanf:"base_url"`

	// RequestsPerSecond bounds outgoing API calls.
	RequestsPerSecond float64 `koanf:"requests_per_second"`
}

// PipelineConfig configures the gate controller and dispatcher.
type PipelineConfig struct {
	// MaxRevisions is the NeedsRevision limit per gate before the
	// controller raises a stuck-gate error.
	MaxRevisions int `koanf:"max_revisions"`

	// DispatchTimeout bounds a single sub-agent dispatch.
	DispatchTimeout Duration `koanf:"dispatch_timeout"`

	// SyncTimeout bounds a single external adapter call.
	SyncTimeout Duration `koanf:"sync_timeout"`
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Pipeline.MaxRevisions <= 0 {
		return fmt.Errorf("pipeline.max_revisions must be > 0, got %d", c.Pipeline.MaxRevisions)
	}
	if c.Pipeline.DispatchTimeout.Duration() <= 0 {
		return fmt.Errorf("pipeline.dispatch_timeout must be > 0")
	}
	if c.Pipeline.SyncTimeout.Duration() <= 0 {
		return fmt.Errorf("pipeline.sync_timeout must be > 0")
	}
	if c.GitHub.RequestsPerSecond < 0 {
		return fmt.Errorf("github.requests_per_second must be >= 0")
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	return nil
}
