package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults are valid", func(c *Config) {}, false},
		{"console format", func(c *Config) { c.Format = "console" }, false},
		{"bad format", func(c *Config) { c.Format = "xml" }, true},
		{"negative caller skip", func(c *Config) { c.Caller.Skip = -1 }, true},
		{"empty field key", func(c *Config) { c.Fields[""] = "x" }, true},
		{"empty field value", func(c *Config) { c.Fields["env"] = "" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewLoggerRejectsInvalidConfig(t *testing.T) {
	_, err := NewLogger(&Config{Format: "xml"})
	assert.Error(t, err)
}

func TestNewLoggerNilConfigUsesDefaults(t *testing.T) {
	logger, err := NewLogger(nil)
	require.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, logger.config.Level)
}

func TestContextFields(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, ContextFields(ctx))

	ctx = WithTaskID(ctx, "task-123")
	ctx = WithGateID(ctx, "code_review")

	assert.Equal(t, "task-123", TaskIDFromContext(ctx))
	assert.Equal(t, "code_review", GateIDFromContext(ctx))

	fields := ContextFields(ctx)
	require.Len(t, fields, 2)
	assert.Equal(t, "task.id", fields[0].Key)
	assert.Equal(t, "gate.id", fields[1].Key)
}

func TestContextFieldsAbsent(t *testing.T) {
	assert.Empty(t, TaskIDFromContext(context.Background()))
	assert.Empty(t, GateIDFromContext(context.Background()))
}

func TestNamedAndWithPreserveConfig(t *testing.T) {
	logger := NewNop()
	named := logger.Named("sync")
	require.NotNil(t, named.config)
	assert.Same(t, logger.config, named.config)

	child := logger.With()
	assert.Same(t, logger.config, child.config)
}
