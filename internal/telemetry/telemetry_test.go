package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"disabled needs nothing", Config{}, false},
		{"enabled needs endpoint", Config{Enabled: true}, true},
		{"grpc", Config{Enabled: true, Endpoint: "otel:4317", Protocol: "grpc"}, false},
		{"http protobuf", Config{Enabled: true, Endpoint: "otel:4318", Protocol: "http/protobuf"}, false},
		{"unknown protocol", Config{Enabled: true, Endpoint: "otel:4317", Protocol: "carrier-pigeon"}, true},
		{"sample rate above one", Config{Enabled: true, Endpoint: "otel:4317", SampleRate: 1.5}, true},
		{"negative sample rate", Config{Enabled: true, Endpoint: "otel:4317", SampleRate: -0.1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestInitDisabledIsNoop(t *testing.T) {
	tel, err := Init(context.Background(), Config{}, "test")
	require.NoError(t, err)
	require.NotNil(t, tel)
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestInitRejectsInvalidConfig(t *testing.T) {
	_, err := Init(context.Background(), Config{Enabled: true}, "test")
	assert.Error(t, err)
}

func TestShutdownNil(t *testing.T) {
	var tel *Telemetry
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestStripScheme(t *testing.T) {
	assert.Equal(t, "otel:4318", stripScheme("https://otel:4318"))
	assert.Equal(t, "otel:4318", stripScheme("http://otel:4318"))
	assert.Equal(t, "otel:4318", stripScheme("otel:4318"))
}
