package logger

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	t.Parallel()

	log, err := New(nil)
	require.NoError(t, err)
	require.NotNil(t, log)
}

func TestNewParsesLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		config  *Config
		wantErr bool
	}{
		{name: "valid level", config: &Config{Level: "warn"}},
		{name: "debug overrides level", config: &Config{Level: "error", Debug: true}},
		{name: "invalid level", config: &Config{Level: "shouty"}, wantErr: true},
		{name: "stderr output", config: &Config{Level: "info", Output: "stderr"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			log, err := New(tc.config)
			if tc.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, log)
		})
	}
}

func TestWithComponent(t *testing.T) {
	t.Parallel()

	log, err := New(&Config{Level: "info"})
	require.NoError(t, err)

	componentLogger := log.WithComponent("publisher")
	assert.NotEqual(t, zerolog.Disabled, componentLogger.GetLevel())
}

func TestTestLoggerDiscards(t *testing.T) {
	t.Parallel()

	log := NewTestLogger()
	// Must not panic even with Fatal-level events created (not sent).
	log.Info().Str("k", "v").Msg("ignored")
	log.Error().Msg("ignored")
}
