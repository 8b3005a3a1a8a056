package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	lvl, ok := ParseLevel(" Warning ")
	require.True(t, ok)
	require.Equal(t, zerolog.WarnLevel, lvl)

	_, ok = ParseLevel("")
	require.False(t, ok)
	_, ok = ParseLevel("loud")
	require.False(t, ok)
}

func TestConfigureJSON(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Level: "debug", Format: "json"}, &buf)
	t.Cleanup(func() {
		nop := zerolog.Nop()
		current.Store(&nop)
	})

	L().Debug().Str("k", "v").Msg("hello")
	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "hello", rec["message"])
	require.Equal(t, "v", rec["k"])
	require.NotContains(t, rec, "time")
}

func TestConfigureLevelAsGiven(t *testing.T) {
	t.Setenv("EPSILON_LOG_LEVEL", "debug")
	var buf bytes.Buffer
	Configure(Config{Level: "error", Format: "json"}, &buf)
	t.Cleanup(func() {
		nop := zerolog.Nop()
		current.Store(&nop)
	})

	L().Info().Msg("dropped")
	require.Zero(t, buf.Len())
	L().Error().Msg("kept")
	require.Contains(t, buf.String(), "kept")
}
