package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/trezcool/masomo-live/internal/config"
)

func TestReloadKeepsLogLevelFlag(t *testing.T) {
	t.Cleanup(func() { _ = setLogLevel("info") })

	a := NewApp("", config.Default(), config.Env{LogLevel: "warn"}, "debug")
	reloaded := config.Default()
	reloaded.Log.Level = "error"
	a.onConfigChange(reloaded)
	require.Equal(t, "debug", a.cfg.Log.Level)

	a = NewApp("", config.Default(), config.Env{LogLevel: "warn"}, "")
	a.onConfigChange(reloaded)
	require.Equal(t, "warn", a.cfg.Log.Level)

	a = NewApp("", config.Default(), config.Env{}, "")
	a.onConfigChange(reloaded)
	require.Equal(t, "error", a.cfg.Log.Level)
}
