package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, 3*time.Second, cfg.Realtime.ReconnectDelay())
	require.Equal(t, 5*time.Second, cfg.Realtime.SignalWait())
	require.Equal(t, int64(512*1024), cfg.Realtime.ReadLimit())
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"http scheme", func(c *Config) { c.Server.Scheme = "http" }},
		{"empty host", func(c *Config) { c.Server.Host = " " }},
		{"host with path", func(c *Config) { c.Server.Host = "example.org/ws" }},
		{"api base without scheme", func(c *Config) { c.Server.APIBase = "example.org" }},
		{"zero reconnect delay", func(c *Config) { c.Realtime.ReconnectDelayMs = 0 }},
		{"negative signal wait", func(c *Config) { c.Realtime.SignalWaitMs = -1 }},
		{"ice server without urls", func(c *Config) { c.Call.ICEServers = []ICEServer{{}} }},
		{"ice server bad url", func(c *Config) { c.Call.ICEServers = []ICEServer{{URLs: []string{"http://x"}}} }},
		{"failed before disconnected", func(c *Config) { c.Call.ICEFailedSec = 10 }},
		{"tiny bitrate", func(c *Config) { c.Call.VideoBitrate = 10 }},
		{"no early candidates", func(c *Config) { c.Call.EarlyCandidates = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestEnsureCreatesThenLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "masomo.json")

	cfg, created, err := Ensure(path)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, Default(), cfg)

	cfg.Server.Host = "masomo.example"
	require.NoError(t, Save(path, cfg))

	loaded, created, err := Ensure(path)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, "masomo.example", loaded.Server.Host)
}

func TestLoadKeepsDefaultsAndStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "masomo.json")
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"server":{"scheme":"ws","host":"h:1","api_base":"http://h:1"}}`)...)
	require.NoError(t, os.WriteFile(path, body, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "ws", cfg.Server.Scheme)
	require.Equal(t, Default().Call, cfg.Call)
}

func TestSaveRejectsInvalid(t *testing.T) {
	cfg := Default()
	cfg.Server.Scheme = "ftp"
	require.Error(t, Save(filepath.Join(t.TempDir(), "x.json"), cfg))
}

func TestWebRTCICEServers(t *testing.T) {
	c := Call{ICEServers: []ICEServer{
		{URLs: []string{"stun:a:3478"}},
		{URLs: []string{"turn:b:3478"}, Username: "u", Credential: "p"},
	}}
	require.Equal(t, []webrtc.ICEServer{
		{URLs: []string{"stun:a:3478"}},
		{URLs: []string{"turn:b:3478"}, Username: "u", Credential: "p"},
	}, c.WebRTCICEServers())
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("MASOMO_TOKEN", "tok")
	t.Setenv("MASOMO_USERNAME", "ada")
	t.Setenv("MASOMO_PASSWORD", "pw")
	t.Setenv("MASOMO_LOG_LEVEL", "debug")

	env, err := LoadEnv()
	require.NoError(t, err)
	require.Equal(t, "tok", env.Token)
	require.Equal(t, "masomo.json", env.Config)
	require.True(t, env.HasCredentials())

	cfg := Default()
	env.Apply(&cfg)
	require.Equal(t, "debug", cfg.Log.Level)
}

func TestWatchReloadsValidEdits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "masomo.json")
	require.NoError(t, Save(path, Default()))

	got := make(chan Config, 8)
	w, err := Watch(path, func(c Config) { got <- c })
	require.NoError(t, err)
	defer w.Close()

	// Unrelated files in the same directory are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.json"), []byte(`{}`), 0o644))

	// An invalid edit is skipped.
	require.NoError(t, os.WriteFile(path, []byte(`{"server":{"scheme":"ftp"}}`), 0o644))

	cfg := Default()
	cfg.Call.ICEServers = []ICEServer{{URLs: []string{"turn:turn.example.org:3478"}, Username: "u", Credential: "p"}}
	require.NoError(t, Save(path, cfg))

	require.Eventually(t, func() bool {
		for {
			select {
			case c := <-got:
				if len(c.Call.ICEServers) == 1 && c.Call.ICEServers[0].Username == "u" {
					return true
				}
			default:
				return false
			}
		}
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
}
