package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/trezcool/masomo-live/internal/util"
)

type Config struct {
	Server   Server   `json:"server"`
	Realtime Realtime `json:"realtime"`
	Call     Call     `json:"call"`
	Log      Log      `json:"log"`
}

type Server struct {
	// Scheme of the realtime endpoints, "ws" or "wss".
	Scheme string `json:"scheme"`
	Host   string `json:"host"`

	// REST base URL, e.g. "https://api.masomo.example".
	APIBase string `json:"api_base"`
}

type Realtime struct {
	ReconnectDelayMs  int `json:"reconnect_delay_ms"`
	ConnectTimeoutSec int `json:"connect_timeout_seconds"`
	WriteTimeoutSec   int `json:"write_timeout_seconds"`
	ReadLimitKB       int `json:"read_limit_kb"`

	// How long a call waits for its signaling channel before sending anyway.
	SignalWaitMs int `json:"signal_wait_ms"`
}

type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type Call struct {
	ICEServers []ICEServer `json:"ice_servers"`

	ICEDisconnectedSec int `json:"ice_disconnected_seconds"`
	ICEFailedSec       int `json:"ice_failed_seconds"`
	ICEKeepAliveSec    int `json:"ice_keepalive_seconds"`

	VideoWidth   int `json:"video_width"`
	VideoHeight  int `json:"video_height"`
	VideoBitrate int `json:"video_bitrate"`

	// Remote candidates held until the remote description is set.
	EarlyCandidates int `json:"early_candidates"`
}

type Log struct {
	Level string `json:"level"`
}

func Default() Config {
	return Config{
		Server: Server{
			Scheme:  "wss",
			Host:    "localhost:8000",
			APIBase: "http://localhost:8000",
		},
		Realtime: Realtime{
			ReconnectDelayMs:  3000,
			ConnectTimeoutSec: 10,
			WriteTimeoutSec:   10,
			ReadLimitKB:       512,
			SignalWaitMs:      5000,
		},
		Call: Call{
			ICEServers:         []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
			ICEDisconnectedSec: 30,
			ICEFailedSec:       120,
			ICEKeepAliveSec:    2,
			VideoWidth:         640,
			VideoHeight:        480,
			VideoBitrate:       1_500_000,
			EarlyCandidates:    64,
		},
		Log: Log{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	// Server
	if c.Server.Scheme != "ws" && c.Server.Scheme != "wss" {
		return errors.New("server.scheme must be ws or wss")
	}
	if strings.TrimSpace(c.Server.Host) == "" {
		return errors.New("server.host is required")
	}
	if strings.Contains(c.Server.Host, "/") {
		return errors.New("server.host must be host[:port] only")
	}
	if err := validateAPIBase(c.Server.APIBase); err != nil {
		return fmt.Errorf("server.api_base: %w", err)
	}

	// Realtime
	if c.Realtime.ReconnectDelayMs <= 0 {
		return errors.New("realtime.reconnect_delay_ms must be > 0")
	}
	if c.Realtime.ConnectTimeoutSec <= 0 {
		return errors.New("realtime.connect_timeout_seconds must be > 0")
	}
	if c.Realtime.WriteTimeoutSec <= 0 {
		return errors.New("realtime.write_timeout_seconds must be > 0")
	}
	if c.Realtime.ReadLimitKB < 0 {
		return errors.New("realtime.read_limit_kb must be >= 0")
	}
	if c.Realtime.SignalWaitMs < 0 {
		return errors.New("realtime.signal_wait_ms must be >= 0")
	}

	// Call
	for i, s := range c.Call.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("call.ice_servers[%d]: urls is required", i)
		}
		for _, u := range s.URLs {
			if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
				return fmt.Errorf("call.ice_servers[%d]: %q must be a stun:, turn: or turns: url", i, u)
			}
		}
	}
	if c.Call.ICEDisconnectedSec <= 0 || c.Call.ICEFailedSec <= 0 || c.Call.ICEKeepAliveSec <= 0 {
		return errors.New("call ice timeouts must be > 0")
	}
	if c.Call.ICEFailedSec < c.Call.ICEDisconnectedSec {
		return errors.New("call.ice_failed_seconds must be >= call.ice_disconnected_seconds")
	}
	if c.Call.VideoWidth <= 0 || c.Call.VideoHeight <= 0 {
		return errors.New("call video dimensions must be > 0")
	}
	if c.Call.VideoBitrate < 100_000 {
		return errors.New("call.video_bitrate must be >= 100000")
	}
	if c.Call.EarlyCandidates < 1 || c.Call.EarlyCandidates > 1024 {
		return errors.New("call.early_candidates must be 1..1024")
	}

	return nil
}

func validateAPIBase(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func (r Realtime) ReconnectDelay() time.Duration {
	return time.Duration(r.ReconnectDelayMs) * time.Millisecond
}

func (r Realtime) ConnectTimeout() time.Duration {
	return time.Duration(r.ConnectTimeoutSec) * time.Second
}

func (r Realtime) WriteTimeout() time.Duration {
	return time.Duration(r.WriteTimeoutSec) * time.Second
}

func (r Realtime) ReadLimit() int64 { return int64(r.ReadLimitKB) * 1024 }

func (r Realtime) SignalWait() time.Duration {
	return time.Duration(r.SignalWaitMs) * time.Millisecond
}

// WebRTCICEServers converts the configured servers for pion.
func (c Call) WebRTCICEServers() []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(c.ICEServers))
	for _, s := range c.ICEServers {
		srv := webrtc.ICEServer{URLs: append([]string(nil), s.URLs...)}
		if s.Username != "" {
			srv.Username = s.Username
			srv.Credential = s.Credential
		}
		out = append(out, srv)
	}
	return out
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
