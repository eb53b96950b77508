package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	TransportWebSocket = "websocket"
	TransportNATS      = "nats"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Backend   BackendConfig   `yaml:"backend"`
	Live      LiveConfig      `yaml:"live"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Port           int           `yaml:"port"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace"`
}

type BackendConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
	// Token is a static bearer token; TokenFile is watched and re-read on change.
	Token      string        `yaml:"token"`
	TokenFile  string        `yaml:"token_file"`
	TokenPoll  time.Duration `yaml:"token_poll"`
	FetchUsers bool          `yaml:"fetch_user_count"`
}

type LiveConfig struct {
	Transport         string        `yaml:"transport"`
	WSURL             string        `yaml:"ws_url"`
	Handshake         string        `yaml:"handshake"`
	Reconnect         bool          `yaml:"reconnect"`
	MinBackoff        time.Duration `yaml:"min_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	PingInterval      time.Duration `yaml:"ping_interval"`
	ResyncOnReconnect bool          `yaml:"resync_on_reconnect"`
	NATSURL           string        `yaml:"nats_url"`
	NATSSubject       string        `yaml:"nats_subject"`
}

type DashboardConfig struct {
	RetentionCap  int    `yaml:"retention_cap"`
	SnapshotLimit int    `yaml:"snapshot_limit"`
	TopCameras    int    `yaml:"top_cameras"`
	Timezone      string `yaml:"timezone"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:           8090,
			RequestTimeout: 30 * time.Second,
			ShutdownGrace:  10 * time.Second,
		},
		Backend: BackendConfig{
			URL:       "http://127.0.0.1:8000",
			Timeout:   10 * time.Second,
			TokenPoll: 30 * time.Second,
		},
		Live: LiveConfig{
			Transport:    TransportWebSocket,
			WSURL:        "ws://127.0.0.1:8000/ws/events",
			Handshake:    "subscribe",
			Reconnect:    true,
			MinBackoff:   time.Second,
			MaxBackoff:   30 * time.Second,
			PingInterval: 30 * time.Second,
			NATSSubject:  "campus.events.new",
		},
		Dashboard: DashboardConfig{
			RetentionCap:  100,
			SnapshotLimit: 50,
			TopCameras:    4,
			Timezone:      "Local",
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads path over the defaults, then applies environment overrides.
// A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv("BACKEND_URL"); v != "" {
		c.Backend.URL = v
	}
	if v := getenv("LIVE_WS_URL"); v != "" {
		c.Live.WSURL = v
	}
	if v := getenv("API_TOKEN"); v != "" {
		c.Backend.Token = v
	}
	if v := getenv("API_TOKEN_FILE"); v != "" {
		c.Backend.TokenFile = v
	}
	if v := getenv("NATS_URL"); v != "" {
		c.Live.NATSURL = v
		c.Live.Transport = TransportNATS
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := getenv("PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		c.Server.Port = p
	}
	return nil
}

func (c Config) Validate() error {
	switch c.Live.Transport {
	case TransportWebSocket:
		if c.Live.WSURL == "" {
			return errors.New("live.ws_url is required for websocket transport")
		}
	case TransportNATS:
		if c.Live.NATSSubject == "" {
			return errors.New("live.nats_subject is required for nats transport")
		}
	default:
		return fmt.Errorf("live.transport must be %q or %q, got %q", TransportWebSocket, TransportNATS, c.Live.Transport)
	}

	if c.Backend.URL == "" {
		return errors.New("backend.url is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Dashboard.RetentionCap <= 0 {
		return errors.New("dashboard.retention_cap must be positive")
	}
	if c.Dashboard.SnapshotLimit <= 0 {
		return errors.New("dashboard.snapshot_limit must be positive")
	}
	if c.Dashboard.TopCameras <= 0 {
		return errors.New("dashboard.top_cameras must be positive")
	}
	if c.Live.MaxBackoff < c.Live.MinBackoff {
		return errors.New("live.max_backoff must not be below live.min_backoff")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves dashboard.timezone. Empty or "Local" is the host zone.
func (c Config) Location() (*time.Location, error) {
	switch c.Dashboard.Timezone {
	case "", "Local":
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Dashboard.Timezone)
	if err != nil {
		return nil, fmt.Errorf("dashboard.timezone: %w", err)
	}
	return loc, nil
}
