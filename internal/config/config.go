// Package config loads the panel and development hub configuration.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
)

const envPrefix = "PRESENCE_"

type Config struct {
	Panel    Panel    `koanf:"panel"`
	Auth     Auth     `koanf:"auth"`
	Timing   Timing   `koanf:"timing"`
	Features Features `koanf:"features"`
	Hub      Hub      `koanf:"hub"`
}

// Panel identifies the signed-in user and where the hub and API live.
type Panel struct {
	HubURL        string `koanf:"hub_url"`
	APIURL        string `koanf:"api_url"`
	Username      string `koanf:"username"`
	Email         string `koanf:"email"`
	DisplayName   string `koanf:"display_name"`
	SessionCookie string `koanf:"session_cookie"`
	Source        string `koanf:"source"`
}

type Auth struct {
	TokenURL     string   `koanf:"token_url"`
	ClientID     string   `koanf:"client_id"`
	ClientSecret string   `koanf:"client_secret"`
	Scopes       []string `koanf:"scopes"`
	StaticToken  string   `koanf:"static_token"`
}

type Timing struct {
	ReconnectDelays      []time.Duration `koanf:"reconnect_delays"`
	MaxReconnectAttempts int             `koanf:"max_reconnect_attempts"`
	PresenceInterval     time.Duration   `koanf:"presence_interval"`
	TypingIdle           time.Duration   `koanf:"typing_idle"`
	RemoteTypingTimeout  time.Duration   `koanf:"remote_typing_timeout"`
	CalendarWindow       time.Duration   `koanf:"calendar_window"`
	RequestTimeout       time.Duration   `koanf:"request_timeout"`
}

type Features struct {
	ResyncOnlineOnReconnect bool `koanf:"resync_online_on_reconnect"`
	DedupMessages           bool `koanf:"dedup_messages"`
	HistoryLimit            int  `koanf:"history_limit"`
	CalendarBatchSize       int  `koanf:"calendar_batch_size"`
}

// Hub configures the development hub.
type Hub struct {
	Addr      string    `koanf:"addr"`
	Users     []HubUser `koanf:"users"`
	RateLimit float64   `koanf:"rate_limit"`
	RateBurst int       `koanf:"rate_burst"`
}

// HubUser is one roster entry. Calendar is an availability code (0 free,
// 1 tentative, 2 busy) reported by the hub's getSchedule endpoint.
type HubUser struct {
	Username    string `koanf:"username"`
	Email       string `koanf:"email"`
	DisplayName string `koanf:"display_name"`
	Department  string `koanf:"department"`
	Calendar    string `koanf:"calendar"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"panel.hub_url":                       "ws://localhost:8080/hub",
		"panel.api_url":                       "http://localhost:8080",
		"panel.source":                        "PresencePanel",
		"auth.scopes":                         []string{"Calendars.Read.Shared"},
		"timing.reconnect_delays":             []string{"0s", "2s", "5s", "10s", "30s"},
		"timing.max_reconnect_attempts":       0,
		"timing.presence_interval":            "60s",
		"timing.typing_idle":                  "2s",
		"timing.remote_typing_timeout":        "3s",
		"timing.calendar_window":              "1h",
		"timing.request_timeout":              "15s",
		"features.resync_online_on_reconnect": false,
		"features.dedup_messages":             false,
		"features.history_limit":              50,
		"features.calendar_batch_size":        20,
		"hub.addr":                            ":8080",
		"hub.rate_limit":                      20.0,
		"hub.rate_burst":                      40,
	}
}

// DefaultPaths are tried in order when no explicit path is given.
var DefaultPaths = []string{"./presence.toml", "$HOME/.presence.toml"}

// Load layers defaults, an optional TOML file and PRESENCE_ environment
// variables. PRESENCE_PANEL_HUB_URL maps to panel.hub_url.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, errors.Wrap(err, "load defaults")
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, errors.Wrapf(err, "load config %s", configPath)
		}
	} else {
		for _, path := range DefaultPaths {
			path = os.ExpandEnv(path)
			if _, err := os.Stat(path); err == nil {
				if err := k.Load(file.Provider(path), toml.Parser()); err == nil {
					break
				}
			}
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, errors.Wrap(err, "load environment")
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	return &cfg, nil
}

// envKey turns PRESENCE_SECTION_SOME_KEY into section.some_key.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	return strings.Replace(s, "_", ".", 1)
}

// Validate checks what the panel needs to start a session.
func (c *Config) Validate() error {
	if c.Panel.HubURL == "" {
		return errors.New("panel.hub_url is required")
	}
	if c.Panel.Email == "" {
		return errors.New("panel.email is required")
	}
	if c.Panel.Username == "" {
		return errors.New("panel.username is required")
	}
	if c.Timing.MaxReconnectAttempts < 0 {
		return errors.New("timing.max_reconnect_attempts must not be negative")
	}
	return nil
}

// ValidateHub checks the development hub section.
func (c *Config) ValidateHub() error {
	if c.Hub.Addr == "" {
		return errors.New("hub.addr is required")
	}
	seen := map[string]bool{}
	for _, u := range c.Hub.Users {
		key := strings.ToLower(u.Username)
		if key == "" {
			return errors.New("hub.users: username is required")
		}
		if seen[key] {
			return errors.Errorf("hub.users: duplicate username %q", u.Username)
		}
		seen[key] = true
	}
	return nil
}
