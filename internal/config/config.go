package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"nostr-outbox/internal/wire"
)

const (
	DefaultMaxSubscriptions  = 20
	DefaultMaxJSONBytes      = 64 * 1024
	DefaultInitialReconnect  = time.Second
	DefaultMaxReconnect      = 60 * time.Second
	DefaultKeepalivePingRate = 45 * time.Second
	DefaultDialTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
)

// OutboxConfig holds the tunables of the outbox pool.
type OutboxConfig struct {
	MaxSubscriptions  int                    `yaml:"max_subscriptions"`
	MaxJSONBytes      int                    `yaml:"max_json_bytes"`
	InitialReconnect  Duration               `yaml:"initial_reconnect"`
	MaxReconnect      Duration               `yaml:"max_reconnect"`
	KeepalivePingRate Duration               `yaml:"keepalive_ping_rate"`
	DialTimeout       Duration               `yaml:"dial_timeout"`
	WriteTimeout      Duration               `yaml:"write_timeout"`
	DefaultRelays     []string               `yaml:"default_relays"`
	Relays            map[string]RelayLimits `yaml:"relays"`
}

// RelayLimits overrides the global limits for one relay. Zero means inherit.
type RelayLimits struct {
	MaxSubscriptions int `yaml:"max_subscriptions"`
	MaxJSONBytes     int `yaml:"max_json_bytes"`
}

// Duration accepts "1500ms"-style strings or plain numbers of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*d = 0
		return nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		*d = Duration(td)
		return nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		*d = Duration(time.Duration(f * float64(time.Second)))
		return nil
	}
	return fmt.Errorf("invalid duration value: %q", node.Value)
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns a configuration with every field at its default.
func Default() *OutboxConfig {
	return &OutboxConfig{
		MaxSubscriptions:  DefaultMaxSubscriptions,
		MaxJSONBytes:      DefaultMaxJSONBytes,
		InitialReconnect:  Duration(DefaultInitialReconnect),
		MaxReconnect:      Duration(DefaultMaxReconnect),
		KeepalivePingRate: Duration(DefaultKeepalivePingRate),
		DialTimeout:       Duration(DefaultDialTimeout),
		WriteTimeout:      Duration(DefaultWriteTimeout),
		DefaultRelays: []string{
			"wss://relay.damus.io",
			"wss://relay.primal.net",
			"wss://nos.lol",
		},
	}
}

// Limits returns the effective max_subscriptions and max_json_bytes for a
// normalized relay URL.
func (c *OutboxConfig) Limits(url string) (maxSubs, maxJSON int) {
	maxSubs, maxJSON = c.MaxSubscriptions, c.MaxJSONBytes
	if o, ok := c.Relays[url]; ok {
		if o.MaxSubscriptions > 0 {
			maxSubs = o.MaxSubscriptions
		}
		if o.MaxJSONBytes > 0 {
			maxJSON = o.MaxJSONBytes
		}
	}
	return maxSubs, maxJSON
}

// fillDefaults replaces unset or nonsensical values and normalizes relay URLs.
func (c *OutboxConfig) fillDefaults() {
	def := Default()
	if c.MaxSubscriptions <= 0 {
		c.MaxSubscriptions = def.MaxSubscriptions
	}
	if c.MaxJSONBytes <= 0 {
		c.MaxJSONBytes = def.MaxJSONBytes
	}
	if c.InitialReconnect <= 0 {
		c.InitialReconnect = def.InitialReconnect
	}
	if c.MaxReconnect < c.InitialReconnect {
		c.MaxReconnect = max(def.MaxReconnect, c.InitialReconnect)
	}
	if c.KeepalivePingRate <= 0 {
		c.KeepalivePingRate = def.KeepalivePingRate
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if len(c.DefaultRelays) == 0 {
		c.DefaultRelays = def.DefaultRelays
	}

	relays := make([]string, 0, len(c.DefaultRelays))
	for _, r := range c.DefaultRelays {
		n, err := wire.NormalizeRelayURL(r)
		if err != nil {
			slog.Warn("dropping invalid default relay", "url", r, "error", err)
			continue
		}
		relays = append(relays, n)
	}
	c.DefaultRelays = relays

	if len(c.Relays) > 0 {
		normalized := make(map[string]RelayLimits, len(c.Relays))
		for u, l := range c.Relays {
			n, err := wire.NormalizeRelayURL(u)
			if err != nil {
				slog.Warn("dropping limits for invalid relay", "url", u, "error", err)
				continue
			}
			normalized[n] = l
		}
		c.Relays = normalized
	}
}

// applyEnv overrides file values from OUTBOX_* environment variables.
func (c *OutboxConfig) applyEnv() {
	if v := os.Getenv("OUTBOX_MAX_SUBSCRIPTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.MaxSubscriptions = n
		} else {
			slog.Warn("ignoring invalid OUTBOX_MAX_SUBSCRIPTIONS", "value", v)
		}
	}
	if v := os.Getenv("OUTBOX_MAX_JSON_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.MaxJSONBytes = n
		} else {
			slog.Warn("ignoring invalid OUTBOX_MAX_JSON_BYTES", "value", v)
		}
	}
	if v := os.Getenv("OUTBOX_DEFAULT_RELAYS"); v != "" {
		var relays []string
		for _, r := range strings.Split(v, ",") {
			if r = strings.TrimSpace(r); r != "" {
				relays = append(relays, r)
			}
		}
		c.DefaultRelays = relays
	}
}

// Load reads path, applies env overrides and fills defaults. A missing file
// is not an error.
func Load(path string) (*OutboxConfig, error) {
	cfg := Default()
	cfg.DefaultRelays = nil

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		slog.Debug("config file not found, using defaults", "path", path)
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.fillDefaults()
	return cfg, nil
}

var (
	outboxConfig     *OutboxConfig
	outboxConfigMu   sync.RWMutex
	outboxConfigOnce sync.Once
)

// Get returns the process-wide configuration, loading it on first use.
func Get() *OutboxConfig {
	outboxConfigOnce.Do(func() {
		outboxConfigMu.Lock()
		defer outboxConfigMu.Unlock()
		if outboxConfig == nil {
			outboxConfig = loadFromEnvPath()
		}
	})

	outboxConfigMu.RLock()
	defer outboxConfigMu.RUnlock()
	return outboxConfig
}

// Reload re-reads the configuration file.
func Reload() *OutboxConfig {
	cfg := loadFromEnvPath()
	outboxConfigMu.Lock()
	defer outboxConfigMu.Unlock()
	outboxConfig = cfg
	slog.Info("outbox configuration reloaded")
	return cfg
}

// Path is the configuration file location: $OUTBOX_CONFIG or config/outbox.yaml.
func Path() string {
	if p := os.Getenv("OUTBOX_CONFIG"); p != "" {
		return p
	}
	return "config/outbox.yaml"
}

func loadFromEnvPath() *OutboxConfig {
	path := Path()
	cfg, err := Load(path)
	if err != nil {
		slog.Error("invalid config, using defaults", "path", path, "error", err)
		cfg = Default()
		cfg.applyEnv()
		cfg.fillDefaults()
		return cfg
	}
	slog.Info("loaded outbox configuration",
		"path", path,
		"max_subscriptions", cfg.MaxSubscriptions,
		"max_json_bytes", cfg.MaxJSONBytes,
		"default_relays", len(cfg.DefaultRelays),
		"relay_overrides", len(cfg.Relays))
	return cfg
}
