// Package config loads overlay-hub settings. Layers apply in order: built-in
// defaults, an optional TOML file, a .env file, then OVERLAY_* environment
// variables. Command-line flags are applied last by the binary itself.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

type Role string

const (
	RoleServer Role = "server"
	RoleClient Role = "client"
)

type Config struct {
	Role Role

	// Server
	ListenAddress      string
	ListenEndpoint     string
	MetricsEndpoint    string
	AllowAllHosts      bool
	AllowlistedHosts   []string
	DenylistedHosts    []string
	MaxReadMessageSize int64
	EvictOnDisconnect  bool

	// Client
	ServerUrl     string
	PlatformId    uint64
	CharacterName string
	ClientNonce   int32

	TickInterval time.Duration
}

func Default() Config {
	return Config{
		Role:               RoleServer,
		ListenAddress:      ":3000",
		ListenEndpoint:     "/ws",
		MetricsEndpoint:    "/metrics",
		AllowAllHosts:      true,
		MaxReadMessageSize: 64 * 1024,
		ServerUrl:          "ws://localhost:3000/ws",
		CharacterName:      "Player",
		TickInterval:       50 * time.Millisecond,
	}
}

// overlay-hub TOML key mapping.
type fileConfig struct {
	Role               string   `toml:"role"`
	ListenAddress      string   `toml:"listen_address"`
	ListenEndpoint     string   `toml:"listen_endpoint"`
	MetricsEndpoint    string   `toml:"metrics_endpoint"`
	AllowAllHosts      bool     `toml:"allow_all_hosts"`
	AllowlistedHosts   []string `toml:"allowlisted_hosts"`
	DenylistedHosts    []string `toml:"denylisted_hosts"`
	MaxReadMessageSize int64    `toml:"max_read_message_size"`
	EvictOnDisconnect  bool     `toml:"evict_on_disconnect"`
	ServerUrl          string   `toml:"server_url"`
	PlatformId         uint64   `toml:"platform_id"`
	CharacterName      string   `toml:"character_name"`
	ClientNonce        int32    `toml:"client_nonce"`
	TickInterval       string   `toml:"tick_interval"`
}

// LoadFile overlays the keys present in the TOML file at path onto cfg.
func LoadFile(cfg *Config, path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load overlay config: %w", err)
	}

	if meta.IsDefined("role") {
		cfg.Role = Role(strings.TrimSpace(raw.Role))
	}
	if meta.IsDefined("listen_address") {
		cfg.ListenAddress = strings.TrimSpace(raw.ListenAddress)
	}
	if meta.IsDefined("listen_endpoint") {
		cfg.ListenEndpoint = strings.TrimSpace(raw.ListenEndpoint)
	}
	if meta.IsDefined("metrics_endpoint") {
		cfg.MetricsEndpoint = strings.TrimSpace(raw.MetricsEndpoint)
	}
	if meta.IsDefined("allow_all_hosts") {
		cfg.AllowAllHosts = raw.AllowAllHosts
	}
	if meta.IsDefined("allowlisted_hosts") {
		cfg.AllowlistedHosts = raw.AllowlistedHosts
	}
	if meta.IsDefined("denylisted_hosts") {
		cfg.DenylistedHosts = raw.DenylistedHosts
	}
	if meta.IsDefined("max_read_message_size") {
		cfg.MaxReadMessageSize = raw.MaxReadMessageSize
	}
	if meta.IsDefined("evict_on_disconnect") {
		cfg.EvictOnDisconnect = raw.EvictOnDisconnect
	}
	if meta.IsDefined("server_url") {
		cfg.ServerUrl = strings.TrimSpace(raw.ServerUrl)
	}
	if meta.IsDefined("platform_id") {
		cfg.PlatformId = raw.PlatformId
	}
	if meta.IsDefined("character_name") {
		cfg.CharacterName = strings.TrimSpace(raw.CharacterName)
	}
	if meta.IsDefined("client_nonce") {
		cfg.ClientNonce = raw.ClientNonce
	}
	if meta.IsDefined("tick_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.TickInterval))
		if err != nil {
			return fmt.Errorf("load overlay config: tick_interval: %w", err)
		}
		cfg.TickInterval = d
	}

	return nil
}

// LoadDotenv loads .env files into the process environment. Missing files
// are not an error; variables already set are left alone.
func LoadDotenv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// ApplyEnv overlays OVERLAY_* variables found through lookup onto cfg.
func ApplyEnv(cfg *Config, lookup func(key string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok {
			*dst = splitList(v)
		}
	}

	var role string
	str("OVERLAY_ROLE", &role)
	if role != "" {
		cfg.Role = Role(role)
	}
	str("OVERLAY_LISTEN_ADDRESS", &cfg.ListenAddress)
	str("OVERLAY_LISTEN_ENDPOINT", &cfg.ListenEndpoint)
	str("OVERLAY_METRICS_ENDPOINT", &cfg.MetricsEndpoint)
	str("OVERLAY_SERVER_URL", &cfg.ServerUrl)
	str("OVERLAY_CHARACTER_NAME", &cfg.CharacterName)
	list("OVERLAY_ALLOWLISTED_HOSTS", &cfg.AllowlistedHosts)
	list("OVERLAY_DENYLISTED_HOSTS", &cfg.DenylistedHosts)

	if v, ok := lookup("OVERLAY_ALLOW_ALL_HOSTS"); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("OVERLAY_ALLOW_ALL_HOSTS: %w", err)
		}
		cfg.AllowAllHosts = b
	}
	if v, ok := lookup("OVERLAY_EVICT_ON_DISCONNECT"); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("OVERLAY_EVICT_ON_DISCONNECT: %w", err)
		}
		cfg.EvictOnDisconnect = b
	}
	if v, ok := lookup("OVERLAY_MAX_READ_MESSAGE_SIZE"); ok {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 0, 64)
		if err != nil {
			return fmt.Errorf("OVERLAY_MAX_READ_MESSAGE_SIZE: %w", err)
		}
		cfg.MaxReadMessageSize = n
	}
	if v, ok := lookup("OVERLAY_PLATFORM_ID"); ok {
		n, err := strconv.ParseUint(strings.TrimSpace(v), 0, 64)
		if err != nil {
			return fmt.Errorf("OVERLAY_PLATFORM_ID: %w", err)
		}
		cfg.PlatformId = n
	}
	if v, ok := lookup("OVERLAY_CLIENT_NONCE"); ok {
		n, err := ParseClientNonce(v)
		if err != nil {
			return fmt.Errorf("OVERLAY_CLIENT_NONCE: %w", err)
		}
		cfg.ClientNonce = n
	}
	if v, ok := lookup("OVERLAY_TICK_INTERVAL"); ok {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("OVERLAY_TICK_INTERVAL: %w", err)
		}
		cfg.TickInterval = d
	}

	return nil
}

// ParseClientNonce accepts any base strconv understands and rejects values
// outside the int32 range instead of truncating them.
func ParseClientNonce(v string) (int32, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(v), 0, 32)
	if err != nil {
		return 0, err
	}
	return int32(n), nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c Config) Validate() error {
	switch c.Role {
	case RoleServer:
		if c.ListenAddress == "" {
			return fmt.Errorf("server role requires a listen address")
		}
		if !strings.HasPrefix(c.ListenEndpoint, "/") {
			return fmt.Errorf("listen endpoint %q must start with '/'", c.ListenEndpoint)
		}
	case RoleClient:
		if c.ServerUrl == "" {
			return fmt.Errorf("client role requires a server URL")
		}
		if c.PlatformId == 0 {
			return fmt.Errorf("client role requires a non-zero platform id")
		}
	default:
		return fmt.Errorf("unknown role %q (expected server or client)", c.Role)
	}

	if c.TickInterval <= 0 {
		return fmt.Errorf("tick interval must be positive, got %s", c.TickInterval)
	}
	return nil
}

// Load builds a Config from defaults, the TOML file at path (skipped when
// path is empty), the .env file and the process environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := LoadFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := LoadDotenv(); err != nil {
		return Config{}, err
	}
	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
