package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/danmuck/apisession/internal/logging"
	"github.com/pelletier/go-toml/v2"
)

const (
	DefaultTransport        = "auto"
	DefaultTransportTimeout = 15 * time.Second
	DefaultKeyringBackend   = "memory"
	DefaultMockAPIAddr      = "127.0.0.1:8443"
)

// ClientConfig configures sessions built by session.NewFromConfig.
type ClientConfig struct {
	AppVersion       string        `toml:"app_version"`
	UserAgent        string        `toml:"user_agent"`
	Environment      string        `toml:"environment"`
	EnvironmentsFile string        `toml:"environments_file"`
	Transport        string        `toml:"transport"`
	TransportTimeout string        `toml:"transport_timeout"`
	Keyring          KeyringConfig `toml:"keyring"`
	Modulus          ModulusConfig `toml:"modulus"`
	Log              LogConfig     `toml:"log"`
}

type KeyringConfig struct {
	Backend string `toml:"backend"`
	Path    string `toml:"path"`
}

// ModulusConfig replaces the built-in modulus signing key, for example with
// the key written by cmd/mockapi.
type ModulusConfig struct {
	KeyFile     string `toml:"key_file"`
	Fingerprint string `toml:"fingerprint"`
}

type LogConfig struct {
	Level   string `toml:"level"`
	File    string `toml:"file"`
	NoColor bool   `toml:"no_color"`
}

// MockAPIConfig configures cmd/mockapi.
type MockAPIConfig struct {
	Addr          string `toml:"addr"`
	Username      string `toml:"username"`
	Password      string `toml:"password"`
	TwoFactorCode string `toml:"two_factor_code"`
	Metrics       bool   `toml:"metrics"`
	// ModulusKeyFile receives the armored key that signs served moduli.
	ModulusKeyFile string    `toml:"modulus_key_file"`
	Log            LogConfig `toml:"log"`
}

func LoadClientConfig(path string) (ClientConfig, error) {
	var cfg ClientConfig
	if err := loadToml(path, &cfg); err != nil {
		return ClientConfig{}, err
	}
	cfg.ApplyDefaults()
	if err := ValidateClientConfig(cfg); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

// DefaultClientConfig is the configuration used without a file.
func DefaultClientConfig() ClientConfig {
	var cfg ClientConfig
	cfg.ApplyDefaults()
	return cfg
}

func (c *ClientConfig) ApplyDefaults() {
	if c.Transport == "" {
		c.Transport = DefaultTransport
	}
	if c.TransportTimeout == "" {
		c.TransportTimeout = DefaultTransportTimeout.String()
	}
	if c.Keyring.Backend == "" {
		c.Keyring.Backend = DefaultKeyringBackend
	}
}

// Timeout returns the parsed transport timeout, or the default when unset.
func (c ClientConfig) Timeout() time.Duration {
	d, err := time.ParseDuration(c.TransportTimeout)
	if err != nil || d <= 0 {
		return DefaultTransportTimeout
	}
	return d
}

func LoadMockAPIConfig(path string) (MockAPIConfig, error) {
	var cfg MockAPIConfig
	if err := loadToml(path, &cfg); err != nil {
		return MockAPIConfig{}, err
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultMockAPIAddr
	}
	if err := ValidateMockAPIConfig(cfg); err != nil {
		return MockAPIConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateClientConfig(cfg ClientConfig) error {
	if strings.TrimSpace(cfg.Transport) == "" {
		return fmt.Errorf("client config missing transport")
	}
	if d, err := time.ParseDuration(cfg.TransportTimeout); err != nil || d <= 0 {
		return fmt.Errorf("client config invalid transport_timeout %q", cfg.TransportTimeout)
	}
	switch cfg.Keyring.Backend {
	case "memory":
	case "sqlite":
		if strings.TrimSpace(cfg.Keyring.Path) == "" {
			return fmt.Errorf("keyring path required for sqlite backend")
		}
	default:
		return fmt.Errorf("unknown keyring backend: %s", cfg.Keyring.Backend)
	}
	if (cfg.Modulus.KeyFile == "") != (cfg.Modulus.Fingerprint == "") {
		return fmt.Errorf("modulus key_file and fingerprint must be set together")
	}
	if err := validateLog(cfg.Log); err != nil {
		return fmt.Errorf("client config: %w", err)
	}
	return nil
}

func ValidateMockAPIConfig(cfg MockAPIConfig) error {
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("mockapi config missing addr")
	}
	if strings.TrimSpace(cfg.Username) == "" || cfg.Password == "" {
		return fmt.Errorf("mockapi config requires username and password")
	}
	if err := validateLog(cfg.Log); err != nil {
		return fmt.Errorf("mockapi config: %w", err)
	}
	return nil
}

func validateLog(cfg LogConfig) error {
	if cfg.Level == "" {
		return nil
	}
	if _, ok := logging.ParseLevel(cfg.Level); !ok {
		return fmt.Errorf("unknown log level: %s", cfg.Level)
	}
	return nil
}
