package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	SFU      SFUConfig      `yaml:"sfu"`
}

type ServerConfig struct {
	Name    string `yaml:"name"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	BaseURL string `yaml:"base_url"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

type GatewayConfig struct {
	// AllowedOrigins lists origins accepted on the WS upgrade, besides
	// loopback. A trailing "*" matches by prefix.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// IdleTimeoutMinutes is the fallback idle threshold when the settings
	// store is unreachable.
	IdleTimeoutMinutes int `yaml:"idle_timeout_minutes"`
}

type SFUConfig struct {
	Enabled              bool   `yaml:"enabled"`
	AudioOnly            bool   `yaml:"audio_only"`
	AnnouncedIP          string `yaml:"announced_ip"`
	ListenIP             string `yaml:"listen_ip"`
	MinPort              uint16 `yaml:"min_port"`
	MaxPort              uint16 `yaml:"max_port"`
	EnableUDP            bool   `yaml:"enable_udp"`
	EnableTCP            bool   `yaml:"enable_tcp"`
	PreferTCP            bool   `yaml:"prefer_tcp"`
	MaxTransportsPerPeer int    `yaml:"max_transports_per_peer"`
	MaxProducersPerPeer  int    `yaml:"max_producers_per_peer"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.setDefaults()

	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("HARBOR_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("HARBOR_ANNOUNCED_IP"); v != "" {
		c.SFU.AnnouncedIP = v
	}
}

func (c *Config) validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if c.SFU.MinPort != 0 && c.SFU.MaxPort != 0 && c.SFU.MinPort > c.SFU.MaxPort {
		return fmt.Errorf("sfu.min_port must not exceed sfu.max_port")
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Name == "" {
		c.Server.Name = "Harbor Server"
	}
	if c.Server.BaseURL == "" {
		c.Server.BaseURL = fmt.Sprintf("http://%s:%d", c.Server.Host, c.Server.Port)
	}
	if c.Database.Path == "" {
		c.Database.Path = "./data/harbor.db"
	}
	if c.Gateway.IdleTimeoutMinutes == 0 {
		c.Gateway.IdleTimeoutMinutes = 15
	}
	if c.SFU.MinPort == 0 {
		c.SFU.MinPort = 50000
	}
	if c.SFU.MaxPort == 0 {
		c.SFU.MaxPort = 50100
	}
	if !c.SFU.EnableUDP && !c.SFU.EnableTCP {
		c.SFU.EnableUDP = true
	}
	if c.SFU.MaxTransportsPerPeer == 0 {
		c.SFU.MaxTransportsPerPeer = 4
	}
	if c.SFU.MaxProducersPerPeer == 0 {
		c.SFU.MaxProducersPerPeer = 4
	}
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
