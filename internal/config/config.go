// Package config handles configuration loading, validation, and persistence
// for the Tether signaling server.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "config.json"
	DefaultTCPPort    = 7443
	DefaultHTTPPort   = 7080
)

// Config is the root configuration structure for Tether.
type Config struct {
	mu   sync.RWMutex
	path string

	Server    ServerConfig    `json:"server"`
	Signaling SignalingConfig `json:"signaling"`
	Database  DatabaseConfig  `json:"database"`
	MQTT      MQTTConfig      `json:"mqtt"`
	Security  SecurityConfig  `json:"security"`
	Logging   LoggingConfig   `json:"logging"`
}

// ServerConfig holds listener settings for both transports.
type ServerConfig struct {
	BindAddress     string `json:"bind_address"`
	TCPPort         int    `json:"tcp_port"`
	HTTPPort        int    `json:"http_port"`
	WebSocketPath   string `json:"websocket_path"`
	ReadTimeoutSec  int    `json:"read_timeout_sec"`
	WriteTimeoutSec int    `json:"write_timeout_sec"`
}

// SignalingConfig holds negotiation and transfer timing.
type SignalingConfig struct {
	PeerPendingTimeoutSec int `json:"peer_pending_timeout_sec"`
	PeerSweepIntervalSec  int `json:"peer_sweep_interval_sec"`
	TransferTTLMin        int `json:"transfer_ttl_min"`
	StatsIntervalSec      int `json:"stats_interval_sec"`
	StaleConnectionSec    int `json:"stale_connection_sec"`
	StaleSweepIntervalSec int `json:"stale_sweep_interval_sec"`
}

// PeerPendingTimeout returns the pending negotiation expiry.
func (s SignalingConfig) PeerPendingTimeout() time.Duration {
	return time.Duration(s.PeerPendingTimeoutSec) * time.Second
}

// TransferTTL returns the transfer session TTL.
func (s SignalingConfig) TransferTTL() time.Duration {
	return time.Duration(s.TransferTTLMin) * time.Minute
}

// DatabaseConfig holds the SQLite store location.
type DatabaseConfig struct {
	Path string `json:"path"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`
	Port        int    `json:"port"`
	UseTLS      bool   `json:"use_tls"`
	CertFile    string `json:"cert_file"`
	KeyFile     string `json:"key_file"`
	ClientID    string `json:"client_id"`
	TopicPrefix string `json:"topic_prefix"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	TLSEnabled     bool     `json:"tls_enabled"`
	TLSCertFile    string   `json:"tls_cert_file"`
	TLSKeyFile     string   `json:"tls_key_file"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
	IPWhitelist    []string `json:"ip_whitelist"`
	AdminToken     string   `json:"admin_token"`
	AuthDisabled   bool     `json:"auth_disabled"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxBackups int    `json:"max_backups"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddress:     "0.0.0.0",
			TCPPort:         DefaultTCPPort,
			HTTPPort:        DefaultHTTPPort,
			WebSocketPath:   "/ws",
			ReadTimeoutSec:  90,
			WriteTimeoutSec: 10,
		},
		Signaling: SignalingConfig{
			PeerPendingTimeoutSec: 60,
			PeerSweepIntervalSec:  30,
			TransferTTLMin:        30,
			StatsIntervalSec:      60,
			StaleConnectionSec:    180,
			StaleSweepIntervalSec: 60,
		},
		Database: DatabaseConfig{
			Path: filepath.Join("data", "tether.db"),
		},
		MQTT: MQTTConfig{
			Enabled:     false,
			BrokerURL:   "localhost",
			Port:        8883,
			UseTLS:      true,
			TopicPrefix: "tether",
		},
		Security: SecurityConfig{
			RateLimitRPS: 50,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Directory:  "logs",
			MaxBackups: 5,
		},
	}
}

// Load reads configuration from a JSON file.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig() // Start with defaults, then overlay
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Re-save so the file lists options added since it was written.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetServer returns a copy of the listener configuration.
func (c *Config) GetServer() ServerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Server
}

// GetSignaling returns a copy of the signaling configuration.
func (c *Config) GetSignaling() SignalingConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Signaling
}

// GetSecurity returns a copy of the security configuration.
func (c *Config) GetSecurity() SecurityConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Security
}

// GetMQTT returns a copy of the MQTT configuration.
func (c *Config) GetMQTT() MQTTConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.MQTT
}

// GetLogging returns a copy of the logging configuration.
func (c *Config) GetLogging() LoggingConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Logging
}

// SetLogLevel overrides the configured log level.
func (c *Config) SetLogLevel(level string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Logging.Level = level
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}
