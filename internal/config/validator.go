package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate checks the whole configuration.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	validateServer(&cfg.Server, result)
	validateSignaling(&cfg.Signaling, result)
	validateRest(cfg, result)

	return result
}

func validateServer(s *ServerConfig, result *ValidationResult) {
	if s.BindAddress != "" && net.ParseIP(s.BindAddress) == nil && s.BindAddress != "localhost" {
		result.AddError("server.bind_address", fmt.Sprintf("not an IP address: %s", s.BindAddress))
	}

	validatePort(s.TCPPort, "server.tcp_port", result)
	validatePort(s.HTTPPort, "server.http_port", result)
	if s.TCPPort == s.HTTPPort {
		result.AddError("server.ports", "tcp_port and http_port must differ")
	}

	if !strings.HasPrefix(s.WebSocketPath, "/") {
		result.AddError("server.websocket_path", "must start with /")
	}
	if strings.HasPrefix(s.WebSocketPath, "/api/") {
		result.AddError("server.websocket_path", "must not live under /api/")
	}

	if s.ReadTimeoutSec < 0 || s.WriteTimeoutSec < 0 {
		result.AddError("server.timeouts", "timeouts cannot be negative")
	}
	if s.ReadTimeoutSec > 0 && s.ReadTimeoutSec < 15 {
		result.AddWarning("server.read_timeout_sec",
			"read timeout under 15s will drop clients between heartbeats")
	}
}

func validateSignaling(s *SignalingConfig, result *ValidationResult) {
	if s.PeerPendingTimeoutSec < 1 {
		result.AddError("signaling.peer_pending_timeout_sec", "must be at least 1 second")
	}
	if s.PeerSweepIntervalSec < 1 {
		result.AddError("signaling.peer_sweep_interval_sec", "must be at least 1 second")
	}
	if s.TransferTTLMin < 1 {
		result.AddError("signaling.transfer_ttl_min", "must be at least 1 minute")
	}
	if s.StatsIntervalSec < 1 {
		result.AddWarning("signaling.stats_interval_sec", "stats logging is disabled")
	}
	if s.StaleConnectionSec > 0 && s.StaleSweepIntervalSec < 1 {
		result.AddError("signaling.stale_sweep_interval_sec", "required when stale_connection_sec is set")
	}
}

func validateRest(cfg *Config, result *ValidationResult) {
	if strings.TrimSpace(cfg.Database.Path) == "" {
		result.AddError("database.path", "database path is required")
	}

	if cfg.MQTT.Enabled {
		if strings.TrimSpace(cfg.MQTT.BrokerURL) == "" {
			result.AddError("mqtt.broker_url", "MQTT broker URL is required when enabled")
		}
		if cfg.MQTT.Port < 1 || cfg.MQTT.Port > 65535 {
			result.AddError("mqtt.port", "invalid MQTT port")
		}
	}

	sec := cfg.Security
	if sec.TLSEnabled {
		if strings.TrimSpace(sec.TLSCertFile) == "" {
			result.AddError("security.tls_cert_file", "TLS certificate file is required when TLS is enabled")
		}
		if strings.TrimSpace(sec.TLSKeyFile) == "" {
			result.AddError("security.tls_key_file", "TLS key file is required when TLS is enabled")
		}
	}

	if sec.RateLimitRPS < 1 {
		result.AddWarning("security.rate_limit_rps",
			"rate limit is disabled (0 RPS), this may expose the API to abuse")
	}

	if !sec.AuthDisabled && len(sec.AdminToken) < 16 {
		result.AddWarning("security.admin_token",
			"admin token shorter than 16 characters; monitor endpoints will reject every request if empty")
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}
