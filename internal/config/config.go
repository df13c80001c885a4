// Package config handles configuration loading for BreachGuard.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"breachguard/internal/alerting"
	"breachguard/internal/breach"
	"breachguard/internal/ledger"
	"breachguard/internal/siem"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds the complete application configuration.
type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Logging  LoggingConfig   `yaml:"logging"`
	Ledger   ledger.Config   `yaml:"ledger"`
	Breach   breach.Config   `yaml:"breach"`
	Alerting alerting.Config `yaml:"alerting"`
	SIEM     siem.Config     `yaml:"siem"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port" validate:"gte=1,lte=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" validate:"gte=0"`

	// APIKeys enables API key authentication when non-empty.
	APIKeys      []string `yaml:"api_keys"`
	APIKeyHeader string   `yaml:"api_key_header"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json text"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    1 << 20,
			APIKeyHeader:    "X-API-Key",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Ledger:   ledger.DefaultConfig(),
		Breach:   breach.DefaultConfig(),
		Alerting: alerting.DefaultConfig(),
		SIEM:     siem.DefaultConfig(),
	}
}

// Load reads the YAML file named by BREACHGUARD_CONFIG_PATH (default
// configs/config.yaml), applies environment overrides and validates the
// result. A missing file yields the defaults.
func Load() (*Config, error) {
	configPath := os.Getenv("BREACHGUARD_CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}
	return LoadFile(configPath)
}

// LoadFile is Load with an explicit path.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
		// defaults
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() error {
	var errs []error
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	setInt("HTTP_PORT", &c.Server.HTTPPort)
	if v := os.Getenv("API_KEY"); v != "" {
		c.Server.APIKeys = append(c.Server.APIKeys, v)
	}
	setString("LOG_LEVEL", &c.Logging.Level)
	setString("LEDGER_DIR", &c.Ledger.Dir)

	// Alerting
	setBool("ALERTS_ENABLED", &c.Alerting.Enabled)
	setBool("ALERT_CONSOLE_ENABLED", &c.Alerting.ConsoleEnabled)
	setString("ALERT_FILE_PATH", &c.Alerting.FilePath)
	setString("ALERT_WEBHOOK_URL", &c.Alerting.WebhookURL)
	if v := os.Getenv("ALERT_WEBHOOK_HEADERS"); v != "" {
		c.Alerting.WebhookHeaders = parseHeaders(v)
	}
	if v := os.Getenv("ALERT_NOTIFY_URLS"); v != "" {
		c.Alerting.NotifyURLs = splitAndTrim(v, ",")
	}
	if v := os.Getenv("ALERT_MIN_SEVERITY"); v != "" {
		c.Alerting.MinSeverity = alerting.Severity(strings.ToLower(strings.TrimSpace(v)))
	}
	setInt("ALERT_COOLDOWN_SECONDS", &c.Alerting.CooldownSeconds)
	setInt("ALERT_MAX_PER_HOUR", &c.Alerting.MaxAlertsPerHour)

	// SIEM
	setBool("SIEM_ENABLED", &c.SIEM.Enabled)
	if v := os.Getenv("SIEM_FORMAT"); v != "" {
		c.SIEM.Format = siem.Format(strings.ToLower(strings.TrimSpace(v)))
	}
	if v := os.Getenv("SIEM_TRANSPORT"); v != "" {
		c.SIEM.Transport = siem.TransportKind(strings.ToLower(strings.TrimSpace(v)))
	}
	setString("SIEM_ENDPOINT", &c.SIEM.Endpoint)
	setString("SIEM_SYSLOG_HOST", &c.SIEM.SyslogHost)
	setInt("SIEM_SYSLOG_PORT", &c.SIEM.SyslogPort)
	setString("SIEM_API_KEY", &c.SIEM.APIKey)
	if v := os.Getenv("SIEM_MIN_SEVERITY"); v != "" {
		sev, ok := siem.ParseSeverity(v)
		if !ok {
			errs = append(errs, fmt.Errorf("SIEM_MIN_SEVERITY: unknown severity %q", v))
		} else {
			c.SIEM.MinSeverity = sev
		}
	}
	if v := os.Getenv("SIEM_EVENT_TYPES"); v != "" {
		c.SIEM.EventTypes = splitAndTrim(v, ",")
	}
	setInt("SIEM_BATCH_SIZE", &c.SIEM.BatchSize)
	setInt("SIEM_FLUSH_INTERVAL_MS", &c.SIEM.FlushIntervalMS)
	setInt("SIEM_RETRY_ATTEMPTS", &c.SIEM.RetryAttempts)
	setInt("SIEM_QUEUE_MAX_SIZE", &c.SIEM.QueueMaxSize)
	setString("SIEM_FAILURE_DIR", &c.SIEM.FailureDir)
	if v := os.Getenv("SIEM_KAFKA_BROKERS"); v != "" {
		c.SIEM.Kafka.Brokers = splitAndTrim(v, ",")
	}
	setString("SIEM_KAFKA_TOPIC", &c.SIEM.Kafka.Topic)

	// Breach detection
	setBool("BREACH_DETECTION_ENABLED", &c.Breach.Enabled)
	setString("BREACH_CUSTOM_RULES_PATH", &c.Breach.CustomRulesPath)

	return errors.Join(errs...)
}

// parseHeaders parses "k:v,k:v". Entries without a colon are ignored.
func parseHeaders(s string) map[string]string {
	headers := make(map[string]string)
	for _, pair := range splitAndTrim(s, ",") {
		k, v, ok := strings.Cut(pair, ":")
		if !ok {
			continue
		}
		if k = strings.TrimSpace(k); k != "" {
			headers[k] = strings.TrimSpace(v)
		}
	}
	return headers
}

// splitAndTrim splits s by sep and drops empty parts.
func splitAndTrim(s, sep string) []string {
	parts := make([]string, 0)
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

var validate = validator.New()

// Validate checks struct tags and the cross-field rules between sections.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			parts := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(parts, ", "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if c.Ledger.VerifySchedule != "" {
		if _, err := cron.ParseStandard(c.Ledger.VerifySchedule); err != nil {
			return fmt.Errorf("%w: ledger.verify_schedule: %v", ErrInvalidConfig, err)
		}
	}

	if !c.SIEM.Enabled {
		return nil
	}
	if c.SIEM.RetrySchedule != "" {
		if _, err := cron.ParseStandard(c.SIEM.RetrySchedule); err != nil {
			return fmt.Errorf("%w: siem.retry_schedule: %v", ErrInvalidConfig, err)
		}
	}
	switch c.siemTransport() {
	case siem.TransportHTTP:
		if c.SIEM.Endpoint == "" {
			return fmt.Errorf("%w: siem.endpoint is required for the http transport", ErrInvalidConfig)
		}
	case siem.TransportUDP, siem.TransportDTLS:
		if c.SIEM.SyslogHost == "" || c.SIEM.SyslogPort == 0 {
			return fmt.Errorf("%w: siem.syslog_host and siem.syslog_port are required for %s", ErrInvalidConfig, c.siemTransport())
		}
	case siem.TransportKafka:
		if err := c.SIEM.Kafka.Validate(); err != nil {
			return fmt.Errorf("%w: siem.kafka: %v", ErrInvalidConfig, err)
		}
	}
	return nil
}

func (c *Config) siemTransport() siem.TransportKind {
	if c.SIEM.Transport != "" {
		return c.SIEM.Transport
	}
	if c.SIEM.Format == siem.FormatSyslog {
		return siem.TransportUDP
	}
	return siem.TransportHTTP
}
