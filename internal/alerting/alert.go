// Package alerting dispatches rate-limited, deduplicated security alerts to
// console, file, webhook and notification-router channels.
package alerting

import (
	"context"
	"strings"
	"time"
)

// Severity is the alert severity.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; unknown values rank below info.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityError:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// ParseSeverity parses a severity name, defaulting to info.
func ParseSeverity(s string) Severity {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if sev.Rank() == 0 {
		return SeverityInfo
	}
	return sev
}

// Color returns the hex color used for the severity (critical red, error
// orange, warning yellow, info blue).
func (s Severity) Color() string {
	switch s {
	case SeverityCritical:
		return "#FF0000"
	case SeverityError:
		return "#FFA500"
	case SeverityWarning:
		return "#FFFF00"
	default:
		return "#0000FF"
	}
}

// Alert is a dispatched alert.
type Alert struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Severity  Severity       `json:"severity"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Source    string         `json:"source"`
	Details   map[string]any `json:"details,omitempty"`
	// SentTo lists the channels that accepted the alert.
	SentTo []string `json:"sent_to"`
}

// Channel delivers alerts to one destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, alert *Alert) error
}

// Config configures the dispatcher and its channels.
type Config struct {
	Enabled          bool     `yaml:"enabled"`
	MinSeverity      Severity `yaml:"min_severity" validate:"oneof=info warning error critical"`
	CooldownSeconds  int      `yaml:"cooldown_seconds" validate:"gte=0"`
	MaxAlertsPerHour int      `yaml:"max_alerts_per_hour" validate:"gte=0"`

	ConsoleEnabled bool `yaml:"console_enabled"`

	FilePath       string `yaml:"file_path"`
	FileMaxSizeMB  int    `yaml:"file_max_size_mb" validate:"gte=0"`
	FileMaxBackups int    `yaml:"file_max_backups" validate:"gte=0"`
	FileMaxAgeDays int    `yaml:"file_max_age_days" validate:"gte=0"`
	FileCompress   bool   `yaml:"file_compress"`

	WebhookURL     string            `yaml:"webhook_url" validate:"omitempty,url"`
	WebhookHeaders map[string]string `yaml:"webhook_headers"`

	// NotifyURLs are shoutrrr service URLs (slack://, discord://, smtp://, ...).
	NotifyURLs []string `yaml:"notify_urls"`

	ChannelTimeout time.Duration `yaml:"channel_timeout"`
	HistorySize    int           `yaml:"history_size" validate:"gte=0"`
	DedupCacheSize int           `yaml:"dedup_cache_size" validate:"gte=0"`
}

// DefaultConfig returns the default alerting configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		MinSeverity:      SeverityInfo,
		CooldownSeconds:  300,
		MaxAlertsPerHour: 100,
		ConsoleEnabled:   true,
		FileMaxSizeMB:    50,
		FileMaxBackups:   5,
		FileMaxAgeDays:   30,
		ChannelTimeout:   10 * time.Second,
		HistorySize:      500,
		DedupCacheSize:   10000,
	}
}
