// Package siem exports security events to external SIEM systems in
// CEF, LEEF, RFC 5424 syslog, Splunk HEC or JSON form.
package siem

import (
	"errors"
	"strings"
	"time"
)

// Common errors.
var (
	ErrUnknownFormat    = errors.New("siem: unknown export format")
	ErrUnknownTransport = errors.New("siem: unknown transport")
	ErrExporterClosed   = errors.New("siem: exporter closed")
)

// Severity is the SIEM event severity.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities from info (0) to critical (4).
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// ParseSeverity parses a severity name. "warning" and "error" are accepted
// as aliases for medium and high.
func ParseSeverity(s string) (Severity, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info", "informational":
		return SeverityInfo, true
	case "low":
		return SeverityLow, true
	case "medium", "warning", "warn":
		return SeverityMedium, true
	case "high", "error":
		return SeverityHigh, true
	case "critical":
		return SeverityCritical, true
	}
	return SeverityInfo, false
}

// Event is one security event queued for export.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType string         `json:"event_type"`
	EventName string         `json:"event_name"`
	Severity  Severity       `json:"severity"`
	Source    string         `json:"source"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

// Format names an encoder.
type Format string

const (
	FormatCEF    Format = "cef"
	FormatLEEF   Format = "leef"
	FormatSyslog Format = "syslog"
	FormatSplunk Format = "splunk"
	FormatJSON   Format = "json"
)

// TransportKind names a delivery transport.
type TransportKind string

const (
	TransportHTTP  TransportKind = "http"
	TransportUDP   TransportKind = "udp"
	TransportDTLS  TransportKind = "dtls"
	TransportKafka TransportKind = "kafka"
)
