package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ConsoleChannel prints alerts as styled lines.
type ConsoleChannel struct {
	mu     sync.Mutex
	w      io.Writer
	styles map[Severity]lipgloss.Style
	muted  lipgloss.Style
}

// NewConsoleChannel creates a console channel writing to w.
func NewConsoleChannel(w io.Writer) *ConsoleChannel {
	styles := make(map[Severity]lipgloss.Style)
	for _, sev := range []Severity{SeverityInfo, SeverityWarning, SeverityError, SeverityCritical} {
		styles[sev] = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(sev.Color()))
	}
	return &ConsoleChannel{
		w:      w,
		styles: styles,
		muted:  lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280")),
	}
}

func (c *ConsoleChannel) Name() string { return "console" }

func (c *ConsoleChannel) Send(_ context.Context, alert *Alert) error {
	style, ok := c.styles[alert.Severity]
	if !ok {
		style = c.styles[SeverityInfo]
	}
	line := fmt.Sprintf("%s %s %s: %s %s\n",
		c.muted.Render(alert.Timestamp.Format(time.RFC3339)),
		style.Render("["+strings.ToUpper(string(alert.Severity))+"]"),
		alert.Title,
		alert.Message,
		c.muted.Render("("+alert.Source+")"))

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := io.WriteString(c.w, line)
	return err
}

// FileChannel appends alerts as JSON lines to a size-rotated file.
type FileChannel struct {
	out *lumberjack.Logger
}

// NewFileChannel creates a file channel. Sizes are in megabytes, ages in days.
func NewFileChannel(path string, maxSizeMB, maxBackups, maxAgeDays int, compress bool) *FileChannel {
	return &FileChannel{
		out: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			MaxAge:     maxAgeDays,
			Compress:   compress,
		},
	}
}

func (f *FileChannel) Name() string { return "file" }

func (f *FileChannel) Send(_ context.Context, alert *Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	if _, err := f.out.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write alert: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (f *FileChannel) Close() error { return f.out.Close() }

// WebhookKind selects the payload shape for a webhook endpoint.
type WebhookKind string

const (
	WebhookGeneric WebhookKind = "generic"
	WebhookSlack   WebhookKind = "slack"
	WebhookTeams   WebhookKind = "teams"
)

// DetectWebhookKind infers the payload shape from the endpoint hostname.
func DetectWebhookKind(endpoint string) WebhookKind {
	u, err := url.Parse(endpoint)
	if err != nil {
		return WebhookGeneric
	}
	host := strings.ToLower(u.Hostname())
	switch {
	case strings.Contains(host, "slack.com"):
		return WebhookSlack
	case strings.Contains(host, "office.com"), strings.Contains(host, "microsoft.com"):
		return WebhookTeams
	default:
		return WebhookGeneric
	}
}

// WebhookChannel posts alerts to an HTTP endpoint.
type WebhookChannel struct {
	url     string
	kind    WebhookKind
	headers map[string]string
	client  *http.Client
}

// NewWebhookChannel creates a webhook channel with the given request timeout.
func NewWebhookChannel(endpoint string, headers map[string]string, timeout time.Duration) *WebhookChannel {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookChannel{
		url:     endpoint,
		kind:    DetectWebhookKind(endpoint),
		headers: headers,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (w *WebhookChannel) Name() string { return "webhook" }

// Kind returns the detected payload shape.
func (w *WebhookChannel) Kind() WebhookKind { return w.kind }

func (w *WebhookChannel) Send(ctx context.Context, alert *Alert) error {
	payload, err := json.Marshal(buildWebhookPayload(w.kind, alert))
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

func buildWebhookPayload(kind WebhookKind, alert *Alert) any {
	switch kind {
	case WebhookSlack:
		return slackPayload(alert)
	case WebhookTeams:
		return teamsPayload(alert)
	default:
		return map[string]any{
			"type":  "security_alert",
			"alert": alert,
		}
	}
}

func slackPayload(alert *Alert) map[string]any {
	fields := []map[string]any{
		{"title": "Severity", "value": string(alert.Severity), "short": true},
		{"title": "Source", "value": alert.Source, "short": true},
	}
	for _, k := range sortedKeys(alert.Details) {
		fields = append(fields, map[string]any{
			"title": k, "value": fmt.Sprint(alert.Details[k]), "short": true,
		})
	}
	return map[string]any{
		"attachments": []map[string]any{
			{
				"color":  alert.Severity.Color(),
				"title":  fmt.Sprintf("[%s] %s", strings.ToUpper(string(alert.Severity)), alert.Title),
				"text":   alert.Message,
				"fields": fields,
				"footer": "breachguard | alert " + shortID(alert.ID),
				"ts":     alert.Timestamp.Unix(),
			},
		},
	}
}

func teamsPayload(alert *Alert) map[string]any {
	facts := []map[string]string{
		{"name": "Severity", "value": string(alert.Severity)},
		{"name": "Source", "value": alert.Source},
	}
	for _, k := range sortedKeys(alert.Details) {
		facts = append(facts, map[string]string{"name": k, "value": fmt.Sprint(alert.Details[k])})
	}
	return map[string]any{
		"@type":      "MessageCard",
		"@context":   "https://schema.org/extensions",
		"themeColor": strings.TrimPrefix(alert.Severity.Color(), "#"),
		"summary":    alert.Title,
		"sections": []map[string]any{
			{
				"activityTitle":    fmt.Sprintf("[%s] %s", strings.ToUpper(string(alert.Severity)), alert.Title),
				"activitySubtitle": alert.Timestamp.Format(time.RFC3339),
				"text":             alert.Message,
				"facts":            facts,
			},
		},
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
