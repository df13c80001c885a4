package siem

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Syslog facility used when none is configured.
const FacilityLocal0 = 16

// Fixed severity tables. Each wire format defines its own scale.
var (
	cefSeverity = map[Severity]int{
		SeverityInfo:     1,
		SeverityLow:      3,
		SeverityMedium:   5,
		SeverityHigh:     8,
		SeverityCritical: 10,
	}
	leefSeverity = map[Severity]int{
		SeverityInfo:     1,
		SeverityLow:      3,
		SeverityMedium:   5,
		SeverityHigh:     8,
		SeverityCritical: 10,
	}
	syslogSeverity = map[Severity]int{
		SeverityCritical: 2,
		SeverityHigh:     3,
		SeverityMedium:   4,
		SeverityLow:      5,
		SeverityInfo:     6,
	}
)

func lookup(table map[Severity]int, s Severity) int {
	if v, ok := table[s]; ok {
		return v
	}
	return table[SeverityInfo]
}

// Formatter encodes events into one wire format.
type Formatter struct {
	Format     Format
	Vendor     string
	Product    string
	Version    string
	Hostname   string
	AppName    string
	Facility   int
	SourceType string
	PID        int
}

// Encode renders ev in the formatter's wire format.
func (f *Formatter) Encode(ev *Event) ([]byte, error) {
	switch f.Format {
	case FormatCEF:
		return []byte(f.cef(ev)), nil
	case FormatLEEF:
		return []byte(f.leef(ev)), nil
	case FormatSyslog:
		return []byte(f.syslog(ev)), nil
	case FormatSplunk:
		return f.splunk(ev)
	case FormatJSON:
		return json.Marshal(ev)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, f.Format)
	}
}

// ContentType returns the HTTP content type for the format.
func (f *Formatter) ContentType() string {
	switch f.Format {
	case FormatSplunk, FormatJSON:
		return "application/json"
	default:
		return "text/plain; charset=utf-8"
	}
}

func (f *Formatter) cef(ev *Event) string {
	ext := []string{
		"rt=" + strconv.FormatInt(ev.Timestamp.UnixMilli(), 10),
		"dvchost=" + escapeCEFValue(f.Hostname),
		"msg=" + escapeCEFValue(ev.Message),
		"cs1Label=source",
		"cs1=" + escapeCEFValue(ev.Source),
	}
	for _, k := range sortedKeys(ev.Details) {
		ext = append(ext, sanitizeKey(k)+"="+escapeCEFValue(stringify(ev.Details[k])))
	}

	return fmt.Sprintf("CEF:0|%s|%s|%s|%s|%s|%d|%s",
		escapeCEFHeader(f.Vendor),
		escapeCEFHeader(f.Product),
		escapeCEFHeader(f.Version),
		escapeCEFHeader(ev.EventType),
		escapeCEFHeader(ev.EventName),
		lookup(cefSeverity, ev.Severity),
		strings.Join(ext, " "))
}

func (f *Formatter) leef(ev *Event) string {
	attrs := []string{
		"devTime=" + ev.Timestamp.UTC().Format(time.RFC3339Nano),
		"sev=" + strconv.Itoa(lookup(leefSeverity, ev.Severity)),
		"cat=" + escapeLEEFValue(ev.EventType),
		"name=" + escapeLEEFValue(ev.EventName),
		"src=" + escapeLEEFValue(ev.Source),
		"msg=" + escapeLEEFValue(ev.Message),
	}
	for _, k := range sortedKeys(ev.Details) {
		attrs = append(attrs, sanitizeKey(k)+"="+escapeLEEFValue(stringify(ev.Details[k])))
	}

	return fmt.Sprintf("LEEF:2.0|%s|%s|%s|%s|%s",
		escapeCEFHeader(f.Vendor),
		escapeCEFHeader(f.Product),
		escapeCEFHeader(f.Version),
		escapeCEFHeader(ev.EventType),
		strings.Join(attrs, "\t"))
}

// syslog renders an RFC 5424 message. Details become one structured data
// element; without details the NILVALUE is used.
func (f *Formatter) syslog(ev *Event) string {
	pri := f.Facility*8 + lookup(syslogSeverity, ev.Severity)

	sd := "-"
	if len(ev.Details) > 0 {
		var b strings.Builder
		b.WriteString("[details@32473")
		for _, k := range sortedKeys(ev.Details) {
			fmt.Fprintf(&b, " %s=\"%s\"", sdName(k), escapeSDValue(stringify(ev.Details[k])))
		}
		b.WriteString("]")
		sd = b.String()
	}

	msg := ev.Message
	if ev.EventName != "" {
		msg = ev.EventName + ": " + msg
	}

	return fmt.Sprintf("<%d>1 %s %s %s %d %s %s %s",
		pri,
		ev.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		nilIfEmpty(f.Hostname),
		nilIfEmpty(f.AppName),
		f.PID,
		nilIfEmpty(sdName(ev.EventType)),
		sd,
		msg)
}

func (f *Formatter) splunk(ev *Event) ([]byte, error) {
	envelope := map[string]any{
		"time":       float64(ev.Timestamp.UnixMilli()) / 1000,
		"host":       f.Hostname,
		"source":     ev.Source,
		"sourcetype": f.SourceType,
		"event": map[string]any{
			"event_type": ev.EventType,
			"event_name": ev.EventName,
			"severity":   ev.Severity,
			"message":    ev.Message,
			"details":    ev.Details,
		},
	}
	return json.Marshal(envelope)
}

func escapeCEFHeader(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "|", `\|`)
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, "\r", " ")
}

func escapeCEFValue(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "=", `\=`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	return strings.ReplaceAll(s, "\r", `\r`)
}

func escapeLEEFValue(s string) string {
	s = strings.ReplaceAll(s, "\t", " ")
	s = strings.ReplaceAll(s, "\n", `\n`)
	return strings.ReplaceAll(s, "\r", `\r`)
}

func escapeSDValue(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return strings.ReplaceAll(s, "]", `\]`)
}

// sanitizeKey keeps extension keys to letters, digits and underscores.
func sanitizeKey(k string) string {
	var b strings.Builder
	for _, r := range k {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}

// sdName renders printable ASCII without '=', ' ', ']' or '"', max 32 chars.
func sdName(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r <= 32 || r >= 127 || r == '=' || r == ']' || r == '"' {
			b.WriteByte('_')
		} else {
			b.WriteByte(byte(r))
		}
		if b.Len() == 32 {
			break
		}
	}
	return b.String()
}

func nilIfEmpty(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	case map[string]any, []any, []string:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	default:
		return fmt.Sprint(val)
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
