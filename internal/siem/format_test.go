package siem

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"
)

var testTime = time.Date(2026, 10, 14, 9, 15, 30, 250_000_000, time.UTC)

func testFormatter(format Format) *Formatter {
	return &Formatter{
		Format:     format,
		Vendor:     "BreachGuard",
		Product:    "BreachGuard",
		Version:    "1.0",
		Hostname:   "sec-01",
		AppName:    "breachguard",
		Facility:   FacilityLocal0,
		SourceType: "breachguard:security",
		PID:        4242,
	}
}

func testEvent(sev Severity) *Event {
	return &Event{
		Timestamp: testTime,
		EventType: "breach_detected",
		EventName: "Secrets Leaked",
		Severity:  sev,
		Source:    "breach-detector",
		Message:   "rule rule_secrets_leaked tripped",
		Details:   map[string]any{"rule_id": "rule_secrets_leaked", "event_count": 1},
	}
}

func TestCEF(t *testing.T) {
	out, err := testFormatter(FormatCEF).Encode(testEvent(SeverityCritical))
	if err != nil {
		t.Fatal(err)
	}
	s := string(out)
	prefix := "CEF:0|BreachGuard|BreachGuard|1.0|breach_detected|Secrets Leaked|10|"
	if !strings.HasPrefix(s, prefix) {
		t.Fatalf("CEF = %q, want prefix %q", s, prefix)
	}
	for _, want := range []string{
		fmt.Sprintf("rt=%d", testTime.UnixMilli()),
		"dvchost=sec-01",
		"cs1=breach-detector",
		"event_count=1",
		"rule_id=rule_secrets_leaked",
	} {
		if !strings.Contains(s, want) {
			t.Errorf("CEF %q missing %q", s, want)
		}
	}
}

func TestCEFSeverityTable(t *testing.T) {
	want := map[Severity]string{
		SeverityInfo:     "|1|",
		SeverityLow:      "|3|",
		SeverityMedium:   "|5|",
		SeverityHigh:     "|8|",
		SeverityCritical: "|10|",
	}
	f := testFormatter(FormatCEF)
	for sev, fragment := range want {
		ev := testEvent(sev)
		ev.Details = nil
		out, _ := f.Encode(ev)
		if !strings.Contains(string(out), "Secrets Leaked"+fragment) {
			t.Errorf("%s: CEF %q missing severity %s", sev, out, fragment)
		}
	}
}

func TestCEFEscaping(t *testing.T) {
	ev := testEvent(SeverityHigh)
	ev.EventName = `pipe|back\slash`
	ev.Message = "a=b\nnext\rline \\ end"
	ev.Details = map[string]any{"bad key!": "x=y"}

	out, _ := testFormatter(FormatCEF).Encode(ev)
	s := string(out)
	if !strings.Contains(s, `|pipe\|back\\slash|`) {
		t.Errorf("header not escaped: %q", s)
	}
	if !strings.Contains(s, `msg=a\=b\nnext\rline \\ end`) {
		t.Errorf("extension not escaped: %q", s)
	}
	if !strings.Contains(s, `bad_key_=x\=y`) {
		t.Errorf("detail key not sanitized: %q", s)
	}
	if strings.ContainsAny(s, "\n\r") {
		t.Errorf("CEF contains raw line breaks: %q", s)
	}
}

func TestLEEF(t *testing.T) {
	out, err := testFormatter(FormatLEEF).Encode(testEvent(SeverityHigh))
	if err != nil {
		t.Fatal(err)
	}
	s := string(out)
	prefix := "LEEF:2.0|BreachGuard|BreachGuard|1.0|breach_detected|"
	if !strings.HasPrefix(s, prefix) {
		t.Fatalf("LEEF = %q", s)
	}
	attrs := strings.Split(strings.TrimPrefix(s, prefix), "\t")
	got := make(map[string]string)
	for _, a := range attrs {
		k, v, _ := strings.Cut(a, "=")
		got[k] = v
	}
	if got["sev"] != "8" || got["cat"] != "breach_detected" || got["rule_id"] != "rule_secrets_leaked" {
		t.Errorf("LEEF attributes = %v", got)
	}
}

func TestSyslog(t *testing.T) {
	out, err := testFormatter(FormatSyslog).Encode(testEvent(SeverityCritical))
	if err != nil {
		t.Fatal(err)
	}
	s := string(out)
	want := "<130>1 2026-10-14T09:15:30.250Z sec-01 breachguard 4242 breach_detected "
	if !strings.HasPrefix(s, want) {
		t.Fatalf("syslog = %q, want prefix %q", s, want)
	}
	if !strings.Contains(s, `[details@32473 event_count="1" rule_id="rule_secrets_leaked"]`) {
		t.Errorf("syslog structured data missing: %q", s)
	}
	if !strings.HasSuffix(s, "Secrets Leaked: rule rule_secrets_leaked tripped") {
		t.Errorf("syslog message = %q", s)
	}
}

func TestSyslogPriority(t *testing.T) {
	tests := []struct {
		sev      Severity
		facility int
		pri      string
	}{
		{SeverityCritical, FacilityLocal0, "<130>"},
		{SeverityHigh, FacilityLocal0, "<131>"},
		{SeverityMedium, FacilityLocal0, "<132>"},
		{SeverityLow, FacilityLocal0, "<133>"},
		{SeverityInfo, FacilityLocal0, "<134>"},
		{SeverityCritical, 4, "<34>"},
	}
	for _, tt := range tests {
		f := testFormatter(FormatSyslog)
		f.Facility = tt.facility
		ev := testEvent(tt.sev)
		ev.Details = nil
		out, _ := f.Encode(ev)
		if !strings.HasPrefix(string(out), tt.pri) {
			t.Errorf("%s/facility %d: %q, want %s", tt.sev, tt.facility, out, tt.pri)
		}
		if !strings.Contains(string(out), " breach_detected - ") {
			t.Errorf("syslog without details should use NILVALUE: %q", out)
		}
	}
}

func TestSDName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"rule_id", "rule_id"},
		{"a b=c]d\"e", "a_b_c_d_e"},
		{strings.Repeat("x", 40), strings.Repeat("x", 32)},
		{strings.Repeat(" ", 40), strings.Repeat("_", 32)},
		{strings.Repeat("a=", 20), strings.Repeat("a_", 16)},
		{"ünïcode", "_n_code"},
	}
	for _, tt := range tests {
		got := sdName(tt.in)
		if got != tt.want {
			t.Errorf("sdName(%q) = %q, want %q", tt.in, got, tt.want)
		}
		if len(got) > 32 {
			t.Errorf("sdName(%q) is %d bytes, limit is 32", tt.in, len(got))
		}
	}
}

func TestSplunkHEC(t *testing.T) {
	out, err := testFormatter(FormatSplunk).Encode(testEvent(SeverityMedium))
	if err != nil {
		t.Fatal(err)
	}
	var env struct {
		Time       float64        `json:"time"`
		Host       string         `json:"host"`
		Source     string         `json:"source"`
		SourceType string         `json:"sourcetype"`
		Event      map[string]any `json:"event"`
	}
	if err := json.Unmarshal(out, &env); err != nil {
		t.Fatal(err)
	}
	if env.Time != 1791969330.25 {
		t.Errorf("time = %v, want epoch seconds", env.Time)
	}
	if env.SourceType != "breachguard:security" || env.Host != "sec-01" || env.Source != "breach-detector" {
		t.Errorf("envelope = %+v", env)
	}
	if env.Event["event_type"] != "breach_detected" || env.Event["severity"] != "medium" {
		t.Errorf("event = %v", env.Event)
	}
}

func TestJSONAndUnknownFormat(t *testing.T) {
	out, err := testFormatter(FormatJSON).Encode(testEvent(SeverityLow))
	if err != nil {
		t.Fatal(err)
	}
	var ev Event
	if err := json.Unmarshal(out, &ev); err != nil || ev.EventName != "Secrets Leaked" {
		t.Errorf("JSON = %s (%v)", out, err)
	}

	if _, err := testFormatter("xml").Encode(testEvent(SeverityLow)); err == nil {
		t.Error("unknown format encoded without error")
	}
}

func TestParseSeverity(t *testing.T) {
	tests := map[string]Severity{
		"info":      SeverityInfo,
		"LOW":       SeverityLow,
		"medium":    SeverityMedium,
		"warning":   SeverityMedium,
		"error":     SeverityHigh,
		"high":      SeverityHigh,
		" critical": SeverityCritical,
	}
	for in, want := range tests {
		got, ok := ParseSeverity(in)
		if !ok || got != want {
			t.Errorf("ParseSeverity(%q) = %s, %v", in, got, ok)
		}
	}
	if _, ok := ParseSeverity("fatal"); ok {
		t.Error("ParseSeverity accepted an unknown name")
	}
}
