package breach

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"breachguard/internal/alerting"
	"breachguard/internal/ledger"
)

type recordedAppend struct {
	category  ledger.Category
	eventType string
}

type fakeLedger struct {
	mu      sync.Mutex
	err     error
	appends []recordedAppend
}

func (f *fakeLedger) Append(_ context.Context, category ledger.Category, eventType string, _ ledger.Actor, _ ledger.Outcome, _ ...ledger.AppendOption) (*ledger.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.appends = append(f.appends, recordedAppend{category, eventType})
	return &ledger.Event{Category: category, EventType: eventType}, nil
}

func (f *fakeLedger) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.appends))
	for i, a := range f.appends {
		out[i] = string(a.category) + "/" + a.eventType
	}
	return out
}

type sentAlert struct {
	severity alerting.Severity
	title    string
	details  map[string]any
}

type fakeAlerts struct {
	mu   sync.Mutex
	sent []sentAlert
}

func (f *fakeAlerts) SendAlert(_ context.Context, severity alerting.Severity, title, message, source string, details map[string]any) *alerting.Alert {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentAlert{severity, title, details})
	return &alerting.Alert{Severity: severity, Title: title, Message: message, Source: source}
}

func (f *fakeAlerts) all() []sentAlert {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentAlert(nil), f.sent...)
}

type fakeSink struct {
	mu   sync.Mutex
	seen []*Detection
}

func (f *fakeSink) OnDetection(_ context.Context, d *Detection) {
	f.mu.Lock()
	f.seen = append(f.seen, d)
	f.mu.Unlock()
}

type engineFixture struct {
	engine *Engine
	ledger *fakeLedger
	alerts *fakeAlerts
	sink   *fakeSink
	clock  time.Time
}

func (f *engineFixture) advance(d time.Duration) { f.clock = f.clock.Add(d) }

func newFixture(t *testing.T, mutate func(*Config)) *engineFixture {
	t.Helper()
	cfg := DefaultConfig()
	cfg.CustomRulesPath = filepath.Join(t.TempDir(), "custom_rules.json")
	if mutate != nil {
		mutate(&cfg)
	}
	f := &engineFixture{
		ledger: &fakeLedger{},
		alerts: &fakeAlerts{},
		sink:   &fakeSink{},
		clock:  time.Date(2026, 10, 14, 8, 0, 0, 0, time.UTC),
	}
	f.engine = NewEngine(cfg, Dependencies{Ledger: f.ledger, Alerts: f.alerts, Sink: f.sink}, nil)
	f.engine.now = func() time.Time { return f.clock }
	t.Cleanup(f.engine.Close)
	return f
}

func TestEngine_SecretsLeakedTripsOnFirstEvent(t *testing.T) {
	f := newFixture(t, nil)

	d := f.engine.CheckEvent(context.Background(), "secrets_detected", map[string]any{"file": "config.env"})
	if d == nil {
		t.Fatal("CheckEvent() = nil, want a detection")
	}
	if d.Rule.ID != "rule_secrets_leaked" {
		t.Errorf("rule = %s", d.Rule.ID)
	}
	want := []Action{ActionLog, ActionAlert, ActionNotifyAdmin, ActionCreateIncident}
	if len(d.ActionsTaken) != len(want) {
		t.Fatalf("ActionsTaken = %v, want %v", d.ActionsTaken, want)
	}
	for i := range want {
		if d.ActionsTaken[i] != want[i] {
			t.Errorf("ActionsTaken[%d] = %s, want %s", i, d.ActionsTaken[i], want[i])
		}
	}
	if d.IncidentID == "" || d.IncidentID[:13] != "INC-20261014-" {
		t.Errorf("IncidentID = %q", d.IncidentID)
	}
	if d.NotificationDeadline == nil || !d.NotificationDeadline.Equal(f.clock.Add(72*time.Hour)) {
		t.Errorf("NotificationDeadline = %v", d.NotificationDeadline)
	}

	f.engine.Wait()
	alerts := f.alerts.all()
	if len(alerts) != 2 || alerts[0].severity != alerting.SeverityCritical {
		t.Fatalf("alerts = %+v, want a critical alert first", alerts)
	}

	types := f.ledger.types()
	wantTypes := []string{
		"security_incident/breach_detected",
		"breach_notification/admin_notified",
		"security_incident/incident_created",
	}
	if len(types) != len(wantTypes) {
		t.Fatalf("ledger appends = %v, want %v", types, wantTypes)
	}
	for i := range wantTypes {
		if types[i] != wantTypes[i] {
			t.Errorf("ledger append %d = %s, want %s", i, types[i], wantTypes[i])
		}
	}
	if len(f.sink.seen) != 1 || f.sink.seen[0] != d {
		t.Errorf("sink saw %d detections", len(f.sink.seen))
	}
}

func TestEngine_ThresholdAndReset(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if d := f.engine.CheckEvent(ctx, "auth_failure", nil); d != nil {
			t.Fatalf("tripped after %d events, threshold is 5", i+1)
		}
		f.advance(10 * time.Second)
	}
	d := f.engine.CheckEvent(ctx, "auth_failure", nil)
	if d == nil {
		t.Fatal("fifth event did not trip rule_brute_force")
	}
	if d.EventCount != 5 {
		t.Errorf("EventCount = %d, want 5", d.EventCount)
	}
	if !d.WindowStart.Equal(time.Date(2026, 10, 14, 8, 0, 0, 0, time.UTC)) {
		t.Errorf("WindowStart = %v", d.WindowStart)
	}
	if !d.Blocked || !f.engine.IsBlocked("auth_failure") {
		t.Error("block action did not mark the pattern blocked")
	}

	// The window resets after a trip.
	if f.engine.CheckEvent(ctx, "auth_failure", nil) != nil {
		t.Error("rule tripped again immediately after reset")
	}
}

func TestEngine_EventsOutsideWindowExpire(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		f.engine.CheckEvent(ctx, "auth_failure", nil)
	}
	f.advance(301 * time.Second)
	if d := f.engine.CheckEvent(ctx, "auth_failure", nil); d != nil {
		t.Errorf("stale events counted toward the threshold (count %d)", d.EventCount)
	}
}

func TestEngine_FailedActionDoesNotStopOthers(t *testing.T) {
	f := newFixture(t, nil)
	f.ledger.err = errors.New("disk full")

	d := f.engine.CheckEvent(context.Background(), "secrets_detected", nil)
	if d == nil {
		t.Fatal("no detection")
	}
	// log and create_incident need the ledger; alert and notify_admin do not.
	want := []Action{ActionAlert, ActionNotifyAdmin}
	if len(d.ActionsTaken) != 2 || d.ActionsTaken[0] != want[0] || d.ActionsTaken[1] != want[1] {
		t.Errorf("ActionsTaken = %v, want %v", d.ActionsTaken, want)
	}
	if d.IncidentID != "" {
		t.Errorf("IncidentID = %q after a failed incident write", d.IncidentID)
	}
	if got := f.engine.Stats().ActionFailures[string(ActionLog)]; got != 1 {
		t.Errorf("log failures = %d, want 1", got)
	}
}

func TestEngine_MissingDependencies(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CustomRulesPath = ""
	e := NewEngine(cfg, Dependencies{}, nil)

	d := e.CheckEvent(context.Background(), "session_hijack_suspected", nil)
	if d == nil {
		t.Fatal("no detection")
	}
	if len(d.ActionsTaken) != 1 || d.ActionsTaken[0] != ActionBlock {
		t.Errorf("ActionsTaken = %v, want only block", d.ActionsTaken)
	}
}

func TestEngine_DisabledDoesNothing(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Enabled = false })
	if f.engine.CheckEvent(context.Background(), "secrets_detected", nil) != nil {
		t.Error("disabled engine produced a detection")
	}
}

func TestEngine_LiteralPatternMatchesSubstring(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		f.engine.CheckEvent(ctx, "user_auth_failure", nil)
	}
	d := f.engine.CheckEvent(ctx, "auth_failure_totp", nil)
	if d == nil || d.Rule.ID != "rule_brute_force" {
		t.Fatalf("detection = %+v, want rule_brute_force", d)
	}
	if d.EventCount != 5 {
		t.Errorf("EventCount = %d, want 5", d.EventCount)
	}
}

// blockingAlerts holds every SendAlert until release is closed.
type blockingAlerts struct {
	release chan struct{}
	fakeAlerts
}

func (b *blockingAlerts) SendAlert(ctx context.Context, severity alerting.Severity, title, message, source string, details map[string]any) *alerting.Alert {
	<-b.release
	return b.fakeAlerts.SendAlert(ctx, severity, title, message, source, details)
}

func TestEngine_SlowAlertChannelDoesNotBlockCheck(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CustomRulesPath = ""
	alerts := &blockingAlerts{release: make(chan struct{})}
	e := NewEngine(cfg, Dependencies{Ledger: &fakeLedger{}, Alerts: alerts}, nil)

	done := make(chan *Detection, 1)
	go func() { done <- e.CheckEvent(context.Background(), "secrets_detected", nil) }()

	var d *Detection
	select {
	case d = <-done:
	case <-time.After(2 * time.Second):
		close(alerts.release)
		t.Fatal("CheckEvent() blocked on alert delivery")
	}
	if len(d.ActionsTaken) != 4 {
		t.Errorf("ActionsTaken = %v", d.ActionsTaken)
	}
	if n := len(alerts.all()); n != 0 {
		t.Errorf("%d alerts delivered before release", n)
	}

	close(alerts.release)
	e.Close()
	if n := len(alerts.all()); n != 2 {
		t.Errorf("alerts after Close() = %d, want 2", n)
	}

	// After Close alerts go out inline.
	e.CheckEvent(context.Background(), "secrets_detected", nil)
	if n := len(alerts.all()); n != 4 {
		t.Errorf("alerts after a post-close detection = %d, want 4", n)
	}
}

func TestEngine_RegexRule(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.engine.CheckEvent(ctx, "access_denied", nil)
	f.engine.CheckEvent(ctx, "permission_denied", nil)
	f.engine.CheckEvent(ctx, "access_denied_partial", nil)
	d := f.engine.CheckEvent(ctx, "access_denied", nil)
	if d == nil || d.Rule.ID != "rule_unauthorized_access" {
		t.Fatalf("detection = %+v, want rule_unauthorized_access", d)
	}
	if d.EventCount != 3 {
		t.Errorf("EventCount = %d, want 3 (anchored pattern must skip the partial)", d.EventCount)
	}
}

func TestEngine_MostSevereDetectionWins(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if err := f.engine.AddRule(Rule{
		ID: "custom_any_export", Name: "Any export", Severity: SeverityLow,
		EventPattern: "data_export", Threshold: 1, WindowSeconds: 60,
		Actions: []Action{ActionLog},
	}); err != nil {
		t.Fatal(err)
	}
	if err := f.engine.AddRule(Rule{
		ID: "custom_export_critical", Name: "Export critical", Severity: SeverityCritical,
		EventPattern: "data_export", Threshold: 1, WindowSeconds: 60,
		Actions: []Action{ActionLog},
	}); err != nil {
		t.Fatal(err)
	}

	all := f.engine.CheckEventAll(ctx, "data_export", nil)
	if len(all) != 2 {
		t.Fatalf("CheckEventAll() = %d detections, want 2", len(all))
	}
	d := f.engine.CheckEvent(ctx, "data_export", nil)
	if d == nil || d.Rule.ID != "custom_export_critical" {
		t.Errorf("CheckEvent() = %+v, want the critical rule", d)
	}
}

func TestEngine_RulesLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	path := f.engine.config.CustomRulesPath

	custom := Rule{
		ID: "custom_mfa_bypass", Name: "MFA bypass", Severity: SeverityHigh,
		EventPattern: "mfa_bypass", Threshold: 2, WindowSeconds: 120,
		Actions: []Action{ActionLog, ActionAlert},
	}
	if err := f.engine.AddRule(custom); err != nil {
		t.Fatalf("AddRule() error = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("custom rules not persisted: %v", err)
	}

	// A new engine over the same file sees the rule.
	reloaded := NewEngine(f.engine.config, Dependencies{}, nil)
	found := false
	for _, r := range reloaded.Rules() {
		if r.ID == custom.ID {
			found = true
		}
	}
	if !found {
		t.Error("custom rule missing after reload")
	}

	if err := f.engine.RemoveRule("rule_brute_force"); !errors.Is(err, ErrBuiltinRule) {
		t.Errorf("RemoveRule(builtin) error = %v, want ErrBuiltinRule", err)
	}
	if err := f.engine.RemoveRule("nope"); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("RemoveRule(missing) error = %v, want ErrRuleNotFound", err)
	}
	if err := f.engine.AddRule(Rule{ID: "rule_brute_force", Name: "x", Severity: SeverityLow,
		EventPattern: "x", Threshold: 1, WindowSeconds: 1, Actions: []Action{ActionLog}}); !errors.Is(err, ErrBuiltinRule) {
		t.Errorf("AddRule(builtin id) error = %v, want ErrBuiltinRule", err)
	}
	if err := f.engine.AddRule(Rule{ID: "bad"}); !errors.Is(err, ErrInvalidRule) {
		t.Errorf("AddRule(invalid) error = %v, want ErrInvalidRule", err)
	}
	if err := f.engine.RemoveRule(custom.ID); err != nil {
		t.Errorf("RemoveRule(custom) error = %v", err)
	}
	if got := f.engine.Stats().CustomRules; got != 0 {
		t.Errorf("CustomRules = %d after removal", got)
	}
}

func TestEngine_OverrideBuiltinWhenMerging(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MergeCustomOverrides = true })

	override := *BruteForceRule()
	override.Threshold = 2
	if err := f.engine.AddRule(override); err != nil {
		t.Fatalf("AddRule(override) error = %v", err)
	}
	if rules := f.engine.Rules(); rules[0].ID != "rule_brute_force" || rules[0].Threshold != 2 || rules[0].Builtin {
		t.Errorf("first rule = %+v, want the override in the built-in's slot", rules[0])
	}

	ctx := context.Background()
	f.engine.CheckEvent(ctx, "auth_failure", nil)
	if f.engine.CheckEvent(ctx, "auth_failure", nil) == nil {
		t.Error("override threshold not applied")
	}

	if err := f.engine.RemoveRule("rule_brute_force"); err != nil {
		t.Fatalf("RemoveRule(override) error = %v", err)
	}
	if rules := f.engine.Rules(); rules[0].Threshold != 5 {
		t.Errorf("built-in not restored: %+v", rules[0])
	}
}

func TestEngine_UnreadableRulesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom_rules.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg := DefaultConfig()
	cfg.CustomRulesPath = path
	e := NewEngine(cfg, Dependencies{}, nil)

	if got := len(e.Rules()); got != len(BuiltinRules()) {
		t.Errorf("Rules() = %d, want only the %d built-ins", got, len(BuiltinRules()))
	}
}

func TestEngine_BlockedSet(t *testing.T) {
	f := newFixture(t, nil)
	f.engine.Block("rate_limit_exceeded")

	if !f.engine.IsBlocked("rate_limit_exceeded") {
		t.Error("IsBlocked() = false for a blocked pattern")
	}
	if f.engine.IsBlocked("rate_limit") {
		t.Error("IsBlocked() matched a prefix")
	}
	if got := f.engine.Blocked(); len(got) != 1 || got[0].Pattern != "rate_limit_exceeded" {
		t.Errorf("Blocked() = %v", got)
	}
	if !f.engine.Unblock("rate_limit_exceeded") || f.engine.IsBlocked("rate_limit_exceeded") {
		t.Error("Unblock() did not clear the pattern")
	}
}

func TestEngine_RecentDetections(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.engine.CheckEvent(ctx, "secrets_detected", nil)
	f.engine.CheckEvent(ctx, "integrity_violation", nil)

	recent := f.engine.RecentDetections(10)
	if len(recent) != 2 {
		t.Fatalf("RecentDetections() = %d, want 2", len(recent))
	}
	if recent[0].Rule.ID != "rule_integrity_violation" {
		t.Errorf("newest detection = %s", recent[0].Rule.ID)
	}
	if got := f.engine.RecentDetections(1); len(got) != 1 {
		t.Errorf("RecentDetections(1) = %d", len(got))
	}
	if s := f.engine.Stats(); s.Detections != 2 || s.EventsChecked != 2 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestEngine_WithRealLedger(t *testing.T) {
	cfg := ledger.DefaultConfig()
	cfg.Dir = t.TempDir()
	l, err := ledger.Open(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	ecfg := DefaultConfig()
	ecfg.CustomRulesPath = ""
	alerts := &fakeAlerts{}
	e := NewEngine(ecfg, Dependencies{Ledger: l, Alerts: alerts}, nil)

	ctx := context.Background()
	if d := e.CheckEvent(ctx, "secrets_detected", map[string]any{"count": 3}); d == nil {
		t.Fatal("no detection")
	}

	events, err := l.Query(ctx, ledger.Filter{Category: ledger.CategorySecurityIncident})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Errorf("security_incident events = %d, want breach_detected and incident_created", len(events))
	}
	res, err := l.VerifyIntegrity(ctx)
	if err != nil || !res.Valid {
		t.Errorf("VerifyIntegrity() = %+v, %v", res, err)
	}
}

func TestAlertSeverity(t *testing.T) {
	tests := map[Severity]alerting.Severity{
		SeverityLow:      alerting.SeverityInfo,
		SeverityMedium:   alerting.SeverityWarning,
		SeverityHigh:     alerting.SeverityError,
		SeverityCritical: alerting.SeverityCritical,
	}
	for in, want := range tests {
		if got := AlertSeverity(in); got != want {
			t.Errorf("AlertSeverity(%s) = %s, want %s", in, got, want)
		}
	}
}
