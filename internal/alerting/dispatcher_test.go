package alerting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeChannel struct {
	name  string
	err   error
	delay time.Duration

	mu       sync.Mutex
	received []*Alert
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Send(ctx context.Context, alert *Alert) error {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	f.received = append(f.received, alert)
	f.mu.Unlock()
	return f.err
}

func (f *fakeChannel) titles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.received))
	for i, a := range f.received {
		out[i] = a.Title
	}
	return out
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time           { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestDispatcher(t *testing.T, mutate func(*Config)) (*Dispatcher, *fakeChannel, *fakeClock) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ConsoleEnabled = false
	if mutate != nil {
		mutate(&cfg)
	}
	d, err := NewDispatcher(cfg, nil)
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}
	clock := &fakeClock{t: time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)}
	d.now = clock.now
	ch := &fakeChannel{name: "fake"}
	d.AddChannel(ch)
	return d, ch, clock
}

func TestSendAlert_Delivers(t *testing.T) {
	d, ch, _ := newTestDispatcher(t, nil)

	alert := d.SendAlert(context.Background(), SeverityError, "Disk full", "volume /data at 100%", "monitor",
		map[string]any{"volume": "/data", "api_key": "k-123"})
	if alert == nil {
		t.Fatal("SendAlert() returned nil for a fresh alert")
	}
	if len(alert.SentTo) != 1 || alert.SentTo[0] != "fake" {
		t.Errorf("SentTo = %v, want [fake]", alert.SentTo)
	}
	if alert.Details["api_key"] == "k-123" {
		t.Error("sensitive detail was not masked")
	}
	if got := ch.titles(); len(got) != 1 || got[0] != "Disk full" {
		t.Errorf("channel received %v", got)
	}
}

func TestSendAlert_FilterStages(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		d, ch, _ := newTestDispatcher(t, func(c *Config) { c.Enabled = false })
		if a := d.SendAlert(context.Background(), SeverityCritical, "x", "y", "z", nil); a != nil {
			t.Error("disabled dispatcher sent an alert")
		}
		if len(ch.titles()) != 0 {
			t.Error("channel received alert while disabled")
		}
		if d.Stats().Suppressed[ReasonDisabled] != 1 {
			t.Errorf("Suppressed = %v", d.Stats().Suppressed)
		}
	})

	t.Run("below minimum severity", func(t *testing.T) {
		d, _, _ := newTestDispatcher(t, func(c *Config) { c.MinSeverity = SeverityError })
		if a := d.SendAlert(context.Background(), SeverityWarning, "x", "y", "z", nil); a != nil {
			t.Error("warning passed an error minimum")
		}
		if a := d.SendAlert(context.Background(), SeverityCritical, "x", "y", "z", nil); a == nil {
			t.Error("critical blocked by an error minimum")
		}
	})
}

func TestSendAlert_Cooldown(t *testing.T) {
	d, ch, clock := newTestDispatcher(t, func(c *Config) { c.CooldownSeconds = 300 })
	ctx := context.Background()

	if d.SendAlert(ctx, SeverityWarning, "Login failures", "m", "auth", nil) == nil {
		t.Fatal("first alert suppressed")
	}
	clock.advance(299 * time.Second)
	if d.SendAlert(ctx, SeverityWarning, "Login failures", "other message", "auth", nil) != nil {
		t.Error("duplicate within cooldown was sent")
	}
	if d.SendAlert(ctx, SeverityCritical, "Login failures", "m", "auth", nil) == nil {
		t.Error("different severity shares a dedup key")
	}
	if d.SendAlert(ctx, SeverityWarning, "Login failures", "m", "sso", nil) == nil {
		t.Error("different source shares a dedup key")
	}
	clock.advance(2 * time.Second)
	if d.SendAlert(ctx, SeverityWarning, "Login failures", "m", "auth", nil) == nil {
		t.Error("alert suppressed after cooldown elapsed")
	}

	if got := len(ch.titles()); got != 4 {
		t.Errorf("channel received %d alerts, want 4", got)
	}
	if d.Stats().Suppressed[ReasonCooldown] != 1 {
		t.Errorf("cooldown suppressions = %d, want 1", d.Stats().Suppressed[ReasonCooldown])
	}
}

func TestSendAlert_HourlyCap(t *testing.T) {
	d, ch, clock := newTestDispatcher(t, func(c *Config) {
		c.CooldownSeconds = 0
		c.MaxAlertsPerHour = 3
	})
	ctx := context.Background()

	titles := []string{"a", "b", "c", "d", "e"}
	var sent int
	for _, title := range titles {
		if d.SendAlert(ctx, SeverityInfo, title, "m", "src", nil) != nil {
			sent++
		}
		clock.advance(time.Minute)
	}
	if sent != 3 {
		t.Errorf("sent %d alerts under a cap of 3", sent)
	}

	got := ch.titles()
	notices := 0
	for _, title := range got {
		if title == rateLimitTitle {
			notices++
		}
	}
	if notices != 1 {
		t.Errorf("rate limit notices = %d, want exactly 1 (received %v)", notices, got)
	}

	// The window rolls: an hour after the first send there is room again.
	clock.advance(56 * time.Minute)
	if d.SendAlert(ctx, SeverityInfo, "f", "m", "src", nil) == nil {
		t.Error("alert suppressed after the rolling hour advanced")
	}
}

func TestSendAlert_SentToOnlySuccessfulChannels(t *testing.T) {
	d, _, _ := newTestDispatcher(t, nil)
	d.AddChannel(&fakeChannel{name: "broken", err: errors.New("connection refused")})

	alert := d.SendAlert(context.Background(), SeverityCritical, "Breach", "m", "detector", nil)
	if alert == nil {
		t.Fatal("SendAlert() returned nil")
	}
	if len(alert.SentTo) != 1 || alert.SentTo[0] != "fake" {
		t.Errorf("SentTo = %v, want [fake]", alert.SentTo)
	}
	if d.Stats().ChannelFailures["broken"] != 1 {
		t.Errorf("ChannelFailures = %v", d.Stats().ChannelFailures)
	}
}

func TestSendAlert_ChannelsRunConcurrently(t *testing.T) {
	d, _, _ := newTestDispatcher(t, nil)
	d.AddChannel(&fakeChannel{name: "slow-1", delay: 200 * time.Millisecond})
	d.AddChannel(&fakeChannel{name: "slow-2", delay: 200 * time.Millisecond})
	d.AddChannel(&fakeChannel{name: "slow-3", delay: 200 * time.Millisecond})

	start := time.Now()
	alert := d.SendAlert(context.Background(), SeverityError, "t", "m", "s", nil)
	elapsed := time.Since(start)

	if len(alert.SentTo) != 4 {
		t.Errorf("SentTo = %v, want all four channels", alert.SentTo)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("fan-out took %v; channels appear to run sequentially", elapsed)
	}
}

func TestSendAlert_ChannelTimeout(t *testing.T) {
	d, _, _ := newTestDispatcher(t, func(c *Config) { c.ChannelTimeout = 50 * time.Millisecond })
	d.AddChannel(&fakeChannel{name: "hung", delay: time.Second})

	alert := d.SendAlert(context.Background(), SeverityError, "t", "m", "s", nil)
	if len(alert.SentTo) != 1 || alert.SentTo[0] != "fake" {
		t.Errorf("SentTo = %v, want [fake]", alert.SentTo)
	}
}

func TestRecentAlerts(t *testing.T) {
	d, _, _ := newTestDispatcher(t, func(c *Config) { c.CooldownSeconds = 0 })
	ctx := context.Background()
	for _, title := range []string{"one", "two", "three"} {
		d.SendAlert(ctx, SeverityInfo, title, "m", "s", nil)
	}

	recent := d.RecentAlerts(2)
	if len(recent) != 2 || recent[0].Title != "three" || recent[1].Title != "two" {
		t.Errorf("RecentAlerts(2) = %v", recent)
	}
	if len(d.RecentAlerts(0)) != 3 {
		t.Errorf("RecentAlerts(0) should return everything")
	}
}

func TestSeverity(t *testing.T) {
	if !(SeverityInfo.Rank() < SeverityWarning.Rank() &&
		SeverityWarning.Rank() < SeverityError.Rank() &&
		SeverityError.Rank() < SeverityCritical.Rank()) {
		t.Error("severity ranks are not ordered")
	}
	if ParseSeverity(" CRITICAL ") != SeverityCritical || ParseSeverity("bogus") != SeverityInfo {
		t.Error("ParseSeverity mismatch")
	}
	colors := map[Severity]string{
		SeverityCritical: "#FF0000",
		SeverityError:    "#FFA500",
		SeverityWarning:  "#FFFF00",
		SeverityInfo:     "#0000FF",
	}
	for sev, want := range colors {
		if got := sev.Color(); got != want {
			t.Errorf("%s.Color() = %s, want %s", sev, got, want)
		}
	}
}
