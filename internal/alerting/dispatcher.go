package alerting

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"breachguard/internal/logging"
	"breachguard/internal/metrics"
	"breachguard/internal/queue"
)

// Suppression reasons reported in Stats and metrics.
const (
	ReasonDisabled    = "disabled"
	ReasonMinSeverity = "below_min_severity"
	ReasonCooldown    = "cooldown"
	ReasonRateLimited = "rate_limited"
)

const (
	rateLimitTitle  = "Alert rate limit exceeded"
	rateLimitSource = "alert-dispatcher"
	rateLimitWindow = time.Hour
)

// Dispatcher filters and fans out alerts. The filter pipeline runs in order:
// enabled, minimum severity, cooldown dedup on severity:title:source, and the
// rolling hourly cap.
type Dispatcher struct {
	config Config
	logger *slog.Logger
	now    func() time.Time

	chMu     sync.RWMutex
	channels []Channel
	closers  []io.Closer

	mu              sync.Mutex
	lastSent        *lru.Cache[string, time.Time]
	hourly          []time.Time
	lastRateNotice  time.Time
	sent            uint64
	suppressed      map[string]uint64
	channelFailures map[string]uint64

	history *queue.RingBuffer[*Alert]
}

// NewDispatcher creates a dispatcher and the channels enabled in cfg.
func NewDispatcher(cfg Config, logger *slog.Logger) (*Dispatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ChannelTimeout <= 0 {
		cfg.ChannelTimeout = 10 * time.Second
	}
	if cfg.DedupCacheSize <= 0 {
		cfg.DedupCacheSize = 10000
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 500
	}
	if cfg.MinSeverity == "" {
		cfg.MinSeverity = SeverityInfo
	}

	cache, err := lru.New[string, time.Time](cfg.DedupCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create dedup cache: %w", err)
	}

	d := &Dispatcher{
		config:          cfg,
		logger:          logger.With("component", "alerting"),
		now:             time.Now,
		lastSent:        cache,
		suppressed:      make(map[string]uint64),
		channelFailures: make(map[string]uint64),
		history:         queue.NewRingBuffer[*Alert](cfg.HistorySize),
	}

	if cfg.ConsoleEnabled {
		d.AddChannel(NewConsoleChannel(os.Stdout))
	}
	if cfg.FilePath != "" {
		fc := NewFileChannel(cfg.FilePath, cfg.FileMaxSizeMB, cfg.FileMaxBackups, cfg.FileMaxAgeDays, cfg.FileCompress)
		d.AddChannel(fc)
		d.closers = append(d.closers, fc)
	}
	if cfg.WebhookURL != "" {
		d.AddChannel(NewWebhookChannel(cfg.WebhookURL, cfg.WebhookHeaders, cfg.ChannelTimeout))
	}
	if len(cfg.NotifyURLs) > 0 {
		d.AddChannel(NewRouterChannel(cfg.NotifyURLs))
	}
	return d, nil
}

// AddChannel adds a notification channel.
func (d *Dispatcher) AddChannel(channel Channel) {
	d.chMu.Lock()
	defer d.chMu.Unlock()
	d.channels = append(d.channels, channel)
	d.logger.Info("added alert channel", "name", channel.Name())
}

// Channels returns the configured channel names.
func (d *Dispatcher) Channels() []string {
	d.chMu.RLock()
	defer d.chMu.RUnlock()
	names := make([]string, len(d.channels))
	for i, ch := range d.channels {
		names[i] = ch.Name()
	}
	return names
}

// SendAlert runs the filter pipeline and, if the alert passes, delivers it to
// every channel concurrently. It returns nil when the alert was suppressed.
func (d *Dispatcher) SendAlert(ctx context.Context, severity Severity, title, message, source string, details map[string]any) *Alert {
	if !d.config.Enabled {
		d.suppress(ReasonDisabled)
		return nil
	}
	if severity.Rank() < d.config.MinSeverity.Rank() {
		d.suppress(ReasonMinSeverity)
		return nil
	}

	now := d.now()
	key := fmt.Sprintf("%s:%s:%s", severity, title, source)
	cooldown := time.Duration(d.config.CooldownSeconds) * time.Second

	d.mu.Lock()
	if last, ok := d.lastSent.Get(key); ok && now.Sub(last) < cooldown {
		d.suppressed[ReasonCooldown]++
		d.mu.Unlock()
		metrics.IncAlertSuppressed(ReasonCooldown)
		return nil
	}

	d.pruneHourlyLocked(now)
	if d.config.MaxAlertsPerHour > 0 && len(d.hourly) >= d.config.MaxAlertsPerHour {
		d.suppressed[ReasonRateLimited]++
		notice := d.lastRateNotice.IsZero() || now.Sub(d.lastRateNotice) >= rateLimitWindow
		if notice {
			d.lastRateNotice = now
		}
		d.mu.Unlock()
		metrics.IncAlertSuppressed(ReasonRateLimited)

		if notice {
			d.logger.Warn("alert rate limit reached", "max_per_hour", d.config.MaxAlertsPerHour)
			d.deliver(ctx, d.newAlert(now, SeverityWarning, rateLimitTitle,
				fmt.Sprintf("More than %d alerts in the last hour; further alerts are suppressed", d.config.MaxAlertsPerHour),
				rateLimitSource, nil))
		}
		return nil
	}

	d.lastSent.Add(key, now)
	d.hourly = append(d.hourly, now)
	d.sent++
	d.mu.Unlock()

	alert := d.newAlert(now, severity, title, message, source, details)
	metrics.IncAlertSent(string(severity))
	d.deliver(ctx, alert)
	return alert
}

func (d *Dispatcher) newAlert(now time.Time, severity Severity, title, message, source string, details map[string]any) *Alert {
	return &Alert{
		ID:        uuid.NewString(),
		Timestamp: now.UTC(),
		Severity:  severity,
		Title:     title,
		Message:   message,
		Source:    source,
		Details:   logging.MaskDetails(details),
		SentTo:    []string{},
	}
}

// pruneHourlyLocked drops send timestamps older than the rolling hour.
func (d *Dispatcher) pruneHourlyLocked(now time.Time) {
	cutoff := now.Add(-time.Hour)
	i := 0
	for i < len(d.hourly) && !d.hourly[i].After(cutoff) {
		i++
	}
	if i > 0 {
		d.hourly = append(d.hourly[:0], d.hourly[i:]...)
	}
}

func (d *Dispatcher) suppress(reason string) {
	d.mu.Lock()
	d.suppressed[reason]++
	d.mu.Unlock()
	metrics.IncAlertSuppressed(reason)
}

// deliver sends to all channels concurrently and records the successful ones.
func (d *Dispatcher) deliver(ctx context.Context, alert *Alert) {
	d.chMu.RLock()
	channels := append([]Channel(nil), d.channels...)
	d.chMu.RUnlock()

	ok := make([]bool, len(channels))
	var g errgroup.Group
	for i, ch := range channels {
		g.Go(func() error {
			if err := d.sendOne(ctx, ch, alert); err != nil {
				d.logger.Warn("alert delivery failed",
					"channel", ch.Name(),
					"alert_id", alert.ID,
					"error", err)
				d.mu.Lock()
				d.channelFailures[ch.Name()]++
				d.mu.Unlock()
				metrics.IncAlertChannelFailure(ch.Name())
				return nil
			}
			ok[i] = true
			return nil
		})
	}
	g.Wait()

	for i, ch := range channels {
		if ok[i] {
			alert.SentTo = append(alert.SentTo, ch.Name())
		}
	}
	d.history.Push(alert)
}

func (d *Dispatcher) sendOne(ctx context.Context, ch Channel, alert *Alert) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("channel panicked: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, d.config.ChannelTimeout)
	defer cancel()
	return ch.Send(ctx, alert)
}

// RecentAlerts returns up to limit delivered alerts, newest first.
func (d *Dispatcher) RecentAlerts(limit int) []*Alert {
	items := d.history.Items()
	out := make([]*Alert, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		out = append(out, items[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Stats summarizes dispatcher activity.
type Stats struct {
	Enabled         bool              `json:"enabled"`
	Sent            uint64            `json:"sent"`
	Suppressed      map[string]uint64 `json:"suppressed"`
	ChannelFailures map[string]uint64 `json:"channel_failures"`
	LastHour        int               `json:"last_hour"`
	Channels        []string          `json:"channels"`
}

// Stats returns a snapshot of dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	d.pruneHourlyLocked(d.now())
	s := Stats{
		Enabled:         d.config.Enabled,
		Sent:            d.sent,
		Suppressed:      make(map[string]uint64, len(d.suppressed)),
		ChannelFailures: make(map[string]uint64, len(d.channelFailures)),
		LastHour:        len(d.hourly),
	}
	for k, v := range d.suppressed {
		s.Suppressed[k] = v
	}
	for k, v := range d.channelFailures {
		s.ChannelFailures[k] = v
	}
	d.mu.Unlock()
	s.Channels = d.Channels()
	return s
}

// Close releases channel resources such as open alert files.
func (d *Dispatcher) Close() error {
	var firstErr error
	for _, c := range d.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
