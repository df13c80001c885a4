// Package pipeline wires the ledger, breach engine, alert dispatcher and SIEM
// exporter together and exposes the ingest and query interfaces used by the
// HTTP adapter and the CLI.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"breachguard/internal/alerting"
	"breachguard/internal/breach"
	"breachguard/internal/config"
	"breachguard/internal/ledger"
	"breachguard/internal/siem"
)

const (
	pipelineSource = "breachguard"

	eventTypeBreachDetected   = "breach_detected"
	eventTypeIntegrityFailure = "ledger_integrity_failure"
)

// Pipeline is the composition root. It owns every component for the life of
// the process.
type Pipeline struct {
	config *config.Config
	logger *slog.Logger

	ledger *ledger.Ledger
	engine *breach.Engine
	alerts *alerting.Dispatcher
	// siem is nil when export is disabled.
	siem *siem.Exporter

	sched *scheduler

	startOnce sync.Once
	closeOnce sync.Once
	closeErr  error
}

// New opens the ledger and builds the components described by cfg.
func New(cfg *config.Config, logger *slog.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}

	l, err := ledger.Open(cfg.Ledger, logger)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	alerts, err := alerting.NewDispatcher(cfg.Alerting, logger)
	if err != nil {
		l.Close()
		return nil, fmt.Errorf("create alert dispatcher: %w", err)
	}

	p := &Pipeline{
		config: cfg,
		logger: logger.With("component", "pipeline"),
		ledger: l,
		alerts: alerts,
		sched:  newScheduler(logger.With("component", "scheduler")),
	}

	deps := breach.Dependencies{Ledger: l, Alerts: alerts}
	if cfg.SIEM.Enabled {
		exp, err := siem.NewExporter(cfg.SIEM, logger)
		if err != nil {
			alerts.Close()
			l.Close()
			return nil, fmt.Errorf("create siem exporter: %w", err)
		}
		p.siem = exp
		deps.Sink = detectionForwarder{exporter: exp}
	}
	p.engine = breach.NewEngine(cfg.Breach, deps, logger)

	if err := p.scheduleJobs(); err != nil {
		p.Close(context.Background())
		return nil, err
	}
	return p, nil
}

// Upper bounds for one run of a maintenance job.
const (
	retryJobTimeout  = 5 * time.Minute
	verifyJobTimeout = 15 * time.Minute
)

func (p *Pipeline) scheduleJobs() error {
	if p.siem != nil {
		err := p.sched.add(job{
			name:     "siem_retry_failed",
			schedule: p.config.SIEM.RetrySchedule,
			timeout:  retryJobTimeout,
			run:      func(ctx context.Context) { p.RetryFailedSIEM(ctx) },
		})
		if err != nil {
			return err
		}
	}
	return p.sched.add(job{
		name:     "ledger_verify",
		schedule: p.config.Ledger.VerifySchedule,
		timeout:  verifyJobTimeout,
		run: func(ctx context.Context) {
			if _, err := p.VerifyIntegrity(ctx); err != nil {
				p.logger.Error("scheduled ledger verification failed", "error", err)
			}
		},
	})
}

// Start launches the SIEM flush timer and the maintenance scheduler.
func (p *Pipeline) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		if p.siem != nil {
			p.siem.Start(ctx)
		}
		p.sched.start()
		p.logger.Info("pipeline started",
			"siem_enabled", p.siem != nil,
			"breach_enabled", p.config.Breach.Enabled,
			"alert_channels", p.alerts.Channels())
	})
}

// Close stops scheduled work, flushes the SIEM queue and closes every
// component. It is safe to call more than once.
func (p *Pipeline) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.sched.stop()
		p.engine.Close()

		var errs []error
		if p.siem != nil {
			if err := p.siem.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("close siem exporter: %w", err))
			}
		}
		if err := p.alerts.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close alert dispatcher: %w", err))
		}
		if err := p.ledger.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close ledger: %w", err))
		}
		p.closeErr = errors.Join(errs...)
		p.logger.Info("pipeline stopped")
	})
	return p.closeErr
}

// ReportEvent checks pattern against the breach rules and returns the most
// severe detection, or nil.
func (p *Pipeline) ReportEvent(ctx context.Context, pattern string, details map[string]any) *breach.Detection {
	return p.engine.CheckEvent(ctx, pattern, details)
}

// Append records a compliance event in the ledger.
func (p *Pipeline) Append(ctx context.Context, category ledger.Category, eventType string, actor ledger.Actor, outcome ledger.Outcome, details map[string]any) (*ledger.Event, error) {
	return p.ledger.Append(ctx, category, eventType, actor, outcome, ledger.WithDetails(details))
}

// VerifyIntegrity checks the ledger chain. A broken chain raises a critical
// alert and queues a critical SIEM event; I/O errors are returned as-is.
func (p *Pipeline) VerifyIntegrity(ctx context.Context) (ledger.VerifyResult, error) {
	res, err := p.ledger.VerifyIntegrity(ctx)
	if err != nil {
		return res, err
	}
	if res.Valid {
		p.logger.Debug("ledger integrity verified", "events", res.Checked)
		return res, nil
	}

	p.logger.Error("ledger integrity violation",
		"first_invalid_index", res.FirstInvalidIndex,
		"segment", res.Segment,
		"reason", res.Reason)

	details := map[string]any{
		"first_invalid_index": res.FirstInvalidIndex,
		"checked":             res.Checked,
		"segment":             res.Segment,
		"reason":              res.Reason,
	}
	p.alerts.SendAlert(ctx, alerting.SeverityCritical,
		"Ledger integrity failure",
		fmt.Sprintf("Ledger chain broken at event %d: %s", res.FirstInvalidIndex, res.Reason),
		pipelineSource, details)
	if p.siem != nil {
		p.siem.QueueEvent(siem.Event{
			Timestamp: time.Now(),
			EventType: eventTypeIntegrityFailure,
			EventName: "Ledger Integrity Failure",
			Severity:  siem.SeverityCritical,
			Source:    pipelineSource,
			Message:   res.Reason,
			Details:   details,
		})
	}
	return res, nil
}

// GetEvents queries the ledger.
func (p *Pipeline) GetEvents(ctx context.Context, filter ledger.Filter) ([]*ledger.Event, error) {
	return p.ledger.Query(ctx, filter)
}

// Stats aggregates component statistics.
type Stats struct {
	Ledger    ledger.Stats         `json:"ledger"`
	Breach    breach.Stats         `json:"breach"`
	Alerts    alerting.Stats       `json:"alerts"`
	SIEM      *siem.Stats          `json:"siem,omitempty"`
	Scheduled map[string]time.Time `json:"scheduled,omitempty"`
}

// GetStats returns a snapshot of every component's counters.
func (p *Pipeline) GetStats() Stats {
	s := Stats{
		Ledger:    p.ledger.Stats(),
		Breach:    p.engine.Stats(),
		Alerts:    p.alerts.Stats(),
		Scheduled: p.sched.jobs(),
	}
	if p.siem != nil {
		ss := p.siem.Stats()
		s.SIEM = &ss
	}
	return s
}

// GetRecentDetections returns up to limit detections, newest first.
func (p *Pipeline) GetRecentDetections(limit int) []*breach.Detection {
	return p.engine.RecentDetections(limit)
}

// GetRecentAlerts returns up to limit dispatched alerts, newest first.
func (p *Pipeline) GetRecentAlerts(limit int) []*alerting.Alert {
	return p.alerts.RecentAlerts(limit)
}

// GetRules returns the active rules in evaluation order.
func (p *Pipeline) GetRules() []breach.Rule {
	return p.engine.Rules()
}

// GetBlocked returns the advisory blocked set.
func (p *Pipeline) GetBlocked() []breach.BlockedPattern {
	return p.engine.Blocked()
}

// IsBlocked reports whether pattern is in the advisory blocked set.
func (p *Pipeline) IsBlocked(pattern string) bool {
	return p.engine.IsBlocked(pattern)
}

// SendAlert dispatches an alert directly, outside any rule.
func (p *Pipeline) SendAlert(ctx context.Context, severity alerting.Severity, title, message, source string, details map[string]any) *alerting.Alert {
	return p.alerts.SendAlert(ctx, severity, title, message, source, details)
}

// FlushSIEM exports the queued SIEM events now.
func (p *Pipeline) FlushSIEM(ctx context.Context) siem.Result {
	if p.siem == nil {
		return siem.Result{}
	}
	return p.siem.Flush(ctx)
}

// RetryFailedSIEM re-sends events from the SIEM failure store.
func (p *Pipeline) RetryFailedSIEM(ctx context.Context) siem.Result {
	if p.siem == nil {
		return siem.Result{}
	}
	return p.siem.RetryFailed(ctx)
}

// Seal closes the current ledger segment with a checksum manifest.
func (p *Pipeline) Seal(ctx context.Context, reason string) (*ledger.Event, error) {
	return p.ledger.Seal(ctx, reason)
}

// detectionForwarder queues every detection for SIEM export.
type detectionForwarder struct {
	exporter *siem.Exporter
}

func (f detectionForwarder) OnDetection(_ context.Context, d *breach.Detection) {
	f.exporter.QueueEvent(detectionEvent(d))
}

func detectionEvent(d *breach.Detection) siem.Event {
	actions := make([]string, len(d.ActionsTaken))
	for i, a := range d.ActionsTaken {
		actions[i] = string(a)
	}
	details := map[string]any{
		"detection_id":  d.ID,
		"rule_id":       d.Rule.ID,
		"event_pattern": d.EventPattern,
		"event_count":   d.EventCount,
		"window_start":  d.WindowStart.UTC().Format(time.RFC3339),
		"window_end":    d.WindowEnd.UTC().Format(time.RFC3339),
		"actions_taken": actions,
		"blocked":       d.Blocked,
	}
	if d.IncidentID != "" {
		details["incident_id"] = d.IncidentID
	}
	if d.NotificationDeadline != nil {
		details["notification_deadline"] = d.NotificationDeadline.UTC().Format(time.RFC3339)
	}

	sev, ok := siem.ParseSeverity(string(d.Rule.Severity))
	if !ok {
		sev = siem.SeverityMedium
	}
	return siem.Event{
		Timestamp: d.DetectedAt,
		EventType: eventTypeBreachDetected,
		EventName: d.Rule.Name,
		Severity:  sev,
		Source:    "breach-detector",
		Message:   fmt.Sprintf("rule %s tripped after %d events", d.Rule.ID, d.EventCount),
		Details:   details,
	}
}
