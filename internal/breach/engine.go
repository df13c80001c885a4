package breach

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"breachguard/internal/alerting"
	"breachguard/internal/ledger"
	"breachguard/internal/metrics"
	"breachguard/internal/queue"
)

const detectorSource = "breach-detector"

// LedgerWriter records detection activity.
type LedgerWriter interface {
	Append(ctx context.Context, category ledger.Category, eventType string, actor ledger.Actor, outcome ledger.Outcome, opts ...ledger.AppendOption) (*ledger.Event, error)
}

// AlertSender raises alerts for detections.
type AlertSender interface {
	SendAlert(ctx context.Context, severity alerting.Severity, title, message, source string, details map[string]any) *alerting.Alert
}

// DetectionSink receives every detection after its actions ran.
type DetectionSink interface {
	OnDetection(ctx context.Context, d *Detection)
}

// Dependencies are the optional collaborators the engine's actions use.
type Dependencies struct {
	Ledger LedgerWriter
	Alerts AlertSender
	Sink   DetectionSink
}

// Config configures the engine.
type Config struct {
	Enabled         bool   `yaml:"enabled"`
	CustomRulesPath string `yaml:"custom_rules_path"`
	// MergeCustomOverrides lets a custom rule shadow a built-in with the same ID.
	MergeCustomOverrides bool          `yaml:"merge_custom_overrides"`
	MaxTrackerEntries    int           `yaml:"max_tracker_entries" validate:"gte=0"`
	DetectionHistory     int           `yaml:"detection_history" validate:"gte=0"`
	RegexTimeout         time.Duration `yaml:"regex_timeout"`
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		CustomRulesPath:   "data/custom_rules.json",
		MaxTrackerEntries: 10000,
		DetectionHistory:  1000,
		RegexTimeout:      DefaultRegexTimeout,
	}
}

// Detection describes a tripped rule.
type Detection struct {
	ID             string         `json:"id"`
	DetectedAt     time.Time      `json:"detected_at"`
	Rule           Rule           `json:"rule"`
	EventPattern   string         `json:"event_pattern"`
	EventCount     int            `json:"event_count"`
	WindowStart    time.Time      `json:"window_start"`
	WindowEnd      time.Time      `json:"window_end"`
	TriggerDetails map[string]any `json:"trigger_details,omitempty"`
	ActionsTaken   []Action       `json:"actions_taken"`
	IncidentID     string         `json:"incident_id,omitempty"`
	Blocked        bool           `json:"blocked"`
	// NotificationDeadline is set for rules that require external notification.
	NotificationDeadline *time.Time `json:"notification_deadline,omitempty"`
}

// Engine evaluates reported events against threshold rules.
type Engine struct {
	config Config
	deps   Dependencies
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	builtins []*Rule
	custom   map[string]*Rule
	ordered  []*Rule
	trackers map[string]*tracker

	blockedMu sync.RWMutex
	blocked   map[string]time.Time

	history *queue.RingBuffer[*Detection]

	// Alerts are delivered off the CheckEvent path; Close drains them.
	alertMu     sync.Mutex
	alertClosed bool
	inflight    sync.WaitGroup

	statsMu        sync.Mutex
	eventsChecked  uint64
	detections     uint64
	byRule         map[string]uint64
	actionFailures map[Action]uint64
}

// NewEngine creates an engine seeded with the built-in rules and any custom
// rules persisted at cfg.CustomRulesPath. An unreadable rules file is logged
// and treated as empty.
func NewEngine(cfg Config, deps Dependencies, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DetectionHistory <= 0 {
		cfg.DetectionHistory = 1000
	}
	if cfg.RegexTimeout <= 0 {
		cfg.RegexTimeout = DefaultRegexTimeout
	}

	e := &Engine{
		config:         cfg,
		deps:           deps,
		logger:         logger.With("component", "breach"),
		now:            time.Now,
		custom:         make(map[string]*Rule),
		trackers:       make(map[string]*tracker),
		blocked:        make(map[string]time.Time),
		history:        queue.NewRingBuffer[*Detection](cfg.DetectionHistory),
		byRule:         make(map[string]uint64),
		actionFailures: make(map[Action]uint64),
	}

	for _, r := range BuiltinRules() {
		if err := r.Validate(); err != nil {
			e.logger.Error("skipping invalid built-in rule", "rule_id", r.ID, "error", err)
			continue
		}
		r.Builtin = true
		r.pattern = CompilePattern(r.EventPattern, cfg.RegexTimeout)
		e.builtins = append(e.builtins, r)
	}

	if cfg.CustomRulesPath != "" {
		e.loadCustomRules()
	}
	e.rebuildOrderLocked()

	e.logger.Info("breach engine initialized",
		"builtin_rules", len(e.builtins),
		"custom_rules", len(e.custom),
		"enabled", cfg.Enabled)
	return e
}

func (e *Engine) loadCustomRules() {
	rules, invalid, err := LoadRulesFile(e.config.CustomRulesPath)
	if err != nil {
		e.logger.Warn("custom rules unreadable; continuing with built-in rules only",
			"path", e.config.CustomRulesPath, "error", err)
		return
	}
	for _, verr := range invalid {
		e.logger.Warn("skipping invalid custom rule", "error", verr)
	}
	for _, r := range rules {
		if e.isBuiltinID(r.ID) && !e.config.MergeCustomOverrides {
			e.logger.Warn("custom rule conflicts with built-in rule; ignored", "rule_id", r.ID)
			continue
		}
		r.pattern = CompilePattern(r.EventPattern, e.config.RegexTimeout)
		if r.pattern.Kind() == PatternInvalid {
			e.logger.Warn("custom rule pattern does not compile; rule will never match",
				"rule_id", r.ID, "error", r.pattern.Err())
		}
		e.custom[r.ID] = r
	}
}

func (e *Engine) isBuiltinID(id string) bool {
	for _, r := range e.builtins {
		if r.ID == id {
			return true
		}
	}
	return false
}

// rebuildOrderLocked recomputes evaluation order: built-ins (or their
// overrides) in declaration order, then custom rules by ID.
func (e *Engine) rebuildOrderLocked() {
	ordered := make([]*Rule, 0, len(e.builtins)+len(e.custom))
	for _, r := range e.builtins {
		if override, ok := e.custom[r.ID]; ok {
			ordered = append(ordered, override)
			continue
		}
		ordered = append(ordered, r)
	}
	ids := make([]string, 0, len(e.custom))
	for id := range e.custom {
		if !e.isBuiltinID(id) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		ordered = append(ordered, e.custom[id])
	}
	e.ordered = ordered
}

// CheckEvent evaluates one event. When several rules trip, all of them run
// their actions and the most severe detection is returned (ties go to the
// earlier rule). It returns nil when no rule trips.
func (e *Engine) CheckEvent(ctx context.Context, pattern string, details map[string]any) *Detection {
	var best *Detection
	for _, d := range e.CheckEventAll(ctx, pattern, details) {
		if best == nil || d.Rule.Severity.Rank() > best.Rule.Severity.Rank() {
			best = d
		}
	}
	return best
}

// CheckEventAll evaluates one event and returns every detection it caused.
func (e *Engine) CheckEventAll(ctx context.Context, pattern string, details map[string]any) []*Detection {
	if !e.config.Enabled {
		return nil
	}
	metrics.IncBreachEvent()
	e.statsMu.Lock()
	e.eventsChecked++
	e.statsMu.Unlock()

	now := e.now().UTC()

	e.mu.RLock()
	rules := e.ordered
	e.mu.RUnlock()

	var detections []*Detection
	for _, rule := range rules {
		if !rule.pattern.Match(pattern) {
			continue
		}
		res := e.trackerFor(rule.ID).record(now, time.Duration(rule.WindowSeconds)*time.Second,
			rule.Threshold, e.config.MaxTrackerEntries, details)
		if res.evicted > 0 {
			e.logger.Warn("breach tracker full; oldest events evicted", "rule_id", rule.ID, "evicted", res.evicted)
		}
		if !res.tripped {
			continue
		}
		detections = append(detections, &Detection{
			ID:             uuid.NewString(),
			DetectedAt:     now,
			Rule:           *rule.clone(),
			EventPattern:   pattern,
			EventCount:     res.count,
			WindowStart:    res.windowStart,
			WindowEnd:      now,
			TriggerDetails: details,
			ActionsTaken:   []Action{},
		})
	}

	for _, d := range detections {
		e.respond(ctx, d)
	}
	return detections
}

func (e *Engine) trackerFor(ruleID string) *tracker {
	e.mu.RLock()
	t, ok := e.trackers[ruleID]
	e.mu.RUnlock()
	if ok {
		return t
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok = e.trackers[ruleID]; !ok {
		t = &tracker{}
		e.trackers[ruleID] = t
	}
	return t
}

// respond runs the rule's actions in order. A failing action is logged and
// skipped; ActionsTaken lists only the actions that succeeded.
func (e *Engine) respond(ctx context.Context, d *Detection) {
	if d.Rule.NotificationRequired && d.Rule.NotificationDeadlineHours > 0 {
		deadline := d.DetectedAt.Add(time.Duration(d.Rule.NotificationDeadlineHours) * time.Hour)
		d.NotificationDeadline = &deadline
	}

	for _, action := range d.Rule.Actions {
		if err := e.runAction(ctx, action, d); err != nil {
			e.logger.Error("detection action failed",
				"rule_id", d.Rule.ID,
				"detection_id", d.ID,
				"action", action,
				"error", err)
			metrics.IncBreachActionFailure(string(action))
			e.statsMu.Lock()
			e.actionFailures[action]++
			e.statsMu.Unlock()
			continue
		}
		d.ActionsTaken = append(d.ActionsTaken, action)
	}

	e.statsMu.Lock()
	e.detections++
	e.byRule[d.Rule.ID]++
	e.statsMu.Unlock()
	metrics.IncBreachDetection(d.Rule.ID, string(d.Rule.Severity))
	e.history.Push(d)

	e.logger.Warn("breach rule tripped",
		"rule_id", d.Rule.ID,
		"severity", d.Rule.Severity,
		"event_count", d.EventCount,
		"actions_taken", d.ActionsTaken,
		"incident_id", d.IncidentID)

	if e.deps.Sink != nil {
		e.deps.Sink.OnDetection(ctx, d)
	}
}

func (e *Engine) runAction(ctx context.Context, action Action, d *Detection) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action panicked: %v", r)
		}
	}()

	switch action {
	case ActionLog:
		return e.logDetection(ctx, d)
	case ActionAlert:
		return e.alertDetection(ctx, d)
	case ActionBlock:
		e.Block(d.Rule.EventPattern)
		d.Blocked = true
		return nil
	case ActionNotifyAdmin:
		return e.notifyAdmin(ctx, d)
	case ActionCreateIncident:
		return e.createIncident(ctx, d)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}
}

func (e *Engine) detectionDetails(d *Detection) map[string]any {
	details := map[string]any{
		"detection_id":   d.ID,
		"rule_id":        d.Rule.ID,
		"rule_name":      d.Rule.Name,
		"severity":       string(d.Rule.Severity),
		"event_pattern":  d.EventPattern,
		"event_count":    d.EventCount,
		"window_seconds": d.Rule.WindowSeconds,
		"window_start":   d.WindowStart.Format(time.RFC3339Nano),
	}
	if d.IncidentID != "" {
		details["incident_id"] = d.IncidentID
	}
	if d.NotificationDeadline != nil {
		details["notification_deadline"] = d.NotificationDeadline.Format(time.RFC3339)
	}
	return details
}

func (e *Engine) logDetection(ctx context.Context, d *Detection) error {
	if e.deps.Ledger == nil {
		return ErrNoLedger
	}
	_, err := e.deps.Ledger.Append(ctx, ledger.CategorySecurityIncident, "breach_detected",
		ledger.SystemActor(detectorSource), ledger.OutcomeSuccess,
		ledger.WithResource("breach_rule", d.Rule.ID),
		ledger.WithDetails(e.detectionDetails(d)))
	return err
}

// AlertSeverity maps a rule severity onto the alert scale.
func AlertSeverity(s Severity) alerting.Severity {
	switch s {
	case SeverityCritical:
		return alerting.SeverityCritical
	case SeverityHigh:
		return alerting.SeverityError
	case SeverityMedium:
		return alerting.SeverityWarning
	default:
		return alerting.SeverityInfo
	}
}

func (e *Engine) alertDetection(ctx context.Context, d *Detection) error {
	if e.deps.Alerts == nil {
		return ErrNoAlerter
	}
	msg := fmt.Sprintf("Rule %s tripped: %d %q events within %ds",
		d.Rule.ID, d.EventCount, d.EventPattern, d.Rule.WindowSeconds)
	e.sendAlert(ctx, AlertSeverity(d.Rule.Severity),
		"Security breach detected: "+d.Rule.Name, msg, e.detectionDetails(d))
	return nil
}

// sendAlert hands an alert to the sender on its own goroutine so a slow
// channel never holds up event evaluation. After Close it sends inline.
func (e *Engine) sendAlert(ctx context.Context, severity alerting.Severity, title, msg string, details map[string]any) {
	e.alertMu.Lock()
	if e.alertClosed {
		e.alertMu.Unlock()
		e.deps.Alerts.SendAlert(ctx, severity, title, msg, detectorSource, details)
		return
	}
	e.inflight.Add(1)
	e.alertMu.Unlock()

	ctx = context.WithoutCancel(ctx)
	go func() {
		defer e.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("alert delivery panicked", "title", title, "panic", r)
			}
		}()
		e.deps.Alerts.SendAlert(ctx, severity, title, msg, detectorSource, details)
	}()
}

// Wait blocks until every alert raised so far has been handed to the sender.
func (e *Engine) Wait() { e.inflight.Wait() }

// Close waits for in-flight alerts. Alerts raised afterwards are sent inline.
func (e *Engine) Close() {
	e.alertMu.Lock()
	e.alertClosed = true
	e.alertMu.Unlock()
	e.inflight.Wait()
}

func (e *Engine) notifyAdmin(ctx context.Context, d *Detection) error {
	if e.deps.Alerts == nil {
		return ErrNoAlerter
	}
	msg := fmt.Sprintf("Administrator action required for %s", d.Rule.Name)
	if d.NotificationDeadline != nil {
		msg += fmt.Sprintf("; external notification due by %s", d.NotificationDeadline.Format(time.RFC3339))
	}
	e.sendAlert(ctx, alerting.SeverityCritical,
		"Admin notification: "+d.Rule.Name, msg, e.detectionDetails(d))

	if e.deps.Ledger != nil {
		outcome := ledger.OutcomeSuccess
		if d.Rule.NotificationRequired {
			outcome = ledger.OutcomePending
		}
		if _, err := e.deps.Ledger.Append(ctx, ledger.CategoryBreachNotification, "admin_notified",
			ledger.SystemActor(detectorSource), outcome,
			ledger.WithResource("breach_rule", d.Rule.ID),
			ledger.WithDetails(e.detectionDetails(d))); err != nil {
			e.logger.Warn("failed to record admin notification", "detection_id", d.ID, "error", err)
		}
	}
	return nil
}

func (e *Engine) createIncident(ctx context.Context, d *Detection) error {
	if e.deps.Ledger == nil {
		return ErrNoLedger
	}
	id := newIncidentID(d.DetectedAt)
	d.IncidentID = id
	_, err := e.deps.Ledger.Append(ctx, ledger.CategorySecurityIncident, "incident_created",
		ledger.SystemActor(detectorSource), ledger.OutcomePending,
		ledger.WithResource("incident", id),
		ledger.WithDetails(e.detectionDetails(d)))
	if err != nil {
		d.IncidentID = ""
		return err
	}
	return nil
}

func newIncidentID(at time.Time) string {
	return fmt.Sprintf("INC-%s-%s", at.Format("20060102"), strings.ToUpper(uuid.NewString()[:8]))
}

// Block adds pattern to the advisory blocked set.
func (e *Engine) Block(pattern string) {
	e.blockedMu.Lock()
	defer e.blockedMu.Unlock()
	if _, ok := e.blocked[pattern]; !ok {
		e.blocked[pattern] = e.now().UTC()
	}
}

// Unblock removes pattern from the blocked set and reports whether it was present.
func (e *Engine) Unblock(pattern string) bool {
	e.blockedMu.Lock()
	defer e.blockedMu.Unlock()
	_, ok := e.blocked[pattern]
	delete(e.blocked, pattern)
	return ok
}

// IsBlocked reports whether pattern is in the blocked set (exact match).
func (e *Engine) IsBlocked(pattern string) bool {
	e.blockedMu.RLock()
	defer e.blockedMu.RUnlock()
	_, ok := e.blocked[pattern]
	return ok
}

// BlockedPattern is an entry in the blocked set.
type BlockedPattern struct {
	Pattern   string    `json:"pattern"`
	BlockedAt time.Time `json:"blocked_at"`
}

// Blocked returns the blocked set sorted by pattern.
func (e *Engine) Blocked() []BlockedPattern {
	e.blockedMu.RLock()
	defer e.blockedMu.RUnlock()
	out := make([]BlockedPattern, 0, len(e.blocked))
	for p, at := range e.blocked {
		out = append(out, BlockedPattern{Pattern: p, BlockedAt: at})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pattern < out[j].Pattern })
	return out
}

// AddRule validates and persists a custom rule, replacing any custom rule
// with the same ID. Built-in IDs are rejected unless overrides are merged.
func (e *Engine) AddRule(rule Rule) error {
	r := rule.clone()
	r.Builtin = false
	if err := r.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.isBuiltinID(r.ID) && !e.config.MergeCustomOverrides {
		return fmt.Errorf("%w: %s", ErrBuiltinRule, r.ID)
	}
	r.pattern = CompilePattern(r.EventPattern, e.config.RegexTimeout)
	if r.pattern.Kind() == PatternInvalid {
		e.logger.Warn("rule pattern does not compile; rule will never match", "rule_id", r.ID, "error", r.pattern.Err())
	}

	prev, existed := e.custom[r.ID]
	e.custom[r.ID] = r
	if err := e.persistLocked(); err != nil {
		if existed {
			e.custom[r.ID] = prev
		} else {
			delete(e.custom, r.ID)
		}
		return err
	}
	delete(e.trackers, r.ID)
	e.rebuildOrderLocked()

	e.logger.Info("added breach rule", "rule_id", r.ID, "name", r.Name, "pattern_kind", r.pattern.Kind())
	return nil
}

// RemoveRule deletes a custom rule. Removing a built-in fails with ErrBuiltinRule;
// removing an override restores the built-in it shadowed.
func (e *Engine) RemoveRule(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	prev, ok := e.custom[id]
	if !ok {
		if e.isBuiltinID(id) {
			return fmt.Errorf("%w: %s", ErrBuiltinRule, id)
		}
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	delete(e.custom, id)
	if err := e.persistLocked(); err != nil {
		e.custom[id] = prev
		return err
	}
	delete(e.trackers, id)
	e.rebuildOrderLocked()

	e.logger.Info("removed breach rule", "rule_id", id)
	return nil
}

func (e *Engine) persistLocked() error {
	if e.config.CustomRulesPath == "" {
		return nil
	}
	ids := make([]string, 0, len(e.custom))
	for id := range e.custom {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	rules := make([]*Rule, 0, len(ids))
	for _, id := range ids {
		rules = append(rules, e.custom[id])
	}
	return saveRulesFile(e.config.CustomRulesPath, rules)
}

// Rules returns a snapshot of the active rules in evaluation order.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Rule, len(e.ordered))
	for i, r := range e.ordered {
		out[i] = *r.clone()
	}
	return out
}

// RecentDetections returns up to limit detections, newest first.
func (e *Engine) RecentDetections(limit int) []*Detection {
	items := e.history.Items()
	out := make([]*Detection, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		out = append(out, items[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Stats summarizes engine activity.
type Stats struct {
	Enabled         bool              `json:"enabled"`
	EventsChecked   uint64            `json:"events_checked"`
	Detections      uint64            `json:"detections"`
	BuiltinRules    int               `json:"builtin_rules"`
	CustomRules     int               `json:"custom_rules"`
	BlockedPatterns int               `json:"blocked_patterns"`
	ActiveTrackers  int               `json:"active_trackers"`
	ByRule          map[string]uint64 `json:"by_rule"`
	ActionFailures  map[string]uint64 `json:"action_failures"`
}

// Stats returns a snapshot of engine counters.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	s := Stats{
		Enabled:      e.config.Enabled,
		BuiltinRules: len(e.builtins),
		CustomRules:  len(e.custom),
	}
	trackers := make([]*tracker, 0, len(e.trackers))
	for _, t := range e.trackers {
		trackers = append(trackers, t)
	}
	e.mu.RUnlock()

	for _, t := range trackers {
		if t.len() > 0 {
			s.ActiveTrackers++
		}
	}
	s.BlockedPatterns = len(e.Blocked())

	e.statsMu.Lock()
	s.EventsChecked = e.eventsChecked
	s.Detections = e.detections
	s.ByRule = make(map[string]uint64, len(e.byRule))
	for k, v := range e.byRule {
		s.ByRule[k] = v
	}
	s.ActionFailures = make(map[string]uint64, len(e.actionFailures))
	for k, v := range e.actionFailures {
		s.ActionFailures[string(k)] = v
	}
	e.statsMu.Unlock()
	return s
}
