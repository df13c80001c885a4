package siem

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"breachguard/internal/kafka"
	"breachguard/internal/logging"
	"breachguard/internal/metrics"
	"breachguard/internal/queue"
)

// Config configures the exporter.
type Config struct {
	Enabled   bool          `yaml:"enabled"`
	Format    Format        `yaml:"format" validate:"omitempty,oneof=cef leef syslog splunk json"`
	Transport TransportKind `yaml:"transport" validate:"omitempty,oneof=http udp dtls kafka"`

	Endpoint   string `yaml:"endpoint"`
	APIKey     string `yaml:"api_key"`
	SyslogHost string `yaml:"syslog_host"`
	SyslogPort int    `yaml:"syslog_port" validate:"gte=0,lte=65535"`
	Facility   int    `yaml:"facility" validate:"gte=0,lte=23"`

	Vendor         string `yaml:"vendor"`
	Product        string `yaml:"product"`
	ProductVersion string `yaml:"product_version"`
	AppName        string `yaml:"app_name"`
	SourceType     string `yaml:"source_type"`
	Hostname       string `yaml:"hostname"`

	MinSeverity Severity `yaml:"min_severity" validate:"omitempty,oneof=info low medium high critical"`
	// EventTypes is an optional allowlist; empty admits every type.
	EventTypes []string `yaml:"event_types"`

	BatchSize       int           `yaml:"batch_size" validate:"gte=1"`
	FlushIntervalMS int           `yaml:"flush_interval_ms" validate:"gte=0"`
	RetryAttempts   int           `yaml:"retry_attempts" validate:"gte=1"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	Timeout         time.Duration `yaml:"timeout"`
	QueueMaxSize    int           `yaml:"queue_max_size" validate:"gte=1"`
	FailureDir      string        `yaml:"failure_dir"`
	RetrySchedule   string        `yaml:"retry_schedule"`

	DTLS  DTLSConfig   `yaml:"dtls"`
	Kafka kafka.Config `yaml:"kafka"`
}

// DefaultConfig returns the default exporter configuration.
func DefaultConfig() Config {
	return Config{
		Format:          FormatJSON,
		SyslogHost:      "localhost",
		SyslogPort:      514,
		Facility:        FacilityLocal0,
		Vendor:          "BreachGuard",
		Product:         "BreachGuard",
		ProductVersion:  "1.0",
		AppName:         "breachguard",
		SourceType:      "breachguard:security",
		MinSeverity:     SeverityInfo,
		BatchSize:       100,
		FlushIntervalMS: 5000,
		RetryAttempts:   3,
		RetryBackoff:    time.Second,
		Timeout:         10 * time.Second,
		QueueMaxSize:    10000,
		FailureDir:      "data/siem_failed",
		RetrySchedule:   "@every 15m",
		Kafka:           kafka.DefaultConfig(),
	}
}

// transportKind resolves the configured transport, defaulting syslog to UDP
// and every other format to HTTP.
func (c Config) transportKind() TransportKind {
	if c.Transport != "" {
		return c.Transport
	}
	if c.Format == FormatSyslog {
		return TransportUDP
	}
	return TransportHTTP
}

// Result summarizes a flush or retry pass.
type Result struct {
	Sent    int  `json:"sent"`
	Failed  int  `json:"failed"`
	Skipped bool `json:"skipped,omitempty"`
}

// Exporter queues security events and delivers them in batches.
type Exporter struct {
	config    Config
	formatter *Formatter
	transport Transport
	store     *failureStore
	queue     *queue.RingBuffer[*Event]
	logger    *slog.Logger
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error

	allow map[string]bool

	flushing atomic.Bool
	retrying atomic.Bool
	closed   atomic.Bool

	// closeMu orders wg.Add against Close's wg.Wait.
	closeMu sync.Mutex
	wg      sync.WaitGroup
	cancel  context.CancelFunc

	queued    atomic.Uint64
	filtered  atomic.Uint64
	dropped   atomic.Uint64
	sent      atomic.Uint64
	failed    atomic.Uint64
	persisted atomic.Uint64
	recovered atomic.Uint64
	lastFlush atomic.Value // time.Time
}

// NewExporter builds the exporter and its transport.
func NewExporter(cfg Config, logger *slog.Logger) (*Exporter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	transport, err := buildTransport(cfg, logger)
	if err != nil {
		return nil, err
	}
	return newExporter(cfg, transport, logger), nil
}

func buildTransport(cfg Config, logger *slog.Logger) (Transport, error) {
	f := newFormatter(cfg)
	switch cfg.transportKind() {
	case TransportHTTP:
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("siem: http transport requires an endpoint")
		}
		return NewHTTPTransport(cfg.Endpoint, cfg.Format, f.ContentType(), cfg.APIKey, cfg.Timeout), nil
	case TransportUDP:
		return NewUDPTransport(cfg.SyslogHost, cfg.SyslogPort, cfg.Timeout), nil
	case TransportDTLS:
		return NewDTLSTransport(cfg.SyslogHost, cfg.SyslogPort, cfg.DTLS, cfg.Timeout)
	case TransportKafka:
		p, err := kafka.NewProducer(cfg.Kafka, logger)
		if err != nil {
			return nil, err
		}
		return NewKafkaTransport(p), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, cfg.Transport)
	}
}

func newFormatter(cfg Config) *Formatter {
	host := cfg.Hostname
	if host == "" {
		host, _ = os.Hostname()
	}
	format := cfg.Format
	if format == "" {
		format = FormatJSON
	}
	return &Formatter{
		Format:     format,
		Vendor:     cfg.Vendor,
		Product:    cfg.Product,
		Version:    cfg.ProductVersion,
		Hostname:   host,
		AppName:    cfg.AppName,
		Facility:   cfg.Facility,
		SourceType: cfg.SourceType,
		PID:        os.Getpid(),
	}
}

func newExporter(cfg Config, transport Transport, logger *slog.Logger) *Exporter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	var allow map[string]bool
	if len(cfg.EventTypes) > 0 {
		allow = make(map[string]bool, len(cfg.EventTypes))
		for _, t := range cfg.EventTypes {
			allow[t] = true
		}
	}

	return &Exporter{
		config:    cfg,
		formatter: newFormatter(cfg),
		transport: transport,
		store:     newFailureStore(cfg.FailureDir),
		queue:     queue.NewRingBuffer[*Event](cfg.QueueMaxSize),
		logger:    logger.With("component", "siem"),
		now:       time.Now,
		sleep:     sleepContext,
		allow:     allow,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enabled reports whether the exporter accepts events.
func (e *Exporter) Enabled() bool { return e.config.Enabled }

// QueueEvent admits ev if it passes the severity and type filters. A full
// queue evicts its oldest event. Reaching the batch size starts a flush.
func (e *Exporter) QueueEvent(ev Event) bool {
	if !e.config.Enabled || e.closed.Load() {
		return false
	}
	if ev.Severity.Rank() < e.config.MinSeverity.Rank() {
		e.filtered.Add(1)
		return false
	}
	if e.allow != nil && !e.allow[ev.EventType] {
		e.filtered.Add(1)
		return false
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now()
	}
	ev.Timestamp = ev.Timestamp.UTC()
	ev.Details = logging.MaskDetails(ev.Details)

	evicted, err := e.queue.Push(&ev)
	if err != nil {
		return false
	}
	e.queued.Add(1)
	metrics.IncSIEMQueued()
	if evicted {
		e.dropped.Add(1)
		metrics.IncSIEMDropped()
		e.logger.Warn("siem queue full; oldest event evicted", "capacity", e.queue.Cap())
	}
	depth := e.queue.Len()
	metrics.SetSIEMQueueDepth(depth)

	if depth >= e.config.BatchSize {
		e.goLocked(func() { e.Flush(context.Background()) })
	}
	return true
}

// Flush exports every event queued when it starts. A flush already in
// progress makes this call return immediately with Skipped set.
func (e *Exporter) Flush(ctx context.Context) Result {
	if !e.flushing.CompareAndSwap(false, true) {
		return Result{Skipped: true}
	}
	defer e.flushing.Store(false)

	var res Result
	pending := e.queue.Len()
	for pending > 0 {
		n := e.config.BatchSize
		if n > pending {
			n = pending
		}
		batch := e.queue.PopN(n)
		if len(batch) == 0 {
			break
		}
		pending -= len(batch)

		for _, ev := range batch {
			attempts, err := e.exportWithRetry(ctx, ev)
			if err == nil {
				res.Sent++
				continue
			}
			res.Failed++
			e.persistFailure(ev, attempts, err)
		}
	}

	e.sent.Add(uint64(res.Sent))
	e.failed.Add(uint64(res.Failed))
	e.lastFlush.Store(e.now())
	metrics.AddSIEMExported(res.Sent, res.Failed)
	metrics.SetSIEMQueueDepth(e.queue.Len())

	if res.Sent+res.Failed > 0 {
		e.logger.Info("siem flush complete", "sent", res.Sent, "failed", res.Failed)
	}
	return res
}

// exportWithRetry makes up to RetryAttempts attempts, sleeping
// RetryBackoff*attempt between them.
func (e *Exporter) exportWithRetry(ctx context.Context, ev *Event) (int, error) {
	payload, err := e.formatter.Encode(ev)
	if err != nil {
		return 0, err
	}

	var lastErr error
	for attempt := 1; attempt <= e.config.RetryAttempts; attempt++ {
		if attempt > 1 {
			if err := e.sleep(ctx, e.config.RetryBackoff*time.Duration(attempt-1)); err != nil {
				return attempt - 1, err
			}
		}
		lastErr = e.exportOnce(ctx, ev, payload)
		if lastErr == nil {
			return attempt, nil
		}
		e.logger.Debug("siem export attempt failed",
			"event_type", ev.EventType,
			"attempt", attempt,
			"max_attempts", e.config.RetryAttempts,
			"error", lastErr)
		if kafka.IsNonRetryable(lastErr) {
			return attempt, lastErr
		}
	}
	return e.config.RetryAttempts, lastErr
}

func (e *Exporter) exportOnce(ctx context.Context, ev *Event, payload []byte) error {
	sctx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()
	return e.transport.Send(sctx, ev, payload)
}

func (e *Exporter) persistFailure(ev *Event, attempts int, cause error) {
	rec := failedRecord{Event: ev, FailedAt: e.now().UTC(), Attempts: attempts, Error: cause.Error()}
	if e.config.FailureDir == "" {
		e.logger.Error("siem export failed and no failure store is configured; event dropped",
			"event_type", ev.EventType, "error", cause)
		return
	}
	if err := e.store.append(rec); err != nil {
		e.logger.Error("failed to persist undeliverable siem event",
			"event_type", ev.EventType, "error", err, "cause", cause)
		return
	}
	e.persisted.Add(1)
	e.logger.Warn("siem export failed; event stored for retry",
		"event_type", ev.EventType, "attempts", attempts, "error", cause)
}

// RetryFailed makes one export attempt for every stored event and rewrites
// each failure file with the events that still fail.
func (e *Exporter) RetryFailed(ctx context.Context) Result {
	if e.config.FailureDir == "" {
		return Result{}
	}
	if !e.retrying.CompareAndSwap(false, true) {
		return Result{Skipped: true}
	}
	defer e.retrying.Store(false)

	var res Result
	paths, err := e.store.files()
	if err != nil {
		e.logger.Error("failed to list siem failure store", "error", err)
		return res
	}

	for _, path := range paths {
		records, unparsable, err := e.store.read(path)
		if err != nil {
			e.logger.Error("failed to read siem failure file", "path", path, "error", err)
			continue
		}

		var remaining []failedRecord
		for _, rec := range records {
			payload, err := e.formatter.Encode(rec.Event)
			if err == nil {
				err = e.exportOnce(ctx, rec.Event, payload)
			}
			if err == nil {
				res.Sent++
				continue
			}
			res.Failed++
			rec.Attempts++
			rec.Error = err.Error()
			remaining = append(remaining, rec)
		}

		if err := e.store.rewrite(path, len(records), remaining, unparsable); err != nil {
			e.logger.Error("failed to rewrite siem failure file", "path", path, "error", err)
		}
	}

	e.recovered.Add(uint64(res.Sent))
	metrics.AddSIEMExported(res.Sent, res.Failed)
	if res.Sent+res.Failed > 0 {
		e.logger.Info("siem retry complete", "sent", res.Sent, "still_failed", res.Failed)
	}
	return res
}

// goLocked runs fn on a tracked goroutine unless Close has begun.
func (e *Exporter) goLocked(fn func()) {
	e.closeMu.Lock()
	defer e.closeMu.Unlock()
	if e.closed.Load() {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// Start runs the periodic flush until ctx is done or Close is called.
func (e *Exporter) Start(ctx context.Context) {
	if !e.config.Enabled || e.config.FlushIntervalMS <= 0 {
		return
	}
	e.closeMu.Lock()
	defer e.closeMu.Unlock()
	if e.closed.Load() || e.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	interval := time.Duration(e.config.FlushIntervalMS) * time.Millisecond
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.Flush(ctx)
			}
		}
	}()
	e.logger.Info("siem exporter started",
		"format", e.formatter.Format,
		"transport", e.transport.Name(),
		"flush_interval", interval)
}

// Close stops the timer, performs a final flush and closes the transport.
func (e *Exporter) Close(ctx context.Context) error {
	e.closeMu.Lock()
	if e.closed.Swap(true) {
		e.closeMu.Unlock()
		return nil
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.closeMu.Unlock()
	e.wg.Wait()

	if e.queue.Len() > 0 {
		e.Flush(ctx)
	}
	e.queue.Close()
	return e.transport.Close()
}

// Stats summarizes exporter activity.
type Stats struct {
	Enabled        bool      `json:"enabled"`
	Format         Format    `json:"format"`
	Transport      string    `json:"transport"`
	Queued         uint64    `json:"queued"`
	Filtered       uint64    `json:"filtered"`
	Dropped        uint64    `json:"dropped"`
	Sent           uint64    `json:"sent"`
	Failed         uint64    `json:"failed"`
	Persisted      uint64    `json:"persisted"`
	Recovered      uint64    `json:"recovered"`
	QueueDepth     int       `json:"queue_depth"`
	PendingRetries int       `json:"pending_retries"`
	LastFlush      time.Time `json:"last_flush,omitempty"`

	Queue queue.QueueMetrics `json:"queue"`
}

// Stats returns a snapshot of exporter counters.
func (e *Exporter) Stats() Stats {
	s := Stats{
		Enabled:    e.config.Enabled,
		Format:     e.formatter.Format,
		Transport:  e.transport.Name(),
		Queued:     e.queued.Load(),
		Filtered:   e.filtered.Load(),
		Dropped:    e.dropped.Load(),
		Sent:       e.sent.Load(),
		Failed:     e.failed.Load(),
		Persisted:  e.persisted.Load(),
		Recovered:  e.recovered.Load(),
		QueueDepth: e.queue.Len(),
		Queue:      e.queue.Metrics(),
	}
	if e.config.FailureDir != "" {
		s.PendingRetries = e.store.pending()
	}
	if t, ok := e.lastFlush.Load().(time.Time); ok {
		s.LastFlush = t
	}
	return s
}
