// Package ledger implements an append-only, hash-chained event ledger stored
// as daily NDJSON segment files.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"

	"breachguard/internal/logging"
	"breachguard/internal/metrics"
)

// Common errors.
var (
	ErrLedgerClosed   = errors.New("ledger is closed")
	ErrLedgerCorrupt  = errors.New("ledger segment left in inconsistent state")
	ErrInvalidEvent   = errors.New("invalid ledger event")
	ErrTamperDetected = errors.New("ledger tampering detected")
	ErrUnknownDigest  = errors.New("unknown ledger digest")
)

const (
	segmentPrefix = "ledger-"
	segmentSuffix = ".jsonl"
	checksumExt   = ".sha256"
	genesisSeed   = "breachguard-ledger-genesis-v1"
)

// Config configures the ledger.
type Config struct {
	// Dir holds the segment files.
	Dir string `yaml:"dir" validate:"required"`
	// MaxSegmentBytes triggers rotation to a new segment within the same day.
	MaxSegmentBytes int64 `yaml:"max_segment_bytes" validate:"gte=0"`
	// Digest is "sha256" or "sha3-256".
	Digest string `yaml:"digest" validate:"oneof=sha256 sha3-256"`
	// SyncWrites fsyncs after every append.
	SyncWrites bool `yaml:"sync_writes"`
	// VerifySchedule is a cron spec for periodic verification; empty disables it.
	VerifySchedule string `yaml:"verify_schedule"`
}

// DefaultConfig returns the default ledger configuration.
func DefaultConfig() Config {
	return Config{
		Dir:             "data/ledger",
		MaxSegmentBytes: 64 * 1024 * 1024,
		Digest:          "sha256",
		SyncWrites:      true,
		VerifySchedule:  "@every 1h",
	}
}

// segmentFile is the subset of *os.File the writer needs.
type segmentFile interface {
	io.Writer
	Truncate(size int64) error
	Sync() error
	Close() error
}

// Ledger is the append-only integrity ledger. Appends are serialized.
type Ledger struct {
	config    Config
	logger    *slog.Logger
	newDigest func() hash.Hash
	genesis   string
	now       func() time.Time

	mu           sync.Mutex
	file         segmentFile
	currentPath  string
	currentSize  int64
	currentDay   string
	sequence     uint64
	previousHash string
	failed       bool

	closed      atomic.Bool
	written     atomic.Uint64
	writeErrors atomic.Uint64
}

// Open opens (or creates) the ledger in cfg.Dir and recovers the chain head.
func Open(cfg Config, logger *slog.Logger) (*Ledger, error) {
	return open(cfg, logger, time.Now)
}

func open(cfg Config, logger *slog.Logger, now func() time.Time) (*Ledger, error) {
	l, err := newLedger(cfg, logger, now)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(l.config.Dir, 0700); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}

	if err := l.recoverState(); err != nil {
		return nil, fmt.Errorf("recover ledger state: %w", err)
	}

	l.logger.Info("ledger opened",
		"dir", l.config.Dir,
		"segment", filepath.Base(l.currentPath),
		"sequence", l.sequence,
		"digest", cfg.Digest)
	return l, nil
}

// newLedger builds a ledger without touching the filesystem.
func newLedger(cfg Config, logger *slog.Logger, now func() time.Time) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Dir == "" {
		cfg.Dir = DefaultConfig().Dir
	}
	newDigest, err := digestFor(cfg.Digest)
	if err != nil {
		return nil, err
	}
	l := &Ledger{
		config:    cfg,
		logger:    logger.With("component", "ledger"),
		newDigest: newDigest,
		now:       now,
	}
	l.genesis = l.genesisHash()
	l.previousHash = l.genesis
	return l, nil
}

func digestFor(name string) (func() hash.Hash, error) {
	switch name {
	case "", "sha256":
		return sha256.New, nil
	case "sha3-256":
		return sha3.New256, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDigest, name)
	}
}

func (l *Ledger) genesisHash() string {
	h := l.newDigest()
	h.Write([]byte(genesisSeed))
	return hex.EncodeToString(h.Sum(nil))
}

// GenesisHash returns the previous_hash value of the first event.
func (l *Ledger) GenesisHash() string { return l.genesis }

// recoverState restores the sequence and chain head from the newest segment and
// opens the segment new events go to.
func (l *Ledger) recoverState() error {
	segments, err := l.segments()
	if err != nil {
		return err
	}
	today := l.now().UTC().Format("20060102")
	if len(segments) == 0 {
		return l.openSegment(segmentName(today, 1))
	}

	latest := segments[len(segments)-1]
	last, cleanTail, err := readLastEvent(latest)
	if err != nil {
		return err
	}
	if last != nil {
		l.sequence = last.Sequence
		l.previousHash = last.Hash
	} else if len(segments) > 1 {
		// Latest segment is empty; the head lives in the one before it.
		prev, _, err := readLastEvent(segments[len(segments)-2])
		if err != nil {
			return err
		}
		if prev != nil {
			l.sequence = prev.Sequence
			l.previousHash = prev.Hash
		}
	}

	day, _ := parseSegmentName(filepath.Base(latest))
	_, sealedErr := os.Stat(latest + checksumExt)
	sealed := sealedErr == nil
	if !cleanTail {
		l.logger.Error("latest ledger segment ends with a partial or unreadable record; starting a new segment",
			"segment", filepath.Base(latest))
	}
	if day == today && !sealed && cleanTail {
		return l.openSegment(filepath.Base(latest))
	}
	return l.openSegment(nextSegmentName(segments, today))
}

// nextSegmentName returns the first unused segment name for day.
func nextSegmentName(segments []string, day string) string {
	highest := 0
	for _, path := range segments {
		d, n := parseSegmentName(filepath.Base(path))
		if d == day && n > highest {
			highest = n
		}
	}
	return segmentName(day, highest+1)
}

func segmentName(day string, n int) string {
	return fmt.Sprintf("%s%s-%04d%s", segmentPrefix, day, n, segmentSuffix)
}

func parseSegmentName(name string) (day string, n int) {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix)
	parts := strings.SplitN(trimmed, "-", 2)
	if len(parts) != 2 {
		return "", 0
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", 0
	}
	return parts[0], n
}

// segments returns all segment paths in chain order.
func (l *Ledger) segments() ([]string, error) {
	files, err := filepath.Glob(filepath.Join(l.config.Dir, segmentPrefix+"*"+segmentSuffix))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// openSegment opens name for appending (caller must hold lock or be constructing).
func (l *Ledger) openSegment(name string) error {
	path := filepath.Join(l.config.Dir, name)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	day, _ := parseSegmentName(name)

	l.file = f
	l.currentPath = path
	l.currentSize = stat.Size()
	l.currentDay = day
	return nil
}

// closeSegmentLocked syncs and closes the active segment.
func (l *Ledger) closeSegmentLocked() error {
	if l.file == nil {
		return nil
	}
	l.file.Sync()
	err := l.file.Close()
	l.file = nil
	return err
}

// rotateLocked seals the active segment with a checksum manifest and opens the
// next one. Only rotation writes manifests; a segment left open by Close or a
// crash is resumed on the next Open.
func (l *Ledger) rotateLocked(today string) error {
	err := l.closeSegmentLocked()
	if err == nil {
		err = writeChecksum(l.currentPath)
	}
	if err != nil {
		l.logger.Warn("failed to seal ledger segment", "segment", filepath.Base(l.currentPath), "error", err)
	}
	segments, err := l.segments()
	if err != nil {
		return err
	}
	return l.openSegment(nextSegmentName(segments, today))
}

// ensureSegmentLocked rotates when the day changed or the segment is full.
func (l *Ledger) ensureSegmentLocked(now time.Time) error {
	today := now.Format("20060102")
	if today != l.currentDay || (l.config.MaxSegmentBytes > 0 && l.currentSize >= l.config.MaxSegmentBytes) {
		if err := l.rotateLocked(today); err != nil {
			return fmt.Errorf("rotate ledger segment: %w", err)
		}
	}
	return nil
}

// AppendOption customizes an appended event.
type AppendOption func(*Event)

// WithResource sets the event resource.
func WithResource(resourceType, id string) AppendOption {
	return func(e *Event) { e.Resource = &Resource{Type: resourceType, ID: id} }
}

// WithDetails attaches structured details.
func WithDetails(details map[string]any) AppendOption {
	return func(e *Event) { e.Details = details }
}

// WithFailureReason records why the action failed.
func WithFailureReason(reason string) AppendOption {
	return func(e *Event) { e.FailureReason = reason }
}

// WithActorIP stores the actor address in masked form.
func WithActorIP(ip string) AppendOption {
	return func(e *Event) { e.Actor.MaskedIP = logging.MaskIP(ip) }
}

// Append writes a new event to the chain. The event is either fully written or
// not written at all; on failure the chain head is unchanged.
func (l *Ledger) Append(ctx context.Context, category Category, eventType string, actor Actor, outcome Outcome, opts ...AppendOption) (*Event, error) {
	if l.closed.Load() {
		return nil, ErrLedgerClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if category == "" || eventType == "" || actor.Type == "" {
		return nil, fmt.Errorf("%w: category, event_type and actor.type are required", ErrInvalidEvent)
	}
	if !outcome.Valid() {
		return nil, fmt.Errorf("%w: outcome %q", ErrInvalidEvent, outcome)
	}

	event := &Event{
		ID:        uuid.NewString(),
		Category:  category,
		EventType: eventType,
		Actor:     actor,
		Outcome:   outcome,
	}
	for _, opt := range opts {
		opt(event)
	}
	details, err := normalizeDetails(event.Details)
	if err != nil {
		return nil, fmt.Errorf("%w: details: %v", ErrInvalidEvent, err)
	}
	event.Details = details

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.appendLocked(event); err != nil {
		return nil, err
	}
	metrics.IncLedgerAppend(string(category))
	return event, nil
}

func (l *Ledger) appendLocked(event *Event) error {
	if l.failed {
		return ErrLedgerCorrupt
	}
	if l.file == nil {
		return ErrLedgerClosed
	}

	now := l.now().UTC()
	if err := l.ensureSegmentLocked(now); err != nil {
		return err
	}

	event.Sequence = l.sequence + 1
	event.Timestamp = now
	event.PreviousHash = l.previousHash
	sum, err := event.computeHash(l.newDigest)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	event.Hash = sum

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	line = append(line, '\n')

	if err := l.writeLineLocked(line); err != nil {
		return err
	}

	l.sequence = event.Sequence
	l.previousHash = event.Hash
	l.written.Add(1)
	return nil
}

// writeLineLocked writes one record. A short or failed write is rolled back by
// truncating to the previous size; if that fails the ledger stops accepting appends.
func (l *Ledger) writeLineLocked(line []byte) error {
	n, err := l.file.Write(line)
	if err == nil && n < len(line) {
		err = io.ErrShortWrite
	}
	if err == nil && l.config.SyncWrites {
		err = l.file.Sync()
		if err != nil {
			// The bytes are in the page cache; the record stands.
			l.logger.Warn("ledger fsync failed", "error", err)
			err = nil
		}
	}
	if err != nil {
		l.writeErrors.Add(1)
		metrics.IncLedgerWriteError()
		if truncErr := l.file.Truncate(l.currentSize); truncErr != nil {
			l.failed = true
			l.logger.Error("ledger write failed and could not be rolled back",
				"segment", filepath.Base(l.currentPath),
				"error", err,
				"truncate_error", truncErr)
			return fmt.Errorf("%w: %v", ErrLedgerCorrupt, err)
		}
		l.logger.Error("ledger write failed", "segment", filepath.Base(l.currentPath), "error", err)
		return fmt.Errorf("write ledger event: %w", err)
	}
	l.currentSize += int64(n)
	return nil
}

// Seal closes the active segment with a final seal event and checksum manifest
// and continues the chain in a fresh segment. History is never rewritten.
func (l *Ledger) Seal(ctx context.Context, reason string) (*Event, error) {
	if l.closed.Load() {
		return nil, ErrLedgerClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.failed {
		return nil, ErrLedgerCorrupt
	}
	if err := l.ensureSegmentLocked(l.now().UTC()); err != nil {
		return nil, err
	}
	sealed := filepath.Base(l.currentPath)
	event := &Event{
		ID:        uuid.NewString(),
		Category:  CategoryLedger,
		EventType: "segment_sealed",
		Actor:     SystemActor("ledger"),
		Outcome:   OutcomeSuccess,
		Details:   map[string]any{"reason": reason, "segment": sealed},
	}
	if err := l.appendLocked(event); err != nil {
		return nil, err
	}
	if err := l.rotateLocked(l.now().UTC().Format("20060102")); err != nil {
		return event, fmt.Errorf("open segment after seal: %w", err)
	}
	metrics.IncLedgerAppend(string(CategoryLedger))
	l.logger.Info("ledger segment sealed", "segment", sealed, "reason", reason, "sequence", event.Sequence)
	return event, nil
}

// Stats describes the ledger state.
type Stats struct {
	Events         uint64 `json:"events"`
	Written        uint64 `json:"written_this_run"`
	WriteErrors    uint64 `json:"write_errors"`
	Segments       int    `json:"segments"`
	CurrentSegment string `json:"current_segment"`
	LastHash       string `json:"last_hash"`
	Failed         bool   `json:"failed"`
}

// Stats returns current ledger statistics.
func (l *Ledger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	segments, _ := l.segments()
	return Stats{
		Events:         l.sequence,
		Written:        l.written.Load(),
		WriteErrors:    l.writeErrors.Load(),
		Segments:       len(segments),
		CurrentSegment: filepath.Base(l.currentPath),
		LastHash:       l.previousHash,
		Failed:         l.failed,
	}
}

// Close syncs and closes the active segment. The segment stays unsealed so the
// next Open resumes appending to it.
func (l *Ledger) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	err := l.closeSegmentLocked()
	l.logger.Info("ledger closed",
		"written", l.written.Load(),
		"errors", l.writeErrors.Load())
	return err
}
