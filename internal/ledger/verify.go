package ledger

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"breachguard/internal/metrics"
)

// VerifyResult reports the outcome of a full chain verification.
type VerifyResult struct {
	Valid bool `json:"valid"`
	// FirstInvalidIndex is the 0-based global position of the first bad record, or -1.
	FirstInvalidIndex int    `json:"first_invalid_index"`
	Checked           int    `json:"checked"`
	Segment           string `json:"segment,omitempty"`
	Reason            string `json:"reason,omitempty"`
	Segments          int    `json:"segments"`
	// Head is the hash of the last verified record.
	Head string `json:"head,omitempty"`
}

// Err returns nil for a valid chain, otherwise an error wrapping ErrTamperDetected.
func (r VerifyResult) Err() error {
	if r.Valid {
		return nil
	}
	return fmt.Errorf("%w: %s at index %d in %s", ErrTamperDetected, r.Reason, r.FirstInvalidIndex, r.Segment)
}

// snapshot captures the segment list and the committed size of the active
// segment so readers never see a record that is still being written.
type snapshot struct {
	segments   []string
	activePath string
	activeSize int64
}

func (l *Ledger) snapshot() (snapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	segments, err := l.segments()
	if err != nil {
		return snapshot{}, err
	}
	snap := snapshot{segments: segments, activePath: l.currentPath, activeSize: l.currentSize}
	if l.failed {
		// Expose the unrolled-back bytes so verification reports them.
		snap.activeSize = -1
	}
	return snap, nil
}

// forEachRecord calls fn for each line of the snapshot in chain order.
// complete is false for a trailing line with no newline.
func (s snapshot) forEachRecord(ctx context.Context, fn func(segment string, line []byte, complete bool) (bool, error), afterSegment func(path string) (bool, error)) error {
	for _, path := range s.segments {
		if err := ctx.Err(); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open segment %s: %w", filepath.Base(path), err)
		}
		var r io.Reader = f
		if path == s.activePath && s.activeSize >= 0 {
			r = io.LimitReader(f, s.activeSize)
		}
		reader := bufio.NewReader(r)
		for {
			line, readErr := reader.ReadBytes('\n')
			if len(line) > 0 {
				complete := line[len(line)-1] == '\n'
				trimmed := bytes.TrimSpace(line)
				if len(trimmed) > 0 || !complete {
					cont, err := fn(filepath.Base(path), trimmed, complete)
					if err != nil || !cont {
						f.Close()
						return err
					}
				}
			}
			if readErr == io.EOF {
				break
			}
			if readErr != nil {
				f.Close()
				return fmt.Errorf("read segment %s: %w", filepath.Base(path), readErr)
			}
		}
		f.Close()
		if afterSegment != nil && path != s.activePath {
			cont, err := afterSegment(path)
			if err != nil || !cont {
				return err
			}
		}
	}
	return nil
}

// Verify checks the ledger in cfg.Dir without opening it for writing. It never
// creates segments or checksum manifests, so it is safe to run against a
// directory a live service owns.
func Verify(ctx context.Context, cfg Config, logger *slog.Logger) (VerifyResult, error) {
	l, err := newLedger(cfg, logger, time.Now)
	if err != nil {
		return VerifyResult{}, err
	}
	info, err := os.Stat(l.config.Dir)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("ledger dir: %w", err)
	}
	if !info.IsDir() {
		return VerifyResult{}, fmt.Errorf("ledger dir %s is not a directory", l.config.Dir)
	}
	return l.VerifyIntegrity(ctx)
}

// VerifyIntegrity recomputes every hash in order across all segments and stops
// at the first record that does not verify. A non-nil error means the ledger
// could not be read; integrity failures are reported in the result.
func (l *Ledger) VerifyIntegrity(ctx context.Context) (VerifyResult, error) {
	snap, err := l.snapshot()
	if err != nil {
		return VerifyResult{}, err
	}

	result := VerifyResult{Valid: true, FirstInvalidIndex: -1, Segments: len(snap.segments)}
	expectedPrev := l.genesis
	var lastSeq uint64
	index := 0

	fail := func(segment, reason string) {
		result.Valid = false
		result.FirstInvalidIndex = index
		result.Segment = segment
		result.Reason = reason
	}

	err = snap.forEachRecord(ctx, func(segment string, line []byte, complete bool) (bool, error) {
		if !complete {
			fail(segment, "partial record")
			return false, nil
		}
		var e Event
		if err := decodeJSON(line, &e); err != nil {
			fail(segment, "unparsable record")
			return false, nil
		}
		if e.PreviousHash != expectedPrev {
			fail(segment, "previous_hash does not link to prior record")
			return false, nil
		}
		if e.Sequence != lastSeq+1 {
			fail(segment, fmt.Sprintf("sequence gap: expected %d, got %d", lastSeq+1, e.Sequence))
			return false, nil
		}
		sum, err := e.computeHash(l.newDigest)
		if err != nil || sum != e.Hash {
			fail(segment, "hash mismatch")
			return false, nil
		}
		expectedPrev = e.Hash
		lastSeq = e.Sequence
		index++
		result.Checked = index
		return true, nil
	}, func(path string) (bool, error) {
		ok, err := verifyChecksum(path)
		if err != nil {
			return false, err
		}
		if !ok {
			fail(filepath.Base(path), "segment checksum mismatch")
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return VerifyResult{}, err
	}
	if index > 0 {
		result.Head = expectedPrev
	}

	metrics.IncLedgerVerification(result.Valid)
	if !result.Valid {
		l.logger.Error("ledger integrity check failed",
			"first_invalid_index", result.FirstInvalidIndex,
			"segment", result.Segment,
			"reason", result.Reason)
	} else {
		l.logger.Debug("ledger integrity verified", "checked", result.Checked)
	}
	return result, nil
}

// readLastEvent returns the last decodable record of a segment and whether the
// file ends cleanly on one. A partial or undecodable tail is skipped and reported
// as unclean so the writer moves on to a new segment; verification flags the
// bad record itself.
func readLastEvent(path string) (*Event, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false, err
	}
	if len(data) == 0 {
		return nil, true, nil
	}
	cleanTail := data[len(data)-1] == '\n'
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if !cleanTail {
		lines = lines[:len(lines)-1]
	}
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		var e Event
		if err := decodeJSON([]byte(line), &e); err != nil || e.Hash == "" {
			cleanTail = false
			continue
		}
		return &e, cleanTail, nil
	}
	return nil, cleanTail, nil
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// writeChecksum writes the segment's checksum manifest.
func writeChecksum(path string) error {
	sum, err := fileChecksum(path)
	if err != nil {
		return err
	}
	return os.WriteFile(path+checksumExt, []byte(sum), 0600)
}

// verifyChecksum compares a sealed segment against its manifest. Segments
// without a manifest pass.
func verifyChecksum(path string) (bool, error) {
	expected, err := os.ReadFile(path + checksumExt)
	if errors.Is(err, os.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	actual, err := fileChecksum(path)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(string(expected)) == actual, nil
}
