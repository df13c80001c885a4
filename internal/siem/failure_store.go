package siem

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	failureFilePrefix = "siem-failed-"
	failureFileSuffix = ".jsonl"
)

// failedRecord is one line in the failure store.
type failedRecord struct {
	Event    *Event    `json:"event"`
	FailedAt time.Time `json:"failed_at"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error,omitempty"`
}

// failureStore persists events whose export exhausted every retry, one
// NDJSON file per day.
type failureStore struct {
	dir string
	mu  sync.Mutex
}

func newFailureStore(dir string) *failureStore {
	return &failureStore{dir: dir}
}

func failureFileName(day time.Time) string {
	return failureFilePrefix + day.UTC().Format("2006-01-02") + failureFileSuffix
}

// append writes rec to the file for its failure day.
func (s *failureStore) append(rec failedRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode failed event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("create failure dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(s.dir, failureFileName(rec.FailedAt)), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open failure file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write failure file: %w", err)
	}
	return nil
}

// files lists failure files oldest first.
func (s *failureStore) files() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() && strings.HasPrefix(name, failureFilePrefix) && strings.HasSuffix(name, failureFileSuffix) {
			names = append(names, filepath.Join(s.dir, name))
		}
	}
	sort.Strings(names)
	return names, nil
}

// read returns the records in path. Unparsable lines are returned verbatim
// so a rewrite never loses them.
func (s *failureStore) read(path string) (records []failedRecord, unparsable [][]byte, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return readFailureFile(path)
}

func readFailureFile(path string) (records []failedRecord, unparsable [][]byte, err error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec failedRecord
		if err := json.Unmarshal(line, &rec); err != nil || rec.Event == nil {
			unparsable = append(unparsable, append([]byte(nil), line...))
			continue
		}
		records = append(records, rec)
	}
	return records, unparsable, scanner.Err()
}

// rewrite replaces path with remaining plus any records appended since
// consumed records were read. An empty result removes the file.
func (s *failureStore) rewrite(path string, consumed int, remaining []failedRecord, unparsable [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, _, err := readFailureFile(path)
	if err != nil {
		return err
	}
	if consumed < len(current) {
		remaining = append(remaining, current[consumed:]...)
	}

	if len(remaining) == 0 && len(unparsable) == 0 {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}

	var buf bytes.Buffer
	for _, line := range unparsable {
		buf.Write(line)
		buf.WriteByte('\n')
	}
	for _, rec := range remaining {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// pending counts stored records across all files.
func (s *failureStore) pending() int {
	paths, err := s.files()
	if err != nil {
		return 0
	}
	n := 0
	for _, p := range paths {
		recs, _, err := s.read(p)
		if err == nil {
			n += len(recs)
		}
	}
	return n
}
