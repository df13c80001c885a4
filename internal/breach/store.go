package breach

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const rulesFileVersion = 1

// rulesFile is the on-disk document holding custom rules.
type rulesFile struct {
	Version int     `json:"version"`
	Rules   []*Rule `json:"rules"`
}

// LoadRulesFile reads a custom-rules document. A missing file yields no rules.
// Each invalid rule is reported in invalid and skipped.
func LoadRulesFile(path string) (rules []*Rule, invalid []error, err error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read rules file: %w", err)
	}

	var doc rulesFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("parse rules file %s: %w", filepath.Base(path), err)
	}

	seen := make(map[string]bool, len(doc.Rules))
	for _, r := range doc.Rules {
		if r == nil {
			continue
		}
		if err := r.Validate(); err != nil {
			invalid = append(invalid, err)
			continue
		}
		if seen[r.ID] {
			invalid = append(invalid, fmt.Errorf("%w %q: duplicate id", ErrInvalidRule, r.ID))
			continue
		}
		seen[r.ID] = true
		r.Builtin = false
		rules = append(rules, r)
	}
	return rules, invalid, nil
}

// saveRulesFile writes rules atomically via a temp file and rename.
func saveRulesFile(path string, rules []*Rule) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create rules dir: %w", err)
	}
	doc := rulesFile{Version: rulesFileVersion, Rules: rules}
	if doc.Rules == nil {
		doc.Rules = []*Rule{}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode rules: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".rules-*.json")
	if err != nil {
		return fmt.Errorf("create temp rules file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write rules: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync rules: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace rules file: %w", err)
	}
	return nil
}
