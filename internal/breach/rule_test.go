package breach

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCompilePattern(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		kind    PatternKind
		matches []string
		misses  []string
	}{
		{
			name:    "literal",
			pattern: "auth_failure",
			kind:    PatternLiteral,
			matches: []string{"auth_failure", "user_auth_failure", "auth_failures"},
			misses:  []string{"AUTH_FAILURE", "auth-failure", "failure"},
		},
		{
			name:    "anchored regex",
			pattern: "^(access_denied|permission_denied)$",
			kind:    PatternRegex,
			matches: []string{"access_denied", "permission_denied"},
			misses:  []string{"access_denied_twice", "denied"},
		},
		{
			name:    "unanchored regex searches",
			pattern: "export.*bulk",
			kind:    PatternRegex,
			matches: []string{"export_bulk", "data_export_to_bulk_store"},
			misses:  []string{"bulk_export"},
		},
		{
			name:    "regex source equal to value",
			pattern: "a.b",
			kind:    PatternRegex,
			matches: []string{"a.b", "axb"},
		},
		{
			name:    "invalid regex fails closed",
			pattern: "([unclosed",
			kind:    PatternInvalid,
			misses:  []string{"([unclosed", "unclosed", ""},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := CompilePattern(tt.pattern, time.Second)
			if p.Kind() != tt.kind {
				t.Fatalf("Kind() = %s, want %s", p.Kind(), tt.kind)
			}
			if tt.kind == PatternInvalid && p.Err() == nil {
				t.Error("invalid pattern carries no error")
			}
			for _, v := range tt.matches {
				if !p.Match(v) {
					t.Errorf("Match(%q) = false", v)
				}
			}
			for _, v := range tt.misses {
				if p.Match(v) {
					t.Errorf("Match(%q) = true", v)
				}
			}
		})
	}
}

func TestTracker(t *testing.T) {
	base := time.Date(2026, 10, 14, 0, 0, 0, 0, time.UTC)

	t.Run("trips at threshold and resets", func(t *testing.T) {
		tr := &tracker{}
		for i := 0; i < 2; i++ {
			if res := tr.record(base.Add(time.Duration(i)*time.Second), time.Minute, 3, 0, nil); res.tripped {
				t.Fatalf("tripped at event %d", i+1)
			}
		}
		res := tr.record(base.Add(2*time.Second), time.Minute, 3, 0, nil)
		if !res.tripped || res.count != 3 || !res.windowStart.Equal(base) {
			t.Errorf("record() = %+v", res)
		}
		if tr.len() != 0 {
			t.Errorf("len() = %d after trip, want 0", tr.len())
		}
	})

	t.Run("window boundary is inclusive", func(t *testing.T) {
		tr := &tracker{}
		tr.record(base, time.Minute, 2, 0, nil)
		if res := tr.record(base.Add(time.Minute), time.Minute, 2, 0, nil); !res.tripped {
			t.Error("event exactly one window old was pruned")
		}
	})

	t.Run("expired entries pruned", func(t *testing.T) {
		tr := &tracker{}
		tr.record(base, time.Minute, 2, 0, nil)
		if res := tr.record(base.Add(61*time.Second), time.Minute, 2, 0, nil); res.tripped {
			t.Error("expired entry counted")
		}
		if tr.len() != 1 {
			t.Errorf("len() = %d, want 1", tr.len())
		}
	})

	t.Run("capped by max entries", func(t *testing.T) {
		tr := &tracker{}
		var evicted int
		for i := 0; i < 10; i++ {
			evicted += tr.record(base.Add(time.Duration(i)*time.Millisecond), time.Hour, 100, 4, nil).evicted
		}
		if tr.len() != 4 || evicted != 6 {
			t.Errorf("len() = %d evicted = %d, want 4 and 6", tr.len(), evicted)
		}
	})
}

func TestRuleValidate(t *testing.T) {
	valid := func() Rule {
		return Rule{
			ID: "custom", Name: "Custom", Severity: SeverityLow, EventPattern: "x",
			Threshold: 1, WindowSeconds: 60, Actions: []Action{ActionLog},
		}
	}
	tests := []struct {
		name    string
		mutate  func(*Rule)
		wantErr bool
	}{
		{"valid", func(*Rule) {}, false},
		{"missing id", func(r *Rule) { r.ID = "" }, true},
		{"unknown severity", func(r *Rule) { r.Severity = "severe" }, true},
		{"zero threshold", func(r *Rule) { r.Threshold = 0 }, true},
		{"zero window", func(r *Rule) { r.WindowSeconds = 0 }, true},
		{"no actions", func(r *Rule) { r.Actions = nil }, true},
		{"unknown action", func(r *Rule) { r.Actions = []Action{"page_ceo"} }, true},
		{"notification without deadline", func(r *Rule) { r.NotificationRequired = true }, true},
		{"notification with deadline", func(r *Rule) {
			r.NotificationRequired = true
			r.NotificationDeadlineHours = 72
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid()
			tt.mutate(&r)
			err := r.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidRule) {
				t.Errorf("error %v does not wrap ErrInvalidRule", err)
			}
		})
	}
}

func TestBuiltinRulesAreValid(t *testing.T) {
	seen := make(map[string]bool)
	for _, r := range BuiltinRules() {
		if err := r.Validate(); err != nil {
			t.Errorf("built-in %s invalid: %v", r.ID, err)
		}
		if seen[r.ID] {
			t.Errorf("duplicate built-in id %s", r.ID)
		}
		seen[r.ID] = true
		if CompilePattern(r.EventPattern, 0).Kind() == PatternInvalid {
			t.Errorf("built-in %s pattern does not compile", r.ID)
		}
	}
}

func TestLoadRulesFile(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing file", func(t *testing.T) {
		rules, invalid, err := LoadRulesFile(filepath.Join(dir, "absent.json"))
		if err != nil || rules != nil || invalid != nil {
			t.Errorf("LoadRulesFile() = %v, %v, %v", rules, invalid, err)
		}
	})

	t.Run("skips invalid and duplicate rules", func(t *testing.T) {
		path := filepath.Join(dir, "rules.json")
		doc := `{"version":1,"rules":[
			{"id":"a","name":"A","severity":"low","event_pattern":"a","threshold":1,"window_seconds":60,"actions":["log"]},
			{"id":"b","name":"B","severity":"bogus","event_pattern":"b","threshold":1,"window_seconds":60,"actions":["log"]},
			{"id":"a","name":"A2","severity":"low","event_pattern":"a","threshold":1,"window_seconds":60,"actions":["log"]},
			{"id":"c","name":"C","severity":"high","event_pattern":"c","threshold":2,"window_seconds":60,"actions":["alert"],"builtin":true}
		]}`
		if err := os.WriteFile(path, []byte(doc), 0600); err != nil {
			t.Fatal(err)
		}
		rules, invalid, err := LoadRulesFile(path)
		if err != nil {
			t.Fatal(err)
		}
		if len(rules) != 2 || rules[0].ID != "a" || rules[1].ID != "c" {
			t.Errorf("rules = %v", rules)
		}
		if rules[1].Builtin {
			t.Error("loaded rule kept builtin flag")
		}
		if len(invalid) != 2 {
			t.Errorf("invalid = %v, want 2 entries", invalid)
		}
	})

	t.Run("malformed json", func(t *testing.T) {
		path := filepath.Join(dir, "broken.json")
		os.WriteFile(path, []byte("[1,2"), 0600)
		if _, _, err := LoadRulesFile(path); err == nil {
			t.Error("LoadRulesFile() accepted malformed JSON")
		}
	})

	t.Run("save round trip", func(t *testing.T) {
		path := filepath.Join(dir, "nested", "saved.json")
		if err := saveRulesFile(path, []*Rule{BruteForceRule()}); err != nil {
			t.Fatal(err)
		}
		rules, invalid, err := LoadRulesFile(path)
		if err != nil || len(invalid) != 0 || len(rules) != 1 || rules[0].Threshold != 5 {
			t.Errorf("LoadRulesFile() = %v, %v, %v", rules, invalid, err)
		}
	})
}
