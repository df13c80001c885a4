package ledger

import (
	"context"
	"time"
)

// Filter selects ledger events. Zero-valued fields match everything.
type Filter struct {
	Category  Category  `json:"category,omitempty"`
	EventType string    `json:"event_type,omitempty"`
	ActorID   string    `json:"actor_id,omitempty"`
	Outcome   Outcome   `json:"outcome,omitempty"`
	Since     time.Time `json:"since,omitempty"`
	Until     time.Time `json:"until,omitempty"`
	// Limit keeps only the most recent N matches. Zero means no limit.
	Limit int `json:"limit,omitempty"`
}

func (f Filter) matches(e *Event) bool {
	if f.Category != "" && e.Category != f.Category {
		return false
	}
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if f.ActorID != "" && e.Actor.ID != f.ActorID {
		return false
	}
	if f.Outcome != "" && e.Outcome != f.Outcome {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// Query returns matching events oldest-first. Unreadable records are skipped;
// use VerifyIntegrity to detect them.
func (l *Ledger) Query(ctx context.Context, filter Filter) ([]*Event, error) {
	snap, err := l.snapshot()
	if err != nil {
		return nil, err
	}

	var results []*Event
	err = snap.forEachRecord(ctx, func(_ string, line []byte, complete bool) (bool, error) {
		if !complete {
			return true, nil
		}
		var e Event
		if err := decodeJSON(line, &e); err != nil {
			return true, nil
		}
		if !filter.matches(&e) {
			return true, nil
		}
		results = append(results, &e)
		if filter.Limit > 0 && len(results) > 2*filter.Limit {
			results = append(results[:0], results[len(results)-filter.Limit:]...)
		}
		return true, nil
	}, nil)
	if err != nil {
		return nil, err
	}

	if filter.Limit > 0 && len(results) > filter.Limit {
		results = results[len(results)-filter.Limit:]
	}
	return results, nil
}
