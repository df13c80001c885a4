package ledger

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"time"
)

// Category groups ledger events by the subsystem that produced them.
type Category string

const (
	CategoryAuthentication     Category = "authentication"
	CategoryDataAccess         Category = "data_access"
	CategoryConsent            Category = "consent"
	CategoryRetention          Category = "retention"
	CategoryErasure            Category = "erasure"
	CategoryConfiguration      Category = "configuration"
	CategorySecurityIncident   Category = "security_incident"
	CategoryBreachNotification Category = "breach_notification"
	CategoryLedger             Category = "ledger"
)

// Outcome is the result of the recorded action.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomePending Outcome = "pending"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailure, OutcomePending:
		return true
	}
	return false
}

// Actor identifies who performed the action.
type Actor struct {
	Type     string `json:"type"`
	ID       string `json:"id,omitempty"`
	MaskedIP string `json:"masked_ip,omitempty"`
}

// SystemActor is used for events the pipeline records on its own behalf.
func SystemActor(id string) Actor {
	return Actor{Type: "system", ID: id}
}

// Resource identifies what the action was performed on.
type Resource struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

// Event is a single hash-chained ledger record. Field order is fixed and the
// JSON encoder sorts map keys, so the encoding of an Event is canonical.
type Event struct {
	ID            string         `json:"id"`
	Sequence      uint64         `json:"sequence"`
	Timestamp     time.Time      `json:"timestamp"`
	Category      Category       `json:"category"`
	EventType     string         `json:"event_type"`
	Actor         Actor          `json:"actor"`
	Resource      *Resource      `json:"resource,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
	Outcome       Outcome        `json:"outcome"`
	FailureReason string         `json:"failure_reason,omitempty"`
	PreviousHash  string         `json:"previous_hash"`
	Hash          string         `json:"hash,omitempty"`
}

// canonical returns the encoding of the event without its hash.
func (e *Event) canonical() ([]byte, error) {
	body := *e
	body.Hash = ""
	return json.Marshal(&body)
}

// computeHash returns hex(digest(canonical(e) || e.PreviousHash)).
func (e *Event) computeHash(newDigest func() hash.Hash) (string, error) {
	body, err := e.canonical()
	if err != nil {
		return "", fmt.Errorf("encode event: %w", err)
	}
	h := newDigest()
	h.Write(body)
	h.Write([]byte(e.PreviousHash))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// normalizeDetails round-trips details through JSON so the in-memory event
// hashes identically to the one decoded from disk.
func normalizeDetails(details map[string]any) (map[string]any, error) {
	if len(details) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := decodeJSON(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// decodeJSON decodes with UseNumber so numbers re-encode byte-for-byte.
func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}
