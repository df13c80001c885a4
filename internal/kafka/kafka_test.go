package kafka

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if len(cfg.Brokers) == 0 {
		t.Error("expected default brokers")
	}
	if cfg.Topic == "" {
		t.Error("expected default topic")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	sasl := func(c *Config) {
		c.SecurityProtocol = "SASL_PLAINTEXT"
		c.SASLMechanism = "PLAIN"
		c.SASLUsername = "user"
		c.SASLPassword = "pass"
	}
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr error
		ok      bool
	}{
		{"defaults", func(c *Config) {}, nil, true},
		{"no brokers", func(c *Config) { c.Brokers = nil }, ErrNoBrokers, false},
		{"no topic", func(c *Config) { c.Topic = "" }, ErrNoTopic, false},
		{"bad protocol", func(c *Config) { c.SecurityProtocol = "INVALID" }, nil, false},
		{"acks out of range", func(c *Config) { c.RequiredAcks = 2 }, nil, false},
		{"sasl", sasl, nil, true},
		{"sasl without password", func(c *Config) { sasl(c); c.SASLPassword = "" }, nil, false},
		{"sasl bad mechanism", func(c *Config) { sasl(c); c.SASLMechanism = "GSSAPI" }, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.ok != (err == nil) {
				t.Fatalf("Validate() = %v, want ok=%v", err, tt.ok)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestCompression(t *testing.T) {
	cfg := DefaultConfig()
	for name, want := range map[string]kafka.Compression{
		"gzip": kafka.Gzip, "snappy": kafka.Snappy, "lz4": kafka.Lz4, "zstd": kafka.Zstd, "none": 0, "": 0,
	} {
		cfg.CompressionType = name
		if got := cfg.Compression(); got != want {
			t.Errorf("Compression(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestTransport(t *testing.T) {
	cfg := DefaultConfig()
	tr, err := cfg.transport()
	if err != nil {
		t.Fatalf("transport() error = %v", err)
	}
	if tr.TLS != nil || tr.SASL != nil {
		t.Error("plaintext transport configured TLS or SASL")
	}

	cfg.SecurityProtocol = "SASL_SSL"
	cfg.SASLMechanism = "SCRAM-SHA-512"
	cfg.SASLUsername = "user"
	cfg.SASLPassword = "pass"
	cfg.TLSSkipVerify = true
	tr, err = cfg.transport()
	if err != nil {
		t.Fatalf("transport() error = %v", err)
	}
	if tr.TLS == nil || tr.SASL == nil {
		t.Error("SASL_SSL transport missing TLS or SASL")
	}
}

type fakeWriter struct {
	mu     sync.Mutex
	err    error
	msgs   []kafka.Message
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestProduceBatch(t *testing.T) {
	w := &fakeWriter{}
	p := newProducer(w, DefaultConfig(), testLogger())

	err := p.ProduceBatch(context.Background(), []Record{
		{Key: []byte("rule_brute_force"), Value: []byte(`{"a":1}`)},
		{Key: []byte("rule_secrets_leaked"), Value: []byte(`{"b":2}`)},
	})
	if err != nil {
		t.Fatalf("ProduceBatch() error = %v", err)
	}
	if len(w.msgs) != 2 || string(w.msgs[1].Key) != "rule_secrets_leaked" {
		t.Errorf("writer got %v", w.msgs)
	}
	m := p.GetMetrics()
	if m.MessagesProduced != 2 || m.BytesProduced == 0 {
		t.Errorf("metrics = %+v", m)
	}

	if err := p.ProduceBatch(context.Background(), nil); err != nil {
		t.Errorf("empty batch error = %v", err)
	}
}

func TestProduceBatchErrors(t *testing.T) {
	w := &fakeWriter{err: kafka.TopicAuthorizationFailed}
	p := newProducer(w, DefaultConfig(), testLogger())

	err := p.ProduceBatch(context.Background(), []Record{{Value: []byte("x")}})
	if err == nil || !IsNonRetryable(err) {
		t.Errorf("error = %v, want non-retryable", err)
	}

	w.err = errors.New("broker unreachable")
	err = p.ProduceBatch(context.Background(), []Record{{Value: []byte("x")}})
	if err == nil || IsNonRetryable(err) {
		t.Errorf("error = %v, want retryable", err)
	}
	if p.GetMetrics().Errors != 2 {
		t.Errorf("errors = %d, want 2", p.GetMetrics().Errors)
	}
}

func TestProducerClosed(t *testing.T) {
	w := &fakeWriter{}
	p := newProducer(w, DefaultConfig(), testLogger())
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if !w.closed {
		t.Error("writer not closed")
	}

	err := p.ProduceBatch(context.Background(), []Record{{Value: []byte("x")}})
	if !errors.Is(err, ErrProducerClosed) {
		t.Errorf("expected ErrProducerClosed, got %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func skipIfNoKafka(t *testing.T) {
	t.Helper()
	if os.Getenv("KAFKA_BROKERS") == "" {
		t.Skip("KAFKA_BROKERS not set, skipping integration test")
	}
}

func TestProducerIntegration(t *testing.T) {
	skipIfNoKafka(t)

	cfg := DefaultConfig()
	cfg.Brokers = []string{os.Getenv("KAFKA_BROKERS")}
	cfg.Topic = "breachguard-test-" + time.Now().Format("20060102150405")

	producer, err := NewProducer(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewProducer() error = %v", err)
	}
	defer producer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := producer.ProduceBatch(ctx, []Record{{Key: []byte("k"), Value: []byte("v")}}); err != nil {
		t.Errorf("ProduceBatch() error = %v", err)
	}
}
