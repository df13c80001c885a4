// Package kafka provides the Kafka producer used to stream formatted
// security events to a SIEM topic.
package kafka

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"
)

// Common errors
var (
	ErrProducerClosed = errors.New("kafka: producer is closed")
	ErrNoBrokers      = errors.New("kafka: at least one broker is required")
	ErrNoTopic        = errors.New("kafka: topic is required")
)

// Config holds Kafka connection and producer configuration.
type Config struct {
	// Brokers is the list of Kafka broker addresses.
	Brokers []string `json:"brokers" yaml:"brokers"`

	// Topic receives the exported events.
	Topic string `json:"topic" yaml:"topic"`

	// CompressionType: none, gzip, snappy, lz4, zstd.
	CompressionType string `json:"compression_type" yaml:"compression_type"`

	// SecurityProtocol: PLAINTEXT, SSL, SASL_PLAINTEXT, SASL_SSL.
	SecurityProtocol string `json:"security_protocol" yaml:"security_protocol"`

	// SASLMechanism: PLAIN, SCRAM-SHA-256, SCRAM-SHA-512.
	SASLMechanism string `json:"sasl_mechanism,omitempty" yaml:"sasl_mechanism,omitempty"`
	SASLUsername  string `json:"sasl_username,omitempty" yaml:"sasl_username,omitempty"`
	SASLPassword  string `json:"-" yaml:"sasl_password,omitempty"`

	TLSEnabled    bool   `json:"tls_enabled" yaml:"tls_enabled"`
	TLSCertFile   string `json:"tls_cert_file,omitempty" yaml:"tls_cert_file,omitempty"`
	TLSKeyFile    string `json:"tls_key_file,omitempty" yaml:"tls_key_file,omitempty"`
	TLSCAFile     string `json:"tls_ca_file,omitempty" yaml:"tls_ca_file,omitempty"`
	TLSSkipVerify bool   `json:"tls_skip_verify,omitempty" yaml:"tls_skip_verify,omitempty"`

	BatchTimeout time.Duration `json:"batch_timeout" yaml:"batch_timeout"`
	RequiredAcks int           `json:"required_acks" yaml:"required_acks"` // -1=all, 0=none, 1=leader

	DialTimeout  time.Duration `json:"dial_timeout" yaml:"dial_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Brokers:          []string{"localhost:9092"},
		Topic:            "security-events",
		CompressionType:  "lz4",
		SecurityProtocol: "PLAINTEXT",
		BatchTimeout:     10 * time.Millisecond,
		RequiredAcks:     -1,
		DialTimeout:      10 * time.Second,
		WriteTimeout:     10 * time.Second,
	}
}

var (
	securityProtocols = map[string]bool{"PLAINTEXT": true, "SSL": true, "SASL_PLAINTEXT": true, "SASL_SSL": true}
	saslMechanisms    = map[string]bool{"PLAIN": true, "SCRAM-SHA-256": true, "SCRAM-SHA-512": true}
)

// Validate reports the first problem with the producer settings.
func (c *Config) Validate() error {
	switch {
	case len(c.Brokers) == 0:
		return ErrNoBrokers
	case c.Topic == "":
		return ErrNoTopic
	case !securityProtocols[c.SecurityProtocol]:
		return fmt.Errorf("kafka: invalid security protocol: %s", c.SecurityProtocol)
	case c.RequiredAcks < -1 || c.RequiredAcks > 1:
		return fmt.Errorf("kafka: invalid required_acks: %d", c.RequiredAcks)
	}
	if !c.usesSASL() {
		return nil
	}
	if !saslMechanisms[c.SASLMechanism] {
		return fmt.Errorf("kafka: invalid SASL mechanism: %s", c.SASLMechanism)
	}
	if c.SASLUsername == "" || c.SASLPassword == "" {
		return errors.New("kafka: SASL username and password required for SASL authentication")
	}
	return nil
}

func (c *Config) usesSASL() bool {
	return c.SecurityProtocol == "SASL_PLAINTEXT" || c.SecurityProtocol == "SASL_SSL"
}

func (c *Config) usesTLS() bool {
	return c.TLSEnabled || c.SecurityProtocol == "SSL" || c.SecurityProtocol == "SASL_SSL"
}

var codecs = map[string]kafka.Compression{
	"gzip":   kafka.Gzip,
	"snappy": kafka.Snappy,
	"lz4":    kafka.Lz4,
	"zstd":   kafka.Zstd,
}

// Compression returns the kafka-go codec; unknown names mean none.
func (c *Config) Compression() kafka.Compression {
	return codecs[c.CompressionType]
}

// transport builds the writer transport with TLS and SASL if configured.
func (c *Config) transport() (*kafka.Transport, error) {
	t := &kafka.Transport{DialTimeout: c.DialTimeout}
	var err error
	if c.usesTLS() {
		if t.TLS, err = c.tlsConfig(); err != nil {
			return nil, fmt.Errorf("kafka: tls: %w", err)
		}
	}
	if c.usesSASL() {
		if t.SASL, err = c.saslMechanism(); err != nil {
			return nil, fmt.Errorf("kafka: sasl: %w", err)
		}
	}
	return t, nil
}

func (c *Config) tlsConfig() (*tls.Config, error) {
	if c.TLSSkipVerify {
		slog.Warn("kafka tls certificate verification disabled", "brokers", c.Brokers)
	}

	cfg := &tls.Config{
		InsecureSkipVerify: c.TLSSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}

	if c.TLSCAFile != "" {
		pem, err := os.ReadFile(c.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		cfg.RootCAs = x509.NewCertPool()
		if !cfg.RootCAs.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", c.TLSCAFile)
		}
	}

	if c.TLSCertFile != "" && c.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.TLSCertFile, c.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func (c *Config) saslMechanism() (sasl.Mechanism, error) {
	switch c.SASLMechanism {
	case "PLAIN":
		return plain.Mechanism{Username: c.SASLUsername, Password: c.SASLPassword}, nil
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, c.SASLUsername, c.SASLPassword)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, c.SASLUsername, c.SASLPassword)
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism: %s", c.SASLMechanism)
	}
}
