package siem

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/pion/dtls/v2"

	"breachguard/internal/kafka"
)

// Transport delivers one encoded event.
type Transport interface {
	Name() string
	Send(ctx context.Context, ev *Event, payload []byte) error
	Close() error
}

// HTTPTransport POSTs each event to an HTTP collector.
type HTTPTransport struct {
	endpoint    string
	contentType string
	authHeader  string
	client      *http.Client
}

// NewHTTPTransport creates an HTTP transport. Splunk HEC uses the
// "Splunk <token>" authorization scheme; every other format uses Bearer.
func NewHTTPTransport(endpoint string, format Format, contentType, apiKey string, timeout time.Duration) *HTTPTransport {
	t := &HTTPTransport{
		endpoint:    endpoint,
		contentType: contentType,
		client:      &http.Client{Timeout: timeout},
	}
	if apiKey != "" {
		if format == FormatSplunk {
			t.authHeader = "Splunk " + apiKey
		} else {
			t.authHeader = "Bearer " + apiKey
		}
	}
	return t
}

func (t *HTTPTransport) Name() string { return string(TransportHTTP) }

func (t *HTTPTransport) Send(ctx context.Context, _ *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", t.contentType)
	req.Header.Set("User-Agent", "breachguard-siem-exporter")
	if t.authHeader != "" {
		req.Header.Set("Authorization", t.authHeader)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("http export: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("http export: collector returned %d", resp.StatusCode)
	}
	return nil
}

func (t *HTTPTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

// datagramTransport writes each event as one datagram over a lazily dialed
// connection that is dropped after any write error.
type datagramTransport struct {
	name    string
	dial    func(ctx context.Context) (net.Conn, error)
	timeout time.Duration

	mu   sync.Mutex
	conn net.Conn
}

func (t *datagramTransport) Name() string { return t.name }

func (t *datagramTransport) Send(ctx context.Context, _ *Event, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		conn, err := t.dial(ctx)
		if err != nil {
			return fmt.Errorf("%s dial: %w", t.name, err)
		}
		t.conn = conn
	}

	deadline := time.Now().Add(t.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	t.conn.SetWriteDeadline(deadline)

	if _, err := t.conn.Write(payload); err != nil {
		t.conn.Close()
		t.conn = nil
		return fmt.Errorf("%s write: %w", t.name, err)
	}
	return nil
}

func (t *datagramTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

// NewUDPTransport creates a plain UDP syslog transport.
func NewUDPTransport(host string, port int, timeout time.Duration) Transport {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	return &datagramTransport{
		name:    string(TransportUDP),
		timeout: timeout,
		dial: func(ctx context.Context) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "udp", addr)
		},
	}
}

// DTLSConfig holds client settings for DTLS syslog.
type DTLSConfig struct {
	CAFile             string `yaml:"ca_file"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	ServerName         string `yaml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

func (c DTLSConfig) build() (*dtls.Config, error) {
	cfg := &dtls.Config{
		ServerName:           c.ServerName,
		InsecureSkipVerify:   c.InsecureSkipVerify,
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
	}
	if c.CAFile != "" {
		caData, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caData) {
			return nil, errors.New("failed to parse CA certificate")
		}
		cfg.RootCAs = pool
	}
	if c.CertFile != "" && c.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// NewDTLSTransport creates a DTLS syslog transport. The handshake happens
// on first send.
func NewDTLSTransport(host string, port int, cfg DTLSConfig, timeout time.Duration) (Transport, error) {
	dcfg, err := cfg.build()
	if err != nil {
		return nil, err
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	return &datagramTransport{
		name:    string(TransportDTLS),
		timeout: timeout,
		dial: func(ctx context.Context) (net.Conn, error) {
			raddr, err := net.ResolveUDPAddr("udp", addr)
			if err != nil {
				return nil, err
			}
			hctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return dtls.DialWithContext(hctx, "udp", raddr, dcfg)
		},
	}, nil
}

type recordProducer interface {
	ProduceBatch(ctx context.Context, records []kafka.Record) error
	Close() error
}

// KafkaTransport produces each event to a Kafka topic keyed by event type.
type KafkaTransport struct {
	producer recordProducer
}

// NewKafkaTransport wraps a Kafka producer.
func NewKafkaTransport(producer *kafka.Producer) *KafkaTransport {
	return &KafkaTransport{producer: producer}
}

func (t *KafkaTransport) Name() string { return string(TransportKafka) }

func (t *KafkaTransport) Send(ctx context.Context, ev *Event, payload []byte) error {
	return t.producer.ProduceBatch(ctx, []kafka.Record{{Key: []byte(ev.EventType), Value: payload}})
}

func (t *KafkaTransport) Close() error { return t.producer.Close() }
