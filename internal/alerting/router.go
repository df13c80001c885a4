package alerting

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/containrrr/shoutrrr"
)

// RouterChannel forwards alerts to shoutrrr service URLs.
type RouterChannel struct {
	urls []string
	send func(rawURL, message string) error
}

// NewRouterChannel creates a router channel for the given service URLs.
func NewRouterChannel(urls []string) *RouterChannel {
	return &RouterChannel{urls: urls, send: shoutrrr.Send}
}

func (r *RouterChannel) Name() string { return "router" }

// Send delivers to every URL; the alert fails if any service rejects it.
func (r *RouterChannel) Send(ctx context.Context, alert *Alert) error {
	msg := formatRouterMessage(alert)
	var errs []error
	for _, u := range r.urls {
		if err := r.sendWithContext(ctx, u, msg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", redactURL(u), err))
		}
	}
	return errors.Join(errs...)
}

// sendWithContext bounds a shoutrrr send, which has no context support.
func (r *RouterChannel) sendWithContext(ctx context.Context, rawURL, msg string) error {
	done := make(chan error, 1)
	go func() { done <- r.send(rawURL, msg) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func formatRouterMessage(alert *Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s\n%s", strings.ToUpper(string(alert.Severity)), alert.Title, alert.Message)
	if alert.Source != "" {
		fmt.Fprintf(&b, "\nsource: %s", alert.Source)
	}
	return b.String()
}

// redactURL keeps only the service scheme so credentials never reach logs.
func redactURL(u string) string {
	if i := strings.Index(u, "://"); i > 0 {
		return u[:i] + "://***"
	}
	return "***"
}
