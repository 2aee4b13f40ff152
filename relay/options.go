package relay

import (
	"log/slog"

	"github.com/benbjohnson/clock"

	"nostr-outbox/internal/config"
)

// Option configures an OutboxPool.
type Option func(*OutboxPool)

// WithConfig sets limits, backoff and timeouts. Defaults to config.Default().
func WithConfig(cfg *config.OutboxConfig) Option {
	return func(p *OutboxPool) {
		if cfg != nil {
			p.cfg = cfg
		}
	}
}

// WithDialer replaces the gorilla/websocket transport.
func WithDialer(d Dialer) Option {
	return func(p *OutboxPool) {
		p.dialer = d
	}
}

// WithClock sets the clock used for reconnect and keepalive deadlines.
func WithClock(c clock.Clock) Option {
	return func(p *OutboxPool) {
		if c != nil {
			p.clock = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(p *OutboxPool) {
		if l != nil {
			p.logger = l
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(p *OutboxPool) {
		p.metrics = m
	}
}
