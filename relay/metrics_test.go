package relay

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"nostr-outbox/internal/logging"
)

func TestMetricsTrackPool(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	fn := newFakeNet()
	fn.failDial[relayB] = true
	p := NewOutboxPool(WithConfig(testConfig()), WithDialer(fn.dial), WithMetrics(m), WithLogger(logging.Discard()))
	defer p.Close()

	p.WithSession(func(s *Session) {
		s.Subscribe(kinds(1), mustPkg(t, relayA))
		s.Subscribe(kinds(2), mustPkg(t, relayA).Transparent())
	})
	for p.TryRecv(10, nil) > 0 {
	}

	a := fn.transports[relayA]
	a.push(`["EOSE","c:0"]`)
	a.push(`["NOTICE","hi"]`)
	a.push(`["WHAT"]`)
	p.TryRecv(10, nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.frames.WithLabelValues(relayA, "EOSE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.frames.WithLabelValues(relayA, "NOTICE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.decodeErrors.WithLabelValues(relayA)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.passesInUse.WithLabelValues(relayA)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.subscriptions))

	p.WithSession(func(s *Session) {
		s.SendEvent(nostr.Event{Kind: 1, Content: "gm", Tags: nostr.Tags{}}, []string{relayB})
	})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.pendingBroadcasts.WithLabelValues(relayB)))
	p.CancelPendingBroadcasts(relayB)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.pendingBroadcasts.WithLabelValues(relayB)))
	assert.Zero(t, testutil.CollectAndCount(m.reconnects))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.frame("r", "EVENT")
		m.decodeError("r")
		m.reconnect("r")
		m.setPasses("r", 1)
		m.setPendingBroadcasts("r", 1)
		m.setSubscriptions(1)
	})
}
