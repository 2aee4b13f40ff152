package relay

import (
	"log/slog"
	"sort"

	"github.com/benbjohnson/clock"
	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/multierr"

	"nostr-outbox/internal/config"
	"nostr-outbox/internal/wire"
)

// OutboxPool multiplexes logical subscriptions onto relay websockets. It is
// single-threaded: every method must be called from the same goroutine.
type OutboxPool struct {
	cfg     *config.OutboxConfig
	dialer  Dialer
	clock   clock.Clock
	logger  *slog.Logger
	metrics *Metrics

	relays  map[string]*Coordinator
	urls    []string // sorted keys of relays
	maxSubs map[string]int
	subs    subscriptions
	nextID  SubID
	closed  bool
}

func NewOutboxPool(opts ...Option) *OutboxPool {
	p := &OutboxPool{
		cfg:     config.Default(),
		clock:   clock.New(),
		logger:  slog.Default(),
		relays:  make(map[string]*Coordinator),
		maxSubs: make(map[string]int),
		subs:    make(subscriptions),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.dialer == nil {
		p.dialer = NewGorillaDialer(p.cfg.DialTimeout.Std(), p.cfg.WriteTimeout.Std(), p.logger)
	}
	return p
}

// StartSession returns a handler to record intents on. Call Commit when done.
func (p *OutboxPool) StartSession() *Session {
	return newSession(p)
}

// WithSession runs fn against a fresh session and commits it afterwards, even
// if fn panics.
func (p *OutboxPool) WithSession(fn func(*Session)) {
	s := p.StartSession()
	defer s.Commit()
	fn(s)
}

func (p *OutboxPool) nextSubID() SubID {
	id := p.nextID
	p.nextID++
	return id
}

// ensureRelay returns the coordinator for url, creating and dialing it on
// first use.
func (p *OutboxPool) ensureRelay(url string) *Coordinator {
	if c, ok := p.relays[url]; ok {
		return c
	}

	maxSubs, maxJSON := p.cfg.Limits(url)
	if n, ok := p.maxSubs[url]; ok {
		maxSubs = n
	}
	timing := websocketTiming{
		initialReconnect: p.cfg.InitialReconnect.Std(),
		maxReconnect:     p.cfg.MaxReconnect.Std(),
		pingRate:         p.cfg.KeepalivePingRate.Std(),
	}
	c := newCoordinator(url, p.dialer(url),
		coordinatorLimits{maxSubscriptions: maxSubs, maxJSONBytes: maxJSON},
		timing, p.clock, p.logger, p.metrics)

	p.relays[url] = c
	i := sort.SearchStrings(p.urls, url)
	p.urls = append(p.urls, "")
	copy(p.urls[i+1:], p.urls[i:])
	p.urls[i] = url
	return c
}

func getSession(sessions map[string]*coordinationSession, url string) *coordinationSession {
	s, ok := sessions[url]
	if !ok {
		s = newCoordinationSession()
		sessions[url] = s
	}
	return s
}

// collectSessions updates the subscription records and splits the tasks per relay.
func (p *OutboxPool) collectSessions(order []SubID, tasks map[SubID]*outboxTask) map[string]*coordinationSession {
	sessions := make(map[string]*coordinationSession)

	for _, id := range order {
		task := tasks[id]
		switch task.kind {
		case taskSubscribe, taskOneshot:
			for _, url := range task.pkg.Sorted() {
				getSession(sessions, url).subscribe(id, task.pkg.UseTransparent)
			}
			p.subs[id] = newSubscription(id, task.filters, task.pkg, task.kind == taskOneshot)

		case taskUnsubscribeSub:
			sub, ok := p.subs[id]
			if !ok {
				continue
			}
			for _, url := range sortedKeys(sub.relays) {
				getSession(sessions, url).unsubscribe(id)
			}
			delete(p.subs, id)

		case taskModifyFilters:
			sub, ok := p.subs[id]
			if !ok {
				continue
			}
			sub.setFilters(task.filters)
			for _, url := range sortedKeys(sub.relays) {
				getSession(sessions, url).subscribe(id, sub.transparent)
			}

		case taskModifyRelays, taskModifyFull:
			sub, ok := p.subs[id]
			if !ok {
				continue
			}
			for _, url := range sortedKeys(sub.relays) {
				if _, keep := task.relays[url]; !keep {
					getSession(sessions, url).unsubscribe(id)
				}
			}
			if len(task.relays) == 0 {
				delete(p.subs, id)
				continue
			}

			if task.kind == taskModifyFull {
				sub.setFilters(task.filters)
				for _, url := range sortedKeys(task.relays) {
					getSession(sessions, url).subscribe(id, sub.transparent)
				}
			} else {
				for _, url := range sortedKeys(task.relays) {
					if _, had := sub.relays[url]; !had {
						getSession(sessions, url).subscribe(id, sub.transparent)
					}
				}
			}
			sub.relays = make(map[string]struct{}, len(task.relays))
			for url := range task.relays {
				sub.relays[url] = struct{}{}
			}
		}
	}
	return sessions
}

// ingestSession applies a committed session to every relay, then settles
// EOSE bookkeeping: since rewrites for fully EOSEd subscriptions and removal
// of finished oneshots.
func (p *OutboxPool) ingestSession(order []SubID, tasks map[SubID]*outboxTask, events []pendingEvent) {
	if p.closed {
		return
	}

	sessions := p.collectSessions(order, tasks)
	eose := newEoseIDs()

	urls := make([]string, 0, len(sessions))
	for url := range sessions {
		urls = append(urls, url)
	}
	sort.Strings(urls)
	for _, url := range urls {
		eose.absorb(p.ensureRelay(url).ingestSession(p.subs, sessions[url]))
	}

	// Relays without work in this session still have EOSE to drain.
	for _, url := range p.urls {
		if _, ok := sessions[url]; ok {
			continue
		}
		eose.absorb(p.relays[url].ingestSession(p.subs, newCoordinationSession()))
	}

	for id := range eose.Normal {
		if !p.subAllRelaysHaveEOSE(id) {
			continue
		}
		if sub, ok := p.subs[id]; ok && sub.sinceOptimize() {
			p.logger.Debug("rewrote since after EOSE", "sub", id)
		}
	}

	for id := range eose.Oneshots {
		if p.AllHaveEOSE(id) {
			delete(p.subs, id)
		}
	}

	for _, pe := range events {
		p.sendEvent(pe.event, pe.relays)
	}

	p.metrics.setSubscriptions(len(p.subs))
}

func (p *OutboxPool) sendEvent(ev nostr.Event, relays []string) {
	msg, err := wire.EncodeEvent(ev)
	if err != nil {
		p.logger.Error("could not encode event", "id", ev.ID, "error", err)
		return
	}
	set, err := normalizeURLSet(relays)
	if err != nil {
		p.logger.Warn("skipping invalid relay urls for event", "id", ev.ID, "error", err)
	}
	for _, url := range sortedKeys(set) {
		p.ensureRelay(url).sendEvent(msg)
	}
}

func (p *OutboxPool) subAllRelaysHaveEOSE(id SubID) bool {
	sub, ok := p.subs[id]
	if !ok || len(sub.relays) == 0 {
		return false
	}
	for url := range sub.relays {
		c, ok := p.relays[url]
		if !ok {
			return false
		}
		if status, ok := c.reqStatus(id); !ok || status != ReqEose {
			return false
		}
	}
	return true
}

// TryRecv handles up to maxEvents transport events, visiting relays round-robin.
// It stops early once a full round finds nothing. Returns the number handled.
func (p *OutboxPool) TryRecv(maxEvents int, sink EventSink) int {
	if p.closed {
		return 0
	}
	handled := 0
	for handled < maxEvents {
		receivedAny := false
		for _, url := range p.urls {
			resp := p.relays[url].tryRecv(p.subs, sink)
			if !resp.received {
				continue
			}
			receivedAny = true
			handled++
			if handled >= maxEvents {
				return handled
			}
		}
		if !receivedAny {
			break
		}
	}
	return handled
}

// KeepalivePing pings connected relays that are due and redials disconnected
// ones whose backoff expired.
func (p *OutboxPool) KeepalivePing() {
	if p.closed {
		return
	}
	for _, url := range p.urls {
		p.relays[url].keepalivePing()
	}
}

// SetMaxSubscriptions applies a relay's NIP-11 max_subscriptions. Shrinking
// below the passes in use revokes subscriptions on that relay.
func (p *OutboxPool) SetMaxSubscriptions(url string, n int) {
	norm, err := wire.NormalizeRelayURL(url)
	if err != nil {
		p.logger.Warn("ignoring max_subscriptions for invalid relay", "url", url, "error", err)
		return
	}
	p.maxSubs[norm] = n
	if c, ok := p.relays[norm]; ok {
		c.setMaxSize(p.subs, n)
	}
}

// Status reports the REQ status of id on every relay that knows it.
func (p *OutboxPool) Status(id SubID) map[string]ReqStatus {
	out := make(map[string]ReqStatus)
	for url, c := range p.relays {
		if status, ok := c.reqStatus(id); ok {
			out[url] = status
		}
	}
	return out
}

// HasEOSE reports whether any relay has sent EOSE for id.
func (p *OutboxPool) HasEOSE(id SubID) bool {
	for _, c := range p.relays {
		if status, ok := c.reqStatus(id); ok && status == ReqEose {
			return true
		}
	}
	return false
}

// AllHaveEOSE reports whether every relay that knows id has sent EOSE.
func (p *OutboxPool) AllHaveEOSE(id SubID) bool {
	for _, c := range p.relays {
		if status, ok := c.reqStatus(id); ok && status != ReqEose {
			return false
		}
	}
	return true
}

// Filters returns a copy of the current filters of id.
func (p *OutboxPool) Filters(id SubID) (nostr.Filters, bool) {
	f, ok := p.subs.filters(id)
	if !ok {
		return nil, false
	}
	return wire.CloneFilters(f), true
}

func (p *OutboxPool) WebsocketStatuses() map[string]RelayStatus {
	out := make(map[string]RelayStatus, len(p.relays))
	for url, c := range p.relays {
		out[url] = c.ws.Status()
	}
	return out
}

func (p *OutboxPool) Stats() map[string]CoordinatorStats {
	out := make(map[string]CoordinatorStats, len(p.relays))
	for url, c := range p.relays {
		out[url] = c.stats()
	}
	return out
}

// CancelPendingBroadcasts drops EVENT messages still waiting for url to open,
// or for every relay when url is empty. Returns how many were dropped.
func (p *OutboxPool) CancelPendingBroadcasts(url string) int {
	if url == "" {
		n := 0
		for _, c := range p.relays {
			n += c.cancelPendingBroadcasts()
		}
		return n
	}
	norm, err := wire.NormalizeRelayURL(url)
	if err != nil {
		return 0
	}
	c, ok := p.relays[norm]
	if !ok {
		return 0
	}
	return c.cancelPendingBroadcasts()
}

// Len is the number of live logical subscriptions.
func (p *OutboxPool) Len() int { return len(p.subs) }

// Relays lists the relays the pool has coordinators for, sorted.
func (p *OutboxPool) Relays() []string {
	return append([]string(nil), p.urls...)
}

// Close shuts every relay connection. The pool cannot be used afterwards.
func (p *OutboxPool) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true

	var err error
	for _, url := range p.urls {
		if cerr := p.relays[url].close(); cerr != nil {
			err = multierr.Append(err, cerr)
		}
	}
	return err
}
