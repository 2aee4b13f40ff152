package relay

import (
	"github.com/nbd-wtf/go-nostr"

	"nostr-outbox/internal/wire"
)

type taskKind int

const (
	taskSubscribe taskKind = iota
	taskOneshot
	taskUnsubscribeSub
	taskModifyFilters
	taskModifyRelays
	taskModifyFull
)

type outboxTask struct {
	kind    taskKind
	filters nostr.Filters
	pkg     RelayURLPkg         // subscribe, oneshot
	relays  map[string]struct{} // modify relays, full modification
}

type pendingEvent struct {
	event  nostr.Event
	relays []string
}

// Session records subscription intents against an OutboxPool. Nothing reaches
// a relay until Commit; use OutboxPool.WithSession to have Commit called on
// every exit path.
type Session struct {
	pool   *OutboxPool
	order  []SubID
	tasks  map[SubID]*outboxTask
	events []pendingEvent
}

func newSession(pool *OutboxPool) *Session {
	return &Session{
		pool:  pool,
		tasks: make(map[SubID]*outboxTask),
	}
}

func (s *Session) set(id SubID, task *outboxTask) {
	if _, ok := s.tasks[id]; !ok {
		s.order = append(s.order, id)
	}
	s.tasks[id] = task
}

// Subscribe mints an id for a long-lived subscription. Empty filters are
// dropped; if nothing is left the id is returned but nothing is recorded.
func (s *Session) Subscribe(filters nostr.Filters, pkg RelayURLPkg) SubID {
	return s.subscribe(taskSubscribe, filters, pkg)
}

// Oneshot is Subscribe for a query that is torn down after EOSE.
func (s *Session) Oneshot(filters nostr.Filters, pkg RelayURLPkg) SubID {
	return s.subscribe(taskOneshot, filters, pkg)
}

func (s *Session) subscribe(kind taskKind, filters nostr.Filters, pkg RelayURLPkg) SubID {
	id := s.pool.nextSubID()
	filters = wire.PruneEmpty(filters)
	if len(filters) == 0 {
		return id
	}
	s.set(id, &outboxTask{kind: kind, filters: filters, pkg: pkg})
	return id
}

func (s *Session) Unsubscribe(id SubID) {
	s.set(id, &outboxTask{kind: taskUnsubscribeSub})
}

// ModifyFilters replaces the filters of id. An empty set unsubscribes.
func (s *Session) ModifyFilters(id SubID, filters nostr.Filters) {
	filters = wire.PruneEmpty(filters)
	if len(filters) == 0 {
		s.Unsubscribe(id)
		return
	}

	task, ok := s.tasks[id]
	if !ok {
		s.set(id, &outboxTask{kind: taskModifyFilters, filters: filters})
		return
	}

	switch task.kind {
	case taskOneshot:
		// pending oneshots are not modified
	case taskSubscribe, taskModifyFilters, taskModifyFull:
		task.filters = filters
	case taskModifyRelays:
		task.kind = taskModifyFull
		task.filters = filters
	case taskUnsubscribeSub:
		s.tasks[id] = &outboxTask{kind: taskModifyFilters, filters: filters}
	}
}

// ModifyRelays replaces the relay set of id. Invalid URLs are skipped.
func (s *Session) ModifyRelays(id SubID, urls []string) {
	relays, err := normalizeURLSet(urls)
	if err != nil {
		s.pool.logger.Warn("skipping invalid relay urls", "sub", id, "error", err)
	}

	task, ok := s.tasks[id]
	if !ok {
		s.set(id, &outboxTask{kind: taskModifyRelays, relays: relays})
		return
	}

	switch task.kind {
	case taskOneshot:
		// pending oneshots are not modified
	case taskSubscribe:
		task.pkg.URLs = relays
	case taskModifyRelays, taskModifyFull:
		task.relays = relays
	case taskModifyFilters:
		task.kind = taskModifyFull
		task.relays = relays
	case taskUnsubscribeSub:
		s.tasks[id] = &outboxTask{kind: taskModifyRelays, relays: relays}
	}
}

// SendEvent queues ev for publishing to relays on Commit. Relays that are not
// connected yet get it as soon as they open.
func (s *Session) SendEvent(ev nostr.Event, relays []string) {
	s.events = append(s.events, pendingEvent{event: ev, relays: relays})
}

// Commit hands the recorded intents to the pool and resets the session, so
// it can keep being used for the next batch.
func (s *Session) Commit() {
	order, tasks, events := s.order, s.tasks, s.events
	s.order, s.tasks, s.events = nil, make(map[SubID]*outboxTask), nil
	s.pool.ingestSession(order, tasks, events)
}
