package tail

import (
	"sort"
	"sync"

	"github.com/nbd-wtf/go-nostr"
)

// DefaultMaxEvents is the store size used when none is given.
const DefaultMaxEvents = 500

// Store keeps the most recent events seen across relays, newest first,
// deduplicated by event id. It is safe for concurrent use; the pool loop
// writes while the HTTP endpoint reads.
type Store struct {
	mu            sync.RWMutex
	events        []nostr.Event
	index         map[string]struct{}
	sources       map[string]map[string]struct{} // event id -> relay urls
	maxEvents     int
	lastEventTime nostr.Timestamp
}

func NewStore(maxEvents int) *Store {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	return &Store{
		events:    make([]nostr.Event, 0, maxEvents),
		index:     make(map[string]struct{}),
		sources:   make(map[string]map[string]struct{}),
		maxEvents: maxEvents,
	}
}

// Add inserts ev keeping CreatedAt order. It reports whether the event was
// new; a duplicate only records the extra relay it came from.
func (s *Store) Add(ev nostr.Event, relayURL string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.index[ev.ID]; dup {
		if relayURL != "" {
			s.sources[ev.ID][relayURL] = struct{}{}
		}
		return false
	}

	// Older than everything in a full store: it would be evicted right away.
	if len(s.events) >= s.maxEvents && ev.CreatedAt < s.events[len(s.events)-1].CreatedAt {
		return false
	}

	s.index[ev.ID] = struct{}{}
	s.sources[ev.ID] = make(map[string]struct{}, 1)
	if relayURL != "" {
		s.sources[ev.ID][relayURL] = struct{}{}
	}

	idx := sort.Search(len(s.events), func(i int) bool {
		return s.events[i].CreatedAt < ev.CreatedAt
	})
	s.events = append(s.events, nostr.Event{})
	copy(s.events[idx+1:], s.events[idx:])
	s.events[idx] = ev

	if ev.CreatedAt > s.lastEventTime {
		s.lastEventTime = ev.CreatedAt
	}

	if len(s.events) > s.maxEvents {
		oldest := s.events[len(s.events)-1]
		s.events = s.events[:len(s.events)-1]
		delete(s.index, oldest.ID)
		delete(s.sources, oldest.ID)
	}
	return true
}

// Events returns up to limit stored events matching filter, newest first.
// A limit of zero or less returns every match.
func (s *Store) Events(filter nostr.Filter, limit int) []nostr.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []nostr.Event
	for i := range s.events {
		if !filter.Matches(&s.events[i]) {
			continue
		}
		result = append(result, s.events[i])
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result
}

// Sources lists the relays an event was received from, sorted.
func (s *Store) Sources(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set, ok := s.sources[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for url := range set {
		out = append(out, url)
	}
	sort.Strings(out)
	return out
}

// Stats returns the number of stored events and the newest created_at.
func (s *Store) Stats() (eventCount int, lastEventTime nostr.Timestamp) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events), s.lastEventTime
}
