package relay

import (
	"fmt"
	"sort"

	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/multierr"

	"nostr-outbox/internal/wire"
)

// RelayURLPkg is the set of relays a subscription targets and the routing
// mode it prefers on each of them.
type RelayURLPkg struct {
	URLs           map[string]struct{}
	UseTransparent bool
}

// NewRelayURLPkg normalizes urls. Invalid entries are skipped and reported
// together in the returned error; the package still holds the valid ones.
func NewRelayURLPkg(urls ...string) (RelayURLPkg, error) {
	set, err := normalizeURLSet(urls)
	return RelayURLPkg{URLs: set}, err
}

// Transparent returns a copy of p that asks for one REQ per subscription.
func (p RelayURLPkg) Transparent() RelayURLPkg {
	p.UseTransparent = true
	return p
}

// Sorted returns the URLs in lexical order.
func (p RelayURLPkg) Sorted() []string {
	return sortedKeys(p.URLs)
}

func normalizeURLSet(urls []string) (map[string]struct{}, error) {
	var errs error
	set := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		n, err := wire.NormalizeRelayURL(u)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		set[n] = struct{}{}
	}
	return set, errs
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type filterMeta struct {
	jsonSize int
	lastSeen nostr.Timestamp
	seen     bool
}

// subscription is the pool's record of one logical subscription.
type subscription struct {
	id          SubID
	filters     nostr.Filters
	meta        []filterMeta
	relays      map[string]struct{}
	transparent bool
	oneshot     bool
}

func newSubscription(id SubID, filters nostr.Filters, pkg RelayURLPkg, oneshot bool) *subscription {
	s := &subscription{
		id:          id,
		relays:      make(map[string]struct{}, len(pkg.URLs)),
		transparent: pkg.UseTransparent,
		oneshot:     oneshot,
	}
	for u := range pkg.URLs {
		s.relays[u] = struct{}{}
	}
	s.setFilters(filters)
	return s
}

// setFilters replaces the filter set and forgets what was seen under the old one.
func (s *subscription) setFilters(filters nostr.Filters) {
	s.filters = wire.CloneFilters(filters)
	s.meta = make([]filterMeta, len(s.filters))
	for i, f := range s.filters {
		s.meta[i].jsonSize = wire.FilterJSONSize(f)
	}
}

// jsonSize is the summed serialized size of the filters and their count.
func (s *subscription) jsonSize() (bytes, n int) {
	for _, m := range s.meta {
		bytes += m.jsonSize
	}
	return bytes, len(s.meta)
}

// see records created_at for every filter that matches ev.
func (s *subscription) see(ev *nostr.Event) {
	for i, f := range s.filters {
		if !f.Matches(ev) {
			continue
		}
		m := &s.meta[i]
		if !m.seen || ev.CreatedAt > m.lastSeen {
			m.lastSeen = ev.CreatedAt
			m.seen = true
		}
	}
}

// sinceOptimize rewrites since = last seen + 1 on every filter that has seen
// an event. Applying it twice changes nothing.
func (s *subscription) sinceOptimize() bool {
	changed := false
	for i, m := range s.meta {
		if !m.seen {
			continue
		}
		since := m.lastSeen + 1
		if cur := s.filters[i].Since; cur != nil && *cur == since {
			continue
		}
		s.filters[i] = wire.WithSince(s.filters[i], since)
		s.meta[i].jsonSize = wire.FilterJSONSize(s.filters[i])
		changed = true
	}
	return changed
}

// subscriptions is the authoritative id -> record map shared read-only with
// the engines.
type subscriptions map[SubID]*subscription

func (m subscriptions) filters(id SubID) (nostr.Filters, bool) {
	s, ok := m[id]
	if !ok {
		return nil, false
	}
	return s.filters, true
}

func (m subscriptions) isOneshot(id SubID) bool {
	s, ok := m[id]
	return ok && s.oneshot
}

// jsonSize returns the filter bytes and filter count of id, zero when unknown.
func (m subscriptions) jsonSize(id SubID) (int, int) {
	s, ok := m[id]
	if !ok {
		return 0, 0
	}
	return s.jsonSize()
}

// unionFilters concatenates the filters of ids in order.
func (m subscriptions) unionFilters(ids []SubID) nostr.Filters {
	var out nostr.Filters
	for _, id := range ids {
		if s, ok := m[id]; ok {
			out = append(out, s.filters...)
		}
	}
	return out
}

func transparentWireID(id SubID) string {
	return "t:" + id.String()
}

func compactionWireID(group uint64) string {
	return fmt.Sprintf("c:%d", group)
}
