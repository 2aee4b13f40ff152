package relay

import (
	"nostr-outbox/internal/wire"
)

// compactionGroup is one c:<n> REQ carrying the filters of all its members.
type compactionGroup struct {
	wireID    string
	pass      WirePass
	members   []SubID
	status    ReqStatus
	sentBytes int
}

type admitResult int

const (
	admitted admitResult = iota
	queued
	refused
)

// CompactionEngine packs many logical subscriptions into few REQs, keeping
// each REQ at or under maxJSONBytes.
type CompactionEngine struct {
	maxJSONBytes int
	nextGroup    uint64

	groups   []*compactionGroup // creation order
	byWire   map[string]*compactionGroup
	memberOf map[SubID]*compactionGroup

	queue   []SubID
	queued  map[SubID]ReqStatus
	refused map[SubID]struct{}

	touched map[*compactionGroup]struct{}
	closing []string
}

func newCompactionEngine(maxJSONBytes int) *CompactionEngine {
	return &CompactionEngine{
		maxJSONBytes: maxJSONBytes,
		byWire:       make(map[string]*compactionGroup),
		memberOf:     make(map[SubID]*compactionGroup),
		queued:       make(map[SubID]ReqStatus),
		refused:      make(map[SubID]struct{}),
		touched:      make(map[*compactionGroup]struct{}),
	}
}

// groupFilterBytes sums the filter bytes and counts of the group's members.
func (e *CompactionEngine) groupFilterBytes(env engineEnv, g *compactionGroup) (int, int) {
	var bytes, n int
	for _, id := range g.members {
		b, c := env.subs.jsonSize(id)
		bytes += b
		n += c
	}
	return bytes, n
}

func (e *CompactionEngine) groupSize(env engineEnv, g *compactionGroup) int {
	b, n := e.groupFilterBytes(env, g)
	return wire.ReqSize(g.wireID, b, n)
}

func (e *CompactionEngine) sizeWith(env engineEnv, g *compactionGroup, id SubID) int {
	b, n := e.groupFilterBytes(env, g)
	ib, in := env.subs.jsonSize(id)
	return wire.ReqSize(g.wireID, b+ib, n+in)
}

func (e *CompactionEngine) fitsAlone(env engineEnv, id SubID) bool {
	b, n := env.subs.jsonSize(id)
	return wire.ReqSize(compactionWireID(e.nextGroup), b, n) <= e.maxJSONBytes
}

func (e *CompactionEngine) touch(g *compactionGroup) {
	e.touched[g] = struct{}{}
}

func (e *CompactionEngine) enqueue(id SubID, status ReqStatus) {
	if _, ok := e.queued[id]; ok {
		e.queued[id] = status
		return
	}
	e.queue = append(e.queue, id)
	e.queued[id] = status
}

func (e *CompactionEngine) dequeue(id SubID) {
	if _, ok := e.queued[id]; !ok {
		return
	}
	delete(e.queued, id)
	for i, q := range e.queue {
		if q == id {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			return
		}
	}
}

// place appends id to the smallest existing group it fits in.
func (e *CompactionEngine) place(env engineEnv, id SubID) bool {
	var best *compactionGroup
	bestSize := 0
	for _, g := range e.groups {
		if e.sizeWith(env, g, id) > e.maxJSONBytes {
			continue
		}
		if size := e.groupSize(env, g); best == nil || size < bestSize {
			best, bestSize = g, size
		}
	}
	if best == nil {
		return false
	}
	best.members = append(best.members, id)
	best.status = ReqInitialQuery
	e.memberOf[id] = best
	e.touch(best)
	return true
}

// admit runs the placement policy: best fit into an existing group, then a
// new group on a fresh pass. It never queues by itself.
func (e *CompactionEngine) admit(env engineEnv, id SubID) admitResult {
	if !e.fitsAlone(env, id) {
		e.refused[id] = struct{}{}
		b, _ := env.subs.jsonSize(id)
		env.logger.Warn("subscription filters exceed max_json_bytes, refusing compaction",
			"sub", id, "filter_bytes", b, "max_json_bytes", e.maxJSONBytes)
		return refused
	}
	if e.place(env, id) {
		return admitted
	}

	wireID := compactionWireID(e.nextGroup)
	pass, ok := env.guardian.Acquire(wireID)
	if !ok {
		return queued
	}
	e.nextGroup++

	g := &compactionGroup{
		wireID:  wireID,
		pass:    pass,
		members: []SubID{id},
		status:  ReqInitialQuery,
	}
	e.groups = append(e.groups, g)
	e.byWire[wireID] = g
	e.memberOf[id] = g
	e.touch(g)
	env.logger.Debug("compaction opened group", "sub", wireID, "pass", pass)
	return admitted
}

// subscribe adds id, or re-runs admission with its current filters when it
// is already placed.
func (e *CompactionEngine) subscribe(env engineEnv, id SubID) {
	if _, ok := env.subs[id]; !ok {
		return
	}
	delete(e.refused, id)
	if g, ok := e.memberOf[id]; ok {
		if len(g.members) == 1 && e.groupSize(env, g) <= e.maxJSONBytes {
			g.status = ReqInitialQuery
			e.touch(g)
			return
		}
		e.removeMember(env, g, id)
	}

	_, waiting := e.queued[id]
	switch e.admit(env, id) {
	case admitted, refused:
		e.dequeue(id)
	case queued:
		if !waiting {
			e.enqueue(id, ReqInitialQuery)
		}
	}
}

func (e *CompactionEngine) unsubscribe(env engineEnv, id SubID) {
	e.dequeue(id)
	delete(e.refused, id)
	if g, ok := e.memberOf[id]; ok {
		e.removeMember(env, g, id)
	}
}

// retire drops a finished one-shot. Its group keeps its status and re-sends
// the narrowed REQ.
func (e *CompactionEngine) retire(env engineEnv, id SubID) {
	g, ok := e.memberOf[id]
	if !ok {
		e.unsubscribe(env, id)
		return
	}
	status := g.status
	e.removeMember(env, g, id)
	if len(g.members) > 0 {
		g.status = status
	}
}

func (e *CompactionEngine) removeMember(env engineEnv, g *compactionGroup, id SubID) {
	for i, m := range g.members {
		if m == id {
			g.members = append(g.members[:i], g.members[i+1:]...)
			break
		}
	}
	delete(e.memberOf, id)
	g.status = ReqInitialQuery
	if len(g.members) == 0 {
		e.destroy(env, g)
		return
	}
	e.touch(g)
}

// destroy drops an empty group, frees its pass and schedules its CLOSE.
func (e *CompactionEngine) destroy(env engineEnv, g *compactionGroup) {
	for i, other := range e.groups {
		if other == g {
			e.groups = append(e.groups[:i], e.groups[i+1:]...)
			break
		}
	}
	delete(e.byWire, g.wireID)
	delete(e.touched, g)
	env.guardian.Release(g.pass)
	e.closing = append(e.closing, g.wireID)
	env.logger.Debug("compaction closed group", "sub", g.wireID, "pass", g.pass)
}

// split evicts members from the tail until the group fits and returns them in
// their original order. A lone member that still does not fit is refused.
func (e *CompactionEngine) split(env engineEnv, g *compactionGroup) []SubID {
	if e.groupSize(env, g) <= e.maxJSONBytes {
		return nil
	}

	var evicted []SubID
	for len(g.members) > 1 && e.groupSize(env, g) > e.maxJSONBytes {
		last := g.members[len(g.members)-1]
		g.members = g.members[:len(g.members)-1]
		delete(e.memberOf, last)
		evicted = append([]SubID{last}, evicted...)
	}

	if e.groupSize(env, g) > e.maxJSONBytes {
		lone := g.members[0]
		g.members = nil
		delete(e.memberOf, lone)
		e.refused[lone] = struct{}{}
		env.logger.Warn("subscription filters exceed max_json_bytes, refusing compaction", "sub", lone)
		e.destroy(env, g)
	}

	env.logger.Debug("compaction split group", "sub", g.wireID, "evicted", len(evicted))
	return evicted
}

func (e *CompactionEngine) sendClosing(env engineEnv) {
	for _, wireID := range e.closing {
		env.sendClose(wireID)
	}
	e.closing = nil
}

// flush puts everything touched since the last flush on the wire: CLOSE for
// removed groups, then a REQ per changed group, splitting oversized ones.
func (e *CompactionEngine) flush(env engineEnv) {
	e.sendClosing(env)
	for len(e.touched) > 0 {
		batch := make([]*compactionGroup, 0, len(e.touched))
		for _, g := range e.groups {
			if _, ok := e.touched[g]; ok {
				batch = append(batch, g)
			}
		}
		clear(e.touched)

		var evicted []SubID
		for _, g := range batch {
			evicted = append(evicted, e.split(env, g)...)
		}
		e.sendClosing(env)

		for _, g := range batch {
			if _, alive := e.byWire[g.wireID]; !alive {
				continue
			}
			g.sentBytes = env.sendReq(g.wireID, g.members)
		}

		for _, id := range evicted {
			if e.admit(env, id) == queued {
				e.enqueue(id, ReqInitialQuery)
			}
		}
		e.sendClosing(env)
	}
}

// drainQueue admits waiting ids from the front until one does not fit.
func (e *CompactionEngine) drainQueue(env engineEnv) {
	for len(e.queue) > 0 {
		id := e.queue[0]
		if _, ok := env.subs[id]; ok {
			if e.admit(env, id) == queued {
				return
			}
		}
		e.queue = e.queue[1:]
		delete(e.queued, id)
	}
}

// handleRelayOpen re-emits every group. Groups whose filters grew past the
// budget while offline are split on the way.
func (e *CompactionEngine) handleRelayOpen(env engineEnv) {
	for _, g := range e.groups {
		if g.status == ReqClosed {
			g.status = ReqInitialQuery
		}
		e.touch(g)
	}
	e.flush(env)
}

func (e *CompactionEngine) smallest(env engineEnv) *compactionGroup {
	var best *compactionGroup
	bestSize := 0
	for _, g := range e.groups {
		if size := e.groupSize(env, g); best == nil || size < bestSize {
			best, bestSize = g, size
		}
	}
	return best
}

// revoke gives back n passes by dissolving the smallest groups. Members are
// moved into other groups where they fit; the rest wait as Closed.
func (e *CompactionEngine) revoke(env engineEnv, n int) int {
	revoked := 0
	for revoked < n {
		g := e.smallest(env)
		if g == nil {
			break
		}
		members := g.members
		g.members = nil
		for _, id := range members {
			delete(e.memberOf, id)
		}
		e.destroy(env, g)
		env.logger.Info("compaction group revoked", "sub", g.wireID, "members", len(members))

		for _, id := range members {
			if !e.place(env, id) {
				e.enqueue(id, ReqClosed)
			}
		}
		revoked++
	}
	e.flush(env)
	return revoked
}

// compactForPass frees one pass by merging the smallest group into the
// others. It only does so when every member fits elsewhere.
func (e *CompactionEngine) compactForPass(env engineEnv) bool {
	if len(e.groups) < 2 {
		return false
	}
	victim := e.smallest(env)

	type load struct{ bytes, n int }
	loads := make(map[*compactionGroup]*load, len(e.groups)-1)
	for _, g := range e.groups {
		if g == victim {
			continue
		}
		b, n := e.groupFilterBytes(env, g)
		loads[g] = &load{bytes: b, n: n}
	}

	for _, id := range victim.members {
		ib, in := env.subs.jsonSize(id)
		var best *compactionGroup
		bestSize := 0
		for _, g := range e.groups {
			l, ok := loads[g]
			if !ok || wire.ReqSize(g.wireID, l.bytes+ib, l.n+in) > e.maxJSONBytes {
				continue
			}
			if size := wire.ReqSize(g.wireID, l.bytes, l.n); best == nil || size < bestSize {
				best, bestSize = g, size
			}
		}
		if best == nil {
			return false
		}
		loads[best].bytes += ib
		loads[best].n += in
	}

	members := victim.members
	victim.members = nil
	for _, id := range members {
		delete(e.memberOf, id)
	}
	e.destroy(env, victim)
	for _, id := range members {
		if !e.place(env, id) {
			e.enqueue(id, ReqInitialQuery)
		}
	}
	env.logger.Debug("compacted group to free a pass", "sub", victim.wireID, "members", len(members))
	return true
}

func (e *CompactionEngine) setReqStatus(wireID string, status ReqStatus) bool {
	g, ok := e.byWire[wireID]
	if !ok {
		return false
	}
	g.status = status
	return true
}

func (e *CompactionEngine) reqStatus(id SubID) (ReqStatus, bool) {
	if g, ok := e.memberOf[id]; ok {
		return g.status, true
	}
	if status, ok := e.queued[id]; ok {
		return status, true
	}
	if _, ok := e.refused[id]; ok {
		return ReqClosed, true
	}
	return 0, false
}

// idsForWire returns a copy of the members behind wireID.
func (e *CompactionEngine) idsForWire(wireID string) ([]SubID, bool) {
	g, ok := e.byWire[wireID]
	if !ok {
		return nil, false
	}
	return append([]SubID(nil), g.members...), true
}

func (e *CompactionEngine) contains(id SubID) bool {
	if _, ok := e.memberOf[id]; ok {
		return true
	}
	if _, ok := e.queued[id]; ok {
		return true
	}
	_, ok := e.refused[id]
	return ok
}

func (e *CompactionEngine) movePass(wireID string, to WirePass) bool {
	g, ok := e.byWire[wireID]
	if !ok {
		return false
	}
	g.pass = to
	return true
}

func (e *CompactionEngine) passCount() int { return len(e.groups) }

func (e *CompactionEngine) queueLen() int { return len(e.queue) }
