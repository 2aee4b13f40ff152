package relay

import (
	"log/slog"

	"nostr-outbox/internal/wire"
)

// engineEnv is what an engine borrows from its coordinator for one call.
type engineEnv struct {
	ws       *WebsocketRelay
	guardian *SubPassGuardian
	subs     subscriptions
	logger   *slog.Logger
}

// sendReq writes REQ wireID with filters. Nothing is sent while disconnected.
func (env engineEnv) sendReq(wireID string, ids []SubID) int {
	msg, err := wire.EncodeReq(wireID, env.subs.unionFilters(ids))
	if err != nil {
		env.logger.Error("could not encode REQ", "sub", wireID, "error", err)
		return 0
	}
	env.ws.Send(msg)
	return len(msg)
}

func (env engineEnv) sendClose(wireID string) {
	env.ws.Send(wire.EncodeClose(wireID))
}

type transparentSub struct {
	id     SubID
	wireID string
	pass   WirePass
	status ReqStatus
}

// TransparentEngine maps each logical subscription onto its own REQ.
type TransparentEngine struct {
	subs   map[SubID]*transparentSub
	byWire map[string]*transparentSub
	order  []SubID // pass acquisition order

	queue  []SubID
	queued map[SubID]ReqStatus
}

func newTransparentEngine() *TransparentEngine {
	return &TransparentEngine{
		subs:   make(map[SubID]*transparentSub),
		byWire: make(map[string]*transparentSub),
		queued: make(map[SubID]ReqStatus),
	}
}

func (e *TransparentEngine) enqueue(id SubID, status ReqStatus) {
	if _, ok := e.queued[id]; ok {
		e.queued[id] = status
		return
	}
	e.queue = append(e.queue, id)
	e.queued[id] = status
}

func (e *TransparentEngine) dequeue(id SubID) {
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

func (e *TransparentEngine) removeOrder(id SubID) {
	for i, o := range e.order {
		if o == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			return
		}
	}
}

// subscribe opens t:<id>, or replaces its filters if it is already open.
// Without a free pass the id waits in the queue.
func (e *TransparentEngine) subscribe(env engineEnv, id SubID) {
	if _, ok := env.subs[id]; !ok {
		return
	}
	if sub, ok := e.subs[id]; ok {
		sub.status = ReqInitialQuery
		env.sendReq(sub.wireID, []SubID{id})
		return
	}

	wireID := transparentWireID(id)
	pass, ok := env.guardian.Acquire(wireID)
	if !ok {
		status := ReqInitialQuery
		if prev, queued := e.queued[id]; queued {
			status = prev
		}
		e.enqueue(id, status)
		env.logger.Debug("transparent sub queued, no pass free", "sub", wireID)
		return
	}
	e.dequeue(id)

	sub := &transparentSub{id: id, wireID: wireID, pass: pass, status: ReqInitialQuery}
	e.subs[id] = sub
	e.byWire[wireID] = sub
	e.order = append(e.order, id)
	env.logger.Debug("transparent took pass", "sub", wireID, "pass", pass)
	env.sendReq(wireID, []SubID{id})
}

func (e *TransparentEngine) unsubscribe(env engineEnv, id SubID) {
	e.dequeue(id)
	sub, ok := e.subs[id]
	if !ok {
		return
	}
	e.drop(env, sub)
}

func (e *TransparentEngine) drop(env engineEnv, sub *transparentSub) {
	delete(e.subs, sub.id)
	delete(e.byWire, sub.wireID)
	e.removeOrder(sub.id)
	env.guardian.Release(sub.pass)
	env.sendClose(sub.wireID)
}

// tryFlushQueue admits queued ids in FIFO order while passes are free.
func (e *TransparentEngine) tryFlushQueue(env engineEnv) {
	for len(e.queue) > 0 && env.guardian.AvailablePasses() > 0 {
		id := e.queue[0]
		e.queue = e.queue[1:]
		delete(e.queued, id)
		if _, ok := env.subs[id]; !ok {
			continue
		}
		e.subscribe(env, id)
	}
}

// handleRelayOpen replays every open REQ; the relay forgot them on disconnect.
func (e *TransparentEngine) handleRelayOpen(env engineEnv) {
	for _, id := range e.order {
		sub := e.subs[id]
		if sub.status == ReqClosed {
			sub.status = ReqInitialQuery
		}
		env.sendReq(sub.wireID, []SubID{id})
	}
}

// revoke gives back n passes, oldest first. Revoked ids are queued as Closed
// so they come back once passes free up.
func (e *TransparentEngine) revoke(env engineEnv, n int) int {
	revoked := 0
	for revoked < n && len(e.order) > 0 {
		sub := e.subs[e.order[0]]
		e.drop(env, sub)
		e.enqueue(sub.id, ReqClosed)
		env.logger.Info("transparent sub revoked", "sub", sub.wireID)
		revoked++
	}
	return revoked
}

func (e *TransparentEngine) setReqStatus(wireID string, status ReqStatus) bool {
	sub, ok := e.byWire[wireID]
	if !ok {
		return false
	}
	sub.status = status
	return true
}

func (e *TransparentEngine) reqStatus(id SubID) (ReqStatus, bool) {
	if sub, ok := e.subs[id]; ok {
		return sub.status, true
	}
	status, ok := e.queued[id]
	return status, ok
}

func (e *TransparentEngine) idForWire(wireID string) (SubID, bool) {
	sub, ok := e.byWire[wireID]
	if !ok {
		return 0, false
	}
	return sub.id, true
}

func (e *TransparentEngine) contains(id SubID) bool {
	_, live := e.subs[id]
	_, queued := e.queued[id]
	return live || queued
}

func (e *TransparentEngine) movePass(wireID string, to WirePass) bool {
	sub, ok := e.byWire[wireID]
	if !ok {
		return false
	}
	sub.pass = to
	return true
}

func (e *TransparentEngine) passCount() int { return len(e.subs) }

func (e *TransparentEngine) queueLen() int { return len(e.queue) }
