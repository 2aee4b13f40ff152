package relay

import (
	"fmt"
	"log/slog"

	"github.com/benbjohnson/clock"

	"nostr-outbox/internal/wire"
)

type coordinationTask int

const (
	taskTransparentSub coordinationTask = iota
	taskCompactionSub
	taskUnsubscribe
)

// coordinationSession is one relay's slice of an outbox session. The last
// task recorded for an id wins; ids keep first-seen order.
type coordinationSession struct {
	order []SubID
	tasks map[SubID]coordinationTask
}

func newCoordinationSession() *coordinationSession {
	return &coordinationSession{tasks: make(map[SubID]coordinationTask)}
}

func (s *coordinationSession) set(id SubID, task coordinationTask) {
	if _, ok := s.tasks[id]; !ok {
		s.order = append(s.order, id)
	}
	s.tasks[id] = task
}

func (s *coordinationSession) subscribe(id SubID, transparent bool) {
	if transparent {
		s.set(id, taskTransparentSub)
		return
	}
	s.set(id, taskCompactionSub)
}

func (s *coordinationSession) unsubscribe(id SubID) {
	s.set(id, taskUnsubscribe)
}

// EoseIDs are the logical ids whose EOSE was drained during a session.
type EoseIDs struct {
	Oneshots map[SubID]struct{}
	Normal   map[SubID]struct{}
}

func newEoseIDs() EoseIDs {
	return EoseIDs{
		Oneshots: make(map[SubID]struct{}),
		Normal:   make(map[SubID]struct{}),
	}
}

func (e EoseIDs) absorb(other EoseIDs) {
	for id := range other.Oneshots {
		e.Oneshots[id] = struct{}{}
	}
	for id := range other.Normal {
		e.Normal[id] = struct{}{}
	}
}

type recvResponse struct {
	received bool
	event    bool
}

type compactionOpKind int

const (
	opSubscribe compactionOpKind = iota
	opUnsubscribe
	// opRetire removes a one-shot that reached EOSE. The rest of its group
	// already has its snapshot, so the group keeps its status.
	opRetire
)

type compactionOp struct {
	id   SubID
	kind compactionOpKind
}

// orderedOps keeps the last op per id in first-seen order.
type orderedOps struct {
	ops   []compactionOp
	index map[SubID]int
}

func (o *orderedOps) add(id SubID, kind compactionOpKind) {
	if o.index == nil {
		o.index = make(map[SubID]int)
	}
	if i, ok := o.index[id]; ok {
		o.ops[i].kind = kind
		return
	}
	o.index[id] = len(o.ops)
	o.ops = append(o.ops, compactionOp{id: id, kind: kind})
}

// Coordinator owns everything about one relay: the socket, the pass budget,
// both routing engines and the broadcast queue.
type Coordinator struct {
	url          string
	ws           *WebsocketRelay
	guardian     *SubPassGuardian
	transparent  *TransparentEngine
	compaction   *CompactionEngine
	broadcasts   *BroadcastCache
	coordination map[SubID]RelayType
	eoseQueue    []string

	logger  *slog.Logger
	metrics *Metrics
}

type coordinatorLimits struct {
	maxSubscriptions int
	maxJSONBytes     int
}

func newCoordinator(url string, conn Transport, limits coordinatorLimits, timing websocketTiming, clk clock.Clock, logger *slog.Logger, metrics *Metrics) *Coordinator {
	logger = logger.With("relay", url)
	c := &Coordinator{
		url:          url,
		ws:           newWebsocketRelay(url, conn, timing, clk, logger, metrics),
		guardian:     NewSubPassGuardian(limits.maxSubscriptions),
		transparent:  newTransparentEngine(),
		compaction:   newCompactionEngine(limits.maxJSONBytes),
		broadcasts:   &BroadcastCache{},
		coordination: make(map[SubID]RelayType),
		logger:       logger,
		metrics:      metrics,
	}
	c.ws.connect()
	return c
}

func (c *Coordinator) env(subs subscriptions) engineEnv {
	return engineEnv{ws: c.ws, guardian: c.guardian, subs: subs, logger: c.logger}
}

// ingestSession applies one session's tasks and drains the EOSE queue.
func (c *Coordinator) ingestSession(subs subscriptions, session *coordinationSession) EoseIDs {
	env := c.env(subs)
	eose := newEoseIDs()

	var transUnsubs []SubID
	var transSubs []SubID
	var compOps orderedOps

	for _, id := range session.order {
		switch session.tasks[id] {
		case taskTransparentSub:
			if rt, ok := c.coordination[id]; ok && rt == RelayCompaction {
				compOps.add(id, opUnsubscribe)
			}
			c.coordination[id] = RelayTransparent
			transSubs = append(transSubs, id)
		case taskCompactionSub:
			if rt, ok := c.coordination[id]; ok && rt == RelayTransparent {
				transUnsubs = append(transUnsubs, id)
			}
			c.coordination[id] = RelayCompaction
			compOps.add(id, opSubscribe)
		case taskUnsubscribe:
			rtype, ok := c.coordination[id]
			if !ok {
				continue
			}
			delete(c.coordination, id)
			if rtype == RelayTransparent {
				transUnsubs = append(transUnsubs, id)
			} else {
				compOps.add(id, opUnsubscribe)
			}
		}
	}

	for _, wireID := range c.eoseQueue {
		if ids, ok := c.compaction.idsForWire(wireID); ok {
			for _, id := range ids {
				if subs.isOneshot(id) {
					compOps.add(id, opRetire)
					delete(c.coordination, id)
					eose.Oneshots[id] = struct{}{}
				} else {
					eose.Normal[id] = struct{}{}
				}
			}
			continue
		}
		id, ok := c.transparent.idForWire(wireID)
		if !ok {
			continue
		}
		if subs.isOneshot(id) {
			transUnsubs = append(transUnsubs, id)
			delete(c.coordination, id)
			eose.Oneshots[id] = struct{}{}
		} else {
			eose.Normal[id] = struct{}{}
		}
	}
	c.eoseQueue = nil

	for _, id := range transUnsubs {
		c.transparent.unsubscribe(env, id)
	}

	// Passes the transparent engine will need are set aside before compaction
	// runs, compacting groups to free them if the budget is exhausted.
	want := c.transparent.queueLen()
	for _, id := range transSubs {
		if !c.transparent.contains(id) {
			want++
		}
	}
	var reserved []WirePass
	if want > 0 {
		for len(reserved) < want {
			owner := fmt.Sprintf("reserve:%d", len(reserved))
			if pass, ok := c.guardian.Acquire(owner); ok {
				reserved = append(reserved, pass)
				continue
			}
			if !c.compaction.compactForPass(env) {
				break
			}
		}
	}

	for _, op := range compOps.ops {
		switch op.kind {
		case opSubscribe:
			c.compaction.subscribe(env, op.id)
		case opUnsubscribe:
			c.compaction.unsubscribe(env, op.id)
		case opRetire:
			c.compaction.retire(env, op.id)
		}
	}
	c.compaction.drainQueue(env)
	c.compaction.flush(env)

	for _, pass := range reserved {
		c.guardian.Release(pass)
	}

	for _, id := range transSubs {
		c.transparent.subscribe(env, id)
	}
	c.transparent.tryFlushQueue(env)

	// Reserved passes the transparent engine did not take go to compaction.
	c.compaction.drainQueue(env)
	c.compaction.flush(env)

	c.logger.Debug("pass usage",
		"used", c.guardian.OutstandingPasses(),
		"total", c.guardian.TotalPasses(),
		"groups", c.compaction.passCount(),
		"transparent", c.transparent.passCount())
	c.metrics.setPasses(c.url, c.guardian.OutstandingPasses())

	return eose
}

// setMaxSize applies a new max_subscriptions. Shrinking revokes passes,
// draining whichever engine holds more first; growing lets queued work in.
func (c *Coordinator) setMaxSize(subs subscriptions, n int) {
	env := c.env(subs)
	revocations := c.guardian.NewTotal(n)
	if revocations == nil {
		c.compaction.drainQueue(env)
		c.compaction.flush(env)
		c.transparent.tryFlushQueue(env)
		c.metrics.setPasses(c.url, c.guardian.OutstandingPasses())
		return
	}

	transLeft := c.transparent.passCount()
	compLeft := c.compaction.passCount()
	var transCount, compCount int
	for range revocations {
		takeTrans := (transLeft > compLeft && transLeft > 0) || compLeft == 0
		if takeTrans {
			transLeft--
			transCount++
		} else {
			compLeft--
			compCount++
		}
	}

	c.logger.Info("max_subscriptions shrank, revoking passes",
		"max", n, "transparent", transCount, "compaction", compCount)

	if transCount > 0 {
		c.transparent.revoke(env, transCount)
	}
	if compCount > 0 {
		c.compaction.revoke(env, compCount)
	}

	// The engines chose which passes to give back; whatever they kept above
	// the new total moves into the freed slots.
	for _, mv := range c.guardian.Renumber() {
		if !c.transparent.movePass(mv.Owner, mv.To) && !c.compaction.movePass(mv.Owner, mv.To) {
			panic(fmt.Sprintf("coordinator %s: pass %d held by unknown owner %q", c.url, mv.From, mv.Owner))
		}
	}
	c.metrics.setPasses(c.url, c.guardian.OutstandingPasses())
}

func (c *Coordinator) sendEvent(msg []byte) {
	broadcastRelay{ws: c.ws, cache: c.broadcasts}.broadcast(msg)
	c.metrics.setPendingBroadcasts(c.url, c.broadcasts.Len())
}

func (c *Coordinator) cancelPendingBroadcasts() int {
	n := c.broadcasts.Clear()
	c.metrics.setPendingBroadcasts(c.url, 0)
	return n
}

func (c *Coordinator) setReqStatus(wireID string, status ReqStatus) {
	// Only the engine that minted wireID knows it.
	if !c.compaction.setReqStatus(wireID, status) {
		c.transparent.setReqStatus(wireID, status)
	}
}

func (c *Coordinator) reqStatus(id SubID) (ReqStatus, bool) {
	switch rtype, ok := c.coordination[id]; {
	case !ok:
		return 0, false
	case rtype == RelayTransparent:
		return c.transparent.reqStatus(id)
	default:
		return c.compaction.reqStatus(id)
	}
}

// tryRecv handles at most one transport event.
func (c *Coordinator) tryRecv(subs subscriptions, sink EventSink) recvResponse {
	ev, ok := c.ws.TryRecv()
	if !ok {
		return recvResponse{}
	}
	resp := recvResponse{received: true}

	switch ev.Kind {
	case WsOpened:
		c.ws.handleOpened()
		c.handleRelayOpen(subs)
		return resp
	case WsClosed:
		c.logger.Info("relay closed connection")
		c.ws.handleDisconnect()
		return resp
	case WsError:
		c.logger.Error("relay error", "error", ev.Err)
		c.ws.handleDisconnect()
		return resp
	case WsPing:
		c.ws.sendPong(ev.Data)
		return resp
	case WsText:
	default:
		return resp
	}

	msg, err := wire.ParseRelayMessage(ev.Data)
	if err != nil {
		c.logger.Error("relay message decode error", "error", err)
		c.metrics.decodeError(c.url)
		return resp
	}
	c.metrics.frame(c.url, msg.Kind.String())

	switch msg.Kind {
	case wire.MsgEvent:
		resp.event = true
		if sink != nil {
			sink(RawEvent{URL: c.url, JSON: msg.Event})
		}
		c.recordSeen(subs, msg.SubID, msg.Event)
	case wire.MsgEOSE:
		c.logger.Debug("received EOSE", "sub", msg.SubID)
		c.setReqStatus(msg.SubID, ReqEose)
		c.eoseQueue = append(c.eoseQueue, msg.SubID)
	case wire.MsgClosed:
		c.logger.Info("relay closed subscription", "sub", msg.SubID, "reason", msg.Message)
		c.setReqStatus(msg.SubID, ReqClosed)
	case wire.MsgNotice:
		c.logger.Warn("relay notice", "notice", msg.Message)
	case wire.MsgOK:
		c.logger.Info("relay OK", "event_id", msg.EventID, "accepted", msg.OK, "message", msg.Message)
	case wire.MsgAuth:
		c.logger.Info("relay requested AUTH, ignoring", "challenge", msg.Message)
	}
	return resp
}

// recordSeen remembers created_at per matching filter for the since rewrite.
func (c *Coordinator) recordSeen(subs subscriptions, wireID string, raw []byte) {
	var ids []SubID
	if members, ok := c.compaction.idsForWire(wireID); ok {
		ids = members
	} else if id, ok := c.transparent.idForWire(wireID); ok {
		ids = []SubID{id}
	}
	if len(ids) == 0 {
		return
	}

	ev, err := wire.DecodeEvent(raw)
	if err != nil {
		c.logger.Debug("event not decodable, skipping since tracking", "error", err)
		return
	}
	for _, id := range ids {
		if s, ok := subs[id]; ok {
			s.see(&ev)
		}
	}
}

func (c *Coordinator) handleRelayOpen(subs subscriptions) {
	env := c.env(subs)
	broadcastRelay{ws: c.ws, cache: c.broadcasts}.tryFlushQueue()
	c.metrics.setPendingBroadcasts(c.url, c.broadcasts.Len())
	c.transparent.handleRelayOpen(env)
	c.compaction.handleRelayOpen(env)
}

func (c *Coordinator) keepalivePing() {
	c.ws.KeepalivePing()
}

// CoordinatorStats is a snapshot of one relay's bookkeeping.
type CoordinatorStats struct {
	Status            RelayStatus
	PassesInUse       int
	PassesTotal       int
	CompactionGroups  int
	TransparentSubs   int
	QueuedCompaction  int
	QueuedTransparent int
	PendingBroadcasts int
	ReconnectAttempts int
}

func (c *Coordinator) stats() CoordinatorStats {
	return CoordinatorStats{
		Status:            c.ws.Status(),
		PassesInUse:       c.guardian.OutstandingPasses(),
		PassesTotal:       c.guardian.TotalPasses(),
		CompactionGroups:  c.compaction.passCount(),
		TransparentSubs:   c.transparent.passCount(),
		QueuedCompaction:  c.compaction.queueLen(),
		QueuedTransparent: c.transparent.queueLen(),
		PendingBroadcasts: c.broadcasts.Len(),
		ReconnectAttempts: c.ws.reconnectAttempt,
	}
}

func (c *Coordinator) close() error {
	return c.ws.close()
}
