package relay

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	gojson "github.com/goccy/go-json"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"

	"nostr-outbox/internal/config"
	"nostr-outbox/internal/logging"
)

// fakeTransport is an in-memory Transport. Frames written by the pool land in
// sent; tests feed relay frames through push.
type fakeTransport struct {
	url      string
	inbox    []WsEvent
	sent     []string
	pongs    []string
	pings    int
	connects int
	closed   bool

	autoOpen  bool // Connect queues WsOpened
	failDial  bool // Connect queues WsError
	onConnect func(n int)
}

func (f *fakeTransport) Connect() error {
	f.connects++
	if f.onConnect != nil {
		f.onConnect(f.connects)
	}
	switch {
	case f.failDial:
		f.inbox = append(f.inbox, WsEvent{Kind: WsError, Err: errors.New("connection refused")})
	case f.autoOpen:
		f.inbox = append(f.inbox, WsEvent{Kind: WsOpened})
	}
	return nil
}

func (f *fakeTransport) TryRecv() (WsEvent, bool) {
	if len(f.inbox) == 0 {
		return WsEvent{}, false
	}
	ev := f.inbox[0]
	f.inbox = f.inbox[1:]
	return ev, true
}

func (f *fakeTransport) SendText(data []byte) error {
	f.sent = append(f.sent, string(data))
	return nil
}

func (f *fakeTransport) SendPong(data []byte) error {
	f.pongs = append(f.pongs, string(data))
	return nil
}

func (f *fakeTransport) Ping() error {
	f.pings++
	return nil
}

func (f *fakeTransport) Close() error {
	f.closed = true
	return nil
}

func (f *fakeTransport) push(frame string) {
	f.inbox = append(f.inbox, WsEvent{Kind: WsText, Data: []byte(frame)})
}

func (f *fakeTransport) pushEvent(kind WsEventKind) {
	f.inbox = append(f.inbox, WsEvent{Kind: kind})
}

// sentFrame is a decoded client frame.
type sentFrame struct {
	label   string
	subID   string
	filters []nostr.Filter
	raw     string
}

func (f *fakeTransport) frames(t *testing.T) []sentFrame {
	t.Helper()
	out := make([]sentFrame, 0, len(f.sent))
	for _, raw := range f.sent {
		var arr []gojson.RawMessage
		require.NoError(t, gojson.Unmarshal([]byte(raw), &arr), raw)
		require.NotEmpty(t, arr)

		var fr sentFrame
		fr.raw = raw
		require.NoError(t, gojson.Unmarshal(arr[0], &fr.label))
		if fr.label == "REQ" || fr.label == "CLOSE" {
			require.NoError(t, gojson.Unmarshal(arr[1], &fr.subID))
		}
		if fr.label == "REQ" {
			for _, rawFilter := range arr[2:] {
				var flt nostr.Filter
				require.NoError(t, flt.UnmarshalJSON(rawFilter))
				fr.filters = append(fr.filters, flt)
			}
		}
		out = append(out, fr)
	}
	return out
}

func (f *fakeTransport) labelled(t *testing.T, label string) []sentFrame {
	t.Helper()
	var out []sentFrame
	for _, fr := range f.frames(t) {
		if fr.label == label {
			out = append(out, fr)
		}
	}
	return out
}

func (f *fakeTransport) reqs(t *testing.T) []sentFrame { return f.labelled(t, "REQ") }

func (f *fakeTransport) closes(t *testing.T) []sentFrame { return f.labelled(t, "CLOSE") }

func (f *fakeTransport) resetSent() { f.sent = nil }

// fakeNet hands out one fakeTransport per relay URL.
type fakeNet struct {
	transports map[string]*fakeTransport
	failDial   map[string]bool
}

func newFakeNet() *fakeNet {
	return &fakeNet{
		transports: make(map[string]*fakeTransport),
		failDial:   make(map[string]bool),
	}
}

func (n *fakeNet) dial(url string) Transport {
	ft := &fakeTransport{url: url, autoOpen: true, failDial: n.failDial[url]}
	n.transports[url] = ft
	return ft
}

func (n *fakeNet) get(t *testing.T, url string) *fakeTransport {
	t.Helper()
	ft, ok := n.transports[url]
	require.True(t, ok, "no transport dialed for %s", url)
	return ft
}

func testConfig() *config.OutboxConfig {
	cfg := config.Default()
	cfg.DefaultRelays = nil
	return cfg
}

type testPool struct {
	*OutboxPool
	net   *fakeNet
	clock *clock.Mock
}

func newTestPool(t *testing.T, cfg *config.OutboxConfig) *testPool {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	fn := newFakeNet()
	mock := clock.NewMock()
	mock.Set(time.Unix(1_700_000_000, 0))
	pool := NewOutboxPool(
		WithConfig(cfg),
		WithDialer(fn.dial),
		WithClock(mock),
		WithLogger(logging.Discard()),
	)
	t.Cleanup(func() { pool.Close() })
	return &testPool{OutboxPool: pool, net: fn, clock: mock}
}

// pump drains every queued transport event.
func (p *testPool) pump(sink EventSink) int {
	total := 0
	for {
		n := p.TryRecv(100, sink)
		total += n
		if n == 0 {
			return total
		}
	}
}

func (p *testPool) commit() {
	p.StartSession().Commit()
}

func mustPkg(t *testing.T, urls ...string) RelayURLPkg {
	t.Helper()
	pkg, err := NewRelayURLPkg(urls...)
	require.NoError(t, err)
	return pkg
}

func kinds(k ...int) nostr.Filters {
	out := make(nostr.Filters, 0, len(k))
	for _, kind := range k {
		out = append(out, nostr.Filter{Kinds: []int{kind}})
	}
	return out
}

func eventJSON(kind int, createdAt int64) string {
	ev := nostr.Event{
		ID:        "0000000000000000000000000000000000000000000000000000000000000001",
		PubKey:    "0000000000000000000000000000000000000000000000000000000000000002",
		CreatedAt: nostr.Timestamp(createdAt),
		Kind:      kind,
		Tags:      nostr.Tags{},
		Content:   "hello",
	}
	b, err := ev.MarshalJSON()
	if err != nil {
		panic(err)
	}
	return string(b)
}

// checkInvariants asserts pass accounting, id uniqueness and the byte budget
// on every relay of the pool.
func checkInvariants(t *testing.T, p *OutboxPool) {
	t.Helper()
	for url, c := range p.relays {
		used := c.guardian.OutstandingPasses()
		require.Equal(t, c.transparent.passCount()+c.compaction.passCount(), used, "pass accounting on %s", url)

		seen := make(map[SubID]string)
		passes := make(map[WirePass]string)
		checkPass := func(pass WirePass, owner string) {
			require.Less(t, int(pass), c.guardian.TotalPasses(), "pass %d of %s out of range on %s", pass, owner, url)
			held, ok := c.guardian.Owner(pass)
			require.True(t, ok, "pass %d of %s not held on %s", pass, owner, url)
			require.Equal(t, owner, held, "pass %d owner on %s", pass, url)
		}
		for id, sub := range c.transparent.subs {
			seen[id] = "transparent"
			checkPass(sub.pass, sub.wireID)
			passes[sub.pass] = sub.wireID
		}
		env := c.env(p.subs)
		for _, g := range c.compaction.groups {
			checkPass(g.pass, g.wireID)
			require.NotEmpty(t, g.members, "empty group %s on %s", g.wireID, url)
			require.LessOrEqual(t, c.compaction.groupSize(env, g), c.compaction.maxJSONBytes, "group %s over budget", g.wireID)
			require.LessOrEqual(t, g.sentBytes, c.compaction.maxJSONBytes, "group %s sent over budget", g.wireID)
			_, dup := passes[g.pass]
			require.False(t, dup, "pass %d shared on %s", g.pass, url)
			passes[g.pass] = g.wireID
			for _, id := range g.members {
				where, dup := seen[id]
				require.False(t, dup, "sub %d in %s and %s", id, where, g.wireID)
				seen[id] = g.wireID
			}
		}
	}
}

// newTestEnv wires an engine environment to a connected fake transport.
func newTestEnv(t *testing.T, passes int) (engineEnv, *fakeTransport) {
	t.Helper()
	ft := &fakeTransport{url: "wss://unit.example"}
	timing := websocketTiming{initialReconnect: time.Second, maxReconnect: time.Minute, pingRate: time.Minute}
	ws := newWebsocketRelay(ft.url, ft, timing, clock.NewMock(), logging.Discard(), nil)
	ws.handleOpened()
	return engineEnv{
		ws:       ws,
		guardian: NewSubPassGuardian(passes),
		subs:     make(subscriptions),
		logger:   logging.Discard(),
	}, ft
}

func addSub(env engineEnv, id SubID, filters nostr.Filters) {
	env.subs[id] = newSubscription(id, filters, RelayURLPkg{}, false)
}
