package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBroadcastQueuesWhileDisconnected(t *testing.T) {
	ft := &fakeTransport{}
	ws, _ := newTestRelay(ft)
	cache := &BroadcastCache{}
	b := broadcastRelay{ws: ws, cache: cache}

	b.broadcast([]byte("one"))
	b.broadcast([]byte("two"))
	assert.Equal(t, 2, cache.Len())
	assert.Empty(t, ft.sent)

	ws.connect()
	ws.handleOpened()
	b.broadcast([]byte("three"))
	assert.Equal(t, []string{"one", "two", "three"}, ft.sent, "queued frames go first")
	assert.Equal(t, 0, cache.Len())

	b.broadcast([]byte("four"))
	assert.Equal(t, "four", ft.sent[3])
}

func TestBroadcastClear(t *testing.T) {
	ft := &fakeTransport{}
	ws, _ := newTestRelay(ft)
	cache := &BroadcastCache{}
	b := broadcastRelay{ws: ws, cache: cache}

	b.broadcast([]byte("one"))
	assert.Equal(t, 1, cache.Clear())
	assert.Equal(t, 0, cache.Clear())

	ws.connect()
	ws.handleOpened()
	b.tryFlushQueue()
	assert.Empty(t, ft.sent)
}
