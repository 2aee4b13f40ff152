package relay

// BroadcastCache holds EVENT frames that could not be written yet, oldest first.
type BroadcastCache struct {
	pending [][]byte
}

func (c *BroadcastCache) push(msg []byte) {
	c.pending = append(c.pending, msg)
}

func (c *BroadcastCache) Len() int { return len(c.pending) }

// Clear drops every queued frame and reports how many there were.
func (c *BroadcastCache) Clear() int {
	n := len(c.pending)
	c.pending = nil
	return n
}

// broadcastRelay pairs the cache with the socket it drains into.
type broadcastRelay struct {
	ws    *WebsocketRelay
	cache *BroadcastCache
}

// broadcast writes msg now if the socket is open, otherwise queues it.
func (b broadcastRelay) broadcast(msg []byte) {
	if len(b.cache.pending) == 0 && b.ws.Send(msg) {
		return
	}
	b.cache.push(msg)
	b.tryFlushQueue()
}

// tryFlushQueue sends queued frames in order until one fails. Failed frames
// stay for the next open.
func (b broadcastRelay) tryFlushQueue() {
	for len(b.cache.pending) > 0 {
		if !b.ws.Send(b.cache.pending[0]) {
			return
		}
		b.cache.pending[0] = nil
		b.cache.pending = b.cache.pending[1:]
	}
	b.cache.pending = nil
}
