package relay

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
)

type websocketTiming struct {
	initialReconnect time.Duration
	maxReconnect     time.Duration
	pingRate         time.Duration
}

// WebsocketRelay drives one Transport through
// Disconnected -> Connecting -> Connected -> Disconnected and owns the
// reconnect backoff. Reconnects happen lazily, from TryRecv or KeepalivePing,
// once the deadline has passed.
type WebsocketRelay struct {
	url    string
	conn   Transport
	status RelayStatus

	clock  clock.Clock
	timing websocketTiming

	retryAfter       time.Duration
	reconnectAttempt int
	reconnectAt      time.Time
	lastPing         time.Time
	closed           bool

	logger  *slog.Logger
	metrics *Metrics
}

func newWebsocketRelay(url string, conn Transport, timing websocketTiming, clk clock.Clock, logger *slog.Logger, metrics *Metrics) *WebsocketRelay {
	return &WebsocketRelay{
		url:        url,
		conn:       conn,
		status:     RelayDisconnected,
		clock:      clk,
		timing:     timing,
		retryAfter: timing.initialReconnect,
		lastPing:   clk.Now(),
		logger:     logger,
		metrics:    metrics,
	}
}

// URL is the normalized relay URL this socket dials.
func (w *WebsocketRelay) URL() string { return w.url }

func (w *WebsocketRelay) Status() RelayStatus { return w.status }

func (w *WebsocketRelay) IsConnected() bool { return w.status == RelayConnected }

// connect starts a dial. A transport that refuses to even start dialing is
// treated like a failed connection.
func (w *WebsocketRelay) connect() {
	w.status = RelayConnecting
	w.reconnectAttempt++
	w.logger.Debug("connecting", "attempt", w.reconnectAttempt)
	if err := w.conn.Connect(); err != nil {
		w.logger.Error("could not start websocket dial", "error", err)
		w.handleDisconnect()
	}
}

func (w *WebsocketRelay) reconnectDue() bool {
	return !w.closed && w.status == RelayDisconnected && !w.clock.Now().Before(w.reconnectAt)
}

// TryRecv redials when the reconnect deadline has passed, then returns the
// next queued transport event, if any.
func (w *WebsocketRelay) TryRecv() (WsEvent, bool) {
	if w.reconnectDue() {
		w.metrics.reconnect(w.url)
		w.connect()
	}
	return w.conn.TryRecv()
}

// Send writes a frame when connected. Frames are dropped otherwise; engines
// replay their state when the socket opens.
func (w *WebsocketRelay) Send(frame []byte) bool {
	if !w.IsConnected() {
		return false
	}
	if err := w.conn.SendText(frame); err != nil {
		w.logger.Error("websocket write failed", "error", err)
		w.handleDisconnect()
		return false
	}
	return true
}

func (w *WebsocketRelay) sendPong(data []byte) {
	if err := w.conn.SendPong(data); err != nil {
		w.logger.Debug("pong failed", "error", err)
	}
}

func (w *WebsocketRelay) handleOpened() {
	w.status = RelayConnected
	w.reconnectAttempt = 0
	w.retryAfter = w.timing.initialReconnect
	w.lastPing = w.clock.Now()
	w.logger.Info("relay connected")
}

// handleDisconnect schedules the next dial and doubles the delay after it.
func (w *WebsocketRelay) handleDisconnect() {
	if w.status == RelayDisconnected {
		return
	}
	w.status = RelayDisconnected
	w.reconnectAt = w.clock.Now().Add(w.retryAfter)
	w.logger.Debug("relay disconnected", "retry_in", w.retryAfter)
	w.retryAfter = min(w.retryAfter*2, w.timing.maxReconnect)
}

// KeepalivePing pings a connected relay at most every ping rate and redials a
// disconnected one whose deadline passed. Safe to call in any state.
func (w *WebsocketRelay) KeepalivePing() {
	now := w.clock.Now()
	switch w.status {
	case RelayDisconnected:
		if w.reconnectDue() {
			w.metrics.reconnect(w.url)
			w.connect()
		}
	case RelayConnected:
		if now.Sub(w.lastPing) < w.timing.pingRate {
			return
		}
		w.lastPing = now
		if err := w.conn.Ping(); err != nil {
			w.logger.Error("keepalive ping failed", "error", err)
			w.handleDisconnect()
		}
	}
}

func (w *WebsocketRelay) close() error {
	w.status = RelayDisconnected
	w.closed = true
	return w.conn.Close()
}
