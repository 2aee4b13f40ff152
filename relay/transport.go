package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WsEventKind classifies what a transport surfaced.
type WsEventKind int

const (
	WsOpened WsEventKind = iota
	WsClosed
	WsError
	WsText
	WsPing
)

func (k WsEventKind) String() string {
	switch k {
	case WsOpened:
		return "opened"
	case WsClosed:
		return "closed"
	case WsError:
		return "error"
	case WsText:
		return "text"
	case WsPing:
		return "ping"
	default:
		return "unknown"
	}
}

// WsEvent is one item read off a transport.
type WsEvent struct {
	Kind WsEventKind
	Data []byte
	Err  error
}

// Transport is a single relay websocket. Connect starts dialing and returns
// without waiting; everything the socket produces afterwards, including the
// outcome of the dial, comes back through TryRecv, which never blocks.
type Transport interface {
	Connect() error
	TryRecv() (WsEvent, bool)
	SendText(data []byte) error
	SendPong(data []byte) error
	Ping() error
	Close() error
}

// Dialer builds the transport for a normalized relay URL.
type Dialer func(url string) Transport

var (
	errNotConnected    = errors.New("websocket not connected")
	errTransportClosed = errors.New("transport closed")
)

const transportQueueSize = 1024

type taggedEvent struct {
	gen uint64
	ev  WsEvent
}

// gorillaTransport runs the dial and the read loop on their own goroutines and
// hands frames over a buffered channel.
type gorillaTransport struct {
	url          string
	dialer       *websocket.Dialer
	dialTimeout  time.Duration
	writeTimeout time.Duration
	logger       *slog.Logger

	events chan taggedEvent

	mu     sync.Mutex
	conn   *websocket.Conn
	gen    uint64
	cancel context.CancelFunc
	closed bool

	writeMu sync.Mutex
}

// NewGorillaDialer returns a Dialer backed by gorilla/websocket.
func NewGorillaDialer(dialTimeout, writeTimeout time.Duration, logger *slog.Logger) Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	return func(url string) Transport {
		return &gorillaTransport{
			url: url,
			dialer: &websocket.Dialer{
				HandshakeTimeout: dialTimeout,
			},
			dialTimeout:  dialTimeout,
			writeTimeout: writeTimeout,
			logger:       logger.With("relay", url),
			events:       make(chan taggedEvent, transportQueueSize),
		}
	}
}

func (t *gorillaTransport) Connect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return errTransportClosed
	}
	t.dropConnLocked()

	t.gen++
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	go t.dial(ctx, t.gen)
	return nil
}

// dropConnLocked tears down the current connection, if any. Events it still
// produces carry an old generation and are ignored.
func (t *gorillaTransport) dropConnLocked() {
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
}

func (t *gorillaTransport) dial(ctx context.Context, gen uint64) {
	dialCtx, cancel := context.WithTimeout(ctx, t.dialTimeout)
	conn, _, err := t.dialer.DialContext(dialCtx, t.url, nil)
	cancel()
	if err != nil {
		t.push(ctx, gen, WsEvent{Kind: WsError, Err: err})
		return
	}

	t.mu.Lock()
	if t.closed || t.gen != gen {
		t.mu.Unlock()
		conn.Close()
		return
	}
	t.conn = conn
	t.mu.Unlock()

	conn.SetPingHandler(func(data string) error {
		t.push(ctx, gen, WsEvent{Kind: WsPing, Data: []byte(data)})
		return nil
	})

	t.push(ctx, gen, WsEvent{Kind: WsOpened})
	t.readLoop(ctx, gen, conn)
}

// readLoop continuously reads from the connection and queues text frames
func (t *gorillaTransport) readLoop(ctx context.Context, gen uint64, conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.push(ctx, gen, WsEvent{Kind: WsClosed})
			} else {
				t.push(ctx, gen, WsEvent{Kind: WsError, Err: err})
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if !t.push(ctx, gen, WsEvent{Kind: WsText, Data: data}) {
			return
		}
	}
}

func (t *gorillaTransport) push(ctx context.Context, gen uint64, ev WsEvent) bool {
	select {
	case t.events <- taggedEvent{gen: gen, ev: ev}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (t *gorillaTransport) TryRecv() (WsEvent, bool) {
	for {
		select {
		case te := <-t.events:
			t.mu.Lock()
			current := te.gen == t.gen && !t.closed
			t.mu.Unlock()
			if !current {
				continue
			}
			return te.ev, true
		default:
			return WsEvent{}, false
		}
	}
}

func (t *gorillaTransport) currentConn() (*websocket.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errTransportClosed
	}
	if t.conn == nil {
		return nil, errNotConnected
	}
	return t.conn, nil
}

// SendText sends a message on the connection with a timeout
func (t *gorillaTransport) SendText(data []byte) error {
	conn, err := t.currentConn()
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	// Set write deadline to prevent indefinite blocking
	conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	defer conn.SetWriteDeadline(time.Time{})

	return conn.WriteMessage(websocket.TextMessage, data)
}

func (t *gorillaTransport) SendPong(data []byte) error {
	conn, err := t.currentConn()
	if err != nil {
		return err
	}
	return conn.WriteControl(websocket.PongMessage, data, time.Now().Add(t.writeTimeout))
}

func (t *gorillaTransport) Ping() error {
	conn, err := t.currentConn()
	if err != nil {
		return err
	}
	return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeTimeout))
}

func (t *gorillaTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}

	var err error
	if t.conn != nil {
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if werr := t.conn.WriteControl(websocket.CloseMessage, msg, deadline); werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
			t.logger.Debug("close frame not sent", "error", werr)
		}
		err = t.conn.Close()
		t.conn = nil
	}
	return err
}
