package signaling

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait = 1 * time.Second

	// wsCloseGrace is how long the writer waits for the peer to answer a close
	// frame before dropping the TCP connection.
	wsCloseGrace = 1 * time.Second
)

type closeFrame struct {
	code   int
	reason string
}

// conn is the outbound half of one WebSocket connection. Everything written
// to the client goes through queue and is sent by writePump, so messages
// reach the client in the order they were enqueued.
type conn struct {
	id string
	ws *websocket.Conn

	queue   chan []byte
	closing chan closeFrame

	closeOnce sync.Once
	closed    atomic.Bool

	readDone  chan struct{}
	writeDone chan struct{}
}

func newConn(id string, ws *websocket.Conn, queueSize int) *conn {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &conn{
		id:        id,
		ws:        ws,
		queue:     make(chan []byte, queueSize),
		closing:   make(chan closeFrame, 1),
		readDone:  make(chan struct{}),
		writeDone: make(chan struct{}),
	}
}

// enqueue hands msg to the writer without blocking. ok is false when the
// connection is closing or its queue is full. A full queue also starts a
// close and reports slow.
func (c *conn) enqueue(msg []byte) (ok bool, slow bool) {
	if c.closed.Load() {
		return false, false
	}
	select {
	case c.queue <- msg:
		return true, false
	default:
		c.requestClose(websocket.CloseTryAgainLater, "send queue full")
		return false, true
	}
}

// requestClose asks the writer to flush what is queued, send a close frame
// and hang up. Only the first request counts.
func (c *conn) requestClose(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closing <- closeFrame{code: code, reason: reason}
	})
}

func (c *conn) isClosing() bool { return c.closed.Load() }

func (c *conn) writePump(pingInterval time.Duration) {
	defer close(c.writeDone)

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.queue:
			if err := c.write(msg); err != nil {
				_ = c.ws.Close()
				return
			}
		case f := <-c.closing:
			c.drain()
			_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(f.code, f.reason), time.Now().Add(wsWriteWait))
			select {
			case <-c.readDone:
			case <-time.After(wsCloseGrace):
			}
			_ = c.ws.Close()
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				_ = c.ws.Close()
				return
			}
		}
	}
}

func (c *conn) drain() {
	for {
		select {
		case msg := <-c.queue:
			if err := c.write(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *conn) write(msg []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.ws.WriteMessage(websocket.TextMessage, msg)
}
