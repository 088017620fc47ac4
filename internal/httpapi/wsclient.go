package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rebrowse/rebrowse-stream/internal/metrics"
)

const (
	// outboundQueueCap bounds the per-client outbound queue. On overflow the
	// oldest frame is dropped and the newest enqueued, so a lagging viewer
	// loses history but keeps its connection.
	outboundQueueCap = 500

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 20 * time.Second

	maxClientFrameBytes = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // Dev-friendly, secure via proxy in prod
}

var errClientClosed = errors.New("websocket client closed")

// wsClient bridges a hub subscription to a gorilla connection. Send never
// blocks: frames go through the bounded queue and a single writer pump owns
// all writes to the connection.
type wsClient struct {
	id       string
	endpoint string
	conn     *websocket.Conn
	logger   *zap.Logger

	mu     sync.Mutex
	queue  [][]byte
	notify chan struct{}

	closeOnce sync.Once
	done      chan struct{}
}

func newWSClient(conn *websocket.Conn, endpoint string, logger *zap.Logger) *wsClient {
	return &wsClient{
		id:       uuid.NewString(),
		endpoint: endpoint,
		conn:     conn,
		logger:   logger,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// ID implements rrweb.Client.
func (c *wsClient) ID() string { return c.id }

// Send queues a frame for the writer pump. Implements rrweb.Client; a
// non-nil error tells the hub to drop this client.
func (c *wsClient) Send(frame []byte) error {
	select {
	case <-c.done:
		return errClientClosed
	default:
	}
	c.mu.Lock()
	if len(c.queue) >= outboundQueueCap {
		c.queue[0] = nil
		c.queue = c.queue[1:]
		metrics.OutboundQueueDrops.WithLabelValues(c.endpoint).Inc()
	}
	c.queue = append(c.queue, frame)
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

// Close implements rrweb.Client. Idempotent; ends both pumps. The hubs call
// this on teardown, the handlers on request exit.
func (c *wsClient) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *wsClient) closed() <-chan struct{} { return c.done }

// writePump drains the queue onto the connection and keeps the peer alive
// with pings. Returns when the client closes or a write fails.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-c.notify:
			if !c.flush() {
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeWait)); err != nil {
				c.Close()
				return
			}
		}
	}
}

func (c *wsClient) flush() bool {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.mu.Unlock()
			return true
		}
		frame := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]
		c.mu.Unlock()

		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return false
		}
	}
}

// sendJSON marshals and queues a frame, logging marshal failures.
func (c *wsClient) sendJSON(v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("Frame marshal failed", zap.Error(err))
		return
	}
	_ = c.Send(raw)
}

// configureRead applies the shared read-side limits: frame size cap, read
// deadline, and the pong handler that extends it.
func (c *wsClient) configureRead() {
	c.conn.SetReadLimit(maxClientFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// discardReads consumes client frames on endpoints that take no input. It
// keeps pong handling alive and closes the client when the peer goes away.
func (c *wsClient) discardReads() {
	defer c.Close()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
