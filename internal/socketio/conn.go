package socketio

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"render-realtime/internal/metrics"
)

var (
	errConnClosed   = errors.New("connection closed")
	errSlowConsumer = errors.New("outbound queue full")
)

// conn is one admitted or pending Socket.IO transport. All writes go through
// the send queue; writePump is the only goroutine touching the socket writer.
type conn struct {
	ws  *websocket.Conn
	sid string
	log zerolog.Logger

	// authorization is the upgrade request's Authorization header.
	authorization string

	// userID is written once before connected is set and never changes.
	userID    string
	connected atomic.Bool
	rejected  atomic.Bool

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	writeTimeout time.Duration

	pingMu       sync.Mutex
	awaitingPong bool
	pingSentAt   time.Time
	nextPingAt   time.Time
}

// closeFrame is queued after a final packet to close the transport once that
// packet has been written.
var closeFrame []byte

func newConn(ws *websocket.Conn, authorization string, opts Options, log zerolog.Logger) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	sid := uuid.NewString()
	return &conn{
		ws:            ws,
		sid:           sid,
		log:           log.With().Str("sid", sid).Logger(),
		authorization: authorization,
		send:          make(chan []byte, opts.SendQueue),
		done:          make(chan struct{}),
		ctx:           ctx,
		cancel:        cancel,
		writeTimeout:  opts.WriteTimeout,
		nextPingAt:    time.Now().Add(opts.PingInterval),
	}
}

func (c *conn) ID() string     { return c.sid }
func (c *conn) UserID() string { return c.userID }

func (c *conn) Alive() bool {
	if !c.connected.Load() {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Emit queues a server event without blocking. A full queue closes the
// connection.
func (c *conn) Emit(event string, payload any) error {
	if !c.Alive() {
		return errConnClosed
	}
	packet, err := buildSocketEventPacket("/", event, payload)
	if err != nil {
		return errors.Wrapf(err, "encode %s", event)
	}
	return c.enqueue(packet)
}

func (c *conn) enqueue(msg []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return errConnClosed
	default:
		metrics.SlowConsumerDrops.Inc()
		c.log.Warn().Int("queue", cap(c.send)).Msg("slow consumer, closing connection")
		c.close()
		return errSlowConsumer
	}
}

// finish writes msg and then closes the transport.
func (c *conn) finish(msg []byte) {
	if c.enqueue(msg) != nil {
		return
	}
	_ = c.enqueue(closeFrame)
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()
		_ = c.ws.Close()
	})
}

func (c *conn) writeText(msg []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, msg)
}

func (c *conn) writePump() {
	defer c.close()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if msg == nil {
				_ = c.ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(c.writeTimeout))
				return
			}
			if err := c.writeText(msg); err != nil {
				return
			}
		}
	}
}

func (c *conn) readLoop(onMessage func(string)) {
	defer c.close()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		onMessage(string(data))
	}
}

func (c *conn) pingLoop(interval, timeout time.Duration) {
	tick := interval / 5
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			c.pingMu.Lock()
			if c.awaitingPong && now.Sub(c.pingSentAt) > timeout {
				c.pingMu.Unlock()
				c.log.Debug().Msg("pong timeout")
				c.close()
				return
			}
			if !c.awaitingPong && !now.Before(c.nextPingAt) {
				c.awaitingPong = true
				c.pingSentAt = now
				c.nextPingAt = now.Add(interval)
				c.pingMu.Unlock()
				_ = c.enqueue([]byte{byte(enginePing)})
				continue
			}
			c.pingMu.Unlock()
		}
	}
}

func (c *conn) markPong() {
	c.pingMu.Lock()
	c.awaitingPong = false
	c.pingMu.Unlock()
}
