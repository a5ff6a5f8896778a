// Package ws implements core.SignalConnection over gorilla/websocket, for
// both the dialing and the accepting side.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/sfusignal/internal/core"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

// Options tune one connection. Zero PingPeriod disables keepalive and read
// deadlines.
type Options struct {
	SendBuffer int
	WriteWait  time.Duration
	PingPeriod time.Duration
	ReadLimit  int64
}

func DefaultOptions() Options {
	return Options{
		SendBuffer: 32,
		WriteWait:  5 * time.Second,
		PingPeriod: 54 * time.Second,
		ReadLimit:  32768,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.SendBuffer <= 0 {
		o.SendBuffer = d.SendBuffer
	}
	if o.WriteWait <= 0 {
		o.WriteWait = d.WriteWait
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = d.ReadLimit
	}
	return o
}

// Conn is a buffered websocket connection driven by a read and a write pump.
type Conn struct {
	conn *websocket.Conn
	opts Options
	send chan core.Frame
	done chan struct{}

	mu      sync.RWMutex
	closed  bool
	started bool

	finishOnce sync.Once
}

func newConn(c *websocket.Conn, opts Options) *Conn {
	opts = opts.withDefaults()
	c.SetReadLimit(opts.ReadLimit)
	return &Conn{
		conn: c,
		opts: opts,
		send: make(chan core.Frame, opts.SendBuffer),
		done: make(chan struct{}),
	}
}

// TrySend queues f without blocking.
func (c *Conn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
		return nil
	default:
		return ErrBackpressure
	}
}

// Close flushes queued frames, sends a normal close frame and releases the
// socket. The handler then sees OnClosed(nil).
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.started
	close(c.send)
	c.mu.Unlock()

	if !started {
		return c.conn.Close()
	}
	return nil
}

// Done is closed after OnClosed has been delivered.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Start launches the pumps. Frames are delivered to h from a single goroutine.
func (c *Conn) Start(h core.SignalHandler) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	closed := c.closed
	c.mu.Unlock()

	if closed {
		_ = c.conn.Close()
		c.finish(h, nil)
		return
	}
	go c.writePump()
	go c.readPump(h)
}

func (c *Conn) writePump() {
	var tick <-chan time.Time
	if c.opts.PingPeriod > 0 {
		ticker := time.NewTicker(c.opts.PingPeriod)
		defer ticker.Stop()
		tick = ticker.C
	}
	defer c.conn.Close()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.opts.WriteWait))
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait)); err != nil {
				log.Error().Err(err).Str("module", "ws").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "ws").Msg("writePump write error")
				return
			}
		case <-tick:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteWait)); err != nil {
				log.Warn().Err(err).Str("module", "ws").Msg("writePump ping failed")
				return
			}
		}
	}
}

func (c *Conn) readPump(h core.SignalHandler) {
	if c.opts.PingPeriod > 0 {
		pongWait := c.opts.PingPeriod * 10 / 9
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	var readErr error
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		h.OnMessage(data)
	}

	c.mu.Lock()
	local := c.closed
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()
	_ = c.conn.Close()

	if local || websocket.IsCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		readErr = nil
	} else {
		log.Debug().Err(readErr).Str("module", "ws").Msg("readPump closed abnormally")
	}
	c.finish(h, readErr)
}

func (c *Conn) finish(h core.SignalHandler, err error) {
	c.finishOnce.Do(func() {
		h.OnClosed(err)
		close(c.done)
	})
}

// Dialer opens client-side connections.
type Dialer struct {
	Options Options
	Header  http.Header
}

func NewDialer(opts Options) *Dialer {
	return &Dialer{Options: opts}
}

// Dial connects to url and starts delivering inbound frames to h.
func (d *Dialer) Dial(ctx context.Context, url string, h core.SignalHandler) (core.SignalConnection, error) {
	c, err := d.DialConn(ctx, url, h)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// DialConn is Dial returning the concrete connection.
func (d *Dialer) DialConn(ctx context.Context, url string, h core.SignalHandler) (*Conn, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c := newConn(ws, d.Options)
	c.Start(h)
	return c, nil
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Upgrade accepts a websocket on the server side. The returned Conn is not
// started until the caller supplies a handler.
func Upgrade(w http.ResponseWriter, r *http.Request, opts Options) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("ws upgrade: %w", err)
	}
	return newConn(ws, opts), nil
}
