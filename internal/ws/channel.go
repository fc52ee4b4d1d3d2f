package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	DefaultEmitTimeout = 10 * time.Second

	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

var (
	// ErrNotInitialized is returned by Emit when no connection attempt
	// was ever made (or the channel was torn down). Callers announcing
	// "offline" must treat it as a non-fatal outcome.
	ErrNotInitialized = errors.New("channel not initialized")

	// ErrConnectTimeout is returned when the connection did not come up
	// within the bounded wait.
	ErrConnectTimeout = errors.New("timed out waiting for connection")
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Handler receives the raw payload of one event. Handlers for a given
// connection are invoked serially, in arrival order.
type Handler func(data json.RawMessage)

// Envelope is the wire frame: every message in either direction is an
// event name plus an opaque payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// wsConn is the slice of *websocket.Conn the channel needs; tests plug
// in fakes.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteJSON(v any) error
	Close() error
}

type DialFunc func(url string) (wsConn, error)

func gorillaDial(url string) (wsConn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

type listener struct {
	id int
	fn Handler
}

// Channel owns the single persistent connection to the realtime server.
// It is constructed explicitly and injected into its owner; there is no
// package-level connection state. Reconnection after a drop is
// automatic at the transport level, but not transparent: each
// (re)connection dispatches a synthetic connect event so the owner can
// re-announce presence and re-request snapshots.
type Channel struct {
	emitTimeout time.Duration
	dial        DialFunc
	log         *slog.Logger

	mu          sync.Mutex
	url         string
	state       State
	conn        wsConn
	connID      string
	started     bool
	closed      bool
	doneCh      chan struct{}
	connectedCh chan struct{}
	handlers    map[string][]listener
	nextID      int

	// wmu serializes writers; gorilla allows one concurrent writer.
	wmu sync.Mutex
}

type ChannelOption func(*Channel)

func WithEmitTimeout(d time.Duration) ChannelOption {
	return func(c *Channel) { c.emitTimeout = d }
}

func WithDialFunc(dial DialFunc) ChannelOption {
	return func(c *Channel) { c.dial = dial }
}

func WithChannelLogger(log *slog.Logger) ChannelOption {
	return func(c *Channel) { c.log = log }
}

func NewChannel(opts ...ChannelOption) *Channel {
	c := &Channel{
		emitTimeout: DefaultEmitTimeout,
		dial:        gorillaDial,
		log:         slog.Default(),
		handlers:    make(map[string][]listener),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect opens the connection to the given url. Calling it while a
// connection attempt is live is a no-op. Calling it after Disconnect
// starts a fresh connection lifecycle.
func (c *Channel) Connect(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started && !c.closed {
		return
	}

	c.url = url
	c.started = true
	c.closed = false
	c.state = StateConnecting
	c.doneCh = make(chan struct{})
	c.connectedCh = make(chan struct{})
	if c.handlers == nil {
		c.handlers = make(map[string][]listener)
	}

	go c.run(c.doneCh)
}

// Disconnect tears the connection down, stops reconnection and clears
// all registered listeners. Emit afterwards fails with
// ErrNotInitialized until Connect is called again.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	if c.closed || !c.started {
		c.started = false
		c.closed = true
		c.state = StateDisconnected
		c.handlers = nil
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.started = false
	c.state = StateDisconnected
	c.handlers = nil
	conn := c.conn
	c.conn = nil
	done := c.doneCh
	c.mu.Unlock()

	close(done)
	if conn != nil {
		_ = conn.Close()
	}
	c.log.Info("socket closed")
}

// Emit sends one event to the server. If the connection is mid-handshake
// the call waits, bounded by the emit timeout, for it to come up.
func (c *Channel) Emit(event string, payload any) error {
	c.mu.Lock()
	if !c.started || c.closed {
		c.mu.Unlock()
		return fmt.Errorf("emit %s: %w", event, ErrNotInitialized)
	}
	if c.state != StateConnected {
		connected := c.connectedCh
		done := c.doneCh
		c.mu.Unlock()

		select {
		case <-connected:
		case <-done:
			return fmt.Errorf("emit %s: %w", event, ErrNotInitialized)
		case <-time.After(c.emitTimeout):
			return fmt.Errorf("emit %s: %w", event, ErrConnectTimeout)
		}
		c.mu.Lock()
	}
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		// Connection dropped between the wait and the write.
		return fmt.Errorf("emit %s: %w", event, ErrConnectTimeout)
	}

	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("emit %s: marshal payload: %w", event, err)
		}
		data = raw
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := conn.WriteJSON(Envelope{Event: event, Data: data}); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

// WaitForConnection reports whether the channel came up within the
// timeout. It returns false immediately if Connect was never called.
func (c *Channel) WaitForConnection(timeout time.Duration) bool {
	c.mu.Lock()
	if !c.started || c.closed {
		c.mu.Unlock()
		return false
	}
	if c.state == StateConnected {
		c.mu.Unlock()
		return true
	}
	connected := c.connectedCh
	done := c.doneCh
	c.mu.Unlock()

	select {
	case <-connected:
		return true
	case <-done:
		return false
	case <-time.After(timeout):
		return false
	}
}

// On registers a handler for an event and returns an id for Off.
func (c *Channel) On(event string, h Handler) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handlers == nil {
		c.handlers = make(map[string][]listener)
	}
	c.nextID++
	c.handlers[event] = append(c.handlers[event], listener{id: c.nextID, fn: h})
	return c.nextID
}

// Off removes a previously registered handler.
func (c *Channel) Off(event string, id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ls := c.handlers[event]
	for i, l := range ls {
		if l.id == id {
			c.handlers[event] = append(ls[:i], ls[i+1:]...)
			return
		}
	}
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConnID identifies the current physical connection in logs. It changes
// on every reconnect.
func (c *Channel) ConnID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

func (c *Channel) dispatch(event string, data json.RawMessage) {
	c.mu.Lock()
	ls := make([]listener, len(c.handlers[event]))
	copy(ls, c.handlers[event])
	c.mu.Unlock()

	for _, l := range ls {
		l.fn(data)
	}
}

func (c *Channel) run(done chan struct{}) {
	backoff := initialBackoff
	for {
		select {
		case <-done:
			return
		default:
		}

		conn, err := c.dial(c.url)
		if err != nil {
			c.log.Warn("socket connect failed", "url", c.url, "error", err)
			c.dispatch(EventConnectError, errPayload(err))
			if !c.sleep(backoff, done) {
				return
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = initialBackoff

		connID := uuid.NewString()
		c.mu.Lock()
		if c.closed || c.doneCh != done {
			// Disconnect (or a newer Connect) raced the dial.
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		c.conn = conn
		c.connID = connID
		c.state = StateConnected
		close(c.connectedCh)
		c.mu.Unlock()

		c.log.Info("socket connected", "conn_id", connID)
		c.dispatch(EventConnect, nil)

		err = c.readPump(conn)

		c.mu.Lock()
		if c.closed || c.doneCh != done {
			c.mu.Unlock()
			return
		}
		c.conn = nil
		c.state = StateConnecting
		c.connectedCh = make(chan struct{})
		c.mu.Unlock()

		_ = conn.Close()
		c.log.Info("socket disconnected", "conn_id", connID, "error", err)
		c.dispatch(EventDisconnect, nil)

		if !c.sleep(backoff, done) {
			return
		}
	}
}

func (c *Channel) readPump(conn wsConn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("dropping malformed frame", "error", err)
			continue
		}
		c.dispatch(env.Event, env.Data)
	}
}

func (c *Channel) sleep(d time.Duration, done chan struct{}) bool {
	select {
	case <-time.After(d):
		return true
	case <-done:
		return false
	}
}

func errPayload(err error) json.RawMessage {
	data, merr := json.Marshal(ErrorEvent{Message: err.Error()})
	if merr != nil {
		return nil
	}
	return data
}
