package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeConn struct {
	readCh    chan []byte
	writes    chan Envelope
	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		readCh: make(chan []byte, 16),
		writes: make(chan Envelope, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data, ok := <-f.readCh:
		if !ok {
			return 0, nil, errors.New("connection reset")
		}
		return 1, data, nil
	case <-f.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (f *fakeConn) WriteJSON(v any) error {
	env, ok := v.(Envelope)
	if !ok {
		return fmt.Errorf("unexpected write type %T", v)
	}
	select {
	case f.writes <- env:
		return nil
	case <-f.closed:
		return errors.New("use of closed connection")
	}
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

// serve pushes a server-sent event frame into the read pump.
func (f *fakeConn) serve(t *testing.T, event string, payload any) {
	t.Helper()
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		data = raw
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	f.readCh <- frame
}

// fakeDialer hands out one fakeConn per dial attempt.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	calls atomic.Int32
}

func (d *fakeDialer) dial(string) (wsConn, error) {
	d.calls.Add(1)
	conn := newFakeConn()
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func TestChannel_EmitBeforeConnect(t *testing.T) {
	ch := NewChannel()

	start := time.Now()
	err := ch.Emit(EventUserOffline, UserRef{UserID: "1"})
	if !errors.Is(err, ErrNotInitialized) {
		t.Errorf("expected ErrNotInitialized, got %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("Emit on uninitialized channel must fail immediately, not hang")
	}
}

func TestChannel_WaitForConnectionTimesOut(t *testing.T) {
	blocked := make(chan struct{})
	defer close(blocked)
	ch := NewChannel(WithDialFunc(func(string) (wsConn, error) {
		<-blocked
		return nil, errors.New("aborted")
	}))
	defer ch.Disconnect()
	ch.Connect("ws://example.invalid")

	start := time.Now()
	if ch.WaitForConnection(200 * time.Millisecond) {
		t.Error("expected false from WaitForConnection on a channel that never connects")
	}
	elapsed := time.Since(start)
	if elapsed < 150*time.Millisecond || elapsed > 2*time.Second {
		t.Errorf("WaitForConnection took %s, expected ~200ms", elapsed)
	}
}

func TestChannel_WaitForConnectionNeverConnected(t *testing.T) {
	ch := NewChannel()
	if ch.WaitForConnection(time.Second) {
		t.Error("expected false before any Connect call")
	}
}

func TestChannel_ConnectAndEmit(t *testing.T) {
	d := &fakeDialer{}
	ch := NewChannel(WithDialFunc(d.dial))
	defer ch.Disconnect()

	ch.Connect("ws://test")
	if !ch.WaitForConnection(time.Second) {
		t.Fatal("channel did not connect")
	}
	if ch.State() != StateConnected {
		t.Errorf("expected connected state, got %s", ch.State())
	}
	if ch.ConnID() == "" {
		t.Error("expected a connection id once connected")
	}

	if err := ch.Emit(EventUserOnline, UserRef{UserID: "7"}); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}

	conn := d.conn(0)
	select {
	case env := <-conn.writes:
		if env.Event != EventUserOnline {
			t.Errorf("expected %s frame, got %s", EventUserOnline, env.Event)
		}
		var ref UserRef
		if err := json.Unmarshal(env.Data, &ref); err != nil {
			t.Fatalf("bad payload: %v", err)
		}
		if ref.UserID != "7" {
			t.Errorf("expected userId 7, got %s", ref.UserID)
		}
	case <-time.After(time.Second):
		t.Fatal("server did not receive emitted frame")
	}
}

func TestChannel_ConnectIdempotent(t *testing.T) {
	d := &fakeDialer{}
	ch := NewChannel(WithDialFunc(d.dial))
	defer ch.Disconnect()

	ch.Connect("ws://test")
	if !ch.WaitForConnection(time.Second) {
		t.Fatal("channel did not connect")
	}
	ch.Connect("ws://test")
	ch.Connect("ws://test")

	time.Sleep(50 * time.Millisecond)
	if got := d.calls.Load(); got != 1 {
		t.Errorf("expected a single dial, got %d", got)
	}
}

func TestChannel_DispatchOrder(t *testing.T) {
	d := &fakeDialer{}
	ch := NewChannel(WithDialFunc(d.dial))
	defer ch.Disconnect()

	var mu sync.Mutex
	var got []string
	ch.On(EventMessageNew, func(data json.RawMessage) {
		var ev NewMessage
		_ = json.Unmarshal(data, &ev)
		mu.Lock()
		got = append(got, ev.Message.Content)
		mu.Unlock()
	})

	ch.Connect("ws://test")
	if !ch.WaitForConnection(time.Second) {
		t.Fatal("channel did not connect")
	}

	conn := d.conn(0)
	for i := 0; i < 5; i++ {
		conn.serve(t, EventMessageNew, map[string]any{
			"conversationId": 1,
			"message":        map[string]any{"id": i, "content": fmt.Sprintf("msg %d", i)},
		})
	}

	deadline := time.After(time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 5 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected 5 events, got %d", n)
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for i, content := range got {
		if content != fmt.Sprintf("msg %d", i) {
			t.Errorf("event %d out of order: %s", i, content)
		}
	}
}

func TestChannel_OffRemovesHandler(t *testing.T) {
	d := &fakeDialer{}
	ch := NewChannel(WithDialFunc(d.dial))
	defer ch.Disconnect()

	var calls atomic.Int32
	id := ch.On(EventUserStatusChanged, func(json.RawMessage) { calls.Add(1) })
	ch.Off(EventUserStatusChanged, id)

	ch.Connect("ws://test")
	if !ch.WaitForConnection(time.Second) {
		t.Fatal("channel did not connect")
	}
	d.conn(0).serve(t, EventUserStatusChanged, StatusChanged{UserID: "1", IsOnline: true})

	time.Sleep(100 * time.Millisecond)
	if calls.Load() != 0 {
		t.Error("removed handler was still invoked")
	}
}

func TestChannel_EmitDuringHandshakeTimesOut(t *testing.T) {
	blocked := make(chan struct{})
	defer close(blocked)
	ch := NewChannel(
		WithDialFunc(func(string) (wsConn, error) {
			<-blocked
			return nil, errors.New("aborted")
		}),
		WithEmitTimeout(100*time.Millisecond),
	)
	defer ch.Disconnect()
	ch.Connect("ws://test")

	start := time.Now()
	err := ch.Emit(EventConversationJoin, ConversationRef{ConversationID: "9", UserID: "1"})
	if !errors.Is(err, ErrConnectTimeout) {
		t.Errorf("expected ErrConnectTimeout, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("emit wait was not bounded by the emit timeout")
	}
}

func TestChannel_ReconnectsAfterDrop(t *testing.T) {
	d := &fakeDialer{}
	ch := NewChannel(WithDialFunc(d.dial))
	defer ch.Disconnect()

	var connects, disconnects atomic.Int32
	ch.On(EventConnect, func(json.RawMessage) { connects.Add(1) })
	ch.On(EventDisconnect, func(json.RawMessage) { disconnects.Add(1) })

	ch.Connect("ws://test")
	if !ch.WaitForConnection(time.Second) {
		t.Fatal("channel did not connect")
	}

	// Drop the first connection and wait out the reconnect backoff.
	close(d.conn(0).readCh)

	deadline := time.After(5 * time.Second)
	for d.calls.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("channel did not redial after connection drop")
		case <-time.After(50 * time.Millisecond):
		}
	}
	if !ch.WaitForConnection(2 * time.Second) {
		t.Fatal("channel did not come back up")
	}

	if connects.Load() < 2 {
		t.Errorf("expected a connect event per connection, got %d", connects.Load())
	}
	if disconnects.Load() < 1 {
		t.Errorf("expected a disconnect event for the drop, got %d", disconnects.Load())
	}
}

func TestChannel_DisconnectClearsListenersAndEmitFails(t *testing.T) {
	d := &fakeDialer{}
	ch := NewChannel(WithDialFunc(d.dial))

	ch.On(EventMessageNew, func(json.RawMessage) {})
	ch.Connect("ws://test")
	if !ch.WaitForConnection(time.Second) {
		t.Fatal("channel did not connect")
	}

	ch.Disconnect()

	if err := ch.Emit(EventUserOffline, UserRef{UserID: "1"}); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("expected ErrNotInitialized after Disconnect, got %v", err)
	}
	if ch.State() != StateDisconnected {
		t.Errorf("expected disconnected state, got %s", ch.State())
	}
	if ch.WaitForConnection(50 * time.Millisecond) {
		t.Error("WaitForConnection should report false after Disconnect")
	}
}
