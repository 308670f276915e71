package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/broker-stream/internal/auth"
	"github.com/rickgao/broker-stream/internal/connection"
)

const testSecret = "secret"

// fakeBroker is a scriptable WebSocket server speaking the broker stream
// protocol: it verifies auth signatures, acks subscribe/unsubscribe, records
// what each connection subscribed to, and lets tests push data frames.
type fakeBroker struct {
	t *testing.T

	srv       *httptest.Server
	closeOnce sync.Once

	authError     string // reject auth with this error
	silentAuth    bool   // never acknowledge auth
	dropFirstConn bool   // close the first connection right after auth ack

	mu       sync.Mutex
	writeMu  sync.Mutex
	conns    []*websocket.Conn // every upgraded connection, for close
	subs     [][]string        // per-connection subscribe order
	requests []Message         // application ops received

	ready chan *websocket.Conn // connections that completed auth
}

func newFakeBroker(t *testing.T) *fakeBroker {
	b := &fakeBroker{
		t:     t,
		ready: make(chan *websocket.Conn, 8),
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.mu.Lock()
		b.conns = append(b.conns, conn)
		b.subs = append(b.subs, nil)
		idx := len(b.subs)
		b.mu.Unlock()
		b.serve(conn, idx)
	}))
	t.Cleanup(b.close)

	return b
}

func (b *fakeBroker) close() {
	b.closeOnce.Do(func() {
		// httptest.Server.Close never closes hijacked connections, so the
		// live WebSockets must be severed explicitly for clients to notice.
		b.mu.Lock()
		for _, c := range b.conns {
			c.Close()
		}
		b.mu.Unlock()
		b.srv.Close()
	})
}

func (b *fakeBroker) url() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http")
}

func (b *fakeBroker) write(conn *websocket.Conn, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.t.Errorf("marshal server message: %v", err)
		return
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	conn.WriteMessage(websocket.TextMessage, data)
}

// push sends a data frame for a channel.
func (b *fakeBroker) push(conn *websocket.Conn, channel, payload string) {
	b.write(conn, Message{Channel: channel, Data: json.RawMessage(payload)})
}

func (b *fakeBroker) subsFor(connIdx int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if connIdx > len(b.subs) {
		return nil
	}
	out := make([]string, len(b.subs[connIdx-1]))
	copy(out, b.subs[connIdx-1])
	return out
}

func (b *fakeBroker) serve(conn *websocket.Conn, idx int) {
	defer conn.Close()
	creds := auth.Credentials{SecretKey: testSecret}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Op {
		case OpAuth:
			if b.silentAuth {
				continue
			}
			if b.authError != "" {
				b.write(conn, Message{Op: OpAuth, Error: b.authError})
				continue
			}
			if msg.Signature != creds.SignStream(msg.Timestamp, msg.Nonce) {
				b.write(conn, Message{Op: OpAuth, Error: "invalid signature"})
				continue
			}
			b.write(conn, Message{Op: OpAuth})
			if b.dropFirstConn && idx == 1 {
				return
			}
			b.ready <- conn

		case OpSubscribe:
			b.mu.Lock()
			b.subs[idx-1] = append(b.subs[idx-1], msg.Channel)
			b.mu.Unlock()
			b.write(conn, Message{Op: OpSubscribe, Channel: msg.Channel})

		case OpUnsubscribe:
			b.write(conn, Message{Op: OpUnsubscribe, Channel: msg.Channel})

		default:
			// Application op: verify it is signed like a request.
			want := creds.Sign(auth.StreamMethod, "/ws/v1/"+msg.Op, msg.Timestamp, msg.Nonce, auth.HashBody(msg.Data))
			if msg.Signature != want {
				b.write(conn, Message{Op: msg.Op, Error: "invalid signature"})
				continue
			}
			b.mu.Lock()
			b.requests = append(b.requests, msg)
			b.mu.Unlock()
			b.write(conn, Message{Op: msg.Op, Data: json.RawMessage(`{"ok":true}`)})
		}
	}
}

func testSession(t *testing.T, b *fakeBroker, mutate func(*Config)) *Session {
	cfg := DefaultConfig()
	cfg.URL = b.url()
	cfg.Credentials = auth.Credentials{APIKey: "key", SecretKey: testSecret}
	cfg.AuthTimeout = 2 * time.Second
	cfg.ReconnectBaseDelay = 10 * time.Millisecond
	cfg.ReconnectMaxDelay = 100 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}

	s := NewSession(cfg, nil)
	t.Cleanup(func() { s.Close() })
	return s
}

// readyConn waits for a connection that completed authentication.
func readyConn(t *testing.T, b *fakeBroker) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-b.ready:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for authenticated connection")
		return nil
	}
}

func TestSession_ConnectAuthenticates(t *testing.T) {
	b := newFakeBroker(t)

	var mu sync.Mutex
	var states []State
	s := testSession(t, b, func(cfg *Config) {
		cfg.OnStateChange = func(st State) {
			mu.Lock()
			states = append(states, st)
			mu.Unlock()
		}
	})

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if got := s.State(); got != StateReady {
		t.Errorf("State = %s, want ready", got)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateConnecting, StateAuthenticating, StateReady}
	if !reflect.DeepEqual(states, want) {
		t.Errorf("state transitions = %v, want %v", states, want)
	}
}

func TestSession_ConnectDialFailure(t *testing.T) {
	b := newFakeBroker(t)
	s := testSession(t, b, nil)
	b.close()

	err := s.Connect(context.Background())
	if err == nil {
		t.Fatal("expected connect error")
	}
	if got := s.State(); got != StateDisconnected {
		t.Errorf("State = %s, want disconnected", got)
	}
}

func TestSession_AuthRejected(t *testing.T) {
	b := newFakeBroker(t)
	b.authError = "key disabled"
	s := testSession(t, b, nil)

	err := s.Connect(context.Background())

	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if authErr.Reason != "key disabled" {
		t.Errorf("Reason = %q, want %q", authErr.Reason, "key disabled")
	}
	if got := s.State(); got != StateClosed {
		t.Errorf("State = %s, want closed", got)
	}
}

func TestSession_AuthTimeout(t *testing.T) {
	b := newFakeBroker(t)
	b.silentAuth = true
	s := testSession(t, b, func(cfg *Config) {
		cfg.AuthTimeout = 100 * time.Millisecond
	})

	err := s.Connect(context.Background())
	if !errors.Is(err, ErrAuthTimeout) {
		t.Fatalf("expected ErrAuthTimeout, got %v", err)
	}
	if got := s.State(); got != StateClosed {
		t.Errorf("State = %s, want closed", got)
	}
}

func TestSession_SubscribeDeliversInRegistrationOrder(t *testing.T) {
	b := newFakeBroker(t)
	s := testSession(t, b, nil)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	conn := readyConn(t, b)

	var mu sync.Mutex
	var calls []string
	invoked := make(chan struct{}, 4)

	handler := func(name string) Handler {
		return func(msg Message) error {
			mu.Lock()
			calls = append(calls, name)
			mu.Unlock()
			invoked <- struct{}{}
			return nil
		}
	}

	if err := s.Subscribe("ticker", handler("first")); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := s.Subscribe("ticker", handler("second")); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	b.push(conn, "ticker", `{"price":"1.23"}`)

	for i := 0; i < 2; i++ {
		select {
		case <-invoked:
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout: %d of 2 handlers invoked", i)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if !reflect.DeepEqual(calls, []string{"first", "second"}) {
		t.Errorf("calls = %v, want [first second]", calls)
	}

	// Only one wire subscription per channel regardless of handler count.
	// Handler invocation does not order with the broker's read of the
	// subscribe frame, so wait for it to arrive before asserting.
	waitFor(t, func() bool { return len(b.subsFor(1)) >= 1 }, "wire subscribe to arrive")
	if got := b.subsFor(1); !reflect.DeepEqual(got, []string{"ticker"}) {
		t.Errorf("wire subscribes = %v, want [ticker]", got)
	}
}

func TestSession_UnsubscribeRemovesAllHandlers(t *testing.T) {
	b := newFakeBroker(t)
	s := testSession(t, b, nil)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	conn := readyConn(t, b)

	var alphaCount int
	var mu sync.Mutex
	barrier := make(chan struct{}, 1)

	s.Subscribe("alpha", func(msg Message) error {
		mu.Lock()
		alphaCount++
		mu.Unlock()
		return nil
	})
	s.Subscribe("beta", func(msg Message) error {
		barrier <- struct{}{}
		return nil
	})

	if err := s.Unsubscribe("alpha"); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}

	// The beta message acts as an ordering barrier: once it is delivered,
	// the alpha message has already been through dispatch.
	b.push(conn, "alpha", `{"n":1}`)
	b.push(conn, "beta", `{"n":2}`)

	select {
	case <-barrier:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for beta delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	if alphaCount != 0 {
		t.Errorf("alpha handlers invoked %d times after unsubscribe, want 0", alphaCount)
	}
}

func TestSession_HandlerFailureIsIsolated(t *testing.T) {
	b := newFakeBroker(t)
	s := testSession(t, b, nil)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	conn := readyConn(t, b)

	delivered := make(chan struct{}, 4)

	s.Subscribe("ticker", func(msg Message) error {
		panic("handler exploded")
	})
	s.Subscribe("ticker", func(msg Message) error {
		delivered <- struct{}{}
		return errors.New("also failing, also non-fatal")
	})

	// Two messages: the panicking handler must not prevent the second
	// handler from running, nor delivery of the next message.
	b.push(conn, "ticker", `{"n":1}`)
	b.push(conn, "ticker", `{"n":2}`)

	for i := 0; i < 2; i++ {
		select {
		case <-delivered:
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout: %d of 2 messages delivered", i)
		}
	}
}

func TestSession_SubscribeBeforeConnectIsReplayed(t *testing.T) {
	b := newFakeBroker(t)
	s := testSession(t, b, nil)

	// Registry mutation does not require a connection.
	if err := s.Subscribe("alpha", nopHandler); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := s.Subscribe("beta", nopHandler); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	readyConn(t, b)

	waitFor(t, func() bool {
		return reflect.DeepEqual(b.subsFor(1), []string{"alpha", "beta"})
	}, "deferred subscriptions replayed in order")
}

func TestSession_ReconnectResubscribes(t *testing.T) {
	b := newFakeBroker(t)
	b.dropFirstConn = true
	s := testSession(t, b, nil)

	s.Subscribe("alpha", nopHandler)
	s.Subscribe("beta", nopHandler)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// First connection was dropped by the server right after auth; the
	// session must reconnect and replay exactly one subscribe per channel
	// in registry order on the second connection.
	readyConn(t, b)

	waitFor(t, func() bool {
		return reflect.DeepEqual(b.subsFor(2), []string{"alpha", "beta"})
	}, "resubscription after reconnect")

	waitFor(t, func() bool { return s.State() == StateReady }, "session ready after reconnect")
}

func TestSession_MaxReconnectExceeded(t *testing.T) {
	b := newFakeBroker(t)
	s := testSession(t, b, func(cfg *Config) {
		cfg.MaxReconnectAttempts = 2
		cfg.ReconnectBaseDelay = 5 * time.Millisecond
	})

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	readyConn(t, b)

	// Kill the server: the live connection drops and every reconnect
	// attempt fails to dial.
	b.close()

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for terminal failure")
	}

	if err := s.Err(); !errors.Is(err, ErrMaxReconnect) {
		t.Errorf("Err = %v, want ErrMaxReconnect", err)
	}
	if got := s.State(); got != StateClosed {
		t.Errorf("State = %s, want closed", got)
	}
}

func TestSession_CloseClearsRegistryAndIsIdempotent(t *testing.T) {
	b := newFakeBroker(t)
	s := testSession(t, b, nil)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	readyConn(t, b)

	s.Subscribe("alpha", nopHandler)
	s.Subscribe("beta", nopHandler)

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}

	if got := s.State(); got != StateClosed {
		t.Errorf("State = %s, want closed", got)
	}
	if s.subs.len() != 0 {
		t.Errorf("registry has %d channels after Close, want 0", s.subs.len())
	}
	if err := s.Subscribe("gamma", nopHandler); !errors.Is(err, ErrClosed) {
		t.Errorf("Subscribe after Close = %v, want ErrClosed", err)
	}

	select {
	case <-s.Done():
	default:
		t.Error("Done should be closed after Close")
	}
	if err := s.Err(); err != nil {
		t.Errorf("Err after explicit Close = %v, want nil", err)
	}
}

func TestSession_RequestSignedAndAcknowledged(t *testing.T) {
	b := newFakeBroker(t)

	responses := make(chan Message, 1)
	s := testSession(t, b, func(cfg *Config) {
		cfg.OnResponse = func(msg Message) {
			responses <- msg
		}
	})

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	readyConn(t, b)

	payload := map[string]string{"from": "TRX", "to": "USDT", "amount": "10"}
	if err := s.Request("estimate", payload); err != nil {
		t.Fatalf("Request failed: %v", err)
	}

	select {
	case resp := <-responses:
		if resp.Op != "estimate" {
			t.Errorf("response op = %q, want estimate", resp.Op)
		}
		if resp.Error != "" {
			t.Errorf("response error = %q (signature rejected?)", resp.Error)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for request acknowledgement")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.requests) != 1 {
		t.Fatalf("server accepted %d requests, want 1", len(b.requests))
	}
	if b.requests[0].Nonce == "" || b.requests[0].Timestamp == 0 {
		t.Error("request missing nonce or timestamp")
	}
}

func TestSession_RequestNotReady(t *testing.T) {
	b := newFakeBroker(t)
	s := testSession(t, b, nil)

	err := s.Request("balances", nil)
	if err == nil {
		t.Fatal("expected error when not connected")
	}
}

func TestBackoffDelay(t *testing.T) {
	base := time.Second
	max := 60 * time.Second

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
		{7, 60 * time.Second}, // capped
	}

	for _, tt := range tests {
		if got := backoffDelay(base, max, tt.attempt); got != tt.want {
			t.Errorf("backoffDelay(attempt=%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}

	if got := backoffDelay(base, 0, 10); got != 512*time.Second {
		t.Errorf("uncapped backoffDelay(10) = %v, want 512s", got)
	}
}

// scriptedConn is an in-process connection.Client whose behavior is driven
// by onSend. It gives tests exact control over frame timing, which the
// real server harness cannot.
type scriptedConn struct {
	mu           sync.Mutex
	frames       chan connection.Frame
	errs         chan error
	sent         []Message
	closed       bool
	framesClosed bool
	onSend       func(c *scriptedConn, msg Message)
}

func newScriptedConn() *scriptedConn {
	return &scriptedConn{
		frames: make(chan connection.Frame, 16),
		errs:   make(chan error, 1),
	}
}

func (c *scriptedConn) Connect(context.Context) error { return nil }

func (c *scriptedConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *scriptedConn) Send(data []byte) error {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	c.mu.Lock()
	c.sent = append(c.sent, msg)
	onSend := c.onSend
	c.mu.Unlock()
	if onSend != nil {
		onSend(c, msg)
	}
	return nil
}

func (c *scriptedConn) Frames() <-chan connection.Frame { return c.frames }
func (c *scriptedConn) Errors() <-chan error            { return c.errs }

func (c *scriptedConn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// push delivers a frame unless the frame channel is already closed.
func (c *scriptedConn) push(msg Message) {
	data, _ := json.Marshal(msg)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.framesClosed {
		return
	}
	c.frames <- connection.Frame{Data: data, ReceivedAt: time.Now()}
}

// dropFrames closes the frame channel, simulating the read pump exiting.
func (c *scriptedConn) dropFrames() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.framesClosed {
		return
	}
	c.framesClosed = true
	close(c.frames)
}

func (c *scriptedConn) sentChannels(op string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, m := range c.sent {
		if m.Op == op {
			out = append(out, m.Channel)
		}
	}
	return out
}

// The connection dies in the same instant the auth ack arrives: the frame
// channel is closed before the session can possibly transition to Ready.
// The session must not settle into Ready with a dead transport; it must
// re-dial and end up Ready on the replacement connection.
func TestSession_DropRightAfterAuthAckReconnects(t *testing.T) {
	var mu sync.Mutex
	var dials int
	var conns []*scriptedConn

	cfg := DefaultConfig()
	cfg.Credentials = auth.Credentials{APIKey: "key", SecretKey: testSecret}
	cfg.ReconnectBaseDelay = 5 * time.Millisecond
	cfg.ReconnectMaxDelay = 50 * time.Millisecond

	s := NewSession(cfg, nil)
	t.Cleanup(func() { s.Close() })

	s.dial = func(ctx context.Context) (connection.Client, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		dieAfterAck := dials == 1

		c := newScriptedConn()
		c.onSend = func(c *scriptedConn, msg Message) {
			switch msg.Op {
			case OpAuth:
				c.push(Message{Op: OpAuth})
				if dieAfterAck {
					c.dropFrames()
				}
			case OpSubscribe:
				c.push(Message{Op: OpSubscribe, Channel: msg.Channel})
			}
		}
		conns = append(conns, c)
		return c, nil
	}

	if err := s.Subscribe("alpha", nopHandler); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		d := dials
		mu.Unlock()
		return d >= 2 && s.State() == StateReady
	}, "redial and ready after post-ack drop")

	mu.Lock()
	second := conns[1]
	mu.Unlock()

	waitFor(t, func() bool {
		return reflect.DeepEqual(second.sentChannels(OpSubscribe), []string{"alpha"})
	}, "subscription replay on the replacement connection")
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}
