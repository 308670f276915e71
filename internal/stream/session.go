package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/broker-stream/internal/auth"
	"github.com/rickgao/broker-stream/internal/connection"
)

// Session manages one logical streaming connection to the broker: the
// authentication handshake, subscription state, reconnection with backoff,
// and message routing to handlers.
//
// A Session owns at most one live transport connection. All exported
// methods are safe for concurrent use.
type Session struct {
	cfg    Config
	logger *slog.Logger

	// dial opens a fresh transport connection. Replaced in tests.
	dial func(ctx context.Context) (connection.Client, error)

	subs *registry

	mu         sync.Mutex
	state      State
	conn       connection.Client
	deadConn   connection.Client // conn that died mid-handshake; consumed by establish
	attempts   int
	closed     bool
	authed     chan struct{} // pending auth ack; nil outside the handshake
	authErr    string
	ctx        context.Context
	cancel     context.CancelFunc
	dispatch   chan Message
	done       chan struct{}
	doneClosed bool
	termErr    error

	wg sync.WaitGroup
}

// NewSession creates a session. It does not connect; call Connect.
func NewSession(cfg Config, logger *slog.Logger) *Session {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	s := &Session{
		cfg:    cfg,
		logger: logger,
		subs:   newRegistry(),
		state:  StateDisconnected,
		done:   make(chan struct{}),
	}

	s.dial = func(ctx context.Context) (connection.Client, error) {
		conn := connection.NewClient(connection.Config{
			URL:              cfg.URL,
			HandshakeTimeout: 10 * time.Second,
			PingTimeout:      cfg.PingTimeout,
			WriteTimeout:     cfg.WriteTimeout,
			BufferSize:       cfg.FrameBuffer,
		}, logger)
		if err := conn.Connect(ctx); err != nil {
			return nil, err
		}
		return conn, nil
	}

	return s
}

// Connect opens the transport and performs the authentication handshake.
// On success the session is Ready and previously registered subscriptions
// have been replayed. If the connection drops in the instant between the
// auth acknowledgement and the Ready transition, Connect still returns nil
// and the session is already Reconnecting.
//
// A failure to open the transport leaves the session Disconnected and the
// registry untouched. An authentication failure on this initial connect is
// terminal: the session transitions to Closed. After Closed, Connect may be
// called again to restart the session from scratch.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateDisconnected, StateClosed:
	default:
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("connect not allowed from state %s", st)
	}
	s.closed = false
	s.attempts = 0
	s.termErr = nil
	s.doneClosed = false
	s.done = make(chan struct{})
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.dispatch = make(chan Message, s.cfg.DispatchBuffer)
	sctx, dispatch := s.ctx, s.dispatch
	s.state = StateConnecting
	s.mu.Unlock()
	s.notifyState(StateConnecting)

	s.wg.Add(1)
	go s.dispatchLoop(sctx, dispatch)

	if err := s.establish(ctx, sctx, dispatch); err != nil {
		var authErr *AuthError
		if errors.As(err, &authErr) || errors.Is(err, ErrAuthTimeout) {
			s.shutdown(err)
			return err
		}
		// Transport never opened (or handshake send failed): back to
		// Disconnected so the caller may retry. Registry is untouched.
		s.cancelGeneration()
		s.setState(StateDisconnected)
		return err
	}
	return nil
}

// Subscribe registers a handler for a channel. The registration is applied
// immediately regardless of connection state: if the session is not Ready
// the wire subscription is deferred and replayed on the next successful
// authentication instead of being dropped.
func (s *Session) Subscribe(channel string, h Handler) error {
	if channel == "" {
		return errors.New("channel is required")
	}
	if h == nil {
		return errors.New("handler is required")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	first := s.subs.add(channel, h)
	conn, ready := s.conn, s.state == StateReady
	s.mu.Unlock()

	if !ready {
		s.logger.Debug("subscription deferred until ready", "channel", channel)
		return nil
	}
	if !first {
		// Channel already subscribed on the wire; only the local handler
		// list grew.
		return nil
	}
	if err := s.sendControl(conn, Message{Op: OpSubscribe, Channel: channel}); err != nil {
		// The connection is failing; the read loop will notice, and the
		// registry entry is replayed on reconnect.
		s.logger.Warn("subscribe send failed", "channel", channel, "error", err)
	}
	return nil
}

// Unsubscribe removes the channel and all of its handlers. The protocol has
// no per-handler removal.
func (s *Session) Unsubscribe(channel string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	existed := s.subs.remove(channel)
	conn, ready := s.conn, s.state == StateReady
	s.mu.Unlock()

	if !existed || !ready {
		return nil
	}
	if err := s.sendControl(conn, Message{Op: OpUnsubscribe, Channel: channel}); err != nil {
		s.logger.Warn("unsubscribe send failed", "channel", channel, "error", err)
	}
	return nil
}

// Request sends a signed application operation (balances, estimate, swap,
// order_status, ...) over the stream. The payload is opaque to the session;
// acknowledgements are observable via Config.OnResponse.
func (s *Session) Request(op string, data any) error {
	if op == "" {
		return errors.New("op is required")
	}

	var body json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", op, err)
		}
		body = b
	}

	s.mu.Lock()
	closed := s.closed
	conn, ready := s.conn, s.state == StateReady
	s.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if !ready {
		return connection.ErrNotConnected
	}

	ts := time.Now().UnixMilli()
	nonce := auth.Nonce()
	msg := Message{
		Op:        op,
		Timestamp: ts,
		Nonce:     nonce,
		Signature: s.cfg.Credentials.Sign(auth.StreamMethod, "/ws/v1/"+op, ts, nonce, auth.HashBody(body)),
		Data:      body,
	}
	return s.sendControl(conn, msg)
}

// Close tears the session down: stops the read and dispatch loops, clears
// the subscription registry, and closes the transport. Idempotent. Unlike a
// transient connection loss, explicit close discards the desired state.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.state = StateClosed
	conn := s.conn
	s.conn = nil
	cancel := s.cancel
	s.subs.clear()
	s.closeDoneLocked(nil)
	s.mu.Unlock()
	s.notifyState(StateClosed)

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	return nil
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed when the session terminates, either by explicit Close or
// by a terminal failure. Err reports the cause.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Err returns the terminal failure, if any. Nil after an explicit Close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.termErr
}

// establish dials, authenticates, and on success transitions to Ready and
// replays the subscription registry. dialCtx bounds the dial and handshake;
// sctx is the session lifetime.
func (s *Session) establish(dialCtx, sctx context.Context, dispatch chan Message) error {
	conn, err := s.dial(dialCtx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	authed := make(chan struct{})
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	s.conn = conn
	s.deadConn = nil
	s.authed = authed
	s.authErr = ""
	s.state = StateAuthenticating
	s.mu.Unlock()
	s.notifyState(StateAuthenticating)

	// The read loop must be running before the auth message goes out, or
	// the acknowledgement could be missed.
	s.wg.Add(1)
	go s.readLoop(sctx, conn, dispatch)

	if err := s.sendAuth(conn); err != nil {
		conn.Close()
		return fmt.Errorf("send auth: %w", err)
	}

	select {
	case <-authed:
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return ErrClosed
		}
		if reason := s.authErr; reason != "" {
			s.mu.Unlock()
			conn.Close()
			return &AuthError{Reason: reason}
		}
		if s.deadConn == conn {
			// The connection died between the auth ack and here; the read
			// loop already exited, so a Ready transition would strand the
			// session. Go straight to Reconnecting instead. Attempts are
			// not reset: the session never reached a usable Ready, and the
			// ceiling must still bound a server that drops every
			// connection right after acknowledging auth.
			s.deadConn = nil
			s.conn = nil
			s.state = StateReconnecting
			s.mu.Unlock()
			s.notifyState(StateReconnecting)
			conn.Close()

			s.logger.Warn("connection died immediately after auth ack, reconnecting")

			s.wg.Add(1)
			go s.reconnectLoop(sctx, dispatch)
			return nil
		}
		s.attempts = 0
		s.state = StateReady
		channels := s.subs.channels()
		s.mu.Unlock()
		s.notifyState(StateReady)

		for _, ch := range channels {
			if err := s.sendControl(conn, Message{Op: OpSubscribe, Channel: ch}); err != nil {
				// Connection already failing; the next reconnect replays.
				s.logger.Warn("resubscribe send failed", "channel", ch, "error", err)
				break
			}
		}
		return nil

	case <-time.After(s.cfg.AuthTimeout):
		conn.Close()
		return ErrAuthTimeout

	case <-dialCtx.Done():
		conn.Close()
		return dialCtx.Err()

	case <-sctx.Done():
		conn.Close()
		return ErrClosed
	}
}

// readLoop consumes inbound frames from one connection. It is the only
// reader of the transport; handler execution happens on the dispatch
// goroutine so control acknowledgements are never delayed by handlers.
func (s *Session) readLoop(ctx context.Context, conn connection.Client, dispatch chan Message) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case err := <-conn.Errors():
			s.connectionLost(ctx, conn, dispatch, err)
			return

		case frame, ok := <-conn.Frames():
			if !ok {
				s.connectionLost(ctx, conn, dispatch, errors.New("connection closed by peer"))
				return
			}

			var msg Message
			if err := json.Unmarshal(frame.Data, &msg); err != nil {
				s.logger.Warn("dropping malformed frame", "error", err)
				continue
			}

			if msg.IsControl() {
				s.handleControl(msg)
				continue
			}
			if msg.Channel == "" {
				s.logger.Warn("dropping frame with neither op nor ch")
				continue
			}

			select {
			case dispatch <- msg:
			case <-ctx.Done():
				return
			default:
				s.logger.Warn("dispatch queue full, dropping data message",
					"channel", msg.Channel,
				)
			}
		}
	}
}

// handleControl processes protocol acknowledgements. Responses carry no
// correlation ID; they are matched by op under the protocol's in-order
// assumption.
func (s *Session) handleControl(msg Message) {
	switch msg.Op {
	case OpAuth:
		s.mu.Lock()
		authed := s.authed
		if authed != nil {
			s.authErr = msg.Error
			s.authed = nil
		}
		s.mu.Unlock()
		if authed != nil {
			close(authed)
		}

	case OpSubscribe, OpUnsubscribe:
		if msg.Error != "" {
			s.logger.Error("control operation rejected",
				"op", msg.Op,
				"channel", msg.Channel,
				"error", msg.Error,
			)
			return
		}
		s.logger.Debug("control acknowledged", "op", msg.Op, "channel", msg.Channel)

	default:
		if msg.Error != "" {
			s.logger.Error("request rejected", "op", msg.Op, "error", msg.Error)
		}
		if s.cfg.OnResponse != nil {
			s.cfg.OnResponse(msg)
		}
	}
}

// connectionLost handles loss of the current connection. A Ready connection
// triggers reconnection directly. A connection that dies mid-handshake is
// only marked dead: the auth ack may already have woken establish, and that
// goroutine owns the transition, so it consumes the marker and starts the
// reconnect itself instead of settling into a Ready state with no read loop.
func (s *Session) connectionLost(ctx context.Context, conn connection.Client, dispatch chan Message, err error) {
	s.mu.Lock()
	if s.closed || s.conn != conn {
		s.mu.Unlock()
		return
	}
	if s.state != StateReady {
		s.deadConn = conn
		s.mu.Unlock()
		s.logger.Warn("connection lost during handshake", "error", err)
		return
	}
	conn.Close() // previous connection fully torn down before a new attempt
	s.conn = nil
	s.state = StateReconnecting
	s.mu.Unlock()
	s.notifyState(StateReconnecting)

	s.logger.Warn("connection lost", "error", err)

	s.wg.Add(1)
	go s.reconnectLoop(ctx, dispatch)
}

// reconnectLoop retries the connect/authenticate sequence with exponential
// backoff until it succeeds, the attempt ceiling is exceeded, or the
// session is closed.
func (s *Session) reconnectLoop(ctx context.Context, dispatch chan Message) {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		s.attempts++
		attempt := s.attempts
		s.mu.Unlock()

		if attempt > s.cfg.MaxReconnectAttempts {
			s.logger.Error("giving up after max reconnect attempts",
				"attempts", attempt-1,
			)
			s.shutdown(ErrMaxReconnect)
			return
		}

		delay := backoffDelay(s.cfg.ReconnectBaseDelay, s.cfg.ReconnectMaxDelay, attempt)
		s.logger.Info("reconnecting",
			"attempt", attempt,
			"max_attempts", s.cfg.MaxReconnectAttempts,
			"delay", delay,
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		s.setState(StateConnecting)

		if err := s.establish(ctx, ctx, dispatch); err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return
			}
			s.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
			s.setState(StateReconnecting)
			continue
		}

		if s.State() == StateReady {
			s.logger.Info("reconnected", "attempts", attempt)
		}
		return
	}
}

// dispatchLoop drains the bounded dispatch queue and invokes handlers in
// registration order, isolated from the read loop.
func (s *Session) dispatchLoop(ctx context.Context, dispatch <-chan Message) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-dispatch:
			for i, h := range s.subs.get(msg.Channel) {
				s.invoke(msg, i, h)
			}
		}
	}
}

// invoke runs one handler with panic isolation so a failing handler cannot
// take down the dispatch loop or starve the remaining handlers.
func (s *Session) invoke(msg Message, idx int, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panic",
				"channel", msg.Channel,
				"handler", idx,
				"panic", r,
			)
		}
	}()

	if err := h(msg); err != nil {
		s.logger.Error("handler failed",
			"channel", msg.Channel,
			"handler", idx,
			"error", err,
		)
	}
}

func (s *Session) sendAuth(conn connection.Client) error {
	ts := time.Now().UnixMilli()
	nonce := auth.Nonce()

	return s.sendControl(conn, Message{
		Op:        OpAuth,
		Key:       s.cfg.Credentials.APIKey,
		Timestamp: ts,
		Nonce:     nonce,
		Signature: s.cfg.Credentials.SignStream(ts, nonce),
	})
}

func (s *Session) sendControl(conn connection.Client, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Op, err)
	}
	return conn.Send(data)
}

// shutdown terminates the session on a non-user-initiated terminal failure.
// Unlike Close it keeps the registry, so a fresh Connect restarts with the
// same desired state.
func (s *Session) shutdown(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.state = StateClosed
	conn := s.conn
	s.conn = nil
	cancel := s.cancel
	s.closeDoneLocked(err)
	s.mu.Unlock()
	s.notifyState(StateClosed)

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.mu.Unlock()
	s.notifyState(st)
}

func (s *Session) notifyState(st State) {
	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(st)
	}
}

func (s *Session) cancelGeneration() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// closeDoneLocked records the terminal error and releases Done waiters.
// Caller holds s.mu.
func (s *Session) closeDoneLocked(err error) {
	if s.doneClosed {
		return
	}
	s.termErr = err
	s.doneClosed = true
	close(s.done)
}

// backoffDelay computes base * 2^(attempt-1), capped at max.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 20 {
		shift = 20
	}
	d := base << shift
	if max > 0 && d > max {
		d = max
	}
	return d
}
