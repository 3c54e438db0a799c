// Package transport owns the live websocket connection to the chat
// server: connecting, joining the user's private channel, keeping the
// connection alive, reconnecting with bounded backoff and normalizing
// inbound events for the synchronization controller.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tullo/marketchat/internal/models"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024

	handshakeTimeout = 10 * time.Second
	sendBufferSize   = 256

	// A connection that delivered no frames and dropped sooner than this
	// counts as a failed attempt
	defaultStableAfter = 10 * time.Second
)

var (
	ErrNotConnected       = errors.New("transport: not connected")
	ErrSendBufferFull     = errors.New("transport: send buffer full")
	ErrSessionClosed      = errors.New("transport: session closed")
	ErrInvalidCredentials = errors.New("transport: user id and token are required")
)

// State of a Session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Credentials identify the local user to the server.
type Credentials struct {
	UserID string
	Token  string
}

// Handler receives normalized events from a Session. Calls are made
// from the session's connection goroutine, one at a time, in arrival
// order.
type Handler interface {
	// HandleInbound is called once per new-message event.
	HandleInbound(message models.InboundMessage)
	// Reconnected is called after a dropped connection was re-established
	// and the channel was joined again.
	Reconnected()
	// LiveUpdatesUnavailable is called when reconnection gave up.
	LiveUpdatesUnavailable(err error)
}

// Options configure a Session.
type Options struct {
	// URL of the websocket endpoint, e.g. ws://localhost:8080/ws
	URL string
	// MaxRetries is the number of consecutive failed dials tolerated
	// before the session gives up.
	MaxRetries int
	// BaseDelay is the wait after the first failed dial; it doubles per
	// retry up to MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// StableAfter is how long a connection must stay up, when it has not
	// delivered any frame, before its loss resets the retry budget.
	StableAfter time.Duration
	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
	// Sleep waits between retries; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Session is the single owner of the live connection for one
// authenticated user. It is safe for concurrent use.
type Session struct {
	opts Options
	log  *slog.Logger

	// serializes Connect, Disconnect and Close
	lifecycle sync.Mutex

	mu      sync.Mutex
	state   State
	creds   Credentials
	handler Handler
	cancel  context.CancelFunc
	done    chan struct{}
	send    chan []byte
}

// NewSession creates a disconnected session
func NewSession(opts Options, log *slog.Logger) *Session {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxDelay < opts.BaseDelay {
		opts.MaxDelay = opts.BaseDelay
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	if opts.StableAfter <= 0 {
		opts.StableAfter = defaultStableAfter
	}
	return &Session{
		opts:  opts,
		log:   log.With("component", "transport"),
		state: StateDisconnected,
	}
}

// SetHandler installs the receiver of inbound events
func (s *Session) SetHandler(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// State returns the current connection state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect starts the connection loop for creds and returns without
// waiting for the dial. Calling it again while connecting or connected
// with the same credentials does nothing; different credentials tear
// the previous connection down first. Dial failures are retried in the
// background and never returned here.
//
// The loop outlives ctx's deadline and cancellation; it ends with
// Disconnect or Close.
func (s *Session) Connect(ctx context.Context, creds Credentials) error {
	if creds.UserID == "" || creds.Token == "" {
		return ErrInvalidCredentials
	}

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	state, current := s.state, s.creds
	s.mu.Unlock()

	switch {
	case state == StateClosed:
		return ErrSessionClosed
	case (state == StateConnecting || state == StateConnected) && current == creds:
		return nil
	}

	s.teardown(StateDisconnected)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	s.mu.Lock()
	s.state = StateConnecting
	s.creds = creds
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go s.run(runCtx, creds, done)
	return nil
}

// Disconnect tears down the active connection and waits for its
// goroutines to exit. Safe to call when already disconnected.
func (s *Session) Disconnect() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.teardown(StateDisconnected)
}

// Close disconnects and makes the session unusable
func (s *Session) Close() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.teardown(StateClosed)
}

// Send emits an event on the live connection. When not connected the
// event is dropped and ErrNotConnected is returned; the caller treats
// it as not yet delivered.
func (s *Session) Send(event string, payload interface{}) error {
	data, err := json.Marshal(models.WSMessage{Event: event, Payload: payload})
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", event, err)
	}

	s.mu.Lock()
	state, send := s.state, s.send
	s.mu.Unlock()

	if state != StateConnected || send == nil {
		s.log.Warn("dropping outbound event", "event", event, "state", state.String())
		return ErrNotConnected
	}

	select {
	case send <- data:
		return nil
	default:
		s.log.Warn("dropping outbound event", "event", event, "reason", "send buffer full")
		return ErrSendBufferFull
	}
}

func (s *Session) teardown(next State) {
	s.mu.Lock()
	// cancel under the lock so the loop cannot publish a state afterwards
	if s.cancel != nil {
		s.cancel()
	}
	done := s.done
	s.cancel, s.done, s.send = nil, nil, nil
	if s.state != StateClosed {
		s.state = next
	}
	s.mu.Unlock()

	if done != nil {
		<-done
		s.log.Debug("connection torn down")
	}
}

// setState applies a transition unless the loop owning ctx was torn down.
func (s *Session) setState(ctx context.Context, state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() == nil {
		s.state = state
	}
}

func (s *Session) currentHandler() Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler
}

// run dials, serves and redials until ctx ends or retries run out.
// Dial failures and connections that drop before proving healthy share
// one retry budget; a healthy connection resets it.
func (s *Session) run(ctx context.Context, creds Credentials, done chan struct{}) {
	defer close(done)

	failures := 0
	joined := false
	for {
		conn, err := s.dial(ctx, creds)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			if !s.retry(ctx, failures, err) {
				return
			}
			continue
		}

		connectedAt := time.Now()
		received, err := s.serve(ctx, conn, creds, joined)
		joined = true
		if ctx.Err() != nil {
			return
		}
		s.setState(ctx, StateConnecting)

		if received || time.Since(connectedAt) >= s.opts.StableAfter {
			failures = 0
			s.log.Info("connection lost, reconnecting", "error", err)
			continue
		}
		failures++
		s.log.Warn("connection dropped right after connecting", "attempt", failures, "error", err)
		if !s.retry(ctx, failures, err) {
			return
		}
	}
}

// retry waits out the backoff for the given failure count. It reports
// false when the loop must stop, either because ctx ended or because
// the retry budget is spent, in which case the handler is told.
func (s *Session) retry(ctx context.Context, failures int, cause error) bool {
	if failures > s.opts.MaxRetries {
		s.log.Warn("live updates unavailable", "failures", failures, "error", cause)
		s.setState(ctx, StateDisconnected)
		if ctx.Err() != nil {
			return false
		}
		if h := s.currentHandler(); h != nil {
			h.LiveUpdatesUnavailable(cause)
		}
		return false
	}
	delay := s.backoff(failures)
	s.log.Debug("retrying connection", "attempt", failures, "delay", delay, "error", cause)
	return s.opts.Sleep(ctx, delay) == nil
}

func (s *Session) dial(ctx context.Context, creds Credentials) (*websocket.Conn, error) {
	u, err := url.Parse(s.opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid websocket url: %w", err)
	}
	q := u.Query()
	q.Set("token", creds.Token)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+creds.Token)

	dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	conn, resp, err := s.opts.Dialer.DialContext(dialCtx, u.String(), header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial websocket: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial websocket: %w", err)
	}
	return conn, nil
}

// serve joins the user channel on a fresh connection and pumps it until
// it fails or ctx ends. received reports whether any frame arrived.
func (s *Session) serve(ctx context.Context, conn *websocket.Conn, creds Credentials, rejoin bool) (received bool, err error) {
	join, err := json.Marshal(models.WSMessage{
		Event:   models.EventJoin,
		Payload: models.JoinPayload{UserID: creds.UserID},
	})
	if err != nil {
		conn.Close()
		return false, err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, join); err != nil {
		conn.Close()
		return false, fmt.Errorf("failed to join channel: %w", err)
	}

	send := make(chan []byte, sendBufferSize)
	s.mu.Lock()
	if ctx.Err() != nil {
		s.mu.Unlock()
		conn.Close()
		return false, ctx.Err()
	}
	s.state = StateConnected
	s.send = send
	s.mu.Unlock()

	s.log.Info("connected", "user_id", creds.UserID, "rejoin", rejoin)
	if rejoin {
		if h := s.currentHandler(); h != nil {
			h.Reconnected()
		}
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writePump(conn, send, stop)
	}()
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			conn.Close()
		case <-stop:
		}
	}()

	received, err = s.readPump(conn)

	close(stop)
	conn.Close()
	wg.Wait()

	s.mu.Lock()
	if s.send == send {
		s.send = nil
	}
	s.mu.Unlock()
	return received, err
}

// readPump reads frames and dispatches them until the connection fails
func (s *Session) readPump(conn *websocket.Conn) (received bool, err error) {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn("websocket error", "error", err)
			}
			return received, err
		}
		received = true
		s.dispatch(frame)
	}
}

// writePump is the only writer of data frames on conn
func (s *Session) writePump(conn *websocket.Conn, send <-chan []byte, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case data := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.log.Debug("write failed", "error", err)
				conn.Close()
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		}
	}
}

// dispatch normalizes one frame into handler calls
func (s *Session) dispatch(frame []byte) {
	for _, part := range splitFrame(frame) {
		env, err := decodeEnvelope(part)
		if err != nil {
			s.log.Warn("ignoring malformed event", "error", err)
			continue
		}

		switch {
		case isNewMessage(env.Event):
			inbound, err := normalizeMessage(env.Payload)
			if err != nil {
				s.log.Warn("ignoring malformed message event", "event", env.Event, "error", err)
				continue
			}
			h := s.currentHandler()
			if h == nil {
				s.log.Debug("no handler installed, dropping message", "conversation_id", inbound.ConversationID)
				continue
			}
			h.HandleInbound(inbound)

		case env.Event == models.EventError:
			s.log.Warn("server reported error", "payload", string(env.Payload))

		default:
			s.log.Debug("ignoring event", "event", env.Event)
		}
	}
}

func (s *Session) backoff(failures int) time.Duration {
	delay := s.opts.BaseDelay
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= s.opts.MaxDelay {
			return s.opts.MaxDelay
		}
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
