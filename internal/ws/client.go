// Package ws implements the persistent websocket connection to the
// Mattermost server: challenge-response auth, reconnect with bounded
// exponential backoff, and typed event dispatch.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mattersync/mattersync/internal/metrics"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	defaultAuthTimeout    = 10 * time.Second
	defaultReconnectDelay = 5 * time.Second
	defaultReconnectCap   = 5 * time.Minute
	defaultMaxAttempts    = 10
)

// ErrNotConnected is returned by Send when no socket is open.
var ErrNotConnected = errors.New("websocket not connected")

// ErrConnectionLost is returned by SendWithReply when the connection
// drops before the reply arrives.
var ErrConnectionLost = errors.New("websocket connection lost")

// State identifies where the connection is in its lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected // socket open, handshake not yet complete
	StateAuthenticated
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// EventHandler receives dispatched events. Handlers run on the read
// loop goroutine; a panicking handler is recovered and logged without
// affecting the other handlers or the loop.
type EventHandler func(ev Event)

// Config holds connection parameters. Zero values fall back to
// defaults.
type Config struct {
	BaseURL              string // REST base URL, scheme upgraded to ws/wss
	WSURL                string // explicit websocket URL override
	Token                string
	AutoReconnect        bool
	ReconnectDelay       time.Duration // default 5s
	ReconnectDelayCap    time.Duration // default 5m
	MaxReconnectAttempts int           // default 10
	AuthTimeout          time.Duration // default 10s
}

// Client is the websocket connection manager. The read loop is the
// sole reader of the socket; writers serialize on an internal mutex.
type Client struct {
	wsURL       string
	token       string
	dialer      *websocket.Dialer
	authTimeout time.Duration

	reconnectEnabled bool
	reconnectDelay   time.Duration
	reconnectCap     time.Duration
	maxAttempts      int

	logger *zap.Logger

	mu            sync.Mutex
	state         State
	conn          *websocket.Conn
	autoReconnect bool
	attempts      int
	cancel        context.CancelFunc
	done          chan struct{}

	seq atomic.Int64

	writeMu sync.Mutex

	handlersMu  sync.RWMutex
	handlers    map[string][]handlerReg
	nextHandler int64

	waitersMu sync.Mutex
	waiters   map[int64]chan *Frame
}

// handlerReg pairs a handler with the id its unregister func removes.
type handlerReg struct {
	id int64
	fn EventHandler
}

// NewClient creates a Client. The websocket URL is derived from
// cfg.BaseURL unless cfg.WSURL overrides it.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	wsURL := cfg.WSURL
	if wsURL == "" {
		derived, err := DeriveWSURL(cfg.BaseURL)
		if err != nil {
			return nil, err
		}
		wsURL = derived
	}

	authTimeout := cfg.AuthTimeout
	if authTimeout == 0 {
		authTimeout = defaultAuthTimeout
	}
	delay := cfg.ReconnectDelay
	if delay == 0 {
		delay = defaultReconnectDelay
	}
	delayCap := cfg.ReconnectDelayCap
	if delayCap == 0 {
		delayCap = defaultReconnectCap
	}
	maxAttempts := cfg.MaxReconnectAttempts
	if maxAttempts == 0 {
		maxAttempts = defaultMaxAttempts
	}

	c := &Client{
		wsURL:            wsURL,
		token:            cfg.Token,
		dialer:           &websocket.Dialer{HandshakeTimeout: authTimeout},
		authTimeout:      authTimeout,
		reconnectEnabled: cfg.AutoReconnect,
		reconnectDelay:   delay,
		reconnectCap:     delayCap,
		maxAttempts:      maxAttempts,
		logger:           logger,
		handlers:         make(map[string][]handlerReg),
		waiters:          make(map[int64]chan *Frame),
	}

	logger.Info("initialized websocket client", zap.String("ws_url", wsURL))
	return c, nil
}

// DeriveWSURL maps a REST base URL to the websocket endpoint:
// http -> ws, https -> wss, path suffixed with /api/v4/websocket.
func DeriveWSURL(baseURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parsing base URL: %w", err)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/api/v4/websocket"
	return parsed.String(), nil
}

// OnEvent registers a handler for the given event type. The returned
// func unregisters it; safe to call more than once.
func (c *Client) OnEvent(event string, handler EventHandler) func() {
	c.handlersMu.Lock()
	c.nextHandler++
	id := c.nextHandler
	c.handlers[event] = append(c.handlers[event], handlerReg{id: id, fn: handler})
	c.handlersMu.Unlock()
	c.logger.Debug("registered event handler", zap.String("event", event))

	return func() {
		c.handlersMu.Lock()
		regs := c.handlers[event]
		for i, reg := range regs {
			if reg.id == id {
				c.handlers[event] = append(regs[:i:i], regs[i+1:]...)
				break
			}
		}
		c.handlersMu.Unlock()
	}
}

// State reports the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the connection is open and
// authenticated.
func (c *Client) IsConnected() bool {
	return c.State() == StateAuthenticated
}

// Connect dials and authenticates. The handshake is synchronous: an
// auth failure or timeout is returned to the caller. On success a
// background supervisor keeps the connection alive, reconnecting with
// bounded exponential backoff when AutoReconnect is enabled.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnecting, StateConnected, StateAuthenticated, StateReconnecting:
		c.mu.Unlock()
		c.logger.Warn("already connected")
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	c.autoReconnect = c.reconnectEnabled
	c.attempts = 0
	c.mu.Unlock()

	if err := c.connectOnce(ctx); err != nil {
		cancel()
		close(done)
		c.mu.Lock()
		c.cancel = nil
		c.done = nil
		c.mu.Unlock()
		return err
	}

	go c.supervise(runCtx, done)
	return nil
}

// connectOnce performs one dial plus auth handshake.
func (c *Client) connectOnce(ctx context.Context) error {
	c.setState(StateConnecting)

	conn, _, err := c.dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("dialing %s: %w", c.wsURL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setState(StateConnected)

	if err := c.authenticate(conn); err != nil {
		_ = conn.Close()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		c.setState(StateDisconnected)
		return err
	}

	c.seq.Store(1) // seq 1 was consumed by the auth challenge
	c.mu.Lock()
	c.attempts = 0
	c.mu.Unlock()
	c.setState(StateAuthenticated)
	metrics.WebsocketConnected.Set(1)

	c.logger.Info("websocket authenticated")
	return nil
}

// authenticate sends the challenge and waits for the correlated reply.
// Runs before the read loop starts, so it reads the socket directly.
func (c *Client) authenticate(conn *websocket.Conn) error {
	challenge := &Frame{
		Seq:    1,
		Action: "authentication_challenge",
		Data:   map[string]any{"token": c.token},
	}

	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := conn.WriteJSON(challenge)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("sending auth challenge: %w", err)
	}

	deadline := time.Now().Add(c.authTimeout)
	_ = conn.SetReadDeadline(deadline)
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	for time.Now().Before(deadline) {
		var reply Frame
		if err := conn.ReadJSON(&reply); err != nil {
			return fmt.Errorf("authentication timeout: %w", err)
		}
		if reply.SeqReply != 1 {
			// Servers may push events (e.g. hello) before the auth
			// reply arrives.
			c.logger.Debug("frame before auth reply", zap.String("event", reply.Event))
			continue
		}
		if reply.Status != statusOK {
			return fmt.Errorf("authentication failed: status %q, error %v", reply.Status, reply.Error)
		}
		return nil
	}
	return errors.New("authentication timeout")
}

// supervise owns the read loop and the reconnect path.
func (c *Client) supervise(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		err := c.readLoop()
		c.teardownConn()

		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return
		}

		c.logger.Error("websocket connection lost", zap.Error(err))

		c.mu.Lock()
		reconnect := c.autoReconnect
		c.mu.Unlock()
		if !reconnect {
			c.setState(StateDisconnected)
			return
		}

		if !c.reconnect(ctx) {
			return
		}
	}
}

// reconnect retries the handshake with min(base * 2^attempt, cap)
// delays. Returns false when the attempt ceiling is reached or the
// context is cancelled.
func (c *Client) reconnect(ctx context.Context) bool {
	for {
		c.mu.Lock()
		c.attempts++
		attempt := c.attempts
		c.mu.Unlock()

		if attempt > c.maxAttempts {
			c.logger.Error("max reconnect attempts reached, giving up",
				zap.Int("attempts", attempt-1),
			)
			c.setState(StateFailed)
			return false
		}

		delay := backoffDelay(c.reconnectDelay, attempt, c.reconnectCap)
		c.setState(StateReconnecting)
		metrics.ReconnectsTotal.Inc()
		c.logger.Info("attempting to reconnect",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
		)

		select {
		case <-ctx.Done():
			c.setState(StateDisconnected)
			return false
		case <-time.After(delay):
		}

		if err := c.connectOnce(ctx); err != nil {
			c.logger.Error("reconnect failed", zap.Error(err))
			continue
		}
		return true
	}
}

func backoffDelay(base time.Duration, attempt int, delayCap time.Duration) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= delayCap {
			return delayCap
		}
	}
	return delay
}

// readLoop is the sole reader of the socket. It returns when the
// connection drops.
func (c *Client) readLoop() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.logger.Warn("failed to parse websocket frame", zap.Error(err))
			continue
		}
		c.dispatch(&frame)
	}
}

// dispatch routes one inbound frame: correlated replies go to their
// one-shot waiter, events go to every registered handler.
func (c *Client) dispatch(frame *Frame) {
	if frame.SeqReply != 0 {
		c.waitersMu.Lock()
		ch, ok := c.waiters[frame.SeqReply]
		if ok {
			delete(c.waiters, frame.SeqReply)
		}
		c.waitersMu.Unlock()
		if ok {
			ch <- frame
			return
		}
	}

	if frame.Event == "" {
		return
	}

	if frame.Event == "hello" {
		version, _ := frame.Data["server_version"].(string)
		c.logger.Info("received hello event", zap.String("server_version", version))
	}

	c.handlersMu.RLock()
	handlers := make([]EventHandler, 0, len(c.handlers[frame.Event]))
	for _, reg := range c.handlers[frame.Event] {
		handlers = append(handlers, reg.fn)
	}
	c.handlersMu.RUnlock()

	ev := Event{
		Event:     frame.Event,
		Data:      frame.Data,
		Broadcast: frame.Broadcast,
		Timestamp: time.Now(),
	}
	for _, handler := range handlers {
		c.invoke(handler, ev)
	}
}

// invoke runs one handler, recovering panics so a faulty handler never
// breaks delivery to the others or kills the read loop.
func (c *Client) invoke(handler EventHandler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("error in event handler",
				zap.String("event", ev.Event),
				zap.Any("panic", r),
			)
		}
	}()
	handler(ev)
}

// Send writes a frame, auto-assigning seq when unset. Writers
// serialize on the write mutex.
func (c *Client) Send(frame *Frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	if frame.Seq == 0 {
		frame.Seq = c.seq.Add(1)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	c.logger.Debug("sent websocket frame",
		zap.Int64("seq", frame.Seq),
		zap.String("action", frame.Action),
	)
	return nil
}

// SendWithReply sends a frame and waits for the frame whose seq_reply
// matches its seq.
func (c *Client) SendWithReply(ctx context.Context, frame *Frame) (*Frame, error) {
	if frame.Seq == 0 {
		frame.Seq = c.seq.Add(1)
	}

	ch := make(chan *Frame, 1)
	c.waitersMu.Lock()
	c.waiters[frame.Seq] = ch
	c.waitersMu.Unlock()

	cleanup := func() {
		c.waitersMu.Lock()
		delete(c.waiters, frame.Seq)
		c.waitersMu.Unlock()
	}

	if err := c.Send(frame); err != nil {
		cleanup()
		return nil, err
	}

	timer := time.NewTimer(c.authTimeout)
	defer timer.Stop()
	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, ErrConnectionLost
		}
		return reply, nil
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	case <-timer.C:
		cleanup()
		return nil, fmt.Errorf("timed out waiting for reply to seq %d", frame.Seq)
	}
}

// SendUserTyping sends a typing notification for the channel.
func (c *Client) SendUserTyping(channelID, parentID string) error {
	return c.Send(&Frame{
		Action: "user_typing",
		Data: map[string]any{
			"channel_id": channelID,
			"parent_id":  parentID,
		},
	})
}

// Disconnect disables auto-reconnect, cancels any pending reconnect,
// and closes the socket. Safe to call from any state, repeatedly.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.autoReconnect = false
	cancel := c.cancel
	conn := c.conn
	done := c.done
	c.cancel = nil
	c.done = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if done != nil {
		<-done
	}

	c.setState(StateDisconnected)
	c.logger.Info("websocket disconnected")
}

func (c *Client) teardownConn() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}

	// Outstanding reply waiters can never be answered by the next
	// connection: its sequence numbering restarts, so a stale waiter
	// could match a fresh frame's seq. Fail them instead.
	c.waitersMu.Lock()
	for seq, ch := range c.waiters {
		delete(c.waiters, seq)
		close(ch)
	}
	c.waitersMu.Unlock()

	metrics.WebsocketConnected.Set(0)
}

func (c *Client) setState(next State) {
	c.mu.Lock()
	prev := c.state
	c.state = next
	c.mu.Unlock()
	if prev != next {
		c.logger.Debug("connection state changed",
			zap.Stringer("from", prev),
			zap.Stringer("to", next),
		)
	}
}
