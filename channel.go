package avidachat

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Session state
// ============================================================================

// SessionState is the push-channel lifecycle state.
type SessionState string

const (
	StateDisconnected SessionState = "disconnected"
	StateConnecting   SessionState = "connecting"
	StateConnected    SessionState = "connected"
	StateJoined       SessionState = "joined"
	StateLeaving      SessionState = "leaving"
)

// ============================================================================
// Configuration
// ============================================================================

// ChannelConfig configures a ChannelSession.
type ChannelConfig struct {
	// URL is the websocket endpoint, e.g. "wss://api.avida.app/ws".
	URL   string
	Token string

	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration

	HTTPClient *http.Client
	Logger     *slog.Logger
}

func (c *ChannelConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ============================================================================
// Event dispatcher
// ============================================================================

// EventHandler is the generic raw-envelope callback type.
type EventHandler func(env Envelope)

// eventDispatcher fans one connection's events out to the components sharing
// it (reconciler, typing coordinator, presence tracker). Handlers run
// synchronously on the read-loop goroutine, which serializes all push-driven
// mutations.
type eventDispatcher struct {
	mu             sync.RWMutex
	generic        map[string][]EventHandler
	onNewMessage   []func(NewMessageEvent)
	onTyping       []func(TypingEvent)
	onStopTyping   []func(StopTypingEvent)
	onOnlineStatus []func(OnlineStatusEvent)
	onUserOffline  []func(UserOfflineEvent)
	onConnected    []func()
	onDisconnected []func(err error)
	onReconnecting []func(attempt int, delay time.Duration)
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{
		generic: make(map[string][]EventHandler),
	}
}

// dispatch decodes env's payload and invokes the registered handlers.
// currentRoom guards room-scoped indicator events against abandoned joins:
// typing traffic for a room the session has already switched away from is
// dropped.
func (d *eventDispatcher) dispatch(env Envelope, currentRoom string) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	switch env.Type {
	case EventNewMessage:
		var p NewMessageEvent
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onNewMessage {
				h(p)
			}
		}
	case EventTyping:
		var p TypingEvent
		if json.Unmarshal(env.Payload, &p) == nil && p.ConversationID == currentRoom {
			for _, h := range d.onTyping {
				h(p)
			}
		}
	case EventStopTyping:
		var p StopTypingEvent
		if json.Unmarshal(env.Payload, &p) == nil && p.ConversationID == currentRoom {
			for _, h := range d.onStopTyping {
				h(p)
			}
		}
	case EventOnlineStatus:
		var p OnlineStatusEvent
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onOnlineStatus {
				h(p)
			}
		}
	case EventUserOffline:
		var p UserOfflineEvent
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onUserOffline {
				h(p)
			}
		}
	}

	for _, h := range d.generic[env.Type] {
		h(env)
	}
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h()
	}
}

func (d *eventDispatcher) emitDisconnected(err error) {
	d.mu.RLock()
	handlers := append([]func(error){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(err)
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(attempt, delay)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(cfg *ChannelConfig) *reconnector {
	return &reconnector{
		baseDelay:   cfg.ReconnectBaseDelay,
		maxDelay:    cfg.ReconnectMaxDelay,
		maxAttempts: cfg.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	// A connection that held for a minute resets the backoff.
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// ChannelSession
// ============================================================================

// ChannelSession owns one bidirectional push connection and the client's
// room membership: at most one conversation room is joined at a time.
//
// Connection loss is not an error surfaced to callers; the session
// reconnects with exponential backoff and re-joins the active room, so the
// only client-visible gap is the outage window itself.
type ChannelSession struct {
	cfg ChannelConfig

	mu               sync.Mutex
	conn             *websocket.Conn
	state            SessionState
	room             string
	intentionalClose bool
	cancelFn         context.CancelFunc

	dispatcher *eventDispatcher
	recon      *reconnector
	logger     *slog.Logger
}

// NewChannelSession creates a session. Call Connect to establish the
// connection.
func NewChannelSession(cfg ChannelConfig) *ChannelSession {
	cfg.defaults()
	return &ChannelSession{
		cfg:        cfg,
		state:      StateDisconnected,
		dispatcher: newEventDispatcher(),
		recon:      newReconnector(&cfg),
		logger:     cfg.Logger,
	}
}

// OnNewMessage registers a handler for pushed messages.
func (s *ChannelSession) OnNewMessage(h func(NewMessageEvent)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onNewMessage = append(s.dispatcher.onNewMessage, h)
	s.dispatcher.mu.Unlock()
}

// OnTyping registers a handler for typing indicators in the joined room.
func (s *ChannelSession) OnTyping(h func(TypingEvent)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onTyping = append(s.dispatcher.onTyping, h)
	s.dispatcher.mu.Unlock()
}

// OnStopTyping registers a handler for typing-stop events in the joined room.
func (s *ChannelSession) OnStopTyping(h func(StopTypingEvent)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onStopTyping = append(s.dispatcher.onStopTyping, h)
	s.dispatcher.mu.Unlock()
}

// OnOnlineStatus registers a handler for presence changes.
func (s *ChannelSession) OnOnlineStatus(h func(OnlineStatusEvent)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onOnlineStatus = append(s.dispatcher.onOnlineStatus, h)
	s.dispatcher.mu.Unlock()
}

// OnUserOffline registers a handler for user disconnects.
func (s *ChannelSession) OnUserOffline(h func(UserOfflineEvent)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onUserOffline = append(s.dispatcher.onUserOffline, h)
	s.dispatcher.mu.Unlock()
}

// OnConnected registers a handler for the connected meta-event.
func (s *ChannelSession) OnConnected(h func()) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onConnected = append(s.dispatcher.onConnected, h)
	s.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (s *ChannelSession) OnDisconnected(h func(err error)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onDisconnected = append(s.dispatcher.onDisconnected, h)
	s.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (s *ChannelSession) OnReconnecting(h func(attempt int, delay time.Duration)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onReconnecting = append(s.dispatcher.onReconnecting, h)
	s.dispatcher.mu.Unlock()
}

// On registers a generic handler for a raw event type.
func (s *ChannelSession) On(eventType string, h EventHandler) {
	s.dispatcher.mu.Lock()
	s.dispatcher.generic[eventType] = append(s.dispatcher.generic[eventType], h)
	s.dispatcher.mu.Unlock()
}

// State returns the current session state.
func (s *ChannelSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Room returns the conversation id of the currently targeted room, or ""
// when none is joined.
func (s *ChannelSession) Room() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

// Connect establishes the websocket connection. If a room was active before
// a drop, the join is re-emitted so membership is restored transparently.
func (s *ChannelSession) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return nil
	}
	s.state = StateConnecting
	s.intentionalClose = false
	s.mu.Unlock()

	wsURL := s.cfg.URL
	if s.cfg.Token != "" {
		wsURL += "?token=" + s.cfg.Token
	}
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: s.cfg.HTTPClient,
	})
	if err != nil {
		s.mu.Lock()
		s.state = StateDisconnected
		s.mu.Unlock()
		return &ChannelError{Reason: "dial", Err: err}
	}

	connCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.conn = conn
	s.cancelFn = cancel
	room := s.room
	if room != "" {
		s.state = StateJoined
	} else {
		s.state = StateConnected
	}
	s.mu.Unlock()
	s.recon.markConnected()

	if room != "" {
		s.Send(connCtx, EventJoin, RoomRef{ConversationID: room})
	}

	s.dispatcher.emitConnected()
	go s.readLoop(connCtx, conn)
	return nil
}

// SwitchTo moves room membership to conversationID: leave the old room if
// joined, join the new one. Join is idempotent; switching to the current
// room is a no-op. Only the most recent target matters when calls race.
func (s *ChannelSession) SwitchTo(ctx context.Context, conversationID string) {
	s.mu.Lock()
	if s.room == conversationID {
		s.mu.Unlock()
		return
	}
	old := s.room
	s.room = conversationID
	if old != "" && s.conn != nil {
		s.state = StateLeaving
	}
	s.mu.Unlock()

	if old != "" {
		s.Send(ctx, EventLeave, RoomRef{ConversationID: old})
	}
	if conversationID != "" {
		s.Send(ctx, EventJoin, RoomRef{ConversationID: conversationID})
	}

	s.mu.Lock()
	if s.conn != nil {
		if conversationID != "" {
			s.state = StateJoined
		} else {
			s.state = StateConnected
		}
	}
	s.mu.Unlock()
}

// Leave exits the current room without joining another.
func (s *ChannelSession) Leave(ctx context.Context) {
	s.SwitchTo(ctx, "")
}

// Send publishes one event, fire-and-forget. Sending while disconnected is
// silently dropped: callers must not treat channel publish as delivery
// confirmation (message delivery is confirmed by the REST create request).
func (s *ChannelSession) Send(ctx context.Context, event string, payload any) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		s.logger.Debug("channel send dropped, disconnected", "event", event)
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(Envelope{Type: event, Payload: raw})
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		s.logger.Debug("channel write failed", "event", event, "error", err)
		return nil
	}
	return nil
}

// Close permanently closes the session. No reconnect is attempted.
func (s *ChannelSession) Close() error {
	s.mu.Lock()
	s.intentionalClose = true
	if s.cancelFn != nil {
		s.cancelFn()
		s.cancelFn = nil
	}
	conn := s.conn
	s.conn = nil
	s.state = StateDisconnected
	s.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client close")
	}
	return nil
}

func (s *ChannelSession) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.mu.Lock()
			intentional := s.intentionalClose
			if s.conn == conn {
				s.conn = nil
				s.state = StateDisconnected
			}
			s.mu.Unlock()
			if intentional {
				return
			}

			s.logger.Debug("channel connection lost", "error", err)
			s.dispatcher.emitDisconnected(&ChannelError{Reason: "read", Err: err})

			if s.cfg.AutoReconnect && s.recon.shouldReconnect() {
				s.scheduleReconnect()
			}
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		s.dispatcher.dispatch(env, s.Room())
	}
}

func (s *ChannelSession) scheduleReconnect() {
	delay := s.recon.nextDelay()
	s.dispatcher.emitReconnecting(s.recon.attempt, delay)
	time.Sleep(delay)

	s.mu.Lock()
	if s.intentionalClose {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	// The dropped connection's context is gone; reconnect on a fresh one.
	if err := s.Connect(context.Background()); err != nil {
		if s.cfg.AutoReconnect && s.recon.shouldReconnect() {
			s.scheduleReconnect()
			return
		}
		s.mu.Lock()
		s.state = StateDisconnected
		s.mu.Unlock()
	}
}
