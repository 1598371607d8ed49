package avidachat

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// TypingConfig tunes the coordinator's timers. Zero values get defaults.
type TypingConfig struct {
	// DebounceWindow suppresses repeat typing broadcasts after one was sent.
	DebounceWindow time.Duration
	// InactivityTimeout emits stop_typing when no keystroke follows.
	InactivityTimeout time.Duration
	// RemoteExpiry clears a remote indicator that was never stopped
	// explicitly. Mandatory: stop_typing delivery is not guaranteed.
	RemoteExpiry time.Duration
}

func (c *TypingConfig) defaults() {
	if c.DebounceWindow == 0 {
		c.DebounceWindow = 2 * time.Second
	}
	if c.InactivityTimeout == 0 {
		c.InactivityTimeout = 3 * time.Second
	}
	if c.RemoteExpiry == 0 {
		c.RemoteExpiry = 3 * time.Second
	}
}

type remoteTyping struct {
	userName string
	timer    *time.Timer
}

// TypingCoordinator debounces local typing broadcasts and times out remote
// typing indicators on the shared channel session.
type TypingCoordinator struct {
	session  *ChannelSession
	userID   string
	userName string
	cfg      TypingConfig
	logger   *slog.Logger

	mu              sync.Mutex
	lastBroadcast   time.Time
	localConv       string
	inactivityTimer *time.Timer
	remote          map[string]*remoteTyping // conversationID + "/" + userID
	closed          bool
}

// NewTypingCoordinator attaches a coordinator to the session's typing
// events.
func NewTypingCoordinator(session *ChannelSession, userID, userName string, cfg TypingConfig, logger *slog.Logger) *TypingCoordinator {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	t := &TypingCoordinator{
		session:  session,
		userID:   userID,
		userName: userName,
		cfg:      cfg,
		logger:   logger,
		remote:   make(map[string]*remoteTyping),
	}
	if session != nil {
		session.OnTyping(t.handleRemoteTyping)
		session.OnStopTyping(t.handleRemoteStop)
	}
	return t
}

// NoteKeystroke is called on every local keystroke. At most one typing
// broadcast goes out per debounce window; an inactivity timer emits
// stop_typing when the user pauses.
func (t *TypingCoordinator) NoteKeystroke(ctx context.Context, conversationID string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	now := time.Now()
	broadcast := now.Sub(t.lastBroadcast) >= t.cfg.DebounceWindow || t.localConv != conversationID
	if broadcast {
		t.lastBroadcast = now
		t.localConv = conversationID
	}
	if t.inactivityTimer != nil {
		t.inactivityTimer.Stop()
	}
	t.inactivityTimer = time.AfterFunc(t.cfg.InactivityTimeout, func() {
		t.emitStop(conversationID)
	})
	t.mu.Unlock()

	if broadcast {
		t.session.Send(ctx, EventTyping, TypingEvent{
			ConversationID: conversationID,
			UserID:         t.userID,
			UserName:       t.userName,
		})
	}
}

// NotifySent is called when the user submits a message: the typing indicator
// stops immediately rather than waiting for inactivity.
func (t *TypingCoordinator) NotifySent(ctx context.Context, conversationID string) {
	t.mu.Lock()
	if t.inactivityTimer != nil {
		t.inactivityTimer.Stop()
		t.inactivityTimer = nil
	}
	t.lastBroadcast = time.Time{}
	t.mu.Unlock()

	t.session.Send(ctx, EventStopTyping, StopTypingEvent{
		ConversationID: conversationID,
		UserID:         t.userID,
	})
}

// Typing reports whether any remote participant is typing in the
// conversation, with their display name when known.
func (t *TypingCoordinator) Typing(conversationID string) (bool, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, rt := range t.remote {
		if conversationFromKey(key) == conversationID {
			return true, rt.userName
		}
	}
	return false, ""
}

// Close stops every pending timer so no callback fires after the chat
// screen is torn down.
func (t *TypingCoordinator) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	if t.inactivityTimer != nil {
		t.inactivityTimer.Stop()
		t.inactivityTimer = nil
	}
	for key, rt := range t.remote {
		rt.timer.Stop()
		delete(t.remote, key)
	}
}

func (t *TypingCoordinator) emitStop(conversationID string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.lastBroadcast = time.Time{}
	t.mu.Unlock()

	t.session.Send(context.Background(), EventStopTyping, StopTypingEvent{
		ConversationID: conversationID,
		UserID:         t.userID,
	})
}

// handleRemoteTyping shows the indicator and (re)arms its expiry. Every
// repeat event refreshes the timer.
func (t *TypingCoordinator) handleRemoteTyping(ev TypingEvent) {
	if ev.UserID == t.userID {
		return
	}
	key := typingKey(ev.ConversationID, ev.UserID)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if rt, ok := t.remote[key]; ok {
		rt.userName = ev.UserName
		rt.timer.Reset(t.cfg.RemoteExpiry)
		return
	}
	t.remote[key] = &remoteTyping{
		userName: ev.UserName,
		timer: time.AfterFunc(t.cfg.RemoteExpiry, func() {
			t.expire(key)
		}),
	}
}

func (t *TypingCoordinator) handleRemoteStop(ev StopTypingEvent) {
	t.clear(typingKey(ev.ConversationID, ev.UserID))
}

func (t *TypingCoordinator) expire(key string) {
	t.logger.Debug("typing indicator expired", "key", key)
	t.clear(key)
}

func (t *TypingCoordinator) clear(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rt, ok := t.remote[key]; ok {
		rt.timer.Stop()
		delete(t.remote, key)
	}
}

func typingKey(conversationID, userID string) string {
	return conversationID + "/" + userID
}

func conversationFromKey(key string) string {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '/' {
			return key[:i]
		}
	}
	return key
}
