package avidachat

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTyping(t *testing.T, h *wsHarness) (*ChannelSession, *TypingCoordinator) {
	t.Helper()
	s := newTestSession(t, h)
	tc := NewTypingCoordinator(s, "u1", "Maya", TypingConfig{
		DebounceWindow:    80 * time.Millisecond,
		InactivityTimeout: 120 * time.Millisecond,
		RemoteExpiry:      100 * time.Millisecond,
	}, nil)
	t.Cleanup(tc.Close)
	return s, tc
}

func TestTypingDebounce(t *testing.T) {
	h := newWSHarness(t)
	_, tc := newTestTyping(t, h)

	// A burst of keystrokes produces exactly one typing broadcast.
	for i := 0; i < 5; i++ {
		tc.NoteKeystroke(context.Background(), "c1")
	}
	env := h.expect(t, EventTyping)
	var ev TypingEvent
	require.NoError(t, json.Unmarshal(env.Payload, &ev))
	assert.Equal(t, "c1", ev.ConversationID)
	assert.Equal(t, "u1", ev.UserID)
	assert.Equal(t, "Maya", ev.UserName)

	// The pause then emits stop_typing.
	h.expect(t, EventStopTyping)

	// After the window a new keystroke broadcasts again.
	tc.NoteKeystroke(context.Background(), "c1")
	h.expect(t, EventTyping)
}

func TestTypingConversationChangeBroadcastsImmediately(t *testing.T) {
	h := newWSHarness(t)
	_, tc := newTestTyping(t, h)

	tc.NoteKeystroke(context.Background(), "c1")
	h.expect(t, EventTyping)

	// Switching to another conversation bypasses the debounce window.
	tc.NoteKeystroke(context.Background(), "c2")
	env := h.expect(t, EventTyping)
	var ev TypingEvent
	require.NoError(t, json.Unmarshal(env.Payload, &ev))
	assert.Equal(t, "c2", ev.ConversationID)
}

func TestTypingStopsOnSend(t *testing.T) {
	h := newWSHarness(t)
	_, tc := newTestTyping(t, h)

	tc.NoteKeystroke(context.Background(), "c1")
	h.expect(t, EventTyping)

	tc.NotifySent(context.Background(), "c1")
	env := h.expect(t, EventStopTyping)
	var ev StopTypingEvent
	require.NoError(t, json.Unmarshal(env.Payload, &ev))
	assert.Equal(t, "c1", ev.ConversationID)

	// Sending resets the debounce: the next keystroke broadcasts at once.
	tc.NoteKeystroke(context.Background(), "c1")
	h.expect(t, EventTyping)
}

func TestRemoteTypingIndicator(t *testing.T) {
	h := newWSHarness(t)
	_, tc := newTestTyping(t, h)

	tc.handleRemoteTyping(TypingEvent{ConversationID: "c1", UserID: "u2", UserName: "Ben"})
	typing, name := tc.Typing("c1")
	assert.True(t, typing)
	assert.Equal(t, "Ben", name)

	tc.handleRemoteStop(StopTypingEvent{ConversationID: "c1", UserID: "u2"})
	typing, _ = tc.Typing("c1")
	assert.False(t, typing)
}

func TestRemoteTypingExpiresWithoutStop(t *testing.T) {
	h := newWSHarness(t)
	_, tc := newTestTyping(t, h)

	// The peer's stop_typing is lost; the indicator must clear on its own.
	tc.handleRemoteTyping(TypingEvent{ConversationID: "c1", UserID: "u2", UserName: "Ben"})
	typing, _ := tc.Typing("c1")
	require.True(t, typing)

	assert.Eventually(t, func() bool {
		typing, _ := tc.Typing("c1")
		return !typing
	}, time.Second, 10*time.Millisecond)
}

func TestRemoteTypingRefreshExtendsExpiry(t *testing.T) {
	h := newWSHarness(t)
	_, tc := newTestTyping(t, h)

	tc.handleRemoteTyping(TypingEvent{ConversationID: "c1", UserID: "u2", UserName: "Ben"})
	// Keep refreshing past the original expiry window.
	for i := 0; i < 4; i++ {
		time.Sleep(50 * time.Millisecond)
		tc.handleRemoteTyping(TypingEvent{ConversationID: "c1", UserID: "u2", UserName: "Ben"})
		typing, _ := tc.Typing("c1")
		require.True(t, typing)
	}
}

func TestRemoteTypingIgnoresOwnEvents(t *testing.T) {
	h := newWSHarness(t)
	_, tc := newTestTyping(t, h)

	// The session's own typing echo must not show an indicator.
	tc.handleRemoteTyping(TypingEvent{ConversationID: "c1", UserID: "u1", UserName: "Maya"})
	typing, _ := tc.Typing("c1")
	assert.False(t, typing)
}

func TestTypingCloseStopsTimers(t *testing.T) {
	h := newWSHarness(t)
	_, tc := newTestTyping(t, h)

	tc.NoteKeystroke(context.Background(), "c1")
	h.expect(t, EventTyping)
	tc.handleRemoteTyping(TypingEvent{ConversationID: "c1", UserID: "u2"})

	tc.Close()
	typing, _ := tc.Typing("c1")
	assert.False(t, typing)

	// No stop_typing after close: the inactivity timer was cancelled.
	h.expectNothing(t, 250*time.Millisecond)

	tc.NoteKeystroke(context.Background(), "c1")
	h.expectNothing(t, 150*time.Millisecond)
}
