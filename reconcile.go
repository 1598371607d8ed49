package avidachat

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DirectorySink receives the conversation-level side effects of message
// traffic. The ConversationDirectory implements it; tests substitute stubs.
type DirectorySink interface {
	IncrementUnread(conversationID string)
	ResetUnread(conversationID string)
	SetLastMessage(conversationID, text string, at time.Time)
}

// NopSink discards all conversation-level side effects.
type NopSink struct{}

func (NopSink) IncrementUnread(string)                   {}
func (NopSink) ResetUnread(string)                       {}
func (NopSink) SetLastMessage(string, string, time.Time) {}

// MediaRef attaches an uploaded media resource to an outgoing message.
type MediaRef struct {
	URL          string
	LocalURL     string
	DurationSecs int
}

// ============================================================================
// Reconciler
// ============================================================================

// Reconciler is the single source of truth for conversation message sets. It
// merges three input streams into one de-duplicated collection per
// conversation: the initial history fetch, local optimistic sends, and
// remote pushes.
//
// All reconciliation is id-based and idempotent, so the completion order of
// a REST acknowledgment racing its own channel echo never matters: at most
// one durable representation of a logical message survives, and the temp
// entry is retired exactly once.
type Reconciler struct {
	client  *Client
	session *ChannelSession
	userID  string
	sink    DirectorySink
	logger  *slog.Logger

	mu         sync.Mutex
	foreground string
	messages   map[string][]Message
	durable    map[string]map[string]struct{}
	nextSeq    uint64
}

// NewReconciler wires a reconciler to the REST client and the shared push
// session. sink may be nil.
func NewReconciler(client *Client, session *ChannelSession, userID string, sink DirectorySink, logger *slog.Logger) *Reconciler {
	if sink == nil {
		sink = NopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reconciler{
		client:   client,
		session:  session,
		userID:   userID,
		sink:     sink,
		logger:   logger,
		messages: make(map[string][]Message),
		durable:  make(map[string]map[string]struct{}),
	}
	if session != nil {
		session.OnNewMessage(r.handlePush)
	}
	return r
}

// SetForeground records the conversation the user is currently viewing.
// Pushes for other conversations increment their unread counters instead of
// touching the visible timeline, and history responses for conversations no
// longer in the foreground are discarded as stale.
func (r *Reconciler) SetForeground(conversationID string) {
	r.mu.Lock()
	r.foreground = conversationID
	r.mu.Unlock()
}

// Foreground returns the currently viewed conversation id.
func (r *Reconciler) Foreground() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.foreground
}

// LoadHistory fetches the conversation's message window and merges it into
// the local set. If the user switched away while the fetch was in flight,
// the response is dropped and ErrStaleResponse returned: a late response
// must never mutate another conversation's visible timeline.
func (r *Reconciler) LoadHistory(ctx context.Context, conversationID string) error {
	history, err := r.client.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.foreground != conversationID {
		r.logger.Debug("discarding stale history response",
			"conversation", conversationID, "foreground", r.foreground)
		return ErrStaleResponse
	}
	for _, msg := range history.Messages {
		if r.hasDurableLocked(conversationID, msg.ID) {
			continue
		}
		msg.ConversationID = conversationID
		if msg.Delivery == "" {
			msg.Delivery = DeliverySent
		}
		r.appendLocked(msg)
	}
	return nil
}

// Send appends an optimistic pending entry, issues the durable create
// request, and reconciles the result.
//
// The returned message is the reconciled entry: on success it carries the
// durable id, server timestamp and DeliverySent; on failure the optimistic
// entry remains visible with DeliveryFailed and the error is returned so
// callers can offer a retry. The entry is never removed silently.
func (r *Reconciler) Send(ctx context.Context, conversationID, content string, typ MessageType, media *MediaRef) (Message, error) {
	tempID := NewTempID()

	optimistic := Message{
		ID:             tempID,
		ConversationID: conversationID,
		SenderID:       r.userID,
		Content:        content,
		Type:           typ,
		Delivery:       DeliveryPending,
		CreatedAt:      time.Now().UTC(),
	}
	if media != nil {
		optimistic.MediaURL = media.URL
		optimistic.LocalMediaURL = media.LocalURL
		optimistic.DurationSecs = media.DurationSecs
	}

	r.mu.Lock()
	r.appendLocked(optimistic)
	r.mu.Unlock()

	return r.deliver(ctx, conversationID, tempID, optimistic)
}

// Retry re-issues the durable create for a failed optimistic entry,
// identified by its temp id.
func (r *Reconciler) Retry(ctx context.Context, conversationID, tempID string) (Message, error) {
	r.mu.Lock()
	var entry *Message
	for i := range r.messages[conversationID] {
		m := &r.messages[conversationID][i]
		if m.ID == tempID {
			entry = m
			break
		}
	}
	if entry == nil || entry.Delivery != DeliveryFailed {
		r.mu.Unlock()
		return Message{}, &NetworkError{Op: "retry", Err: ErrStaleResponse}
	}
	entry.Delivery = DeliveryPending
	snapshot := *entry
	r.mu.Unlock()

	return r.deliver(ctx, conversationID, tempID, snapshot)
}

// deliver performs the REST create and reconciles the optimistic entry by
// correlation id, not by position or arrival order.
func (r *Reconciler) deliver(ctx context.Context, conversationID, tempID string, msg Message) (Message, error) {
	created, err := r.client.CreateMessage(ctx, conversationID, CreateMessageRequest{
		Content:      msg.Content,
		Type:         msg.Type,
		MediaURL:     msg.MediaURL,
		DurationSecs: msg.DurationSecs,
		ClientRef:    tempID,
	})
	if err != nil {
		r.mu.Lock()
		r.markFailedLocked(conversationID, tempID)
		r.mu.Unlock()
		r.logger.Warn("message send failed", "conversation", conversationID, "error", err)
		return Message{}, err
	}

	created.ConversationID = conversationID
	created.Delivery = DeliverySent
	created.LocalMediaURL = msg.LocalMediaURL

	r.mu.Lock()
	reconciled := r.adoptDurableLocked(conversationID, tempID, created)
	r.mu.Unlock()

	r.sink.SetLastMessage(conversationID, previewText(reconciled), reconciled.CreatedAt)
	return reconciled, nil
}

// handlePush merges a pushed message. Before appending, the incoming durable
// id is tested against the ids already present: this covers both a
// redundant delivery and the push echo of one's own send arriving before the
// REST response. Background conversations get an unread increment instead of
// timeline focus.
func (r *Reconciler) handlePush(ev NewMessageEvent) {
	msg := ev.Message
	msg.ConversationID = ev.ConversationID
	if msg.Delivery == "" {
		msg.Delivery = DeliverySent
	}

	r.mu.Lock()
	if r.hasDurableLocked(ev.ConversationID, msg.ID) {
		r.mu.Unlock()
		r.logger.Debug("duplicate push discarded", "message", msg.ID)
		return
	}
	r.appendLocked(msg)
	background := r.foreground != ev.ConversationID
	r.mu.Unlock()

	if background && msg.SenderID != r.userID {
		r.sink.IncrementUnread(ev.ConversationID)
	}
	r.sink.SetLastMessage(ev.ConversationID, previewText(msg), msg.CreatedAt)
}

// MarkRead flags the conversation's messages read locally, zeroes its unread
// counter, and reports the read receipt to the service. This is the only
// path that decreases unread counters.
func (r *Reconciler) MarkRead(ctx context.Context, conversationID string) error {
	r.mu.Lock()
	msgs := r.messages[conversationID]
	for i := range msgs {
		msgs[i].Read = true
	}
	r.mu.Unlock()

	r.sink.ResetUnread(conversationID)
	return r.client.MarkConversationRead(ctx, conversationID)
}

// Messages returns a snapshot of the conversation's message set in arrival
// order. Use Timeline for the rendered chronological view.
func (r *Reconciler) Messages(conversationID string) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages[conversationID]...)
}

// Timeline returns the date-separated chronological view of the
// conversation.
func (r *Reconciler) Timeline(conversationID string, loc *time.Location) []TimelineItem {
	return BuildTimeline(r.Messages(conversationID), loc)
}

// ============================================================================
// Internal, all require r.mu held
// ============================================================================

func (r *Reconciler) appendLocked(msg Message) {
	r.nextSeq++
	msg.Seq = r.nextSeq
	r.messages[msg.ConversationID] = append(r.messages[msg.ConversationID], msg)
	if !IsTempID(msg.ID) {
		r.addDurableLocked(msg.ConversationID, msg.ID)
	}
}

func (r *Reconciler) hasDurableLocked(conversationID, id string) bool {
	_, ok := r.durable[conversationID][id]
	return ok
}

func (r *Reconciler) addDurableLocked(conversationID, id string) {
	set := r.durable[conversationID]
	if set == nil {
		set = make(map[string]struct{})
		r.durable[conversationID] = set
	}
	set[id] = struct{}{}
}

func (r *Reconciler) markFailedLocked(conversationID, tempID string) {
	msgs := r.messages[conversationID]
	for i := range msgs {
		if msgs[i].ID == tempID {
			msgs[i].Delivery = DeliveryFailed
			return
		}
	}
}

// adoptDurableLocked retires the temp entry for a confirmed send. If the
// push echo already inserted the durable id, the temp entry is dropped and
// the echoed entry kept; otherwise the temp entry is replaced in place with
// the authoritative message. Either way the temp id disappears exactly once.
func (r *Reconciler) adoptDurableLocked(conversationID, tempID string, created Message) Message {
	msgs := r.messages[conversationID]

	if r.hasDurableLocked(conversationID, created.ID) {
		kept := created
		filtered := msgs[:0]
		for _, m := range msgs {
			if m.ID == tempID {
				continue
			}
			if m.ID == created.ID {
				m.Delivery = DeliverySent
				m.LocalMediaURL = created.LocalMediaURL
				kept = m
			}
			filtered = append(filtered, m)
		}
		r.messages[conversationID] = filtered
		return kept
	}

	for i := range msgs {
		if msgs[i].ID == tempID {
			created.Seq = msgs[i].Seq
			msgs[i] = created
			r.addDurableLocked(conversationID, created.ID)
			return created
		}
	}

	// Temp entry vanished (e.g. conversation state was rebuilt); append the
	// authoritative message instead of losing it.
	r.appendLocked(created)
	return created
}

// previewText is the conversation-list preview for a message.
func previewText(msg Message) string {
	switch msg.Type {
	case TypeImage:
		return "\U0001F4F7 Photo"
	case TypeVideo:
		return "\U0001F3A5 Video"
	case TypeAudio:
		return "\U0001F3A4 Voice message"
	default:
		return msg.Content
	}
}
