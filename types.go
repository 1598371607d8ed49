package avidachat

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Message Types
// ============================================================================

// MessageType classifies a message's content.
type MessageType string

const (
	TypeText  MessageType = "text"
	TypeImage MessageType = "image"
	TypeVideo MessageType = "video"
	TypeAudio MessageType = "audio"
)

// DeliveryState tracks an outgoing message's progress.
//
// A message created optimistically on the sender's device starts as pending,
// becomes sent once the create request is acknowledged, and failed when the
// request errors. Failed messages stay visible and can be retried.
type DeliveryState string

const (
	DeliveryPending DeliveryState = "pending"
	DeliverySent    DeliveryState = "sent"
	DeliveryFailed  DeliveryState = "failed"
)

const tempIDPrefix = "tmp-"

// NewTempID allocates a client-generated correlation id for an optimistic
// message. It is replaced by the server-issued durable id on reconciliation.
func NewTempID() string {
	return tempIDPrefix + uuid.NewString()
}

// IsTempID reports whether id is a client-generated correlation id.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, tempIDPrefix)
}

// Message is a single chat message. Instances are never mutated after
// creation except to advance Delivery or flip Read.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	Content        string        `json:"content"`
	Type           MessageType   `json:"type"`
	MediaURL       string        `json:"mediaUrl,omitempty"`
	DurationSecs   int           `json:"durationSecs,omitempty"`
	Read           bool          `json:"read"`
	Delivery       DeliveryState `json:"deliveryState,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`

	// LocalMediaURL is the sender-side preview resource recorded before
	// upload. Only the sending device ever sees it; recipients see MediaURL.
	LocalMediaURL string `json:"-"`

	// Seq is the local insertion sequence, used as the tie-break when two
	// messages share a timestamp. Never serialized.
	Seq uint64 `json:"-"`
}

// ============================================================================
// Conversations
// ============================================================================

// Participant identifies one side of a conversation.
type Participant struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ListingRef is the snapshot of the marketplace listing a conversation is
// about.
type ListingRef struct {
	ID       string `json:"id"`
	SellerID string `json:"sellerId"`
	Title    string `json:"title"`
	Price    string `json:"price,omitempty"`
	ImageURL string `json:"imageUrl,omitempty"`
}

// LastMessage is the denormalized preview shown in the conversation list.
type LastMessage struct {
	Text   string    `json:"text"`
	SentAt time.Time `json:"sentAt"`
}

// Conversation is a chat thread between two marketplace users, optionally
// tied to a listing. Unread maps participant id to that participant's unread
// counter.
type Conversation struct {
	ID           string         `json:"id"`
	Participants []Participant  `json:"participants"`
	Listing      *ListingRef    `json:"listing,omitempty"`
	LastMessage  *LastMessage   `json:"lastMessage,omitempty"`
	Unread       map[string]int `json:"unread,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// Peer returns the participant that is not userID.
func (c *Conversation) Peer(userID string) Participant {
	for _, p := range c.Participants {
		if p.ID != userID {
			return p
		}
	}
	return Participant{}
}

// UnreadFor returns the unread counter for userID, never negative.
func (c *Conversation) UnreadFor(userID string) int {
	if n := c.Unread[userID]; n > 0 {
		return n
	}
	return 0
}

// ============================================================================
// Presence
// ============================================================================

// OnlineState is tri-state: presence is unknown until the first batch load or
// push update for a user arrives.
type OnlineState int

const (
	OnlineUnknown OnlineState = iota
	Online
	Offline
)

// PresenceRecord is a user's last known online status. LastSeen is stamped
// only on an online-to-offline transition.
type PresenceRecord struct {
	UserID   string      `json:"userId"`
	State    OnlineState `json:"-"`
	LastSeen time.Time   `json:"lastSeen,omitempty"`
}

// presenceWire is the REST representation of a presence record.
type presenceWire struct {
	UserID   string    `json:"userId"`
	IsOnline bool      `json:"isOnline"`
	LastSeen time.Time `json:"lastSeen,omitempty"`
}

// ============================================================================
// Channel Events
// ============================================================================

// Channel event names. Client to server: EventJoin, EventLeave, EventTyping,
// EventStopTyping. Server to client: EventNewMessage, EventTyping,
// EventStopTyping, EventOnlineStatus, EventUserOffline.
const (
	EventJoin         = "join_conversation"
	EventLeave        = "leave_conversation"
	EventNewMessage   = "new_message"
	EventTyping       = "typing"
	EventStopTyping   = "stop_typing"
	EventOnlineStatus = "user_online_status"
	EventUserOffline  = "user_offline"
)

// Envelope is the wire format for all channel events, in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RoomRef addresses a conversation room for join/leave commands.
type RoomRef struct {
	ConversationID string `json:"conversationId"`
}

// NewMessageEvent is pushed when a message is created in any of the user's
// conversations, foreground or not.
type NewMessageEvent struct {
	ConversationID string  `json:"conversationId"`
	Message        Message `json:"message"`
}

// TypingEvent is broadcast while a participant is composing.
type TypingEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	UserName       string `json:"userName,omitempty"`
}

// StopTypingEvent clears a typing indicator. Delivery is not guaranteed;
// receivers must expire indicators on their own.
type StopTypingEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// OnlineStatusEvent is pushed when a user's online status changes.
type OnlineStatusEvent struct {
	UserID   string `json:"userId"`
	IsOnline bool   `json:"isOnline"`
}

// UserOfflineEvent is pushed when a user disconnects.
type UserOfflineEvent struct {
	UserID string `json:"userId"`
}
