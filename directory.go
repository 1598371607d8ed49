package avidachat

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// Role filters conversations by the user's side of the listing.
type Role string

const (
	RoleAny     Role = ""
	RoleBuying  Role = "buying"
	RoleSelling Role = "selling"
)

// Filter narrows the conversation list. Zero value matches everything.
type Filter struct {
	// Unread keeps only conversations with unread messages.
	Unread bool
	// Role keeps conversations where the user is the buyer or the seller of
	// the attached listing. Conversations without a listing match RoleAny
	// only.
	Role Role
	// Query is a case-insensitive substring match over the peer name, the
	// listing title and the last message preview.
	Query string
}

// Directory is the cached conversation list: loaded in one shot, then kept
// current by the side effects the reconciler reports (unread increments, read
// resets, preview updates). It implements DirectorySink.
type Directory struct {
	client   *Client
	presence *PresenceTracker
	userID   string
	logger   *slog.Logger

	mu            sync.Mutex
	conversations map[string]*Conversation
}

// NewDirectory builds a directory for userID. presence may be nil; Refresh
// then skips the presence batch load.
func NewDirectory(client *Client, presence *PresenceTracker, userID string, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		client:        client,
		presence:      presence,
		userID:        userID,
		logger:        logger,
		conversations: make(map[string]*Conversation),
	}
}

// Refresh replaces the cached list with a fresh fetch and seeds presence for
// every participant that appears in it.
func (d *Directory) Refresh(ctx context.Context) error {
	convs, err := d.client.ListConversations(ctx)
	if err != nil {
		return err
	}

	peerIDs := make([]string, 0, len(convs))
	seen := make(map[string]struct{})

	d.mu.Lock()
	d.conversations = make(map[string]*Conversation, len(convs))
	for i := range convs {
		c := convs[i]
		d.conversations[c.ID] = &c
		for _, p := range c.Participants {
			if p.ID == d.userID {
				continue
			}
			if _, ok := seen[p.ID]; ok {
				continue
			}
			seen[p.ID] = struct{}{}
			peerIDs = append(peerIDs, p.ID)
		}
	}
	d.mu.Unlock()

	if d.presence != nil && len(peerIDs) > 0 {
		if err := d.presence.LoadBatch(ctx, peerIDs); err != nil {
			// The list is still usable without presence; dots stay unknown.
			d.logger.Warn("presence batch load failed", "error", err)
		}
	}
	return nil
}

// Conversations returns the filtered list, most recent activity first.
func (d *Directory) Conversations(f Filter) []Conversation {
	d.mu.Lock()
	out := make([]Conversation, 0, len(d.conversations))
	for _, c := range d.conversations {
		if d.matchesLocked(c, f) {
			out = append(out, *c)
		}
	}
	d.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		return lastActivity(&out[i]).After(lastActivity(&out[j]))
	})
	return out
}

// Get returns the cached conversation by id.
func (d *Directory) Get(conversationID string) (Conversation, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.conversations[conversationID]; ok {
		return *c, true
	}
	return Conversation{}, false
}

// TotalUnread sums the user's unread counters across all conversations. This
// backs the app-level badge.
func (d *Directory) TotalUnread() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	total := 0
	for _, c := range d.conversations {
		total += c.UnreadFor(d.userID)
	}
	return total
}

// UnreadFor returns the user's unread counter for one conversation.
func (d *Directory) UnreadFor(conversationID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.conversations[conversationID]; ok {
		return c.UnreadFor(d.userID)
	}
	return 0
}

// ============================================================================
// DirectorySink
// ============================================================================

// IncrementUnread bumps the user's unread counter for a background
// conversation.
func (d *Directory) IncrementUnread(conversationID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.conversations[conversationID]
	if !ok {
		return
	}
	if c.Unread == nil {
		c.Unread = make(map[string]int)
	}
	c.Unread[d.userID]++
}

// ResetUnread zeroes the user's unread counter. Counters never go below zero.
func (d *Directory) ResetUnread(conversationID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.conversations[conversationID]; ok && c.Unread != nil {
		c.Unread[d.userID] = 0
	}
}

// SetLastMessage updates the conversation-list preview. Older updates never
// overwrite newer ones.
func (d *Directory) SetLastMessage(conversationID, text string, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.conversations[conversationID]
	if !ok {
		return
	}
	if c.LastMessage != nil && c.LastMessage.SentAt.After(at) {
		return
	}
	c.LastMessage = &LastMessage{Text: text, SentAt: at}
}

// ============================================================================
// Internal
// ============================================================================

func (d *Directory) matchesLocked(c *Conversation, f Filter) bool {
	if f.Unread && c.UnreadFor(d.userID) == 0 {
		return false
	}
	switch f.Role {
	case RoleBuying:
		if c.Listing == nil || c.Listing.SellerID == d.userID {
			return false
		}
	case RoleSelling:
		if c.Listing == nil || c.Listing.SellerID != d.userID {
			return false
		}
	}
	if q := strings.TrimSpace(f.Query); q != "" {
		q = strings.ToLower(q)
		peer := c.Peer(d.userID)
		hay := strings.ToLower(peer.Name)
		if c.Listing != nil {
			hay += " " + strings.ToLower(c.Listing.Title)
		}
		if c.LastMessage != nil {
			hay += " " + strings.ToLower(c.LastMessage.Text)
		}
		if !strings.Contains(hay, q) {
			return false
		}
	}
	return true
}

func lastActivity(c *Conversation) time.Time {
	if c.LastMessage != nil {
		return c.LastMessage.SentAt
	}
	return c.CreatedAt
}
