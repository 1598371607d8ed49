package avidachat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedDirectory(d *Directory, convs ...Conversation) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range convs {
		c := convs[i]
		d.conversations[c.ID] = &c
	}
}

func testConversations() []Conversation {
	base := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	return []Conversation{
		{
			ID: "c1",
			Participants: []Participant{
				{ID: "u1", Name: "Maya"}, {ID: "u2", Name: "Ben"},
			},
			Listing:     &ListingRef{ID: "l1", SellerID: "u2", Title: "Road bike"},
			LastMessage: &LastMessage{Text: "Still available?", SentAt: base},
			Unread:      map[string]int{"u1": 2},
		},
		{
			ID: "c2",
			Participants: []Participant{
				{ID: "u1", Name: "Maya"}, {ID: "u3", Name: "Cleo"},
			},
			Listing:     &ListingRef{ID: "l2", SellerID: "u1", Title: "Standing desk"},
			LastMessage: &LastMessage{Text: "Can you do 80?", SentAt: base.Add(time.Hour)},
		},
		{
			ID: "c3",
			Participants: []Participant{
				{ID: "u1", Name: "Maya"}, {ID: "u4", Name: "Dara"},
			},
			LastMessage: &LastMessage{Text: "Thanks again!", SentAt: base.Add(2 * time.Hour)},
			Unread:      map[string]int{"u1": 1},
		},
	}
}

func TestDirectoryRefresh(t *testing.T) {
	var presenceIDs []string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat/conversations", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string][]Conversation{"conversations": testConversations()})
	})
	mux.HandleFunc("/api/chat/presence/batch", func(w http.ResponseWriter, r *http.Request) {
		var body map[string][]string
		json.NewDecoder(r.Body).Decode(&body)
		presenceIDs = body["userIds"]
		w.Write([]byte(`{"presence":{"u2":{"userId":"u2","isOnline":true}}}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewClient("tok", WithBaseURL(srv.URL))
	presence := NewPresenceTracker(client, nil, nil)
	d := NewDirectory(client, presence, "u1", nil)

	require.NoError(t, d.Refresh(context.Background()))

	assert.Len(t, d.Conversations(Filter{}), 3)
	assert.ElementsMatch(t, []string{"u2", "u3", "u4"}, presenceIDs, "own id is excluded from the presence batch")
	assert.True(t, presence.IsOnline("u2"))
}

func TestDirectoryOrderByActivity(t *testing.T) {
	d := NewDirectory(nil, nil, "u1", nil)
	seedDirectory(d, testConversations()...)

	convs := d.Conversations(Filter{})
	require.Len(t, convs, 3)
	assert.Equal(t, "c3", convs[0].ID)
	assert.Equal(t, "c2", convs[1].ID)
	assert.Equal(t, "c1", convs[2].ID)
}

func TestDirectoryFilterUnread(t *testing.T) {
	d := NewDirectory(nil, nil, "u1", nil)
	seedDirectory(d, testConversations()...)

	convs := d.Conversations(Filter{Unread: true})
	require.Len(t, convs, 2)
	assert.Equal(t, "c3", convs[0].ID)
	assert.Equal(t, "c1", convs[1].ID)
}

func TestDirectoryFilterRole(t *testing.T) {
	d := NewDirectory(nil, nil, "u1", nil)
	seedDirectory(d, testConversations()...)

	buying := d.Conversations(Filter{Role: RoleBuying})
	require.Len(t, buying, 1)
	assert.Equal(t, "c1", buying[0].ID)

	selling := d.Conversations(Filter{Role: RoleSelling})
	require.Len(t, selling, 1)
	assert.Equal(t, "c2", selling[0].ID)
}

func TestDirectoryFilterQuery(t *testing.T) {
	d := NewDirectory(nil, nil, "u1", nil)
	seedDirectory(d, testConversations()...)

	t.Run("peer name", func(t *testing.T) {
		convs := d.Conversations(Filter{Query: "ben"})
		require.Len(t, convs, 1)
		assert.Equal(t, "c1", convs[0].ID)
	})
	t.Run("listing title", func(t *testing.T) {
		convs := d.Conversations(Filter{Query: "desk"})
		require.Len(t, convs, 1)
		assert.Equal(t, "c2", convs[0].ID)
	})
	t.Run("last message", func(t *testing.T) {
		convs := d.Conversations(Filter{Query: "thanks"})
		require.Len(t, convs, 1)
		assert.Equal(t, "c3", convs[0].ID)
	})
	t.Run("no match", func(t *testing.T) {
		assert.Empty(t, d.Conversations(Filter{Query: "zeppelin"}))
	})
}

func TestDirectoryUnreadCounters(t *testing.T) {
	d := NewDirectory(nil, nil, "u1", nil)
	seedDirectory(d, testConversations()...)

	assert.Equal(t, 3, d.TotalUnread())
	assert.Equal(t, 2, d.UnreadFor("c1"))

	d.IncrementUnread("c1")
	assert.Equal(t, 3, d.UnreadFor("c1"))
	assert.Equal(t, 4, d.TotalUnread())

	d.ResetUnread("c1")
	assert.Equal(t, 0, d.UnreadFor("c1"))

	// Reset is idempotent and the counter never goes negative.
	d.ResetUnread("c1")
	assert.Equal(t, 0, d.UnreadFor("c1"))
	assert.Equal(t, 1, d.TotalUnread())

	// A conversation with no unread map yet still counts correctly.
	d.IncrementUnread("c2")
	assert.Equal(t, 1, d.UnreadFor("c2"))
}

func TestDirectorySetLastMessage(t *testing.T) {
	d := NewDirectory(nil, nil, "u1", nil)
	seedDirectory(d, testConversations()...)

	now := time.Date(2026, 8, 31, 8, 0, 0, 0, time.UTC)
	d.SetLastMessage("c1", "Deal!", now)
	c, ok := d.Get("c1")
	require.True(t, ok)
	assert.Equal(t, "Deal!", c.LastMessage.Text)

	// An older update never overwrites a newer preview.
	d.SetLastMessage("c1", "stale", now.Add(-time.Hour))
	c, _ = d.Get("c1")
	assert.Equal(t, "Deal!", c.LastMessage.Text)

	// Unknown conversations are ignored.
	d.SetLastMessage("nope", "x", now)
}

func TestDirectoryAsSink(t *testing.T) {
	// The directory satisfies the reconciler's sink contract.
	var _ DirectorySink = (*Directory)(nil)
}
