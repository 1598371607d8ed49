package avidachat

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// PresenceTracker keeps online/offline status for every user visible in the
// conversation list. The map is seeded by a one-shot batch fetch and kept
// current purely by push updates; there is no periodic refetch. Entries for
// users that scroll out of the list are not evicted (bounded by list size in
// practice).
type PresenceTracker struct {
	client *Client
	logger *slog.Logger

	mu      sync.Mutex
	records map[string]PresenceRecord
}

// NewPresenceTracker attaches a tracker to the session's presence events.
func NewPresenceTracker(client *Client, session *ChannelSession, logger *slog.Logger) *PresenceTracker {
	if logger == nil {
		logger = slog.Default()
	}
	p := &PresenceTracker{
		client:  client,
		logger:  logger,
		records: make(map[string]PresenceRecord),
	}
	if session != nil {
		session.OnOnlineStatus(p.handleOnlineStatus)
		session.OnUserOffline(p.handleUserOffline)
	}
	return p
}

// LoadBatch fetches presence for userIDs in one call and merges the result.
// Called whenever the conversation list is (re)loaded.
func (p *PresenceTracker) LoadBatch(ctx context.Context, userIDs []string) error {
	fetched, err := p.client.PresenceBatch(ctx, userIDs)
	if err != nil {
		return err
	}
	p.mu.Lock()
	for id, rec := range fetched {
		p.records[id] = rec
	}
	p.mu.Unlock()
	return nil
}

// Get returns the user's presence record; State is OnlineUnknown when no
// data has arrived for them yet.
func (p *PresenceTracker) Get(userID string) PresenceRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rec, ok := p.records[userID]; ok {
		return rec
	}
	return PresenceRecord{UserID: userID, State: OnlineUnknown}
}

// IsOnline reports whether the user is known to be online.
func (p *PresenceTracker) IsOnline(userID string) bool {
	return p.Get(userID).State == Online
}

func (p *PresenceTracker) handleOnlineStatus(ev OnlineStatusEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec := p.records[ev.UserID]
	rec.UserID = ev.UserID
	if ev.IsOnline {
		rec.State = Online
	} else {
		// last_seen is stamped only on the online-to-offline transition.
		if rec.State == Online {
			rec.LastSeen = time.Now().UTC()
		}
		rec.State = Offline
	}
	p.records[ev.UserID] = rec
}

func (p *PresenceTracker) handleUserOffline(ev UserOfflineEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec := p.records[ev.UserID]
	rec.UserID = ev.UserID
	rec.State = Offline
	rec.LastSeen = time.Now().UTC()
	p.records[ev.UserID] = rec
}
