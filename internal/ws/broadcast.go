package ws

import (
	"log/slog"
	"sync"
)

// Broadcaster fans a materialized frame out to a computed set of sessions.
// It takes the hub lock read-only, so callers must not hold it.
type Broadcaster struct {
	mu       *sync.RWMutex
	registry *Registry
}

func NewBroadcaster(mu *sync.RWMutex, registry *Registry) *Broadcaster {
	return &Broadcaster{mu: mu, registry: registry}
}

// ToChannel delivers to every session subscribed to the text channel.
func (b *Broadcaster) ToChannel(channelID string, kind string, payload any) {
	frame, err := marshalFrame(kind, payload)
	if err != nil {
		slog.Error("encoding broadcast frame", "component", "ws", "kind", kind, "error", err)
		return
	}

	b.mu.RLock()
	sessions := b.registry.SessionsOfChannel(channelID)
	b.mu.RUnlock()

	for _, s := range sessions {
		s.enqueue(frame)
	}
}

// ToUsers delivers to every session of each listed user, optionally
// skipping one user (the originator of the event).
func (b *Broadcaster) ToUsers(userIDs []string, excludeUserID string, kind string, payload any) {
	frame, err := marshalFrame(kind, payload)
	if err != nil {
		slog.Error("encoding broadcast frame", "component", "ws", "kind", kind, "error", err)
		return
	}

	b.mu.RLock()
	var sessions []*Session
	for _, userID := range userIDs {
		if userID == excludeUserID {
			continue
		}
		sessions = append(sessions, b.registry.SessionsOfUser(userID)...)
	}
	b.mu.RUnlock()

	for _, s := range sessions {
		s.enqueue(frame)
	}
}

// ToAll delivers to every authenticated session, each exactly once.
func (b *Broadcaster) ToAll(kind string, payload any) {
	frame, err := marshalFrame(kind, payload)
	if err != nil {
		slog.Error("encoding broadcast frame", "component", "ws", "kind", kind, "error", err)
		return
	}

	b.mu.RLock()
	sessions := b.registry.All()
	b.mu.RUnlock()

	for _, s := range sessions {
		s.enqueue(frame)
	}
}
