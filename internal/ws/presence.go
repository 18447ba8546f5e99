package ws

import (
	"sort"
	"time"
)

// PresenceTracker derives per-user presence from that user's sessions.
// Aggregation rule: DND wins over online, online wins over idle. The hub
// mutex guards every method.
type PresenceTracker struct {
	registry *Registry
}

func NewPresenceTracker(registry *Registry) *PresenceTracker {
	return &PresenceTracker{registry: registry}
}

// Snapshot returns the aggregated presence of every connected user, sorted
// by username for stable client rendering.
func (p *PresenceTracker) Snapshot() []PresenceEntry {
	entries := make([]PresenceEntry, 0, len(p.registry.byUser))

	for userID, bucket := range p.registry.byUser {
		var entry PresenceEntry
		state := ""
		for s := range bucket {
			entry = PresenceEntry{ID: userID, Username: s.username, AvatarURL: s.avatarURL}
			state = aggregate(state, s.presence)
		}
		if state == "" {
			continue
		}
		entry.State = state
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Username != entries[j].Username {
			return entries[i].Username < entries[j].Username
		}
		return entries[i].ID < entries[j].ID
	})
	return entries
}

func aggregate(current, next string) string {
	if current == "dnd" || next == "dnd" {
		return "dnd"
	}
	if current == "online" || next == "online" {
		return "online"
	}
	return next
}

// SetSelfState applies an explicit presence change across every session of
// the same user and refreshes their activity clocks.
func (p *PresenceTracker) SetSelfState(s *Session, state string) {
	now := time.Now()
	for _, sibling := range p.registry.SessionsOfUser(s.userID) {
		sibling.presence = state
		sibling.lastActivity = now
	}
}

// SweepIdle demotes online sessions whose last activity is older than the
// threshold. Reports whether any user's aggregated state changed; a demoted
// tab masked by a dnd sibling does not warrant a broadcast.
func (p *PresenceTracker) SweepIdle(now time.Time, threshold time.Duration) bool {
	changed := false
	for _, bucket := range p.registry.byUser {
		before := aggregateOf(bucket)
		for s := range bucket {
			if s.presence == "online" && now.Sub(s.lastActivity) > threshold {
				s.presence = "idle"
			}
		}
		if aggregateOf(bucket) != before {
			changed = true
		}
	}
	return changed
}

func aggregateOf(bucket map[*Session]struct{}) string {
	state := ""
	for s := range bucket {
		state = aggregate(state, s.presence)
	}
	return state
}
