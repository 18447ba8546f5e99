package ws

import "sort"

// VoiceParticipant is one user's visible state inside a voice channel.
type VoiceParticipant struct {
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatarUrl,omitempty"`
	Muted     bool   `json:"muted"`
	Deafened  bool   `json:"deafened"`
}

// VoiceRoomTable tracks voice membership: per-channel participants, each
// user's single active channel, and how many of the user's sockets claim
// it. Invariants: a user appears in exactly one channel's participants iff
// activeChannel is set; sessionCount >= 1 while any socket claims the
// channel; deafened implies muted. The hub mutex guards every method.
type VoiceRoomTable struct {
	participants  map[string]map[string]*VoiceParticipant
	activeChannel map[string]string
	sessionCount  map[string]int
}

func NewVoiceRoomTable() *VoiceRoomTable {
	return &VoiceRoomTable{
		participants:  make(map[string]map[string]*VoiceParticipant),
		activeChannel: make(map[string]string),
		sessionCount:  make(map[string]int),
	}
}

// Install adds or overwrites the user's participant entry in a channel and
// marks the channel active for the user.
func (v *VoiceRoomTable) Install(channelID string, participant VoiceParticipant) {
	if participant.Deafened {
		participant.Muted = true
	}
	bucket := v.participants[channelID]
	if bucket == nil {
		bucket = make(map[string]*VoiceParticipant)
		v.participants[channelID] = bucket
	}
	bucket[participant.UserID] = &participant
	v.activeChannel[participant.UserID] = channelID
}

// Remove drops the user's participant entry and active-channel binding.
// Returns the channel the user was removed from, or "".
func (v *VoiceRoomTable) Remove(userID string) string {
	channelID, ok := v.activeChannel[userID]
	if !ok {
		return ""
	}
	delete(v.activeChannel, userID)
	delete(v.sessionCount, userID)

	bucket := v.participants[channelID]
	if bucket != nil {
		delete(bucket, userID)
		if len(bucket) == 0 {
			delete(v.participants, channelID)
		}
	}
	return channelID
}

// ActiveChannel returns the user's active voice channel, or "".
func (v *VoiceRoomTable) ActiveChannel(userID string) string {
	return v.activeChannel[userID]
}

func (v *VoiceRoomTable) SessionCount(userID string) int {
	return v.sessionCount[userID]
}

func (v *VoiceRoomTable) IncrementSessions(userID string) int {
	v.sessionCount[userID]++
	return v.sessionCount[userID]
}

// DecrementSessions lowers the user's socket count, never below zero.
func (v *VoiceRoomTable) DecrementSessions(userID string) int {
	count := v.sessionCount[userID]
	if count <= 1 {
		v.sessionCount[userID] = 0
		return 0
	}
	v.sessionCount[userID] = count - 1
	return count - 1
}

// Participant returns the user's entry in a channel, or nil.
func (v *VoiceRoomTable) Participant(channelID, userID string) *VoiceParticipant {
	bucket := v.participants[channelID]
	if bucket == nil {
		return nil
	}
	return bucket[userID]
}

// UpdateSelf overwrites mute/deafen flags on an existing participant.
// Reports whether the participant existed.
func (v *VoiceRoomTable) UpdateSelf(channelID, userID string, muted, deafened *bool) bool {
	participant := v.Participant(channelID, userID)
	if participant == nil {
		return false
	}
	if muted != nil {
		participant.Muted = *muted
	}
	if deafened != nil {
		participant.Deafened = *deafened
	}
	if participant.Deafened {
		participant.Muted = true
	}
	return true
}

// ParticipantsOf returns a channel's participants sorted by username.
func (v *VoiceRoomTable) ParticipantsOf(channelID string) []VoiceParticipant {
	bucket := v.participants[channelID]
	out := make([]VoiceParticipant, 0, len(bucket))
	for _, p := range bucket {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Username != out[j].Username {
			return out[i].Username < out[j].Username
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// ParticipantIDs returns the user ids present in a channel.
func (v *VoiceRoomTable) ParticipantIDs(channelID string) []string {
	bucket := v.participants[channelID]
	ids := make([]string, 0, len(bucket))
	for userID := range bucket {
		ids = append(ids, userID)
	}
	return ids
}

// ActiveChannels returns every channel that currently has participants.
func (v *VoiceRoomTable) ActiveChannels() []string {
	channels := make([]string, 0, len(v.participants))
	for channelID := range v.participants {
		channels = append(channels, channelID)
	}
	sort.Strings(channels)
	return channels
}
