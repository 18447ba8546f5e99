package ws

import (
	"log/slog"
	"sync"
	"time"

	"harbor/internal/models"
	"harbor/internal/sfu"
)

const (
	// Voice presence is preserved this long after the user's last socket
	// closes, so a reconnect does not drop them from the channel.
	voiceGracePeriod = 15 * time.Second

	// Idle demotion cadence.
	idleSweepInterval = 60 * time.Second
)

// Collaborator contracts, consumed narrowly so tests can fake them.

type TokenVerifier interface {
	VerifyToken(token string) (string, error)
}

type UserStore interface {
	FindByID(id string) (*models.User, error)
}

type ChannelStore interface {
	FindByID(id string) (*models.Channel, error)
	CanAccess(userID, channelID string) (bool, error)
}

type MessageStore interface {
	Create(channelID, authorID, content string) (*models.Message, error)
}

type SettingsStore interface {
	IdleTimeout() (time.Duration, error)
}

// MediaRouter is the SFU control plane. The hub never touches media types
// beyond the descriptor structs it relays to clients.
type MediaRouter interface {
	Enabled() bool
	Events() <-chan sfu.Event
	RTPCapabilities(channelID string) (*sfu.Capabilities, error)
	CreateTransport(channelID, userID, direction string) (*sfu.TransportInfo, error)
	ConnectTransport(channelID, userID, transportID, answerSDP string) error
	Produce(channelID, userID, transportID, kind string) (*sfu.ProducerInfo, error)
	CloseProducer(channelID, userID, producerID string) (*sfu.ProducerInfo, error)
	ListProducers(channelID, excludeUserID string) ([]sfu.ProducerInfo, error)
	Consume(channelID, userID, transportID, producerID string) (*sfu.ConsumerInfo, error)
	ResumeConsumer(channelID, userID, consumerID string) error
	RestartICE(channelID, userID, transportID string) (string, error)
	TransportStats(channelID, userID, transportID string) (*sfu.TransportStats, error)
	RemovePeer(channelID, userID string) []sfu.ProducerInfo
}

type Deps struct {
	Tokens      TokenVerifier
	Users       UserStore
	Channels    ChannelStore
	Messages    MessageStore
	Settings    SettingsStore
	Media       MediaRouter
	IdleTimeout time.Duration
}

type graceEntry struct {
	timer     *time.Timer
	channelID string
}

// Hub coordinates all gateway state under one coarse lock. Handlers mutate
// with the write lock held, then release it before collaborator calls and
// broadcasts; participant mutations always precede SFU peer removal, which
// precedes the broadcast.
type Hub struct {
	tokens   TokenVerifier
	users    UserStore
	channels ChannelStore
	messages MessageStore
	settings SettingsStore
	media    MediaRouter

	mu        sync.RWMutex
	registry  *Registry
	presence  *PresenceTracker
	voice     *VoiceRoomTable
	grace     map[string]*graceEntry
	idleAfter time.Duration

	broadcast *Broadcaster

	done      chan struct{}
	closeOnce sync.Once
}

func NewHub(deps Deps) *Hub {
	h := &Hub{
		tokens:    deps.Tokens,
		users:     deps.Users,
		channels:  deps.Channels,
		messages:  deps.Messages,
		settings:  deps.Settings,
		media:     deps.Media,
		registry:  NewRegistry(),
		voice:     NewVoiceRoomTable(),
		grace:     make(map[string]*graceEntry),
		idleAfter: deps.IdleTimeout,
		done:      make(chan struct{}),
	}
	h.presence = NewPresenceTracker(h.registry)
	h.broadcast = NewBroadcaster(&h.mu, h.registry)
	h.refreshIdleTimeout()
	return h
}

// Run drives the periodic idle sweep and consumes media lifecycle events
// until Shutdown.
func (h *Hub) Run() {
	ticker := time.NewTicker(idleSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case now := <-ticker.C:
			h.sweepIdle(now)
		case ev := <-h.media.Events():
			h.handleMediaEvent(ev)
		}
	}
}

// Shutdown stops timers and closes every session.
func (h *Hub) Shutdown() {
	h.closeOnce.Do(func() {
		close(h.done)
	})

	h.mu.Lock()
	for userID, entry := range h.grace {
		entry.timer.Stop()
		delete(h.grace, userID)
	}
	sessions := h.registry.All()
	h.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	slog.Info("gateway hub stopped", "component", "ws", "sessions", len(sessions))
}

func (h *Hub) sweepIdle(now time.Time) {
	h.mu.Lock()
	changed := h.presence.SweepIdle(now, h.idleAfter)
	h.mu.Unlock()

	if changed {
		h.broadcastPresence()
	}
}

// refreshIdleTimeout reloads the idle threshold from the settings
// collaborator. Failures keep the cached value.
func (h *Hub) refreshIdleTimeout() {
	d, err := h.settings.IdleTimeout()
	if err != nil {
		slog.Debug("idle timeout setting unavailable, keeping cached value",
			"component", "ws", "error", err)
		return
	}
	h.mu.Lock()
	h.idleAfter = d
	h.mu.Unlock()
}

// NotifySettingsUpdated is invoked when an administrative settings change
// is observed.
func (h *Hub) NotifySettingsUpdated() {
	h.refreshIdleTimeout()
}

// NotifyUserUpdated refreshes cached identity snapshots after a profile
// change made outside the gateway.
func (h *Hub) NotifyUserUpdated(user *models.User) {
	h.mu.Lock()
	for _, s := range h.registry.SessionsOfUser(user.ID) {
		s.username = user.Username
		s.avatarURL = user.GetAvatarURL()
		s.role = user.Role
	}
	voiceChannel := h.voice.ActiveChannel(user.ID)
	if voiceChannel != "" {
		if p := h.voice.Participant(voiceChannel, user.ID); p != nil {
			p.Username = user.Username
			p.AvatarURL = user.GetAvatarURL()
		}
	}
	h.mu.Unlock()

	h.broadcastPresence()
	if voiceChannel != "" {
		h.broadcastVoiceState(voiceChannel)
	}
}

// handleDisconnect unwinds a closed socket: channel subscriptions drop
// immediately, voice presence survives behind a grace timer if this was the
// user's last socket in their active channel.
func (h *Hub) handleDisconnect(s *Session) {
	h.mu.Lock()
	wentOffline := h.registry.Detach(s)
	userID := s.userID
	voiceChannel := s.activeVoice
	s.activeVoice = ""

	if userID != "" && voiceChannel != "" && h.voice.ActiveChannel(userID) == voiceChannel {
		if h.voice.DecrementSessions(userID) == 0 {
			h.armGraceLocked(userID, voiceChannel)
		}
	}
	h.mu.Unlock()

	if wentOffline {
		h.broadcastPresence()
	}
	if userID != "" {
		slog.Info("session closed", "component", "ws",
			"session_id", s.ID, "user_id", userID, "went_offline", wentOffline)
	}
}

// armGraceLocked starts (or replaces) the user's disconnect timer. Caller
// holds the write lock.
func (h *Hub) armGraceLocked(userID, channelID string) {
	if existing := h.grace[userID]; existing != nil {
		existing.timer.Stop()
	}
	entry := &graceEntry{channelID: channelID}
	entry.timer = time.AfterFunc(voiceGracePeriod, func() {
		h.onGraceExpired(userID, channelID)
	})
	h.grace[userID] = entry
}

// cancelGraceLocked stops a pending timer and returns the channel it was
// guarding, or "". Caller holds the write lock.
func (h *Hub) cancelGraceLocked(userID string) string {
	entry := h.grace[userID]
	if entry == nil {
		return ""
	}
	entry.timer.Stop()
	delete(h.grace, userID)
	return entry.channelID
}

// onGraceExpired fires the teardown if the user's voice binding is still
// the one recorded at arm time. The timer races incoming auths, so
// everything is re-checked under the lock.
func (h *Hub) onGraceExpired(userID, channelID string) {
	h.mu.Lock()
	entry := h.grace[userID]
	if entry == nil || entry.channelID != channelID {
		h.mu.Unlock()
		return
	}
	delete(h.grace, userID)
	if h.voice.ActiveChannel(userID) != channelID || h.voice.SessionCount(userID) > 0 {
		h.mu.Unlock()
		return
	}
	removedChannel, remaining := h.removeFromVoiceLocked(userID)
	h.mu.Unlock()

	if removedChannel != "" {
		slog.Info("voice grace expired", "component", "ws", "user_id", userID, "channel_id", removedChannel)
		h.teardownVoicePeer(removedChannel, userID, remaining)
	}
}

// removeFromVoiceLocked clears the user's participant entry, session
// bindings, counters, and any grace timer. Returns the vacated channel and
// the ids of its remaining participants. Caller holds the write lock.
func (h *Hub) removeFromVoiceLocked(userID string) (string, []string) {
	channelID := h.voice.Remove(userID)
	if channelID == "" {
		return "", nil
	}
	for _, s := range h.registry.SessionsOfUser(userID) {
		if s.activeVoice == channelID {
			s.activeVoice = ""
		}
	}
	h.cancelGraceLocked(userID)
	return channelID, h.voice.ParticipantIDs(channelID)
}

// teardownVoicePeer removes the user's SFU peer and announces the removed
// producers, then the new channel state. Never called with the lock held.
func (h *Hub) teardownVoicePeer(channelID, userID string, notifyIDs []string) {
	removed := h.media.RemovePeer(channelID, userID)
	for _, p := range removed {
		h.broadcast.ToUsers(notifyIDs, "", KindSFUEvent, SFUEventPayload{
			ChannelID:  channelID,
			Event:      "producer-removed",
			ProducerID: p.ID,
			Producer:   p,
		})
	}
	h.broadcastVoiceState(channelID)
}

func (h *Hub) broadcastPresence() {
	h.mu.RLock()
	users := h.presence.Snapshot()
	h.mu.RUnlock()

	h.broadcast.ToAll(KindPresenceUpdate, PresenceUpdatePayload{Users: users})
}

// broadcastVoiceState goes to every session; the channel sidebar renders
// voice occupancy for channels the viewer has not joined.
func (h *Hub) broadcastVoiceState(channelID string) {
	h.mu.RLock()
	participants := h.voice.ParticipantsOf(channelID)
	h.mu.RUnlock()

	h.broadcast.ToAll(KindVoiceState, VoiceStatePayload{
		ChannelID:    channelID,
		Participants: participants,
	})
}

func (h *Hub) handleMediaEvent(ev sfu.Event) {
	switch ev.Type {
	case sfu.EventWorkerDied:
		h.invalidateVoiceRooms()

	case sfu.EventConsumerClose, sfu.EventTransportClose:
		h.broadcast.ToUsers([]string{ev.UserID}, "", KindSFUEvent, SFUEventPayload{
			ChannelID:  ev.ChannelID,
			Event:      string(ev.Type),
			ProducerID: ev.ProducerID,
			ConsumerID: ev.ConsumerID,
		})

	case sfu.EventProducerClose:
		h.mu.RLock()
		ids := h.voice.ParticipantIDs(ev.ChannelID)
		h.mu.RUnlock()
		h.broadcast.ToUsers(ids, ev.UserID, KindSFUEvent, SFUEventPayload{
			ChannelID:  ev.ChannelID,
			Event:      string(ev.Type),
			ProducerID: ev.ProducerID,
		})

	case sfu.EventRoomClose:
		// Room is already empty; nothing to announce.
	}
}

// invalidateVoiceRooms evicts every voice participant after the media
// worker died and rebroadcasts empty channel states.
func (h *Hub) invalidateVoiceRooms() {
	h.mu.Lock()
	channels := h.voice.ActiveChannels()
	h.voice = NewVoiceRoomTable()
	for s := range h.registry.sessions {
		s.activeVoice = ""
	}
	for userID, entry := range h.grace {
		entry.timer.Stop()
		delete(h.grace, userID)
	}
	h.mu.Unlock()

	slog.Error("media worker died, evicting voice rooms", "component", "ws", "channels", len(channels))
	for _, channelID := range channels {
		h.broadcastVoiceState(channelID)
	}
}
