package ws

import (
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"harbor/internal/constants"
	"harbor/internal/db"
	"harbor/internal/models"
)

// HandleFrame routes one inbound frame. Frames from a single socket arrive
// sequentially, so handlers run in submission order per session.
func (h *Hub) HandleFrame(s *Session, raw []byte) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Type == "" {
		s.sendError(constants.ErrCodeInvalidEvent, "malformed frame")
		return
	}

	if frame.Type == KindAuth {
		h.handleAuth(s, frame.Payload)
		return
	}
	if !s.IsAuthenticated() {
		s.sendError(constants.ErrCodeUnauthorized, "authenticate first")
		return
	}

	h.bumpActivity(s)

	switch frame.Type {
	case KindPresenceSet:
		h.handlePresenceSet(s, frame.Payload)
	case KindChannelJoin:
		h.handleChannelJoin(s, frame.Payload)
	case KindChannelLeave:
		h.handleChannelLeave(s, frame.Payload)
	case KindVoiceJoin:
		h.handleVoiceJoin(s, frame.Payload)
	case KindVoiceLeave:
		h.handleVoiceLeave(s, frame.Payload)
	case KindVoiceSelfState:
		h.handleVoiceSelfState(s, frame.Payload)
	case KindSFURequest:
		h.handleSFURequest(s, frame.Payload)
	case KindVoiceSignal:
		h.handleVoiceSignal(s, frame.Payload)
	case KindMessageSend:
		h.handleMessageSend(s, frame.Payload)
	case KindPing:
		h.handlePing(s, frame.Payload)
	default:
		s.sendError(constants.ErrCodeUnknownEvent, "unknown frame kind "+frame.Type)
	}
}

// bumpActivity refreshes the activity clock; an idle session producing any
// frame flips back to online.
func (h *Hub) bumpActivity(s *Session) {
	h.mu.Lock()
	s.lastActivity = time.Now()
	wasIdle := s.presence == "idle"
	if wasIdle {
		s.presence = "online"
	}
	h.mu.Unlock()

	if wasIdle {
		h.broadcastPresence()
	}
}

func (h *Hub) handleAuth(s *Session, raw json.RawMessage) {
	if s.State() != SessionStateConnected {
		s.sendError(constants.ErrCodeAlreadyAuthenticated, "session already authenticated")
		return
	}

	var p AuthPayload
	if err := decodePayload(raw, &p); err != nil {
		s.sendError(constants.ErrCodeInvalidAuth, "missing token")
		return
	}

	userID, err := h.tokens.VerifyToken(p.Token)
	if err != nil {
		s.sendError(constants.ErrCodeInvalidAuth, "invalid token")
		return
	}

	user, err := h.users.FindByID(userID)
	if err != nil {
		s.sendError(constants.ErrCodeInvalidAuth, "unknown user")
		return
	}
	if user.IsSuspended() {
		s.sendError(constants.ErrCodeAccountSuspended, "account suspended")
		return
	}

	if !s.transitionTo(SessionStateAuthenticated) {
		s.sendError(constants.ErrCodeAlreadyAuthenticated, "session already authenticated")
		return
	}

	h.mu.Lock()
	s.userID = user.ID
	s.username = user.Username
	s.avatarURL = user.GetAvatarURL()
	s.role = user.Role
	s.lastActivity = time.Now()
	h.registry.Attach(s, user.ID)

	// A reconnect within the grace window resumes the user's voice context
	// without rejoining.
	if restored := h.cancelGraceLocked(user.ID); restored != "" && h.voice.ActiveChannel(user.ID) == restored {
		s.activeVoice = restored
		h.voice.IncrementSessions(user.ID)
	}

	channels := h.voice.ActiveChannels()
	snapshots := make([]VoiceStatePayload, 0, len(channels))
	for _, channelID := range channels {
		snapshots = append(snapshots, VoiceStatePayload{
			ChannelID:    channelID,
			Participants: h.voice.ParticipantsOf(channelID),
		})
	}
	h.mu.Unlock()

	s.sendFrame(KindAuthOK, AuthOKPayload{UserID: user.ID})
	h.broadcastPresence()
	for _, snapshot := range snapshots {
		s.sendFrame(KindVoiceState, snapshot)
	}

	slog.Info("session authenticated", "component", "ws", "session_id", s.ID, "user_id", user.ID)
}

func (h *Hub) handlePresenceSet(s *Session, raw json.RawMessage) {
	var p PresenceSetPayload
	if err := decodePayload(raw, &p); err != nil {
		s.sendError(constants.ErrCodeInvalidEvent, "invalid presence state")
		return
	}

	h.mu.Lock()
	h.presence.SetSelfState(s, p.State)
	h.mu.Unlock()

	h.broadcastPresence()
}

func (h *Hub) handleChannelJoin(s *Session, raw json.RawMessage) {
	var p ChannelPayload
	if err := decodePayload(raw, &p); err != nil {
		s.sendError(constants.ErrCodeInvalidChannel, "channelId required")
		return
	}

	ok, err := h.channels.CanAccess(s.userID, p.ChannelID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.sendError(constants.ErrCodeChannelNotFound, "channel not found")
			return
		}
		slog.Error("channel access check failed", "component", "ws", "channel_id", p.ChannelID, "error", err)
		s.sendError(constants.ErrCodeWSError, "internal error")
		return
	}
	if !ok {
		s.sendError(constants.ErrCodeChannelNotFound, "channel not found")
		return
	}

	h.mu.Lock()
	h.registry.ChannelAdd(s, p.ChannelID)
	h.mu.Unlock()

	s.sendFrame(KindChannelJoined, ChannelPayload{ChannelID: p.ChannelID})
}

func (h *Hub) handleChannelLeave(s *Session, raw json.RawMessage) {
	var p ChannelPayload
	if err := decodePayload(raw, &p); err != nil {
		s.sendError(constants.ErrCodeInvalidChannel, "channelId required")
		return
	}

	h.mu.Lock()
	h.registry.ChannelRemove(s, p.ChannelID)
	h.mu.Unlock()

	s.sendFrame(KindChannelLeft, ChannelPayload{ChannelID: p.ChannelID})
}

func (h *Hub) handleVoiceJoin(s *Session, raw json.RawMessage) {
	var p VoiceJoinPayload
	if err := decodePayload(raw, &p); err != nil {
		s.sendError(constants.ErrCodeInvalidVoiceChannel, "channelId required")
		return
	}

	channel, err := h.channels.FindByID(p.ChannelID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.sendError(constants.ErrCodeChannelNotFound, "channel not found")
			return
		}
		slog.Error("channel lookup failed", "component", "ws", "channel_id", p.ChannelID, "error", err)
		s.sendError(constants.ErrCodeWSError, "internal error")
		return
	}
	if channel.Kind != models.ChannelKindVoice {
		s.sendError(constants.ErrCodeInvalidVoiceChannel, "not a voice channel")
		return
	}

	h.mu.Lock()
	userID := s.userID

	// Switching channels forces a leave of the previous one first.
	var forcedChannel string
	var forcedRemaining []string
	if prior := h.voice.ActiveChannel(userID); prior != "" && prior != p.ChannelID {
		forcedChannel, forcedRemaining = h.removeFromVoiceLocked(userID)
	}

	// Only a session whose prior active channel differs counts as a new
	// socket claiming the channel; a same-channel rejoin is idempotent.
	if s.activeVoice != p.ChannelID {
		h.voice.IncrementSessions(userID)
		s.activeVoice = p.ChannelID
	}
	h.cancelGraceLocked(userID)

	h.voice.Install(p.ChannelID, VoiceParticipant{
		UserID:    userID,
		Username:  s.username,
		AvatarURL: s.avatarURL,
		Muted:     p.Muted,
		Deafened:  p.Deafened,
	})
	h.mu.Unlock()

	if forcedChannel != "" {
		h.teardownVoicePeer(forcedChannel, userID, forcedRemaining)
	}
	h.broadcastVoiceState(p.ChannelID)

	slog.Info("voice join", "component", "ws", "user_id", userID, "channel_id", p.ChannelID)
}

func (h *Hub) handleVoiceLeave(s *Session, raw json.RawMessage) {
	var p VoiceLeavePayload
	if err := decodePayload(raw, &p); err != nil {
		s.sendError(constants.ErrCodeInvalidEvent, "invalid payload")
		return
	}

	h.mu.Lock()
	userID := s.userID
	target := p.ChannelID
	if target == "" {
		target = s.activeVoice
	}
	if target == "" || s.activeVoice != target || h.voice.ActiveChannel(userID) != target {
		h.mu.Unlock()
		s.sendError(constants.ErrCodeVoiceNotJoined, "not in that voice channel")
		return
	}

	s.activeVoice = ""
	if h.voice.DecrementSessions(userID) > 0 {
		// Other tabs still claim the channel.
		h.mu.Unlock()
		return
	}

	removedChannel, remaining := h.removeFromVoiceLocked(userID)
	h.mu.Unlock()

	if removedChannel != "" {
		h.teardownVoicePeer(removedChannel, userID, remaining)
		slog.Info("voice leave", "component", "ws", "user_id", userID, "channel_id", removedChannel)
	}
}

func (h *Hub) handleVoiceSelfState(s *Session, raw json.RawMessage) {
	var p VoiceSelfStatePayload
	if err := decodePayload(raw, &p); err != nil {
		s.sendError(constants.ErrCodeInvalidEvent, "invalid payload")
		return
	}

	h.mu.Lock()
	target := p.ChannelID
	if target == "" {
		target = s.activeVoice
	}
	if target == "" || h.voice.ActiveChannel(s.userID) != target {
		h.mu.Unlock()
		s.sendError(constants.ErrCodeVoiceNotJoined, "not in that voice channel")
		return
	}
	updated := h.voice.UpdateSelf(target, s.userID, p.Muted, p.Deafened)
	h.mu.Unlock()

	if !updated {
		s.sendError(constants.ErrCodeVoiceNotJoined, "not in that voice channel")
		return
	}
	h.broadcastVoiceState(target)
}

func (h *Hub) handleVoiceSignal(s *Session, raw json.RawMessage) {
	switch checkSignalBudget(s, time.Now()) {
	case signalLimitedNotify:
		s.sendError(constants.ErrCodeSignalRateLimited, "signaling too fast")
		return
	case signalLimitedSilent:
		return
	}

	var p VoiceSignalPayload
	if err := decodePayload(raw, &p); err != nil {
		s.sendError(constants.ErrCodeInvalidSignal, "invalid signal payload")
		return
	}

	h.mu.RLock()
	active := s.activeVoice
	targetPresent := h.voice.Participant(p.ChannelID, p.TargetUserID) != nil
	h.mu.RUnlock()

	if active != p.ChannelID {
		s.sendError(constants.ErrCodeVoiceNotJoined, "not in that voice channel")
		return
	}
	if !targetPresent {
		s.sendError(constants.ErrCodeVoiceTargetNotAvailable, "target not in channel")
		return
	}

	h.broadcast.ToUsers([]string{p.TargetUserID}, "", KindVoiceSignal, VoiceSignalRelayPayload{
		ChannelID:  p.ChannelID,
		FromUserID: s.userID,
		Data:       p.Data,
	})
}

func (h *Hub) handleMessageSend(s *Session, raw json.RawMessage) {
	var p MessageSendPayload
	if err := decodePayload(raw, &p); err != nil {
		s.sendError(constants.ErrCodeInvalidEvent, "channelId and content required")
		return
	}
	if len(p.Content) > maxMessageContentLength {
		s.sendError(constants.ErrCodeMessageTooLong, "message exceeds maximum length")
		return
	}

	ok, err := h.channels.CanAccess(s.userID, p.ChannelID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		slog.Error("channel access check failed", "component", "ws", "channel_id", p.ChannelID, "error", err)
		s.sendError(constants.ErrCodeWSError, "internal error")
		return
	}
	if err != nil || !ok {
		s.sendError(constants.ErrCodeChannelNotFound, "channel not found")
		return
	}

	message, err := h.messages.Create(p.ChannelID, s.userID, p.Content)
	if err != nil {
		slog.Error("creating message", "component", "ws", "channel_id", p.ChannelID, "error", err)
		s.sendError(constants.ErrCodeWSError, "internal error")
		return
	}

	h.broadcast.ToChannel(p.ChannelID, KindMessageNew, MessageNewPayload{Message: message})
}

func (h *Hub) handlePing(s *Session, raw json.RawMessage) {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	s.sendFrame(KindPong, raw)
}
