package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"harbor/internal/db"
	"harbor/internal/models"
	"harbor/internal/sfu"
)

// Collaborator fakes.

type fakeTokens struct {
	tokens map[string]string
}

func (f *fakeTokens) VerifyToken(token string) (string, error) {
	userID, ok := f.tokens[token]
	if !ok {
		return "", errors.New("bad token")
	}
	return userID, nil
}

type fakeUsers struct {
	users map[string]*models.User
}

func (f *fakeUsers) FindByID(id string) (*models.User, error) {
	user, ok := f.users[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return user, nil
}

type fakeChannels struct {
	channels map[string]*models.Channel
	denied   map[string]bool
}

func (f *fakeChannels) FindByID(id string) (*models.Channel, error) {
	ch, ok := f.channels[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return ch, nil
}

func (f *fakeChannels) CanAccess(userID, channelID string) (bool, error) {
	if _, ok := f.channels[channelID]; !ok {
		return false, db.ErrNotFound
	}
	if f.denied[userID+"/"+channelID] {
		return false, nil
	}
	return true, nil
}

type fakeMessages struct {
	created []*models.Message
}

func (f *fakeMessages) Create(channelID, authorID, content string) (*models.Message, error) {
	msg := &models.Message{
		ID:        fmt.Sprintf("msg_%d", len(f.created)+1),
		ChannelID: channelID,
		AuthorID:  authorID,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	f.created = append(f.created, msg)
	return msg, nil
}

type fakeSettings struct {
	timeout time.Duration
	err     error
}

func (f *fakeSettings) IdleTimeout() (time.Duration, error) {
	return f.timeout, f.err
}

type removedPeer struct {
	channelID string
	userID    string
}

type fakeMedia struct {
	enabled      bool
	events       chan sfu.Event
	removed      []removedPeer
	removeReturn []sfu.ProducerInfo
	err          error
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{enabled: true, events: make(chan sfu.Event, 8)}
}

func (f *fakeMedia) Enabled() bool            { return f.enabled }
func (f *fakeMedia) Events() <-chan sfu.Event { return f.events }

func (f *fakeMedia) RTPCapabilities(channelID string) (*sfu.Capabilities, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &sfu.Capabilities{
		AudioOnly: true,
		Codecs:    []sfu.CodecCapability{{MimeType: "audio/opus", ClockRate: 48000, Channels: 2}},
	}, nil
}

func (f *fakeMedia) CreateTransport(channelID, userID, direction string) (*sfu.TransportInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &sfu.TransportInfo{ID: "t1", Direction: direction, Offer: "v=0"}, nil
}

func (f *fakeMedia) ConnectTransport(channelID, userID, transportID, answerSDP string) error {
	return f.err
}

func (f *fakeMedia) Produce(channelID, userID, transportID, kind string) (*sfu.ProducerInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &sfu.ProducerInfo{ID: "p1", UserID: userID, Kind: kind}, nil
}

func (f *fakeMedia) CloseProducer(channelID, userID, producerID string) (*sfu.ProducerInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &sfu.ProducerInfo{ID: producerID, UserID: userID, Kind: "audio"}, nil
}

func (f *fakeMedia) ListProducers(channelID, excludeUserID string) ([]sfu.ProducerInfo, error) {
	return []sfu.ProducerInfo{}, f.err
}

func (f *fakeMedia) Consume(channelID, userID, transportID, producerID string) (*sfu.ConsumerInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &sfu.ConsumerInfo{ID: "c1", ProducerID: producerID, Kind: "audio", Offer: "v=0"}, nil
}

func (f *fakeMedia) ResumeConsumer(channelID, userID, consumerID string) error { return f.err }

func (f *fakeMedia) RestartICE(channelID, userID, transportID string) (string, error) {
	return "v=0", f.err
}

func (f *fakeMedia) TransportStats(channelID, userID, transportID string) (*sfu.TransportStats, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &sfu.TransportStats{TransportID: transportID, ConnectionState: "connected"}, nil
}

func (f *fakeMedia) RemovePeer(channelID, userID string) []sfu.ProducerInfo {
	f.removed = append(f.removed, removedPeer{channelID: channelID, userID: userID})
	return f.removeReturn
}

// Test fixture.

type hubFixture struct {
	hub      *Hub
	media    *fakeMedia
	messages *fakeMessages
	channels *fakeChannels
	settings *fakeSettings
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()

	avatar := "https://cdn.example.com/a.png"
	media := newFakeMedia()
	messages := &fakeMessages{}
	settings := &fakeSettings{timeout: 15 * time.Minute}
	channels := &fakeChannels{
		channels: map[string]*models.Channel{
			"c1": {ID: "c1", Name: "general", Kind: models.ChannelKindText},
			"v1": {ID: "v1", Name: "voice-1", Kind: models.ChannelKindVoice},
			"v2": {ID: "v2", Name: "voice-2", Kind: models.ChannelKindVoice},
		},
		denied: map[string]bool{},
	}

	hub := NewHub(Deps{
		Tokens: &fakeTokens{tokens: map[string]string{"tok-u1": "u1", "tok-u2": "u2"}},
		Users: &fakeUsers{users: map[string]*models.User{
			"u1": {ID: "u1", Username: "alice", AvatarURL: &avatar, Role: models.RoleMember},
			"u2": {ID: "u2", Username: "bob", Role: models.RoleMember},
		}},
		Channels:    channels,
		Messages:    messages,
		Settings:    settings,
		Media:       media,
		IdleTimeout: 15 * time.Minute,
	})

	return &hubFixture{hub: hub, media: media, messages: messages, channels: channels, settings: settings}
}

func (f *hubFixture) send(t *testing.T, s *Session, kind string, payload any) {
	t.Helper()
	frame, err := marshalFrame(kind, payload)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	f.hub.HandleFrame(s, frame)
}

func (f *hubFixture) authenticate(t *testing.T, token string) *Session {
	t.Helper()
	s := NewSession(f.hub, nil)
	f.send(t, s, KindAuth, AuthPayload{Token: token})
	if s.State() != SessionStateAuthenticated {
		t.Fatalf("expected authenticated session, got state %d", s.State())
	}
	return s
}

// nextFrame pops the next queued outbound frame, failing if none is queued.
func nextFrame(t *testing.T, s *Session) Frame {
	t.Helper()
	select {
	case raw := <-s.send:
		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			t.Fatalf("decoding frame: %v", err)
		}
		return frame
	default:
		t.Fatal("no frame queued")
		return Frame{}
	}
}

// frameOfKind scans queued frames until one of the kind appears.
func frameOfKind(t *testing.T, s *Session, kind string) Frame {
	t.Helper()
	for i := 0; i < 64; i++ {
		select {
		case raw := <-s.send:
			var frame Frame
			if err := json.Unmarshal(raw, &frame); err != nil {
				t.Fatalf("decoding frame: %v", err)
			}
			if frame.Type == kind {
				return frame
			}
		default:
			t.Fatalf("no %s frame queued", kind)
		}
	}
	t.Fatalf("no %s frame within scan limit", kind)
	return Frame{}
}

func drainFrames(s *Session) {
	for {
		select {
		case <-s.send:
		default:
			return
		}
	}
}

func decodeInto(t *testing.T, raw json.RawMessage, v any) {
	t.Helper()
	if err := json.Unmarshal(raw, v); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
}

func TestAuthFlowSendsAckThenPresence(t *testing.T) {
	f := newHubFixture(t)
	s := NewSession(f.hub, nil)

	f.send(t, s, KindAuth, AuthPayload{Token: "tok-u1"})

	ack := nextFrame(t, s)
	if ack.Type != KindAuthOK {
		t.Fatalf("expected auth:ok first, got %s", ack.Type)
	}
	var ok AuthOKPayload
	decodeInto(t, ack.Payload, &ok)
	if ok.UserID != "u1" {
		t.Fatalf("expected userId u1, got %s", ok.UserID)
	}

	presence := nextFrame(t, s)
	if presence.Type != KindPresenceUpdate {
		t.Fatalf("expected presence:update second, got %s", presence.Type)
	}
	var p PresenceUpdatePayload
	decodeInto(t, presence.Payload, &p)
	if len(p.Users) != 1 || p.Users[0].ID != "u1" || p.Users[0].State != "online" {
		t.Fatalf("unexpected presence snapshot: %+v", p.Users)
	}
}

func TestFramesBeforeAuthAreRejected(t *testing.T) {
	f := newHubFixture(t)
	s := NewSession(f.hub, nil)

	f.send(t, s, KindChannelJoin, ChannelPayload{ChannelID: "c1"})

	frame := nextFrame(t, s)
	if frame.Type != KindError {
		t.Fatalf("expected error frame, got %s", frame.Type)
	}
	var e ErrorPayload
	decodeInto(t, frame.Payload, &e)
	if e.Code != "UNAUTHORIZED" {
		t.Fatalf("expected UNAUTHORIZED, got %s", e.Code)
	}
}

func TestSecondAuthRejected(t *testing.T) {
	f := newHubFixture(t)
	s := f.authenticate(t, "tok-u1")
	drainFrames(s)

	f.send(t, s, KindAuth, AuthPayload{Token: "tok-u1"})

	var e ErrorPayload
	decodeInto(t, frameOfKind(t, s, KindError).Payload, &e)
	if e.Code != "ALREADY_AUTHENTICATED" {
		t.Fatalf("expected ALREADY_AUTHENTICATED, got %s", e.Code)
	}
}

func TestInvalidTokenRejected(t *testing.T) {
	f := newHubFixture(t)
	s := NewSession(f.hub, nil)

	f.send(t, s, KindAuth, AuthPayload{Token: "nope"})

	var e ErrorPayload
	decodeInto(t, nextFrame(t, s).Payload, &e)
	if e.Code != "INVALID_AUTH" {
		t.Fatalf("expected INVALID_AUTH, got %s", e.Code)
	}
	if s.IsAuthenticated() {
		t.Fatal("session must not be authenticated after bad token")
	}
}

func TestSuspendedUserRejected(t *testing.T) {
	f := newHubFixture(t)
	now := time.Now()
	f.hub.users.(*fakeUsers).users["u1"].SuspendedAt = &now

	s := NewSession(f.hub, nil)
	f.send(t, s, KindAuth, AuthPayload{Token: "tok-u1"})

	var e ErrorPayload
	decodeInto(t, nextFrame(t, s).Payload, &e)
	if e.Code != "ACCOUNT_SUSPENDED" {
		t.Fatalf("expected ACCOUNT_SUSPENDED, got %s", e.Code)
	}
}

func TestDisconnectOfLastSessionBroadcastsOffline(t *testing.T) {
	f := newHubFixture(t)
	s1 := f.authenticate(t, "tok-u1")
	s2 := f.authenticate(t, "tok-u2")
	drainFrames(s1)
	drainFrames(s2)

	f.hub.handleDisconnect(s1)

	var p PresenceUpdatePayload
	decodeInto(t, frameOfKind(t, s2, KindPresenceUpdate).Payload, &p)
	if len(p.Users) != 1 || p.Users[0].ID != "u2" {
		t.Fatalf("expected only u2 online, got %+v", p.Users)
	}
}

func TestVoiceDisconnectArmsGraceAndKeepsParticipant(t *testing.T) {
	f := newHubFixture(t)
	s := f.authenticate(t, "tok-u1")
	f.send(t, s, KindVoiceJoin, VoiceJoinPayload{ChannelID: "v1"})
	drainFrames(s)

	f.hub.handleDisconnect(s)

	f.hub.mu.RLock()
	entry := f.hub.grace["u1"]
	participant := f.hub.voice.Participant("v1", "u1")
	f.hub.mu.RUnlock()

	if entry == nil || entry.channelID != "v1" {
		t.Fatalf("expected grace timer for v1, got %+v", entry)
	}
	if participant == nil {
		t.Fatal("participant must survive into the grace window")
	}
	if len(f.media.removed) != 0 {
		t.Fatalf("peer must not be removed during grace, got %+v", f.media.removed)
	}
}

func TestGraceExpiryRemovesParticipantAndPeer(t *testing.T) {
	f := newHubFixture(t)
	s := f.authenticate(t, "tok-u1")
	f.send(t, s, KindVoiceJoin, VoiceJoinPayload{ChannelID: "v1"})
	f.hub.handleDisconnect(s)

	f.hub.onGraceExpired("u1", "v1")

	f.hub.mu.RLock()
	participant := f.hub.voice.Participant("v1", "u1")
	active := f.hub.voice.ActiveChannel("u1")
	f.hub.mu.RUnlock()

	if participant != nil || active != "" {
		t.Fatalf("expected user removed from voice, participant=%v active=%q", participant, active)
	}
	if len(f.media.removed) != 1 || f.media.removed[0] != (removedPeer{channelID: "v1", userID: "u1"}) {
		t.Fatalf("expected one peer removal for v1/u1, got %+v", f.media.removed)
	}
}

func TestReauthWithinGraceRestoresVoiceBinding(t *testing.T) {
	f := newHubFixture(t)
	s := f.authenticate(t, "tok-u1")
	f.send(t, s, KindVoiceJoin, VoiceJoinPayload{ChannelID: "v1"})
	f.hub.handleDisconnect(s)

	s2 := f.authenticate(t, "tok-u1")

	f.hub.mu.RLock()
	entry := f.hub.grace["u1"]
	count := f.hub.voice.SessionCount("u1")
	participant := f.hub.voice.Participant("v1", "u1")
	f.hub.mu.RUnlock()

	if entry != nil {
		t.Fatal("grace timer must be cancelled on re-auth")
	}
	if s2.activeVoice != "v1" || count != 1 {
		t.Fatalf("expected restored binding to v1 with count 1, got %q/%d", s2.activeVoice, count)
	}
	if participant == nil {
		t.Fatal("participant must remain present across the reconnect")
	}

	// The expired timer must be a no-op after restore.
	f.hub.onGraceExpired("u1", "v1")
	f.hub.mu.RLock()
	participant = f.hub.voice.Participant("v1", "u1")
	f.hub.mu.RUnlock()
	if participant == nil {
		t.Fatal("late timer fire must not evict a restored participant")
	}
}

func TestMultiTabVoiceSessionCounting(t *testing.T) {
	f := newHubFixture(t)
	s1 := f.authenticate(t, "tok-u1")
	s2 := f.authenticate(t, "tok-u1")

	f.send(t, s1, KindVoiceJoin, VoiceJoinPayload{ChannelID: "v1"})
	f.send(t, s2, KindVoiceJoin, VoiceJoinPayload{ChannelID: "v1"})

	f.hub.mu.RLock()
	count := f.hub.voice.SessionCount("u1")
	f.hub.mu.RUnlock()
	if count != 2 {
		t.Fatalf("expected session count 2 after two tabs joined, got %d", count)
	}

	// A same-channel rejoin from a tab already bound is idempotent.
	f.send(t, s2, KindVoiceJoin, VoiceJoinPayload{ChannelID: "v1"})
	f.hub.mu.RLock()
	count = f.hub.voice.SessionCount("u1")
	f.hub.mu.RUnlock()
	if count != 2 {
		t.Fatalf("expected rejoin to be idempotent, got count %d", count)
	}

	// First tab closes: participant stays, no grace timer.
	f.hub.handleDisconnect(s1)
	f.hub.mu.RLock()
	entry := f.hub.grace["u1"]
	participant := f.hub.voice.Participant("v1", "u1")
	f.hub.mu.RUnlock()
	if entry != nil {
		t.Fatal("grace must not arm while another tab holds the channel")
	}
	if participant == nil {
		t.Fatal("participant must remain while a tab is still connected")
	}

	// Last tab closes: grace arms.
	f.hub.handleDisconnect(s2)
	f.hub.mu.RLock()
	entry = f.hub.grace["u1"]
	f.hub.mu.RUnlock()
	if entry == nil || entry.channelID != "v1" {
		t.Fatalf("expected grace timer after last tab closed, got %+v", entry)
	}
}

func TestVoiceChannelSwitchForcesLeave(t *testing.T) {
	f := newHubFixture(t)
	observer := f.authenticate(t, "tok-u2")
	s := f.authenticate(t, "tok-u1")
	f.send(t, s, KindVoiceJoin, VoiceJoinPayload{ChannelID: "v1"})
	drainFrames(observer)

	f.send(t, s, KindVoiceJoin, VoiceJoinPayload{ChannelID: "v2"})

	// The observer sees v1 without u1 before v2 with u1.
	var first VoiceStatePayload
	decodeInto(t, frameOfKind(t, observer, KindVoiceState).Payload, &first)
	if first.ChannelID != "v1" || len(first.Participants) != 0 {
		t.Fatalf("expected empty v1 state first, got %+v", first)
	}
	var second VoiceStatePayload
	decodeInto(t, frameOfKind(t, observer, KindVoiceState).Payload, &second)
	if second.ChannelID != "v2" || len(second.Participants) != 1 || second.Participants[0].UserID != "u1" {
		t.Fatalf("expected v2 state with u1, got %+v", second)
	}

	if len(f.media.removed) != 1 || f.media.removed[0].channelID != "v1" {
		t.Fatalf("expected SFU peer removal from v1, got %+v", f.media.removed)
	}

	f.hub.mu.RLock()
	count := f.hub.voice.SessionCount("u1")
	active := f.hub.voice.ActiveChannel("u1")
	f.hub.mu.RUnlock()
	if active != "v2" || count != 1 {
		t.Fatalf("expected active v2 with count 1, got %q/%d", active, count)
	}
}

func TestVoiceJoinValidatesChannel(t *testing.T) {
	f := newHubFixture(t)
	s := f.authenticate(t, "tok-u1")
	drainFrames(s)

	testCases := []struct {
		name      string
		channelID string
		code      string
	}{
		{name: "missing_channel", channelID: "nope", code: "CHANNEL_NOT_FOUND"},
		{name: "text_channel", channelID: "c1", code: "INVALID_VOICE_CHANNEL"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f.send(t, s, KindVoiceJoin, VoiceJoinPayload{ChannelID: tc.channelID})
			var e ErrorPayload
			decodeInto(t, frameOfKind(t, s, KindError).Payload, &e)
			if e.Code != tc.code {
				t.Fatalf("expected %s, got %s", tc.code, e.Code)
			}
		})
	}
}

func TestVoiceLeaveRemovesParticipant(t *testing.T) {
	f := newHubFixture(t)
	s := f.authenticate(t, "tok-u1")
	f.send(t, s, KindVoiceJoin, VoiceJoinPayload{ChannelID: "v1"})
	drainFrames(s)

	f.send(t, s, KindVoiceLeave, VoiceLeavePayload{})

	f.hub.mu.RLock()
	active := f.hub.voice.ActiveChannel("u1")
	f.hub.mu.RUnlock()
	if active != "" {
		t.Fatalf("expected no active channel after leave, got %q", active)
	}
	if len(f.media.removed) != 1 {
		t.Fatalf("expected one peer removal, got %+v", f.media.removed)
	}

	var state VoiceStatePayload
	decodeInto(t, frameOfKind(t, s, KindVoiceState).Payload, &state)
	if state.ChannelID != "v1" || len(state.Participants) != 0 {
		t.Fatalf("expected empty v1 state, got %+v", state)
	}
}

func TestVoiceLeaveWithoutJoinFails(t *testing.T) {
	f := newHubFixture(t)
	s := f.authenticate(t, "tok-u1")
	drainFrames(s)

	f.send(t, s, KindVoiceLeave, VoiceLeavePayload{})

	var e ErrorPayload
	decodeInto(t, frameOfKind(t, s, KindError).Payload, &e)
	if e.Code != "VOICE_NOT_JOINED" {
		t.Fatalf("expected VOICE_NOT_JOINED, got %s", e.Code)
	}
}

func TestVoiceSelfStateEnforcesDeafenImpliesMute(t *testing.T) {
	f := newHubFixture(t)
	s := f.authenticate(t, "tok-u1")
	f.send(t, s, KindVoiceJoin, VoiceJoinPayload{ChannelID: "v1"})
	drainFrames(s)

	deafened := true
	f.send(t, s, KindVoiceSelfState, VoiceSelfStatePayload{Deafened: &deafened})

	var state VoiceStatePayload
	decodeInto(t, frameOfKind(t, s, KindVoiceState).Payload, &state)
	if len(state.Participants) != 1 {
		t.Fatalf("expected one participant, got %+v", state.Participants)
	}
	p := state.Participants[0]
	if !p.Deafened || !p.Muted {
		t.Fatalf("deafened must imply muted, got %+v", p)
	}
}

func TestWorkerDiedEvictsVoiceRooms(t *testing.T) {
	f := newHubFixture(t)
	observer := f.authenticate(t, "tok-u2")
	s := f.authenticate(t, "tok-u1")
	f.send(t, s, KindVoiceJoin, VoiceJoinPayload{ChannelID: "v1"})
	drainFrames(observer)

	f.hub.handleMediaEvent(sfu.Event{Type: sfu.EventWorkerDied})

	f.hub.mu.RLock()
	active := f.hub.voice.ActiveChannel("u1")
	f.hub.mu.RUnlock()
	if active != "" {
		t.Fatalf("expected voice state cleared after worker death, got %q", active)
	}

	var state VoiceStatePayload
	decodeInto(t, frameOfKind(t, observer, KindVoiceState).Payload, &state)
	if state.ChannelID != "v1" || len(state.Participants) != 0 {
		t.Fatalf("expected empty v1 rebroadcast, got %+v", state)
	}
}

func TestSettingsUpdateRefreshesIdleThreshold(t *testing.T) {
	f := newHubFixture(t)
	s := f.authenticate(t, "tok-u1")
	drainFrames(s)

	f.hub.mu.Lock()
	s.lastActivity = time.Now().Add(-5 * time.Minute)
	f.hub.mu.Unlock()

	// Five minutes of inactivity is within the 15 minute default.
	f.hub.sweepIdle(time.Now())
	f.hub.mu.RLock()
	state := s.presence
	f.hub.mu.RUnlock()
	if state != "online" {
		t.Fatalf("expected online under the default threshold, got %s", state)
	}

	f.settings.timeout = time.Minute
	f.hub.NotifySettingsUpdated()

	f.hub.sweepIdle(time.Now())
	f.hub.mu.RLock()
	state = s.presence
	f.hub.mu.RUnlock()
	if state != "idle" {
		t.Fatalf("expected idle under the lowered threshold, got %s", state)
	}
}

func TestSettingsUpdateFailureKeepsCachedThreshold(t *testing.T) {
	f := newHubFixture(t)
	f.settings.timeout = time.Minute
	f.hub.NotifySettingsUpdated()

	f.settings.err = errors.New("settings store down")
	f.settings.timeout = time.Hour
	f.hub.NotifySettingsUpdated()

	f.hub.mu.RLock()
	got := f.hub.idleAfter
	f.hub.mu.RUnlock()
	if got != time.Minute {
		t.Fatalf("expected cached 1m threshold after failed refresh, got %s", got)
	}
}

func TestAuthSnapshotsActiveVoiceChannels(t *testing.T) {
	f := newHubFixture(t)
	s1 := f.authenticate(t, "tok-u1")
	f.send(t, s1, KindVoiceJoin, VoiceJoinPayload{ChannelID: "v1"})

	s2 := NewSession(f.hub, nil)
	f.send(t, s2, KindAuth, AuthPayload{Token: "tok-u2"})

	var state VoiceStatePayload
	decodeInto(t, frameOfKind(t, s2, KindVoiceState).Payload, &state)
	if state.ChannelID != "v1" || len(state.Participants) != 1 || state.Participants[0].UserID != "u1" {
		t.Fatalf("expected v1 snapshot with u1, got %+v", state)
	}
}
