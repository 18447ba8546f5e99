package sfu

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/pion/webrtc/v4"
)

const eventBufferSize = 64

// Router owns per-channel rooms and their peers. The gateway talks to it
// through channel/user-scoped calls and consumes lifecycle events from
// Events(); it never touches pion types directly.
type Router struct {
	cfg *Config
	api *webrtc.API

	mu       sync.RWMutex
	rooms    map[string]*Room
	events   chan Event
	closed   bool
	degraded bool
}

func NewRouter(cfg *Config) (*Router, error) {
	r := &Router{
		cfg:    cfg,
		rooms:  make(map[string]*Room),
		events: make(chan Event, eventBufferSize),
	}

	if !cfg.Enabled {
		return r, nil
	}

	settingEngine := webrtc.SettingEngine{}

	if cfg.MinPort > 0 && cfg.MaxPort > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.MinPort, cfg.MaxPort); err != nil {
			return nil, fmt.Errorf("setting port range: %w", err)
		}
	}

	if cfg.AnnouncedIP != "" {
		settingEngine.SetNAT1To1IPs([]string{cfg.AnnouncedIP}, webrtc.ICECandidateTypeHost)
	}

	if cfg.ListenIP != "" {
		listenIP := cfg.ListenIP
		settingEngine.SetIPFilter(func(ip net.IP) bool {
			return ip.String() == listenIP
		})
	}

	var networkTypes []webrtc.NetworkType
	if cfg.PreferTCP && cfg.EnableTCP {
		networkTypes = append(networkTypes, webrtc.NetworkTypeTCP4)
	}
	if cfg.EnableUDP {
		networkTypes = append(networkTypes, webrtc.NetworkTypeUDP4)
	}
	if cfg.EnableTCP && !cfg.PreferTCP {
		networkTypes = append(networkTypes, webrtc.NetworkTypeTCP4)
	}
	settingEngine.SetNetworkTypes(networkTypes)

	mediaEngine := &webrtc.MediaEngine{}
	// Opus with low-latency parameters; VP8 only when video is permitted.
	if err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("registering opus codec: %w", err)
	}
	if !cfg.AudioOnly {
		if err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:  webrtc.MimeTypeVP8,
				ClockRate: 90000,
			},
			PayloadType: 96,
		}, webrtc.RTPCodecTypeVideo); err != nil {
			return nil, fmt.Errorf("registering vp8 codec: %w", err)
		}
	}

	r.api = webrtc.NewAPI(
		webrtc.WithSettingEngine(settingEngine),
		webrtc.WithMediaEngine(mediaEngine),
	)

	slog.Info("media router initialized", "component", "sfu",
		"audio_only", cfg.AudioOnly, "min_port", cfg.MinPort, "max_port", cfg.MaxPort)
	return r, nil
}

func (r *Router) Enabled() bool {
	return r.cfg.Enabled
}

// Events returns the lifecycle event stream. The channel is buffered; events
// are dropped with a warning if the consumer falls behind.
func (r *Router) Events() <-chan Event {
	return r.events
}

func (r *Router) emit(ev Event) {
	select {
	case r.events <- ev:
	default:
		slog.Warn("dropped router event", "component", "sfu", "event", string(ev.Type))
	}
}

// workerDied marks the router degraded. All subsequent control-plane calls
// fail with SFU_NOT_READY until the process restarts.
func (r *Router) workerDied(err error) {
	r.mu.Lock()
	already := r.degraded
	r.degraded = true
	r.mu.Unlock()
	if already {
		return
	}
	slog.Error("media worker died", "component", "sfu", "error", err)
	r.emit(Event{Type: EventWorkerDied})
}

func (r *Router) RTPCapabilities(channelID string) (*Capabilities, error) {
	if err := r.checkReady(); err != nil {
		return nil, err
	}

	caps := &Capabilities{
		AudioOnly: r.cfg.AudioOnly,
		Codecs: []CodecCapability{
			{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		},
	}
	if !r.cfg.AudioOnly {
		caps.Codecs = append(caps.Codecs, CodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000})
	}
	return caps, nil
}

func (r *Router) CreateTransport(channelID, userID, direction string) (*TransportInfo, error) {
	peer, err := r.ensurePeer(channelID, userID)
	if err != nil {
		return nil, err
	}
	return peer.createTransport(direction)
}

func (r *Router) ConnectTransport(channelID, userID, transportID, answerSDP string) error {
	peer, err := r.getPeer(channelID, userID)
	if err != nil {
		return err
	}
	return peer.connectTransport(transportID, answerSDP)
}

func (r *Router) Produce(channelID, userID, transportID, kind string) (*ProducerInfo, error) {
	peer, err := r.getPeer(channelID, userID)
	if err != nil {
		return nil, err
	}
	return peer.produce(transportID, kind)
}

// CloseProducer removes the producer and detaches it from every consumer in
// the room, emitting consumer-close events for each.
func (r *Router) CloseProducer(channelID, userID, producerID string) (*ProducerInfo, error) {
	peer, err := r.getPeer(channelID, userID)
	if err != nil {
		return nil, err
	}

	info, err := peer.closeProducer(producerID)
	if err != nil {
		return nil, err
	}

	r.detachConsumersOf(channelID, producerID)
	return info, nil
}

func (r *Router) ListProducers(channelID, excludeUserID string) ([]ProducerInfo, error) {
	if err := r.checkReady(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	room := r.rooms[channelID]
	r.mu.RUnlock()

	producers := []ProducerInfo{}
	if room == nil {
		return producers, nil
	}

	room.mu.RLock()
	defer room.mu.RUnlock()
	for uid, peer := range room.peers {
		if uid == excludeUserID {
			continue
		}
		producers = append(producers, peer.producerInfos()...)
	}
	return producers, nil
}

func (r *Router) Consume(channelID, userID, transportID, producerID string) (*ConsumerInfo, error) {
	peer, err := r.getPeer(channelID, userID)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	room := r.rooms[channelID]
	r.mu.RUnlock()
	if room == nil {
		return nil, errNotReady(ErrPeerNotFound)
	}

	producer, ownerID := room.findProducer(producerID)
	if producer == nil {
		return nil, errCannotConsume("unknown producer " + producerID)
	}

	return peer.consume(transportID, producer, ownerID)
}

func (r *Router) ResumeConsumer(channelID, userID, consumerID string) error {
	peer, err := r.getPeer(channelID, userID)
	if err != nil {
		return err
	}

	producerID, err := peer.resumeConsumer(consumerID)
	if err != nil {
		return err
	}

	// Ask the producer for a keyframe so the new consumer does not wait for
	// the next scheduled one.
	r.mu.RLock()
	room := r.rooms[channelID]
	r.mu.RUnlock()
	if room != nil {
		if producer, _ := room.findProducer(producerID); producer != nil {
			if err := producer.RequestKeyframe(); err != nil {
				slog.Debug("keyframe request failed", "component", "sfu", "producer_id", producerID, "error", err)
			}
		}
	}
	return nil
}

func (r *Router) RestartICE(channelID, userID, transportID string) (string, error) {
	peer, err := r.getPeer(channelID, userID)
	if err != nil {
		return "", err
	}
	return peer.restartICE(transportID)
}

func (r *Router) TransportStats(channelID, userID, transportID string) (*TransportStats, error) {
	peer, err := r.getPeer(channelID, userID)
	if err != nil {
		return nil, err
	}
	return peer.transportStats(transportID)
}

// RemovePeer tears down the user's peer and returns the producers that were
// removed with it so the gateway can announce them. Removing the last peer
// closes the room.
func (r *Router) RemovePeer(channelID, userID string) []ProducerInfo {
	r.mu.Lock()
	room := r.rooms[channelID]
	if room == nil {
		r.mu.Unlock()
		return nil
	}

	room.mu.Lock()
	peer := room.peers[userID]
	delete(room.peers, userID)
	empty := len(room.peers) == 0
	room.mu.Unlock()

	if empty {
		delete(r.rooms, channelID)
	}
	r.mu.Unlock()

	if peer == nil {
		return nil
	}

	removed := peer.producerInfos()
	peer.close()

	for _, p := range removed {
		r.detachConsumersOf(channelID, p.ID)
	}
	if empty {
		r.emit(Event{Type: EventRoomClose, ChannelID: channelID})
	}

	slog.Info("removed peer", "component", "sfu", "channel_id", channelID, "user_id", userID, "producers", len(removed))
	return removed
}

// detachConsumersOf drops every consumer of a producer across the room.
func (r *Router) detachConsumersOf(channelID, producerID string) {
	r.mu.RLock()
	room := r.rooms[channelID]
	r.mu.RUnlock()
	if room == nil {
		return
	}

	room.mu.RLock()
	peers := make([]*Peer, 0, len(room.peers))
	for _, p := range room.peers {
		peers = append(peers, p)
	}
	room.mu.RUnlock()

	for _, p := range peers {
		for _, consumerID := range p.removeConsumersOf(producerID) {
			r.emit(Event{
				Type:       EventConsumerClose,
				ChannelID:  channelID,
				UserID:     p.userID,
				ProducerID: producerID,
				ConsumerID: consumerID,
			})
		}
	}
}

func (r *Router) checkReady() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return errNotReady(ErrRouterClosed)
	}
	if r.degraded || r.api == nil {
		return errNotReady(nil)
	}
	return nil
}

func (r *Router) ensurePeer(channelID, userID string) (*Peer, error) {
	if err := r.checkReady(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	room := r.rooms[channelID]
	if room == nil {
		room = newRoom(channelID)
		r.rooms[channelID] = room
	}
	r.mu.Unlock()

	room.mu.Lock()
	defer room.mu.Unlock()
	peer := room.peers[userID]
	if peer == nil {
		peer = newPeer(r, channelID, userID)
		room.peers[userID] = peer
	}
	return peer, nil
}

func (r *Router) getPeer(channelID, userID string) (*Peer, error) {
	if err := r.checkReady(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	room := r.rooms[channelID]
	r.mu.RUnlock()
	if room == nil {
		return nil, errNotReady(ErrPeerNotFound)
	}

	room.mu.RLock()
	peer := room.peers[userID]
	room.mu.RUnlock()
	if peer == nil {
		return nil, errNotReady(ErrPeerNotFound)
	}
	return peer, nil
}

func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	rooms := r.rooms
	r.rooms = make(map[string]*Room)
	r.mu.Unlock()

	for _, room := range rooms {
		room.mu.Lock()
		for _, peer := range room.peers {
			peer.close()
		}
		room.peers = make(map[string]*Peer)
		room.mu.Unlock()
	}
	slog.Info("media router closed", "component", "sfu")
}
