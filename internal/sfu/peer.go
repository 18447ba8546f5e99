package sfu

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"harbor/internal/constants"
)

const (
	DirectionSend = "send"
	DirectionRecv = "recv"

	peerCloseTimeout = 3 * time.Second
)

// Transport wraps one peer connection. Send transports carry media from the
// client to the router; recv transports carry consumed tracks back down.
type Transport struct {
	ID        string
	Direction string
	pc        *webrtc.PeerConnection
}

// Producer is a media source announced by a peer. The track binds lazily
// when the uplink RTP actually arrives on the send transport.
type Producer struct {
	ID          string
	Kind        string
	TransportID string
	track       *webrtc.TrackLocalStaticRTP
	pc          *webrtc.PeerConnection
	ssrc        uint32
}

// Consumer is a downlink attachment of some producer's track to a recv
// transport. The track is negotiated at consume time but the sender stays
// detached until the client resumes, so no media flows early.
type Consumer struct {
	ID          string
	ProducerID  string
	TransportID string
	sender      *webrtc.RTPSender
	track       *webrtc.TrackLocalStaticRTP
	paused      bool
}

type Peer struct {
	router    *Router
	channelID string
	userID    string

	mu         sync.RWMutex
	transports map[string]*Transport
	producers  map[string]*Producer
	consumers  map[string]*Consumer
	closed     bool
	wg         sync.WaitGroup
}

func newPeer(r *Router, channelID, userID string) *Peer {
	return &Peer{
		router:     r,
		channelID:  channelID,
		userID:     userID,
		transports: make(map[string]*Transport),
		producers:  make(map[string]*Producer),
		consumers:  make(map[string]*Consumer),
	}
}

func (p *Peer) createTransport(direction string) (*TransportInfo, error) {
	if direction != DirectionSend && direction != DirectionRecv {
		return nil, newError(constants.ErrCodeInvalidSFURequest, "invalid transport direction "+direction, nil)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errNotReady(ErrPeerNotFound)
	}
	if len(p.transports) >= p.router.cfg.MaxTransportsPerPeer {
		p.mu.Unlock()
		return nil, errTransportLimit()
	}
	p.mu.Unlock()

	pc, err := p.router.api.NewPeerConnection(p.router.cfg.ToWebRTCConfig())
	if err != nil {
		p.router.workerDied(err)
		return nil, errNotReady(err)
	}

	transport := &Transport{
		ID:        uuid.New().String(),
		Direction: direction,
		pc:        pc,
	}

	if direction == DirectionSend {
		// The router only receives on send transports.
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			pc.Close()
			return nil, errRequestFailed("create-transport", err)
		}
		if !p.router.cfg.AudioOnly {
			if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				pc.Close()
				return nil, errRequestFailed("create-transport", err)
			}
		}
		pc.OnTrack(func(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
			p.bindUplinkTrack(transport, remote)
		})
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			p.router.emit(Event{
				Type:        EventTransportClose,
				ChannelID:   p.channelID,
				UserID:      p.userID,
				TransportID: transport.ID,
			})
		}
	})

	offer, err := completeOffer(pc, false)
	if err != nil {
		pc.Close()
		return nil, errRequestFailed("create-transport", err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		pc.Close()
		return nil, errNotReady(ErrPeerNotFound)
	}
	p.transports[transport.ID] = transport
	p.mu.Unlock()

	return &TransportInfo{ID: transport.ID, Direction: direction, Offer: offer}, nil
}

// completeOffer creates a local offer and waits for ICE gathering so the SDP
// carries every candidate (no trickle on the router side).
func completeOffer(pc *webrtc.PeerConnection, restart bool) (string, error) {
	var opts *webrtc.OfferOptions
	if restart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := pc.CreateOffer(opts)
	if err != nil {
		return "", err
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	<-gatherComplete

	return pc.LocalDescription().SDP, nil
}

func (p *Peer) connectTransport(transportID, answerSDP string) error {
	transport := p.getTransport(transportID)
	if transport == nil {
		return errTransportNotFound(transportID)
	}

	answer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answerSDP,
	}
	if err := transport.pc.SetRemoteDescription(answer); err != nil {
		return errRequestFailed("connect-transport", err)
	}
	return nil
}

func (p *Peer) produce(transportID, kind string) (*ProducerInfo, error) {
	if kind != "audio" && kind != "video" {
		return nil, newError(constants.ErrCodeInvalidSFURequest, "invalid producer kind "+kind, nil)
	}
	if kind == "video" && p.router.cfg.AudioOnly {
		return nil, errAudioOnly()
	}

	transport := p.getTransport(transportID)
	if transport == nil {
		return nil, errTransportNotFound(transportID)
	}
	if transport.Direction != DirectionSend {
		return nil, newError(constants.ErrCodeInvalidSFURequest, "produce requires a send transport", nil)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errNotReady(ErrPeerNotFound)
	}
	if len(p.producers) >= p.router.cfg.MaxProducersPerPeer {
		return nil, errProducerLimit()
	}

	producer := &Producer{
		ID:          uuid.New().String(),
		Kind:        kind,
		TransportID: transportID,
		pc:          transport.pc,
	}
	p.producers[producer.ID] = producer

	return &ProducerInfo{ID: producer.ID, UserID: p.userID, Kind: kind}, nil
}

// bindUplinkTrack attaches arriving RTP to the pending producer of the same
// kind and starts forwarding it into a shared local track.
func (p *Peer) bindUplinkTrack(transport *Transport, remote *webrtc.TrackRemote) {
	kind := remote.Kind().String()

	local, err := webrtc.NewTrackLocalStaticRTP(remote.Codec().RTPCodecCapability, kind, p.userID)
	if err != nil {
		slog.Error("creating local track", "component", "sfu", "user_id", p.userID, "error", err)
		return
	}

	p.mu.Lock()
	var producer *Producer
	for _, pr := range p.producers {
		if pr.TransportID == transport.ID && pr.Kind == kind && pr.track == nil {
			producer = pr
			break
		}
	}
	if producer != nil {
		producer.track = local
		producer.ssrc = uint32(remote.SSRC())
	}
	p.mu.Unlock()

	if producer == nil {
		slog.Warn("uplink track with no pending producer", "component", "sfu",
			"user_id", p.userID, "kind", kind)
		return
	}

	p.wg.Add(1)
	go p.forwardTrack(remote, local, kind)
}

func (p *Peer) forwardTrack(remote *webrtc.TrackRemote, local *webrtc.TrackLocalStaticRTP, kind string) {
	defer p.wg.Done()

	buf := make([]byte, constants.RTPPacketBufferBytes)

	for {
		n, _, err := remote.Read(buf)
		if err != nil {
			slog.Debug("uplink track ended", "component", "sfu", "user_id", p.userID, "kind", kind, "error", err)
			return
		}
		if _, err := local.Write(buf[:n]); err != nil {
			slog.Debug("downlink track write failed", "component", "sfu", "user_id", p.userID, "kind", kind, "error", err)
			return
		}
	}
}

func (p *Peer) closeProducer(producerID string) (*ProducerInfo, error) {
	p.mu.Lock()
	producer, ok := p.producers[producerID]
	if ok {
		delete(p.producers, producerID)
	}
	p.mu.Unlock()

	if !ok {
		return nil, newError(constants.ErrCodeSFURequestFailed, "unknown producer "+producerID, ErrProducerNotFound)
	}

	return &ProducerInfo{ID: producer.ID, UserID: p.userID, Kind: producer.Kind}, nil
}

func (p *Peer) consume(transportID string, producer *Producer, ownerID string) (*ConsumerInfo, error) {
	transport := p.getTransport(transportID)
	if transport == nil {
		return nil, errTransportNotFound(transportID)
	}
	if transport.Direction != DirectionRecv {
		return nil, newError(constants.ErrCodeInvalidSFURequest, "consume requires a recv transport", nil)
	}

	p.mu.RLock()
	track := producer.track
	p.mu.RUnlock()
	if track == nil {
		return nil, errCannotConsume("producer has no media yet")
	}

	sender, err := transport.pc.AddTrack(track)
	if err != nil {
		return nil, errRequestFailed("consume", err)
	}

	// Negotiate the m-line now but hold delivery until resume-consumer.
	if err := sender.ReplaceTrack(nil); err != nil {
		transport.pc.RemoveTrack(sender)
		return nil, errRequestFailed("consume", err)
	}

	consumer := &Consumer{
		ID:          uuid.New().String(),
		ProducerID:  producer.ID,
		TransportID: transportID,
		sender:      sender,
		track:       track,
		paused:      true,
	}

	p.wg.Add(1)
	go p.drainRTCP(sender)

	offer, err := completeOffer(transport.pc, false)
	if err != nil {
		transport.pc.RemoveTrack(sender)
		return nil, errRequestFailed("consume", err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errNotReady(ErrPeerNotFound)
	}
	p.consumers[consumer.ID] = consumer
	p.mu.Unlock()

	return &ConsumerInfo{
		ID:             consumer.ID,
		ProducerID:     producer.ID,
		ProducerUserID: ownerID,
		Kind:           producer.Kind,
		Offer:          offer,
	}, nil
}

// drainRTCP reads and discards RTCP packets from an RTP sender so the
// receive buffer never fills up.
func (p *Peer) drainRTCP(sender *webrtc.RTPSender) {
	defer p.wg.Done()

	buf := make([]byte, constants.RTPPacketBufferBytes)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (p *Peer) resumeConsumer(consumerID string) (string, error) {
	p.mu.Lock()
	consumer, ok := p.consumers[consumerID]
	resume := ok && consumer.paused
	if resume {
		consumer.paused = false
	}
	p.mu.Unlock()

	if !ok {
		return "", newError(constants.ErrCodeSFURequestFailed, "unknown consumer "+consumerID, ErrConsumerNotFound)
	}
	if resume && consumer.sender != nil {
		if err := consumer.sender.ReplaceTrack(consumer.track); err != nil {
			return "", errRequestFailed("resume-consumer", err)
		}
	}
	return consumer.ProducerID, nil
}

// RequestKeyframe asks the producer's sender for a fresh keyframe via PLI.
// No-op for audio producers.
func (pr *Producer) RequestKeyframe() error {
	if pr.Kind != "video" || pr.pc == nil || pr.ssrc == 0 {
		return nil
	}
	return pr.pc.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: pr.ssrc},
	})
}

func (p *Peer) restartICE(transportID string) (string, error) {
	transport := p.getTransport(transportID)
	if transport == nil {
		return "", errTransportNotFound(transportID)
	}

	offer, err := completeOffer(transport.pc, true)
	if err != nil {
		return "", errRequestFailed("restart-ice", err)
	}
	return offer, nil
}

func (p *Peer) transportStats(transportID string) (*TransportStats, error) {
	transport := p.getTransport(transportID)
	if transport == nil {
		return nil, errTransportNotFound(transportID)
	}

	stats := &TransportStats{
		TransportID:     transportID,
		ConnectionState: transport.pc.ConnectionState().String(),
	}

	report := transport.pc.GetStats()
	for _, entry := range report {
		if ts, ok := entry.(webrtc.TransportStats); ok {
			stats.BytesSent += ts.BytesSent
			stats.BytesReceived += ts.BytesReceived
		}
	}
	return stats, nil
}

func (p *Peer) getTransport(transportID string) *Transport {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil
	}
	return p.transports[transportID]
}

func (p *Peer) getProducer(producerID string) *Producer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.producers[producerID]
}

func (p *Peer) producerInfos() []ProducerInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()

	infos := make([]ProducerInfo, 0, len(p.producers))
	for _, pr := range p.producers {
		infos = append(infos, ProducerInfo{ID: pr.ID, UserID: p.userID, Kind: pr.Kind})
	}
	return infos
}

// removeConsumersOf detaches all consumers of a producer, returning their IDs.
func (p *Peer) removeConsumersOf(producerID string) []string {
	p.mu.Lock()
	var removed []string
	for id, c := range p.consumers {
		if c.ProducerID != producerID {
			continue
		}
		delete(p.consumers, id)
		removed = append(removed, id)
		if transport := p.transports[c.TransportID]; transport != nil {
			if err := transport.pc.RemoveTrack(c.sender); err != nil {
				slog.Debug("removing consumed track", "component", "sfu", "user_id", p.userID, "error", err)
			}
		}
	}
	p.mu.Unlock()
	return removed
}

func (p *Peer) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	transports := p.transports
	p.transports = make(map[string]*Transport)
	p.producers = make(map[string]*Producer)
	p.consumers = make(map[string]*Consumer)
	p.mu.Unlock()

	for _, t := range transports {
		t.pc.Close()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(peerCloseTimeout):
		slog.Warn("peer goroutines did not finish within timeout", "component", "sfu", "user_id", p.userID)
	}
}
