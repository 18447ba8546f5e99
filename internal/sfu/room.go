package sfu

import "sync"

// Room groups the peers of one voice channel. The gateway keeps its own
// participant presence; the room only tracks media state.
type Room struct {
	channelID string
	mu        sync.RWMutex
	peers     map[string]*Peer
}

func newRoom(channelID string) *Room {
	return &Room{
		channelID: channelID,
		peers:     make(map[string]*Peer),
	}
}

// findProducer locates a producer anywhere in the room and reports which
// user owns it.
func (rm *Room) findProducer(producerID string) (*Producer, string) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	for uid, peer := range rm.peers {
		if p := peer.getProducer(producerID); p != nil {
			return p, uid
		}
	}
	return nil, ""
}
