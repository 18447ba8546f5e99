package sfu

// EventType names a lifecycle event emitted by the router.
type EventType string

const (
	EventProducerClose  EventType = "producer-close"
	EventConsumerClose  EventType = "consumer-close"
	EventTransportClose EventType = "transport-close"
	EventRoomClose      EventType = "room-close"
	EventWorkerDied     EventType = "worker-died"
)

// Event describes a router-side lifecycle change the gateway must react to.
// Fields are populated as applicable to the event type.
type Event struct {
	Type        EventType
	ChannelID   string
	UserID      string
	TransportID string
	ProducerID  string
	ConsumerID  string
}

// TransportInfo is returned from create-transport. Offer is the router's SDP
// offer for the new transport; the client answers via connect-transport.
type TransportInfo struct {
	ID        string `json:"transportId"`
	Direction string `json:"direction"`
	Offer     string `json:"offer"`
}

// ProducerInfo describes a media source announced to channel participants.
type ProducerInfo struct {
	ID     string `json:"producerId"`
	UserID string `json:"userId"`
	Kind   string `json:"kind"`
}

// ConsumerInfo is returned from consume. Offer carries the renegotiation SDP
// including the newly attached track.
type ConsumerInfo struct {
	ID             string `json:"consumerId"`
	ProducerID     string `json:"producerId"`
	ProducerUserID string `json:"producerUserId"`
	Kind           string `json:"kind"`
	Offer          string `json:"offer,omitempty"`
}

// TransportStats is a condensed view of pion's stats report for one transport.
type TransportStats struct {
	TransportID     string `json:"transportId"`
	ConnectionState string `json:"connectionState"`
	BytesSent       uint64 `json:"bytesSent"`
	BytesReceived   uint64 `json:"bytesReceived"`
}

// Capabilities is returned from get-rtp-capabilities.
type Capabilities struct {
	Codecs    []CodecCapability `json:"codecs"`
	AudioOnly bool              `json:"audioOnly"`
}

type CodecCapability struct {
	MimeType  string `json:"mimeType"`
	ClockRate uint32 `json:"clockRate"`
	Channels  uint16 `json:"channels,omitempty"`
}
