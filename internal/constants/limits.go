package constants

const (
	// WSClientSendBufferSize is the per-session outbound frame buffer.
	WSClientSendBufferSize = 256

	// IDRandomBytes is the entropy used for generated entity IDs.
	IDRandomBytes = 16

	// RTPPacketBufferBytes sizes the read buffer for RTP forwarding.
	RTPPacketBufferBytes = 1500

	// MessageHistoryMaxLimit caps a single history page.
	MessageHistoryMaxLimit = 100

	// MaxDroppedFramesBeforeDisconnect forces a disconnect once a slow
	// client has dropped this many outbound frames.
	MaxDroppedFramesBeforeDisconnect = 100
)
