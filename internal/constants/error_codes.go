package constants

const (
	// Transport / protocol errors
	ErrCodeUnauthorized         = "UNAUTHORIZED"
	ErrCodeInvalidAuth          = "INVALID_AUTH"
	ErrCodeAlreadyAuthenticated = "ALREADY_AUTHENTICATED"
	ErrCodeInvalidSession       = "INVALID_SESSION"
	ErrCodeAccountSuspended     = "ACCOUNT_SUSPENDED"
	ErrCodeInvalidEvent         = "INVALID_EVENT"
	ErrCodeUnknownEvent         = "UNKNOWN_EVENT"
	ErrCodeWSError              = "WS_ERROR"

	// Channel / messaging errors
	ErrCodeInvalidChannel  = "INVALID_CHANNEL"
	ErrCodeChannelNotFound = "CHANNEL_NOT_FOUND"
	ErrCodeMessageTooLong  = "MESSAGE_TOO_LONG"

	// Voice / signaling errors
	ErrCodeInvalidVoiceChannel     = "INVALID_VOICE_CHANNEL"
	ErrCodeVoiceNotJoined          = "VOICE_NOT_JOINED"
	ErrCodeVoiceTargetNotAvailable = "VOICE_TARGET_NOT_AVAILABLE"
	ErrCodeInvalidSignal           = "INVALID_SIGNAL"
	ErrCodeSignalRateLimited       = "VOICE_SIGNAL_RATE_LIMITED"

	// SFU control-plane errors
	ErrCodeInvalidSFURequest    = "INVALID_SFU_REQUEST"
	ErrCodeSFUDisabled          = "SFU_DISABLED"
	ErrCodeSFUNotReady          = "SFU_NOT_READY"
	ErrCodeSFUTransportNotFound = "SFU_TRANSPORT_NOT_FOUND"
	ErrCodeSFUTransportLimit    = "SFU_TRANSPORT_LIMIT"
	ErrCodeSFUProducerLimit     = "SFU_PRODUCER_LIMIT"
	ErrCodeSFUCannotConsume     = "SFU_CANNOT_CONSUME"
	ErrCodeSFUAudioOnly         = "SFU_AUDIO_ONLY"
	ErrCodeSFURequestFailed     = "SFU_REQUEST_FAILED"
)
