package ws

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Frame is the wire envelope: {"type": <kind>, "payload": <object>}.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Client-to-server frame kinds
const (
	KindAuth           = "auth"
	KindPresenceSet    = "presence:set"
	KindChannelJoin    = "channel:join"
	KindChannelLeave   = "channel:leave"
	KindVoiceJoin      = "voice:join"
	KindVoiceLeave     = "voice:leave"
	KindVoiceSelfState = "voice:self-state"
	KindSFURequest     = "voice:sfu:request"
	KindVoiceSignal    = "voice:signal"
	KindMessageSend    = "message:send"
	KindPing           = "ping"
)

// Server-to-client frame kinds
const (
	KindAuthOK         = "auth:ok"
	KindError          = "error"
	KindPresenceUpdate = "presence:update"
	KindChannelJoined  = "channel:joined"
	KindChannelLeft    = "channel:left"
	KindVoiceState     = "voice:state"
	KindSFUResponse    = "voice:sfu:response"
	KindSFUEvent       = "voice:sfu:event"
	KindMessageNew     = "message:new"
	KindPong           = "pong"
)

// Client payloads

type AuthPayload struct {
	Token string `json:"token" validate:"required"`
}

type PresenceSetPayload struct {
	State string `json:"state" validate:"required,oneof=online idle dnd"`
}

type ChannelPayload struct {
	ChannelID string `json:"channelId" validate:"required"`
}

type VoiceJoinPayload struct {
	ChannelID string `json:"channelId" validate:"required"`
	Muted     bool   `json:"muted"`
	Deafened  bool   `json:"deafened"`
}

type VoiceLeavePayload struct {
	ChannelID string `json:"channelId"`
}

type VoiceSelfStatePayload struct {
	ChannelID string `json:"channelId"`
	Muted     *bool  `json:"muted"`
	Deafened  *bool  `json:"deafened"`
}

type SFURequestPayload struct {
	RequestID string          `json:"requestId"`
	ChannelID string          `json:"channelId" validate:"required"`
	Action    string          `json:"action" validate:"required"`
	Data      json.RawMessage `json:"data"`
}

type VoiceSignalPayload struct {
	ChannelID    string          `json:"channelId" validate:"required"`
	TargetUserID string          `json:"targetUserId" validate:"required"`
	Data         json.RawMessage `json:"data" validate:"required"`
}

type MessageSendPayload struct {
	ChannelID string `json:"channelId" validate:"required"`
	Content   string `json:"content" validate:"required"`
}

// Server payloads

type AuthOKPayload struct {
	UserID string `json:"userId"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type PresenceEntry struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatarUrl,omitempty"`
	State     string `json:"state"`
}

type PresenceUpdatePayload struct {
	Users []PresenceEntry `json:"users"`
}

type VoiceStatePayload struct {
	ChannelID    string             `json:"channelId"`
	Participants []VoiceParticipant `json:"participants"`
}

type SFUResponsePayload struct {
	RequestID string `json:"requestId"`
	OK        bool   `json:"ok"`
	Data      any    `json:"data,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
}

type SFUEventPayload struct {
	ChannelID  string `json:"channelId"`
	Event      string `json:"event"`
	Producer   any    `json:"producer,omitempty"`
	ProducerID string `json:"producerId,omitempty"`
	ConsumerID string `json:"consumerId,omitempty"`
}

type VoiceSignalRelayPayload struct {
	ChannelID  string          `json:"channelId"`
	FromUserID string          `json:"fromUserId"`
	Data       json.RawMessage `json:"data"`
}

type MessageNewPayload struct {
	Message any `json:"message"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// decodePayload unmarshals a frame payload and validates its struct tags.
// A missing payload decodes as an empty object so optional payloads work.
func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("validating payload: %w", err)
	}
	return nil
}

// marshalFrame serializes an envelope once so fan-out reuses the bytes.
func marshalFrame(kind string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", kind, err)
	}
	return json.Marshal(Frame{Type: kind, Payload: body})
}
