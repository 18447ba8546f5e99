package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"harbor/internal/constants"
	"harbor/internal/sfu"
)

// SFU actions accepted over voice:sfu:request.
const (
	sfuActionGetRTPCapabilities = "get-rtp-capabilities"
	sfuActionCreateTransport    = "create-transport"
	sfuActionConnectTransport   = "connect-transport"
	sfuActionProduce            = "produce"
	sfuActionCloseProducer      = "close-producer"
	sfuActionListProducers      = "list-producers"
	sfuActionConsume            = "consume"
	sfuActionResumeConsumer     = "resume-consumer"
	sfuActionRestartICE         = "restart-ice"
	sfuActionGetTransportStats  = "get-transport-stats"
)

// Per-action request data.

type sfuTransportData struct {
	Direction string `json:"direction"`
}

type sfuConnectData struct {
	TransportID string `json:"transportId"`
	Answer      string `json:"answer"`
}

type sfuProduceData struct {
	TransportID string `json:"transportId"`
	Kind        string `json:"kind"`
}

type sfuProducerData struct {
	ProducerID string `json:"producerId"`
}

type sfuConsumeData struct {
	TransportID string `json:"transportId"`
	ProducerID  string `json:"producerId"`
}

type sfuConsumerData struct {
	ConsumerID string `json:"consumerId"`
}

type sfuTransportIDData struct {
	TransportID string `json:"transportId"`
}

// handleSFURequest correlates one request with exactly one response frame
// carrying the client's requestId, success or failure. Only a request too
// malformed to carry a requestId falls back to a bare error frame.
func (h *Hub) handleSFURequest(s *Session, raw json.RawMessage) {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	var p SFURequestPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.RequestID == "" {
		s.sendError(constants.ErrCodeInvalidSFURequest, "requestId required")
		return
	}

	respond := func(data any) {
		s.sendFrame(KindSFUResponse, SFUResponsePayload{RequestID: p.RequestID, OK: true, Data: data})
	}
	fail := func(code, message string) {
		s.sendFrame(KindSFUResponse, SFUResponsePayload{RequestID: p.RequestID, OK: false, Code: code, Message: message})
	}

	if p.ChannelID == "" || p.Action == "" {
		fail(constants.ErrCodeInvalidSFURequest, "channelId and action required")
		return
	}
	if !h.media.Enabled() {
		fail(constants.ErrCodeSFUDisabled, "media router disabled")
		return
	}

	h.mu.RLock()
	active := s.activeVoice
	h.mu.RUnlock()
	if active != p.ChannelID {
		fail(constants.ErrCodeVoiceNotJoined, "not in that voice channel")
		return
	}

	data, announce, err := h.dispatchSFUAction(s.userID, &p)
	if err != nil {
		var routerErr *sfu.RouterError
		if errors.As(err, &routerErr) {
			fail(routerErr.Code, routerErr.Message)
			return
		}
		slog.Error("sfu request failed", "component", "ws",
			"user_id", s.userID, "action", p.Action, "error", err)
		fail(constants.ErrCodeSFURequestFailed, "request failed")
		return
	}

	respond(data)
	if announce != nil {
		announce()
	}
}

// dispatchSFUAction maps an action onto the media router. The returned
// announce func, if any, broadcasts producer lifecycle to the rest of the
// channel after the response has been sent.
func (h *Hub) dispatchSFUAction(userID string, p *SFURequestPayload) (any, func(), error) {
	switch p.Action {
	case sfuActionGetRTPCapabilities:
		caps, err := h.media.RTPCapabilities(p.ChannelID)
		if err != nil {
			return nil, nil, err
		}
		return map[string]any{"rtpCapabilities": caps, "audioOnly": caps.AudioOnly}, nil, nil

	case sfuActionCreateTransport:
		var d sfuTransportData
		if err := decodeSFUData(p.Data, &d); err != nil {
			return nil, nil, err
		}
		info, err := h.media.CreateTransport(p.ChannelID, userID, d.Direction)
		return info, nil, err

	case sfuActionConnectTransport:
		var d sfuConnectData
		if err := decodeSFUData(p.Data, &d); err != nil {
			return nil, nil, err
		}
		if err := h.media.ConnectTransport(p.ChannelID, userID, d.TransportID, d.Answer); err != nil {
			return nil, nil, err
		}
		return map[string]any{"connected": true}, nil, nil

	case sfuActionProduce:
		var d sfuProduceData
		if err := decodeSFUData(p.Data, &d); err != nil {
			return nil, nil, err
		}
		info, err := h.media.Produce(p.ChannelID, userID, d.TransportID, d.Kind)
		if err != nil {
			return nil, nil, err
		}
		return info, h.announceProducer("producer-added", p.ChannelID, userID, info), nil

	case sfuActionCloseProducer:
		var d sfuProducerData
		if err := decodeSFUData(p.Data, &d); err != nil {
			return nil, nil, err
		}
		info, err := h.media.CloseProducer(p.ChannelID, userID, d.ProducerID)
		if err != nil {
			return nil, nil, err
		}
		return map[string]any{"closed": true}, h.announceProducer("producer-removed", p.ChannelID, userID, info), nil

	case sfuActionListProducers:
		producers, err := h.media.ListProducers(p.ChannelID, userID)
		if err != nil {
			return nil, nil, err
		}
		return map[string]any{"producers": producers}, nil, nil

	case sfuActionConsume:
		var d sfuConsumeData
		if err := decodeSFUData(p.Data, &d); err != nil {
			return nil, nil, err
		}
		info, err := h.media.Consume(p.ChannelID, userID, d.TransportID, d.ProducerID)
		return info, nil, err

	case sfuActionResumeConsumer:
		var d sfuConsumerData
		if err := decodeSFUData(p.Data, &d); err != nil {
			return nil, nil, err
		}
		if err := h.media.ResumeConsumer(p.ChannelID, userID, d.ConsumerID); err != nil {
			return nil, nil, err
		}
		return map[string]any{"resumed": true}, nil, nil

	case sfuActionRestartICE:
		var d sfuTransportIDData
		if err := decodeSFUData(p.Data, &d); err != nil {
			return nil, nil, err
		}
		offer, err := h.media.RestartICE(p.ChannelID, userID, d.TransportID)
		if err != nil {
			return nil, nil, err
		}
		return map[string]any{"offer": offer}, nil, nil

	case sfuActionGetTransportStats:
		var d sfuTransportIDData
		if err := decodeSFUData(p.Data, &d); err != nil {
			return nil, nil, err
		}
		stats, err := h.media.TransportStats(p.ChannelID, userID, d.TransportID)
		return stats, nil, err

	default:
		return nil, nil, &sfu.RouterError{
			Code:    constants.ErrCodeInvalidSFURequest,
			Message: "unknown action " + p.Action,
		}
	}
}

// announceProducer broadcasts a producer lifecycle event to the channel's
// other participants.
func (h *Hub) announceProducer(event, channelID, originUserID string, producer *sfu.ProducerInfo) func() {
	return func() {
		h.mu.RLock()
		ids := h.voice.ParticipantIDs(channelID)
		h.mu.RUnlock()

		h.broadcast.ToUsers(ids, originUserID, KindSFUEvent, SFUEventPayload{
			ChannelID:  channelID,
			Event:      event,
			ProducerID: producer.ID,
			Producer:   producer,
		})
	}
}

func decodeSFUData(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &sfu.RouterError{
			Code:    constants.ErrCodeInvalidSFURequest,
			Message: "invalid request data",
			Err:     fmt.Errorf("decoding request data: %w", err),
		}
	}
	return nil
}
