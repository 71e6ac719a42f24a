package services

import (
	"context"
	"encoding/json"
	"fmt"

	"sfuclient/internal/core/domain"
	"sfuclient/internal/core/ports"

	"github.com/google/uuid"
)

// Result is the server's answer to a request.
type Result struct {
	Code    int
	Content json.RawMessage
}

func (r Result) OK() bool {
	return r.Code == 0
}

func (r Result) Decode(v any) error {
	if len(r.Content) == 0 {
		return nil
	}
	return json.Unmarshal(r.Content, v)
}

type pushHandler func(content json.RawMessage) error

// on adapts a typed push handler.
func on[T any](fn func(T)) pushHandler {
	return func(content json.RawMessage) error {
		var msg T
		if err := json.Unmarshal(content, &msg); err != nil {
			return fmt.Errorf("invalid payload: %w", err)
		}
		fn(msg)
		return nil
	}
}

// SignalingChannel is the typed request/response and push facade over the bus.
type SignalingChannel struct {
	*runtime
	bus    ports.Bus
	userID string

	pending  map[string]func(Result)
	handlers map[string]pushHandler

	connected bool
	joined    bool
	// receiving is set once the server has announced receivable peers with init.
	receiving bool

	onJoined        func()
	onLost          func(kicked bool)
	onUndeliverable func(peerID domain.PeerID)
}

func newSignalingChannel(rt *runtime, bus ports.Bus, userID string) *SignalingChannel {
	return &SignalingChannel{
		runtime:  rt,
		bus:      bus,
		userID:   userID,
		pending:  make(map[string]func(Result)),
		handlers: make(map[string]pushHandler),
	}
}

// On registers the handler of a push type.
func (s *SignalingChannel) On(msgType string, h pushHandler) {
	s.handlers[msgType] = h
}

func (s *SignalingChannel) Connected() bool {
	return s.connected
}

func (s *SignalingChannel) Joined() bool {
	return s.connected && s.joined
}

func (s *SignalingChannel) dispatch(ev domain.BusEvent) {
	if ev.Message == nil {
		s.onStatus(ev.Status)
		return
	}

	msg := ev.Message
	if !s.connected {
		s.logger.Debugw("dropping message while disconnected", "type", msg.Type)
		return
	}
	s.metrics.SignalingMessage("in", msg.Type)

	switch msg.Kind {
	case domain.EnvelopeResponse:
		onResult, ok := s.pending[msg.ReplyTo]
		if !ok {
			s.logger.Debugw("response without pending request", "type", msg.Type, "reply_to", msg.ReplyTo)
			return
		}
		delete(s.pending, msg.ReplyTo)
		onResult(Result{Code: msg.Code, Content: msg.Content})

	case domain.EnvelopePush:
		h, ok := s.handlers[msg.Type]
		if !ok {
			s.logger.Warnw("unhandled push", "type", msg.Type)
			return
		}
		if err := h(msg.Content); err != nil {
			s.logger.Warnw("failed to handle push", "type", msg.Type, "error", err)
		}

	default:
		s.logger.Warnw("unexpected envelope", "kind", msg.Kind, "type", msg.Type)
	}
}

func (s *SignalingChannel) onStatus(status domain.BusStatus) {
	s.logger.Infow("signaling channel status", "status", status.String())

	switch status {
	case domain.BusConnected:
		s.connected = true
		s.join()
	case domain.BusDisconnected:
		s.reset()
		if s.onLost != nil {
			s.onLost(false)
		}
	case domain.BusKicked:
		s.reset()
		if s.onLost != nil {
			s.onLost(true)
		}
	}
}

func (s *SignalingChannel) reset() {
	s.connected = false
	s.joined = false
	s.receiving = false
	s.pending = make(map[string]func(Result))
}

func (s *SignalingChannel) join() {
	err := s.request(domain.MsgJoin, "", domain.JoinRequest{PeerID: s.userID}, func(r Result) {
		if !r.OK() {
			s.logger.Errorw("join rejected", "user_id", s.userID, "code", r.Code)
			return
		}
		s.joined = true
		s.logger.Infow("joined signaling session", "user_id", s.userID)
		if s.onJoined != nil {
			s.onJoined()
		}
	})
	if err != nil {
		s.logger.Errorw("failed to send join", "error", err)
	}
}

// request sends one frame. A peer-level request while the channel is down
// hands the peer to onUndeliverable.
func (s *SignalingChannel) request(msgType string, peerID domain.PeerID, payload any, onResult func(Result)) error {
	if !s.connected {
		if peerID != "" && s.onUndeliverable != nil {
			s.onUndeliverable(peerID)
		}
		return fmt.Errorf("send %s: %w", msgType, domain.ErrChannelDisconnected)
	}

	content, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msgType, err)
	}

	env := domain.Envelope{
		ID:      uuid.NewString(),
		Kind:    domain.EnvelopeRequest,
		Type:    msgType,
		Content: content,
	}
	if onResult != nil {
		s.pending[env.ID] = onResult
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.opts.RequestTimeout)
	defer cancel()

	if err := s.bus.Send(ctx, env); err != nil {
		delete(s.pending, env.ID)
		return fmt.Errorf("send %s: %w", msgType, err)
	}

	s.metrics.SignalingMessage("out", msgType)
	s.logger.Debugw("sent signaling request", "type", msgType, "peer_id", peerID, "id", env.ID)
	return nil
}

func (s *SignalingChannel) GetCapability(peerID domain.PeerID, isProduce bool, recvTerminals []string) error {
	return s.request(domain.MsgGetCapability, peerID, domain.GetCapabilityRequest{
		PeerID:        peerID,
		IsProduce:     isProduce,
		RecvTerminals: recvTerminals,
	}, nil)
}

func (s *SignalingChannel) CreateTransport(peerID domain.PeerID, isProduce bool, caps domain.RtpCapabilities, maxIncomingBitrate int, onResult func(Result)) error {
	return s.request(domain.MsgCreateTransport, peerID, domain.CreateTransportRequest{
		PeerID:             peerID,
		ForceTCP:           false,
		IsProduce:          isProduce,
		RtpCapabilities:    caps,
		MaxIncomingBitrate: maxIncomingBitrate,
	}, onResult)
}

func (s *SignalingChannel) ConnectTransport(peerID domain.PeerID, isProduce bool, dtls domain.DtlsParameters, onResult func(Result)) error {
	return s.request(domain.MsgConnectTransport, peerID, domain.ConnectTransportRequest{
		PeerID:         peerID,
		IsProduce:      isProduce,
		DtlsParameters: dtls,
	}, onResult)
}

func (s *SignalingChannel) Produce(msg domain.ProduceMessage) error {
	return s.request(domain.MsgProduce, msg.PeerID, msg, nil)
}

func (s *SignalingChannel) ChangeProducerState(peerID domain.PeerID, producerID string, state domain.MediaState) error {
	return s.request(domain.MsgChangeProducerState, peerID, domain.ChangeProducerState{
		PeerID:     peerID,
		ProducerID: producerID,
		State:      state,
	}, nil)
}

func (s *SignalingChannel) ChangeConsumerState(peerID domain.PeerID, producerID string, state domain.MediaState) error {
	return s.request(domain.MsgChangeConsumerState, peerID, domain.ChangeConsumerState{
		PeerID:     peerID,
		ProducerID: producerID,
		State:      state,
	}, nil)
}

func (s *SignalingChannel) UpdateTransport(peerID domain.PeerID, maxIncomingBitrate int, recvInfo []string) error {
	return s.request(domain.MsgUpdateTransport, peerID, domain.UpdateTransport{
		PeerID:             peerID,
		MaxIncomingBitrate: maxIncomingBitrate,
		RecvInfo:           recvInfo,
	}, nil)
}

func (s *SignalingChannel) TransportStatusChanged(peerID domain.PeerID, transportID string, status domain.TransportStatus, onResult func(Result)) error {
	return s.request(domain.MsgTransportStatusChanged, peerID, domain.TransportStatusChanged{
		PeerID:      peerID,
		TransportID: transportID,
		Status:      status,
	}, onResult)
}
