package services

import (
	"context"
	"fmt"
	"time"

	"sfuclient/internal/core/domain"
	"sfuclient/internal/core/ports"
	apperrors "sfuclient/pkg/errors"
	"sfuclient/pkg/tracing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type negotiation struct {
	span    trace.Span
	role    domain.Role
	started time.Time
}

// TransportNegotiator drives a peer from Init through capability fetch,
// device load and transport creation up to the DTLS connect.
type TransportNegotiator struct {
	*runtime
	engine     ports.Engine
	channel    *SignalingChannel
	producers  *ProducerTrackCoordinator
	supervisor *ReconnectionSupervisor

	inflight map[domain.PeerID]*negotiation
}

func newTransportNegotiator(rt *runtime, engine ports.Engine, channel *SignalingChannel) *TransportNegotiator {
	return &TransportNegotiator{
		runtime:  rt,
		engine:   engine,
		channel:  channel,
		inflight: make(map[domain.PeerID]*negotiation),
	}
}

// Start begins a negotiation. Peers that are not Init are left alone, and
// peers created before the session is joined start from StartPending.
func (n *TransportNegotiator) Start(peer *domain.Peer) {
	if peer.Status != domain.StatusInit {
		n.logger.Debugw("negotiation already running", "peer_id", peer.ID, "status", peer.Status.String())
		return
	}
	if !n.channel.Joined() {
		n.logger.Debugw("negotiation deferred until joined", "peer_id", peer.ID)
		return
	}

	peer.Status = domain.StatusConnecting
	n.begin(peer)

	if peer.Role != domain.RoleProducerNoStream {
		device, err := n.engine.NewDevice()
		if err != nil {
			n.logger.Errorw("failed to create device", "peer_id", peer.ID, "error", err)
			n.abort(peer.ID, apperrors.NewNegotiationError("create device", err))
			return
		}
		peer.Device = device
	}

	var recvTerminals []string
	if peer.IsProducer() {
		recvTerminals = peer.RecvTerminals
	}
	if err := n.channel.GetCapability(peer.ID, peer.IsProducer(), recvTerminals); err != nil {
		n.logger.Warnw("failed to request capability", "peer_id", peer.ID, "error", err)
		return
	}
	n.event(peer.ID, "capability_requested")
}

// StartPending starts every peer that was waiting for the session to be joined.
func (n *TransportNegotiator) StartPending() {
	for _, peer := range n.registry.All() {
		if peer.Status != domain.StatusInit {
			continue
		}
		switch {
		case peer.Role == domain.RoleProducer:
			n.Start(peer)
		case peer.Role == domain.RoleReceiver && (peer.AudioSink != nil || peer.VideoSink != nil):
			n.Start(peer)
		case peer.Role == domain.RoleProducerNoStream && peer.Callbacks.OnCapability != nil:
			n.Start(peer)
		}
	}
}

func (n *TransportNegotiator) onCapabilityResult(msg domain.CapabilityResult) {
	peer, ok := n.registry.Get(msg.PeerID)
	if !ok {
		n.logger.Debugw("capability result for unknown peer", "peer_id", msg.PeerID)
		return
	}
	if peer.Status != domain.StatusConnecting {
		n.logger.Debugw("stale capability result", "peer_id", peer.ID, "status", peer.Status.String())
		return
	}

	if msg.ErrorCode != 0 || msg.RtpCapabilities == nil {
		err := apperrors.NewServerRejectionError(msg.ErrorCode, domain.ErrCapabilityRejected)
		if peer.Role == domain.RoleProducerNoStream {
			onResult := peer.Callbacks.OnCapability
			n.supervisor.release(peer, false, "capability_rejected")
			if onResult != nil {
				n.emit(func() { onResult(domain.RtpCapabilities{}, err) })
			}
			return
		}
		n.retry(peer, err)
		return
	}

	caps := *msg.RtpCapabilities
	n.event(peer.ID, "capability_received", attribute.Int("codecs", len(caps.Codecs)))

	if peer.Role == domain.RoleProducerNoStream {
		if onResult := peer.Callbacks.OnCapability; onResult != nil {
			n.emit(func() { onResult(caps, nil) })
		}
		return
	}

	device := peer.Device
	if device == nil {
		n.logger.Errorw("capability received without device", "peer_id", peer.ID)
		return
	}

	peerID := peer.ID
	n.async(func(ctx context.Context) {
		err := device.Load(ctx, caps)
		n.post(func() { n.onDeviceLoaded(peerID, device, err) })
	})
}

// retry soft-releases an autowired peer whose capability request was
// rejected and starts again after the retry delay.
func (n *TransportNegotiator) retry(peer *domain.Peer, cause error) {
	n.logger.Warnw("capability rejected, retrying", "peer_id", peer.ID, "delay", n.opts.CapabilityRetryDelay, "error", cause)

	if peer.TransportID != "" {
		n.supervisor.reportStatus(peer.ID, peer.TransportID, domain.TransportRetryClose, nil)
	}
	n.supervisor.release(peer, false, "capability_rejected")

	peerID := peer.ID
	var timer domain.Timer
	timer = n.after(n.opts.CapabilityRetryDelay, func() {
		p, ok := n.registry.Get(peerID)
		if !ok || p.RetryTimer != timer {
			return
		}
		p.RetryTimer = nil
		n.Start(p)
	})
	peer.RetryTimer = timer
}

func (n *TransportNegotiator) onDeviceLoaded(peerID domain.PeerID, device domain.Device, err error) {
	peer, ok := n.registry.Get(peerID)
	if !ok || peer.Device != device {
		n.logger.Debugw("device loaded for released peer", "peer_id", peerID)
		return
	}
	if err != nil {
		n.logger.Errorw("failed to load device", "peer_id", peerID, "error", err)
		n.abort(peerID, apperrors.NewNegotiationError("load device", err))
		return
	}
	n.event(peerID, "device_loaded")
	n.createTransport(peer, device.RtpCapabilities())
}

func (n *TransportNegotiator) createTransport(peer *domain.Peer, caps domain.RtpCapabilities) {
	peer.ClientCapabilities = &caps

	peerID := peer.ID
	err := n.channel.CreateTransport(peerID, peer.IsProducer(), caps, peer.Bandwidth, func(r Result) {
		if r.Code == domain.CodeTransportNotFound {
			n.supervisor.reject(peerID, r.Code)
			return
		}
		if !r.OK() {
			n.logger.Warnw("create transport rejected", "peer_id", peerID, "code", r.Code)
		}
	})
	if err != nil {
		n.logger.Warnw("failed to request transport", "peer_id", peerID, "error", err)
	}
}

func (n *TransportNegotiator) onTransportCreated(msg domain.TransportCreated) {
	peer, ok := n.registry.Get(msg.PeerID)
	if !ok {
		n.logger.Debugw("transport created for unknown peer", "peer_id", msg.PeerID, "transport_id", msg.ID)
		return
	}
	if peer.Status == domain.StatusInit || peer.Transport != nil {
		n.logger.Debugw("ignoring transport", "peer_id", peer.ID, "transport_id", msg.ID, "status", peer.Status.String())
		return
	}

	peer.TransportID = msg.ID
	n.event(peer.ID, "transport_created", tracing.TransportIDKey.String(msg.ID))

	if peer.Role == domain.RoleProducerNoStream {
		if onResult := peer.Callbacks.OnTransport; onResult != nil {
			n.emit(func() { onResult(msg, nil) })
		}
		return
	}

	device := peer.Device
	if device == nil || !device.Loaded() {
		n.logger.Errorw("transport created before device was loaded", "peer_id", peer.ID, "transport_id", msg.ID)
		return
	}

	opts := domain.TransportOptions{
		ID:             msg.ID,
		ICEParameters:  msg.IceParameters,
		ICECandidates:  msg.IceCandidates,
		DTLSParameters: msg.DtlsParameters,
		SCTPParameters: msg.SctpParameters,
		OnConnect:      n.connectHandler(peer.ID, msg.ID),
	}

	var (
		transport domain.Transport
		err       error
	)
	if peer.IsProducer() {
		opts.OnProduce = n.producers.produceHandler(peer.ID, msg.ID)
		transport, err = device.CreateSendTransport(opts)
	} else {
		transport, err = device.CreateRecvTransport(opts)
	}
	if err != nil {
		n.logger.Errorw("failed to create transport", "peer_id", peer.ID, "transport_id", msg.ID, "error", err)
		n.abort(peer.ID, apperrors.NewNegotiationError("create transport", err))
		return
	}

	peer.Transport = transport
	n.logger.Infow("transport created", "peer_id", peer.ID, "transport_id", msg.ID, "role", peer.Role.String())
	n.watch(peer.ID, transport)

	if peer.Role == domain.RoleProducer {
		n.producers.produceAll(peer)
	}
}

// watch forwards the transport's connection states to the loop until the
// transport closes its state channel.
func (n *TransportNegotiator) watch(peerID domain.PeerID, transport domain.Transport) {
	states := transport.ConnectionStates()
	go func() {
		for state := range states {
			state := state
			if !n.post(func() { n.supervisor.onTransportState(peerID, transport, state) }) {
				return
			}
		}
	}()
}

// connectHandler is invoked by the engine when the transport needs its DTLS
// parameters delivered to the server.
func (n *TransportNegotiator) connectHandler(peerID domain.PeerID, transportID string) domain.ConnectFunc {
	return func(ctx context.Context, dtls domain.DtlsParameters) error {
		return n.call(ctx, func() error {
			peer, ok := n.registry.Get(peerID)
			if !ok || peer.TransportID != transportID {
				return fmt.Errorf("connect transport %s: %w", transportID, domain.ErrTransportNotFound)
			}
			peer.Status = domain.StatusConnected
			n.event(peerID, "dtls_connect")

			return n.channel.ConnectTransport(peerID, peer.IsProducer(), dtls, func(r Result) {
				if r.Code == domain.CodeTransportNotFound {
					n.supervisor.reject(peerID, r.Code)
					return
				}
				if !r.OK() {
					n.logger.Warnw("connect transport rejected", "peer_id", peerID, "code", r.Code)
				}
			})
		})
	}
}

func (n *TransportNegotiator) begin(peer *domain.Peer) {
	n.abort(peer.ID, nil)

	_, span := n.tracer.Start(n.ctx, "negotiate", trace.WithAttributes(
		tracing.PeerIDKey.String(string(peer.ID)),
		tracing.RoleKey.String(peer.Role.String()),
	))
	n.inflight[peer.ID] = &negotiation{span: span, role: peer.Role, started: n.clock.Now()}
}

func (n *TransportNegotiator) event(peerID domain.PeerID, name string, attrs ...attribute.KeyValue) {
	if neg, ok := n.inflight[peerID]; ok {
		neg.span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}

// complete ends the negotiation span of a peer whose transport connected.
func (n *TransportNegotiator) complete(peerID domain.PeerID) {
	neg, ok := n.inflight[peerID]
	if !ok {
		return
	}
	delete(n.inflight, peerID)

	neg.span.SetStatus(codes.Ok, "")
	neg.span.End()
	n.metrics.NegotiationFinished(neg.role, "connected", n.clock.Since(neg.started))
}

// abort ends the negotiation span of a peer. A nil cause records a
// negotiation that was released before it connected.
func (n *TransportNegotiator) abort(peerID domain.PeerID, cause error) {
	neg, ok := n.inflight[peerID]
	if !ok {
		return
	}
	delete(n.inflight, peerID)

	result := "released"
	if cause != nil {
		result = "failed"
		neg.span.RecordError(cause)
		neg.span.SetStatus(codes.Error, cause.Error())
	} else {
		neg.span.SetStatus(codes.Error, result)
	}
	neg.span.End()
	n.metrics.NegotiationFinished(neg.role, result, n.clock.Since(neg.started))
}
