package services

import (
	"context"
	"fmt"
	"time"

	"sfuclient/internal/core/domain"
	"sfuclient/internal/core/ports"
	"sfuclient/pkg/retry"
)

// ReconnectionSupervisor watches transport and channel connectivity and
// decides between soft release, hard release and renegotiation.
type ReconnectionSupervisor struct {
	*runtime
	bus        ports.Bus
	channel    *SignalingChannel
	negotiator *TransportNegotiator
	producers  *ProducerTrackCoordinator
	consumers  *ConsumerCoordinator

	rejoinTimer domain.Timer
}

func newReconnectionSupervisor(rt *runtime, bus ports.Bus, channel *SignalingChannel) *ReconnectionSupervisor {
	return &ReconnectionSupervisor{runtime: rt, bus: bus, channel: channel}
}

func (s *ReconnectionSupervisor) onTransportState(peerID domain.PeerID, transport domain.Transport, state domain.ConnectionState) {
	peer, ok := s.registry.Get(peerID)
	if !ok || peer.Transport != transport {
		s.logger.Debugw("state of released transport", "peer_id", peerID, "state", state)
		return
	}

	status := state.TransportStatus()
	peer.TransportStatus = status
	transportID := peer.TransportID
	s.metrics.TransportStateChanged(state)
	s.logger.Infow("transport state changed", "peer_id", peerID, "transport_id", transportID, "state", state)

	switch state {
	case domain.ConnectionConnected:
		stopTimer(&peer.ReconnectTimer)
		peer.DisconnectedAt = time.Time{}
		s.negotiator.complete(peerID)
		s.reportStatus(peerID, transportID, status, nil)

	case domain.ConnectionDisconnected:
		peer.DisconnectedAt = s.clock.Now()
		stopTimer(&peer.ReconnectTimer)
		var timer domain.Timer
		timer = s.after(s.opts.ReconnectGrace, func() {
			s.onGraceExpired(peerID, timer)
		})
		peer.ReconnectTimer = timer
		s.reportStatus(peerID, transportID, status, nil)

	case domain.ConnectionFailed, domain.ConnectionClosed:
		stopTimer(&peer.ReconnectTimer)
		peer.DisconnectedAt = time.Time{}
		s.reportStatus(peerID, transportID, status, func(r Result) {
			var result domain.TransportStatusResult
			if err := r.Decode(&result); err != nil {
				s.logger.Warnw("invalid transport status result", "peer_id", peerID, "error", err)
			}
			p, ok := s.registry.Get(peerID)
			if !ok || p.TransportID != transportID || p.Status == domain.StatusInit {
				return
			}
			if p.IsProducer() || result.SenderIsConnected {
				s.renegotiate(p, "transport_"+string(state))
			}
		})

	default:
		s.reportStatus(peerID, transportID, status, nil)
	}
}

// onGraceExpired renegotiates a peer whose transport stayed disconnected
// for the whole grace period.
func (s *ReconnectionSupervisor) onGraceExpired(peerID domain.PeerID, timer domain.Timer) {
	peer, ok := s.registry.Get(peerID)
	if !ok || peer.ReconnectTimer != timer {
		return
	}
	peer.ReconnectTimer = nil

	if peer.TransportStatus != domain.TransportDisconnected || peer.Status == domain.StatusInit {
		return
	}
	if peer.DisconnectedAt.IsZero() || s.clock.Since(peer.DisconnectedAt) < s.opts.ReconnectGrace {
		return
	}
	s.renegotiate(peer, "disconnected")
}

func (s *ReconnectionSupervisor) reportStatus(peerID domain.PeerID, transportID string, status domain.TransportStatus, onResult func(Result)) {
	if err := s.channel.TransportStatusChanged(peerID, transportID, status, onResult); err != nil {
		s.logger.Warnw("failed to report transport status", "peer_id", peerID, "status", status.String(), "error", err)
	}
}

// reject handles a server rejection of the peer's transport.
func (s *ReconnectionSupervisor) reject(peerID domain.PeerID, code int) {
	peer, ok := s.registry.Get(peerID)
	if !ok {
		return
	}
	s.logger.Warnw("transport rejected by server", "peer_id", peerID, "code", code)
	s.renegotiate(peer, "transport_not_found")
}

func (s *ReconnectionSupervisor) renegotiate(peer *domain.Peer, reason string) {
	s.logger.Infow("renegotiating peer", "peer_id", peer.ID, "reason", reason)
	s.release(peer, false, reason)
	if peer.Role != domain.RoleProducerNoStream {
		s.negotiator.Start(peer)
	}
}

func (s *ReconnectionSupervisor) onTransportClosed(msg domain.TransportClosed) {
	peer, ok := s.registry.Get(msg.PeerID)
	if !ok {
		return
	}
	if msg.TransportID != "" && msg.TransportID != peer.TransportID {
		s.logger.Debugw("close of stale transport", "peer_id", peer.ID, "transport_id", msg.TransportID)
		return
	}

	if msg.RenegotiableClose() || peer.IsProducer() {
		s.renegotiate(peer, "server_closed")
		return
	}
	s.logger.Infow("transport closed by server", "peer_id", peer.ID, "reason", msg.Reason)
	s.release(peer, true, "server_closed")
}

// onUndeliverable releases a peer whose request could not be sent.
func (s *ReconnectionSupervisor) onUndeliverable(peerID domain.PeerID) {
	peer, ok := s.registry.Get(peerID)
	if !ok {
		return
	}
	s.logger.Warnw("signaling down, releasing peer", "peer_id", peerID)
	s.release(peer, !peer.IsProducer(), "channel_down")
}

// onChannelLost releases every peer. Receivers are deleted since the server
// forgets them; producers keep their tracks for the next join.
func (s *ReconnectionSupervisor) onChannelLost(kicked bool) {
	for _, peer := range s.registry.All() {
		s.release(peer, !peer.IsProducer(), "channel_lost")
	}
	if !kicked {
		return
	}

	s.logger.Warnw("signaling session invalidated, rejoining", "delay", s.opts.RejoinDelay)
	stopTimer(&s.rejoinTimer)
	s.rejoinTimer = s.after(s.opts.RejoinDelay, s.rejoin)
}

func (s *ReconnectionSupervisor) rejoin() {
	s.rejoinTimer = nil
	s.async(func(ctx context.Context) {
		if err := s.bus.Disconnect(); err != nil {
			s.logger.Warnw("failed to drop signaling session", "error", err)
		}
		err := retry.Retry(ctx, s.reconnectPolicy(), func() error {
			return s.bus.Connect(ctx)
		})
		if err != nil {
			s.logger.Errorw("failed to reconnect signaling", "error", err)
		}
	})
}

// closeMedia reports an active close and deletes the peer. The close
// callback of a procedural peer is not invoked.
func (s *ReconnectionSupervisor) closeMedia(peerID domain.PeerID) {
	peer, ok := s.registry.Get(peerID)
	if !ok {
		return
	}
	peer.Callbacks.OnClose = nil
	if peer.TransportID != "" {
		s.reportStatus(peerID, peer.TransportID, domain.TransportActiveClose, nil)
	}
	if p, ok := s.registry.Get(peerID); ok && p == peer {
		s.release(peer, true, "closed")
	}
}

func (s *ReconnectionSupervisor) releaseAll(reason string) {
	for _, peer := range s.registry.All() {
		s.release(peer, true, reason)
	}
}

// release tears down the transport, producers and consumers of peer. A soft
// release keeps the peer and its tracks for renegotiation; a hard release
// deletes it and fires the close callbacks. It never sends on the channel.
func (s *ReconnectionSupervisor) release(peer *domain.Peer, hard bool, reason string) {
	s.logger.Infow("releasing peer", "peer_id", peer.ID, "hard", hard, "reason", reason)

	if hard {
		s.registry.Delete(peer.ID)
		peer.Tracks = make(map[string]domain.TrackIntent)
		s.metrics.PeerRemoved(peer.Role)
	} else {
		s.metrics.SoftRelease(reason)
	}

	peer.Status = domain.StatusInit
	peer.TransportStatus = domain.TransportInit
	peer.DisconnectedAt = time.Time{}
	stopTimer(&peer.ReconnectTimer)
	stopTimer(&peer.HealthTimer)
	stopTimer(&peer.RetryTimer)
	s.negotiator.abort(peer.ID, nil)

	s.producers.dropParked(peer.ID)
	s.producers.closeAll(peer)
	peer.ResetProduction()
	s.consumers.closeAll(peer)

	if peer.Transport != nil {
		if err := peer.Transport.Close(); err != nil {
			s.logger.Warnw("failed to close transport", "peer_id", peer.ID, "error", err)
		}
		peer.Transport = nil
	}
	stopMeter(peer)
	peer.Device = nil
	peer.TransportID = ""
	peer.ClientCapabilities = nil

	for clientID, onResult := range peer.Callbacks.Producers {
		onResult := onResult
		delete(peer.Callbacks.Producers, clientID)
		err := fmt.Errorf("producer %s: %w", clientID, domain.ErrProduceSuperseded)
		s.emit(func() { onResult("", err) })
	}

	if !hard {
		return
	}
	peer.AudioSink = nil
	peer.VideoSink = nil

	peerID := peer.ID
	if onClose := peer.Callbacks.OnClose; onClose != nil {
		s.emit(onClose)
	}
	peer.Callbacks = domain.ProceduralCallbacks{}
	if peer.Role == domain.RoleReceiver && s.cbs.OnReceiverClosed != nil {
		onClosed := s.cbs.OnReceiverClosed
		s.emit(func() { onClosed(peerID) })
	}
}
