package services

import (
	"context"

	"sfuclient/internal/core/domain"
	"sfuclient/internal/core/ports"
	apperrors "sfuclient/pkg/errors"
)

// The procedural surface lets a caller that runs its own engine drive each
// negotiation step. Peers created here have RoleProducerNoStream and share
// the state machine of the autowired surface.

func (m *MediaClient) GetRtpCapability(ctx context.Context, req ports.CapabilityRequest) error {
	if req.PeerID == "" || req.OnResult == nil {
		return errParam("peer id and result callback are required")
	}

	return m.call(ctx, func() error {
		if existing, ok := m.registry.Get(req.PeerID); ok {
			m.supervisor.release(existing, true, "replaced")
		}

		peer, _ := m.registry.Create(req.PeerID, domain.RoleProducerNoStream)
		m.metrics.PeerAdded(peer.Role)
		peer.Bandwidth = req.Bandwidth
		peer.RecvTerminals = req.RecvInfo
		peer.Callbacks = domain.ProceduralCallbacks{
			OnCapability: req.OnResult,
			OnClose:      req.OnClose,
			Producers:    make(map[string]func(string, error)),
		}

		m.negotiator.Start(peer)
		return nil
	})
}

func (m *MediaClient) CreateSendTransport(ctx context.Context, peerID domain.PeerID, caps domain.RtpCapabilities, onResult func(domain.TransportCreated, error)) error {
	if onResult == nil {
		return errParam("result callback is required")
	}

	return m.call(ctx, func() error {
		peer, err := m.proceduralPeer(peerID)
		if err != nil {
			return err
		}
		if peer.Status != domain.StatusConnecting || peer.TransportID != "" {
			return apperrors.NewConflictError("capability not fetched or transport already created", domain.ErrPeerBusy).
				WithContext("peer_id", peerID)
		}

		peer.ClientCapabilities = &caps
		peer.Callbacks.OnTransport = onResult
		return m.channel.CreateTransport(peerID, true, caps, peer.Bandwidth, func(r Result) {
			if r.OK() {
				return
			}
			p, ok := m.registry.Get(peerID)
			if !ok || p != peer {
				return
			}
			onTransport := p.Callbacks.OnTransport
			m.supervisor.release(p, false, "transport_rejected")
			if onTransport != nil {
				rejection := apperrors.NewServerRejectionError(r.Code, domain.ErrTransportNotFound)
				m.emit(func() { onTransport(domain.TransportCreated{}, rejection) })
			}
		})
	})
}

func (m *MediaClient) ConnectTransport(ctx context.Context, peerID domain.PeerID, dtls domain.DtlsParameters) error {
	return m.call(ctx, func() error {
		peer, err := m.proceduralPeer(peerID)
		if err != nil {
			return err
		}
		if peer.TransportID == "" {
			return apperrors.NewConflictError("transport not created", domain.ErrTransportNotFound).
				WithContext("peer_id", peerID)
		}

		peer.Status = domain.StatusConnected
		m.negotiator.complete(peerID)
		return m.channel.ConnectTransport(peerID, true, dtls, func(r Result) {
			if r.Code == domain.CodeTransportNotFound {
				m.supervisor.reject(peerID, r.Code)
			}
		})
	})
}

// CreateProducer sends a produce request; onResult receives the server
// producer id once the matching producer-created push arrives.
func (m *MediaClient) CreateProducer(ctx context.Context, peerID domain.PeerID, producerClientID string, kind domain.Kind, params domain.RtpParameters, onResult func(string, error)) error {
	if producerClientID == "" || !kind.Valid() || onResult == nil {
		return errParam("producer client id, kind and result callback are required")
	}

	return m.call(ctx, func() error {
		peer, err := m.proceduralPeer(peerID)
		if err != nil {
			return err
		}
		if peer.TransportID == "" {
			return apperrors.NewConflictError("transport not created", domain.ErrTransportNotFound).
				WithContext("peer_id", peerID)
		}

		localID, _, ok := domain.SplitProducerClientID(producerClientID)
		if !ok {
			localID = producerClientID
		}
		err = m.channel.Produce(domain.ProduceMessage{
			PeerID:           peerID,
			ProducerClientID: producerClientID,
			Kind:             kind,
			RtpParameters:    params,
			Reserve: domain.ProduceReserve{TrackInfo: domain.TrackInfo{
				ID:         localID,
				AppTrackID: localID,
				Kind:       kind,
			}},
		})
		if err != nil {
			return err
		}
		if peer.Callbacks.Producers == nil {
			peer.Callbacks.Producers = make(map[string]func(string, error))
		}
		peer.Callbacks.Producers[producerClientID] = onResult
		return nil
	})
}

func (m *MediaClient) proceduralPeer(peerID domain.PeerID) (*domain.Peer, error) {
	peer, ok := m.registry.Get(peerID)
	if !ok {
		return nil, errPeerNotFound(peerID)
	}
	if peer.Role != domain.RoleProducerNoStream {
		return nil, apperrors.NewConflictError("peer is autowired", domain.ErrPeerBusy).
			WithContext("peer_id", peerID).
			WithContext("role", peer.Role.String())
	}
	return peer, nil
}
