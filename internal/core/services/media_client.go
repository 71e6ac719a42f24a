package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"sfuclient/internal/core/domain"
	"sfuclient/internal/core/ports"
	"sfuclient/pkg/retry"

	"github.com/hashicorp/go-multierror"
)

var _ ports.MediaService = (*MediaClient)(nil)

// MediaClient coordinates the media peers of one signaling session. All
// peer state is owned by the event loop started by Run; public methods post
// to it and wait for the result.
type MediaClient struct {
	*runtime
	bus ports.Bus

	channel    *SignalingChannel
	negotiator *TransportNegotiator
	producers  *ProducerTrackCoordinator
	consumers  *ConsumerCoordinator
	supervisor *ReconnectionSupervisor

	started   atomic.Bool
	stop      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func NewMediaClient(opts Options, deps Dependencies, cbs Callbacks) (*MediaClient, error) {
	switch {
	case deps.Bus == nil:
		return nil, fmt.Errorf("signaling bus is required: %w", domain.ErrInvalidParam)
	case deps.Engine == nil:
		return nil, fmt.Errorf("media engine is required: %w", domain.ErrInvalidParam)
	case deps.Registry == nil:
		return nil, fmt.Errorf("peer registry is required: %w", domain.ErrInvalidParam)
	}

	rt := newRuntime(opts, deps, cbs)
	channel := newSignalingChannel(rt, deps.Bus, rt.opts.UserID)
	negotiator := newTransportNegotiator(rt, deps.Engine, channel)
	producers := newProducerTrackCoordinator(rt, channel)
	consumers := newConsumerCoordinator(rt, channel)
	supervisor := newReconnectionSupervisor(rt, deps.Bus, channel)

	negotiator.producers = producers
	negotiator.supervisor = supervisor
	producers.negotiator = negotiator
	consumers.negotiator = negotiator
	supervisor.negotiator = negotiator
	supervisor.producers = producers
	supervisor.consumers = consumers

	channel.onJoined = negotiator.StartPending
	channel.onLost = supervisor.onChannelLost
	channel.onUndeliverable = supervisor.onUndeliverable

	channel.On(domain.MsgCanReceive, on(consumers.onCanReceive))
	channel.On(domain.MsgCapabilityResult, on(negotiator.onCapabilityResult))
	channel.On(domain.MsgTransportCreated, on(negotiator.onTransportCreated))
	channel.On(domain.MsgProducerCreated, on(producers.onProducerCreated))
	channel.On(domain.MsgNewConsumable, on(consumers.onNewConsumable))
	channel.On(domain.MsgTransportClosed, on(supervisor.onTransportClosed))
	channel.On(domain.MsgProducerStateChanged, on(producers.onProducerState))
	channel.On(domain.MsgConsumerStateChanged, on(consumers.onConsumerState))

	m := &MediaClient{
		runtime:    rt,
		bus:        deps.Bus,
		channel:    channel,
		negotiator: negotiator,
		producers:  producers,
		consumers:  consumers,
		supervisor: supervisor,
		stop:       make(chan struct{}),
	}
	go m.notify.run(m.done)
	return m, nil
}

// Run connects the signaling bus and processes events until ctx is
// cancelled or Close is called.
func (m *MediaClient) Run(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return errors.New("media client already started")
	}

	m.logger.Infow("media client started", "user_id", m.opts.UserID)
	m.async(m.connectBus)

	events := m.bus.Events()
	for {
		select {
		case fn := <-m.events:
			fn()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			m.channel.dispatch(ev)
		case <-ctx.Done():
			m.shutdown()
			return ctx.Err()
		case <-m.stop:
			m.shutdown()
			return nil
		}
	}
}

func (m *MediaClient) connectBus(ctx context.Context) {
	err := retry.Retry(ctx, m.reconnectPolicy(), func() error {
		return m.bus.Connect(ctx)
	})
	if err != nil && ctx.Err() == nil {
		m.logger.Errorw("failed to connect signaling bus", "error", err)
	}
}

// Close hard-releases every peer and closes the bus. It is safe to call
// more than once.
func (m *MediaClient) Close(ctx context.Context) error {
	m.closeOnce.Do(func() { close(m.stop) })

	if m.started.CompareAndSwap(false, true) {
		m.shutdown()
		return m.closeErr
	}

	select {
	case <-m.done:
		return m.closeErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MediaClient) shutdown() {
	stopTimer(&m.supervisor.rejoinTimer)
	m.supervisor.releaseAll("client_closed")
	m.cancel()

	var result *multierror.Error
	if err := m.bus.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close signaling bus: %w", err))
	}
	m.closeErr = result.ErrorOrNil()

	close(m.done)
	m.logger.Infow("media client stopped")
}

func (m *MediaClient) SendMedia(ctx context.Context, peerID domain.PeerID, tracks map[string]domain.Track, opts ports.SendOptions) error {
	return m.call(ctx, func() error {
		return m.producers.SendMedia(peerID, tracks, opts.Bandwidth, opts.RecvTerminals, opts.Ownership)
	})
}

func (m *MediaClient) UpsertTrack(ctx context.Context, peerID domain.PeerID, appTrackID string, track domain.Track, opts ports.TrackOptions) error {
	return m.call(ctx, func() error {
		return m.producers.UpsertTrack(peerID, appTrackID, track, opts.Bandwidth, opts.RecvInfo, opts.Ownership)
	})
}

func (m *MediaClient) ReplaceTrack(ctx context.Context, peerID domain.PeerID, appTrackID string, track domain.Track, opts ports.TrackOptions) error {
	return m.call(ctx, func() error {
		return m.producers.ReplaceTrack(peerID, appTrackID, track, opts.Bandwidth, opts.RecvInfo, opts.Ownership)
	})
}

func (m *MediaClient) CloseTrack(ctx context.Context, peerID domain.PeerID, appTrackID string) error {
	return m.call(ctx, func() error {
		return m.producers.CloseTrack(peerID, appTrackID)
	})
}

// Pause stops sending or receiving kind for the peer. The flag survives
// renegotiation.
func (m *MediaClient) Pause(ctx context.Context, peerID domain.PeerID, kind domain.Kind) error {
	if !kind.Valid() {
		return errParam("invalid media kind")
	}
	return m.call(ctx, func() error {
		peer, ok := m.registry.Get(peerID)
		if !ok {
			return errPeerNotFound(peerID)
		}
		if peer.IsProducer() {
			m.producers.pause(peer, kind)
		} else {
			m.consumers.pause(peer, kind)
		}
		return nil
	})
}

func (m *MediaClient) Resume(ctx context.Context, peerID domain.PeerID, kind domain.Kind) error {
	if !kind.Valid() {
		return errParam("invalid media kind")
	}
	return m.call(ctx, func() error {
		peer, ok := m.registry.Get(peerID)
		if !ok {
			return errPeerNotFound(peerID)
		}
		if peer.IsProducer() {
			m.producers.resume(peer, kind)
		} else {
			m.consumers.resume(peer, kind)
		}
		return nil
	})
}

func (m *MediaClient) IsPaused(ctx context.Context, peerID domain.PeerID, kind domain.Kind) (bool, error) {
	if !kind.Valid() {
		return false, errParam("invalid media kind")
	}
	var paused bool
	err := m.call(ctx, func() error {
		peer, ok := m.registry.Get(peerID)
		if !ok {
			return errPeerNotFound(peerID)
		}
		paused = peer.Kind(kind).Paused
		return nil
	})
	return paused, err
}

// CloseMedia deletes the peer. Closing an unknown peer is a no-op.
func (m *MediaClient) CloseMedia(ctx context.Context, peerID domain.PeerID) error {
	return m.call(ctx, func() error {
		m.supervisor.closeMedia(peerID)
		return nil
	})
}

func (m *MediaClient) ReceiveMedia(ctx context.Context, peerID domain.PeerID, audio, video domain.Sink) error {
	return m.call(ctx, func() error {
		return m.consumers.ReceiveMedia(peerID, audio, video)
	})
}

func (m *MediaClient) UpsertSink(ctx context.Context, peerID domain.PeerID, kind domain.Kind, sink domain.Sink) error {
	return m.call(ctx, func() error {
		return m.consumers.UpsertSink(peerID, kind, sink)
	})
}

func (m *MediaClient) DeleteSink(ctx context.Context, peerID domain.PeerID, kind domain.Kind) error {
	return m.call(ctx, func() error {
		return m.consumers.DeleteSink(peerID, kind)
	})
}

// IsMediaConnected reports whether the peer is negotiating or connected.
func (m *MediaClient) IsMediaConnected(ctx context.Context, peerID domain.PeerID) (bool, error) {
	var connected bool
	err := m.call(ctx, func() error {
		if peer, ok := m.registry.Get(peerID); ok {
			connected = peer.Status == domain.StatusConnecting || peer.Status == domain.StatusConnected
		}
		return nil
	})
	return connected, err
}

func (m *MediaClient) IsMediaExist(ctx context.Context, peerID domain.PeerID) (bool, error) {
	var exists bool
	err := m.call(ctx, func() error {
		_, exists = m.registry.Get(peerID)
		return nil
	})
	return exists, err
}

// IsKindExist reports whether a sending peer has a track of kind, or a
// receiving peer a consumer of kind.
func (m *MediaClient) IsKindExist(ctx context.Context, peerID domain.PeerID, kind domain.Kind) (bool, error) {
	var exists bool
	err := m.call(ctx, func() error {
		peer, ok := m.registry.Get(peerID)
		if !ok {
			return nil
		}
		if peer.IsProducer() {
			exists = peer.HasKind(kind)
		} else {
			exists = hasConsumerOf(peer, kind)
		}
		return nil
	})
	return exists, err
}

func (m *MediaClient) Peer(ctx context.Context, peerID domain.PeerID) (domain.PeerInfo, error) {
	var info domain.PeerInfo
	err := m.call(ctx, func() error {
		peer, ok := m.registry.Get(peerID)
		if !ok {
			return errPeerNotFound(peerID)
		}
		info = peer.Snapshot()
		return nil
	})
	return info, err
}

func (m *MediaClient) Peers(ctx context.Context) ([]domain.PeerInfo, error) {
	var infos []domain.PeerInfo
	err := m.call(ctx, func() error {
		peers := m.registry.All()
		infos = make([]domain.PeerInfo, 0, len(peers))
		for _, peer := range peers {
			infos = append(infos, peer.Snapshot())
		}
		return nil
	})
	return infos, err
}

// SessionJoined reports whether the signaling session is joined.
func (m *MediaClient) SessionJoined(ctx context.Context) (bool, error) {
	var joined bool
	err := m.call(ctx, func() error {
		joined = m.channel.Joined()
		return nil
	})
	return joined, err
}
