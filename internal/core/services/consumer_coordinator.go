package services

import (
	"context"
	"sort"

	"sfuclient/internal/core/domain"
	apperrors "sfuclient/pkg/errors"
)

// ConsumerCoordinator turns new-consumable pushes into consumers, attaches
// their tracks to the receiver's sinks and watches video playback health.
type ConsumerCoordinator struct {
	*runtime
	channel    *SignalingChannel
	negotiator *TransportNegotiator
}

func newConsumerCoordinator(rt *runtime, channel *SignalingChannel) *ConsumerCoordinator {
	return &ConsumerCoordinator{runtime: rt, channel: channel}
}

// ReceiveMedia registers the sinks of an announced receiver and starts its negotiation.
func (c *ConsumerCoordinator) ReceiveMedia(peerID domain.PeerID, audio, video domain.Sink) error {
	if peerID == "" {
		return errParam("peer id is required")
	}
	if audio == nil && video == nil {
		return errParam("at least one sink is required")
	}

	peer, ok := c.registry.Get(peerID)
	if !ok {
		return errPeerNotFound(peerID)
	}
	if peer.Role != domain.RoleReceiver || peer.Status != domain.StatusInit || peer.AudioSink != nil || peer.VideoSink != nil {
		return apperrors.NewConflictError("peer is not waiting for sinks", domain.ErrSinkAlreadySet).
			WithContext("peer_id", peerID).
			WithContext("status", peer.Status.String())
	}

	peer.AudioSink = audio
	peer.VideoSink = video
	c.logger.Infow("receiving media", "peer_id", peerID, "audio", audio != nil, "video", video != nil)
	c.negotiator.Start(peer)
	return nil
}

// UpsertSink replaces the sink of kind and attaches every consumer of that kind to it.
func (c *ConsumerCoordinator) UpsertSink(peerID domain.PeerID, kind domain.Kind, sink domain.Sink) error {
	if !kind.Valid() || sink == nil {
		return errParam("kind and sink are required")
	}
	peer, ok := c.registry.Get(peerID)
	if !ok {
		return errPeerNotFound(peerID)
	}

	old := peer.Sink(kind)
	if old == sink {
		return nil
	}
	if old != nil {
		old.Clear()
	}
	for _, producerID := range consumerIDs(peer) {
		consumer := peer.Consumers[producerID]
		if consumer.Kind() == kind {
			sink.AddTrack(consumer.Track())
		}
	}
	peer.SetSink(kind, sink)

	if kind == domain.KindVideo {
		c.startHealthCheck(peer)
	}
	return nil
}

func (c *ConsumerCoordinator) DeleteSink(peerID domain.PeerID, kind domain.Kind) error {
	if !kind.Valid() {
		return errParam("kind is required")
	}
	peer, ok := c.registry.Get(peerID)
	if !ok {
		return errPeerNotFound(peerID)
	}
	if old := peer.Sink(kind); old != nil {
		old.Clear()
		peer.SetSink(kind, nil)
	}
	return nil
}

// onCanReceive admits announced peers as receivers. The first announcement
// of a session carries init.
func (c *ConsumerCoordinator) onCanReceive(msg domain.CanReceive) {
	if msg.Init {
		c.channel.receiving = true
	}
	if !c.channel.receiving {
		c.logger.Debugw("ignoring receivable peers before init", "peers", len(msg.PeerIDs))
		return
	}

	for _, peerID := range msg.PeerIDs {
		peerID := peerID
		if peer, ok := c.registry.Get(peerID); ok && peer.Status != domain.StatusInit {
			continue
		}
		peer, created := c.registry.Create(peerID, domain.RoleReceiver)
		if created {
			c.metrics.PeerAdded(peer.Role)
		}
		c.logger.Infow("peer can be received", "peer_id", peerID)

		if onNew := c.cbs.OnNewReceiver; onNew != nil {
			c.emit(func() { onNew(peerID) })
		}
	}
}

func (c *ConsumerCoordinator) onNewConsumable(msg domain.NewConsumable) {
	peer, ok := c.registry.Get(msg.PeerID)
	if !ok || peer.Role != domain.RoleReceiver {
		c.logger.Warnw("consumable for unknown receiver", "peer_id", msg.PeerID, "producer_id", msg.ProducerID)
		return
	}
	if peer.Transport == nil {
		c.logger.Warnw("consumable before receive transport", "peer_id", msg.PeerID, "producer_id", msg.ProducerID)
		return
	}
	if !msg.Kind.Valid() {
		c.logger.Warnw("consumable of unknown kind", "peer_id", msg.PeerID, "kind", msg.Kind)
		return
	}

	peerID := peer.ID
	transport := peer.Transport
	opts := domain.ConsumeOptions{
		ID:            msg.ID,
		ProducerID:    msg.ProducerID,
		Kind:          msg.Kind,
		RtpParameters: msg.RtpParameters,
	}
	c.async(func(ctx context.Context) {
		consumer, err := transport.Consume(ctx, opts)
		if !c.post(func() { c.onConsumed(peerID, transport, msg, consumer, err) }) && consumer != nil {
			_ = consumer.Close()
		}
	})
}

func (c *ConsumerCoordinator) onConsumed(peerID domain.PeerID, transport domain.Transport, msg domain.NewConsumable, consumer domain.Consumer, err error) {
	if err != nil {
		c.logger.Warnw("consume failed", "peer_id", peerID, "producer_id", msg.ProducerID, "error", err)
		return
	}

	peer, ok := c.registry.Get(peerID)
	if !ok || peer.Transport != transport {
		_ = consumer.Close()
		return
	}

	c.removeConsumer(peer, msg.ProducerID)
	peer.Consumers[msg.ProducerID] = consumer

	kind := consumer.Kind()
	if peer.Kind(kind).Paused {
		c.notifyState(peer.ID, msg.ProducerID, domain.MediaPaused)
		consumer.Pause()
	}
	if sink := peer.Sink(kind); sink != nil {
		sink.AddTrack(consumer.Track())
	}

	if kind == domain.KindVideo {
		c.startHealthCheck(peer)
	} else {
		c.startMeter(peer, consumer.Track())
	}
	c.logger.Infow("consumer ready", "peer_id", peerID, "producer_id", msg.ProducerID, "consumer_id", consumer.ID(),
		"kind", kind, "producer_paused", msg.ProducerPaused)
}

func (c *ConsumerCoordinator) onConsumerState(msg domain.ConsumerStateChanged) {
	if msg.State != domain.MediaClosed {
		return
	}
	peer, ok := c.registry.Get(msg.PeerID)
	if !ok {
		return
	}
	c.logger.Infow("consumer closed by server", "peer_id", peer.ID, "producer_id", msg.ProducerID)
	c.removeConsumer(peer, msg.ProducerID)
}

// pause tells the server to stop forwarding before pausing locally.
func (c *ConsumerCoordinator) pause(peer *domain.Peer, kind domain.Kind) {
	peer.Kind(kind).Paused = true
	for _, producerID := range consumerIDs(peer) {
		consumer, ok := peer.Consumers[producerID]
		if !ok || consumer.Kind() != kind {
			continue
		}
		c.notifyState(peer.ID, producerID, domain.MediaPaused)
		consumer.Pause()
	}
}

// resume tells the server to forward again before resuming locally, so no
// packets arrive at a consumer the server still considers paused.
func (c *ConsumerCoordinator) resume(peer *domain.Peer, kind domain.Kind) {
	peer.Kind(kind).Paused = false
	for _, producerID := range consumerIDs(peer) {
		consumer, ok := peer.Consumers[producerID]
		if !ok || consumer.Kind() != kind {
			continue
		}
		c.notifyState(peer.ID, producerID, domain.MediaResumed)
		consumer.Resume()
	}
}

func (c *ConsumerCoordinator) removeConsumer(peer *domain.Peer, producerID string) {
	consumer, ok := peer.Consumers[producerID]
	if !ok {
		return
	}
	delete(peer.Consumers, producerID)

	if sink := peer.Sink(consumer.Kind()); sink != nil {
		sink.RemoveTrack(consumer.Track())
	}
	if err := consumer.Close(); err != nil {
		c.logger.Warnw("failed to close consumer", "peer_id", peer.ID, "producer_id", producerID, "error", err)
	}
	if consumer.Kind() == domain.KindAudio {
		stopMeter(peer)
	}
}

func (c *ConsumerCoordinator) closeAll(peer *domain.Peer) {
	for producerID := range peer.Consumers {
		c.removeConsumer(peer, producerID)
	}
}

func (c *ConsumerCoordinator) startHealthCheck(peer *domain.Peer) {
	if peer.HealthTimer != nil || !hasConsumerOf(peer, domain.KindVideo) {
		return
	}
	c.scheduleHealthCheck(peer)
}

func (c *ConsumerCoordinator) scheduleHealthCheck(peer *domain.Peer) {
	peerID := peer.ID
	var timer domain.Timer
	timer = c.after(c.opts.VideoHealthInterval, func() {
		c.checkHealth(peerID, timer)
	})
	peer.HealthTimer = timer
}

// checkHealth re-attaches the video sink while too many frames are dropped
// and stops once playback is healthy.
func (c *ConsumerCoordinator) checkHealth(peerID domain.PeerID, timer domain.Timer) {
	peer, ok := c.registry.Get(peerID)
	if !ok || peer.HealthTimer != timer {
		return
	}
	peer.HealthTimer = nil

	if !hasConsumerOf(peer, domain.KindVideo) {
		return
	}
	sink := peer.VideoSink
	if sink == nil {
		c.scheduleHealthCheck(peer)
		return
	}
	quality, ok := sink.PlaybackQuality()
	if !ok {
		return
	}

	if ratio := quality.DropRatio(); ratio > c.opts.DroppedFrameRatio {
		c.logger.Infow("video playback degraded, reloading sink", "peer_id", peerID, "dropped", quality.DroppedFrames, "total", quality.TotalFrames)
		sink.Reload()
		c.metrics.PlaybackRecovered(domain.KindVideo)
		c.scheduleHealthCheck(peer)
		return
	}
	if quality.TotalFrames == 0 {
		c.scheduleHealthCheck(peer)
	}
}

func (c *ConsumerCoordinator) notifyState(peerID domain.PeerID, producerID string, state domain.MediaState) {
	if err := c.channel.ChangeConsumerState(peerID, producerID, state); err != nil {
		c.logger.Warnw("failed to send consumer state", "peer_id", peerID, "producer_id", producerID, "error", err)
	}
}

func hasConsumerOf(peer *domain.Peer, kind domain.Kind) bool {
	for _, consumer := range peer.Consumers {
		if consumer.Kind() == kind {
			return true
		}
	}
	return false
}

func consumerIDs(peer *domain.Peer) []string {
	ids := make([]string, 0, len(peer.Consumers))
	for id := range peer.Consumers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
