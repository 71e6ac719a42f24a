package services

import (
	"context"
	"errors"
	"slices"

	"sfuclient/internal/core/domain"
	apperrors "sfuclient/pkg/errors"
)

// parkKey identifies a produce handshake waiting for its server producer id.
type parkKey struct {
	peerID  domain.PeerID
	localID string
}

type produceReply struct {
	id  string
	err error
}

type parkedProduce struct {
	reply chan<- produceReply
	appID string
	kind  domain.Kind
}

// ProducerTrackCoordinator owns the produce/replace/pause/close protocol of
// sending peers. At most one produce handshake is in flight per peer and
// kind; intents that arrive meanwhile are recorded in KindState.Using and
// re-issued when the handshake completes.
type ProducerTrackCoordinator struct {
	*runtime
	channel    *SignalingChannel
	negotiator *TransportNegotiator

	parked map[parkKey]parkedProduce
}

func newProducerTrackCoordinator(rt *runtime, channel *SignalingChannel) *ProducerTrackCoordinator {
	return &ProducerTrackCoordinator{
		runtime: rt,
		channel: channel,
		parked:  make(map[parkKey]parkedProduce),
	}
}

func (c *ProducerTrackCoordinator) SendMedia(peerID domain.PeerID, tracks map[string]domain.Track, bandwidth int, recvTerminals []string, ownership domain.TrackOwnership) error {
	if peerID == "" {
		return errParam("peer id is required")
	}
	if len(tracks) == 0 {
		return errParam("at least one track is required")
	}
	for appID, track := range tracks {
		if appID == "" || track == nil || !track.Kind().Valid() {
			return errParam("invalid track " + appID)
		}
	}

	peer, created := c.registry.Create(peerID, domain.RoleProducer)
	if !created && (peer.Role != domain.RoleProducer || peer.Status != domain.StatusInit) {
		return apperrors.NewConflictError("peer is already negotiating", domain.ErrPeerBusy).
			WithContext("peer_id", peerID)
	}
	if created {
		c.metrics.PeerAdded(peer.Role)
	}

	peer.Bandwidth = bandwidth
	peer.RecvTerminals = recvTerminals
	for appID, track := range tracks {
		peer.Tracks[appID] = domain.TrackIntent{Track: track, Ownership: ownership}
	}

	c.logger.Infow("sending media", "peer_id", peerID, "tracks", peer.TrackIDs(), "bandwidth", bandwidth)
	c.negotiator.Start(peer)
	return nil
}

func (c *ProducerTrackCoordinator) UpsertTrack(peerID domain.PeerID, appID string, track domain.Track, bandwidth int, recvInfo []string, ownership domain.TrackOwnership) error {
	peer, err := c.sendingPeer(peerID, appID, track)
	if err != nil {
		return err
	}

	c.updateTransport(peer, bandwidth, recvInfo)
	c.closeProducer(peer, appID, true)
	peer.Tracks[appID] = domain.TrackIntent{Track: track, Ownership: ownership}
	c.produce(peer, appID)
	return nil
}

// ReplaceTrack swaps the source of a live producer in place, and falls back
// to a full produce when there is none.
func (c *ProducerTrackCoordinator) ReplaceTrack(peerID domain.PeerID, appID string, track domain.Track, bandwidth int, recvInfo []string, ownership domain.TrackOwnership) error {
	peer, err := c.sendingPeer(peerID, appID, track)
	if err != nil {
		return err
	}
	c.updateTransport(peer, bandwidth, recvInfo)

	producer, ok := peer.Producers[appID]
	if !ok {
		peer.Tracks[appID] = domain.TrackIntent{Track: track, Ownership: ownership}
		c.produce(peer, appID)
		return nil
	}

	kind := producer.Kind()
	if track.Kind() != kind {
		return errParam("track kind does not match the producer")
	}

	send := track
	duplicate := ownership.Resolve(c.opts.CloneSendTrack) == domain.OwnershipDuplicate
	if duplicate {
		clone, err := track.Clone()
		if err != nil {
			return apperrors.NewNegotiationError("clone track", err)
		}
		send = clone
	}

	peer.Tracks[appID] = domain.TrackIntent{Track: track, Ownership: ownership}
	peer.Kind(kind).Using = domain.CompositeTrackID{LocalID: send.ID(), AppID: appID}
	producer.Pause()

	c.async(func(ctx context.Context) {
		err := producer.ReplaceTrack(ctx, send, duplicate)
		if !c.post(func() { c.onTrackReplaced(peerID, appID, producer, send, duplicate, err) }) && duplicate {
			send.Stop()
		}
	})
	return nil
}

func (c *ProducerTrackCoordinator) onTrackReplaced(peerID domain.PeerID, appID string, producer domain.Producer, track domain.Track, duplicate bool, err error) {
	peer, ok := c.registry.Get(peerID)
	if !ok || peer.Producers[appID] != producer {
		if duplicate {
			track.Stop()
		}
		return
	}

	if err != nil {
		c.logger.Warnw("replace track failed, producing again", "peer_id", peerID, "app_track_id", appID, "error", err)
		if duplicate {
			track.Stop()
		}
		c.closeProducer(peer, appID, true)
		c.produce(peer, appID)
		return
	}

	kind := producer.Kind()
	if !peer.Kind(kind).Paused {
		producer.Resume()
	}
	if kind == domain.KindAudio {
		c.startMeter(peer, track)
	}
	c.logger.Infow("track replaced", "peer_id", peerID, "app_track_id", appID, "track_id", track.ID())
}

func (c *ProducerTrackCoordinator) CloseTrack(peerID domain.PeerID, appID string) error {
	peer, ok := c.registry.Get(peerID)
	if !ok {
		return errPeerNotFound(peerID)
	}
	intent, ok := peer.Tracks[appID]
	if !ok {
		return errTrackNotFound(peerID, appID)
	}

	delete(peer.Tracks, appID)
	c.closeProducer(peer, appID, true)

	ks := peer.Kind(intent.Track.Kind())
	if ks.Using.AppID == appID {
		ks.Using = domain.CompositeTrackID{}
	}
	c.logger.Infow("track closed", "peer_id", peerID, "app_track_id", appID)
	return nil
}

func (c *ProducerTrackCoordinator) pause(peer *domain.Peer, kind domain.Kind) {
	peer.Kind(kind).Paused = true
	for _, appID := range peer.TrackIDs() {
		producer, ok := peer.Producers[appID]
		if !ok || producer.Kind() != kind {
			continue
		}
		producer.Pause()
		c.notifyState(peer.ID, producer.ID(), domain.MediaPaused)
	}
}

func (c *ProducerTrackCoordinator) resume(peer *domain.Peer, kind domain.Kind) {
	peer.Kind(kind).Paused = false
	for _, appID := range peer.TrackIDs() {
		producer, ok := peer.Producers[appID]
		if !ok || producer.Kind() != kind {
			continue
		}
		c.notifyState(peer.ID, producer.ID(), domain.MediaResumed)
		producer.Resume()
	}
}

func (c *ProducerTrackCoordinator) sendingPeer(peerID domain.PeerID, appID string, track domain.Track) (*domain.Peer, error) {
	if appID == "" || track == nil || !track.Kind().Valid() {
		return nil, errParam("app track id and track are required")
	}
	peer, ok := c.registry.Get(peerID)
	if !ok {
		return nil, errPeerNotFound(peerID)
	}
	if peer.Role != domain.RoleProducer {
		return nil, apperrors.NewParamError("peer does not send tracks", domain.ErrNotProducer).
			WithContext("peer_id", peerID)
	}
	return peer, nil
}

// updateTransport records new bandwidth or recipients and tells the server.
func (c *ProducerTrackCoordinator) updateTransport(peer *domain.Peer, bandwidth int, recvInfo []string) {
	changed := false
	if bandwidth > 0 && bandwidth != peer.Bandwidth {
		peer.Bandwidth = bandwidth
		changed = true
	}
	if recvInfo != nil && !slices.Equal(recvInfo, peer.RecvTerminals) {
		peer.RecvTerminals = recvInfo
		changed = true
	}
	if !changed || peer.TransportID == "" {
		return
	}
	if err := c.channel.UpdateTransport(peer.ID, peer.Bandwidth, peer.RecvTerminals); err != nil {
		c.logger.Warnw("failed to update transport", "peer_id", peer.ID, "error", err)
	}
}

func (c *ProducerTrackCoordinator) produceAll(peer *domain.Peer) {
	for _, appID := range peer.TrackIDs() {
		c.produce(peer, appID)
	}
}

// produce records appID as the intended track of its kind and starts a
// handshake unless one is already in flight.
func (c *ProducerTrackCoordinator) produce(peer *domain.Peer, appID string) {
	intent, ok := peer.Tracks[appID]
	if !ok || intent.Track == nil {
		return
	}
	kind := intent.Track.Kind()
	ks := peer.Kind(kind)
	ownership := intent.Ownership.Resolve(c.opts.CloneSendTrack)

	if peer.Transport == nil || ks.Connecting != "" {
		// The duplicate does not exist yet; the placeholder only has to differ
		// from the in-flight local id.
		localID := ""
		if ownership == domain.OwnershipAlias {
			localID = intent.Track.ID()
		}
		ks.Using = domain.CompositeTrackID{LocalID: localID, AppID: appID}
		c.logger.Debugw("produce deferred", "peer_id", peer.ID, "app_track_id", appID, "connecting", ks.Connecting)
		return
	}
	if peer.Device != nil && !peer.Device.CanProduce(kind) {
		c.logger.Warnw("device cannot produce kind", "peer_id", peer.ID, "kind", kind)
		return
	}

	track := intent.Track
	if ownership == domain.OwnershipDuplicate {
		clone, err := track.Clone()
		if err != nil {
			c.logger.Errorw("failed to clone track", "peer_id", peer.ID, "app_track_id", appID, "error", err)
			return
		}
		track = clone
	}

	ks.Using = domain.CompositeTrackID{LocalID: track.ID(), AppID: appID}
	ks.Connecting = track.ID()

	peerID := peer.ID
	transport := peer.Transport
	opts := domain.ProduceOptions{
		Track:      track,
		StopTracks: ownership == domain.OwnershipDuplicate,
		AppData: domain.ProducerAppData{
			PeerID:       peerID,
			LocalTrackID: track.ID(),
			AppTrackID:   appID,
		},
	}
	c.logger.Debugw("producing", "peer_id", peerID, "app_track_id", appID, "track_id", track.ID(), "kind", kind)

	c.async(func(ctx context.Context) {
		producer, err := transport.Produce(ctx, opts)
		if c.post(func() { c.onProduced(peerID, transport, kind, opts, producer, err) }) {
			return
		}
		if producer != nil {
			_ = producer.Close()
		}
		if opts.StopTracks {
			opts.Track.Stop()
		}
	})
}

// produceHandler answers the transport's produce event with the server's
// producer id for the handshake.
func (c *ProducerTrackCoordinator) produceHandler(peerID domain.PeerID, transportID string) domain.ProduceFunc {
	return func(ctx context.Context, req domain.ProduceRequest) (string, error) {
		reply := make(chan produceReply, 1)
		if !c.post(func() { c.relay(peerID, transportID, req, reply) }) {
			return "", errClientClosed()
		}

		select {
		case r := <-reply:
			return r.id, r.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// relay checks the handshake against live peer state before the produce
// request reaches the server.
func (c *ProducerTrackCoordinator) relay(peerID domain.PeerID, transportID string, req domain.ProduceRequest, reply chan<- produceReply) {
	localID := req.AppData.LocalTrackID
	appID := req.AppData.AppTrackID

	peer, ok := c.registry.Get(peerID)
	if !ok || peer.TransportID != transportID {
		reply <- produceReply{err: domain.ErrProduceSuperseded}
		return
	}

	ks := peer.Kind(req.Kind)
	if ks.Connecting != localID {
		reply <- produceReply{err: domain.ErrProduceSuperseded}
		return
	}

	if ks.Using != (domain.CompositeTrackID{LocalID: localID, AppID: appID}) {
		// The caller moved on. Completing with the local id lets the engine
		// finish its bookkeeping; onProduced closes the result.
		reply <- produceReply{id: localID}
		ks.Connecting = ""
		c.metrics.ProduceSuperseded(req.Kind)
		c.logger.Infow("produce superseded before relay", "peer_id", peerID, "track_id", localID, "using", ks.Using.AppID)
		if ks.Using.AppID != "" {
			c.produce(peer, ks.Using.AppID)
		}
		return
	}

	msg := domain.ProduceMessage{
		PeerID:           peerID,
		ProducerClientID: domain.ProducerClientID(localID, req.Kind),
		Kind:             req.Kind,
		RtpParameters:    req.RtpParameters,
		Reserve: domain.ProduceReserve{TrackInfo: domain.TrackInfo{
			ID:         localID,
			AppTrackID: appID,
			Kind:       req.Kind,
		}},
	}
	if err := c.channel.Produce(msg); err != nil {
		reply <- produceReply{err: err}
		return
	}
	c.parked[parkKey{peerID: peerID, localID: localID}] = parkedProduce{reply: reply, appID: appID, kind: req.Kind}
}

func (c *ProducerTrackCoordinator) onProducerCreated(msg domain.ProducerCreated) {
	peer, ok := c.registry.Get(msg.PeerID)
	if ok {
		if onResult, found := peer.Callbacks.Producers[msg.ProducerClientID]; found {
			delete(peer.Callbacks.Producers, msg.ProducerClientID)
			c.emit(func() { onResult(msg.ProducerID, nil) })
			return
		}
	}

	localID, kind, valid := domain.SplitProducerClientID(msg.ProducerClientID)
	if !valid {
		c.logger.Warnw("malformed producer client id", "peer_id", msg.PeerID, "producer_client_id", msg.ProducerClientID)
		return
	}

	key := parkKey{peerID: msg.PeerID, localID: localID}
	parked, found := c.parked[key]
	if !found {
		c.logger.Warnw("producer created without pending handshake", "peer_id", msg.PeerID, "producer_id", msg.ProducerID)
		if c.channel.Joined() {
			c.notifyState(msg.PeerID, msg.ProducerID, domain.MediaClosed)
		}
		return
	}
	delete(c.parked, key)
	parked.reply <- produceReply{id: msg.ProducerID}

	if !ok {
		return
	}
	ks := peer.Kind(kind)
	if ks.Connecting != localID {
		return
	}
	ks.Connecting = ""
	if ks.Using != (domain.CompositeTrackID{LocalID: localID, AppID: parked.appID}) && ks.Using.AppID != "" {
		c.metrics.ProduceSuperseded(kind)
		c.logger.Infow("produce superseded after relay", "peer_id", peer.ID, "track_id", localID, "using", ks.Using.AppID)
		c.produce(peer, ks.Using.AppID)
	}
}

func (c *ProducerTrackCoordinator) onProduced(peerID domain.PeerID, transport domain.Transport, kind domain.Kind, opts domain.ProduceOptions, producer domain.Producer, err error) {
	localID := opts.AppData.LocalTrackID
	appID := opts.AppData.AppTrackID
	peer, ok := c.registry.Get(peerID)
	live := ok && peer.Transport == transport

	if err != nil {
		if errors.Is(err, domain.ErrProduceSuperseded) {
			c.logger.Debugw("produce aborted", "peer_id", peerID, "track_id", localID)
		} else {
			c.logger.Warnw("produce failed", "peer_id", peerID, "app_track_id", appID, "error", err)
		}
		if opts.StopTracks {
			opts.Track.Stop()
		}
		if !live {
			return
		}
		ks := peer.Kind(kind)
		if ks.Connecting == localID {
			ks.Connecting = ""
			if ks.Using.AppID != "" && ks.Using != (domain.CompositeTrackID{LocalID: localID, AppID: appID}) {
				c.produce(peer, ks.Using.AppID)
			}
		}
		return
	}

	if !live || peer.Kind(kind).Using != (domain.CompositeTrackID{LocalID: localID, AppID: appID}) {
		c.discard(peerID, producer, localID)
		return
	}

	if old, exists := peer.Producers[appID]; exists && old != producer {
		c.closeProducer(peer, appID, true)
	}
	peer.Producers[appID] = producer

	if peer.Kind(kind).Paused {
		producer.Pause()
		c.notifyState(peerID, producer.ID(), domain.MediaPaused)
	}
	if kind == domain.KindAudio {
		c.startMeter(peer, producer.Track())
	}
	c.logger.Infow("producer ready", "peer_id", peerID, "app_track_id", appID, "producer_id", producer.ID(), "kind", kind)
}

// discard closes a producer nobody wants anymore. The server only knows
// producers that were assigned a real id.
func (c *ProducerTrackCoordinator) discard(peerID domain.PeerID, producer domain.Producer, localID string) {
	c.logger.Infow("discarding stale producer", "peer_id", peerID, "producer_id", producer.ID(), "track_id", localID)
	if err := producer.Close(); err != nil {
		c.logger.Warnw("failed to close producer", "peer_id", peerID, "error", err)
	}
	if producer.ID() != localID && c.channel.Joined() {
		c.notifyState(peerID, producer.ID(), domain.MediaClosed)
	}
}

func (c *ProducerTrackCoordinator) closeProducer(peer *domain.Peer, appID string, notify bool) {
	producer, ok := peer.Producers[appID]
	if !ok {
		return
	}
	delete(peer.Producers, appID)

	if err := producer.Close(); err != nil {
		c.logger.Warnw("failed to close producer", "peer_id", peer.ID, "producer_id", producer.ID(), "error", err)
	}
	if producer.Kind() == domain.KindAudio {
		stopMeter(peer)
	}
	if notify {
		c.notifyState(peer.ID, producer.ID(), domain.MediaClosed)
	}
}

func (c *ProducerTrackCoordinator) closeAll(peer *domain.Peer) {
	for appID := range peer.Producers {
		c.closeProducer(peer, appID, false)
	}
}

// onProducerState handles server-side producer changes. Only closes are acted on.
func (c *ProducerTrackCoordinator) onProducerState(msg domain.ProducerStateChanged) {
	if msg.State != domain.MediaClosed || msg.ProducerID == "" {
		return
	}
	peer, ok := c.registry.Get(msg.PeerID)
	if !ok {
		return
	}
	if appID, _, found := peer.ProducerByServerID(msg.ProducerID); found {
		c.logger.Infow("producer closed by server", "peer_id", peer.ID, "producer_id", msg.ProducerID)
		c.closeProducer(peer, appID, false)
	}
}

// dropParked rejects every handshake of peerID still waiting for the server.
func (c *ProducerTrackCoordinator) dropParked(peerID domain.PeerID) {
	for key, parked := range c.parked {
		if key.peerID != peerID {
			continue
		}
		delete(c.parked, key)
		parked.reply <- produceReply{err: domain.ErrProduceSuperseded}
	}
}

func (c *ProducerTrackCoordinator) notifyState(peerID domain.PeerID, producerID string, state domain.MediaState) {
	if err := c.channel.ChangeProducerState(peerID, producerID, state); err != nil {
		c.logger.Warnw("failed to send producer state", "peer_id", peerID, "producer_id", producerID, "error", err)
	}
}
