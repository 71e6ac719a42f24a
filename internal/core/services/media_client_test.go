package services

import (
	"context"
	"testing"
	"time"

	"sfuclient/internal/core/domain"
	"sfuclient/internal/core/ports"
	apperrors "sfuclient/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sendVideo starts a producer peer with one video track and negotiates its
// transport up to the first produce request.
func sendVideo(t *testing.T, h *harness, peerID domain.PeerID, track *fakeTrack) *fakeTransport {
	t.Helper()
	h.waitJoined()
	require.NoError(t, h.client.SendMedia(h.ctx(), peerID, map[string]domain.Track{"video": track}, ports.SendOptions{Bandwidth: 500}))
	h.bus.waitSent(t, domain.MsgGetCapability, 1)
	return h.negotiate(peerID, "t1")
}

func TestMediaClient_SendMedia(t *testing.T) {
	h := newHarness(t)
	trackX := newFakeTrack("trackX", domain.KindVideo)

	transport := sendVideo(t, h, "p1", trackX)
	msg := h.producerCreated(1, "p1", "srv1")

	h.eventuallyPeer("p1", func(info domain.PeerInfo) bool {
		return info.Producers["video"].ID == "srv1"
	}, "producer bound to server id")

	capReq := decode[domain.GetCapabilityRequest](t, h.bus.sentOf(domain.MsgGetCapability)[0])
	assert.Equal(t, domain.PeerID("p1"), capReq.PeerID)
	assert.True(t, capReq.IsProduce)

	createReq := decode[domain.CreateTransportRequest](t, h.bus.sentOf(domain.MsgCreateTransport)[0])
	assert.Equal(t, 500, createReq.MaxIncomingBitrate)
	assert.True(t, createReq.IsProduce)
	assert.False(t, createReq.ForceTCP)
	assert.Equal(t, routerCaps.Codecs, createReq.RtpCapabilities.Codecs)

	assert.Equal(t, "t1", transport.ID())
	assert.Equal(t, "trackX", msg.Reserve.TrackInfo.ID)
	assert.Equal(t, "video", msg.Reserve.TrackInfo.AppTrackID)
	assert.Equal(t, domain.ProducerClientID("trackX", domain.KindVideo), msg.ProducerClientID)

	getCap := h.bus.sentOf(domain.MsgGetCapability)[0].seq
	create := h.bus.sentOf(domain.MsgCreateTransport)[0].seq
	connect := h.bus.waitSent(t, domain.MsgConnectTransport, 1)[0].seq
	produce := h.bus.sentOf(domain.MsgProduce)[0].seq
	assert.Less(t, getCap, create)
	assert.Less(t, create, connect)
	assert.Less(t, connect, produce)

	info, ok := h.peer("p1")
	require.True(t, ok)
	assert.Equal(t, "connected", info.Status)
	assert.Equal(t, domain.CompositeTrackID{LocalID: "trackX", AppID: "video"}, info.Kinds[domain.KindVideo].Using)
	assert.Empty(t, info.Kinds[domain.KindVideo].Connecting)
}

func TestMediaClient_SendMediaDuplicatesTracks(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.CloneSendTrack = true })
	trackX := newFakeTrack("trackX", domain.KindVideo)

	sendVideo(t, h, "p1", trackX)
	msg := h.producerCreated(1, "p1", "srv1")

	assert.Equal(t, "trackX-clone1", msg.Reserve.TrackInfo.ID)
	assert.Equal(t, "video", msg.Reserve.TrackInfo.AppTrackID)
	h.eventuallyPeer("p1", func(info domain.PeerInfo) bool {
		return info.Producers["video"].LocalTrackID == "trackX-clone1"
	})

	require.NoError(t, h.client.CloseMedia(h.ctx(), "p1"))
	assert.False(t, trackX.stopped.Load(), "caller track must stay untouched")
}

func TestMediaClient_UpsertTrackDuringHandshake(t *testing.T) {
	h := newHarness(t)
	trackX := newFakeTrack("trackX", domain.KindVideo)
	trackY := newFakeTrack("trackY", domain.KindVideo)

	transport := sendVideo(t, h, "p1", trackX)
	first := decode[domain.ProduceMessage](t, h.bus.waitSent(t, domain.MsgProduce, 1)[0])
	require.Equal(t, "trackX", first.Reserve.TrackInfo.ID)

	require.NoError(t, h.client.UpsertTrack(h.ctx(), "p1", "video", trackY, ports.TrackOptions{}))

	info, ok := h.peer("p1")
	require.True(t, ok)
	assert.Equal(t, "video", info.Kinds[domain.KindVideo].Using.AppID)
	assert.Equal(t, "trackX", info.Kinds[domain.KindVideo].Connecting, "only one handshake in flight")
	assert.Equal(t, 1, h.bus.count(domain.MsgProduce))

	h.producerCreated(1, "p1", "srv1")
	second := h.producerCreated(2, "p1", "srv2")
	assert.Equal(t, "trackY", second.Reserve.TrackInfo.ID)

	h.eventuallyPeer("p1", func(info domain.PeerInfo) bool {
		p, ok := info.Producers["video"]
		return ok && p.ID == "srv2" && p.LocalTrackID == "trackY"
	}, "final producer bound to trackY")

	require.Eventually(t, func() bool {
		for _, env := range h.bus.sentOf(domain.MsgChangeProducerState) {
			change := decode[domain.ChangeProducerState](t, env)
			if change.ProducerID == "srv1" && change.State == domain.MediaClosed {
				return true
			}
		}
		return false
	}, waitFor, tick, "stale producer reported closed")

	producers := transport.producerList()
	require.Len(t, producers, 2)
	require.Eventually(t, producers[0].isClosed, waitFor, tick)
	assert.False(t, producers[1].isClosed())
	assert.Equal(t, 1, h.metrics.supersededCount(domain.KindVideo))
	assert.Equal(t, 2, h.bus.count(domain.MsgProduce))
}

func TestMediaClient_UpsertTrackBeforeRelay(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	h.engine.setGate(gate)
	trackX := newFakeTrack("trackX", domain.KindVideo)
	trackY := newFakeTrack("trackY", domain.KindVideo)

	transport := sendVideo(t, h, "p1", trackX)
	h.eventuallyPeer("p1", func(info domain.PeerInfo) bool {
		return info.Kinds[domain.KindVideo].Connecting == "trackX"
	})

	require.NoError(t, h.client.UpsertTrack(h.ctx(), "p1", "video", trackY, ports.TrackOptions{}))
	close(gate)

	msg := h.producerCreated(1, "p1", "srv1")
	assert.Equal(t, "trackY", msg.Reserve.TrackInfo.ID, "the superseded handshake never reaches the server")

	h.eventuallyPeer("p1", func(info domain.PeerInfo) bool {
		return info.Producers["video"].ID == "srv1" && info.Producers["video"].LocalTrackID == "trackY"
	})

	require.Eventually(t, func() bool { return len(transport.producerList()) == 2 }, waitFor, tick)
	var stale *fakeProducer
	for _, p := range transport.producerList() {
		if p.ID() == "trackX" {
			stale = p
		}
	}
	require.NotNil(t, stale, "stale producer completed with its local id")
	require.Eventually(t, stale.isClosed, waitFor, tick)
	assert.Equal(t, 1, h.bus.count(domain.MsgProduce))
	assert.Zero(t, h.bus.count(domain.MsgChangeProducerState), "the server never knew the stale producer")
	assert.Equal(t, 1, h.metrics.supersededCount(domain.KindVideo))
}

func TestMediaClient_ReplaceTrack(t *testing.T) {
	h := newHarness(t)
	trackX := newFakeTrack("trackX", domain.KindVideo)
	trackY := newFakeTrack("trackY", domain.KindVideo)

	transport := sendVideo(t, h, "p1", trackX)
	h.producerCreated(1, "p1", "srv1")
	h.eventuallyPeer("p1", func(info domain.PeerInfo) bool { return info.Producers["video"].ID == "srv1" })

	require.NoError(t, h.client.ReplaceTrack(h.ctx(), "p1", "video", trackY, ports.TrackOptions{Bandwidth: 800}))

	h.eventuallyPeer("p1", func(info domain.PeerInfo) bool {
		p := info.Producers["video"]
		return p.ID == "srv1" && p.LocalTrackID == "trackY" && !p.Paused
	}, "same producer, new source")

	assert.Equal(t, 1, h.bus.count(domain.MsgProduce), "replace does not produce again")
	require.Len(t, transport.producerList(), 1)
	producer := transport.producerList()[0]
	assert.False(t, producer.ownsTrack(), "an aliased track stays the caller's")

	require.NoError(t, h.client.ReplaceTrack(h.ctx(), "p1", "video", trackX, ports.TrackOptions{Ownership: domain.OwnershipDuplicate}))
	h.eventuallyPeer("p1", func(info domain.PeerInfo) bool {
		return info.Producers["video"].LocalTrackID == "trackX-clone1"
	}, "duplicate ownership sends a clone")
	assert.True(t, producer.ownsTrack())

	update := decode[domain.UpdateTransport](t, h.bus.waitSent(t, domain.MsgUpdateTransport, 1)[0])
	assert.Equal(t, 800, update.MaxIncomingBitrate)

	err := h.client.ReplaceTrack(h.ctx(), "p1", "video", newFakeTrack("mic", domain.KindAudio), ports.TrackOptions{})
	assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.CodeOf(err))
}

func TestMediaClient_CloseTrack(t *testing.T) {
	h := newHarness(t)
	sendVideo(t, h, "p1", newFakeTrack("trackX", domain.KindVideo))
	h.producerCreated(1, "p1", "srv1")
	h.eventuallyPeer("p1", func(info domain.PeerInfo) bool { return info.Producers["video"].ID == "srv1" })

	require.NoError(t, h.client.CloseTrack(h.ctx(), "p1", "video"))

	closed := decode[domain.ChangeProducerState](t, h.bus.waitSent(t, domain.MsgChangeProducerState, 1)[0])
	assert.Equal(t, "srv1", closed.ProducerID)
	assert.Equal(t, domain.MediaClosed, closed.State)

	info, ok := h.peer("p1")
	require.True(t, ok)
	assert.Empty(t, info.Producers)
	assert.Empty(t, info.Tracks)

	exists, err := h.client.IsKindExist(h.ctx(), "p1", domain.KindVideo)
	require.NoError(t, err)
	assert.False(t, exists)

	err = h.client.CloseTrack(h.ctx(), "p1", "video")
	assert.ErrorIs(t, err, domain.ErrTrackNotFound)
}

func TestMediaClient_PauseProducer(t *testing.T) {
	h := newHarness(t)
	transport := sendVideo(t, h, "p1", newFakeTrack("trackX", domain.KindVideo))
	h.producerCreated(1, "p1", "srv1")
	h.eventuallyPeer("p1", func(info domain.PeerInfo) bool { return info.Producers["video"].ID == "srv1" })

	require.NoError(t, h.client.Pause(h.ctx(), "p1", domain.KindVideo))
	paused, err := h.client.IsPaused(h.ctx(), "p1", domain.KindVideo)
	require.NoError(t, err)
	assert.True(t, paused)
	assert.True(t, transport.producerList()[0].Paused())

	require.NoError(t, h.client.Resume(h.ctx(), "p1", domain.KindVideo))
	assert.False(t, transport.producerList()[0].Paused())

	states := h.bus.waitSent(t, domain.MsgChangeProducerState, 2)
	assert.Equal(t, domain.MediaPaused, decode[domain.ChangeProducerState](t, states[0]).State)
	assert.Equal(t, domain.MediaResumed, decode[domain.ChangeProducerState](t, states[1]).State)
}

func TestMediaClient_DisconnectGrace(t *testing.T) {
	t.Run("renegotiates after grace", func(t *testing.T) {
		h := newHarness(t)
		transport := sendVideo(t, h, "p1", newFakeTrack("trackX", domain.KindVideo))
		h.producerCreated(1, "p1", "srv1")
		h.eventuallyPeer("p1", func(info domain.PeerInfo) bool { return info.Status == "connected" })

		transport.emit(domain.ConnectionConnected)
		transport.emit(domain.ConnectionDisconnected)
		h.eventuallyPeer("p1", func(info domain.PeerInfo) bool { return info.TransportStatus == "disconnected" })

		h.clock.Add(3 * time.Second)

		require.Eventually(t, func() bool {
			return h.bus.countFor(t, domain.MsgGetCapability, "p1") == 2
		}, waitFor, tick)
		assert.Never(t, func() bool {
			return h.bus.countFor(t, domain.MsgGetCapability, "p1") > 2
		}, 100*time.Millisecond, tick)
		assert.Equal(t, 1, h.metrics.softReleaseCount("disconnected"))
		assert.True(t, transport.isClosed())

		info, ok := h.peer("p1")
		require.True(t, ok)
		assert.Equal(t, "connecting", info.Status)
		assert.Contains(t, info.Tracks, "video", "track intents survive a soft release")
		assert.Empty(t, info.Producers)
	})

	t.Run("reconnect within grace", func(t *testing.T) {
		h := newHarness(t)
		transport := sendVideo(t, h, "p1", newFakeTrack("trackX", domain.KindVideo))
		h.producerCreated(1, "p1", "srv1")
		h.eventuallyPeer("p1", func(info domain.PeerInfo) bool { return info.Status == "connected" })

		transport.emit(domain.ConnectionDisconnected)
		h.eventuallyPeer("p1", func(info domain.PeerInfo) bool { return info.TransportStatus == "disconnected" })

		h.clock.Add(2 * time.Second)
		transport.emit(domain.ConnectionConnected)
		h.eventuallyPeer("p1", func(info domain.PeerInfo) bool { return info.TransportStatus == "connected" })
		h.clock.Add(2 * time.Second)

		assert.Never(t, func() bool {
			return h.bus.countFor(t, domain.MsgGetCapability, "p1") > 1
		}, 200*time.Millisecond, tick)
		assert.Zero(t, h.metrics.softReleaseCount("disconnected"))
		assert.False(t, transport.isClosed())
	})
}

func TestMediaClient_TransportStatusReporting(t *testing.T) {
	h := newHarness(t)
	transport := sendVideo(t, h, "p1", newFakeTrack("trackX", domain.KindVideo))

	transport.emit(domain.ConnectionConnecting)
	transport.emit(domain.ConnectionConnected)

	reports := h.bus.waitSent(t, domain.MsgTransportStatusChanged, 2)
	first := decode[domain.TransportStatusChanged](t, reports[0])
	second := decode[domain.TransportStatusChanged](t, reports[1])
	assert.Equal(t, "t1", first.TransportID)
	assert.Equal(t, domain.TransportConnecting, first.Status)
	assert.Equal(t, domain.TransportConnected, second.Status)
	require.Eventually(t, func() bool { return h.metrics.negotiationCount("connected") == 1 }, waitFor, tick)
}

func TestMediaClient_TransportFailed(t *testing.T) {
	t.Run("receiver with live sender renegotiates", func(t *testing.T) {
		h := newHarness(t)
		transport := receive(t, h, "r1", nil, &fakeSink{})

		transport.emit(domain.ConnectionFailed)
		report := h.bus.waitSent(t, domain.MsgTransportStatusChanged, 1)[0]
		assert.Equal(t, domain.TransportFailed, decode[domain.TransportStatusChanged](t, report).Status)

		h.bus.respond(t, report, 0, domain.TransportStatusResult{SenderIsConnected: true})
		require.Eventually(t, func() bool {
			return h.bus.countFor(t, domain.MsgGetCapability, "r1") == 2
		}, waitFor, tick)
		assert.Equal(t, 1, h.metrics.softReleaseCount("transport_failed"))
	})

	t.Run("receiver without sender stays terminated", func(t *testing.T) {
		h := newHarness(t)
		transport := receive(t, h, "r1", nil, &fakeSink{})

		transport.emit(domain.ConnectionFailed)
		report := h.bus.waitSent(t, domain.MsgTransportStatusChanged, 1)[0]
		h.bus.respond(t, report, 0, domain.TransportStatusResult{SenderIsConnected: false})

		assert.Never(t, func() bool {
			return h.bus.countFor(t, domain.MsgGetCapability, "r1") > 1
		}, 100*time.Millisecond, tick)
		h.eventuallyPeer("r1", func(info domain.PeerInfo) bool { return info.TransportStatus == "failed" })
	})
}

func TestMediaClient_CapabilityRetry(t *testing.T) {
	h := newHarness(t)
	h.waitJoined()
	require.NoError(t, h.client.SendMedia(h.ctx(), "p1", map[string]domain.Track{
		"video": newFakeTrack("trackX", domain.KindVideo),
	}, ports.SendOptions{}))
	h.bus.waitSent(t, domain.MsgGetCapability, 1)

	h.bus.push(t, domain.MsgCapabilityResult, domain.CapabilityResult{PeerID: "p1", ErrorCode: 500})
	require.Eventually(t, func() bool { return h.metrics.softReleaseCount("capability_rejected") == 1 }, waitFor, tick)
	h.eventuallyPeer("p1", func(info domain.PeerInfo) bool { return info.Status == "init" })

	h.clock.Add(time.Second)

	h.bus.waitSent(t, domain.MsgGetCapability, 2)
	h.eventuallyPeer("p1", func(info domain.PeerInfo) bool { return info.Status == "connecting" })
}

func TestMediaClient_CreateTransportNotFound(t *testing.T) {
	h := newHarness(t)
	h.waitJoined()
	require.NoError(t, h.client.SendMedia(h.ctx(), "p1", map[string]domain.Track{
		"video": newFakeTrack("trackX", domain.KindVideo),
	}, ports.SendOptions{}))
	h.bus.waitSent(t, domain.MsgGetCapability, 1)
	h.bus.push(t, domain.MsgCapabilityResult, domain.CapabilityResult{PeerID: "p1", RtpCapabilities: &routerCaps})

	create := h.bus.waitSent(t, domain.MsgCreateTransport, 1)[0]
	h.bus.respond(t, create, domain.CodeTransportNotFound, nil)

	h.bus.waitSent(t, domain.MsgGetCapability, 2)
	assert.Equal(t, 1, h.metrics.softReleaseCount("transport_not_found"))
}

func TestMediaClient_CloseMediaIdempotent(t *testing.T) {
	h := newHarness(t)
	transport := sendVideo(t, h, "p1", newFakeTrack("trackX", domain.KindVideo))
	h.producerCreated(1, "p1", "srv1")
	h.eventuallyPeer("p1", func(info domain.PeerInfo) bool { return info.Producers["video"].ID == "srv1" })

	require.NoError(t, h.client.CloseMedia(h.ctx(), "p1"))
	require.NoError(t, h.client.CloseMedia(h.ctx(), "p1"))

	var activeCloses int
	for _, env := range h.bus.sentOf(domain.MsgTransportStatusChanged) {
		if decode[domain.TransportStatusChanged](t, env).Status == domain.TransportActiveClose {
			activeCloses++
		}
	}
	assert.Equal(t, 1, activeCloses)
	assert.True(t, transport.isClosed())
	assert.True(t, transport.producerList()[0].isClosed())

	exists, err := h.client.IsMediaExist(h.ctx(), "p1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMediaClient_CloseIdempotent(t *testing.T) {
	h := newHarness(t)
	transport := sendVideo(t, h, "p1", newFakeTrack("trackX", domain.KindVideo))

	require.NoError(t, h.client.Close(h.ctx()))
	require.NoError(t, h.client.Close(h.ctx()))
	assert.True(t, transport.isClosed())

	err := h.client.SendMedia(h.ctx(), "p2", map[string]domain.Track{
		"video": newFakeTrack("trackZ", domain.KindVideo),
	}, ports.SendOptions{})
	assert.ErrorIs(t, err, domain.ErrClientClosed)
}

func TestMediaClient_ParamErrors(t *testing.T) {
	h := newHarness(t)
	ctx := h.ctx()

	tests := []struct {
		name string
		call func() error
		code apperrors.ErrorCode
	}{
		{
			name: "send without tracks",
			call: func() error { return h.client.SendMedia(ctx, "p1", nil, ports.SendOptions{}) },
			code: apperrors.ErrCodeInvalidInput,
		},
		{
			name: "send without peer id",
			call: func() error {
				return h.client.SendMedia(ctx, "", map[string]domain.Track{"a": newFakeTrack("a", domain.KindAudio)}, ports.SendOptions{})
			},
			code: apperrors.ErrCodeInvalidInput,
		},
		{
			name: "pause unknown kind",
			call: func() error { return h.client.Pause(ctx, "p1", domain.Kind("screen")) },
			code: apperrors.ErrCodeInvalidInput,
		},
		{
			name: "upsert on unknown peer",
			call: func() error {
				return h.client.UpsertTrack(ctx, "nobody", "video", newFakeTrack("v", domain.KindVideo), ports.TrackOptions{})
			},
			code: apperrors.ErrCodeNotFound,
		},
		{
			name: "receive unknown peer",
			call: func() error { return h.client.ReceiveMedia(ctx, "nobody", &fakeSink{}, nil) },
			code: apperrors.ErrCodeNotFound,
		},
		{
			name: "receive without sinks",
			call: func() error { return h.client.ReceiveMedia(ctx, "r1", nil, nil) },
			code: apperrors.ErrCodeInvalidInput,
		},
		{
			name: "capability without callback",
			call: func() error { return h.client.GetRtpCapability(ctx, ports.CapabilityRequest{PeerID: "np"}) },
			code: apperrors.ErrCodeInvalidInput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			require.Error(t, err)
			assert.Equal(t, tt.code, apperrors.CodeOf(err))
		})
	}
}

func TestMediaClient_ChannelLost(t *testing.T) {
	h := newHarness(t)
	sendVideo(t, h, "p1", newFakeTrack("trackX", domain.KindVideo))
	receive(t, h, "r1", &fakeSink{}, nil)

	h.bus.status(domain.BusDisconnected)

	select {
	case id := <-h.closedReceivers:
		assert.Equal(t, domain.PeerID("r1"), id)
	case <-time.After(waitFor):
		t.Fatal("receiver was not closed")
	}

	exists, err := h.client.IsMediaExist(h.ctx(), "r1")
	require.NoError(t, err)
	assert.False(t, exists, "receivers are deleted")
	h.eventuallyPeer("p1", func(info domain.PeerInfo) bool { return info.Status == "init" }, "producers are kept")

	h.bus.status(domain.BusConnected)
	require.Eventually(t, func() bool {
		return h.bus.countFor(t, domain.MsgGetCapability, "p1") == 2
	}, waitFor, tick, "producer renegotiates after join")
	assert.Equal(t, 2, h.bus.count(domain.MsgJoin))
}

func TestMediaClient_KickRejoin(t *testing.T) {
	h := newHarness(t)
	sendVideo(t, h, "p1", newFakeTrack("trackX", domain.KindVideo))

	h.bus.status(domain.BusKicked)
	require.Eventually(t, func() bool {
		var joined bool
		_ = h.client.call(context.Background(), func() error {
			joined = h.client.channel.Joined()
			return nil
		})
		return !joined
	}, waitFor, tick)

	h.clock.Add(2 * time.Second)

	require.Eventually(t, func() bool { return h.bus.connectCount() == 2 }, waitFor, tick)
	h.bus.waitSent(t, domain.MsgJoin, 2)
	require.Eventually(t, func() bool {
		return h.bus.countFor(t, domain.MsgGetCapability, "p1") == 2
	}, waitFor, tick)

	h.bus.mu.Lock()
	assert.Equal(t, 1, h.bus.disconnects)
	h.bus.mu.Unlock()
}

func TestMediaClient_SendGating(t *testing.T) {
	h := newHarness(t)
	sendVideo(t, h, "p1", newFakeTrack("trackX", domain.KindVideo))
	h.producerCreated(1, "p1", "srv1")
	h.eventuallyPeer("p1", func(info domain.PeerInfo) bool { return info.Producers["video"].ID == "srv1" })

	require.NoError(t, h.client.call(context.Background(), func() error {
		h.client.channel.connected = false
		return nil
	}))

	require.NoError(t, h.client.Pause(h.ctx(), "p1", domain.KindVideo))

	info, ok := h.peer("p1")
	require.True(t, ok, "producers are soft released")
	assert.Equal(t, "init", info.Status)
	assert.Empty(t, info.Producers)
	assert.Equal(t, 1, h.metrics.softReleaseCount("channel_down"))
	assert.Zero(t, h.bus.count(domain.MsgChangeProducerState))
}
