package services

import (
	"encoding/json"
	"testing"

	"sfuclient/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestChannel(t *testing.T) (*SignalingChannel, *fakeBus) {
	t.Helper()
	bus := newFakeBus()
	rt := newRuntime(Options{UserID: "user-1"}, Dependencies{Logger: zaptest.NewLogger(t).Sugar()}, Callbacks{})
	t.Cleanup(rt.cancel)
	return newSignalingChannel(rt, bus, "user-1"), bus
}

// nextEvent pops the frame the fake bus queued in reply to a send.
func nextEvent(t *testing.T, bus *fakeBus) domain.BusEvent {
	t.Helper()
	select {
	case ev := <-bus.events:
		return ev
	default:
		t.Fatal("no queued bus event")
		return domain.BusEvent{}
	}
}

func TestSignalingChannel_Join(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		ch, bus := newTestChannel(t)
		var joins int
		ch.onJoined = func() { joins++ }

		ch.dispatch(domain.BusEvent{Status: domain.BusConnected})
		assert.True(t, ch.Connected())
		assert.False(t, ch.Joined())

		join := decode[domain.JoinRequest](t, bus.sentOf(domain.MsgJoin)[0])
		assert.Equal(t, "user-1", join.PeerID)

		ch.dispatch(nextEvent(t, bus))
		assert.True(t, ch.Joined())
		assert.Equal(t, 1, joins)
	})

	t.Run("rejected", func(t *testing.T) {
		ch, bus := newTestChannel(t)
		bus.joinCode = 401
		ch.onJoined = func() { t.Fatal("join must not complete") }

		ch.dispatch(domain.BusEvent{Status: domain.BusConnected})
		ch.dispatch(nextEvent(t, bus))
		assert.True(t, ch.Connected())
		assert.False(t, ch.Joined())
	})
}

func TestSignalingChannel_Lost(t *testing.T) {
	tests := []struct {
		name   string
		status domain.BusStatus
		kicked bool
	}{
		{name: "disconnected", status: domain.BusDisconnected, kicked: false},
		{name: "kicked", status: domain.BusKicked, kicked: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch, bus := newTestChannel(t)
			var lost []bool
			ch.onLost = func(kicked bool) { lost = append(lost, kicked) }

			ch.dispatch(domain.BusEvent{Status: domain.BusConnected})
			ch.dispatch(nextEvent(t, bus))
			ch.receiving = true
			require.NoError(t, ch.GetCapability("p1", true, nil))
			require.NoError(t, ch.TransportStatusChanged("p1", "t1", domain.TransportConnected, func(Result) {
				t.Fatal("pending results are dropped on loss")
			}))

			ch.dispatch(domain.BusEvent{Status: tt.status})
			assert.Equal(t, []bool{tt.kicked}, lost)
			assert.False(t, ch.Connected())
			assert.False(t, ch.Joined())
			assert.False(t, ch.receiving)
			assert.Empty(t, ch.pending)
		})
	}
}

func TestSignalingChannel_Request(t *testing.T) {
	t.Run("undeliverable while disconnected", func(t *testing.T) {
		ch, bus := newTestChannel(t)
		var undeliverable []domain.PeerID
		ch.onUndeliverable = func(id domain.PeerID) { undeliverable = append(undeliverable, id) }

		err := ch.ChangeProducerState("p1", "srv1", domain.MediaPaused)
		assert.ErrorIs(t, err, domain.ErrChannelDisconnected)
		assert.Equal(t, []domain.PeerID{"p1"}, undeliverable)
		assert.Zero(t, bus.count(domain.MsgChangeProducerState))
	})

	t.Run("response resolves once", func(t *testing.T) {
		ch, bus := newTestChannel(t)
		ch.dispatch(domain.BusEvent{Status: domain.BusConnected})
		ch.dispatch(nextEvent(t, bus))

		var results []Result
		require.NoError(t, ch.TransportStatusChanged("p1", "t1", domain.TransportFailed, func(r Result) {
			results = append(results, r)
		}))
		req := bus.sentOf(domain.MsgTransportStatusChanged)[0]
		reply := domain.BusEvent{Message: &domain.Envelope{
			ID:      "r1",
			Kind:    domain.EnvelopeResponse,
			Type:    req.Type,
			ReplyTo: req.ID,
			Content: json.RawMessage(`{"senderIsConnected":true}`),
		}}
		ch.dispatch(reply)
		ch.dispatch(reply)

		require.Len(t, results, 1)
		assert.True(t, results[0].OK())
		var status domain.TransportStatusResult
		require.NoError(t, results[0].Decode(&status))
		assert.True(t, status.SenderIsConnected)
	})
}

func TestSignalingChannel_Push(t *testing.T) {
	ch, bus := newTestChannel(t)
	var received []domain.TransportClosed
	ch.On(domain.MsgTransportClosed, on(func(msg domain.TransportClosed) { received = append(received, msg) }))

	push := func(content string) domain.BusEvent {
		return domain.BusEvent{Message: &domain.Envelope{
			ID:      "x",
			Kind:    domain.EnvelopePush,
			Type:    domain.MsgTransportClosed,
			Content: json.RawMessage(content),
		}}
	}

	ch.dispatch(push(`{"peerId":"p1","reason":3001}`))
	assert.Empty(t, received, "pushes are dropped while disconnected")

	ch.dispatch(domain.BusEvent{Status: domain.BusConnected})
	ch.dispatch(nextEvent(t, bus))
	ch.dispatch(push(`{"peerId":"p1","reason":3001}`))
	ch.dispatch(push(`not json`))

	require.Len(t, received, 1)
	assert.Equal(t, domain.PeerID("p1"), received[0].PeerID)
	assert.True(t, received[0].RenegotiableClose())
}
