package webrtc

import (
	"context"
	"testing"

	"sfuclient/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func loadedDevice(t *testing.T) domain.Device {
	t.Helper()
	engine := NewEngine(EngineConfig{}, zaptest.NewLogger(t))
	device, err := engine.NewDevice()
	require.NoError(t, err)
	require.NoError(t, device.Load(context.Background(), routerCaps))
	return device
}

func transportOptions(id string) domain.TransportOptions {
	return domain.TransportOptions{
		ID:            id,
		ICEParameters: domain.IceParameters{UsernameFragment: "ufrag", Password: "password", IceLite: true},
		ICECandidates: []domain.IceCandidate{
			{Foundation: "udpcandidate", Priority: 1076302079, IP: "127.0.0.1", Protocol: "udp", Port: 40000, Type: "host"},
		},
		DTLSParameters: domain.DtlsParameters{Role: "auto", Fingerprints: []domain.DtlsFingerprint{{Algorithm: "sha-256", Value: "AB:CD"}}},
		OnConnect:      func(context.Context, domain.DtlsParameters) error { return nil },
		OnProduce:      func(context.Context, domain.ProduceRequest) (string, error) { return "srv", nil },
	}
}

func TestDevice_Load(t *testing.T) {
	engine := NewEngine(EngineConfig{}, zaptest.NewLogger(t))
	device, err := engine.NewDevice()
	require.NoError(t, err)

	assert.False(t, device.Loaded())
	assert.False(t, device.CanProduce(domain.KindAudio))
	_, err = device.CreateRecvTransport(transportOptions("t1"))
	assert.ErrorIs(t, err, errDeviceNotLoaded)

	err = device.Load(context.Background(), domain.RtpCapabilities{})
	assert.ErrorIs(t, err, domain.ErrInvalidParam)

	require.NoError(t, device.Load(context.Background(), routerCaps))
	assert.True(t, device.Loaded())
	assert.True(t, device.CanProduce(domain.KindAudio))
	assert.True(t, device.CanProduce(domain.KindVideo))
	assert.Equal(t, routerCaps, device.RtpCapabilities())

	audioOnly := domain.RtpCapabilities{Codecs: routerCaps.Codecs[:1]}
	require.NoError(t, device.Load(context.Background(), audioOnly))
	assert.False(t, device.CanProduce(domain.KindVideo))
}

func TestDevice_CreateTransportValidation(t *testing.T) {
	device := loadedDevice(t)

	opts := transportOptions("t1")
	opts.OnProduce = nil
	_, err := device.CreateSendTransport(opts)
	assert.ErrorIs(t, err, domain.ErrInvalidParam)

	opts = transportOptions("")
	_, err = device.CreateRecvTransport(opts)
	assert.ErrorIs(t, err, domain.ErrInvalidParam)

	opts = transportOptions("t1")
	opts.ICECandidates[0].Protocol = "sctp"
	_, err = device.CreateRecvTransport(opts)
	assert.Error(t, err)
}

func TestTransport_DirectionAndClose(t *testing.T) {
	device := loadedDevice(t)

	recv, err := device.CreateRecvTransport(transportOptions("recv"))
	require.NoError(t, err)
	assert.Equal(t, "recv", recv.ID())

	_, err = recv.Produce(context.Background(), domain.ProduceOptions{Track: mustLocalTrack(t)})
	assert.ErrorIs(t, err, domain.ErrInvalidParam)

	send, err := device.CreateSendTransport(transportOptions("send"))
	require.NoError(t, err)
	_, err = send.Consume(context.Background(), domain.ConsumeOptions{ID: "c1", Kind: domain.KindAudio})
	assert.ErrorIs(t, err, domain.ErrInvalidParam)

	remote := newRemoteTrack("r", domain.KindAudio, 1, nil, nil)
	_, err = send.Produce(context.Background(), domain.ProduceOptions{Track: remote})
	assert.ErrorIs(t, err, domain.ErrInvalidParam, "only local tracks can be sent")

	for _, tr := range []domain.Transport{recv, send} {
		require.NoError(t, tr.Close())
		require.NoError(t, tr.Close())
		for range tr.ConnectionStates() {
			t.Fatal("no state after close")
		}
	}
}
