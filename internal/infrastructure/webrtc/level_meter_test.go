package webrtc

import (
	"testing"
	"time"

	"sfuclient/internal/core/domain"

	"github.com/benbjohnson/clock"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nextLevel(t *testing.T, levels <-chan float64) float64 {
	t.Helper()
	select {
	case level := <-levels:
		return level
	case <-time.After(waitFor):
		t.Fatal("no level reported")
		return 0
	}
}

func levelPacket(t *testing.T, extID uint8, level uint8) *rtp.Packet {
	t.Helper()
	payload, err := rtp.AudioLevelExtension{Level: level, Voice: true}.Marshal()
	require.NoError(t, err)
	pkt := &rtp.Packet{Header: rtp.Header{Version: 2}}
	require.NoError(t, pkt.Header.SetExtension(extID, payload))
	return pkt
}

func TestLevelMeter_LocalTrack(t *testing.T) {
	mock := clock.NewMock()
	factory := NewLevelMeterFactory(mock, 200*time.Millisecond)
	track := mustLocalTrack(t)
	track.source.SetLevel(0.5)

	levels := make(chan float64, 4)
	meter, err := factory.NewMeter(track, func(level float64) { levels <- level })
	require.NoError(t, err)
	defer meter.Stop()

	mock.Add(200 * time.Millisecond)
	assert.Equal(t, 0.5, nextLevel(t, levels))
}

func TestLevelMeter_RemoteTrack(t *testing.T) {
	mock := clock.NewMock()
	factory := NewLevelMeterFactory(mock, 200*time.Millisecond)
	track := newRemoteTrack("a", domain.KindAudio, 1, nil, nil)
	track.levelExt = 1

	levels := make(chan float64, 4)
	meter, err := factory.NewMeter(track, func(level float64) { levels <- level })
	require.NoError(t, err)

	deliver(track, levelPacket(t, 1, 127))
	deliver(track, levelPacket(t, 1, 0))
	deliver(track, &rtp.Packet{Header: rtp.Header{Version: 2}})
	mock.Add(200 * time.Millisecond)
	assert.Equal(t, 1.0, nextLevel(t, levels), "loudest packet of the window")

	mock.Add(200 * time.Millisecond)
	assert.Equal(t, 0.0, nextLevel(t, levels), "window resets")

	meter.Stop()
	meter.Stop()
	track.mu.RLock()
	assert.Empty(t, track.subs)
	track.mu.RUnlock()
}

func TestLevelMeter_Rejects(t *testing.T) {
	factory := NewLevelMeterFactory(clock.NewMock(), 0)

	_, err := factory.NewMeter(newRemoteTrack("v", domain.KindVideo, 1, nil, nil), func(float64) {})
	assert.ErrorIs(t, err, domain.ErrInvalidParam)

	_, err = factory.NewMeter(newRemoteTrack("a", domain.KindAudio, 1, nil, nil), func(float64) {})
	assert.ErrorIs(t, err, domain.ErrInvalidParam, "no audio level extension negotiated")
}
