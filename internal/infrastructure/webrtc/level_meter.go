package webrtc

import (
	"fmt"
	"sync"
	"time"

	"sfuclient/internal/core/domain"

	"github.com/benbjohnson/clock"
	"github.com/pion/rtp"
)

// LevelMeterFactory reports audio levels in [0, 1] every interval. Local
// tracks report the level set on their source; remote tracks report the
// loudest ssrc-audio-level header seen in the interval.
type LevelMeterFactory struct {
	clock    clock.Clock
	interval time.Duration
}

func NewLevelMeterFactory(clk clock.Clock, interval time.Duration) *LevelMeterFactory {
	if clk == nil {
		clk = clock.New()
	}
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	return &LevelMeterFactory{clock: clk, interval: interval}
}

func (f *LevelMeterFactory) NewMeter(track domain.Track, onLevel func(level float64)) (domain.LevelMeter, error) {
	if track.Kind() != domain.KindAudio {
		return nil, fmt.Errorf("%w: level meter on a %s track", domain.ErrInvalidParam, track.Kind())
	}

	m := &levelMeter{done: make(chan struct{})}
	switch t := track.(type) {
	case *LocalTrack:
		m.sample = t.source.Level
	case *RemoteTrack:
		if t.levelExt == 0 {
			return nil, fmt.Errorf("%w: track %s carries no audio level", domain.ErrInvalidParam, t.ID())
		}
		m.sample = m.windowMax
		m.unsubscribe = t.Subscribe(func(pkt *rtp.Packet) {
			m.observe(pkt, t.levelExt)
		})
	default:
		return nil, fmt.Errorf("%w: cannot meter track %T", domain.ErrInvalidParam, track)
	}

	ticker := f.clock.Ticker(f.interval)
	go m.run(ticker, onLevel)
	return m, nil
}

type levelMeter struct {
	sample      func() float64
	unsubscribe func()

	mu   sync.Mutex
	peak float64

	once sync.Once
	done chan struct{}
}

func (m *levelMeter) observe(pkt *rtp.Packet, extID uint8) {
	payload := pkt.GetExtension(extID)
	if payload == nil {
		return
	}
	var ext rtp.AudioLevelExtension
	if err := ext.Unmarshal(payload); err != nil {
		return
	}
	// -dBov, 0 is loudest and 127 silence.
	level := 1 - float64(ext.Level)/127

	m.mu.Lock()
	if level > m.peak {
		m.peak = level
	}
	m.mu.Unlock()
}

func (m *levelMeter) windowMax() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	peak := m.peak
	m.peak = 0
	return peak
}

func (m *levelMeter) run(ticker *clock.Ticker, onLevel func(float64)) {
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			onLevel(m.sample())
		}
	}
}

func (m *levelMeter) Stop() {
	m.once.Do(func() {
		close(m.done)
		if m.unsubscribe != nil {
			m.unsubscribe()
		}
	})
}
