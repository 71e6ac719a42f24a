package webrtc

import (
	"context"
	"fmt"
	"sync"

	"sfuclient/internal/core/domain"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Producer sends one local track. Pausing unbinds the track from the
// sender; the SSRC stays allocated.
type Producer struct {
	id         string
	kind       domain.Kind
	sender *webrtc.RTPSender
	logger *zap.SugaredLogger

	mu    sync.Mutex
	track *LocalTrack
	// owned is set when track is a duplicate this producer must stop.
	owned  bool
	paused bool
	closed bool
}

func newProducer(id string, track *LocalTrack, sender *webrtc.RTPSender, owned bool, logger *zap.SugaredLogger) *Producer {
	return &Producer{
		id:     id,
		kind:   track.Kind(),
		sender: sender,
		logger: logger.With("producer_id", id),
		track:  track,
		owned:  owned,
	}
}

func (p *Producer) ID() string        { return p.id }
func (p *Producer) Kind() domain.Kind { return p.kind }

func (p *Producer) Track() domain.Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.track
}

func (p *Producer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *Producer) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused || p.closed {
		return
	}
	p.paused = true
	if err := p.sender.ReplaceTrack(nil); err != nil {
		p.logger.Warnw("failed to pause sender", "error", err)
	}
}

func (p *Producer) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused || p.closed {
		return
	}
	p.paused = false
	if err := p.sender.ReplaceTrack(p.track.TrackLocal()); err != nil {
		p.logger.Warnw("failed to resume sender", "error", err)
	}
}

// ReplaceTrack swaps the media source. A paused producer picks the new
// track up on Resume. The outgoing track is stopped only if it was owned.
func (p *Producer) ReplaceTrack(ctx context.Context, track domain.Track, stopTrack bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	local, ok := track.(*LocalTrack)
	if !ok {
		return fmt.Errorf("%w: track %T cannot be sent", domain.ErrInvalidParam, track)
	}
	if local.Kind() != p.kind {
		return fmt.Errorf("%w: %s track on a %s producer", domain.ErrInvalidParam, local.Kind(), p.kind)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("producer %s closed", p.id)
	}
	if !p.paused {
		if err := p.sender.ReplaceTrack(local.TrackLocal()); err != nil {
			return fmt.Errorf("replace track: %w", err)
		}
	}
	old, owned := p.track, p.owned
	p.track = local
	p.owned = stopTrack
	if owned && old != local {
		old.Stop()
	}
	return nil
}

func (p *Producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	track, owned := p.track, p.owned
	p.mu.Unlock()

	err := p.sender.Stop()
	if owned {
		track.Stop()
	}
	return err
}

// readRTCP forwards keyframe requests from the router to the track's source.
func (p *Producer) readRTCP() {
	for {
		packets, _, err := p.sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range packets {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				p.mu.Lock()
				source := p.track.source
				p.mu.Unlock()
				source.requestKeyframe()
			}
		}
	}
}
