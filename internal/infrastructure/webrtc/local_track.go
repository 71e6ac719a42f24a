package webrtc

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"sfuclient/internal/core/domain"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

var errTrackStopped = errors.New("track stopped")

// Source is a media source that can be cut into any number of tracks.
// Every packet written to it is fanned out to the live tracks.
type Source struct {
	kind     domain.Kind
	codec    webrtc.RTPCodecCapability
	streamID string

	mu         sync.RWMutex
	tracks     map[string]*LocalTrack
	onKeyframe func()

	level atomic.Uint64
}

func NewSource(kind domain.Kind, codec webrtc.RTPCodecCapability, streamID string) *Source {
	return &Source{
		kind:     kind,
		codec:    codec,
		streamID: streamID,
		tracks:   make(map[string]*LocalTrack),
	}
}

func (s *Source) Kind() domain.Kind {
	return s.kind
}

// NewTrack returns a fresh track fed by this source.
func (s *Source) NewTrack() (*LocalTrack, error) {
	id := uuid.NewString()
	local, err := webrtc.NewTrackLocalStaticRTP(s.codec, id, s.streamID)
	if err != nil {
		return nil, fmt.Errorf("create local track: %w", err)
	}
	track := &LocalTrack{id: id, source: s, local: local}

	s.mu.Lock()
	s.tracks[id] = track
	s.mu.Unlock()
	return track, nil
}

// WriteRTP forwards pkt to every live track. Tracks that are not bound to
// a sender drop it silently.
func (s *Source) WriteRTP(pkt *rtp.Packet) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result *multierror.Error
	for id, track := range s.tracks {
		if err := track.local.WriteRTP(pkt); err != nil {
			result = multierror.Append(result, fmt.Errorf("track %s: %w", id, err))
		}
	}
	return result.ErrorOrNil()
}

// SetLevel records the current audio level of the source in [0,1].
func (s *Source) SetLevel(level float64) {
	s.level.Store(math.Float64bits(level))
}

func (s *Source) Level() float64 {
	return math.Float64frombits(s.level.Load())
}

// OnKeyframeRequest is called whenever a receiver asks a sender of this
// source for a full picture.
func (s *Source) OnKeyframeRequest(fn func()) {
	s.mu.Lock()
	s.onKeyframe = fn
	s.mu.Unlock()
}

func (s *Source) requestKeyframe() {
	s.mu.RLock()
	fn := s.onKeyframe
	s.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

func (s *Source) detach(id string) {
	s.mu.Lock()
	delete(s.tracks, id)
	s.mu.Unlock()
}

func (s *Source) trackCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tracks)
}

// LocalTrack is a domain.Track backed by a pion static RTP track.
type LocalTrack struct {
	id      string
	source  *Source
	local   *webrtc.TrackLocalStaticRTP
	stopped atomic.Bool
}

func (t *LocalTrack) ID() string {
	return t.id
}

func (t *LocalTrack) Kind() domain.Kind {
	return t.source.kind
}

func (t *LocalTrack) Clone() (domain.Track, error) {
	if t.stopped.Load() {
		return nil, fmt.Errorf("clone %s: %w", t.id, errTrackStopped)
	}
	clone, err := t.source.NewTrack()
	if err != nil {
		return nil, err
	}
	return clone, nil
}

func (t *LocalTrack) Stop() {
	if t.stopped.CompareAndSwap(false, true) {
		t.source.detach(t.id)
	}
}

func (t *LocalTrack) Stopped() bool {
	return t.stopped.Load()
}

// TrackLocal is what an RTP sender binds to.
func (t *LocalTrack) TrackLocal() webrtc.TrackLocal {
	return t.local
}

func (t *LocalTrack) Codec() webrtc.RTPCodecCapability {
	return t.source.codec
}
