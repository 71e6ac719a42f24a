package webrtc

import (
	"sync"

	"sfuclient/internal/core/domain"

	"github.com/pion/rtp"
)

type sinkEntry struct {
	track       *RemoteTrack
	unsubscribe func()
	// frames is guarded by RTPSink.statsMu.
	frames frameCounter
}

// frameCounter counts the video frames of one track by marker bit. A frame
// with a sequence gap inside it is counted as dropped.
type frameCounter struct {
	haveSeq bool
	lastSeq uint16
	lost    bool
	quality domain.PlaybackQuality
}

func (c *frameCounter) add(pkt *rtp.Packet) {
	if c.haveSeq && pkt.SequenceNumber != c.lastSeq+1 {
		c.lost = true
	}
	c.haveSeq = true
	c.lastSeq = pkt.SequenceNumber

	if !pkt.Marker {
		return
	}
	c.quality.TotalFrames++
	if c.lost {
		c.quality.DroppedFrames++
		c.lost = false
	}
}

// RTPSink is a domain.Sink that consumes the RTP of remote tracks. Video
// sinks keep frame statistics per track and report their sum.
type RTPSink struct {
	kind     domain.Kind
	onPacket func(track domain.Track, pkt *rtp.Packet)

	mu      sync.Mutex
	entries map[string]*sinkEntry

	// statsMu is taken from the packet pump. Lock order is mu, then statsMu.
	statsMu sync.Mutex
}

// NewRTPSink returns a sink for kind. onPacket may be nil.
func NewRTPSink(kind domain.Kind, onPacket func(track domain.Track, pkt *rtp.Packet)) *RTPSink {
	return &RTPSink{
		kind:     kind,
		onPacket: onPacket,
		entries:  make(map[string]*sinkEntry),
	}
}

func (s *RTPSink) AddTrack(track domain.Track) {
	remote, ok := track.(*RemoteTrack)
	if !ok || remote.Kind() != s.kind {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[remote.ID()]; exists {
		return
	}
	entry := &sinkEntry{track: remote}
	s.subscribe(entry)
	s.entries[remote.ID()] = entry
}

func (s *RTPSink) subscribe(entry *sinkEntry) {
	track := entry.track
	entry.unsubscribe = track.Subscribe(func(pkt *rtp.Packet) {
		if s.kind == domain.KindVideo {
			s.statsMu.Lock()
			entry.frames.add(pkt)
			s.statsMu.Unlock()
		}
		if s.onPacket != nil {
			s.onPacket(track, pkt)
		}
	})
}

func (s *RTPSink) RemoveTrack(track domain.Track) {
	s.mu.Lock()
	entry, ok := s.entries[track.ID()]
	delete(s.entries, track.ID())
	s.mu.Unlock()

	if ok {
		entry.unsubscribe()
	}
}

func (s *RTPSink) Clear() {
	s.mu.Lock()
	entries := s.entries
	s.entries = make(map[string]*sinkEntry)
	s.mu.Unlock()

	for _, entry := range entries {
		entry.unsubscribe()
	}
}

// Reload resubscribes every track with fresh statistics and asks video
// senders for a keyframe.
func (s *RTPSink) Reload() {
	s.mu.Lock()
	tracks := make([]*RemoteTrack, 0, len(s.entries))
	for _, entry := range s.entries {
		entry.unsubscribe()
		s.statsMu.Lock()
		entry.frames = frameCounter{}
		s.statsMu.Unlock()
		s.subscribe(entry)
		tracks = append(tracks, entry.track)
	}
	s.mu.Unlock()

	for _, track := range tracks {
		_ = track.RequestKeyframe()
	}
}

func (s *RTPSink) PlaybackQuality() (domain.PlaybackQuality, bool) {
	if s.kind != domain.KindVideo {
		return domain.PlaybackQuality{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	var quality domain.PlaybackQuality
	for _, entry := range s.entries {
		quality.TotalFrames += entry.frames.quality.TotalFrames
		quality.DroppedFrames += entry.frames.quality.DroppedFrames
	}
	return quality, true
}

// Tracks returns the ids of the attached tracks.
func (s *RTPSink) Tracks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	return ids
}
