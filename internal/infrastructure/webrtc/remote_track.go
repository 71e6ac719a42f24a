package webrtc

import (
	"errors"
	"sync"
	"sync/atomic"

	"sfuclient/internal/core/domain"

	"github.com/pion/rtp"
)

var errRemoteClone = errors.New("remote tracks cannot be cloned")

type readRTPFunc func() (*rtp.Packet, error)

// RemoteTrack is the media a consumer receives. A single reader pumps
// packets to every subscriber, so sinks can be swapped while the stream runs.
type RemoteTrack struct {
	id       string
	kind     domain.Kind
	ssrc     uint32
	levelExt uint8
	read     readRTPFunc
	keyframe func() error

	mu     sync.RWMutex
	subs   map[int]func(*rtp.Packet)
	nextID int

	paused  atomic.Bool
	stopped atomic.Bool
	done    chan struct{}
}

func newRemoteTrack(id string, kind domain.Kind, ssrc uint32, read readRTPFunc, keyframe func() error) *RemoteTrack {
	return &RemoteTrack{
		id:       id,
		kind:     kind,
		ssrc:     ssrc,
		read:     read,
		keyframe: keyframe,
		subs:     make(map[int]func(*rtp.Packet)),
		done:     make(chan struct{}),
	}
}

func (t *RemoteTrack) run() {
	defer close(t.done)
	for {
		pkt, err := t.read()
		if err != nil {
			return
		}
		if t.paused.Load() {
			continue
		}

		t.mu.RLock()
		for _, fn := range t.subs {
			fn(pkt)
		}
		t.mu.RUnlock()
	}
}

// Subscribe registers fn for every packet until the returned func is called.
func (t *RemoteTrack) Subscribe(fn func(*rtp.Packet)) func() {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.subs[id] = fn
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
}

// RequestKeyframe asks the remote sender for a full picture.
func (t *RemoteTrack) RequestKeyframe() error {
	if t.keyframe == nil || t.kind != domain.KindVideo {
		return nil
	}
	return t.keyframe()
}

func (t *RemoteTrack) ID() string            { return t.id }
func (t *RemoteTrack) Kind() domain.Kind     { return t.kind }
func (t *RemoteTrack) SSRC() uint32          { return t.ssrc }
func (t *RemoteTrack) Done() <-chan struct{} { return t.done }

func (t *RemoteTrack) Clone() (domain.Track, error) {
	return nil, errRemoteClone
}

// Stop detaches every subscriber. The stream itself ends with its consumer.
func (t *RemoteTrack) Stop() {
	if !t.stopped.CompareAndSwap(false, true) {
		return
	}
	t.mu.Lock()
	t.subs = make(map[int]func(*rtp.Packet))
	t.mu.Unlock()
}
