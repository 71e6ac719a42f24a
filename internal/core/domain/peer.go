package domain

import (
	"sort"
	"time"
)

// PeerID is the application's id for a media peer. A producer peer is
// keyed by the receiving side it sends to.
type PeerID string

// CompositeTrackID pairs the id of the track handed to the engine (a clone,
// when the client duplicates caller tracks) with the caller's app track id.
type CompositeTrackID struct {
	LocalID string `json:"local_id"`
	AppID   string `json:"app_id"`
}

func (c CompositeTrackID) IsZero() bool {
	return c.LocalID == "" && c.AppID == ""
}

// KindState is the per-kind production record of a peer.
type KindState struct {
	// Using is the track the caller most recently asked to send.
	Using CompositeTrackID
	// Connecting is the local id of the in-flight produce handshake, if any.
	Connecting string
	Paused     bool
}

func (k *KindState) reset() {
	k.Using = CompositeTrackID{}
	k.Connecting = ""
}

type TrackIntent struct {
	Track     Track
	Ownership TrackOwnership
}

// ProceduralCallbacks are the result callbacks of the procedural API surface.
type ProceduralCallbacks struct {
	OnCapability func(RtpCapabilities, error)
	OnTransport  func(TransportCreated, error)
	// OnClose fires only when the peer is hard-deleted.
	OnClose   func()
	Producers map[string]func(producerID string, err error)
}

type Peer struct {
	ID              PeerID
	Role            Role
	Status          Status
	TransportStatus TransportStatus
	Bandwidth       int
	RecvTerminals   []string

	Device    Device
	Transport Transport
	// TransportID is the server-assigned id, also set for procedural peers
	// that have no engine transport.
	TransportID        string
	ClientCapabilities *RtpCapabilities

	Tracks    map[string]TrackIntent
	Producers map[string]Producer
	Consumers map[string]Consumer

	Audio KindState
	Video KindState

	AudioSink Sink
	VideoSink Sink

	AudioMeter LevelMeter

	DisconnectedAt time.Time
	ReconnectTimer Timer
	HealthTimer    Timer
	RetryTimer     Timer

	Callbacks ProceduralCallbacks

	CreatedAt time.Time
}

func NewPeer(id PeerID, role Role, now time.Time) *Peer {
	return &Peer{
		ID:              id,
		Role:            role,
		Status:          StatusInit,
		TransportStatus: TransportInit,
		Tracks:          make(map[string]TrackIntent),
		Producers:       make(map[string]Producer),
		Consumers:       make(map[string]Consumer),
		CreatedAt:       now,
	}
}

func (p *Peer) IsProducer() bool {
	return p.Role.IsProducer()
}

// Kind returns the mutable per-kind record.
func (p *Peer) Kind(kind Kind) *KindState {
	if kind == KindAudio {
		return &p.Audio
	}
	return &p.Video
}

func (p *Peer) Sink(kind Kind) Sink {
	if kind == KindAudio {
		return p.AudioSink
	}
	return p.VideoSink
}

func (p *Peer) SetSink(kind Kind, sink Sink) {
	if kind == KindAudio {
		p.AudioSink = sink
	} else {
		p.VideoSink = sink
	}
}

// HasKind reports whether a track of kind is registered for sending.
func (p *Peer) HasKind(kind Kind) bool {
	for _, intent := range p.Tracks {
		if intent.Track != nil && intent.Track.Kind() == kind {
			return true
		}
	}
	return false
}

// TrackIDs returns app track ids in a stable order.
func (p *Peer) TrackIDs() []string {
	ids := make([]string, 0, len(p.Tracks))
	for id := range p.Tracks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ProducerByServerID finds the app track id of a producer by server id.
func (p *Peer) ProducerByServerID(producerID string) (string, Producer, bool) {
	for appID, producer := range p.Producers {
		if producer.ID() == producerID {
			return appID, producer, true
		}
	}
	return "", nil, false
}

// ResetProduction clears the using and connecting records of both kinds.
func (p *Peer) ResetProduction() {
	p.Audio.reset()
	p.Video.reset()
}

type ProducerInfo struct {
	ID           string `json:"id"`
	Kind         Kind   `json:"kind"`
	LocalTrackID string `json:"local_track_id"`
	Paused       bool   `json:"paused"`
}

type ConsumerInfo struct {
	ID         string `json:"id"`
	ProducerID string `json:"producer_id"`
	Kind       Kind   `json:"kind"`
	Paused     bool   `json:"paused"`
}

type KindInfo struct {
	Using      CompositeTrackID `json:"using"`
	Connecting string           `json:"connecting,omitempty"`
	Paused     bool             `json:"paused"`
}

// PeerInfo is an immutable snapshot of a Peer.
type PeerInfo struct {
	ID              PeerID                  `json:"id"`
	Role            string                  `json:"role"`
	Status          string                  `json:"status"`
	TransportStatus string                  `json:"transport_status"`
	TransportID     string                  `json:"transport_id,omitempty"`
	Bandwidth       int                     `json:"bandwidth"`
	Tracks          map[string]string       `json:"tracks"`
	Producers       map[string]ProducerInfo `json:"producers"`
	Consumers       []ConsumerInfo          `json:"consumers"`
	Kinds           map[Kind]KindInfo       `json:"kinds"`
	HasAudioSink    bool                    `json:"has_audio_sink"`
	HasVideoSink    bool                    `json:"has_video_sink"`
	CreatedAt       time.Time               `json:"created_at"`
}

func (p *Peer) Snapshot() PeerInfo {
	info := PeerInfo{
		ID:              p.ID,
		Role:            p.Role.String(),
		Status:          p.Status.String(),
		TransportStatus: p.TransportStatus.String(),
		TransportID:     p.TransportID,
		Bandwidth:       p.Bandwidth,
		Tracks:          make(map[string]string, len(p.Tracks)),
		Producers:       make(map[string]ProducerInfo, len(p.Producers)),
		Consumers:       make([]ConsumerInfo, 0, len(p.Consumers)),
		Kinds:           make(map[Kind]KindInfo, len(Kinds)),
		HasAudioSink:    p.AudioSink != nil,
		HasVideoSink:    p.VideoSink != nil,
		CreatedAt:       p.CreatedAt,
	}
	for appID, intent := range p.Tracks {
		if intent.Track != nil {
			info.Tracks[appID] = intent.Track.ID()
		}
	}
	for appID, producer := range p.Producers {
		pi := ProducerInfo{ID: producer.ID(), Kind: producer.Kind(), Paused: producer.Paused()}
		if t := producer.Track(); t != nil {
			pi.LocalTrackID = t.ID()
		}
		info.Producers[appID] = pi
	}
	for _, consumer := range p.Consumers {
		info.Consumers = append(info.Consumers, ConsumerInfo{
			ID:         consumer.ID(),
			ProducerID: consumer.ProducerID(),
			Kind:       consumer.Kind(),
			Paused:     consumer.Paused(),
		})
	}
	sort.Slice(info.Consumers, func(i, j int) bool {
		return info.Consumers[i].ProducerID < info.Consumers[j].ProducerID
	})
	for _, kind := range Kinds {
		ks := p.Kind(kind)
		info.Kinds[kind] = KindInfo{Using: ks.Using, Connecting: ks.Connecting, Paused: ks.Paused}
	}
	return info
}
