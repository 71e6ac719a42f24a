package domain

import "context"

// Handles owned by a Peer. They are implemented by the WebRTC engine adapter;
// the coordinator only ever talks to these interfaces.

// Track is a media source. Local tracks are supplied by the caller, remote
// tracks come out of a Consumer.
type Track interface {
	ID() string
	Kind() Kind
	// Clone returns an independent track fed by the same source.
	Clone() (Track, error)
	Stop()
}

// ConnectFunc is called by a transport the first time it needs the DTLS
// handshake; it returns once the server has been told the local parameters.
type ConnectFunc func(ctx context.Context, dtls DtlsParameters) error

// ProduceFunc is called by a send transport while producing a track; it
// returns the server-side producer id.
type ProduceFunc func(ctx context.Context, req ProduceRequest) (string, error)

type ProducerAppData struct {
	PeerID       PeerID `json:"peerId"`
	LocalTrackID string `json:"trackId"`
	AppTrackID   string `json:"appTrackId"`
}

type ProduceRequest struct {
	Kind          Kind
	RtpParameters RtpParameters
	AppData       ProducerAppData
}

type TransportOptions struct {
	ID             string
	ICEParameters  IceParameters
	ICECandidates  []IceCandidate
	DTLSParameters DtlsParameters
	SCTPParameters *SctpParameters
	OnConnect      ConnectFunc
	OnProduce      ProduceFunc
}

type ProduceOptions struct {
	Track Track
	// StopTracks stops Track when the producer closes. Set when the client
	// owns a duplicate of the caller's track.
	StopTracks bool
	AppData    ProducerAppData
}

type ConsumeOptions struct {
	ID            string
	ProducerID    string
	Kind          Kind
	RtpParameters RtpParameters
}

// Device loads router capabilities and creates transports.
type Device interface {
	Load(ctx context.Context, routerCapabilities RtpCapabilities) error
	Loaded() bool
	RtpCapabilities() RtpCapabilities
	CanProduce(kind Kind) bool
	CreateSendTransport(opts TransportOptions) (Transport, error)
	CreateRecvTransport(opts TransportOptions) (Transport, error)
}

type Transport interface {
	ID() string
	Produce(ctx context.Context, opts ProduceOptions) (Producer, error)
	Consume(ctx context.Context, opts ConsumeOptions) (Consumer, error)
	// ConnectionStates is closed when the transport is closed.
	ConnectionStates() <-chan ConnectionState
	Close() error
}

type Producer interface {
	ID() string
	Kind() Kind
	Track() Track
	Paused() bool
	Pause()
	Resume()
	// ReplaceTrack swaps the source. stopTrack says whether the producer
	// owns track and stops it once it is replaced or the producer closes.
	ReplaceTrack(ctx context.Context, track Track, stopTrack bool) error
	Close() error
}

type Consumer interface {
	ID() string
	ProducerID() string
	Kind() Kind
	Track() Track
	Paused() bool
	Pause()
	Resume()
	Close() error
}

type PlaybackQuality struct {
	TotalFrames   uint64
	DroppedFrames uint64
}

func (q PlaybackQuality) DropRatio() float64 {
	if q.TotalFrames == 0 {
		return 0
	}
	return float64(q.DroppedFrames) / float64(q.TotalFrames)
}

// Sink renders the tracks attached to a receiver peer.
type Sink interface {
	AddTrack(track Track)
	RemoveTrack(track Track)
	// Clear detaches every track.
	Clear()
	// Reload re-attaches the current tracks.
	Reload()
	// PlaybackQuality reports false when the sink keeps no frame statistics.
	PlaybackQuality() (PlaybackQuality, bool)
}

type LevelMeter interface {
	Stop()
}

// Timer is a cancellable peer-scoped timer.
type Timer interface {
	Stop() bool
}
