package ports

import (
	"context"
	"time"

	"sfuclient/internal/core/domain"
)

// Engine creates capability devices. One device is created per negotiation.
type Engine interface {
	NewDevice() (domain.Device, error)
}

// LevelMeterFactory starts audio level metering on a track.
type LevelMeterFactory interface {
	NewMeter(track domain.Track, onLevel func(level float64)) (domain.LevelMeter, error)
}

// Bus is the signaling transport. Status changes and inbound frames are
// delivered on Events, which is closed by Close.
type Bus interface {
	Connect(ctx context.Context) error
	// Disconnect drops the current session; the bus may be connected again.
	Disconnect() error
	Send(ctx context.Context, env domain.Envelope) error
	Events() <-chan domain.BusEvent
	Close() error
}

type MediaMetrics interface {
	PeerAdded(role domain.Role)
	PeerRemoved(role domain.Role)
	NegotiationFinished(role domain.Role, result string, duration time.Duration)
	SoftRelease(reason string)
	ProduceSuperseded(kind domain.Kind)
	TransportStateChanged(state domain.ConnectionState)
	PlaybackRecovered(kind domain.Kind)
	SignalingMessage(direction, msgType string)
}

type SendOptions struct {
	Bandwidth     int
	RecvTerminals []string
	Ownership     domain.TrackOwnership
}

// TrackOptions carries optional transport updates alongside a track change.
// A zero Bandwidth and a nil RecvInfo leave the transport untouched.
type TrackOptions struct {
	Bandwidth int
	RecvInfo  []string
	Ownership domain.TrackOwnership
}

type CapabilityRequest struct {
	PeerID    domain.PeerID
	Bandwidth int
	RecvInfo  []string
	OnResult  func(domain.RtpCapabilities, error)
	// OnClose fires when the peer is permanently removed.
	OnClose func()
}

// MediaService is the public surface of the media client.
type MediaService interface {
	SendMedia(ctx context.Context, peerID domain.PeerID, tracks map[string]domain.Track, opts SendOptions) error
	UpsertTrack(ctx context.Context, peerID domain.PeerID, appTrackID string, track domain.Track, opts TrackOptions) error
	ReplaceTrack(ctx context.Context, peerID domain.PeerID, appTrackID string, track domain.Track, opts TrackOptions) error
	CloseTrack(ctx context.Context, peerID domain.PeerID, appTrackID string) error
	Pause(ctx context.Context, peerID domain.PeerID, kind domain.Kind) error
	Resume(ctx context.Context, peerID domain.PeerID, kind domain.Kind) error
	IsPaused(ctx context.Context, peerID domain.PeerID, kind domain.Kind) (bool, error)
	CloseMedia(ctx context.Context, peerID domain.PeerID) error

	ReceiveMedia(ctx context.Context, peerID domain.PeerID, audio, video domain.Sink) error
	UpsertSink(ctx context.Context, peerID domain.PeerID, kind domain.Kind, sink domain.Sink) error
	DeleteSink(ctx context.Context, peerID domain.PeerID, kind domain.Kind) error

	IsMediaConnected(ctx context.Context, peerID domain.PeerID) (bool, error)
	IsMediaExist(ctx context.Context, peerID domain.PeerID) (bool, error)
	IsKindExist(ctx context.Context, peerID domain.PeerID, kind domain.Kind) (bool, error)
	Peer(ctx context.Context, peerID domain.PeerID) (domain.PeerInfo, error)
	Peers(ctx context.Context) ([]domain.PeerInfo, error)
	SessionJoined(ctx context.Context) (bool, error)

	GetRtpCapability(ctx context.Context, req CapabilityRequest) error
	CreateSendTransport(ctx context.Context, peerID domain.PeerID, caps domain.RtpCapabilities, onResult func(domain.TransportCreated, error)) error
	ConnectTransport(ctx context.Context, peerID domain.PeerID, dtls domain.DtlsParameters) error
	CreateProducer(ctx context.Context, peerID domain.PeerID, producerClientID string, kind domain.Kind, params domain.RtpParameters, onResult func(producerID string, err error)) error

	Close(ctx context.Context) error
}
