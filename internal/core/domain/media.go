package domain

import "fmt"

// Kind is the media kind of a track.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Kinds lists every media kind a peer tracks state for.
var Kinds = []Kind{KindAudio, KindVideo}

func (k Kind) Valid() bool {
	return k == KindAudio || k == KindVideo
}

// ParseKind validates a kind coming from an outer surface.
func ParseKind(raw string) (Kind, error) {
	k := Kind(raw)
	if !k.Valid() {
		return "", fmt.Errorf("%w: unknown media kind %q", ErrInvalidParam, raw)
	}
	return k, nil
}

// Role values double as the peer type codes of the signaling protocol.
type Role int

const (
	RoleProducer         Role = 1
	RoleProducerNoStream Role = 2
	RoleReceiver         Role = 3
)

func (r Role) String() string {
	switch r {
	case RoleProducer:
		return "producer"
	case RoleProducerNoStream:
		return "producer_no_stream"
	case RoleReceiver:
		return "receiver"
	default:
		return "unknown"
	}
}

// IsProducer reports whether peers of this role send media.
func (r Role) IsProducer() bool {
	return r == RoleProducer || r == RoleProducerNoStream
}

// Status governs whether a new negotiation may start.
type Status int

const (
	StatusInit       Status = 1
	StatusConnecting Status = 2
	StatusConnected  Status = 3
)

func (s Status) String() string {
	switch s {
	case StatusInit:
		return "init"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// TransportStatus values are the codes reported with tranStatusChanged.
type TransportStatus int

const (
	TransportInit         TransportStatus = 100
	TransportNew          TransportStatus = 101
	TransportConnecting   TransportStatus = 102
	TransportConnected    TransportStatus = 103
	TransportDisconnected TransportStatus = 104
	TransportFailed       TransportStatus = 105
	TransportStatusClosed TransportStatus = 106
	TransportActiveClose  TransportStatus = 107
	TransportRetryClose   TransportStatus = 108
)

var transportStatusNames = map[TransportStatus]string{
	TransportInit:         "init",
	TransportNew:          "new",
	TransportConnecting:   "connecting",
	TransportConnected:    "connected",
	TransportDisconnected: "disconnected",
	TransportFailed:       "failed",
	TransportStatusClosed: "closed",
	TransportActiveClose:  "active_close",
	TransportRetryClose:   "retry_close",
}

func (s TransportStatus) String() string {
	if name, ok := transportStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("transport_status(%d)", int(s))
}

// ConnectionState is emitted by an engine transport.
type ConnectionState string

const (
	ConnectionNew          ConnectionState = "new"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionFailed       ConnectionState = "failed"
	ConnectionClosed       ConnectionState = "closed"
)

// TransportStatus maps an engine connection state onto the reported status.
func (s ConnectionState) TransportStatus() TransportStatus {
	switch s {
	case ConnectionNew:
		return TransportNew
	case ConnectionConnecting:
		return TransportConnecting
	case ConnectionConnected:
		return TransportConnected
	case ConnectionDisconnected:
		return TransportDisconnected
	case ConnectionFailed:
		return TransportFailed
	case ConnectionClosed:
		return TransportStatusClosed
	default:
		return TransportInit
	}
}

// MediaState is the producer/consumer state carried by changePro, changeCon, pState and cState.
type MediaState int

const (
	MediaClosed  MediaState = 1
	MediaPaused  MediaState = 2
	MediaResumed MediaState = 3
)

// TrackOwnership says whether the client may hand the caller's track to the
// engine as is, or must send a duplicate it owns.
type TrackOwnership int

const (
	OwnershipDefault TrackOwnership = iota
	OwnershipAlias
	OwnershipDuplicate
)

func (o TrackOwnership) String() string {
	switch o {
	case OwnershipAlias:
		return "alias"
	case OwnershipDuplicate:
		return "duplicate"
	default:
		return "default"
	}
}

// Resolve substitutes the configured policy for OwnershipDefault.
func (o TrackOwnership) Resolve(cloneByDefault bool) TrackOwnership {
	if o != OwnershipDefault {
		return o
	}
	if cloneByDefault {
		return OwnershipDuplicate
	}
	return OwnershipAlias
}

// CodeTransportNotFound is the server result code for an unknown transport id.
const CodeTransportNotFound = 2011
