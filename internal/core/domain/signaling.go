package domain

import "encoding/json"

type EnvelopeKind string

const (
	EnvelopeRequest  EnvelopeKind = "request"
	EnvelopeResponse EnvelopeKind = "response"
	EnvelopePush     EnvelopeKind = "push"
)

// Envelope is one signaling frame. Responses echo the request id in ReplyTo.
type Envelope struct {
	ID      string          `json:"id"`
	Kind    EnvelopeKind    `json:"kind"`
	Type    string          `json:"type"`
	ReplyTo string          `json:"reply_to,omitempty"`
	Code    int             `json:"code,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

// Outbound verbs.
const (
	MsgJoin                   = "join"
	MsgGetCapability          = "getrrcpb"
	MsgCreateTransport        = "createtran"
	MsgConnectTransport       = "contran"
	MsgProduce                = "produce"
	MsgChangeProducerState    = "changePro"
	MsgChangeConsumerState    = "changeCon"
	MsgUpdateTransport        = "upTrans"
	MsgTransportStatusChanged = "tranStatusChanged"
)

// Inbound pushes.
const (
	MsgCanReceive           = "canReceiveTran"
	MsgCapabilityResult     = "recrrcpb"
	MsgTransportCreated     = "credTran"
	MsgProducerCreated      = "credProducer"
	MsgNewConsumable        = "newConsume"
	MsgTransportClosed      = "tClose"
	MsgProducerStateChanged = "pState"
	MsgConsumerStateChanged = "cState"
)

type BusStatus int

const (
	BusConnected BusStatus = iota + 1
	BusDisconnected
	// BusKicked covers both a server kick-out and a server-initiated bye.
	BusKicked
)

func (s BusStatus) String() string {
	switch s {
	case BusConnected:
		return "connected"
	case BusDisconnected:
		return "disconnected"
	case BusKicked:
		return "kicked"
	default:
		return "unknown"
	}
}

// BusEvent carries either a status change or an inbound frame.
type BusEvent struct {
	Status  BusStatus
	Message *Envelope
}

type JoinRequest struct {
	PeerID string `json:"peerId"`
}

type GetCapabilityRequest struct {
	PeerID        PeerID   `json:"peerId"`
	IsProduce     bool     `json:"isProduce"`
	RecvTerminals []string `json:"recvTerminals,omitempty"`
}

type CreateTransportRequest struct {
	PeerID             PeerID          `json:"peerId"`
	ForceTCP           bool            `json:"forceTcp"`
	IsProduce          bool            `json:"isProduce"`
	RtpCapabilities    RtpCapabilities `json:"rtpCapabilities"`
	MaxIncomingBitrate int             `json:"maxIncomingBitrate,omitempty"`
}

type ConnectTransportRequest struct {
	PeerID         PeerID         `json:"peerId"`
	IsProduce      bool           `json:"isProduce"`
	DtlsParameters DtlsParameters `json:"dtlsParameters"`
}

type TrackInfo struct {
	ID         string `json:"id"`
	AppTrackID string `json:"appTrackId"`
	Kind       Kind   `json:"kind"`
}

type ProduceReserve struct {
	TrackInfo TrackInfo `json:"trackInfo"`
}

type ProduceMessage struct {
	PeerID           PeerID         `json:"peerId"`
	ProducerClientID string         `json:"producerClientId"`
	Kind             Kind           `json:"kind"`
	RtpParameters    RtpParameters  `json:"rtpParameters"`
	Reserve          ProduceReserve `json:"reserve"`
}

type ChangeProducerState struct {
	PeerID     PeerID     `json:"peerId"`
	ProducerID string     `json:"producerId"`
	State      MediaState `json:"state"`
}

type ChangeConsumerState struct {
	PeerID     PeerID     `json:"peerId"`
	ProducerID string     `json:"producerId"`
	State      MediaState `json:"state"`
}

type UpdateTransport struct {
	PeerID             PeerID   `json:"peerId"`
	MaxIncomingBitrate int      `json:"maxIncomingBitrate"`
	RecvInfo           []string `json:"recvInfo,omitempty"`
}

type TransportStatusChanged struct {
	PeerID      PeerID          `json:"peerId"`
	TransportID string          `json:"transportId"`
	Status      TransportStatus `json:"status"`
}

// TransportStatusResult is the server's answer to tranStatusChanged.
type TransportStatusResult struct {
	SenderIsConnected bool `json:"senderIsConnected"`
}

type CanReceive struct {
	PeerIDs []PeerID `json:"peerIds"`
	Init    bool     `json:"init"`
}

type CapabilityResult struct {
	PeerID          PeerID           `json:"peerId"`
	RtpCapabilities *RtpCapabilities `json:"rtpCapabilities,omitempty"`
	ErrorCode       int              `json:"errorCode,omitempty"`
}

type TransportCreated struct {
	PeerID         PeerID          `json:"peerId"`
	ID             string          `json:"id"`
	IceParameters  IceParameters   `json:"iceParameters"`
	IceCandidates  []IceCandidate  `json:"iceCandidates"`
	DtlsParameters DtlsParameters  `json:"dtlsParameters"`
	SctpParameters *SctpParameters `json:"sctpParameters,omitempty"`
}

type ProducerCreated struct {
	PeerID           PeerID `json:"peerId"`
	ProducerID       string `json:"producerId"`
	ProducerClientID string `json:"producerClientId"`
}

type NewConsumable struct {
	PeerID         PeerID        `json:"peerId"`
	ProducerID     string        `json:"producerId"`
	ID             string        `json:"id"`
	Kind           Kind          `json:"kind"`
	RtpParameters  RtpParameters `json:"rtpParameters"`
	ProducerPaused bool          `json:"producerPaused"`
}

type TransportClosed struct {
	PeerID      PeerID `json:"peerId"`
	TransportID string `json:"transportId"`
	Reason      int    `json:"reason"`
}

// RenegotiableClose reports whether a close reason asks the client to
// renegotiate rather than give the peer up.
func (t TransportClosed) RenegotiableClose() bool {
	return t.Reason >= 3000 && t.Reason <= 3500
}

type ProducerStateChanged struct {
	PeerID     PeerID     `json:"peerId"`
	ProducerID string     `json:"producerId"`
	State      MediaState `json:"state"`
}

type ConsumerStateChanged struct {
	PeerID     PeerID     `json:"peerId"`
	ProducerID string     `json:"producerId"`
	State      MediaState `json:"state"`
}

// ProducerClientID is the correlation key of a produce request: the local
// track id followed by the kind.
func ProducerClientID(localTrackID string, kind Kind) string {
	return localTrackID + string(kind)
}

// SplitProducerClientID is the inverse of ProducerClientID.
func SplitProducerClientID(id string) (string, Kind, bool) {
	for _, kind := range Kinds {
		suffix := string(kind)
		if len(id) > len(suffix) && id[len(id)-len(suffix):] == suffix {
			return id[:len(id)-len(suffix)], kind, true
		}
	}
	return "", "", false
}
