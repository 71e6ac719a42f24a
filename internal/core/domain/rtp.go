package domain

// RTP, ICE and DTLS parameter shapes exchanged with the SFU. Field names follow
// the router's JSON encoding.

type RtcpFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

type RtpCodecCapability struct {
	Kind                 Kind           `json:"kind"`
	MimeType             string         `json:"mimeType"`
	PreferredPayloadType uint8          `json:"preferredPayloadType"`
	ClockRate            uint32         `json:"clockRate"`
	Channels             uint16         `json:"channels,omitempty"`
	Parameters           map[string]any `json:"parameters,omitempty"`
	RtcpFeedback         []RtcpFeedback `json:"rtcpFeedback,omitempty"`
}

type RtpHeaderExtension struct {
	Kind        Kind   `json:"kind"`
	URI         string `json:"uri"`
	PreferredID int    `json:"preferredId"`
	Direction   string `json:"direction,omitempty"`
}

type RtpCapabilities struct {
	Codecs           []RtpCodecCapability `json:"codecs"`
	HeaderExtensions []RtpHeaderExtension `json:"headerExtensions,omitempty"`
}

// CodecsOf returns the capabilities for one kind.
func (c RtpCapabilities) CodecsOf(kind Kind) []RtpCodecCapability {
	var out []RtpCodecCapability
	for _, codec := range c.Codecs {
		if codec.Kind == kind {
			out = append(out, codec)
		}
	}
	return out
}

type RtpCodecParameters struct {
	MimeType     string         `json:"mimeType"`
	PayloadType  uint8          `json:"payloadType"`
	ClockRate    uint32         `json:"clockRate"`
	Channels     uint16         `json:"channels,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	RtcpFeedback []RtcpFeedback `json:"rtcpFeedback,omitempty"`
}

type RtpHeaderExtensionParameters struct {
	URI string `json:"uri"`
	ID  int    `json:"id"`
}

type RtxParameters struct {
	Ssrc uint32 `json:"ssrc"`
}

type RtpEncodingParameters struct {
	Ssrc       uint32         `json:"ssrc,omitempty"`
	Rid        string         `json:"rid,omitempty"`
	MaxBitrate int            `json:"maxBitrate,omitempty"`
	Rtx        *RtxParameters `json:"rtx,omitempty"`
}

type RtcpParameters struct {
	Cname       string `json:"cname,omitempty"`
	ReducedSize bool   `json:"reducedSize"`
}

type RtpParameters struct {
	Mid              string                         `json:"mid,omitempty"`
	Codecs           []RtpCodecParameters           `json:"codecs"`
	HeaderExtensions []RtpHeaderExtensionParameters `json:"headerExtensions,omitempty"`
	Encodings        []RtpEncodingParameters        `json:"encodings,omitempty"`
	Rtcp             RtcpParameters                 `json:"rtcp"`
}

type IceParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	IceLite          bool   `json:"iceLite,omitempty"`
}

type IceCandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
	TCPType    string `json:"tcpType,omitempty"`
}

type DtlsFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

type DtlsParameters struct {
	Role         string            `json:"role,omitempty"`
	Fingerprints []DtlsFingerprint `json:"fingerprints"`
}

type SctpParameters struct {
	Port           int `json:"port"`
	OS             int `json:"OS"`
	MIS            int `json:"MIS"`
	MaxMessageSize int `json:"maxMessageSize"`
}
