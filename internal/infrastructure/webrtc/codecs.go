package webrtc

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"sfuclient/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

func codecType(kind domain.Kind) webrtc.RTPCodecType {
	if kind == domain.KindAudio {
		return webrtc.RTPCodecTypeAudio
	}
	return webrtc.RTPCodecTypeVideo
}

func isRtx(mimeType string) bool {
	return strings.HasSuffix(strings.ToLower(mimeType), "/rtx")
}

// fmtpLine renders codec parameters the way they appear in an a=fmtp line,
// with keys sorted.
func fmtpLine(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		var v string
		switch val := params[k].(type) {
		case float64:
			v = strconv.FormatFloat(val, 'f', -1, 64)
		case string:
			v = val
		default:
			v = fmt.Sprint(val)
		}
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ";")
}

// intParam reads a numeric codec parameter decoded from JSON or set in code.
func intParam(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case uint8:
		return int(n), true
	default:
		return 0, false
	}
}

func feedbackToPion(feedback []domain.RtcpFeedback) []webrtc.RTCPFeedback {
	out := make([]webrtc.RTCPFeedback, 0, len(feedback))
	for _, fb := range feedback {
		out = append(out, webrtc.RTCPFeedback{Type: fb.Type, Parameter: fb.Parameter})
	}
	return out
}

// newMediaEngine registers every codec and header extension the router offers.
func newMediaEngine(caps domain.RtpCapabilities) (*webrtc.MediaEngine, error) {
	me := &webrtc.MediaEngine{}
	for _, codec := range caps.Codecs {
		if !codec.Kind.Valid() {
			continue
		}
		params := webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:     codec.MimeType,
				ClockRate:    codec.ClockRate,
				Channels:     codec.Channels,
				SDPFmtpLine:  fmtpLine(codec.Parameters),
				RTCPFeedback: feedbackToPion(codec.RtcpFeedback),
			},
			PayloadType: webrtc.PayloadType(codec.PreferredPayloadType),
		}
		if err := me.RegisterCodec(params, codecType(codec.Kind)); err != nil {
			return nil, fmt.Errorf("register codec %s: %w", codec.MimeType, err)
		}
	}
	for _, ext := range caps.HeaderExtensions {
		kinds := domain.Kinds
		if ext.Kind.Valid() {
			kinds = []domain.Kind{ext.Kind}
		}
		for _, kind := range kinds {
			if err := me.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: ext.URI}, codecType(kind)); err != nil {
				return nil, fmt.Errorf("register header extension %s: %w", ext.URI, err)
			}
		}
	}
	return me, nil
}

// sendParameters describes what an RTP sender emits for codec: the codec,
// its retransmission codec when the router offers one, and the sender's
// encodings.
func sendParameters(caps domain.RtpCapabilities, kind domain.Kind, codec webrtc.RTPCodecCapability, params webrtc.RTPSendParameters) (domain.RtpParameters, error) {
	var (
		media *domain.RtpCodecCapability
		rtx   *domain.RtpCodecCapability
	)
	offered := caps.CodecsOf(kind)
	for i := range offered {
		if !isRtx(offered[i].MimeType) && strings.EqualFold(offered[i].MimeType, codec.MimeType) {
			media = &offered[i]
			break
		}
	}
	if media == nil {
		return domain.RtpParameters{}, fmt.Errorf("%w: %s not offered by router", domain.ErrKindNotSupported, codec.MimeType)
	}
	for i := range offered {
		if !isRtx(offered[i].MimeType) {
			continue
		}
		if apt, ok := intParam(offered[i].Parameters["apt"]); ok && apt == int(media.PreferredPayloadType) {
			rtx = &offered[i]
			break
		}
	}

	out := domain.RtpParameters{
		Codecs: []domain.RtpCodecParameters{{
			MimeType:     media.MimeType,
			PayloadType:  media.PreferredPayloadType,
			ClockRate:    media.ClockRate,
			Channels:     media.Channels,
			Parameters:   media.Parameters,
			RtcpFeedback: media.RtcpFeedback,
		}},
		Rtcp: domain.RtcpParameters{ReducedSize: true},
	}
	if rtx != nil {
		out.Codecs = append(out.Codecs, domain.RtpCodecParameters{
			MimeType:    rtx.MimeType,
			PayloadType: rtx.PreferredPayloadType,
			ClockRate:   rtx.ClockRate,
			Parameters:  rtx.Parameters,
		})
	}
	for _, ext := range params.HeaderExtensions {
		out.HeaderExtensions = append(out.HeaderExtensions, domain.RtpHeaderExtensionParameters{URI: ext.URI, ID: ext.ID})
	}
	for _, enc := range params.Encodings {
		encoding := domain.RtpEncodingParameters{Ssrc: uint32(enc.SSRC), Rid: enc.RID}
		if rtx != nil && enc.RTX.SSRC != 0 {
			encoding.Rtx = &domain.RtxParameters{Ssrc: uint32(enc.RTX.SSRC)}
		}
		out.Encodings = append(out.Encodings, encoding)
	}
	return out, nil
}

// receiveParameters picks the stream a consumer decodes.
func receiveParameters(params domain.RtpParameters) (webrtc.RTPReceiveParameters, error) {
	if len(params.Encodings) == 0 || len(params.Codecs) == 0 {
		return webrtc.RTPReceiveParameters{}, fmt.Errorf("%w: consumer has no encodings", domain.ErrInvalidParam)
	}
	coding := webrtc.RTPCodingParameters{
		SSRC:        webrtc.SSRC(params.Encodings[0].Ssrc),
		PayloadType: webrtc.PayloadType(params.Codecs[0].PayloadType),
	}
	if rtx := params.Encodings[0].Rtx; rtx != nil {
		coding.RTX = webrtc.RTPRtxParameters{SSRC: webrtc.SSRC(rtx.Ssrc)}
	}
	return webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{RTPCodingParameters: coding}},
	}, nil
}

// headerExtensionID returns the id negotiated for uri, or zero.
func headerExtensionID(params domain.RtpParameters, uri string) uint8 {
	for _, ext := range params.HeaderExtensions {
		if ext.URI == uri {
			return uint8(ext.ID)
		}
	}
	return 0
}

func iceParameters(p domain.IceParameters) webrtc.ICEParameters {
	return webrtc.ICEParameters{
		UsernameFragment: p.UsernameFragment,
		Password:         p.Password,
		ICELite:          p.IceLite,
	}
}

func iceCandidates(candidates []domain.IceCandidate) ([]webrtc.ICECandidate, error) {
	out := make([]webrtc.ICECandidate, 0, len(candidates))
	for _, c := range candidates {
		protocol, err := webrtc.NewICEProtocol(c.Protocol)
		if err != nil {
			return nil, fmt.Errorf("candidate %s: %w", c.Foundation, err)
		}
		typ, err := webrtc.NewICECandidateType(c.Type)
		if err != nil {
			return nil, fmt.Errorf("candidate %s: %w", c.Foundation, err)
		}
		out = append(out, webrtc.ICECandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			Address:    c.IP,
			Protocol:   protocol,
			Port:       c.Port,
			Typ:        typ,
			Component:  1,
			TCPType:    c.TCPType,
		})
	}
	return out, nil
}

func dtlsFingerprints(fps []domain.DtlsFingerprint) []webrtc.DTLSFingerprint {
	out := make([]webrtc.DTLSFingerprint, 0, len(fps))
	for _, fp := range fps {
		out = append(out, webrtc.DTLSFingerprint{Algorithm: fp.Algorithm, Value: fp.Value})
	}
	return out
}

func domainFingerprints(fps []webrtc.DTLSFingerprint) []domain.DtlsFingerprint {
	out := make([]domain.DtlsFingerprint, 0, len(fps))
	for _, fp := range fps {
		out = append(out, domain.DtlsFingerprint{Algorithm: fp.Algorithm, Value: fp.Value})
	}
	return out
}

// connectionState folds ICE transport states onto the engine's state stream.
func connectionState(state webrtc.ICETransportState) (domain.ConnectionState, bool) {
	switch state {
	case webrtc.ICETransportStateNew:
		return domain.ConnectionNew, true
	case webrtc.ICETransportStateChecking:
		return domain.ConnectionConnecting, true
	case webrtc.ICETransportStateConnected, webrtc.ICETransportStateCompleted:
		return domain.ConnectionConnected, true
	case webrtc.ICETransportStateDisconnected:
		return domain.ConnectionDisconnected, true
	case webrtc.ICETransportStateFailed:
		return domain.ConnectionFailed, true
	case webrtc.ICETransportStateClosed:
		return domain.ConnectionClosed, true
	default:
		return "", false
	}
}
