package domain

import "errors"

var (
	ErrPeerNotFound        = errors.New("peer not found")
	ErrTrackNotFound       = errors.New("track not found")
	ErrInvalidParam        = errors.New("invalid parameter")
	ErrPeerBusy            = errors.New("peer is already negotiating")
	ErrSinkAlreadySet      = errors.New("sinks already attached")
	ErrProduceSuperseded   = errors.New("produce superseded")
	ErrChannelDisconnected = errors.New("signaling channel disconnected")
	ErrClientClosed        = errors.New("media client closed")
	ErrCapabilityRejected  = errors.New("router capability rejected")
	ErrTransportNotFound   = errors.New("transport not found")
	ErrKindNotSupported    = errors.New("media kind not supported by device")
	ErrNotProducer         = errors.New("peer is not a producer")
)
