package services

import (
	"sfuclient/internal/core/domain"
	apperrors "sfuclient/pkg/errors"
)

func errClientClosed() error {
	return apperrors.NewServiceUnavailableError("media client closed", domain.ErrClientClosed)
}

func errParam(message string) error {
	return apperrors.NewParamError(message, domain.ErrInvalidParam)
}

func errPeerNotFound(peerID domain.PeerID) error {
	return apperrors.NewNotFoundError("peer", domain.ErrPeerNotFound).WithContext("peer_id", peerID)
}

func errTrackNotFound(peerID domain.PeerID, appTrackID string) error {
	return apperrors.NewNotFoundError("track", domain.ErrTrackNotFound).
		WithContext("peer_id", peerID).
		WithContext("app_track_id", appTrackID)
}
