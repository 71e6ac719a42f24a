package ports

import (
	"sfuclient/internal/core/domain"
)

// PeerRegistry owns the Peer entities of one media client. It is confined to
// the client's event loop and is not safe for concurrent use.
type PeerRegistry interface {
	// Create returns the existing peer when id is already registered.
	Create(id domain.PeerID, role domain.Role) (*domain.Peer, bool)
	Get(id domain.PeerID) (*domain.Peer, bool)
	Delete(id domain.PeerID) bool
	All() []*domain.Peer
	Len() int
}
