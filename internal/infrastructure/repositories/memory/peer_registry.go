package memory

import (
	"sort"

	"sfuclient/internal/core/domain"
	"sfuclient/internal/core/ports"

	"github.com/benbjohnson/clock"
)

type PeerRegistry struct {
	peers map[domain.PeerID]*domain.Peer
	clock clock.Clock
}

func NewPeerRegistry(clk clock.Clock) ports.PeerRegistry {
	if clk == nil {
		clk = clock.New()
	}
	return &PeerRegistry{
		peers: make(map[domain.PeerID]*domain.Peer),
		clock: clk,
	}
}

func (r *PeerRegistry) Create(id domain.PeerID, role domain.Role) (*domain.Peer, bool) {
	if peer, exists := r.peers[id]; exists {
		return peer, false
	}

	peer := domain.NewPeer(id, role, r.clock.Now())
	r.peers[id] = peer
	return peer, true
}

func (r *PeerRegistry) Get(id domain.PeerID) (*domain.Peer, bool) {
	peer, exists := r.peers[id]
	return peer, exists
}

func (r *PeerRegistry) Delete(id domain.PeerID) bool {
	if _, exists := r.peers[id]; !exists {
		return false
	}

	delete(r.peers, id)
	return true
}

// All returns peers ordered by creation time, then id.
func (r *PeerRegistry) All() []*domain.Peer {
	peers := make([]*domain.Peer, 0, len(r.peers))
	for _, peer := range r.peers {
		peers = append(peers, peer)
	}

	sort.Slice(peers, func(i, j int) bool {
		if !peers[i].CreatedAt.Equal(peers[j].CreatedAt) {
			return peers[i].CreatedAt.Before(peers[j].CreatedAt)
		}
		return peers[i].ID < peers[j].ID
	})
	return peers
}

func (r *PeerRegistry) Len() int {
	return len(r.peers)
}
