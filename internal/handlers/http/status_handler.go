package http

import (
	"context"
	"net/http"

	"sfuclient/internal/core/domain"
	"sfuclient/internal/core/ports"
	"sfuclient/internal/infrastructure/middleware"
	"sfuclient/internal/infrastructure/monitoring"
	apperrors "sfuclient/pkg/errors"
	"sfuclient/pkg/validation"

	"github.com/gin-gonic/gin"
)

// PeerService is the part of the media client the status API drives.
type PeerService interface {
	Peers(ctx context.Context) ([]domain.PeerInfo, error)
	Peer(ctx context.Context, peerID domain.PeerID) (domain.PeerInfo, error)
	Pause(ctx context.Context, peerID domain.PeerID, kind domain.Kind) error
	Resume(ctx context.Context, peerID domain.PeerID, kind domain.Kind) error
	CloseMedia(ctx context.Context, peerID domain.PeerID) error
}

var _ ports.StatusHandler = (*StatusHandler)(nil)

type StatusHandler struct {
	peers  PeerService
	health *monitoring.HealthChecker
}

func NewStatusHandler(peers PeerService, health *monitoring.HealthChecker) *StatusHandler {
	return &StatusHandler{peers: peers, health: health}
}

// SetupRoutes registers the status API. Mutating routes require authToken
// when it is set.
func (h *StatusHandler) SetupRoutes(router *gin.Engine, authToken string) {
	router.GET("/health", h.Health)

	api := router.Group("/api/v1")
	{
		api.GET("/peers", h.ListPeers)
		api.GET("/peers/:id", h.GetPeer)

		guarded := api.Group("", middleware.BearerTokenMiddleware(authToken))
		guarded.POST("/peers/:id/pause/:kind", h.PausePeer)
		guarded.POST("/peers/:id/resume/:kind", h.ResumePeer)
		guarded.DELETE("/peers/:id", h.ClosePeer)
	}
}

func (h *StatusHandler) Health(c *gin.Context) {
	status := h.health.CheckAll(c.Request.Context())
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

func (h *StatusHandler) ListPeers(c *gin.Context) {
	peers, err := h.peers.Peers(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"peers": peers,
		"count": len(peers),
	})
}

func (h *StatusHandler) GetPeer(c *gin.Context) {
	peerID, ok := peerParam(c)
	if !ok {
		return
	}
	peer, err := h.peers.Peer(c.Request.Context(), peerID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"peer": peer})
}

func (h *StatusHandler) PausePeer(c *gin.Context) {
	h.setPaused(c, true)
}

func (h *StatusHandler) ResumePeer(c *gin.Context) {
	h.setPaused(c, false)
}

func (h *StatusHandler) setPaused(c *gin.Context, paused bool) {
	peerID, ok := peerParam(c)
	if !ok {
		return
	}
	kind, err := domain.ParseKind(c.Param("kind"))
	if err != nil {
		_ = c.Error(apperrors.NewParamError("invalid media kind", err).WithContext("kind", c.Param("kind")))
		return
	}

	if paused {
		err = h.peers.Pause(c.Request.Context(), peerID, kind)
	} else {
		err = h.peers.Resume(c.Request.Context(), peerID, kind)
	}
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"peer_id": peerID,
		"kind":    kind,
		"paused":  paused,
	})
}

func (h *StatusHandler) ClosePeer(c *gin.Context) {
	peerID, ok := peerParam(c)
	if !ok {
		return
	}
	if err := h.peers.CloseMedia(c.Request.Context(), peerID); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func peerParam(c *gin.Context) (domain.PeerID, bool) {
	raw := c.Param("id")
	if err := validation.ValidatePeerID(raw); err != nil {
		_ = c.Error(apperrors.NewParamError(err.Error(), domain.ErrInvalidParam).WithContext("peer_id", raw))
		return "", false
	}
	return domain.PeerID(raw), true
}
