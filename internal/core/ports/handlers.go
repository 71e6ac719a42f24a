package ports

import (
	"github.com/gin-gonic/gin"
)

type StatusHandler interface {
	Health(c *gin.Context)
	ListPeers(c *gin.Context)
	GetPeer(c *gin.Context)
	PausePeer(c *gin.Context)
	ResumePeer(c *gin.Context)
	ClosePeer(c *gin.Context)
}
