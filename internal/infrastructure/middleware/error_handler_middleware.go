package middleware

import (
	"net/http"
	"time"

	"sfuclient/pkg/errors"
	rlog "sfuclient/pkg/logger"
	"sfuclient/pkg/utils"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const requestIDHeader = "X-Request-ID"

// ErrorHandlerMiddleware renders the last handler error. AppErrors keep
// their code and status; anything else is a 500.
func ErrorHandlerMiddleware(logger *rlog.ContextLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err
		log := logger.Sugar(c.Request.Context())

		if appErr := errors.GetAppError(err); appErr != nil {
			log.Warnw("application error",
				"code", appErr.Code,
				"message", appErr.Message,
				"status", appErr.HTTPStatus,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
				"context", appErr.Context,
			)

			c.JSON(appErr.HTTPStatus, gin.H{
				"error":   string(appErr.Code),
				"message": appErr.Message,
				"details": appErr.Context,
			})
			return
		}

		log.Errorw("unhandled error",
			"error", err.Error(),
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   string(errors.ErrCodeInternal),
			"message": "Internal server error",
		})
	}
}

// RecoveryMiddleware recovers from panics and returns proper error responses
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Errorw("panic recovered",
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)

				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":   string(errors.ErrCodeInternal),
					"message": "Internal server error",
				})
			}
		}()

		c.Next()
	}
}

// RequestLogMiddleware tags the request context with a request id (taken
// from X-Request-ID when present) and logs every request once it finishes.
func RequestLogMiddleware(logger *rlog.ContextLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = utils.NewRequestID()
		}
		ctx := rlog.WithRequestID(c.Request.Context(), id)
		if peerID := c.Param("id"); peerID != "" {
			ctx = rlog.WithPeerID(ctx, peerID)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Header(requestIDHeader, id)

		start := time.Now()
		c.Next()
		logger.LogRequest(ctx, c.Request.Method, c.FullPath(), c.Writer.Status(), time.Since(start).Milliseconds())
	}
}
