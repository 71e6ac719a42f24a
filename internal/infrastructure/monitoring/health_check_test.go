package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func TestHealthChecker_CheckAll(t *testing.T) {
	h := NewHealthChecker(zaptest.NewLogger(t).Sugar())
	joined := false
	h.AddSessionCheck(func(context.Context) (bool, error) { return joined, nil }, time.Second, time.Second)

	status := h.CheckAll(context.Background())
	assert.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, errNotJoined.Error(), status.Checks["signaling"])
	assert.False(t, h.IsReady(context.Background()))

	joined = true
	status = h.CheckAll(context.Background())
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "healthy", status.Checks["signaling"])

	h.AddCheck("engine", func(context.Context) (bool, error) { return false, errors.New("no device") }, time.Second, time.Second)
	status = h.CheckAll(context.Background())
	assert.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, "no device", status.Checks["engine"])
}

func TestHealthChecker_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	h := NewHealthChecker(nil)
	h.AddRedisCheck(client, time.Second, time.Second)
	assert.True(t, h.IsReady(context.Background()))

	mr.Close()
	assert.False(t, h.IsReady(context.Background()))
}
