package monitoring

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var errNotJoined = errors.New("signaling session not joined")

type HealthChecker struct {
	checks []HealthCheck
	mu     sync.RWMutex
	logger *zap.SugaredLogger

	lastMu sync.Mutex
	last   map[string]bool
}

type HealthCheck struct {
	Name     string
	Check    func(ctx context.Context) (bool, error)
	Interval time.Duration
	Timeout  time.Duration
}

type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

func NewHealthChecker(logger *zap.SugaredLogger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &HealthChecker{
		checks: make([]HealthCheck, 0),
		logger: logger,
		last:   make(map[string]bool),
	}
}

func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) (bool, error), interval, timeout time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.checks = append(h.checks, HealthCheck{
		Name:     name,
		Check:    check,
		Interval: interval,
		Timeout:  timeout,
	})
}

// AddSessionCheck reports unhealthy while the signaling session is not joined.
func (h *HealthChecker) AddSessionCheck(joined func(ctx context.Context) (bool, error), interval, timeout time.Duration) {
	h.AddCheck("signaling", func(ctx context.Context) (bool, error) {
		ok, err := joined(ctx)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, errNotJoined
		}
		return true, nil
	}, interval, timeout)
}

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

func (h *HealthChecker) run(ctx context.Context, check HealthCheck) (bool, error) {
	checkCtx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()
	return check.Check(checkCtx)
}

func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	h.mu.RUnlock()

	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Checks:    make(map[string]string),
	}

	for _, check := range checks {
		healthy, err := h.run(ctx, check)
		if err != nil || !healthy {
			status.Status = "unhealthy"
			if err != nil {
				status.Checks[check.Name] = err.Error()
			} else {
				status.Checks[check.Name] = "check failed"
			}
		} else {
			status.Checks[check.Name] = "healthy"
		}
	}

	return status
}

// IsReady checks if the client is ready to accept traffic
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Status == "healthy"
}

// StartBackgroundChecks runs every check on its interval and logs transitions.
func (h *HealthChecker) StartBackgroundChecks(ctx context.Context) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, check := range h.checks {
		go h.runCheckPeriodically(ctx, check)
	}
}

func (h *HealthChecker) runCheckPeriodically(ctx context.Context, check HealthCheck) {
	ticker := time.NewTicker(check.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			healthy, err := h.run(ctx, check)
			h.record(check.Name, healthy && err == nil, err)
		}
	}
}

func (h *HealthChecker) record(name string, healthy bool, err error) {
	h.lastMu.Lock()
	prev, seen := h.last[name]
	h.last[name] = healthy
	h.lastMu.Unlock()

	if seen && prev == healthy {
		return
	}
	if healthy {
		h.logger.Infow("health check passing", "check", name)
	} else {
		h.logger.Warnw("health check failing", "check", name, "error", err)
	}
}
