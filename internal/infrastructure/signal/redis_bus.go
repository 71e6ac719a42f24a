package signal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"sfuclient/internal/core/domain"
	"sfuclient/pkg/circuitbreaker"
	rlog "sfuclient/pkg/logger"
	"sfuclient/pkg/retry"
	"sfuclient/pkg/tracing"
	"sfuclient/pkg/utils"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type RedisConfig struct {
	UserID string
	// ServerChannel is suffixed with ":<user id>" for every request.
	ServerChannel string
	// ClientPrefix + user id is the channel replies and pushes arrive on.
	ClientPrefix string
	PingInterval time.Duration
	SendRate     float64
	SendBurst    int
	Reconnect    retry.Config
	Breaker      circuitbreaker.Config
}

func (c RedisConfig) requestChannel() string {
	return c.ServerChannel + ":" + c.UserID
}

func (c RedisConfig) replyChannel() string {
	return c.ClientPrefix + c.UserID
}

// RedisBus is a ports.Bus over redis pub/sub, for deployments where the
// SFU's signaling front end sits behind a redis broker.
type RedisBus struct {
	cfg     RedisConfig
	client  *redis.Client
	codec   Codec
	limiter *rate.Limiter
	breaker *circuitbreaker.CircuitBreaker
	log     *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	queue  *eventQueue

	mu      sync.Mutex
	pubsub  *redis.PubSub
	stopped chan struct{}
	session uint64
	closed  bool
}

func NewRedisBus(cfg RedisConfig, client *redis.Client, codec Codec, logger *zap.Logger) *RedisBus {
	if cfg.SendRate <= 0 {
		cfg.SendRate = 50
	}
	if cfg.SendBurst <= 0 {
		cfg.SendBurst = 100
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	cfg.Reconnect.NonRetryableErrors = append(cfg.Reconnect.NonRetryableErrors, ErrBusClosed)

	ctx, cancel := context.WithCancel(context.Background())
	logCtx := rlog.WithPeerID(ctx, cfg.UserID)
	b := &RedisBus{
		cfg:     cfg,
		client:  client,
		codec:   codec,
		limiter: rate.NewLimiter(rate.Limit(cfg.SendRate), cfg.SendBurst),
		breaker: circuitbreaker.New(cfg.Breaker, nil),
		log:     rlog.NewContextLogger(logger.With(zap.String("bus", "redis"))).Sugar(logCtx),
		ctx:     ctx,
		cancel:  cancel,
		queue:   newEventQueue(256),
	}
	b.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		b.log.Warnw("signaling dial breaker changed state", "from", from.String(), "to", to.String())
	})
	return b
}

func (b *RedisBus) Events() <-chan domain.BusEvent {
	return b.queue.events
}

func (b *RedisBus) Connect(ctx context.Context) error {
	b.mu.Lock()
	switch {
	case b.closed:
		b.mu.Unlock()
		return ErrBusClosed
	case b.pubsub != nil:
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	var pubsub *redis.PubSub
	err := b.breaker.Execute(ctx, func() error {
		if err := b.client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		pubsub = b.client.Subscribe(ctx, b.cfg.replyChannel())
		if _, err := pubsub.Receive(ctx); err != nil {
			pubsub.Close()
			return fmt.Errorf("subscribe %s: %w", b.cfg.replyChannel(), err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	b.mu.Lock()
	if b.closed || b.pubsub != nil {
		b.mu.Unlock()
		pubsub.Close()
		if b.closed {
			return ErrBusClosed
		}
		return nil
	}
	b.session++
	session := b.session
	stopped := make(chan struct{})
	b.pubsub = pubsub
	b.stopped = stopped
	b.queue.wg.Add(3)
	b.mu.Unlock()

	b.log.Infow("signaling connected", "channel", b.cfg.replyChannel(), "codec", b.codec.Name())
	b.queue.emit(domain.BusEvent{Status: domain.BusConnected})
	b.queue.wg.Done()

	go b.readLoop(pubsub, session, stopped)
	go b.healthLoop(pubsub, session, stopped)
	return nil
}

func (b *RedisBus) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closeSessionLocked()
}

func (b *RedisBus) closeSessionLocked() error {
	if b.pubsub == nil {
		return nil
	}
	pubsub := b.pubsub
	b.pubsub = nil
	b.session++
	close(b.stopped)
	return pubsub.Close()
}

func (b *RedisBus) Send(ctx context.Context, env domain.Envelope) error {
	ctx, span := tracing.TraceSignalingMessage(ctx, "out", env.Type)
	defer span.End()

	if err := b.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("send rate limit: %w", err)
	}

	b.mu.Lock()
	connected := b.pubsub != nil
	b.mu.Unlock()
	if !connected {
		return domain.ErrChannelDisconnected
	}

	data, err := b.codec.Marshal(env)
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("encode %s: %w", env.Type, err)
	}
	if err := b.client.Publish(ctx, b.cfg.requestChannel(), data).Err(); err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("publish %s: %w", env.Type, err)
	}
	return nil
}

func (b *RedisBus) readLoop(pubsub *redis.PubSub, session uint64, stopped <-chan struct{}) {
	defer b.queue.wg.Done()

	messages := pubsub.Channel()
	for {
		select {
		case <-stopped:
			return
		case msg, ok := <-messages:
			if !ok {
				b.drop(session, domain.BusDisconnected)
				return
			}

			var env domain.Envelope
			if err := b.codec.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.log.Warnw("dropping undecodable frame", "error", err, "size", len(msg.Payload), "preview", utils.TruncateString(msg.Payload, 64))
				continue
			}
			if isControl(env) {
				b.log.Warnw("session ended by server", "type", env.Type)
				b.drop(session, domain.BusKicked)
				return
			}

			_, span := tracing.TraceSignalingMessage(b.ctx, "in", env.Type)
			b.queue.emit(domain.BusEvent{Message: &env})
			span.End()
		}
	}
}

// healthLoop pings over the subscription connection; go-redis reconnects
// the subscription silently, so a failed ping is the only loss signal.
func (b *RedisBus) healthLoop(pubsub *redis.PubSub, session uint64, stopped <-chan struct{}) {
	defer b.queue.wg.Done()

	ticker := time.NewTicker(b.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopped:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(b.ctx, b.cfg.PingInterval)
			err := pubsub.Ping(ctx)
			cancel()
			if err != nil {
				b.log.Infow("redis subscription ping failed", "error", err)
				b.drop(session, domain.BusDisconnected)
				return
			}
		}
	}
}

func (b *RedisBus) drop(session uint64, status domain.BusStatus) {
	b.mu.Lock()
	if b.session != session || b.closed {
		b.mu.Unlock()
		return
	}
	_ = b.closeSessionLocked()
	redial := status == domain.BusDisconnected
	if redial {
		b.queue.wg.Add(1)
	}
	b.mu.Unlock()

	b.log.Warnw("signaling session lost", "status", status.String())
	b.queue.emit(domain.BusEvent{Status: status})
	if redial {
		go b.redial()
	}
}

func (b *RedisBus) redial() {
	defer b.queue.wg.Done()

	err := retry.Retry(b.ctx, b.cfg.Reconnect, func() error {
		return b.Connect(b.ctx)
	})
	if err != nil && b.ctx.Err() == nil {
		b.log.Errorw("signaling redial gave up", "error", err)
	}
}

// Close ends the session and closes Events. The redis client is owned by
// the caller and stays open.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	err := b.closeSessionLocked()
	b.mu.Unlock()

	b.cancel()
	b.queue.stop()
	b.queue.drain()
	return err
}
