package signal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"sfuclient/internal/core/domain"
	"sfuclient/pkg/circuitbreaker"
	rlog "sfuclient/pkg/logger"
	"sfuclient/pkg/retry"
	"sfuclient/pkg/tracing"
	"sfuclient/pkg/utils"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var ErrBusClosed = errors.New("signaling bus closed")

type WebSocketConfig struct {
	URL            string
	UserID         string
	Token          string
	DialTimeout    time.Duration
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	PongTimeout    time.Duration
	MaxMessageSize int64
	SendRate       float64
	SendBurst      int
	// Reconnect drives the redial after an unexpected drop.
	Reconnect retry.Config
	// Breaker fails dials fast after repeated handshake failures.
	Breaker circuitbreaker.Config
}

// WebSocketBus is a ports.Bus over a single gorilla websocket connection.
type WebSocketBus struct {
	cfg     WebSocketConfig
	codec   Codec
	dialer  *websocket.Dialer
	limiter *rate.Limiter
	breaker *circuitbreaker.CircuitBreaker
	log     *rlog.ContextLogger
	logCtx  context.Context

	ctx    context.Context
	cancel context.CancelFunc
	queue  *eventQueue

	mu      sync.Mutex
	conn    *websocket.Conn
	stopped chan struct{}
	session uint64
	closed  bool

	writeMu sync.Mutex
}

func NewWebSocketBus(cfg WebSocketConfig, codec Codec, logger *zap.Logger) (*WebSocketBus, error) {
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("invalid signaling url: %w", err)
	}
	if cfg.SendRate <= 0 {
		cfg.SendRate = 50
	}
	if cfg.SendBurst <= 0 {
		cfg.SendBurst = 100
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.PongTimeout <= cfg.PingInterval {
		cfg.PongTimeout = 2*cfg.PingInterval + cfg.PingInterval/4
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	cfg.Reconnect.NonRetryableErrors = append(cfg.Reconnect.NonRetryableErrors, ErrBusClosed)

	ctx, cancel := context.WithCancel(context.Background())
	b := &WebSocketBus{
		cfg:   cfg,
		codec: codec,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.DialTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.SendRate), cfg.SendBurst),
		breaker: circuitbreaker.New(cfg.Breaker, nil),
		log:     rlog.NewContextLogger(logger.With(zap.String("bus", "websocket"))),
		logCtx:  rlog.WithPeerID(context.Background(), cfg.UserID),
		ctx:     ctx,
		cancel:  cancel,
		queue:   newEventQueue(256),
	}
	b.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		b.log.Sugar(b.logCtx).Warnw("signaling dial breaker changed state", "from", from.String(), "to", to.String())
	})
	return b, nil
}

func (b *WebSocketBus) Events() <-chan domain.BusEvent {
	return b.queue.events
}

func (b *WebSocketBus) endpoint() (string, http.Header) {
	u, _ := url.Parse(b.cfg.URL)
	q := u.Query()
	q.Set("peer_id", b.cfg.UserID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if b.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+b.cfg.Token)
	}
	return u.String(), header
}

// Connect dials the server. It is a no-op while a session is open.
func (b *WebSocketBus) Connect(ctx context.Context) error {
	b.mu.Lock()
	switch {
	case b.closed:
		b.mu.Unlock()
		return ErrBusClosed
	case b.conn != nil:
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	if b.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.DialTimeout)
		defer cancel()
	}

	endpoint, header := b.endpoint()
	var conn *websocket.Conn
	err := b.breaker.Execute(ctx, func() error {
		var resp *http.Response
		var err error
		conn, resp, err = b.dialer.DialContext(ctx, endpoint, header)
		if err != nil && resp != nil {
			return fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("dial signaling server: %w", err)
	}

	if b.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(b.cfg.MaxMessageSize)
	}
	conn.SetReadDeadline(time.Now().Add(b.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(b.cfg.PongTimeout))
	})

	b.mu.Lock()
	if b.closed || b.conn != nil {
		b.mu.Unlock()
		conn.Close()
		if b.closed {
			return ErrBusClosed
		}
		return nil
	}
	b.session++
	session := b.session
	stopped := make(chan struct{})
	b.conn = conn
	b.stopped = stopped
	b.queue.wg.Add(3)
	b.mu.Unlock()

	b.log.Sugar(b.logCtx).Infow("signaling connected", "url", b.cfg.URL, "codec", b.codec.Name())
	b.queue.emit(domain.BusEvent{Status: domain.BusConnected})
	b.queue.wg.Done()

	go b.readLoop(conn, session)
	go b.pingLoop(conn, stopped)
	return nil
}

// Disconnect drops the current session without reporting it.
func (b *WebSocketBus) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closeSessionLocked()
}

func (b *WebSocketBus) closeSessionLocked() error {
	if b.conn == nil {
		return nil
	}
	conn := b.conn
	b.conn = nil
	b.session++
	close(b.stopped)

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(b.cfg.WriteTimeout))
	return conn.Close()
}

func (b *WebSocketBus) Send(ctx context.Context, env domain.Envelope) error {
	ctx, span := tracing.TraceSignalingMessage(ctx, "out", env.Type)
	defer span.End()

	if err := b.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("send rate limit: %w", err)
	}

	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return domain.ErrChannelDisconnected
	}

	data, err := b.codec.Marshal(env)
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("encode %s: %w", env.Type, err)
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(b.cfg.WriteTimeout))
	if err := conn.WriteMessage(b.codec.FrameType(), data); err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("write %s: %w", env.Type, err)
	}
	return nil
}

func (b *WebSocketBus) readLoop(conn *websocket.Conn, session uint64) {
	defer b.queue.wg.Done()
	log := b.log.Sugar(b.logCtx)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			status := domain.BusDisconnected
			if websocket.IsCloseError(err, CloseKicked, CloseBye) {
				status = domain.BusKicked
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Infow("signaling read failed", "error", err)
			}
			b.drop(session, status)
			return
		}
		conn.SetReadDeadline(time.Now().Add(b.cfg.PongTimeout))

		var env domain.Envelope
		if err := b.codec.Unmarshal(data, &env); err != nil {
			log.Warnw("dropping undecodable frame", "error", err, "size", len(data), "preview", utils.TruncateString(string(data), 64))
			continue
		}
		if isControl(env) {
			log.Warnw("session ended by server", "type", env.Type)
			b.drop(session, domain.BusKicked)
			return
		}

		_, span := tracing.TraceSignalingMessage(b.ctx, "in", env.Type)
		b.queue.emit(domain.BusEvent{Message: &env})
		span.End()
	}
}

func (b *WebSocketBus) pingLoop(conn *websocket.Conn, stopped <-chan struct{}) {
	defer b.queue.wg.Done()

	ticker := time.NewTicker(b.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopped:
			return
		case <-ticker.C:
			deadline := time.Now().Add(b.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				b.log.Sugar(b.logCtx).Debugw("ping failed", "error", err)
				return
			}
		}
	}
}

// drop ends session if it is still current, reports status and, for a
// plain disconnect, starts redialing.
func (b *WebSocketBus) drop(session uint64, status domain.BusStatus) {
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

	b.log.Sugar(b.logCtx).Warnw("signaling session lost", "status", status.String())
	b.queue.emit(domain.BusEvent{Status: status})
	if redial {
		go b.redial()
	}
}

func (b *WebSocketBus) redial() {
	defer b.queue.wg.Done()

	err := retry.Retry(b.ctx, b.cfg.Reconnect, func() error {
		return b.Connect(b.ctx)
	})
	if err != nil && b.ctx.Err() == nil {
		b.log.Sugar(b.logCtx).Errorw("signaling redial gave up", "error", err)
	}
}

// Close ends the session and closes Events once every reader has exited.
func (b *WebSocketBus) Close() error {
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
