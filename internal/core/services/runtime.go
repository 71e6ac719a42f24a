package services

import (
	"context"
	"sync"
	"time"

	"sfuclient/internal/core/domain"
	"sfuclient/internal/core/ports"
	"sfuclient/pkg/retry"
	"sfuclient/pkg/tracing"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Options tunes the coordinator. Zero values are replaced by DefaultOptions.
type Options struct {
	// UserID is sent with join.
	UserID string
	// CloneSendTrack decides TrackOwnership for calls that leave it at default.
	CloneSendTrack       bool
	ReconnectGrace       time.Duration
	CapabilityRetryDelay time.Duration
	RejoinDelay          time.Duration
	VideoHealthInterval  time.Duration
	DroppedFrameRatio    float64
	RequestTimeout       time.Duration
	Reconnect            retry.Config
}

func DefaultOptions() Options {
	reconnect := retry.DefaultConfig()
	reconnect.MaxAttempts = 5
	reconnect.InitialDelay = 500 * time.Millisecond
	reconnect.MaxDelay = 10 * time.Second

	return Options{
		CloneSendTrack:       true,
		ReconnectGrace:       3 * time.Second,
		CapabilityRetryDelay: time.Second,
		RejoinDelay:          2 * time.Second,
		VideoHealthInterval:  time.Second,
		DroppedFrameRatio:    0.8,
		RequestTimeout:       5 * time.Second,
		Reconnect:            reconnect,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.ReconnectGrace <= 0 {
		o.ReconnectGrace = def.ReconnectGrace
	}
	if o.CapabilityRetryDelay <= 0 {
		o.CapabilityRetryDelay = def.CapabilityRetryDelay
	}
	if o.RejoinDelay <= 0 {
		o.RejoinDelay = def.RejoinDelay
	}
	if o.VideoHealthInterval <= 0 {
		o.VideoHealthInterval = def.VideoHealthInterval
	}
	if o.DroppedFrameRatio <= 0 {
		o.DroppedFrameRatio = def.DroppedFrameRatio
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = def.RequestTimeout
	}
	if o.Reconnect.MaxAttempts == 0 && o.Reconnect.InitialDelay == 0 {
		o.Reconnect = def.Reconnect
	}
	return o
}

type Dependencies struct {
	Bus      ports.Bus
	Engine   ports.Engine
	Registry ports.PeerRegistry
	Metrics  ports.MediaMetrics
	// Meters is optional; audio levels are not reported without it.
	Meters ports.LevelMeterFactory
	Clock  clock.Clock
	Logger *zap.SugaredLogger
	Tracer trace.Tracer
}

// Callbacks are invoked on a dedicated goroutine, never on the event loop,
// so they may call back into the client.
type Callbacks struct {
	OnNewReceiver    func(peerID domain.PeerID)
	OnReceiverClosed func(peerID domain.PeerID)
	OnAudioLevel     func(peerID domain.PeerID, level float64)
}

// runtime is the event loop shared by the coordinator components. Every
// closure posted to events runs on the loop goroutine, which is the only
// goroutine that touches peers.
type runtime struct {
	opts     Options
	registry ports.PeerRegistry
	clock    clock.Clock
	logger   *zap.SugaredLogger
	metrics  ports.MediaMetrics
	tracer   trace.Tracer
	meters   ports.LevelMeterFactory
	cbs      Callbacks

	ctx    context.Context
	cancel context.CancelFunc
	events chan func()
	done   chan struct{}
	notify *notifier
}

func newRuntime(opts Options, deps Dependencies, cbs Callbacks) *runtime {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	if deps.Tracer == nil {
		deps.Tracer = tracing.Tracer("services")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &runtime{
		opts:     opts.withDefaults(),
		registry: deps.Registry,
		clock:    deps.Clock,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
		tracer:   deps.Tracer,
		meters:   deps.Meters,
		cbs:      cbs,
		ctx:      ctx,
		cancel:   cancel,
		events:   make(chan func(), 256),
		done:     make(chan struct{}),
		notify:   newNotifier(deps.Logger),
	}
}

// post queues fn on the loop. It reports false once the loop has shut down.
func (r *runtime) post(fn func()) bool {
	select {
	case <-r.done:
		return false
	default:
	}

	select {
	case r.events <- fn:
		return true
	case <-r.done:
		return false
	}
}

// call runs fn on the loop and waits for its result.
func (r *runtime) call(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	go r.post(func() { result <- fn() })

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		select {
		case err := <-result:
			return err
		default:
			return errClientClosed()
		}
	}
}

// async runs fn off the loop with the client's lifetime context.
func (r *runtime) async(fn func(ctx context.Context)) {
	go fn(r.ctx)
}

// after schedules fn on the loop. The returned timer must be stopped on release.
func (r *runtime) after(d time.Duration, fn func()) domain.Timer {
	return r.clock.AfterFunc(d, func() {
		r.post(fn)
	})
}

func (r *runtime) emit(fn func()) {
	r.notify.push(fn)
}

// startMeter (re)starts audio level metering for peer on track. Levels are
// dropped while the peer's audio is paused.
func (r *runtime) startMeter(peer *domain.Peer, track domain.Track) {
	stopMeter(peer)
	if r.meters == nil || track == nil {
		return
	}

	peerID := peer.ID
	meter, err := r.meters.NewMeter(track, func(level float64) {
		r.post(func() {
			p, ok := r.registry.Get(peerID)
			if !ok || p.Audio.Paused || r.cbs.OnAudioLevel == nil {
				return
			}
			onLevel := r.cbs.OnAudioLevel
			r.emit(func() { onLevel(peerID, level) })
		})
	})
	if err != nil {
		r.logger.Warnw("failed to start audio meter", "peer_id", peerID, "track_id", track.ID(), "error", err)
		return
	}
	peer.AudioMeter = meter
}

func stopMeter(peer *domain.Peer) {
	if peer.AudioMeter != nil {
		peer.AudioMeter.Stop()
		peer.AudioMeter = nil
	}
}

func stopTimer(t *domain.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// notifier delivers user callbacks in order on its own goroutine.
type notifier struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	logger *zap.SugaredLogger
}

func newNotifier(logger *zap.SugaredLogger) *notifier {
	return &notifier{
		wake:   make(chan struct{}, 1),
		logger: logger,
	}
}

func (n *notifier) push(fn func()) {
	n.mu.Lock()
	n.queue = append(n.queue, fn)
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// run delivers callbacks until done is closed, then drains what is left.
func (n *notifier) run(done <-chan struct{}) {
	for {
		select {
		case <-n.wake:
			n.drain()
		case <-done:
			n.drain()
			return
		}
	}
}

func (n *notifier) drain() {
	for {
		n.mu.Lock()
		if len(n.queue) == 0 {
			n.mu.Unlock()
			return
		}
		fn := n.queue[0]
		n.queue = n.queue[1:]
		n.mu.Unlock()

		n.invoke(fn)
	}
}

func (n *notifier) invoke(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			n.logger.Errorw("callback panicked", "panic", rec)
		}
	}()
	fn()
}

type nopMetrics struct{}

func (nopMetrics) PeerAdded(domain.Role)                                  {}
func (nopMetrics) PeerRemoved(domain.Role)                                {}
func (nopMetrics) NegotiationFinished(domain.Role, string, time.Duration) {}
func (nopMetrics) SoftRelease(string)                                     {}
func (nopMetrics) ProduceSuperseded(domain.Kind)                          {}
func (nopMetrics) TransportStateChanged(domain.ConnectionState)           {}
func (nopMetrics) PlaybackRecovered(domain.Kind)                          {}
func (nopMetrics) SignalingMessage(string, string)                        {}

// reconnectPolicy is the bus reconnect backoff with attempt logging.
func (r *runtime) reconnectPolicy() retry.Config {
	cfg := r.opts.Reconnect
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		r.logger.Warnw("signaling connect failed, retrying", "attempt", attempt, "delay", delay, "error", err)
	}
	return cfg
}
