package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"sfuclient/internal/core/domain"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

var errDeviceNotLoaded = errors.New("device not loaded")

// EngineConfig WebRTC configuration
type EngineConfig struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	// GatherTimeout bounds local candidate gathering before DTLS connect.
	GatherTimeout time.Duration
}

// Engine drives pion's ORTC API against a mediasoup-style router: each
// transport is an ICE gatherer/transport plus a DTLS transport, and each
// producer or consumer a bare RTP sender or receiver.
type Engine struct {
	config  EngineConfig
	factory logging.LoggerFactory
	logger  *zap.SugaredLogger
}

func NewEngine(config EngineConfig, logger *zap.Logger) *Engine {
	if config.GatherTimeout <= 0 {
		config.GatherTimeout = 5 * time.Second
	}
	return &Engine{
		config:  config,
		factory: NewZapLoggerFactory(logger),
		logger:  logger.Sugar().Named("webrtc"),
	}
}

func (e *Engine) NewDevice() (domain.Device, error) {
	return &Device{engine: e}, nil
}

func (e *Engine) settingEngine() webrtc.SettingEngine {
	settingEngine := webrtc.SettingEngine{LoggerFactory: e.factory}
	if e.config.PortRange.Min > 0 && e.config.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(e.config.PortRange.Min, e.config.PortRange.Max); err != nil {
			e.logger.Warnw("ignoring port range", "min", e.config.PortRange.Min, "max", e.config.PortRange.Max, "error", err)
		}
	}
	return settingEngine
}

// Device holds the router capabilities of one negotiation.
type Device struct {
	engine *Engine

	mu   sync.RWMutex
	caps domain.RtpCapabilities
	api  *webrtc.API
}

func (d *Device) Load(ctx context.Context, routerCapabilities domain.RtpCapabilities) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(routerCapabilities.Codecs) == 0 {
		return fmt.Errorf("%w: router offers no codecs", domain.ErrInvalidParam)
	}

	mediaEngine, err := newMediaEngine(routerCapabilities)
	if err != nil {
		return fmt.Errorf("load device: %w", err)
	}
	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithSettingEngine(d.engine.settingEngine()),
	)

	d.mu.Lock()
	d.caps = routerCapabilities
	d.api = api
	d.mu.Unlock()

	d.engine.logger.Debugw("device loaded", "codecs", len(routerCapabilities.Codecs))
	return nil
}

func (d *Device) Loaded() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.api != nil
}

func (d *Device) RtpCapabilities() domain.RtpCapabilities {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.caps
}

// CanProduce reports whether the router offers a media codec of kind.
func (d *Device) CanProduce(kind domain.Kind) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.api == nil {
		return false
	}
	for _, codec := range d.caps.CodecsOf(kind) {
		if !isRtx(codec.MimeType) {
			return true
		}
	}
	return false
}

func (d *Device) CreateSendTransport(opts domain.TransportOptions) (domain.Transport, error) {
	if opts.OnProduce == nil {
		return nil, fmt.Errorf("%w: send transport needs a produce handler", domain.ErrInvalidParam)
	}
	return d.newTransport(opts, true)
}

func (d *Device) CreateRecvTransport(opts domain.TransportOptions) (domain.Transport, error) {
	return d.newTransport(opts, false)
}

func (d *Device) newTransport(opts domain.TransportOptions, send bool) (*Transport, error) {
	d.mu.RLock()
	api, caps := d.api, d.caps
	d.mu.RUnlock()

	if api == nil {
		return nil, errDeviceNotLoaded
	}
	if opts.ID == "" || opts.OnConnect == nil {
		return nil, fmt.Errorf("%w: transport id and connect handler are required", domain.ErrInvalidParam)
	}
	candidates, err := iceCandidates(opts.ICECandidates)
	if err != nil {
		return nil, fmt.Errorf("remote candidates: %w", err)
	}
	return newTransport(api, caps, opts, candidates, send, d.engine)
}
