package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"sfuclient/internal/core/domain"
	"sfuclient/internal/core/ports"
	"sfuclient/internal/core/services"
	httphandlers "sfuclient/internal/handlers/http"
	"sfuclient/internal/infrastructure/middleware"
	"sfuclient/internal/infrastructure/monitoring"
	"sfuclient/internal/infrastructure/repositories/memory"
	sigbus "sfuclient/internal/infrastructure/signal"
	"sfuclient/internal/infrastructure/webrtc"
	"sfuclient/pkg/circuitbreaker"
	"sfuclient/pkg/config"
	rlog "sfuclient/pkg/logger"
	"sfuclient/pkg/retry"
	"sfuclient/pkg/tracing"
	"sfuclient/pkg/utils"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/pion/rtp"
	pion "github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const frameInterval = 20 * time.Millisecond

type CliRun struct {
	Publish string `name:"publish" help:"publish a silent opus track to this peer id"`
	Debug   bool   `name:"debug" help:"force debug logging"`
}

func (c *CliRun) Run(ctx context.Context, cli *Cli) error {
	cfg, err := cli.load()
	if err != nil {
		return err
	}
	if c.Debug {
		cfg.Logging.Level = "debug"
	}

	zapLogger, err := rlog.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "sfuclient",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Warnw("failed to initialize tracing, continuing without it", "error", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				log.Warnw("failed to shutdown tracer", "error", err)
			}
		}()
	}

	clk := clock.New()
	if err := resolveUser(cfg, clk.Now(), log); err != nil {
		return err
	}

	health := monitoring.NewHealthChecker(log)

	codec, err := sigbus.NewCodec(cfg.Signal.Codec)
	if err != nil {
		return err
	}
	bus, redisClient, err := newBus(ctx, cfg, codec, zapLogger)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
		health.AddRedisCheck(redisClient, 10*time.Second, 2*time.Second)
	}

	engineCfg := webrtc.EngineConfig{GatherTimeout: cfg.WebRTC.GatherTimeout}
	engineCfg.PortRange.Min = cfg.WebRTC.PortRange.Min
	engineCfg.PortRange.Max = cfg.WebRTC.PortRange.Max
	for _, server := range cfg.WebRTC.ICEServers {
		engineCfg.ICEServers = append(engineCfg.ICEServers, pion.ICEServer{
			URLs:       server.URLs,
			Username:   server.Username,
			Credential: server.Credential,
		})
	}

	var client *services.MediaClient
	client, err = services.NewMediaClient(
		mediaOptions(cfg),
		services.Dependencies{
			Bus:      bus,
			Engine:   webrtc.NewEngine(engineCfg, zapLogger),
			Registry: memory.NewPeerRegistry(clk),
			Metrics:  monitoring.NewPrometheusCollector(nil),
			Meters:   webrtc.NewLevelMeterFactory(clk, cfg.Media.AudioLevelInterval),
			Clock:    clk,
			Logger:   log,
			Tracer:   tracing.Tracer("media-client"),
		},
		services.Callbacks{
			OnNewReceiver: func(peerID domain.PeerID) {
				audio := webrtc.NewRTPSink(domain.KindAudio, nil)
				video := webrtc.NewRTPSink(domain.KindVideo, nil)
				if err := client.ReceiveMedia(ctx, peerID, audio, video); err != nil {
					log.Warnw("failed to receive media", "peer_id", peerID, "error", err)
					return
				}
				log.Infow("receiving media", "peer_id", peerID)
			},
			OnReceiverClosed: func(peerID domain.PeerID) {
				log.Infow("receiver closed", "peer_id", peerID)
			},
			OnAudioLevel: func(peerID domain.PeerID, level float64) {
				log.Debugw("audio level", "peer_id", peerID, "level", level)
			},
		},
	)
	if err != nil {
		bus.Close()
		return fmt.Errorf("failed to create media client: %w", err)
	}

	clientErr := make(chan error, 1)
	go func() {
		clientErr <- client.Run(ctx)
	}()

	if c.Publish != "" {
		if err := publishSilence(ctx, client, domain.PeerID(c.Publish), log); err != nil {
			log.Errorw("failed to publish", "peer_id", c.Publish, "error", err)
		}
	}

	health.AddSessionCheck(client.SessionJoined, 10*time.Second, 2*time.Second)
	health.StartBackgroundChecks(ctx)

	var srv *http.Server
	serverErr := make(chan error, 1)
	if cfg.Server.Enabled {
		srv = &http.Server{
			Addr:         cfg.Server.Address,
			Handler:      newRouter(cfg, client, health, zapLogger),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		}
		go func() {
			log.Infow("status api listening", "address", cfg.Server.Address)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Infow("shutting down")
	case err := <-serverErr:
		runErr = fmt.Errorf("status api failed: %w", err)
	case err := <-clientErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			runErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorw("status api forced to shutdown", "error", err)
		}
	}
	if err := client.Close(shutdownCtx); err != nil {
		log.Errorw("failed to close media client", "error", err)
	}

	log.Infow("sfuclient stopped")
	return runErr
}

// resolveUser takes the user id from the join token subject when none is
// configured.
func resolveUser(cfg *config.Config, now time.Time, log *zap.SugaredLogger) error {
	if cfg.Signal.Token == "" {
		return nil
	}
	token, err := sigbus.ParseJoinToken(cfg.Signal.Token, now)
	if err != nil {
		return err
	}
	if cfg.Signal.UserID == "" {
		cfg.Signal.UserID = token.UserID
	}
	if ttl := token.TTL(now); ttl > 0 {
		log.Infow("join token loaded", "user_id", token.UserID, "expires_in", utils.FormatDuration(ttl))
	}
	return nil
}

func reconnectConfig(cfg *config.Config) retry.Config {
	reconnect := retry.DefaultConfig()
	reconnect.MaxAttempts = cfg.Signal.Reconnect.MaxAttempts
	reconnect.InitialDelay = cfg.Signal.Reconnect.InitialDelay
	reconnect.MaxDelay = cfg.Signal.Reconnect.MaxDelay
	return reconnect
}

func breakerConfig(cfg *config.Config) circuitbreaker.Config {
	breaker := circuitbreaker.DefaultConfig()
	breaker.FailureThreshold = cfg.Signal.Breaker.FailureThreshold
	breaker.OpenTimeout = cfg.Signal.Breaker.OpenTimeout
	return breaker
}

func mediaOptions(cfg *config.Config) services.Options {
	opts := services.DefaultOptions()
	opts.UserID = cfg.Signal.UserID
	opts.CloneSendTrack = cfg.Media.CloneSendTrack
	opts.ReconnectGrace = cfg.Media.ReconnectGrace
	opts.CapabilityRetryDelay = cfg.Media.CapabilityRetryDelay
	opts.RejoinDelay = cfg.Signal.RejoinDelay
	opts.VideoHealthInterval = cfg.Media.VideoHealthInterval
	opts.DroppedFrameRatio = cfg.Media.DroppedFrameRatio
	opts.RequestTimeout = cfg.Signal.RequestTimeout
	opts.Reconnect = reconnectConfig(cfg)
	return opts
}

func newBus(ctx context.Context, cfg *config.Config, codec sigbus.Codec, logger *zap.Logger) (ports.Bus, *redis.Client, error) {
	if cfg.Signal.Backend == "redis" {
		client, err := sigbus.NewRedisClient(ctx, cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize, logger.Sugar())
		if err != nil {
			return nil, nil, err
		}
		bus := sigbus.NewRedisBus(sigbus.RedisConfig{
			UserID:        cfg.Signal.UserID,
			ServerChannel: cfg.Redis.ServerChannel,
			ClientPrefix:  cfg.Redis.ClientPrefix,
			PingInterval:  cfg.Signal.PingInterval,
			SendRate:      cfg.Signal.SendRate,
			SendBurst:     cfg.Signal.SendBurst,
			Reconnect:     reconnectConfig(cfg),
			Breaker:       breakerConfig(cfg),
		}, client, codec, logger)
		return bus, client, nil
	}

	bus, err := sigbus.NewWebSocketBus(sigbus.WebSocketConfig{
		URL:            cfg.Signal.URL,
		UserID:         cfg.Signal.UserID,
		Token:          cfg.Signal.Token,
		DialTimeout:    cfg.Signal.DialTimeout,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		MaxMessageSize: cfg.Signal.MaxMessageSize,
		SendRate:       cfg.Signal.SendRate,
		SendBurst:      cfg.Signal.SendBurst,
		Reconnect:      reconnectConfig(cfg),
		Breaker:        breakerConfig(cfg),
	}, codec, logger)
	if err != nil {
		return nil, nil, err
	}
	return bus, nil, nil
}

func newRouter(cfg *config.Config, client *services.MediaClient, health *monitoring.HealthChecker, logger *zap.Logger) *gin.Engine {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	ctxLogger := rlog.NewContextLogger(logger)

	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(logger.Sugar()))
	router.Use(middleware.RequestLogMiddleware(ctxLogger))
	router.Use(middleware.TracingMiddleware())
	router.Use(middleware.ErrorHandlerMiddleware(ctxLogger))
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))

	httphandlers.NewStatusHandler(client, health).SetupRoutes(router, cfg.Server.AuthToken)
	if cfg.Monitoring.PrometheusEnabled {
		router.GET(cfg.Monitoring.MetricsPath, gin.WrapH(promhttp.Handler()))
	}
	return router
}

// publishSilence sends an opus track carrying silence frames until ctx is
// done.
func publishSilence(ctx context.Context, client *services.MediaClient, peerID domain.PeerID, log *zap.SugaredLogger) error {
	source := webrtc.NewSource(domain.KindAudio, pion.RTPCodecCapability{
		MimeType:  pion.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}, utils.GenerateID("sfuclient"))
	track, err := source.NewTrack()
	if err != nil {
		return err
	}

	err = client.SendMedia(ctx, peerID, map[string]domain.Track{"audio": track}, ports.SendOptions{
		Ownership: domain.OwnershipAlias,
	})
	if err != nil {
		track.Stop()
		return err
	}
	log.Infow("publishing silence", "peer_id", peerID)

	go func() {
		ticker := time.NewTicker(frameInterval)
		defer ticker.Stop()

		pkt := &rtp.Packet{
			Header:  rtp.Header{Version: 2, PayloadType: 111, SSRC: 1},
			Payload: []byte{0xf8, 0xff, 0xfe},
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pkt.SequenceNumber++
				pkt.Timestamp += 960
				if err := source.WriteRTP(pkt); err != nil {
					log.Debugw("silence frame dropped", "error", err)
				}
			}
		}
	}()
	return nil
}
