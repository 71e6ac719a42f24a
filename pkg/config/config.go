package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"sfuclient/pkg/validation"

	"gopkg.in/yaml.v2"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	// Server is the local status API.
	Server struct {
		Enabled         bool          `yaml:"enabled"`
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		// AuthToken, when set, is required as a bearer token on mutating routes.
		AuthToken       string        `yaml:"auth_token"`
		RateLimit       struct {
			Enabled           bool    `yaml:"enabled"`
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"rate_limit"`
	} `yaml:"server"`

	Signal struct {
		// Backend is "websocket" or "redis".
		Backend string `yaml:"backend"`
		URL     string `yaml:"url"`
		UserID  string `yaml:"user_id"`
		// Token is an optional JWT; its subject is used when user_id is empty.
		Token          string        `yaml:"token"`
		Codec          string        `yaml:"codec"`
		DialTimeout    time.Duration `yaml:"dial_timeout"`
		WriteTimeout   time.Duration `yaml:"write_timeout"`
		RequestTimeout time.Duration `yaml:"request_timeout"`
		PingInterval   time.Duration `yaml:"ping_interval"`
		PongTimeout    time.Duration `yaml:"pong_timeout"`
		MaxMessageSize int64         `yaml:"max_message_size"`
		RejoinDelay    time.Duration `yaml:"rejoin_delay"`
		SendRate       float64       `yaml:"send_rate"`
		SendBurst      int           `yaml:"send_burst"`
		Reconnect      struct {
			MaxAttempts  int           `yaml:"max_attempts"`
			InitialDelay time.Duration `yaml:"initial_delay"`
			MaxDelay     time.Duration `yaml:"max_delay"`
		} `yaml:"reconnect"`
		// Breaker stops dialing for OpenTimeout after FailureThreshold
		// consecutive failed handshakes; zero disables it.
		Breaker struct {
			FailureThreshold int           `yaml:"failure_threshold"`
			OpenTimeout      time.Duration `yaml:"open_timeout"`
		} `yaml:"breaker"`
	} `yaml:"signal"`

	Redis struct {
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
		// ServerChannel receives client requests; replies and pushes arrive
		// on ClientPrefix + user id.
		ServerChannel string `yaml:"server_channel"`
		ClientPrefix  string `yaml:"client_prefix"`
	} `yaml:"redis"`

	Media struct {
		CloneSendTrack       bool          `yaml:"clone_send_track"`
		ReconnectGrace       time.Duration `yaml:"reconnect_grace"`
		CapabilityRetryDelay time.Duration `yaml:"capability_retry_delay"`
		VideoHealthInterval  time.Duration `yaml:"video_health_interval"`
		DroppedFrameRatio    float64       `yaml:"dropped_frame_ratio"`
		AudioLevelInterval   time.Duration `yaml:"audio_level_interval"`
	} `yaml:"media"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		GatherTimeout time.Duration `yaml:"gather_timeout"`
	} `yaml:"webrtc"`

	Monitoring struct {
		PrometheusEnabled bool   `yaml:"prometheus_enabled"`
		MetricsPath       string `yaml:"metrics_path"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Enabled {
		if c.Server.Address == "" {
			return fmt.Errorf("server.address must not be empty")
		}
		if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 || c.Server.ShutdownTimeout <= 0 {
			return fmt.Errorf("server timeouts must be > 0")
		}
		if c.Server.RateLimit.Enabled && (c.Server.RateLimit.RequestsPerSecond <= 0 || c.Server.RateLimit.Burst <= 0) {
			return fmt.Errorf("server.rate_limit requests_per_second and burst must be > 0 when enabled")
		}
	}

	// Signal
	switch c.Signal.Backend {
	case "websocket":
		if err := validation.ValidateURL(c.Signal.URL, "ws", "wss"); err != nil {
			return fmt.Errorf("signal.url: %w", err)
		}
	case "redis":
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when signal.backend=redis")
		}
		if c.Redis.ServerChannel == "" || c.Redis.ClientPrefix == "" {
			return fmt.Errorf("redis.server_channel and redis.client_prefix must not be empty")
		}
	default:
		return fmt.Errorf("signal.backend must be websocket or redis, got %q", c.Signal.Backend)
	}
	if c.Signal.UserID == "" && c.Signal.Token == "" {
		return fmt.Errorf("signal.user_id or signal.token must be set")
	}
	if c.Signal.UserID != "" {
		if err := validation.ValidatePeerID(c.Signal.UserID); err != nil {
			return fmt.Errorf("signal.user_id: %w", err)
		}
	}
	if c.Signal.Codec != "json" && c.Signal.Codec != "cbor" {
		return fmt.Errorf("signal.codec must be json or cbor, got %q", c.Signal.Codec)
	}
	if c.Signal.DialTimeout <= 0 || c.Signal.WriteTimeout <= 0 || c.Signal.RequestTimeout <= 0 {
		return fmt.Errorf("signal timeouts must be > 0")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be greater than signal.ping_interval")
	}
	if c.Signal.SendRate <= 0 || c.Signal.SendBurst <= 0 {
		return fmt.Errorf("signal.send_rate and signal.send_burst must be > 0")
	}
	if c.Signal.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("signal.reconnect.max_attempts must be >= 0")
	}
	if c.Signal.Breaker.FailureThreshold < 0 {
		return fmt.Errorf("signal.breaker.failure_threshold must be >= 0")
	}
	if c.Signal.Breaker.FailureThreshold > 0 && c.Signal.Breaker.OpenTimeout <= 0 {
		return fmt.Errorf("signal.breaker.open_timeout must be > 0 when the breaker is enabled")
	}

	// Media
	if c.Media.ReconnectGrace <= 0 || c.Media.CapabilityRetryDelay <= 0 || c.Media.VideoHealthInterval <= 0 {
		return fmt.Errorf("media intervals must be > 0")
	}
	if err := validation.ValidateRatio(c.Media.DroppedFrameRatio, "media.dropped_frame_ratio"); err != nil {
		return err
	}

	// WebRTC
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}
	for i, server := range c.WebRTC.ICEServers {
		if len(server.URLs) == 0 {
			return fmt.Errorf("webrtc.ice_servers[%d].urls must not be empty", i)
		}
	}

	// Tracing
	if c.Tracing.Enabled {
		if err := validation.ValidateURL(c.Tracing.JaegerURL, "http", "https"); err != nil {
			return fmt.Errorf("tracing.jaeger_url: %w", err)
		}
		if err := validation.ValidateRatio(c.Tracing.SampleRate, "tracing.sample_rate"); err != nil {
			return err
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Enabled = true
	cfg.Server.Address = "127.0.0.1:8090"
	cfg.Server.ReadTimeout = 10 * time.Second
	cfg.Server.WriteTimeout = 10 * time.Second
	cfg.Server.ShutdownTimeout = 10 * time.Second
	cfg.Server.RateLimit.RequestsPerSecond = 20
	cfg.Server.RateLimit.Burst = 40

	cfg.Signal.Backend = "websocket"
	cfg.Signal.URL = "ws://localhost:8081/ws"
	cfg.Signal.UserID = "sfuclient"
	cfg.Signal.Codec = "json"
	cfg.Signal.DialTimeout = 10 * time.Second
	cfg.Signal.WriteTimeout = 5 * time.Second
	cfg.Signal.RequestTimeout = 5 * time.Second
	cfg.Signal.PingInterval = 20 * time.Second
	cfg.Signal.PongTimeout = 45 * time.Second
	cfg.Signal.MaxMessageSize = 256 * 1024
	cfg.Signal.RejoinDelay = 2 * time.Second
	cfg.Signal.SendRate = 50
	cfg.Signal.SendBurst = 100
	cfg.Signal.Reconnect.MaxAttempts = 5
	cfg.Signal.Reconnect.InitialDelay = 500 * time.Millisecond
	cfg.Signal.Reconnect.MaxDelay = 10 * time.Second
	cfg.Signal.Breaker.FailureThreshold = 5
	cfg.Signal.Breaker.OpenTimeout = 30 * time.Second

	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.PoolSize = 10
	cfg.Redis.ServerChannel = "sfu:server"
	cfg.Redis.ClientPrefix = "sfu:client:"

	cfg.Media.CloneSendTrack = true
	cfg.Media.ReconnectGrace = 3 * time.Second
	cfg.Media.CapabilityRetryDelay = time.Second
	cfg.Media.VideoHealthInterval = time.Second
	cfg.Media.DroppedFrameRatio = 0.8
	cfg.Media.AudioLevelInterval = 200 * time.Millisecond

	cfg.WebRTC.ICEServers = []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	cfg.WebRTC.GatherTimeout = 5 * time.Second

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.MetricsPath = "/metrics"

	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	return cfg
}

func (c *Config) applyEnvOverrides() error {
	overrides := map[string]*string{
		"SFUCLIENT_SERVER_ADDRESS": &c.Server.Address,
		"SFUCLIENT_SERVER_TOKEN":   &c.Server.AuthToken,
		"SFUCLIENT_SIGNAL_BACKEND": &c.Signal.Backend,
		"SFUCLIENT_SIGNAL_URL":     &c.Signal.URL,
		"SFUCLIENT_SIGNAL_TOKEN":   &c.Signal.Token,
		"SFUCLIENT_USER_ID":        &c.Signal.UserID,
		"SFUCLIENT_REDIS_ADDRESS":  &c.Redis.Address,
		"SFUCLIENT_REDIS_PASSWORD": &c.Redis.Password,
		"SFUCLIENT_LOG_LEVEL":      &c.Logging.Level,
		"SFUCLIENT_LOG_FORMAT":     &c.Logging.Format,
	}
	for env, field := range overrides {
		if v := os.Getenv(env); v != "" {
			*field = v
		}
	}

	if v := os.Getenv("SFUCLIENT_TRACING_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("SFUCLIENT_TRACING_ENABLED: %w", err)
		}
		c.Tracing.Enabled = enabled
	}
	return nil
}
