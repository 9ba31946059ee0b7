package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode      string          `mapstructure:"mode"`
	Port      int             `mapstructure:"port"`
	API       APIConfig       `mapstructure:"api"`
	Media     MediaConfig     `mapstructure:"media"`
	Events    EventsConfig    `mapstructure:"events"`
	Reactions ReactionsConfig `mapstructure:"reactions"`
	Viewer    ViewerConfig    `mapstructure:"viewer"`
	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

type APIConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	AuthToken string        `mapstructure:"auth_token"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type MediaConfig struct {
	ServerURL         string        `mapstructure:"server_url"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	DisconnectTimeout time.Duration `mapstructure:"disconnect_timeout"`
	SettleDelay       time.Duration `mapstructure:"settle_delay"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffCap        time.Duration `mapstructure:"backoff_cap"`
	MinTokenLength    int           `mapstructure:"min_token_length"`
	ICEServers        []string      `mapstructure:"ice_servers"`
	RecordDir         string        `mapstructure:"record_dir"`
	// Autoplay is one of "allowed", "muted-only", "gesture".
	Autoplay string `mapstructure:"autoplay"`
}

type EventsConfig struct {
	URL           string        `mapstructure:"url"`
	ReadLimit     int64         `mapstructure:"read_limit"`
	PingPeriod    time.Duration `mapstructure:"ping_period"`
	ReconnectBase time.Duration `mapstructure:"reconnect_base"`
	ReconnectCap  time.Duration `mapstructure:"reconnect_cap"`
}

type ReactionsConfig struct {
	DisplayDuration time.Duration `mapstructure:"display_duration"`
	PendingWindow   time.Duration `mapstructure:"pending_window"`
	LocalWindow     time.Duration `mapstructure:"local_window"`
	ServerIDGrace   time.Duration `mapstructure:"server_id_grace"`
	MaxProcessedIDs int           `mapstructure:"max_processed_ids"`
	BurstInterval   time.Duration `mapstructure:"burst_interval"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`

	// RateLimit caps reaction presses accepted by the control API per
	// RateWindow.
	RateLimit  int           `mapstructure:"rate_limit"`
	RateWindow time.Duration `mapstructure:"rate_window"`
}

type ViewerConfig struct {
	UserID      string `mapstructure:"user_id"`
	DisplayName string `mapstructure:"display_name"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

type MetricsConfig struct {
	Namespace string `mapstructure:"namespace"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)

	v.SetDefault("api.base_url", "http://localhost:5000/api")
	v.SetDefault("api.auth_token", "")
	v.SetDefault("api.timeout", "10s")

	v.SetDefault("media.server_url", "ws://localhost:7880")
	v.SetDefault("media.connect_timeout", "20s")
	v.SetDefault("media.disconnect_timeout", "3s")
	v.SetDefault("media.settle_delay", "300ms")
	v.SetDefault("media.backoff_base", "1s")
	v.SetDefault("media.backoff_cap", "8s")
	v.SetDefault("media.min_token_length", 20)
	v.SetDefault("media.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("media.record_dir", "")
	v.SetDefault("media.autoplay", "muted-only")

	v.SetDefault("events.url", "ws://localhost:5000/live")
	v.SetDefault("events.read_limit", 32768)
	v.SetDefault("events.ping_period", "54s")
	v.SetDefault("events.reconnect_base", "500ms")
	v.SetDefault("events.reconnect_cap", "10s")

	v.SetDefault("reactions.display_duration", "2500ms")
	v.SetDefault("reactions.pending_window", "3s")
	v.SetDefault("reactions.local_window", "3s")
	v.SetDefault("reactions.server_id_grace", "5s")
	v.SetDefault("reactions.max_processed_ids", 200)
	v.SetDefault("reactions.burst_interval", "150ms")
	v.SetDefault("reactions.sweep_interval", "1s")
	v.SetDefault("reactions.rate_limit", 20)
	v.SetDefault("reactions.rate_window", "1s")

	v.SetDefault("viewer.user_id", "")
	v.SetDefault("viewer.display_name", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", true)

	v.SetDefault("metrics.namespace", "liveview")
}

// Load reads config/config.<CONFIG_ENV>.yaml when present and overlays
// LIVEVIEW_* environment variables (e.g. LIVEVIEW_MEDIA_SERVER_URL).
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("liveview")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("media_server", cfg.Media.ServerURL).
		Msg("config ready")
	return &cfg, nil
}

// Validate checks values that would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port must be in 1..65535, got %d", c.Port))
	}
	if _, err := url.ParseRequestURI(c.API.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("api.base_url: %w", err))
	}
	if c.Media.ConnectTimeout <= 0 || c.Media.DisconnectTimeout <= 0 {
		errs = append(errs, errors.New("media timeouts must be positive"))
	}
	if c.Media.MinTokenLength <= 0 {
		errs = append(errs, fmt.Errorf("media.min_token_length must be positive, got %d", c.Media.MinTokenLength))
	}
	if c.Media.BackoffBase <= 0 || c.Media.BackoffCap < c.Media.BackoffBase {
		errs = append(errs, errors.New("media.backoff_cap must be >= media.backoff_base > 0"))
	}
	switch c.Media.Autoplay {
	case "allowed", "muted-only", "gesture":
	default:
		errs = append(errs, fmt.Errorf("media.autoplay: unknown policy %q", c.Media.Autoplay))
	}
	if c.Reactions.DisplayDuration <= 0 || c.Reactions.BurstInterval <= 0 {
		errs = append(errs, errors.New("reactions durations must be positive"))
	}
	if c.Reactions.MaxProcessedIDs <= 0 {
		errs = append(errs, errors.New("reactions.max_processed_ids must be positive"))
	}
	return errors.Join(errs...)
}
