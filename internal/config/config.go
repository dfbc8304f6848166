package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "PEERCALL"

type CallConfig struct {
	RingWindow          time.Duration `mapstructure:"ring_window"`
	OfferRetryAttempts  int           `mapstructure:"offer_retry_attempts"`
	OfferRetryInterval  time.Duration `mapstructure:"offer_retry_interval"`
	DeleteGraceRejected time.Duration `mapstructure:"delete_grace_rejected"`
	DeleteGraceEnded    time.Duration `mapstructure:"delete_grace_ended"`
}

type HubConfig struct {
	RateLimit    int           `mapstructure:"rate_limit"`
	RateInterval time.Duration `mapstructure:"rate_interval"`
	SendBuffer   int           `mapstructure:"send_buffer"`
}

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	LogLevel   string        `mapstructure:"log_level"`

	StoreURL    string   `mapstructure:"store_url"`
	Participant string   `mapstructure:"participant"`
	ICEServers  []string `mapstructure:"ice_servers"`

	Call CallConfig `mapstructure:"call"`
	Hub  HubConfig  `mapstructure:"hub"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "peercall-dev-secret")
	v.SetDefault("log_level", "info")

	v.SetDefault("store_url", "ws://localhost:8080/api/ws/store")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})

	v.SetDefault("call.ring_window", "5m")
	v.SetDefault("call.offer_retry_attempts", 10)
	v.SetDefault("call.offer_retry_interval", "1s")
	v.SetDefault("call.delete_grace_rejected", "3s")
	v.SetDefault("call.delete_grace_ended", "1s")

	v.SetDefault("hub.rate_limit", 10)
	v.SetDefault("hub.rate_interval", "1m")
	v.SetDefault("hub.send_buffer", 64)
}

// Load reads config/config.<CONFIG_ENV>.yaml, then PEERCALL_* environment
// variables, then flags (may be nil). The config file is watched and a
// changed log_level is applied to the global logger.
func Load(flags *pflag.FlagSet) (*Config, error) {
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

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	fileLoaded := false
	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		fileLoaded = true
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	ApplyLogLevel(cfg.LogLevel)

	if fileLoaded {
		v.OnConfigChange(func(e fsnotify.Event) {
			next, err := decode(v)
			if err != nil {
				log.Error().Err(err).Str("module", "config").Msg("reload")
				return
			}
			log.Info().Str("module", "config").Str("file", e.Name).Str("log_level", next.LogLevel).Msg("config changed")
			ApplyLogLevel(next.LogLevel)
		})
		v.WatchConfig()
	}

	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("store", cfg.StoreURL).Msg("config ready")
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Call.OfferRetryAttempts < 1 {
		return nil, fmt.Errorf("call.offer_retry_attempts must be positive, got %d", cfg.Call.OfferRetryAttempts)
	}
	if cfg.Call.RingWindow <= 0 {
		return nil, fmt.Errorf("call.ring_window must be positive, got %s", cfg.Call.RingWindow)
	}
	return &cfg, nil
}

// ApplyLogLevel sets the global zerolog level. Unknown levels are ignored.
func ApplyLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		log.Warn().Str("module", "config").Str("log_level", level).Msg("unknown log level")
		return
	}
	zerolog.SetGlobalLevel(lvl)
}
