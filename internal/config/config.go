package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dkeye/voicecall/internal/core"
)

const envPrefix = "VOICECALL"

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	LogLevel   string        `mapstructure:"log_level"`

	Relay     RelayConfig     `mapstructure:"relay"`
	Signal    SignalConfig    `mapstructure:"signal"`
	Redis     RedisConfig     `mapstructure:"redis"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	Call      CallConfig      `mapstructure:"call"`
	Directory DirectoryConfig `mapstructure:"directory"`
	Media     MediaConfig     `mapstructure:"media"`
}

type RelayConfig struct {
	Backpressure    string        `mapstructure:"backpressure"`
	PublishLimit    int           `mapstructure:"publish_limit"`
	PublishInterval time.Duration `mapstructure:"publish_interval"`
}

type SignalConfig struct {
	// Backend is one of ws, redis, mqtt, memory.
	Backend string `mapstructure:"backend"`
	URL     string `mapstructure:"url"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MQTTConfig struct {
	Broker   string `mapstructure:"broker"`
	ClientID string `mapstructure:"client_id"`
	Retries  int    `mapstructure:"retries"`
}

type CallConfig struct {
	Watchdog   time.Duration    `mapstructure:"watchdog"`
	ICEServers []core.ICEServer `mapstructure:"ice_servers"`
}

type DirectoryConfig struct {
	URL     string        `mapstructure:"url"`
	TTL     time.Duration `mapstructure:"ttl"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type MediaConfig struct {
	SampleRate int `mapstructure:"sample_rate"`
}

// flagKeys maps command line flags onto config keys when a binary defines them.
var flagKeys = map[string]string{
	"port":       "port",
	"mode":       "mode",
	"log-level":  "log_level",
	"backend":    "signal.backend",
	"signal-url": "signal.url",
	"redis-addr": "redis.addr",
	"mqtt":       "mqtt.broker",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "change-me")
	v.SetDefault("log_level", "info")

	v.SetDefault("relay.backpressure", "kick")
	v.SetDefault("relay.publish_limit", 50)
	v.SetDefault("relay.publish_interval", "1s")

	v.SetDefault("signal.backend", "ws")
	v.SetDefault("signal.url", "ws://localhost:8080/api/ws/signal")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "")
	v.SetDefault("mqtt.retries", 5)

	v.SetDefault("call.watchdog", "30s")
	v.SetDefault("call.ice_servers", []core.ICEServer{})

	v.SetDefault("directory.url", "http://localhost:8080")
	v.SetDefault("directory.ttl", "5m")
	v.SetDefault("directory.timeout", "5s")

	v.SetDefault("media.sample_rate", 48000)
}

// Load reads .env, then config/config.<CONFIG_ENV>.yaml, then VOICECALL_*
// environment variables, then any known flags set on fs.
func Load(fs *pflag.FlagSet) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Str("module", "config").Msg("could not read .env")
	}
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env), fs)
}

// LoadFile is Load without the .env step and with an explicit file.
func LoadFile(fileName string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)

	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("backend", cfg.Signal.Backend).Msg("config ready")
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Signal.Backend {
	case "ws", "redis", "mqtt", "memory":
	default:
		return fmt.Errorf("unknown signal backend %q", c.Signal.Backend)
	}
	if c.Media.SampleRate <= 0 || c.Media.SampleRate%8000 != 0 {
		return fmt.Errorf("media sample rate %d is not a multiple of 8000", c.Media.SampleRate)
	}
	return nil
}
