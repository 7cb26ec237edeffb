package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/relaydeck/connhive/internal/core/constants"
)

const (
	DefaultFileWriteDelay = 150 * time.Millisecond // small delay to ensure file write is complete
)

var (
	lastReload  time.Time
	reloadMutex sync.Mutex
)

// DefaultConfig returns a configuration with sensible defaults, matching the
// constants the core packages themselves fall back to when unconfigured.
func DefaultConfig() *Config {
	return &Config{
		Pool: PoolConfig{
			KeepAlive:        true,
			Pipelining:       false,
			PipeliningLimit:  8,
			MaxPoolSize:      constants.DefaultMaxPoolSize,
			MaxWaitQueueSize: constants.DefaultMaxWaitQueueSize,
			IdleTimeout:      constants.DefaultIdleTimeout,
		},
		HTTP2: HTTP2Config{
			MaxPoolSize:             constants.DefaultHTTP2MaxPoolSize,
			MultiplexingLimit:       constants.DefaultHTTP2MultiplexLimit,
			ConnectionWindowSize:    constants.DefaultHTTP2WindowSize,
			ClearTextUpgradeEnabled: false,
		},
		Transport: TransportConfig{
			UseALPN:          true,
			ForceSNI:         false,
			TryUseCompress:   true,
			DialTimeout:      constants.DefaultDialTimeout,
			HandshakeTimeout: constants.DefaultHandshakeTimeout,
		},
		Decoder: DecoderConfig{
			MaxInitialLineLength: constants.DefaultMaxInitialLineLength,
			MaxHeaderSize:        constants.DefaultMaxHeaderSize,
			MaxChunkSize:         constants.DefaultMaxChunkSize,
			BufferSize:           constants.DefaultDecoderBufferSize,
		},
		Logging: LoggingConfig{
			Level:      "info",
			LogDir:     "./logs",
			Theme:      "default",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			FileOutput: true,
			PrettyLogs: true,
		},
		Engineering: EngineeringConfig{
			ShowNerdStats: false,
		},
	}
}

// Load loads configuration from an optional config.yaml plus CONNHIVE_*
// environment variable overrides, watching the file for changes when
// onConfigChange is non-nil.
func Load(onConfigChange func()) (*Config, error) {
	cfg := DefaultConfig()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.SetEnvPrefix("CONNHIVE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if configFile := os.Getenv("CONNHIVE_CONFIG_FILE"); configFile != "" {
			viper.SetConfigFile(configFile)
			if err := viper.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
			}
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if onConfigChange != nil {
		viper.WatchConfig()
		viper.OnConfigChange(func(e fsnotify.Event) {
			reloadMutex.Lock()
			defer reloadMutex.Unlock()

			now := time.Now()
			if now.Sub(lastReload) < 500*time.Millisecond {
				return // ignore multiple rapid-fire changes
			}
			lastReload = now

			// on some platforms this event fires before the file write
			// has actually completed
			time.Sleep(DefaultFileWriteDelay)
			onConfigChange()
		})
	}
	return cfg, nil
}

// Validate rejects configuration combinations the manager cannot honour.
func (c *Config) Validate() error {
	if c.Pool.Pipelining && !c.Pool.KeepAlive {
		return fmt.Errorf("pool.pipelining requires pool.keep_alive")
	}
	if c.Pool.MaxPoolSize <= 0 {
		return fmt.Errorf("pool.max_pool_size must be positive")
	}
	if c.HTTP2.MaxPoolSize <= 0 {
		return fmt.Errorf("http2.max_pool_size must be positive")
	}
	return nil
}
