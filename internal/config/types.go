package config

import "time"

// Config holds the full tuning surface for the connection manager and its
// ambient concerns (logging, engineering diagnostics). There is no HTTP
// server of its own - connhive is a library-shaped manager a host process
// embeds - so Config carries pool/queue/transport knobs rather than
// listener configuration.
type Config struct {
	Logging     LoggingConfig     `yaml:"logging"`
	Pool        PoolConfig        `yaml:"pool"`
	HTTP2       HTTP2Config       `yaml:"http2"`
	Transport   TransportConfig   `yaml:"transport"`
	Decoder     DecoderConfig     `yaml:"decoder"`
	Engineering EngineeringConfig `yaml:"engineering"`
}

// PoolConfig controls per-origin H1 pool admission and waiter queuing.
type PoolConfig struct {
	KeepAlive        bool          `yaml:"keep_alive"`
	Pipelining       bool          `yaml:"pipelining"`
	PipeliningLimit  int           `yaml:"pipelining_limit"`
	MaxPoolSize      int           `yaml:"max_pool_size"`
	MaxWaitQueueSize int           `yaml:"max_wait_queue_size"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
}

// HTTP2Config controls H2 pool sizing, multiplexing and negotiation.
type HTTP2Config struct {
	MaxPoolSize             int    `yaml:"max_pool_size"`
	MultiplexingLimit       int    `yaml:"multiplexing_limit"` // <1 means unbounded/peer-advertised
	ConnectionWindowSize    int    `yaml:"connection_window_size"`
	ClearTextUpgradeEnabled bool   `yaml:"clear_text_upgrade_enabled"`
	InitialSettings         string `yaml:"initial_settings"` // base64url SETTINGS for the h2c upgrade
}

// TransportConfig controls dial/handshake behaviour shared by every origin.
type TransportConfig struct {
	UseALPN          bool          `yaml:"use_alpn"`
	ForceSNI         bool          `yaml:"force_sni"`
	TryUseCompress   bool          `yaml:"try_use_compression"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	ProxyURL         string        `yaml:"proxy_url"`
}

// DecoderConfig bounds the H1 wire decoder, preventing a single misbehaving
// origin from exhausting memory via an oversized head or chunk.
type DecoderConfig struct {
	MaxInitialLineLength int `yaml:"max_initial_line_length"`
	MaxHeaderSize        int `yaml:"max_header_size"`
	MaxChunkSize         int `yaml:"max_chunk_size"`
	BufferSize           int `yaml:"buffer_size"`
}

// LoggingConfig holds logging configuration, matching internal/logger.Config's
// surface so it can be built directly off this block.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	LogDir      string `yaml:"log_dir"`
	Theme       string `yaml:"theme"`
	MaxSize     int    `yaml:"max_size"`
	MaxBackups  int    `yaml:"max_backups"`
	MaxAge      int    `yaml:"max_age"`
	FileOutput  bool   `yaml:"file_output"`
	PrettyLogs  bool   `yaml:"pretty_logs"`
	LogActivity bool   `yaml:"log_activity"`
}

// EngineeringConfig holds development/debugging configuration.
type EngineeringConfig struct {
	ShowNerdStats bool `yaml:"show_nerdstats"`
}
