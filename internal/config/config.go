package config

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/snarg/rds-monitor/internal/perrors"
)

const (
	minStations = 2
	maxStations = 4
	maxSpanHz   = 2_000_000
)

// Config is the frozen run plan for one process lifetime.
type Config struct {
	// Capture: either a single frequency (delegates to rtl_fm) or 2-4
	// frequencies (channelizer mode).
	FMFrequencies  string `env:"FM_FREQUENCIES,required"`
	RTLDeviceIndex int    `env:"RTL_DEVICE_INDEX" envDefault:"0"`
	SampleRate     int    `env:"SAMPLE_RATE" envDefault:"2400000"`

	RedseaPath string `env:"REDSEA_PATH" envDefault:"redsea"`
	RTLSDRPath string `env:"RTL_SDR_PATH" envDefault:"rtl_sdr"`
	RTLFMPath  string `env:"RTL_FM_PATH" envDefault:"rtl_fm"`
	FFmpegPath string `env:"FFMPEG_PATH" envDefault:"ffmpeg"`

	AudioDir      string `env:"AUDIO_DIR" envDefault:"./data/audio"`
	DatabaseURL   string `env:"DATABASE_URL,required"`
	RetentionDays int    `env:"RETENTION_DAYS" envDefault:"14"`

	MQTTBrokerURL      string `env:"MQTT_BROKER_URL"`
	MQTTEmbeddedBroker bool   `env:"MQTT_EMBEDDED_BROKER" envDefault:"false"`
	MQTTTopicPrefix    string `env:"MQTT_TOPIC_PREFIX" envDefault:"rds"`
	MQTTClientID       string `env:"MQTT_CLIENT_ID" envDefault:"rds-monitor"`
	MQTTUsername       string `env:"MQTT_USERNAME"`
	MQTTPassword       string `env:"MQTT_PASSWORD"`
	RawTopicEnabled    bool   `env:"RAW_TOPIC_ENABLED" envDefault:"false"`

	STTProvider       string        `env:"STT_PROVIDER" envDefault:"none"` // local|remote|none
	RemoteASRURL      string        `env:"REMOTE_ASR_URL"`
	RemoteASRLanguage string        `env:"REMOTE_ASR_LANGUAGE" envDefault:"sv"`
	RemoteTimeout     time.Duration `env:"REMOTE_TIMEOUT" envDefault:"120s"`
	LocalModelPath    string        `env:"LOCAL_ASR_MODEL_PATH"`
	LocalASRBinary    string        `env:"LOCAL_ASR_BINARY" envDefault:"whisper-cli"`

	TranscribeQueueSize int `env:"TRANSCRIBE_QUEUE_SIZE" envDefault:"16"`

	AlertHoldTimeout  time.Duration `env:"ALERT_HOLD_TIMEOUT" envDefault:"120s"`
	MaxRecordingSec   int           `env:"MAX_RECORDING_SEC" envDefault:"600"`
	MinDurationSec    float64       `env:"MIN_DURATION_SEC" envDefault:"2"`
	ShutdownGrace     time.Duration `env:"SHUTDOWN_GRACE" envDefault:"10s"`
	RestartBackoffMax time.Duration `env:"RESTART_BACKOFF_MAX" envDefault:"30s"`

	StatusPublishInterval time.Duration `env:"STATUS_PUBLISH_INTERVAL" envDefault:"30s"`

	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	AuthEnabled        bool   `env:"AUTH_ENABLED" envDefault:"true"`
	AuthToken          string `env:"AUTH_TOKEN"`
	AuthTokenGenerated bool

	RateLimitRPS   float64 `env:"RATE_LIMIT_RPS" envDefault:"20"`
	RateLimitBurst int     `env:"RATE_LIMIT_BURST" envDefault:"40"`
	CORSOrigins    string  `env:"CORS_ORIGINS"`
	LogLevel       string  `env:"LOG_LEVEL" envDefault:"info"`

	// Frequencies is parsed from FMFrequencies by Validate.
	Frequencies []int64 `env:"-"`
}

// Stations reports how many frequencies are configured.
func (c *Config) Stations() int { return len(c.Frequencies) }

// Multi reports whether the channelizer path is active (>=2 stations).
func (c *Config) Multi() bool { return len(c.Frequencies) >= 2 }

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile       string
	HTTPAddr      string
	LogLevel      string
	DatabaseURL   string
	MQTTBrokerURL string
	AudioDir      string
	FMFrequencies string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	// Load .env file (silent if missing)
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	// Parse environment variables into config struct
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Apply CLI overrides (non-empty values win)
	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.DatabaseURL != "" {
		cfg.DatabaseURL = overrides.DatabaseURL
	}
	if overrides.MQTTBrokerURL != "" {
		cfg.MQTTBrokerURL = overrides.MQTTBrokerURL
	}
	if overrides.AudioDir != "" {
		cfg.AudioDir = overrides.AudioDir
	}
	if overrides.FMFrequencies != "" {
		cfg.FMFrequencies = overrides.FMFrequencies
	}

	// When auth is explicitly disabled, clear any token so middleware passes everything through.
	if !cfg.AuthEnabled {
		cfg.AuthToken = ""
	} else if cfg.AuthToken == "" {
		// Auto-generate AUTH_TOKEN if not configured. The token changes on each
		// restart; set AUTH_TOKEN in .env for a persistent one.
		b := make([]byte, 32)
		if _, err := rand.Read(b); err == nil {
			cfg.AuthToken = base64.URLEncoding.EncodeToString(b)
			cfg.AuthTokenGenerated = true
		}
	}

	return cfg, nil
}

// Validate parses FM_FREQUENCIES and checks: 1-4 stations, span (max-min)
// <= 2.0MHz when running the channelizer (len(frequencies) >= 2).
func (c *Config) Validate() error {
	freqs, err := parseFrequencies(c.FMFrequencies)
	if err != nil {
		return &perrors.ConfigError{Reason: err.Error()}
	}
	if len(freqs) == 0 {
		return &perrors.ConfigError{Reason: "FM_FREQUENCIES must list at least one frequency"}
	}
	if len(freqs) > maxStations {
		return &perrors.ConfigError{Reason: fmt.Sprintf("at most %d stations supported, got %d", maxStations, len(freqs))}
	}
	if len(freqs) >= minStations {
		span := spanOf(freqs)
		if span > maxSpanHz {
			return &perrors.ConfigError{Reason: fmt.Sprintf("frequency span %.3fMHz exceeds 2.0MHz limit", float64(span)/1e6)}
		}
	}
	c.Frequencies = freqs

	if c.DatabaseURL == "" {
		return &perrors.ConfigError{Reason: "DATABASE_URL is required"}
	}
	switch c.STTProvider {
	case "local", "remote", "none":
	default:
		return &perrors.ConfigError{Reason: fmt.Sprintf("unknown STT_PROVIDER %q (valid: local, remote, none)", c.STTProvider)}
	}
	if c.STTProvider == "remote" && c.RemoteASRURL == "" {
		return &perrors.ConfigError{Reason: "STT_PROVIDER=remote requires REMOTE_ASR_URL"}
	}
	if c.STTProvider == "local" && c.LocalModelPath == "" {
		return &perrors.ConfigError{Reason: "STT_PROVIDER=local requires LOCAL_ASR_MODEL_PATH"}
	}
	return nil
}

func spanOf(freqs []int64) int64 {
	lo, hi := freqs[0], freqs[0]
	for _, f := range freqs[1:] {
		if f < lo {
			lo = f
		}
		if f > hi {
			hi = f
		}
	}
	return hi - lo
}

// parseFrequencies accepts a comma-separated list of Hz values or "<n>M"
// shorthand (e.g. "100.0M,103.0M" or "100000000,103000000").
func parseFrequencies(raw string) ([]int64, error) {
	var out []int64
	for _, tok := range strings.Split(raw, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		hz, err := parseOneFrequency(tok)
		if err != nil {
			return nil, fmt.Errorf("invalid frequency %q: %w", tok, err)
		}
		out = append(out, hz)
	}
	return out, nil
}

func parseOneFrequency(tok string) (int64, error) {
	upper := strings.ToUpper(tok)
	if strings.HasSuffix(upper, "M") {
		mhz, err := strconv.ParseFloat(strings.TrimSuffix(upper, "M"), 64)
		if err != nil {
			return 0, err
		}
		return int64(mhz * 1_000_000), nil
	}
	return strconv.ParseInt(tok, 10, 64)
}
