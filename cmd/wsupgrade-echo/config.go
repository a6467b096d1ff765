package main

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/wsupgrade/ws"
)

const envPrefix = "WSUPGRADE_"

type config struct {
	Addr        string `env:"ADDR"         envDefault:":8080"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT"   envDefault:"json"`

	HandshakeTimeout time.Duration `env:"HANDSHAKE_TIMEOUT"  envDefault:"10s"`
	ReadTimeout      time.Duration `env:"READ_TIMEOUT"`
	MaxHandshakeSize int           `env:"MAX_HANDSHAKE_SIZE" envDefault:"8192"`
	PathPattern      string        `env:"PATH_PATTERN"`
	Protocols        []string      `env:"PROTOCOLS"          envSeparator:","`
	AllowedOrigins   []string      `env:"ALLOWED_ORIGINS"    envSeparator:","`

	RateLimit    float64       `env:"RATE_LIMIT"    envDefault:"100"`
	Burst        int           `env:"BURST"         envDefault:"200"`
	PingInterval time.Duration `env:"PING_INTERVAL" envDefault:"54s"`
}

// loadConfig reads the configuration from the environment. environ overrides
// the process environment when non-nil.
func loadConfig(environ map[string]string) (config, error) {
	var cfg config
	opts := env.Options{Prefix: envPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return config{}, fmt.Errorf("failed to load %s configuration: %w", envPrefix, err)
	}
	return cfg, nil
}

func (c config) rateLimit() *ws.RateLimitConfig {
	if c.RateLimit <= 0 {
		return ws.NoRateLimit()
	}
	return &ws.RateLimitConfig{
		MessagesPerSecond: rate.Limit(c.RateLimit),
		Burst:             c.Burst,
		Enabled:           true,
	}
}

// validator combines the origin allow list and the path pattern. The capture
// groups of the pattern are the handshake values.
func (c config) validator() (ws.Validator[[]string], error) {
	path := ws.AcceptAll[[]string]()
	if c.PathPattern != "" {
		re, err := regexp.Compile(c.PathPattern)
		if err != nil {
			return nil, fmt.Errorf("invalid path pattern: %w", err)
		}
		path = ws.PathPattern(re)
	}
	if len(c.AllowedOrigins) == 0 {
		return path, nil
	}

	origins := ws.AllowOrigins(c.AllowedOrigins...)
	return func(req *ws.Request) ([]string, error) {
		if _, err := origins(req); err != nil {
			return nil, err
		}
		return path(req)
	}, nil
}

func (c config) logger() *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if c.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
