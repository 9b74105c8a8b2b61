package config

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Draft backends accepted in KRONOS_DRAFTS.
const (
	DraftsPebble = "pebble"
	DraftsRedis  = "redis"
	DraftsMemory = "memory"
)

// Client holds the settings of the terminal client.
type Client struct {
	Env       string
	BaseURL   string
	WSURL     string
	Token     string
	DataDir   string
	Drafts    string
	RedisURL  string
	LogLevel  string
	AckWindow time.Duration
}

// Relay holds the settings of the reference relay.
type Relay struct {
	Env       string
	Port      string
	DSN       string
	JWTSecret string
	RedisAddr string
	UploadDir string
	Origins   []string
}

// LoadClient reads client configuration from the environment. A .env file
// in the working directory is honoured when present.
func LoadClient() *Client {
	_ = godotenv.Load()

	base := strings.TrimRight(getEnv("KRONOS_URL", "http://localhost:8080"), "/")
	cfg := &Client{
		Env:       getEnv("ENV", "development"),
		BaseURL:   base,
		WSURL:     getEnv("KRONOS_WS_URL", WSURLFor(base)),
		Token:     os.Getenv("KRONOS_TOKEN"),
		DataDir:   getEnv("KRONOS_DATA_DIR", defaultDataDir()),
		Drafts:    getEnv("KRONOS_DRAFTS", DraftsPebble),
		RedisURL:  os.Getenv("REDIS_URL"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		AckWindow: 3 * time.Second,
	}
	return cfg
}

// LoadRelay reads relay configuration from the environment.
// In production it panics when the secret or database is missing.
func LoadRelay() *Relay {
	_ = godotenv.Load()

	cfg := &Relay{
		Env:       getEnv("ENV", "development"),
		Port:      getEnv("PORT", "8080"),
		DSN:       os.Getenv("DB_DSN"),
		JWTSecret: os.Getenv("JWT_SECRET"),
		RedisAddr: os.Getenv("REDIS_ADDR"),
		UploadDir: getEnv("UPLOAD_DIR", "uploads"),
	}

	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			o = strings.TrimSpace(o)
			if o != "" {
				cfg.Origins = append(cfg.Origins, o)
			}
		}
	}

	if cfg.Env == "production" {
		if cfg.DSN == "" {
			panic("DB_DSN is required in production")
		}
		if cfg.JWTSecret == "" {
			panic("JWT_SECRET is required in production")
		}
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "kronos-dev-secret"
	}

	return cfg
}

func (c *Client) IsDevelopment() bool { return c.Env == "development" }

func (c *Relay) IsDevelopment() bool { return c.Env == "development" }

// NewLogger returns a console logger in development and JSON otherwise.
func NewLogger(env, level string, out io.Writer) zerolog.Logger {
	var logger zerolog.Logger
	if env == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(out).
			With().
			Timestamp().
			Logger()
	}
	if lvl, err := zerolog.ParseLevel(level); err == nil && level != "" {
		logger = logger.Level(lvl)
	}
	return logger
}

// WSURLFor derives the websocket endpoint from an http(s) base URL.
func WSURLFor(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/ws"
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + "/ws"
	}
	return base + "/ws"
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "kronos")
	}
	return ".kronos"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
