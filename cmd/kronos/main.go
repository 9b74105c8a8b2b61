package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"kronos/internal/api"
	"kronos/internal/config"
	"kronos/internal/drafts"
)

var rootCmd = &cobra.Command{
	Use:           "kronos",
	Short:         "Terminal client for KRONOS chat and Battleship",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setup()
	},
}

var (
	flagURL         string
	flagWSURL       string
	flagToken       string
	flagDataDir     string
	flagDrafts      string
	flagLogLevel    string
	flagMetricsAddr string
)

var (
	cfg    *config.Client
	logger zerolog.Logger
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagURL, "url", "", "relay base URL (env KRONOS_URL)")
	flags.StringVar(&flagWSURL, "ws-url", "", "websocket URL (env KRONOS_WS_URL, derived from --url)")
	flags.StringVar(&flagToken, "token", "", "access token (env KRONOS_TOKEN, else the saved login)")
	flags.StringVar(&flagDataDir, "data-dir", "", "directory for the saved login and drafts (env KRONOS_DATA_DIR)")
	flags.StringVar(&flagDrafts, "drafts", "", "draft store: pebble, redis or memory (env KRONOS_DRAFTS)")
	flags.StringVar(&flagLogLevel, "log-level", "", "log level (env LOG_LEVEL)")
	flags.StringVar(&flagMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	rootCmd.AddCommand(loginCmd, registerCmd, logoutCmd, channelsCmd, chatCmd, battleshipCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "kronos:", err)
		os.Exit(1)
	}
}

// setup loads the environment and lets flags override it.
func setup() error {
	cfg = config.LoadClient()
	if flagURL != "" {
		cfg.BaseURL = strings.TrimRight(flagURL, "/")
		if flagWSURL == "" && os.Getenv("KRONOS_WS_URL") == "" {
			cfg.WSURL = config.WSURLFor(cfg.BaseURL)
		}
	}
	if flagWSURL != "" {
		cfg.WSURL = flagWSURL
	}
	if flagToken != "" {
		cfg.Token = flagToken
	}
	if flagDataDir != "" {
		cfg.DataDir = flagDataDir
	}
	if flagDrafts != "" {
		cfg.Drafts = flagDrafts
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("data dir: %w", err)
	}

	// The terminal belongs to the user; logs go to a file in the data dir.
	logFile, err := os.OpenFile(filepath.Join(cfg.DataDir, "kronos.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("log file: %w", err)
	}
	logger = config.NewLogger("production", cfg.LogLevel, logFile)

	if cfg.Token == "" {
		cfg.Token = loadToken()
	}
	if flagMetricsAddr != "" {
		go serveMetrics(flagMetricsAddr)
	}
	return nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info().Str("addr", addr).Msg("serving metrics")
	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server stopped")
	}
}

func newAPI() *api.Client {
	return api.New(cfg.BaseURL, cfg.Token, nil, logger)
}

func openDrafts(ctx context.Context) (drafts.Store, error) {
	switch cfg.Drafts {
	case config.DraftsMemory:
		return drafts.NewMemoryStore(), nil
	case config.DraftsRedis:
		if cfg.RedisURL == "" {
			return nil, errors.New("REDIS_URL is required for redis drafts")
		}
		return drafts.NewRedisStore(ctx, cfg.RedisURL)
	case config.DraftsPebble, "":
		return drafts.OpenPebble(filepath.Join(cfg.DataDir, "drafts"))
	}
	return nil, fmt.Errorf("unknown draft store %q", cfg.Drafts)
}

func tokenPath() string { return filepath.Join(cfg.DataDir, "token") }

func loadToken() string {
	data, err := os.ReadFile(tokenPath())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func saveToken(token string) error {
	return os.WriteFile(tokenPath(), []byte(token+"\n"), 0o600)
}
