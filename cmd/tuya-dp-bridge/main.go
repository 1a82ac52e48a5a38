package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"tuya-dp-bridge/internal/coordinator"
	"tuya-dp-bridge/internal/profile"
	"tuya-dp-bridge/internal/store"
	"tuya-dp-bridge/internal/transport"
	"tuya-dp-bridge/internal/web"
	"tuya-dp-bridge/internal/zcl"
	"tuya-dp-bridge/internal/zcl/clusters"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Transport struct {
		Type string `yaml:"type"` // "serial" or "none"
		Port string `yaml:"port"`
		Baud int    `yaml:"baud"`
	} `yaml:"transport"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	ProfilesDir string `yaml:"profiles_dir"`
	ScriptsDir  string `yaml:"scripts_dir"`
	Coordinator struct {
		InboxSize   int  `yaml:"inbox_size"`
		QueryOnBind bool `yaml:"query_on_bind"`
	} `yaml:"coordinator"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		ClientID    string `yaml:"client_id"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	History struct {
		Enabled       bool          `yaml:"enabled"`
		URL           string        `yaml:"url"`
		Token         string        `yaml:"token"`
		Org           string        `yaml:"org"`
		Bucket        string        `yaml:"bucket"`
		Measurement   string        `yaml:"measurement"`
		BatchSize     uint          `yaml:"batch_size"`
		FlushInterval time.Duration `yaml:"flush_interval"`
		ChangedOnly   bool          `yaml:"changed_only"`
	} `yaml:"history"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func (c *Config) validate() error {
	switch c.Transport.Type {
	case "serial":
		if c.Transport.Port == "" {
			return fmt.Errorf("transport.port is required for serial transport")
		}
	case "none":
	default:
		return fmt.Errorf("unknown transport.type %q (supported: serial, none)", c.Transport.Type)
	}
	if c.Coordinator.InboxSize < 0 {
		return fmt.Errorf("coordinator.inbox_size must not be negative, got %d", c.Coordinator.InboxSize)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.History.Enabled && (c.History.URL == "" || c.History.Org == "" || c.History.Bucket == "") {
		return fmt.Errorf("history.url, history.org and history.bucket are required when history is enabled")
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	// Create configured logger.
	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("tuya-dp-bridge starting", "version", version)

	// Initialize ZCL registry
	registry := zcl.NewRegistry(logger)
	registerStandardClusters(registry)

	// Load device profiles (and any custom clusters they declare).
	profiles, err := profile.LoadDir(cfg.ProfilesDir, registry, logger)
	if err != nil {
		logger.Error("load device profiles", "err", err)
		os.Exit(1)
	}
	logger.Info("ZCL registry initialized", "clusters", len(registry.All()), "profiles", profiles.Len())

	// Open store
	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	tr, err := openTransport(cfg, logger)
	if err != nil {
		logger.Error("open transport", "err", err)
		os.Exit(1)
	}
	defer tr.Close()

	// Create coordinator
	events := coordinator.NewEventBus(logger)
	coord := coordinator.New(tr, db, registry, profiles, events, coordinator.Config{
		InboxSize:   cfg.Coordinator.InboxSize,
		QueryOnBind: cfg.Coordinator.QueryOnBind,
	}, logger)

	// Start coordinator
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := coord.Start(ctx); err != nil {
		logger.Error("start coordinator", "err", err)
		cancel()
		tr.Close()
		os.Exit(1)
	}
	cancel()

	// Start history recorder (no-op when built with no_history tag).
	hist := initHistory(coord, cfg, logger)

	// Start automation engine (no-op when built with no_automation tag).
	auto, autoWebOpts := initAutomation(coord, cfg, logger)

	// Start web server
	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))
	webOpts = append(webOpts, autoWebOpts...)
	webServer := web.NewServer(coord, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(coord, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	auto.Stop()
	coord.Stop()
	hist.Stop()

	logger.Info("goodbye")
}

func openTransport(cfg *Config, logger *slog.Logger) (transport.Transport, error) {
	switch cfg.Transport.Type {
	case "serial":
		logger.Info("using serial gateway", "port", cfg.Transport.Port, "baud", cfg.Transport.Baud)
		return transport.OpenSerial(cfg.Transport.Port, cfg.Transport.Baud, logger)
	case "none":
		logger.Info("no gateway transport, frames arrive through the API only")
		return transport.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown transport type: %q (supported: serial, none)", cfg.Transport.Type)
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return parseConfig(data)
}

func parseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Transport.Type == "" {
		cfg.Transport.Type = "serial"
	}
	if cfg.Transport.Baud == 0 {
		cfg.Transport.Baud = 115200
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "tuya-dp-bridge.db"
	}
	if cfg.ProfilesDir == "" {
		cfg.ProfilesDir = "profiles"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "tuya"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func registerStandardClusters(r *zcl.Registry) {
	for _, c := range clusters.All() {
		r.Register(c)
	}
}
