package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/fankserver/discord-voice-link/internal/bot"
	"github.com/fankserver/discord-voice-link/internal/feedback"
	"github.com/fankserver/discord-voice-link/internal/mcp"
	"github.com/fankserver/discord-voice-link/internal/metrics"
	"github.com/fankserver/discord-voice-link/internal/session"
	"github.com/fankserver/discord-voice-link/internal/voice"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
)

var version = "dev"

var (
	Token       string
	ClientID    string
	MetricsAddr string
	ExportDir   string
	EventBuffer int
	LogLevel    string
)

// envConfig fills every setting whose flag was not given on the command line.
type envConfig struct {
	Token       string `env:"DISCORD_TOKEN"`
	ClientID    string `env:"DISCORD_CLIENT_ID"`
	MetricsAddr string `env:"METRICS_ADDR"`
	ExportDir   string `env:"EXPORT_DIR"`
	EventBuffer int    `env:"EVENT_BUFFER"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
}

func init() {
	flag.StringVar(&Token, "token", "", "Discord Bot Token")
	flag.StringVar(&ClientID, "client-id", "", "Bot user ID (derived from the token when empty)")
	flag.StringVar(&MetricsAddr, "metrics-addr", "", "Address for the Prometheus /metrics endpoint, disabled when empty")
	flag.StringVar(&ExportDir, "export-dir", "exports", "Directory for exported voice sessions")
	flag.IntVar(&EventBuffer, "event-buffer", 256, "Event bus buffer size")
}

func loadConfig() {
	flag.Parse()

	// Load from environment
	if err := godotenv.Load(); err != nil {
		logrus.WithError(err).Debug("Error loading .env file, using environment variables")
	}
	var cfg envConfig
	if err := env.Parse(&cfg); err != nil {
		logrus.WithError(err).Warn("Ignoring invalid environment configuration")
		return
	}
	applyEnv(cfg, explicitFlags())
}

func explicitFlags() map[string]bool {
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return set
}

func applyEnv(cfg envConfig, set map[string]bool) {
	if !set["token"] && cfg.Token != "" {
		Token = cfg.Token
	}
	if !set["client-id"] && cfg.ClientID != "" {
		ClientID = cfg.ClientID
	}
	if !set["metrics-addr"] && cfg.MetricsAddr != "" {
		MetricsAddr = cfg.MetricsAddr
	}
	if !set["export-dir"] && cfg.ExportDir != "" {
		ExportDir = cfg.ExportDir
	}
	if !set["event-buffer"] && cfg.EventBuffer > 0 {
		EventBuffer = cfg.EventBuffer
	}
	LogLevel = cfg.LogLevel
}

func main() {
	loadConfig()

	// Configure logrus
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	switch strings.ToLower(LogLevel) {
	case "trace":
		logrus.SetLevel(logrus.TraceLevel)
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "warn", "warning":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}

	if Token == "" {
		logrus.Fatal("Discord token is required. Use -token flag or DISCORD_TOKEN env var")
	}
	if ClientID == "" {
		id, err := bot.ClientIDFromToken(Token)
		if err != nil {
			logrus.WithError(err).Fatal("Could not derive the bot user ID from the token. Use -client-id flag or DISCORD_CLIENT_ID env var")
		}
		ClientID = id
	}

	// Set up signal handling with context for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer cancel()

	bus := feedback.NewEventBus(EventBuffer)
	defer bus.Stop()
	bus.SubscribeAll(feedback.LogHandler(logrus.StandardLogger()))

	sessionManager := session.NewManager(ExportDir)
	sessionManager.Attach(bus)
	logrus.Debug("Session manager created")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)
	if MetricsAddr != "" {
		srv := serveMetrics(MetricsAddr, collector)
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logrus.WithError(err).Warn("Failed to stop metrics server")
			}
		}()
	}

	// Create bot
	voiceBot, err := bot.New(Token, voice.Config{
		ClientID: ClientID,
		Events:   bus,
		Metrics:  collector,
	}, sessionManager)
	if err != nil {
		logrus.WithError(err).Fatal("Error creating bot")
	}
	logrus.WithField("client_id", ClientID).Info("Discord bot created successfully")

	mcpServer := mcp.NewServer(voiceBot, sessionManager, version)
	go func() {
		if err := mcpServer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logrus.WithError(err).Error("MCP server error")
		}
	}()

	// Connect to Discord
	if err := voiceBot.Connect(); err != nil {
		logrus.WithError(err).Fatal("Error connecting to Discord")
	}
	defer func() {
		if err := voiceBot.Disconnect(); err != nil {
			logrus.WithError(err).Warn("Failed to disconnect voice bot")
		}
	}()
	logrus.Info("Connected to Discord")

	// Wait for context cancellation
	logrus.Info("Bot is running. Press CTRL-C to exit.")
	<-ctx.Done()

	logrus.Info("Shutting down gracefully...")
}

func serveMetrics(addr string, collector *metrics.Collector) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Error("Metrics server error")
		}
	}()
	logrus.WithField("addr", addr).Info("Serving metrics")
	return srv
}
