package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	relay "github.com/bt-bridge/avatar-relay"
	"github.com/bt-bridge/avatar-relay/avatar"
	"github.com/bt-bridge/avatar-relay/shared"
	"github.com/bt-bridge/avatar-relay/upstream"
)

// Environment variable keys
const (
	envKeyAddr              string = "RELAY_ADDR"
	envKeyAdminAddr         string = "RELAY_ADMIN_ADDR"
	envKeyProvider          string = "RELAY_PROVIDER"
	envKeyGeminiAPIKey      string = "GEMINI_API_KEY"
	envKeyGeminiModel       string = "GEMINI_MODEL"
	envKeyOpenAIAPIKey      string = "OPENAI_API_KEY"
	envKeyOpenAIBaseURL     string = "OPENAI_BASE_URL"
	envKeyOpenAIModel       string = "OPENAI_MODEL"
	envKeyDefaultVoice      string = "RELAY_DEFAULT_VOICE"
	envKeyInstruction       string = "RELAY_SYSTEM_INSTRUCTION"
	envKeyCatalogFile       string = "RELAY_CATALOG_FILE"
	envKeyAccessToken       string = "RELAY_ACCESS_TOKEN"
	envKeyAllowedOrigins    string = "RELAY_ALLOWED_ORIGINS"
	envKeyLogFile           string = "RELAY_LOG_FILE"
	envKeyShutdownGracetime string = "RELAY_SHUTDOWN_GRACE"
)

// Log file configuration
const (
	logFileMaxSize    int  = 10 * 1 << 20 // 10 MB
	logFileMaxBackups int  = 2            // keep 2 backups
	logFileMaxAge     int  = 3            // max age 3 days
	logFileCompress   bool = false        // no compression
)

const (
	providerGemini string = "gemini"
	providerOpenAI string = "openai"
)

const defaultInstruction string = `
You are the voice of a friendly 3D avatar.
Keep answers short and conversational.
Use set_mood, set_expression and play_gesture to match what you say,
and play_animation for greetings and celebrations.
`

// relayConfig is the effective configuration, logged at startup.
type relayConfig struct {
	Addr           string   `yaml:"addr"`
	AdminAddr      string   `yaml:"admin_addr"`
	Provider       string   `yaml:"provider"`
	Model          string   `yaml:"model"`
	DefaultVoice   string   `yaml:"default_voice"`
	CatalogFile    string   `yaml:"catalog_file"`
	Tools          []string `yaml:"tools"`
	AccessToken    bool     `yaml:"access_token"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	Credentials    bool     `yaml:"upstream_credentials"`
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "loading .env:", err)
	}

	// Initialize logger
	var logger shared.LoggerAdapter
	if logFile := shared.MustGetenv(shared.GetenvString, envKeyLogFile, false, ""); logFile != "" {
		logger = shared.NewFileLogger(logFile, logFileMaxSize, logFileMaxBackups, logFileMaxAge, logFileCompress)
	} else {
		logger = shared.NewStdLogger()
	}
	logger = logger.With(zap.String("component", "relay"), zap.String("version", shared.Version))

	if err := run(logger); err != nil {
		logger.Error("relay stopped", err)
		os.Exit(1)
	}
}

func run(logger shared.LoggerAdapter) error {
	cfg := relayConfig{
		Addr:         shared.MustGetenv(shared.GetenvString, envKeyAddr, false, ":8080"),
		AdminAddr:    shared.MustGetenv(shared.GetenvString, envKeyAdminAddr, false, ":9090"),
		Provider:     strings.ToLower(shared.MustGetenv(shared.GetenvString, envKeyProvider, false, providerGemini)),
		DefaultVoice: shared.MustGetenv(shared.GetenvString, envKeyDefaultVoice, false, ""),
		CatalogFile:  shared.MustGetenv(shared.GetenvString, envKeyCatalogFile, false, ""),
	}
	instruction := shared.MustGetenv(shared.GetenvString, envKeyInstruction, false, strings.TrimSpace(defaultInstruction))
	accessToken := shared.MustGetenv(shared.GetenvString, envKeyAccessToken, false, "")
	cfg.AccessToken = accessToken != ""
	for _, o := range strings.Split(shared.MustGetenv(shared.GetenvString, envKeyAllowedOrigins, false, ""), ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
		}
	}
	grace, err := shared.Getenv(shared.GetenvDuration, envKeyShutdownGracetime, false, 10*time.Second)
	if err != nil {
		return err
	}

	// Loading the avatar catalog and declaring its tools
	catalog, err := avatar.CatalogOrDefault(cfg.CatalogFile)
	if err != nil {
		return fmt.Errorf("loading catalog: %w", err)
	}
	var tools []upstream.ToolDeclaration
	for _, spec := range avatar.Tools(catalog) {
		tools = append(tools, upstream.ToolDeclaration{Name: spec.Name, Description: spec.Description, Parameters: spec.Parameters})
		cfg.Tools = append(cfg.Tools, spec.Name)
	}

	// Choosing the upstream voice service
	dialer, outputRate, err := newDialer(logger, &cfg)
	if err != nil {
		return err
	}

	dump, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config to yaml: %w", err)
	}
	logger.Info("relay configuration\n" + string(dump))

	gates := []relay.Gate{relay.AccessTokenGate(accessToken)}
	if len(cfg.AllowedOrigins) > 0 {
		gates = append(gates, relay.OriginGate(cfg.AllowedOrigins...))
	}
	server, err := relay.NewServer(logger, relay.ServerConfig{
		Connection: relay.ConnectionConfig{
			Dialer:       dialer,
			DefaultVoice: cfg.DefaultVoice,
			OutputRate:   outputRate,
			Upstream: upstream.Config{
				Model:             cfg.Model,
				SystemInstruction: instruction,
				Tools:             tools,
				InputRate:         upstream.GeminiInputRate,
			},
		},
		Gates:               gates,
		UpstreamCredentials: cfg.Credentials,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	adminLn, err := net.Listen("tcp", cfg.AdminAddr)
	if err != nil {
		return fmt.Errorf("listening on admin address: %w", err)
	}
	go func() {
		if err := relay.ServeAdmin(ctx, logger, adminLn, server); err != nil {
			logger.Error("admin server", err)
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errC := make(chan error, 1)
	go func() {
		logger.Info("relay listening", zap.String("addr", cfg.Addr))
		errC <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errC:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("connections did not drain", zap.Error(err))
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	logger.Info("graceful shutdown complete")
	return nil
}

// newDialer builds the configured provider. Without credentials the relay
// still serves, and every session fails setup.
func newDialer(logger shared.LoggerAdapter, cfg *relayConfig) (upstream.Dialer, int, error) {
	var (
		dialer upstream.Dialer
		err    error
	)
	switch cfg.Provider {
	case providerGemini:
		apiKey := shared.MustGetenv(shared.GetenvString, envKeyGeminiAPIKey, false, "")
		cfg.Model = shared.MustGetenv(shared.GetenvString, envKeyGeminiModel, false, upstream.GeminiDefaultModel)
		dialer, err = upstream.NewGeminiDialer(logger, apiKey, "", cfg.Model)
	case providerOpenAI:
		apiKey := shared.MustGetenv(shared.GetenvString, envKeyOpenAIAPIKey, false, "")
		baseURL := shared.MustGetenv(shared.GetenvString, envKeyOpenAIBaseURL, false, upstream.OpenAIDefaultBaseURL)
		cfg.Model = shared.MustGetenv(shared.GetenvString, envKeyOpenAIModel, false, upstream.OpenAIDefaultModel)
		dialer, err = upstream.NewOpenAIDialer(logger, apiKey, baseURL, cfg.Model)
	default:
		return nil, 0, fmt.Errorf("unknown provider %q (want %s or %s)", cfg.Provider, providerGemini, providerOpenAI)
	}
	outputRate := upstream.GeminiOutputRate
	if cfg.Provider == providerOpenAI {
		outputRate = upstream.OpenAIRate
	}
	if errors.Is(err, shared.ErrNoAPIKey) {
		logger.Warn("no upstream API key configured, sessions will fail setup", zap.String("provider", cfg.Provider))
		return upstream.DialerFunc(func(context.Context, upstream.Config) (upstream.Session, error) {
			return nil, shared.ErrNoAPIKey
		}), outputRate, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("creating %s dialer: %w", cfg.Provider, err)
	}
	cfg.Credentials = true
	return dialer, outputRate, nil
}
