package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/bt-bridge/reporecon/config"
	"github.com/bt-bridge/reporecon/live"
	"github.com/bt-bridge/reporecon/metrics"
	"github.com/bt-bridge/reporecon/server"
	"github.com/bt-bridge/reporecon/shared"
	"github.com/bt-bridge/reporecon/tools"
)

// Environment variable keys
const (
	envKeyGeminiAPIKey string = "GEMINI_API_KEY"
	envKeyGitHubToken  string = "GITHUB_TOKEN"
)

// Voice persona
const systemPrompt string = "You are RepoRecon. When the user asks to look at a repository, immediately use the scout_github_issues tool. When they pick an issue, use analyze_issue_code. Speak concisely."

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	// Secrets come from the environment; a .env file may supply them in
	// development.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	var logger shared.LoggerAdapter
	if cfg.Log.File != "" {
		logger = shared.NewFileLogger(
			cfg.Log.File, cfg.Log.MaxSizeMB, cfg.Log.MaxBackups, cfg.Log.MaxAgeDays, cfg.Log.Compress,
		)
	} else {
		logger = shared.NewStdLogger()
	}
	logger = logger.With(
		zap.String("component", "server"),
		zap.String("version", shared.Version),
	)

	apiKey, err := shared.Getenv(shared.GetenvString, envKeyGeminiAPIKey, true, "")
	if err != nil {
		logger.Error("GEMINI_API_KEY environment variable", err)
		os.Exit(1)
	}
	githubToken, err := shared.Getenv(shared.GetenvString, envKeyGitHubToken, false, "")
	if err != nil {
		logger.Error("GITHUB_TOKEN environment variable", err)
		os.Exit(1)
	}
	if githubToken == "" {
		logger.Warn("GITHUB_TOKEN not set; GitHub lookups are unauthenticated and rate limited")
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promRegistry)

	registry, err := tools.NewRegistry(logger)
	if err != nil {
		logger.Error("creating tool registry", err)
		os.Exit(1)
	}
	github, err := tools.NewGitHubClient(logger, cfg.GitHub.APIBaseURL, githubToken, cfg.GitHub.GetRequestTimeout())
	if err != nil {
		logger.Error("creating GitHub client", err)
		os.Exit(1)
	}
	if err := github.Register(registry); err != nil {
		logger.Error("registering GitHub tools", err)
		os.Exit(1)
	}

	liveConfig := live.Config{
		APIKey:             apiKey,
		Host:               cfg.Gemini.Host,
		Model:              cfg.Gemini.Model,
		SystemInstruction:  systemPrompt,
		ResponseModalities: []string{live.ModalityAudio},
	}

	srv, err := server.NewServer(logger, cfg, m, registry, promRegistry, liveConfig, nil)
	if err != nil {
		logger.Error("creating server", err)
		os.Exit(1)
	}

	logger.Info("service starting",
		zap.String("addr", cfg.Server.Addr()),
		zap.String("model", cfg.Gemini.Model),
		zap.Strings("tools", registry.Names()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		logger.Error("server stopped", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
