// Package main provides the CLI entry point for the Sentinel core: the
// agent execution runtime, the passive interception proxy, and the MCP
// client pool.
//
// # Basic Usage
//
// Start the services:
//
//	sentinel serve --config sentinel.yaml
//
// # Environment Variables
//
//   - SENTINEL_CONFIG: Path to the configuration file (default: sentinel.yaml)
//   - ANTHROPIC_API_KEY: Anthropic API key
//   - OPENAI_API_KEY: OpenAI API key for OpenAI-compatible providers
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sentinel-labs/sentinel/internal/agent"
	"github.com/sentinel-labs/sentinel/internal/bus"
	"github.com/sentinel-labs/sentinel/internal/cancel"
	"github.com/sentinel-labs/sentinel/internal/config"
	"github.com/sentinel-labs/sentinel/internal/mcp"
	"github.com/sentinel-labs/sentinel/internal/observability"
	"github.com/sentinel-labs/sentinel/internal/provider"
	"github.com/sentinel-labs/sentinel/internal/proxy"
	"github.com/sentinel-labs/sentinel/internal/storage"
)

var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "sentinel",
		Short: "Security-research workstation core: agent runtime, interception proxy, MCP pool",
	}
	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "path to configuration file")

	root.AddCommand(serveCmd(&configPath))
	root.AddCommand(versionCmd())
	return root
}

func defaultConfigPath() string {
	if path := os.Getenv("SENTINEL_CONFIG"); path != "" {
		return path
	}
	return "sentinel.yaml"
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("sentinel", version)
		},
	}
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy, the MCP pool and the agent runtime",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger := cfg.NewLogger()
			slog.SetDefault(logger)
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	gateway, err := storage.OpenSQLite(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer gateway.Close()
	if err := gateway.EnsureRunStateSchema(ctx); err != nil {
		return err
	}

	metrics := observability.NewMetrics(nil)
	eventBus := bus.New(1024, logger)
	cancels := cancel.NewRegistry(logger)
	cancel.SetDefault(cancels)

	client, err := buildClient(cfg)
	if err != nil {
		return err
	}

	manager := mcp.NewManager(gateway, logger)
	if err := manager.Start(ctx); err != nil {
		logger.Error("mcp manager start failed", "error", err)
	}
	defer manager.Shutdown()

	executor := agent.NewExecutor(client, agent.NewToolRegistry(),
		agent.NewMCPToolDispatcher(manager), gateway, eventBus, metrics, logger)
	agentService := agent.NewService(cfg.Agent, executor, gateway, eventBus, cancels, nil, nil, logger)

	control := newControlServer(agentService, eventBus, logger)
	controlSrv := &http.Server{Addr: "127.0.0.1:4200", Handler: control.routes()}
	go func() {
		if err := controlSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("control server stopped", "error", err)
		}
	}()
	defer controlSrv.Close()

	handler := proxy.NewHandler(cfg.Proxy, eventBus, metrics, logger)
	proxyService := proxy.NewService(cfg.Proxy, handler, nil, logger)
	port, err := proxyService.Start(ctx)
	if err != nil {
		return fmt.Errorf("start proxy: %w", err)
	}
	defer proxyService.Stop()
	logger.Info("sentinel core running", "proxy_port", port)

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()
	logger.Info("shutting down")
	return nil
}

func buildClient(cfg *config.Config) (provider.StreamingClient, error) {
	switch cfg.LLM.Provider {
	case "openai":
		return provider.NewOpenAIClient(provider.OpenAIConfig{
			APIKey:       cfg.LLM.APIKey,
			BaseURL:      cfg.LLM.BaseURL,
			DefaultModel: cfg.LLM.DefaultModel,
		})
	default:
		return provider.NewAnthropicClient(provider.AnthropicConfig{
			APIKey:       cfg.LLM.APIKey,
			BaseURL:      cfg.LLM.BaseURL,
			DefaultModel: cfg.LLM.DefaultModel,
		})
	}
}
