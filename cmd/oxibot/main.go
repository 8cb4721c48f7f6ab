// Command oxibot is the runtime entrypoint: it loads configuration, wires the
// LLM providers, the agent loop, every channel adapter, the cron scheduler
// and the heartbeat, then blocks until an interrupt signal arrives.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"

	"github.com/sipeed/oxibot/pkg/agent"
	"github.com/sipeed/oxibot/pkg/auth"
	"github.com/sipeed/oxibot/pkg/bus"
	"github.com/sipeed/oxibot/pkg/channels"
	"github.com/sipeed/oxibot/pkg/config"
	"github.com/sipeed/oxibot/pkg/cron"
	"github.com/sipeed/oxibot/pkg/heartbeat"
	"github.com/sipeed/oxibot/pkg/logger"
	"github.com/sipeed/oxibot/pkg/providers"
)

func main() {
	cmd := "run"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "run":
		if err := runCmd(); err != nil {
			fmt.Fprintln(os.Stderr, "oxibot:", err)
			os.Exit(1)
		}
	case "cli":
		if err := cliCmd(); err != nil {
			fmt.Fprintln(os.Stderr, "oxibot:", err)
			os.Exit(1)
		}
	case "version", "--version", "-v":
		fmt.Println("oxibot", version)
	default:
		printHelp()
		if cmd != "help" && cmd != "--help" && cmd != "-h" {
			os.Exit(1)
		}
	}
}

var version = "dev"

func printHelp() {
	fmt.Println("oxibot - multi-channel AI assistant runtime")
	fmt.Println()
	fmt.Println("Usage: oxibot <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run       Start all configured channels, cron, and heartbeat (default)")
	fmt.Println("  cli       Interactive local REPL against the agent, no channels")
	fmt.Println("  version   Print the build version")
}

// buildProvider resolves the primary LLM provider (Claude, OAuth or API key)
// and wraps it with a fallback provider when one is configured.
func buildProvider(cfg *config.Config) (providers.LLMProvider, error) {
	var primary providers.LLMProvider

	cred, err := auth.GetCredential("anthropic")
	if err != nil {
		return nil, fmt.Errorf("load anthropic credential: %w", err)
	}
	switch {
	case cred != nil && cred.AuthMethod == "oauth":
		primary = providers.NewClaudeProviderOAuth(func() (string, error) {
			c, err := auth.GetCredential("anthropic")
			if err != nil {
				return "", err
			}
			if c == nil {
				return "", fmt.Errorf("no anthropic credential saved")
			}
			if c.NeedsRefresh() && c.RefreshToken != "" {
				refreshed, err := auth.RefreshAccessToken(c, auth.AnthropicOAuthConfig())
				if err != nil {
					return "", fmt.Errorf("refresh anthropic token: %w", err)
				}
				if err := auth.SetCredential("anthropic", refreshed); err != nil {
					logger.WarnCF("main", "failed to persist refreshed credential", map[string]interface{}{"error": err.Error()})
				}
				c = refreshed
			}
			return c.AccessToken, nil
		})
	case cfg.Providers.Anthropic.APIKey != "":
		primary = providers.NewClaudeProvider(cfg.Providers.Anthropic.APIKey)
	default:
		return nil, fmt.Errorf("no Anthropic credential configured: store an anthropic credential or set providers.anthropic.apiKey")
	}

	if cfg.Providers.OpenAI.APIKey == "" {
		return primary, nil
	}

	var fallback providers.LLMProvider
	if cfg.Providers.OpenAI.APIBase != "" {
		fallback = providers.NewOpenAIProviderWithBaseURL(cfg.Providers.OpenAI.APIKey, cfg.Providers.OpenAI.APIBase, cfg.Agents.Defaults.FallbackModel)
	} else {
		fallback = providers.NewOpenAIProvider(cfg.Providers.OpenAI.APIKey, cfg.Agents.Defaults.FallbackModel)
	}

	return providers.NewFallbackProvider(primary, fallback, cfg.Agents.Defaults.Model, cfg.Agents.Defaults.FallbackModel), nil
}

func setupChannels(cfg *config.Config, msgBus *bus.MessageBus, loop *agent.AgentLoop) *channels.Manager {
	manager := channels.NewManager(msgBus)

	if cfg.Telegram.BotToken != "" {
		resetHistory := func(channel, chatID string) {
			if err := loop.ClearSession(channel, chatID); err != nil {
				logger.WarnCF("main", "failed to clear session", map[string]interface{}{"channel": channel, "chatId": chatID, "error": err.Error()})
			}
		}
		manager.Register(channels.NewTelegramChannel(cfg.Telegram, msgBus, nil, resetHistory))
	}
	if cfg.Discord.BotToken != "" {
		manager.Register(channels.NewDiscordChannel(cfg.Discord, msgBus))
	}
	if cfg.Slack.BotToken != "" && cfg.Slack.AppToken != "" {
		manager.Register(channels.NewSlackChannel(cfg.Slack, msgBus))
	}
	if cfg.WhatsApp.BridgeURL != "" {
		manager.Register(channels.NewWhatsAppChannel(cfg.WhatsApp, msgBus))
	}
	if cfg.Email.ImapHost != "" {
		manager.Register(channels.NewEmailChannel(cfg.Email, msgBus))
	}

	return manager
}

func runCmd() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Init(logger.Config{Level: cfg.Logging.Level, JSON: cfg.Logging.Format == "json"})

	provider, err := buildProvider(cfg)
	if err != nil {
		return err
	}

	msgBus := bus.NewMessageBus(256)
	defer msgBus.Close()

	loop := agent.NewAgentLoop(cfg, msgBus, provider)

	channelManager := setupChannels(cfg, msgBus, loop)

	cronSvc := cron.NewService(cfg.CronStorePath(), msgBus)
	cronSvc.SetOnJob(func(ctx context.Context, job cron.CronJob) (string, error) {
		return loop.ProcessDirectWithChannel(ctx, job.Payload.Message, job.SessionKey(), job.Payload.Channel, job.Payload.To)
	})
	if err := cronSvc.Load(); err != nil {
		logger.WarnCF("main", "failed to load cron store", map[string]interface{}{"error": err.Error()})
	}

	heartbeatSvc := heartbeat.NewService(cfg.WorkspacePath(), time.Duration(cfg.Heartbeat.IntervalSeconds)*time.Second, cfg.Heartbeat.IntervalSeconds > 0)
	heartbeatSvc.SetOnHeartbeat(func(ctx context.Context, prompt string) (string, error) {
		return loop.ProcessHeartbeat(ctx, prompt, "system", "heartbeat")
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	channelManager.StartAll(ctx)
	if err := cronSvc.Start(ctx); err != nil {
		return fmt.Errorf("start cron: %w", err)
	}
	if err := heartbeatSvc.Start(ctx); err != nil {
		return fmt.Errorf("start heartbeat: %w", err)
	}

	go func() {
		if err := loop.Run(ctx); err != nil {
			logger.ErrorCF("main", "agent loop exited", map[string]interface{}{"error": err.Error()})
		}
	}()

	logger.InfoCF("main", "oxibot started", map[string]interface{}{"channels": channelManager.Names()})
	<-ctx.Done()
	logger.InfoCF("main", "shutting down", nil)

	loop.Stop()
	channelManager.StopAll(context.Background())
	_ = cronSvc.Stop(context.Background())
	_ = heartbeatSvc.Stop(context.Background())

	return nil
}

// cliCmd runs a local interactive REPL against the agent loop, with no
// channel adapters started — for quick testing without Telegram/Discord/etc.
func cliCmd() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Init(logger.Config{Level: cfg.Logging.Level, JSON: cfg.Logging.Format == "json"})

	provider, err := buildProvider(cfg)
	if err != nil {
		return err
	}

	msgBus := bus.NewMessageBus(32)
	defer msgBus.Close()

	loop := agent.NewAgentLoop(cfg, msgBus, provider)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	historyFile := filepath.Join(cfg.DataDir, "history", "cli_history")
	if err := os.MkdirAll(filepath.Dir(historyFile), 0755); err != nil {
		return fmt.Errorf("create history dir: %w", err)
	}
	rl, err := readline.NewEx(&readline.Config{Prompt: "oxibot> ", HistoryFile: historyFile})
	if err != nil {
		return fmt.Errorf("init readline: %w", err)
	}
	defer rl.Close()

	fmt.Println("oxibot CLI — type a message, or /exit to quit.")
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		line, err := rl.Readline()
		if err != nil { // io.EOF or readline.ErrInterrupt
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "/exit" || line == "/quit" {
			return nil
		}

		resp, err := loop.ProcessDirect(ctx, line, bus.SessionKey("cli", "direct"))
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			continue
		}
		fmt.Println(resp)
	}
}
