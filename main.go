package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/smazurov/llmpool/cmd"
	"github.com/smazurov/llmpool/internal/api"
	"github.com/smazurov/llmpool/internal/client"
	"github.com/smazurov/llmpool/internal/config"
	"github.com/smazurov/llmpool/internal/events"
	"github.com/smazurov/llmpool/internal/logging"
	"github.com/smazurov/llmpool/internal/metrics"
	"github.com/smazurov/llmpool/internal/pool"
	"github.com/smazurov/llmpool/internal/server"
	"github.com/smazurov/llmpool/internal/session"
	"github.com/smazurov/llmpool/internal/updater"
	"github.com/smazurov/llmpool/internal/version"
)

// Options for the CLI - flat structure with toml mapping.
type Options struct {
	Config string `help:"Path to configuration file" short:"c" default:"llmpool.toml"`

	// Backend settings
	BackendCommand string `help:"Backend session command line" toml:"backend.command" env:"BACKEND_COMMAND"`
	BackendModel   string `help:"Model name appended to the backend command" toml:"backend.model" env:"BACKEND_MODEL"`

	// Pool settings
	CompletionSlots int    `help:"Completion pool size" default:"3" toml:"pool.completion_slots" env:"POOL_COMPLETION_SLOTS"`
	CommandSlots    int    `help:"Command pool size" default:"1" toml:"pool.command_slots" env:"POOL_COMMAND_SLOTS"`
	WarmupPrompt    string `help:"Warm-up prompt sent to fresh sessions" default:"Two plus two equals ___." toml:"pool.warmup_prompt" env:"POOL_WARMUP_PROMPT"`
	WarmupExpect    string `help:"Substring a warm-up reply must contain" default:"four" toml:"pool.warmup_expect" env:"POOL_WARMUP_EXPECT"`

	// Debug API settings
	DebugAddr    string `help:"Debug API listen address, empty disables it" toml:"api.debug_addr" env:"API_DEBUG_ADDR"`
	AuthUsername string `help:"Debug API basic auth username" toml:"api.username" env:"API_USERNAME"`
	AuthPassword string `help:"Debug API basic auth password" toml:"api.password" env:"API_PASSWORD"`

	// Update settings
	UpdatePrerelease bool `help:"Include prereleases when checking for updates" default:"false" toml:"update.prerelease" env:"UPDATE_PRERELEASE"`

	// Logging settings
	LoggingLevel   string `help:"Global logging level (debug, info, warn, error)" default:"info" toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat  string `help:"Logging format (text, json)" default:"text" toml:"logging.format" env:"LOGGING_FORMAT"`
	LoggingPool    string `help:"Pool logging level" default:"info" toml:"logging.pool" env:"LOGGING_POOL"`
	LoggingSession string `help:"Session logging level" default:"info" toml:"logging.session" env:"LOGGING_SESSION"`
	LoggingServer  string `help:"Server logging level" default:"info" toml:"logging.server" env:"LOGGING_SERVER"`
	LoggingClient  string `help:"Client logging level" default:"info" toml:"logging.client" env:"LOGGING_CLIENT"`
	LoggingConfig  string `help:"Config logging level" default:"info" toml:"logging.config" env:"LOGGING_CONFIG"`
	LoggingAPI     string `help:"API logging level" default:"info" toml:"logging.api" env:"LOGGING_API"`
	LoggingUpdater string `help:"Updater logging level" default:"info" toml:"logging.updater" env:"LOGGING_UPDATER"`
}

func main() {
	// Create Huma CLI. The default command runs a foreground pool server.
	var cli humacli.CLI
	cli = humacli.New(func(hooks humacli.Hooks, opts *Options) {
		// Load configuration automatically
		if loadErr := config.LoadConfig(opts, cli.Root()); loadErr != nil {
			slog.Warn("Failed to load config", "error", loadErr)
		}

		// Initialize logging system
		logging.Initialize(logging.Config{
			Level:  opts.LoggingLevel,
			Format: opts.LoggingFormat,
			Modules: map[string]string{
				"pool":    opts.LoggingPool,
				"session": opts.LoggingSession,
				"server":  opts.LoggingServer,
				"client":  opts.LoggingClient,
				"config":  opts.LoggingConfig,
				"api":     opts.LoggingAPI,
				"updater": opts.LoggingUpdater,
			},
		})

		logger := logging.GetLogger("main")

		// Create event bus for in-process event handling
		eventBus := events.New()

		// Prometheus series follow pool lifecycle events
		bridge := metrics.NewBridge(eventBus)

		poolClient := client.New(&client.Options{
			Server: server.Options{
				Backend: session.BackendConfig{
					Command: opts.BackendCommand,
					Model:   opts.BackendModel,
				},
				CompletionSlots: opts.CompletionSlots,
				CommandSlots:    opts.CommandSlots,
				Warmup: pool.WarmupConfig{
					Prompt: opts.WarmupPrompt,
					Expect: opts.WarmupExpect,
				},
				Bus:    eventBus,
				Logger: logging.GetLogger("server"),
				// A dispose request from another process stops the server
				// under us; fold that into the normal shutdown path.
				OnStop: func() {
					if proc, err := os.FindProcess(os.Getpid()); err == nil {
						_ = proc.Signal(syscall.SIGTERM)
					}
				},
			},
			Logger: logging.GetLogger("client"),
		})

		// Hot reload: edits to the config file swap the backend config,
		// live sessions pick it up as they recycle
		watcher := config.NewConfigWatcher(
			opts.Config,
			config.LoadBackendConfig,
			logging.GetLogger("config"),
		)
		watcher.OnReload(func(cfg session.BackendConfig) {
			if err := poolClient.UpdateConfig(cfg); err != nil {
				logger.Warn("Failed to apply reloaded backend config", "error", err)
			}
		})

		var updateService updater.Service
		if svc, updErr := updater.NewService(&updater.Options{
			Repository: updater.DefaultRepository,
			Prerelease: opts.UpdatePrerelease,
		}); updErr != nil {
			logger.Warn("Update service unavailable", "error", updErr)
		} else {
			updateService = svc
		}

		// The debug API only exists when an address is configured
		var apiServer *api.Server
		if opts.DebugAddr != "" {
			logging.SetLogCallback(func(entry logging.LogEntry) {
				eventBus.Publish(events.LogEntryEvent{
					Seq:        entry.Seq,
					Timestamp:  entry.Timestamp.Format(time.RFC3339Nano),
					Level:      entry.Level,
					Module:     entry.Module,
					Message:    entry.Message,
					Attributes: entry.Attributes,
				})
			})

			apiServer = api.NewServer(&api.Options{
				AuthUsername:      opts.AuthUsername,
				AuthPassword:      opts.AuthPassword,
				Pools:             poolClient,
				Bus:               eventBus,
				UpdateService:     updateService,
				PrometheusHandler: metrics.Handler(),
			})
		}

		hooks.OnStart(func() {
			if opts.BackendCommand == "" {
				logger.Error("No backend command configured", "config", opts.Config)
				os.Exit(1)
			}

			if err := poolClient.Activate(context.Background()); err != nil {
				logger.Error("Failed to activate session pools", "error", err)
				os.Exit(1)
			}
			if poolClient.Role() != client.RoleServer {
				// A foreground server must win the election.
				pid := 0
				if st, statusErr := poolClient.Status(); statusErr == nil {
					pid = st.PID
				}
				logger.Error("Another pool server is already running", "pid", pid)
				poolClient.Dispose()
				os.Exit(1)
			}

			if err := watcher.Start(); err != nil {
				logger.Warn("Config watcher failed to start, hot reload disabled", "error", err)
			}

			if apiServer != nil {
				go func() {
					if err := apiServer.Start(opts.DebugAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("Debug API server failed", "error", err)
					}
				}()
			}

			logger.Info("Session pools serving", "version", version.String(), "pid", os.Getpid())
		})

		hooks.OnStop(func() {
			logger.Info("Shutting down")
			_ = watcher.Stop()
			if apiServer != nil {
				if stopErr := apiServer.Stop(); stopErr != nil {
					logger.Error("Error stopping debug API server", "error", stopErr)
				}
			}
			poolClient.Dispose()
			bridge.Close()

			// An applied update wants this process replaced. Socket and
			// lockfile are released by now, so the fresh binary can win
			// the election cleanly.
			if updateService != nil && updateService.IsRestartPending() {
				logger.Info("Restarting into updated binary")
				if execErr := updater.ReExec(); execErr != nil {
					logger.Error("Failed to re-exec", "error", execErr)
				}
			}
		})
	})

	// One-shot pool commands share the socket with the server
	cli.Root().AddCommand(cmd.CreateCompleteCmd())
	cli.Root().AddCommand(cmd.CreateCommandCmd())
	cli.Root().AddCommand(cmd.CreateStatusCmd())
	cli.Root().AddCommand(cmd.CreateRecycleCmd())
	cli.Root().AddCommand(cmd.CreateStopCmd())

	// Self-update
	cli.Root().AddCommand(cmd.CreateUpgradeCmd())

	// Run the CLI
	cli.Run()
}
