package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/chozzz/vargos/internal/agent"
	"github.com/chozzz/vargos/internal/bootstrap"
	"github.com/chozzz/vargos/internal/channels"
	"github.com/chozzz/vargos/internal/channels/discord"
	"github.com/chozzz/vargos/internal/channels/telegram"
	"github.com/chozzz/vargos/internal/channels/whatsapp"
	"github.com/chozzz/vargos/internal/config"
	"github.com/chozzz/vargos/internal/cron"
	"github.com/chozzz/vargos/internal/delivery"
	"github.com/chozzz/vargos/internal/gateway"
	"github.com/chozzz/vargos/internal/heartbeat"
	"github.com/chozzz/vargos/internal/lock"
	mcpbridge "github.com/chozzz/vargos/internal/mcp"
	"github.com/chozzz/vargos/internal/providers"
	"github.com/chozzz/vargos/internal/sessionsvc"
	"github.com/chozzz/vargos/internal/store"
	filestore "github.com/chozzz/vargos/internal/store/file"
	pgstore "github.com/chozzz/vargos/internal/store/pg"
	sqlitestore "github.com/chozzz/vargos/internal/store/sqlite"
	"github.com/chozzz/vargos/internal/tools"
	"github.com/chozzz/vargos/internal/tracing"
	"github.com/chozzz/vargos/internal/webhook"
	"github.com/chozzz/vargos/pkg/client"
)

func gatewayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Manage the gateway process",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "start",
			Short: "Start the gateway and all services",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runGateway()
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show gateway health",
			RunE: func(cmd *cobra.Command, args []string) error {
				return printHealth(cmd)
			},
		},
		&cobra.Command{
			Use:   "stop",
			Short: "Stop a running gateway",
			RunE: func(cmd *cobra.Command, args []string) error {
				return stopGateway(cmd)
			},
		},
		&cobra.Command{
			Use:   "restart",
			Short: "Stop a running gateway; a supervisor restarts it",
			RunE: func(cmd *cobra.Command, args []string) error {
				return stopGateway(cmd)
			},
		},
	)
	return cmd
}

func runGateway() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	dataDir := cfg.DataDir()
	instanceLock, err := lock.Acquire(dataDir, lock.Options{})
	if err != nil {
		return err
	}
	defer instanceLock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracer, err := tracing.Setup(ctx, cfg.Tracing.Endpoint, cfg.Tracing.Insecure)
	if err != nil {
		slog.Warn("tracing setup failed, continuing without", "error", err)
		tracer = &tracing.Provider{}
	}
	defer tracer.Shutdown(context.Background())

	sessionStore, err := openSessionStore(ctx, cfg, dataDir)
	if err != nil {
		return err
	}
	defer sessionStore.Close()

	workspace := cfg.WorkspaceDir()
	if seeded, err := bootstrap.EnsureWorkspaceFiles(workspace); err != nil {
		slog.Warn("workspace seeding failed", "error", err)
	} else if len(seeded) > 0 {
		slog.Info("seeded workspace templates", "files", seeded)
	}

	// Gateway server first; every service dials it.
	server := gateway.NewServer(gateway.Options{
		Host:           cfg.Gateway.Host,
		Port:           cfg.Gateway.Port,
		RequestTimeout: cfg.Gateway.Timeout(),
		RateLimitRPS:   cfg.Gateway.RateLimitRPS,
	})

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return server.Start(groupCtx) })

	gatewayURL := cfg.Gateway.URL()
	if err := waitForGateway(groupCtx, cfg); err != nil {
		return err
	}

	var connected []*client.Client
	defer func() {
		for i := len(connected) - 1; i >= 0; i-- {
			connected[i].Close()
		}
	}()

	// Sessions service.
	sessionsService := sessionsvc.New(sessionStore)
	if c, err := sessionsService.Connect(groupCtx, gatewayURL); err != nil {
		return err
	} else {
		connected = append(connected, c)
	}

	// Tools service + MCP bridge.
	registry := tools.NewRegistry()
	registry.Register(tools.NewReadFileTool(workspace, true))
	registry.Register(tools.NewExecTool(workspace))
	toolsService := tools.NewService(registry)
	if c, err := toolsService.Connect(groupCtx, gatewayURL); err != nil {
		return err
	} else {
		connected = append(connected, c)
	}
	if cfg.MCP.Transport == "sse" && cfg.MCP.Port > 0 {
		bridge := mcpbridge.NewBridge(registry, Version)
		host := cfg.MCP.Host
		if host == "" {
			host = cfg.Gateway.Host
		}
		group.Go(func() error { return bridge.ServeSSE(groupCtx, host, cfg.MCP.Port) })
	}

	// Agent service.
	profile := cfg.PrimaryProfile()
	agentService := agent.NewService(groupCtx, agent.Options{
		Runtime: providers.NewHTTPRuntime(tracer),
		Profile: agent.Profile{
			Provider: profile.Provider,
			Model:    profile.Model,
			APIKey:   profile.APIKey,
			BaseURL:  profile.BaseURL,
		},
		WorkspaceDir: workspace,
		SystemPrompt: func() string {
			return bootstrap.BuildSystemPrompt(bootstrap.LoadWorkspaceFiles(workspace))
		},
		RunTimeout:   cfg.RunTimeout(),
		HistoryLimit: cfg.Agent.HistoryLimit,
	})
	if c, err := agentService.Connect(groupCtx, gatewayURL); err != nil {
		return err
	} else {
		connected = append(connected, c)
	}

	// Channel adapters.
	manager := channels.NewManager()
	registerChannels(manager, cfg)
	if c, err := manager.Connect(groupCtx, gatewayURL); err != nil {
		return err
	} else {
		connected = append(connected, c)
	}
	manager.StartAll(groupCtx)
	defer manager.StopAll(context.Background())

	// Reply delivery.
	replyService := delivery.NewReplyService(delivery.Options{})
	if c, err := replyService.Connect(groupCtx, gatewayURL); err != nil {
		return err
	} else {
		connected = append(connected, c)
	}

	// Webhook receiver.
	if cfg.Webhook.Enabled {
		hookHost := cfg.Webhook.Host
		if hookHost == "" {
			hookHost = cfg.Gateway.Host
		}
		hookPort := cfg.Webhook.Port
		if hookPort == 0 {
			hookPort = 9001
		}
		hooks := webhook.New(webhook.Options{Host: hookHost, Port: hookPort, Token: cfg.Webhook.Token})
		group.Go(func() error { return hooks.Start(groupCtx, gatewayURL) })
	}

	// Cron scheduler + heartbeat.
	cronService, err := setupCron(groupCtx, cfg, dataDir, gatewayURL, workspace, agentService)
	if err != nil {
		return err
	}
	defer cronService.StopAll()

	// Hot reload: log-only; a restart applies structural changes.
	if err := config.Watch(groupCtx, resolveConfigPath(), func(*config.Config) {
		slog.Info("config changed on disk; restart to apply channel and model changes")
	}); err != nil {
		slog.Debug("config watch unavailable", "error", err)
	}

	slog.Info("vargos gateway up",
		"addr", server.Addr(),
		"channels", len(cfg.Channels),
		"model", profile.Model,
	)

	<-groupCtx.Done()
	stop()
	server.Stop()
	return group.Wait()
}

func openSessionStore(ctx context.Context, cfg *config.Config, dataDir string) (store.Store, error) {
	switch cfg.Sessions.Backend {
	case "", "file":
		return filestore.Open(filepath.Join(dataDir, "sessions"), nil)
	case "sqlite":
		return sqlitestore.Open(filepath.Join(dataDir, "sessions.db"), nil)
	case "postgres":
		if cfg.Sessions.PostgresDSN == "" {
			return nil, fmt.Errorf("sessions backend is postgres but VARGOS_POSTGRES_DSN is not set")
		}
		return pgstore.Open(ctx, cfg.Sessions.PostgresDSN, nil)
	default:
		return nil, fmt.Errorf("unknown sessions backend %q", cfg.Sessions.Backend)
	}
}

func registerChannels(manager *channels.Manager, cfg *config.Config) {
	for name, ch := range cfg.Channels {
		if !ch.Enabled {
			continue
		}
		var platform channels.Platform
		var err error
		switch name {
		case "telegram":
			platform, err = telegram.New(ch.BotToken)
		case "discord":
			platform, err = discord.New(ch.BotToken)
		case "whatsapp":
			platform, err = whatsapp.New(ch.BridgeURL)
		default:
			slog.Warn("unknown channel type in config", "channel", name)
			continue
		}
		if err != nil {
			slog.Error("channel setup failed", "channel", name, "error", err)
			continue
		}
		manager.Register(platform, channels.AdapterOptions{AllowFrom: ch.AllowFrom})
	}
}

func setupCron(ctx context.Context, cfg *config.Config, dataDir, gatewayURL, workspace string, agentService *agent.Service) (*cron.Service, error) {
	tasksPath := filepath.Join(dataDir, "cron", "tasks.json")
	os.MkdirAll(filepath.Dir(tasksPath), 0o755)

	persist := func(tasks []cron.Task) error {
		data, err := json.MarshalIndent(tasks, "", "  ")
		if err != nil {
			return err
		}
		tmp := tasksPath + ".tmp"
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			return err
		}
		return os.Rename(tmp, tasksPath)
	}

	cronService := cron.New(cfg.Cron.Location(), persist, nil)

	// Restore persisted tasks.
	if data, err := os.ReadFile(tasksPath); err == nil {
		var tasks []cron.Task
		if err := json.Unmarshal(data, &tasks); err == nil {
			for _, t := range tasks {
				enabled := t.Enabled
				if _, err := cronService.AddTask(cron.TaskSpec{
					ID:          t.ID,
					Name:        t.Name,
					Schedule:    t.Schedule,
					Description: t.Description,
					Task:        t.Task,
					Enabled:     &enabled,
					Notify:      t.Notify,
					Timezone:    t.Timezone,
					BuiltIn:     t.BuiltIn,
				}, cron.AddOptions{}); err != nil {
					slog.Warn("persisted cron task rejected", "task", t.ID, "error", err)
				}
			}
		}
	}

	// Built-in heartbeat with skip rules; ephemeral so the schedule in
	// config stays authoritative.
	hb := cfg.Agent.Heartbeat
	if hb.Enabled {
		if _, err := cronService.AddTask(cron.TaskSpec{
			ID:       heartbeat.TaskID,
			Schedule: hb.Schedule,
			Task:     "Read HEARTBEAT.md in the workspace and do what it asks. Reply HEARTBEAT_OK if nothing needs attention.",
			BuiltIn:  true,
		}, cron.AddOptions{Ephemeral: true}); err != nil {
			slog.Warn("heartbeat task rejected", "error", err)
		}
		cronService.OnBeforeFire(heartbeat.TaskID, heartbeat.Hook(heartbeat.Options{
			WorkspaceDir: workspace,
			ActiveStart:  hb.ActiveStart,
			ActiveEnd:    hb.ActiveEnd,
			AgentBusy: func() bool {
				return len(agentService.Lifecycle().ListActiveRuns()) > 0
			},
		}))
	}

	if _, err := cronService.Connect(ctx, gatewayURL); err != nil {
		return nil, err
	}
	cronService.StartAll()
	return cronService, nil
}

// waitForGateway polls /health until the listener answers.
func waitForGateway(ctx context.Context, cfg *config.Config) error {
	url := fmt.Sprintf("http://%s:%d/health", cfg.Gateway.Host, cfg.Gateway.Port)
	for attempt := 0; attempt < 50; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
	}
	return fmt.Errorf("gateway did not become healthy")
}

func stopGateway(cmd *cobra.Command) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rec, err := readLockRecord(cfg.DataDir())
	if err != nil {
		return fmt.Errorf("no running gateway found: %w", err)
	}
	proc, err := os.FindProcess(rec.PID)
	if err != nil {
		return err
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal pid %d: %w", rec.PID, err)
	}
	cmd.Printf("sent SIGTERM to gateway (pid %d)\n", rec.PID)
	return nil
}

func readLockRecord(dataDir string) (*lock.Record, error) {
	data, err := os.ReadFile(filepath.Join(dataDir, "vargos.lock"))
	if err != nil {
		return nil, err
	}
	var rec lock.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
