package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/SecureAI-Team/creator-sub000/internal/automation"
	"github.com/SecureAI-Team/creator-sub000/internal/bridge"
	"github.com/SecureAI-Team/creator-sub000/internal/command"
	"github.com/SecureAI-Team/creator-sub000/internal/config"
	"github.com/SecureAI-Team/creator-sub000/internal/controlapi"
	"github.com/SecureAI-Team/creator-sub000/internal/controlplane"
	"github.com/SecureAI-Team/creator-sub000/internal/db"
	"github.com/SecureAI-Team/creator-sub000/internal/engine"
	"github.com/SecureAI-Team/creator-sub000/internal/gateway"
	"github.com/SecureAI-Team/creator-sub000/internal/global"
	"github.com/SecureAI-Team/creator-sub000/internal/lifecycle"
	"github.com/SecureAI-Team/creator-sub000/internal/logging"
	"github.com/SecureAI-Team/creator-sub000/internal/orchestrator"
	"github.com/SecureAI-Team/creator-sub000/internal/relay"
	"github.com/SecureAI-Team/creator-sub000/internal/relayapi"
	"github.com/SecureAI-Team/creator-sub000/internal/router"
	"github.com/SecureAI-Team/creator-sub000/internal/store"
	"github.com/SecureAI-Team/creator-sub000/internal/token"
	"github.com/SecureAI-Team/creator-sub000/internal/wsconn"
)

var version = "dev"

func main() {
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := command.BuildApp(command.Deps{
		LoadServerConfig: config.LoadServerConfig,
		LoadAgentConfig:  config.LoadAgentConfig,
		RunRelay:         runRelay,
		RunControl:       runControl,
		RunAgent:         runAgent,
		RunKeygen:        runKeygen,
		RunMigrateUp:     runMigrateUp,
		Version:          version,
	})

	if err := app.RunContext(rootCtx, os.Args); err != nil {
		logging.NewLogger(logging.Options{Level: "error", Writer: os.Stderr, Component: "creator"}).Error("creator failed", "err", err)
		os.Exit(1)
	}
}

func serverLogger(cfg config.ServerConfig, component string) *slog.Logger {
	return logging.NewLogger(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Writer: os.Stderr, Component: component})
}

func keyDir(cfg config.ServerConfig) string {
	return filepath.Join(cfg.StateDir, "keys")
}

func runKeygen(_ context.Context, cfg config.ServerConfig, force bool) error {
	logger := serverLogger(cfg, "keygen")
	dir := keyDir(cfg)
	if !force {
		if _, _, err := token.LoadKeypair(dir); err == nil {
			logger.Info("signing key already exists", "dir", dir)
			return nil
		}
	}
	pub, priv, err := token.GenerateKeypair()
	if err != nil {
		return err
	}
	if err := token.SaveKeypair(dir, pub, priv); err != nil {
		return err
	}
	logger.Info("signing key written", "dir", dir)
	return nil
}

func runMigrateUp(_ context.Context, cfg config.ServerConfig) error {
	if err := os.MkdirAll(filepath.Dir(cfg.Control.DBPath), 0o755); err != nil {
		return err
	}
	gdb, err := db.OpenWithMigrations(cfg.Control.DBPath)
	if err != nil {
		return err
	}
	serverLogger(cfg, "migrate").Info("database migrated", "path", cfg.Control.DBPath)
	return db.Close(gdb)
}

func runRelay(ctx context.Context, cfg config.ServerConfig) error {
	logger := serverLogger(cfg, "relay")
	pub, err := token.LoadPublicKey(keyDir(cfg))
	if err != nil {
		return fmt.Errorf("load bridge public key (run keygen first): %w", err)
	}

	var sink relay.CompletionSink
	if cfg.Relay.CompletionURL != "" {
		sink = relay.NewHTTPCompletionSink(cfg.Relay.CompletionURL)
	}
	hub := relay.NewHub(relay.HubOptions{Timeout: cfg.Relay.Timeout, Sink: sink, Logger: logger})

	mgr := lifecycle.NewManager()
	mgr.Logger = logger
	srv := relay.NewServer(ctx, hub, relay.KeyVerifier(pub), logger)
	addHTTPServer(mgr, "relay-http", cfg.Relay.Listen, srv.Handler(), logger)
	return mgr.StartAndWait(ctx)
}

func runControl(ctx context.Context, cfg config.ServerConfig) error {
	logger := serverLogger(cfg, "control")
	_, priv, created, err := token.LoadOrGenerateKeypair(keyDir(cfg))
	if err != nil {
		return err
	}
	if created {
		logger.Warn("generated a new bridge signing key; restart the relay to pick it up", "dir", keyDir(cfg))
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Control.DBPath), 0o755); err != nil {
		return err
	}
	gdb, err := db.OpenWithMigrations(cfg.Control.DBPath)
	if err != nil {
		return err
	}
	dispatches, err := store.NewDispatchStore(gdb)
	if err != nil {
		return err
	}
	instances, err := store.NewInstanceStore(gdb)
	if err != nil {
		return err
	}
	files, err := store.NewWorkspaceStore(gdb)
	if err != nil {
		return err
	}

	if cfg.Automation.Command == "" {
		return errors.New("automation.command is required for the control plane")
	}
	baseDir := cfg.Automation.BaseDir
	if baseDir == "" {
		baseDir = filepath.Join(cfg.StateDir, "instances")
	}
	manager, err := automation.NewManager(automation.Options{
		BaseDir:      baseDir,
		Host:         cfg.Automation.Host,
		BasePort:     cfg.Automation.BasePort,
		PortRange:    cfg.Automation.PortRange,
		StartTimeout: cfg.Automation.StartTimeout,
		StopGrace:    cfg.Automation.StopGrace,
		IdleTimeout:  cfg.Automation.IdleTimeout,
		Launcher:     automation.ExecLauncher{Command: cfg.Automation.Command, Args: cfg.Automation.Args},
		Recorder:     instances,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	relayClient := relayapi.NewClient(cfg.Control.RelayURL)
	rt := router.New(relayClient, manager, router.Options{
		AckTimeout:   cfg.Control.AckTimeout,
		DedupeWindow: cfg.Control.DedupeWindow,
		Recorder:     dispatches,
		Logger:       logger,
	})
	srv := controlplane.NewServer(controlplane.Deps{
		Executor:   rt,
		Relay:      relayClient,
		Workspace:  files,
		Dispatches: dispatches,
		SigningKey: priv,
		TokenTTL:   cfg.Control.TokenTTL,
		Logger:     logger,
	})

	mgr := lifecycle.NewManager()
	mgr.Logger = logger
	addHTTPServer(mgr, "control-http", cfg.Control.Listen, srv.Handler(), logger)
	mgr.AddRun("instance-sweeper", manager.RunSweeper)
	mgr.AddShutdown("close-db", func(context.Context) error {
		return db.Close(gdb)
	})
	mgr.AddShutdown("stop-instances", manager.StopAll)
	return mgr.StartAndWait(ctx)
}

func runAgent(ctx context.Context, cfg config.AgentConfig) error {
	logger := logging.NewLogger(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Writer: os.Stderr, Component: "agent"})
	settings := global.NewConfigStore(cfg.ConfigDir)
	current, err := settings.LoadOrInit()
	if err != nil {
		return err
	}
	workspaceDir := cfg.WorkspaceDir
	if current.WorkspaceDir != "" {
		workspaceDir = current.WorkspaceDir
	}

	gw := gateway.NewClient(gateway.Options{
		Host: cfg.GatewayHost,
		Endpoint: func() gateway.Endpoint {
			s, err := settings.LoadOrInit()
			if err != nil {
				logger.Warn("load agent settings failed", "err", err)
				return gateway.Endpoint{Port: current.Gateway.Port, Token: current.Gateway.Token}
			}
			return gateway.Endpoint{Port: s.Gateway.Port, Token: s.Gateway.Token}
		},
		Dialer:  wsconn.RealDialer{},
		Version: version,
		Logger:  logger,
	})

	var bridgeClient orchestrator.Bridge
	if cfg.UserID == "" {
		logger.Warn("CREATOR_USER is not set; the local bridge is disabled")
	} else {
		handler := bridge.NewHandler(gw, bridge.HandlerOptions{Logger: logger})
		bridgeClient = bridge.NewClient(handler, bridge.ClientOptions{
			RelayURL: cfg.RelayURL,
			Dialer:   wsconn.RealDialer{},
			Logger:   logger,
		})
	}

	reporter := orchestrator.NewConsoleReporter(os.Stderr)
	var orch *orchestrator.Orchestrator
	sup := engine.NewSupervisor(engine.Options{
		Command:        cfg.EngineCommand,
		Workspace:      workspaceDir,
		Port:           current.Gateway.Port,
		Launcher:       automation.ExecLauncher{Command: cfg.EngineCommand, Args: cfg.EngineArgs},
		CrashThreshold: cfg.CrashLoopRestarts,
		OnExit: func(r engine.ExitReport) {
			orch.ReportEngineExit(r)
		},
		Logger: logger,
	})
	orch = orchestrator.New(settings, controlapi.NewClient(cfg.ControlURL, cfg.UserID), bridgeClient, sup, orchestrator.Options{
		WorkspaceDir:   workspaceDir,
		RetryStep:      cfg.RetryStep,
		MaxRetries:     cfg.MaxRetries,
		HealthInterval: cfg.HealthInterval,
		Cooldown:       cfg.ConnectCooldown,
		CrashThreshold: cfg.CrashLoopRestarts,
		Reporter:       reporter,
		Logger:         logger,
	})

	mgr := lifecycle.NewManager()
	mgr.Logger = logger
	mgr.AddRun("orchestrator", orch.Run)
	mgr.AddShutdown("close-gateway", func(context.Context) error {
		return gw.Close()
	})
	mgr.AddShutdown("stop-engine", sup.Stop)
	return mgr.StartAndWait(ctx)
}

func addHTTPServer(mgr *lifecycle.Manager, name, addr string, h http.Handler, logger *slog.Logger) {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	mgr.AddRun(name, func(runCtx context.Context) error {
		go func() {
			<-runCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(shutdownCtx)
		}()
		logger.Info("listening", "server", name, "addr", addr, "version", version)
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
}
