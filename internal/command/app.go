package command

import (
	"context"
	"errors"

	"github.com/urfave/cli/v2"

	"github.com/SecureAI-Team/creator-sub000/internal/config"
)

type Deps struct {
	LoadServerConfig func(path string) (config.ServerConfig, error)
	LoadAgentConfig  func() config.AgentConfig
	RunRelay         func(context.Context, config.ServerConfig) error
	RunControl       func(context.Context, config.ServerConfig) error
	RunAgent         func(context.Context, config.AgentConfig) error
	RunKeygen        func(context.Context, config.ServerConfig, bool) error
	RunMigrateUp     func(context.Context, config.ServerConfig) error
	Version          string
}

func BuildApp(deps Deps) *cli.App {
	return &cli.App{
		Name:    "creator",
		Usage:   "command relay with local bridge and server-side fallback",
		Version: deps.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "server config file (yaml, toml or json)",
				EnvVars: []string{"CREATOR_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "relay",
				Usage: "run the relay server",
				Action: func(ctx *cli.Context) error {
					cfg, err := loadServerConfig(deps, ctx.String("config"))
					if err != nil {
						return err
					}
					return runServer(ctx.Context, deps.RunRelay, "relay", cfg)
				},
			},
			{
				Name:  "control",
				Usage: "run the control plane",
				Action: func(ctx *cli.Context) error {
					cfg, err := loadServerConfig(deps, ctx.String("config"))
					if err != nil {
						return err
					}
					return runServer(ctx.Context, deps.RunControl, "control", cfg)
				},
			},
			{
				Name:  "agent",
				Usage: "run the local agent (bridge, engine supervisor, orchestrator)",
				Action: func(ctx *cli.Context) error {
					if deps.RunAgent == nil {
						return errors.New("agent runner is not configured")
					}
					return deps.RunAgent(ctx.Context, loadAgentConfig(deps))
				},
			},
			{
				Name:  "keygen",
				Usage: "create the bridge token signing key pair",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "force", Usage: "replace an existing key pair"},
				},
				Action: func(ctx *cli.Context) error {
					cfg, err := loadServerConfig(deps, ctx.String("config"))
					if err != nil {
						return err
					}
					if deps.RunKeygen == nil {
						return errors.New("keygen runner is not configured")
					}
					return deps.RunKeygen(ctx.Context, cfg, ctx.Bool("force"))
				},
			},
			{
				Name:  "migrate",
				Usage: "run database migration",
				Subcommands: []*cli.Command{
					{
						Name:  "up",
						Usage: "apply pending migrations",
						Action: func(ctx *cli.Context) error {
							cfg, err := loadServerConfig(deps, ctx.String("config"))
							if err != nil {
								return err
							}
							return runServer(ctx.Context, deps.RunMigrateUp, "migrate up", cfg)
						},
					},
				},
			},
		},
	}
}

func loadServerConfig(deps Deps, path string) (config.ServerConfig, error) {
	if deps.LoadServerConfig != nil {
		return deps.LoadServerConfig(path)
	}
	return config.LoadServerConfig(path)
}

func loadAgentConfig(deps Deps) config.AgentConfig {
	if deps.LoadAgentConfig != nil {
		return deps.LoadAgentConfig()
	}
	return config.LoadAgentConfig()
}

func runServer(ctx context.Context, fn func(context.Context, config.ServerConfig) error, name string, cfg config.ServerConfig) error {
	if fn == nil {
		return errors.New(name + " runner is not configured")
	}
	return fn(ctx, cfg)
}
