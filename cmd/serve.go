package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/reviewrelay/internal/api"
	"github.com/reviewrelay/internal/config"
	"github.com/reviewrelay/internal/engine"
	"github.com/reviewrelay/internal/format"
	"github.com/reviewrelay/internal/github"
	"github.com/reviewrelay/internal/identity"
	"github.com/reviewrelay/internal/logging"
	"github.com/reviewrelay/internal/slack"
)

// ServeCommand returns the CLI command running the webhook server and
// reconciliation engine.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the webhook server",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port for the webhook server (overrides config)",
			},
		},
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	port := cfg.Server.Port
	if c.Int("port") != 0 {
		port = c.Int("port")
	}

	root := logging.New(cfg.Logging.Level)

	msgr := slack.NewClient(cfg.Slack.Token, logging.Component(root, "slack"), slack.Options{
		LookupCacheSize: cfg.Slack.LookupCacheSize,
		RatePerSec:      cfg.Slack.RatePerSec,
	})

	// Startup liveness probe; a failure is loud but not fatal.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	if !msgr.ValidateChannel(ctx, cfg.Slack.Channel) {
		root.Warn().Str("channel", cfg.Slack.Channel).Msg("channel validation failed, continuing anyway")
	}
	cancel()

	agg, err := github.NewClient(context.Background(), cfg.GitHub.Token, cfg.GitHub.BaseURL,
		logging.Component(root, "github"))
	if err != nil {
		return fmt.Errorf("failed to build github client: %w", err)
	}

	render := format.NewRenderer(identity.NewMap(cfg.Identity))
	eng := engine.New(msgr, render, engine.Config{
		Channel:    cfg.Slack.Channel,
		MaxScanned: cfg.Slack.MaxScanned,
		Debounce:   time.Duration(cfg.Engine.DebounceMS) * time.Millisecond,
		Keywords:   cfg.Engine.Keywords,
		StoreSize:  cfg.Engine.StoreSize,
	}, logging.Component(root, "engine"))

	server := api.NewServer(port, cfg.GitHub.WebhookSecret, agg, eng,
		logging.Component(root, "api"))
	return server.Start()
}
