package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/whale-sh/whale/internal/bus"
	"github.com/whale-sh/whale/internal/config"
	"github.com/whale-sh/whale/internal/gateway"
	"github.com/whale-sh/whale/internal/store"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Expose the agent over a websocket endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// Remote peers cannot answer confirmation prompts.
	if flagPermission == "" {
		cfg.PermissionMode = config.PermissionYolo
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e, err := buildEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer e.close()

	run := func(ctx context.Context, session *store.Session, prompt string, pub bus.Publisher) error {
		e.bindSession(session, debugMode)
		loop := e.newLoopWith(session, cfg.PermissionMode, nil, pub)
		_, err := loop.Run(ctx, prompt)
		return err
	}

	srv := gateway.NewServer(cfg, e.sessions, e.registry, run)
	return srv.Start(ctx)
}
