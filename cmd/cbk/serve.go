package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/gradeline/codebook/internal/config"
	"github.com/gradeline/codebook/internal/db"
	"github.com/gradeline/codebook/internal/queue"
	"github.com/gradeline/codebook/internal/server"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var configPath string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "codebook.yaml", "path to config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "override the configured port")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if port > 0 {
		cfg.Server.Port = port
	}

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return err
	}

	q := queue.New(gormDB, queue.Options{
		MaxRetries:  cfg.Worker.MaxRetries,
		BackoffBase: cfg.Worker.BackoffBase(),
		LeaseTTL:    cfg.Worker.LeaseTTL,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(cmd.OutOrStdout(), "API listening on :%d\n", cfg.Server.Port)
	return server.Start(ctx, server.StartOpts{
		DB:    gormDB,
		Queue: q,
		Port:  cfg.Server.Port,
	})
}
