package main

import (
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/gradeline/codebook/internal/alert"
	"github.com/gradeline/codebook/internal/analysis"
	"github.com/gradeline/codebook/internal/config"
	"github.com/gradeline/codebook/internal/db"
	"github.com/gradeline/codebook/internal/llm"
	"github.com/gradeline/codebook/internal/queue"
	"github.com/gradeline/codebook/internal/vector"
	"github.com/gradeline/codebook/internal/worker"
	"github.com/spf13/cobra"
)

func newWorkerCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the job worker pool",
		Long:  "Starts the polling workers that claim and process analysis, refactor, upload, search and export jobs, plus the lease reaper.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "codebook.yaml", "path to config file")
	return cmd
}

func runWorker(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return err
	}

	var alerter alert.Alerter = alert.LogAlerter{}
	if token := cfg.Alert.SlackToken(); token != "" && cfg.Alert.SlackChannel != "" {
		slackAlerter, err := alert.NewSlack(alert.SlackOpts{Token: token, Channel: cfg.Alert.SlackChannel})
		if err != nil {
			log.Printf("worker: slack alerts disabled: %v", err)
		} else {
			alerter = slackAlerter
		}
	}

	q := queue.New(gormDB, queue.Options{
		MaxRetries:  cfg.Worker.MaxRetries,
		BackoffBase: cfg.Worker.BackoffBase(),
		Alerter:     alerter,
		LeaseTTL:    cfg.Worker.LeaseTTL,
	})

	llmClient, err := llm.NewOpenAI(cfg.LLM)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	idx, err := vector.NewWeaviate(ctx, cfg.Vector)
	if err != nil {
		log.Printf("worker: vector index unavailable, semantic indexing disabled: %v", err)
	}

	env := &worker.Env{
		DB:    gormDB,
		Queue: q,
		Cfg:   cfg,
		LLM:   llmClient,
		Coder: analysis.NewCoder(llmClient, cfg.LLM.BatchSize),
	}
	if idx != nil {
		env.Vector = idx
	}

	return worker.New(env).Run(ctx)
}
