// Package main starts a rollout worker.
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"distributed-dreamer-rl/internal/agent"
	"distributed-dreamer-rl/internal/platform/config"
	"distributed-dreamer-rl/internal/platform/logging"
	"distributed-dreamer-rl/internal/worker"
)

type Config struct {
	Worker worker.Config
	Agent  agent.Config
	Log    logging.Config
}

func main() {
	if err := start(); err != nil {
		log.Fatal(err)
	}
}

// start owns the logger so it is flushed before main exits.
func start() error {
	cfg := Config{Agent: agent.DefaultConfig()}
	if err := config.ParseEnv(&cfg); err != nil {
		return err
	}
	logger, closeLog, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := &worker.Runner{
		Config: cfg.Worker,
		Agent:  cfg.Agent,
		Logger: logger,
	}
	logger.Info("rollout worker starting", "env", cfg.Worker.Env, "envs", cfg.Worker.Envs, "buffer", cfg.Worker.BufferURL)
	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("rollout worker stopped", "error", err)
		return err
	}
	return nil
}
