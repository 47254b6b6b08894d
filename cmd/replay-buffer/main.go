// Package main starts the replay buffer service.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"distributed-dreamer-rl/internal/buffer"
	"distributed-dreamer-rl/internal/platform/config"
	"distributed-dreamer-rl/internal/platform/logging"
)

type Config struct {
	Port     string `env:"PORT" envDefault:"9001"`
	Capacity int    `env:"BUFFER_CAPACITY" envDefault:"1000000"`
	Policy   string `env:"BUFFER_POLICY" envDefault:"uniform"`
	Seed     int64  `env:"SEED" envDefault:"1"`

	Log logging.Config
}

func main() {
	if err := start(); err != nil {
		log.Fatal(err)
	}
}

// start owns the logger so it is flushed before main exits.
func start() error {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return err
	}
	logger, closeLog, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	defer closeLog()

	policy, err := buffer.ParsePolicy(cfg.Policy)
	if err != nil {
		return err
	}
	replay, err := buffer.NewReplayBuffer(cfg.Capacity, policy, cfg.Seed)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           buffer.NewHandler(replay, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("replay buffer listening", "port", cfg.Port, "capacity", cfg.Capacity, "policy", policy)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("replay buffer stopped", "error", err)
		return err
	}
	return nil
}
