// Package main starts the trainer: the iteration loop against the remote
// replay buffer, the policy endpoint and periodic checkpoints.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"distributed-dreamer-rl/internal/agent"
	"distributed-dreamer-rl/internal/buffer"
	"distributed-dreamer-rl/internal/checkpoint"
	"distributed-dreamer-rl/internal/env"
	"distributed-dreamer-rl/internal/platform/config"
	"distributed-dreamer-rl/internal/platform/logging"
	"distributed-dreamer-rl/internal/platform/otel"
	"distributed-dreamer-rl/internal/trainer"
	"github.com/google/uuid"
)

type Config struct {
	Port      string        `env:"PORT" envDefault:"9002"`
	Env       string        `env:"ENV" envDefault:"cartpole"`
	BufferURL string        `env:"BUFFER_URL" envDefault:"http://localhost:9001"`
	RunID     string        `env:"RUN_ID"`
	Iters     int           `env:"ITERATIONS"`
	Backoff   time.Duration `env:"BACKOFF" envDefault:"1s"`
	LogEvery  int           `env:"LOG_EVERY" envDefault:"10"`

	CheckpointPath  string `env:"CHECKPOINT_PATH" envDefault:"checkpoints.db"`
	CheckpointEvery int    `env:"CHECKPOINT_EVERY" envDefault:"100"`
	CheckpointKeep  int    `env:"CHECKPOINT_KEEP" envDefault:"3"`

	Trainer trainer.Config
	Agent   agent.Config
	Log     logging.Config
}

func main() {
	if err := start(); err != nil {
		log.Fatal(err)
	}
}

// start owns the logger so it is flushed before main exits.
func start() error {
	cfg := Config{Trainer: trainer.DefaultConfig(), Agent: agent.DefaultConfig()}
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

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("trainer stopped", "error", err)
		return err
	}
	return nil
}

func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	shutdownOtel, err := otel.Setup(ctx, "dreamer-trainer")
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownOtel(shutdownCtx)
	}()

	spec, err := env.Lookup(cfg.Env)
	if err != nil {
		return err
	}
	a, err := agent.New(cfg.Agent, spec, cfg.Trainer.Seed)
	if err != nil {
		return err
	}
	tr, err := trainer.New(cfg.Trainer, a, buffer.NewClient(cfg.BufferURL), trainer.WithLogger(logger))
	if err != nil {
		return err
	}

	store, err := checkpoint.Open(cfg.CheckpointPath)
	if err != nil {
		return err
	}
	defer store.Close()

	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	logger = logger.With("run_id", cfg.RunID)
	switch cp, err := store.Latest(ctx, cfg.RunID); {
	case errors.Is(err, checkpoint.ErrNotFound):
		logger.Info("starting fresh run")
	case err != nil:
		return err
	default:
		if err := tr.Resume(cp); err != nil {
			return err
		}
		logger.Info("resumed from checkpoint", "iteration", cp.Iteration)
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           trainer.NewHandler(tr),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("trainer listening", "port", cfg.Port, "env", spec.Name)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	saved := tr.Iteration()
	save := func(ctx context.Context) error {
		if tr.Iteration() == saved {
			return nil
		}
		cp, err := tr.Checkpoint(cfg.RunID)
		if err != nil {
			return err
		}
		if err := store.Save(ctx, cp); err != nil {
			return err
		}
		if cfg.CheckpointKeep > 0 {
			if err := store.Prune(ctx, cfg.RunID, cfg.CheckpointKeep); err != nil {
				return err
			}
		}
		saved = cp.Iteration
		logger.Info("checkpoint saved", "iteration", cp.Iteration)
		return nil
	}
	return train(ctx, tr, cfg, logger, save)
}

// train iterates until cfg.Iters is reached, the trainer halts or ctx is
// cancelled. Finishing and cancellation both write a final checkpoint; a
// halt leaves the last periodic one as the latest.
func train(ctx context.Context, tr *trainer.Trainer, cfg Config, logger *slog.Logger, save func(context.Context) error) error {
	err := loop(ctx, tr, cfg, logger, save)
	if err != nil && ctx.Err() == nil {
		return err
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if serr := save(saveCtx); serr != nil {
		logger.Error("final checkpoint failed", "error", serr)
		return errors.Join(err, fmt.Errorf("final checkpoint: %w", serr))
	}
	return err
}

func loop(ctx context.Context, tr *trainer.Trainer, cfg Config, logger *slog.Logger, save func(context.Context) error) error {
	for cfg.Iters == 0 || tr.Iteration() < cfg.Iters {
		report, err := tr.Iterate(ctx)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, buffer.ErrInsufficientData):
			logger.Debug("waiting for replay data", "error", err)
			if !sleep(ctx, cfg.Backoff) {
				return ctx.Err()
			}
			continue
		case err != nil:
			if tr.Stats().Halted {
				return err
			}
			logger.Warn("iteration failed", "error", err)
			if !sleep(ctx, cfg.Backoff) {
				return ctx.Err()
			}
			continue
		}

		if cfg.LogEvery > 0 && report.Iteration%cfg.LogEvery == 0 {
			logger.Info("iteration",
				"iteration", report.Iteration,
				"world_loss", report.World.Total,
				"reward_loss", report.World.Reward,
				"kl", report.World.KL,
				"actor_loss", report.Actor.Loss,
				"critic_loss", report.CriticLoss,
				"return", report.Actor.Return,
			)
		}
		if cfg.CheckpointEvery > 0 && report.Iteration%cfg.CheckpointEvery == 0 {
			if err := save(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
