package main

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"distributed-dreamer-rl/internal/agent"
	"distributed-dreamer-rl/internal/buffer"
	"distributed-dreamer-rl/internal/env"
	"distributed-dreamer-rl/internal/nn"
	"distributed-dreamer-rl/internal/platform/logging"
	"distributed-dreamer-rl/internal/trainer"
)

func toyTrainer(t *testing.T, sampler trainer.Sampler) *trainer.Trainer {
	t.Helper()
	spec, err := env.Lookup("point")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	cfg := agent.DefaultConfig()
	cfg.World.RSSM.Deter = 16
	cfg.World.RSSM.Hidden = 16
	cfg.World.RSSM.Stoch = 2
	cfg.World.RSSM.Classes = 2
	cfg.World.Embed = 8
	cfg.World.Units = 16
	cfg.World.Layers = 1
	cfg.ActorCritic.Units = 16
	cfg.ActorCritic.Layers = 1
	a, err := agent.New(cfg, spec, 1)
	if err != nil {
		t.Fatalf("agent: %v", err)
	}
	tc := trainer.DefaultConfig()
	tc.BatchSize = 2
	tc.SeqLen = 4
	tc.Horizon = 3
	tr, err := trainer.New(tc, a, sampler)
	if err != nil {
		t.Fatalf("trainer: %v", err)
	}
	return tr
}

func pointBatch(size, length, obsDim int) buffer.SequenceBatch {
	rng := rand.New(rand.NewSource(1))
	batch := buffer.SequenceBatch{Sequences: make([][]buffer.Transition, size)}
	for b := range batch.Sequences {
		for i := 0; i < length; i++ {
			obs := make([]float64, obsDim)
			for j := range obs {
				obs[j] = rng.Float64()
			}
			act := []float64{0, 0}
			if i > 0 {
				act = []float64{rng.Float64(), -rng.Float64()}
			}
			batch.Sequences[b] = append(batch.Sequences[b], buffer.Transition{
				Obs: obs, Action: act, Reward: rng.Float64(), Cont: 1, IsFirst: i == 0,
			})
		}
	}
	return batch
}

type saveRecorder struct {
	calls    int
	ctxAlive bool
}

func (s *saveRecorder) save(ctx context.Context) error {
	s.calls++
	s.ctxAlive = ctx.Err() == nil
	return nil
}

func TestTrainReturnsShapeErrorWithoutRetrying(t *testing.T) {
	t.Parallel()

	calls := 0
	tr := toyTrainer(t, trainer.SamplerFunc(func(context.Context, int, int) (buffer.SequenceBatch, error) {
		calls++
		return pointBatch(2, 4, 5), nil
	}))
	var rec saveRecorder
	cfg := Config{Iters: 10, CheckpointEvery: 1}
	err := train(context.Background(), tr, cfg, logging.Discard(), rec.save)
	var shape *nn.ShapeError
	if !errors.As(err, &shape) {
		t.Fatalf("train = %v, want a ShapeError", err)
	}
	if calls != 1 {
		t.Fatalf("sampler calls = %d, want 1", calls)
	}
	if !tr.Stats().Halted {
		t.Fatal("trainer should be halted")
	}
	if rec.calls != 0 {
		t.Fatalf("save calls = %d, want 0 after a halt", rec.calls)
	}
}

func TestTrainSavesOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	calls := 0
	tr := toyTrainer(t, trainer.SamplerFunc(func(ctx context.Context, _, _ int) (buffer.SequenceBatch, error) {
		calls++
		if calls == 3 {
			cancel()
			return buffer.SequenceBatch{}, ctx.Err()
		}
		return pointBatch(2, 4, 2), nil
	}))
	var rec saveRecorder
	err := train(ctx, tr, Config{}, logging.Discard(), rec.save)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("train = %v, want context.Canceled", err)
	}
	if tr.Iteration() != 2 {
		t.Fatalf("iteration = %d, want 2", tr.Iteration())
	}
	if rec.calls != 1 || !rec.ctxAlive {
		t.Fatalf("save calls = %d with live context %v, want one final save", rec.calls, rec.ctxAlive)
	}
}

func TestTrainSavesWhenIterationsReached(t *testing.T) {
	t.Parallel()

	tr := toyTrainer(t, trainer.SamplerFunc(func(context.Context, int, int) (buffer.SequenceBatch, error) {
		return pointBatch(2, 4, 2), nil
	}))
	var rec saveRecorder
	if err := train(context.Background(), tr, Config{Iters: 2}, logging.Discard(), rec.save); err != nil {
		t.Fatalf("train: %v", err)
	}
	if tr.Iteration() != 2 || rec.calls != 1 {
		t.Fatalf("iteration = %d saves = %d, want 2 and 1", tr.Iteration(), rec.calls)
	}
}
