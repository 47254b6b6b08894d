// Package worker collects episodes with the latest policy and ships them to
// the replay buffer.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"distributed-dreamer-rl/internal/agent"
	"distributed-dreamer-rl/internal/buffer"
	"distributed-dreamer-rl/internal/env"
	"distributed-dreamer-rl/internal/platform/logging"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	WorkerID      string        `env:"WORKER_ID"`
	Env           string        `env:"ENV" envDefault:"cartpole"`
	Envs          int           `env:"ENVS" envDefault:"2"`
	BufferURL     string        `env:"BUFFER_URL" envDefault:"http://localhost:9001"`
	TrainerURL    string        `env:"TRAINER_URL" envDefault:"http://localhost:9002"`
	BatchEpisodes int           `env:"BATCH_EPISODES" envDefault:"4"`
	PolicyRefresh time.Duration `env:"POLICY_REFRESH" envDefault:"5s"`
	Backoff       time.Duration `env:"BACKOFF" envDefault:"500ms"`
	Explore       bool          `env:"EXPLORE" envDefault:"true"`
	Seed          int64         `env:"SEED"`
}

// Runner steps Config.Envs environments concurrently. Each environment owns
// its agent copy, so policy refreshes never race with acting.
type Runner struct {
	Config Config
	Agent  agent.Config
	Buffer *buffer.Client
	Client *http.Client
	Logger *slog.Logger

	// Rounds bounds the enqueue rounds per environment; zero runs until
	// the context is done.
	Rounds int
}

func (r *Runner) Run(ctx context.Context) error {
	if r.Config.BatchEpisodes <= 0 {
		return errors.New("batch episodes must be > 0")
	}
	if r.Config.Envs <= 0 {
		return errors.New("envs must be > 0")
	}
	spec, err := env.Lookup(r.Config.Env)
	if err != nil {
		return err
	}
	if r.Config.WorkerID == "" {
		r.Config.WorkerID = "worker-" + uuid.NewString()
	}
	if r.Config.Backoff <= 0 {
		r.Config.Backoff = 500 * time.Millisecond
	}
	if r.Client == nil {
		r.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if r.Buffer == nil {
		r.Buffer = buffer.NewClient(r.Config.BufferURL)
	}
	if r.Logger == nil {
		r.Logger = logging.Discard()
	}
	r.Logger = r.Logger.With("worker", r.Config.WorkerID, "env", spec.Name)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < r.Config.Envs; i++ {
		g.Go(func() error {
			return r.runEnv(ctx, spec, r.Config.Seed+int64(i))
		})
	}
	return g.Wait()
}

func (r *Runner) runEnv(ctx context.Context, spec env.Spec, seed int64) error {
	rng := rand.New(rand.NewSource(seed))
	e, err := env.New(spec.Name, rng)
	if err != nil {
		return err
	}
	a, err := agent.New(r.Agent, spec, seed)
	if err != nil {
		return err
	}
	filter := a.NewFilter(rng)
	logger := r.Logger.With("seed", seed)

	var lastPull time.Time
	policyIteration := -1
	for round := 0; r.Rounds == 0 || round < r.Rounds; round++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if r.Config.TrainerURL != "" && (r.Config.PolicyRefresh == 0 || time.Since(lastPull) >= r.Config.PolicyRefresh) {
			snap, err := r.fetchPolicy(ctx)
			switch {
			case err != nil:
				logger.Warn("policy fetch failed", "error", err)
			case snap.Iteration != policyIteration:
				if err := a.Restore(snap); err != nil {
					return fmt.Errorf("restore policy: %w", err)
				}
				policyIteration = snap.Iteration
				lastPull = time.Now()
				logger.Debug("policy updated", "iteration", snap.Iteration)
			default:
				lastPull = time.Now()
			}
		}

		episodes := make([]buffer.Episode, 0, r.Config.BatchEpisodes)
		for i := 0; i < r.Config.BatchEpisodes; i++ {
			ep, err := r.episode(e, filter)
			if err != nil {
				return err
			}
			episodes = append(episodes, ep)
		}

		status, err := r.Buffer.Enqueue(ctx, episodes)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("enqueue failed", "error", err)
			r.sleep(ctx)
			continue
		}
		switch status {
		case http.StatusAccepted:
		case http.StatusUnprocessableEntity:
			// The buffer refused malformed episodes; resending them would
			// fail the same way, so the batch is dropped.
			logger.Warn("episodes rejected", "episodes", len(episodes))
			continue
		default:
			logger.Warn("enqueue failed", "status", status)
			r.sleep(ctx)
			continue
		}
		logger.Debug("episodes enqueued",
			"episodes", len(episodes),
			"mean_return", lo.MeanBy(episodes, func(ep buffer.Episode) float64 { return ep.Return }),
		)
	}
	return nil
}

// episode plays one episode to termination or truncation. The first
// transition carries the reset observation with a zero action.
func (r *Runner) episode(e env.Env, filter *agent.Filter) (buffer.Episode, error) {
	spec := e.Spec()
	obs := e.Reset()
	transitions := make([]buffer.Transition, 0, spec.MaxSteps+1)
	transitions = append(transitions, buffer.Transition{
		Obs:     obs,
		Action:  make([]float64, spec.ActionDim),
		Cont:    1,
		IsFirst: true,
	})

	var ret float64
	isFirst := true
	for {
		action, err := filter.Act(obs, isFirst, r.Config.Explore)
		if err != nil {
			return buffer.Episode{}, err
		}
		isFirst = false
		next, reward, terminal, truncated := e.Step(action)
		ret += reward
		tr := buffer.Transition{Obs: next, Action: action, Reward: reward, Cont: 1}
		if terminal {
			tr.Cont = 0
		}
		transitions = append(transitions, tr)
		obs = next
		if terminal || truncated {
			break
		}
	}
	return buffer.Episode{
		ID:          uuid.NewString(),
		WorkerID:    r.Config.WorkerID,
		Transitions: transitions,
		Return:      ret,
		CreatedAtMs: time.Now().UnixMilli(),
	}, nil
}

func (r *Runner) fetchPolicy(ctx context.Context) (agent.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.Config.TrainerURL+"/policy", nil)
	if err != nil {
		return agent.Snapshot{}, err
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return agent.Snapshot{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return agent.Snapshot{}, fmt.Errorf("trainer returned %s", resp.Status)
	}
	var snap agent.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return agent.Snapshot{}, err
	}
	return snap, nil
}

func (r *Runner) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(r.Config.Backoff):
	}
}
