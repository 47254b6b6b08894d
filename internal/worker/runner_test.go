package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"distributed-dreamer-rl/internal/agent"
	"distributed-dreamer-rl/internal/buffer"
	"distributed-dreamer-rl/internal/env"
	"distributed-dreamer-rl/internal/platform/logging"
)

func smallAgentConfig() agent.Config {
	cfg := agent.DefaultConfig()
	cfg.World.RSSM.Deter = 16
	cfg.World.RSSM.Hidden = 16
	cfg.World.RSSM.Stoch = 4
	cfg.World.RSSM.Classes = 4
	cfg.World.Embed = 8
	cfg.World.Units = 16
	cfg.World.Layers = 1
	cfg.ActorCritic.Units = 16
	cfg.ActorCritic.Layers = 1
	return cfg
}

func policyServer(t *testing.T, envName string, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	spec, err := env.Lookup(envName)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	a, err := agent.New(smallAgentConfig(), spec, 99)
	if err != nil {
		t.Fatalf("agent: %v", err)
	}
	snap, err := a.Snapshot(1, agent.PolicyComponents...)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snap)
	}))
}

func TestRunShipsEpisodesToBuffer(t *testing.T) {
	t.Parallel()

	rb, err := buffer.NewReplayBuffer(10_000, buffer.Uniform, 1)
	if err != nil {
		t.Fatalf("buffer: %v", err)
	}
	bufferSrv := httptest.NewServer(buffer.NewHandler(rb, logging.Discard()))
	defer bufferSrv.Close()
	var hits atomic.Int32
	trainerSrv := policyServer(t, "point", &hits)
	defer trainerSrv.Close()

	runner := &Runner{
		Config: Config{
			WorkerID:      "w-test",
			Env:           "point",
			Envs:          2,
			BufferURL:     bufferSrv.URL,
			TrainerURL:    trainerSrv.URL,
			BatchEpisodes: 1,
			Explore:       true,
			Seed:          3,
		},
		Agent:  smallAgentConfig(),
		Rounds: 2,
	}
	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	stats := rb.Stats()
	perEpisode := env.NewPoint(nil).Spec().MaxSteps + 1
	if stats.Episodes != 4 || stats.Transitions != 4*perEpisode {
		t.Fatalf("stats = %+v, want 4 episodes of %d transitions", stats, perEpisode)
	}
	if hits.Load() == 0 {
		t.Fatal("worker never fetched the policy")
	}

	batch, err := rb.Sample(3, perEpisode)
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	for _, seq := range batch.Sequences {
		for _, tr := range seq {
			if len(tr.Obs) != 2 || len(tr.Action) != 2 {
				t.Fatalf("transition dims obs=%d action=%d, want 2 and 2", len(tr.Obs), len(tr.Action))
			}
			if tr.IsFirst && (tr.Action[0] != 0 || tr.Action[1] != 0 || tr.Reward != 0) {
				t.Fatalf("first transition = %+v, want zero action and reward", tr)
			}
		}
	}
}

func TestRunRejectsPolicyForAnotherEnv(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	trainerSrv := policyServer(t, "cartpole", &hits)
	defer trainerSrv.Close()

	runner := &Runner{
		Config: Config{
			Env:           "point",
			Envs:          1,
			BufferURL:     "http://127.0.0.1:0",
			TrainerURL:    trainerSrv.URL,
			BatchEpisodes: 1,
		},
		Agent:  smallAgentConfig(),
		Rounds: 1,
	}
	err := runner.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "restore policy") {
		t.Fatalf("run = %v, want a restore policy error", err)
	}
}

func TestRunValidatesConfig(t *testing.T) {
	t.Parallel()

	runner := &Runner{Config: Config{Env: "point", Envs: 1}}
	if err := runner.Run(context.Background()); err == nil {
		t.Fatal("expected error for zero batch episodes")
	}
	runner = &Runner{Config: Config{Env: "mountaincar", Envs: 1, BatchEpisodes: 1}}
	if err := runner.Run(context.Background()); err == nil {
		t.Fatal("expected error for unknown env")
	}
}

func TestRunBacksOffOnlyOnRetryableStatus(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		status  int
		backoff time.Duration
		minTime time.Duration
	}{
		{status: http.StatusUnprocessableEntity, backoff: time.Hour},
		{status: http.StatusTooManyRequests, backoff: 50 * time.Millisecond, minTime: 100 * time.Millisecond},
		{status: http.StatusServiceUnavailable, backoff: 50 * time.Millisecond, minTime: 100 * time.Millisecond},
	} {
		var posts atomic.Int32
		bufferSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			posts.Add(1)
			w.WriteHeader(tc.status)
		}))
		runner := &Runner{
			Config: Config{
				Env:           "point",
				Envs:          1,
				BufferURL:     bufferSrv.URL,
				BatchEpisodes: 1,
				Backoff:       tc.backoff,
			},
			Agent:  smallAgentConfig(),
			Rounds: 2,
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		began := time.Now()
		err := runner.Run(ctx)
		elapsed := time.Since(began)
		cancel()
		bufferSrv.Close()
		if err != nil {
			t.Fatalf("status %d: run = %v, want nil", tc.status, err)
		}
		if posts.Load() != 2 {
			t.Fatalf("status %d: posts = %d, want 2", tc.status, posts.Load())
		}
		if elapsed < tc.minTime {
			t.Fatalf("status %d: run took %v, want at least %v of backoff", tc.status, elapsed, tc.minTime)
		}
	}
}
